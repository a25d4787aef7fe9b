package state

import (
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
)

// TypingNotifyFunc receives typing transitions: an assertion, an explicit
// stop, or an auto-expiry. Called outside the tracker's lock.
type TypingNotifyFunc func(key, userID string, typing bool)

// TypingTracker holds per-conversation ephemeral typing state. Each assertion
// arms a cancellable expiry timer; if the client never sends a stop (for
// example it disconnected mid-type), the tracker removes the entry on its own
// after the TTL and emits exactly one "stopped typing" notification. That is
// the liveness guarantee against stuck typing indicators.
type TypingTracker struct {
	mu      sync.Mutex
	entries map[string]map[string]*typingEntry // conversation key -> userID

	ttl    time.Duration
	notify TypingNotifyFunc
	logger *slog.Logger
}

type typingEntry struct {
	timer      *time.Timer
	assertedAt time.Time
}

func NewTypingTracker(ttl time.Duration, notify TypingNotifyFunc, logger *slog.Logger) *TypingTracker {
	return &TypingTracker{
		entries: make(map[string]map[string]*typingEntry),
		ttl:     ttl,
		notify:  notify,
		logger:  logger.With(slog.String("component", "typing_tracker")),
	}
}

// Start inserts or refreshes the typing entry for (key, user) and (re)arms
// its expiry timer. Re-asserting cancels-and-rearms rather than stacking
// timers. The notification fires on every call; the client side is expected
// to debounce keystroke bursts.
func (t *TypingTracker) Start(key, userID string) {
	t.mu.Lock()
	users, ok := t.entries[key]
	if !ok {
		users = make(map[string]*typingEntry)
		t.entries[key] = users
	}
	if entry, ok := users[userID]; ok {
		entry.timer.Stop()
	}
	// The expiry callback remembers which entry armed it. A timer that had
	// already fired when Stop was called must not tear down the entry that
	// replaced its own.
	entry := &typingEntry{assertedAt: time.Now()}
	entry.timer = time.AfterFunc(t.ttl, func() { t.expire(key, userID, entry) })
	users[userID] = entry
	t.mu.Unlock()

	t.notify(key, userID, true)
}

// Stop removes the entry immediately, if present, and cancels its timer.
func (t *TypingTracker) Stop(key, userID string) {
	if t.remove(key, userID, nil) {
		t.notify(key, userID, false)
	}
}

// StopAll clears every typing assertion the user holds, across all
// conversations. Called when the user's last connection goes away.
func (t *TypingTracker) StopAll(userID string) {
	t.mu.Lock()
	var stopped []string
	for key, users := range t.entries {
		if entry, ok := users[userID]; ok {
			entry.timer.Stop()
			delete(users, userID)
			if len(users) == 0 {
				delete(t.entries, key)
			}
			stopped = append(stopped, key)
		}
	}
	t.mu.Unlock()

	for _, key := range stopped {
		t.notify(key, userID, false)
	}
}

// Typers returns the ids of users currently typing at the key, sorted.
func (t *TypingTracker) Typers(key string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.entries[key]
	if !ok {
		return nil
	}
	return sortedCopy(lo.Keys(users))
}

// expire is the timer body. The entry may already be gone, or already
// superseded by a re-assertion, if an explicit stop or a refresh won the
// race; then this is a no-op and nothing is emitted.
func (t *TypingTracker) expire(key, userID string, armed *typingEntry) {
	if t.remove(key, userID, armed) {
		t.logger.Debug("Typing entry expired", slog.String("key", key), slog.String("userID", userID))
		t.notify(key, userID, false)
	}
}

// remove deletes the entry for (key, userID). A non-nil armed pointer makes
// the removal conditional: only the entry that armed the caller's timer is
// taken out, never a fresh re-assertion.
func (t *TypingTracker) remove(key, userID string, armed *typingEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.entries[key]
	if !ok {
		return false
	}
	entry, ok := users[userID]
	if !ok {
		return false
	}
	if armed != nil && entry != armed {
		return false
	}
	entry.timer.Stop()
	delete(users, userID)
	if len(users) == 0 {
		delete(t.entries, key)
	}
	return true
}

package state_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/pkg/state"
)

type typingEvent struct {
	Key    string
	UserID string
	Typing bool
}

type typingRecorder struct {
	mu     sync.Mutex
	events []typingEvent
}

func (r *typingRecorder) notify(key, userID string, typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, typingEvent{Key: key, UserID: userID, Typing: typing})
}

func (r *typingRecorder) snapshot() []typingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]typingEvent, len(r.events))
	copy(out, r.events)
	return out
}

func newTestTracker(ttl time.Duration) (*state.TypingTracker, *typingRecorder) {
	rec := &typingRecorder{}
	return state.NewTypingTracker(ttl, rec.notify, newTestLogger()), rec
}

func TestTypingStartAndStop(t *testing.T) {
	tracker, rec := newTestTracker(time.Minute)
	key := state.RoomKey("general")

	tracker.Start(key, "alice")
	assert.Equal(t, []string{"alice"}, tracker.Typers(key))

	tracker.Start(key, "bob")
	assert.Equal(t, []string{"alice", "bob"}, tracker.Typers(key))

	tracker.Stop(key, "alice")
	assert.Equal(t, []string{"bob"}, tracker.Typers(key))

	// Stopping an absent entry notifies nobody.
	tracker.Stop(key, "alice")

	events := rec.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, typingEvent{Key: key, UserID: "alice", Typing: true}, events[0])
	assert.Equal(t, typingEvent{Key: key, UserID: "bob", Typing: true}, events[1])
	assert.Equal(t, typingEvent{Key: key, UserID: "alice", Typing: false}, events[2])
}

func TestTypingAutoExpiry(t *testing.T) {
	tracker, rec := newTestTracker(30 * time.Millisecond)
	key := state.RoomKey("general")

	tracker.Start(key, "alice")
	require.Equal(t, []string{"alice"}, tracker.Typers(key))

	time.Sleep(80 * time.Millisecond)

	assert.Empty(t, tracker.Typers(key))

	var stops int
	for _, e := range rec.snapshot() {
		if !e.Typing {
			stops++
		}
	}
	assert.Equal(t, 1, stops, "expiry must emit exactly one stopped notification")

	// An explicit stop after expiry finds nothing to remove.
	tracker.Stop(key, "alice")
	var stopsAfter int
	for _, e := range rec.snapshot() {
		if !e.Typing {
			stopsAfter++
		}
	}
	assert.Equal(t, 1, stopsAfter)
}

func TestTypingReassertExtendsExpiry(t *testing.T) {
	tracker, rec := newTestTracker(60 * time.Millisecond)
	key := state.RoomKey("general")

	tracker.Start(key, "alice")
	time.Sleep(40 * time.Millisecond)
	tracker.Start(key, "alice")
	time.Sleep(40 * time.Millisecond)

	// 80ms after the first assertion, but only 40ms after the refresh.
	assert.Equal(t, []string{"alice"}, tracker.Typers(key))

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, tracker.Typers(key))

	var stops int
	for _, e := range rec.snapshot() {
		if !e.Typing {
			stops++
		}
	}
	assert.Equal(t, 1, stops, "cancel-and-rearm must not leak the superseded timer")
}

func TestTypingRefreshAtExpiryBoundary(t *testing.T) {
	// Re-asserting exactly as the old timer fires must leave the fresh
	// assertion standing: an expiry that lost the race to a refresh may not
	// tear down the entry that superseded its own.
	key := state.RoomKey("general")
	for i := 0; i < 50; i++ {
		tracker, _ := newTestTracker(2 * time.Millisecond)

		tracker.Start(key, "alice")
		time.Sleep(2 * time.Millisecond)
		tracker.Start(key, "alice")
		time.Sleep(500 * time.Microsecond)

		require.Equal(t, []string{"alice"}, tracker.Typers(key),
			"refreshed typing assertion was removed before its own TTL")
	}
}

func TestTypingStopAll(t *testing.T) {
	tracker, rec := newTestTracker(time.Minute)
	room := state.RoomKey("general")
	dm := state.DirectKey("alice", "bob")

	tracker.Start(room, "alice")
	tracker.Start(dm, "alice")
	tracker.Start(room, "bob")

	tracker.StopAll("alice")

	assert.Equal(t, []string{"bob"}, tracker.Typers(room))
	assert.Empty(t, tracker.Typers(dm))

	var stopped []typingEvent
	for _, e := range rec.snapshot() {
		if !e.Typing {
			stopped = append(stopped, e)
		}
	}
	require.Len(t, stopped, 2)
	for _, e := range stopped {
		assert.Equal(t, "alice", e.UserID)
	}
}

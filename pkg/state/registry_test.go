package state_test

import (
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"parley/pkg/state"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeSender struct {
	id uuid.UUID

	mu     sync.Mutex
	frames [][]byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{id: uuid.New()}
}

func (f *fakeSender) ID() uuid.UUID { return f.id }

func (f *fakeSender) Send(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, msg)
}

// --- Connection Lifecycle Tests ---

func TestConnectionLifecycle(t *testing.T) {
	r := state.NewRegistry(newTestLogger())
	sender := newFakeSender()

	conn := r.Register("user-1", "alice", sender)
	if conn.ID != sender.ID() {
		t.Errorf("Registered connection ID mismatch")
	}

	retrieved, found := r.Connection(sender.ID())
	if !found {
		t.Fatal("Connection failed to find registered connection")
	}
	if retrieved.UserID != "user-1" || retrieved.Username != "alice" {
		t.Errorf("Retrieved connection identity mismatch: %s/%s", retrieved.UserID, retrieved.Username)
	}

	r.Unregister(sender.ID())
	_, found = r.Connection(sender.ID())
	if found {
		t.Error("Found connection after it should have been deregistered")
	}
}

func TestMultiDeviceConnectionCount(t *testing.T) {
	r := state.NewRegistry(newTestLogger())
	userID := "user-1"
	s1, s2 := newFakeSender(), newFakeSender()

	r.Register(userID, "alice", s1)
	count, _ := r.ConnectionCount(userID)
	if count != 1 {
		t.Errorf("Expected connection count 1, got %d", count)
	}

	r.Register(userID, "alice", s2)
	count, _ = r.ConnectionCount(userID)
	if count != 2 {
		t.Errorf("Expected connection count 2, got %d", count)
	}
	if !r.IsOnline(userID) {
		t.Error("Expected user to be online with two connections")
	}

	r.Unregister(s1.ID())
	count, _ = r.ConnectionCount(userID)
	if count != 1 {
		t.Errorf("Expected connection count 1 after deregister, got %d", count)
	}
	if !r.IsOnline(userID) {
		t.Error("Expected user to remain online while one connection survives")
	}

	if got := len(r.ConnectionsFor(userID)); got != 1 {
		t.Errorf("Expected 1 live connection, got %d", got)
	}
}

func TestOldestConnection(t *testing.T) {
	r := state.NewRegistry(newTestLogger())
	userID := "user-cycle"
	s1 := newFakeSender()
	r.Register(userID, "alice", s1)
	time.Sleep(5 * time.Millisecond) // Ensure timestamps are different
	s2 := newFakeSender()
	r.Register(userID, "alice", s2)

	oldest, found := r.OldestConnection(userID)
	if !found {
		t.Fatal("Expected to find oldest connection, but did not")
	}
	if oldest.ID != s1.ID() {
		t.Errorf("Expected oldest connection ID to be %s, got %s", s1.ID(), oldest.ID)
	}
}

// --- Presence Transition Tests ---

func TestPresenceTransitions(t *testing.T) {
	r := state.NewRegistry(newTestLogger())

	var mu sync.Mutex
	var transitions []state.Presence
	r.OnPresenceChange(func(p state.Presence) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, p)
	})

	userID := "user-presence"
	s1, s2 := newFakeSender(), newFakeSender()

	// Only the first connection flips the user online.
	r.Register(userID, "alice", s1)
	r.Register(userID, "alice", s2)
	mu.Lock()
	if len(transitions) != 1 || transitions[0].Status != state.StatusOnline {
		t.Fatalf("Expected exactly one online transition, got %+v", transitions)
	}
	mu.Unlock()

	// Only the last disconnect flips the user offline.
	r.Unregister(s1.ID())
	mu.Lock()
	if len(transitions) != 1 {
		t.Fatalf("Unexpected transition on non-final disconnect: %+v", transitions)
	}
	mu.Unlock()

	r.Unregister(s2.ID())
	// A duplicate disconnect notification for the same handle is a no-op.
	r.Unregister(s2.ID())

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 {
		t.Fatalf("Expected exactly two transitions total, got %d", len(transitions))
	}
	offline := transitions[1]
	if offline.Status != state.StatusOffline {
		t.Errorf("Expected offline transition, got %s", offline.Status)
	}
	if offline.LastSeen.IsZero() {
		t.Error("Expected offline transition to record last-seen")
	}
}

func TestSetStatus(t *testing.T) {
	r := state.NewRegistry(newTestLogger())
	userID := "user-status"

	if _, ok := r.SetStatus(userID, state.StatusAway, "brb"); ok {
		t.Error("SetStatus should fail for a user with no connections")
	}

	s := newFakeSender()
	r.Register(userID, "alice", s)

	p, ok := r.SetStatus(userID, state.StatusAway, "brb")
	if !ok {
		t.Fatal("SetStatus failed for a connected user")
	}
	if p.Status != state.StatusAway || p.StatusMessage != "brb" {
		t.Errorf("Unexpected presence snapshot: %+v", p)
	}

	if _, ok := r.SetStatus(userID, state.StatusOffline, ""); ok {
		t.Error("SetStatus must reject explicit offline")
	}

	if got := r.PresenceOf(userID); got.Status != state.StatusAway {
		t.Errorf("Expected away, got %s", got.Status)
	}
}

func TestActiveView(t *testing.T) {
	r := state.NewRegistry(newTestLogger())
	userID := "user-view"
	s1, s2 := newFakeSender(), newFakeSender()
	r.Register(userID, "alice", s1)
	r.Register(userID, "alice", s2)

	key := state.RoomKey("general")
	if r.IsViewing(userID, key) {
		t.Error("User should not be viewing anything yet")
	}

	r.SetActiveView(s1.ID(), key)
	if !r.IsViewing(userID, key) {
		t.Error("Expected user to be viewing room via first device")
	}

	// Clearing one device does not clear the other.
	r.SetActiveView(s2.ID(), state.DirectKey(userID, "user-x"))
	if !r.IsViewing(userID, key) {
		t.Error("Second device's view change should not affect the first")
	}

	r.SetActiveView(s1.ID(), "")
	if r.IsViewing(userID, key) {
		t.Error("Expected view flag cleared")
	}
}

func TestRegistryConcurrency(t *testing.T) {
	r := state.NewRegistry(newTestLogger())
	numGoroutines := 100
	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := "user" + strconv.Itoa(i%10)
			s := newFakeSender()
			r.Register(userID, userID, s)
			r.ConnectionsFor(userID)
			r.Unregister(s.ID())
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		userID := "user" + strconv.Itoa(i)
		if count, _ := r.ConnectionCount(userID); count != 0 {
			t.Errorf("Expected 0 connections for %s after churn, got %d", userID, count)
		}
	}
}

package state

import (
	"log/slog"
	"sync"

	"github.com/samber/lo"
)

// Index is the in-memory mirror of room membership, used to compute fan-out
// targets without a storage round-trip per event. It is advisory: durable
// storage remains the source of truth, and the dispatcher only mutates the
// index after the corresponding durable write has succeeded.
//
// Unread counters live here too, keyed by conversation key (RoomKey or
// DirectKey) and user.
type Index struct {
	roomShards    [shardCount]roomShard
	counterShards [shardCount]counterShard
	logger        *slog.Logger
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Role // roomID -> userID -> role
}

type counterShard struct {
	mu       sync.Mutex
	counters map[string]map[string]int // conversation key -> userID -> unread
}

func NewIndex(logger *slog.Logger) *Index {
	idx := &Index{
		logger: logger.With(slog.String("component", "membership_index")),
	}
	for i := range idx.roomShards {
		idx.roomShards[i].rooms = make(map[string]map[string]Role)
	}
	for i := range idx.counterShards {
		idx.counterShards[i].counters = make(map[string]map[string]int)
	}
	return idx
}

func (idx *Index) roomShard(roomID string) *roomShard {
	return &idx.roomShards[shardIndex(roomID)]
}

func (idx *Index) counterShard(key string) *counterShard {
	return &idx.counterShards[shardIndex(key)]
}

// LoadRoom seeds or refreshes the index for a room from durable storage.
// Called on room creation, join, and on reconnect resync.
func (idx *Index) LoadRoom(roomID string, members []Member) {
	rs := idx.roomShard(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	roster := make(map[string]Role, len(members))
	for _, m := range members {
		roster[m.UserID] = m.Role
	}
	rs.rooms[roomID] = roster
	idx.logger.Debug("Room loaded", slog.String("roomID", roomID), slog.Int("members", len(roster)))
}

// Loaded reports whether the room has been seeded into the index.
func (idx *Index) Loaded(roomID string) bool {
	rs := idx.roomShard(roomID)
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	_, ok := rs.rooms[roomID]
	return ok
}

// MembersOf returns the user ids of the room's members, sorted for
// deterministic fan-out and logging. Unknown rooms yield an empty slice.
func (idx *Index) MembersOf(roomID string) []string {
	rs := idx.roomShard(roomID)
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	roster, ok := rs.rooms[roomID]
	if !ok {
		return nil
	}
	return sortedCopy(lo.Keys(roster))
}

func (idx *Index) IsMember(roomID, userID string) bool {
	rs := idx.roomShard(roomID)
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	roster, ok := rs.rooms[roomID]
	if !ok {
		return false
	}
	_, ok = roster[userID]
	return ok
}

func (idx *Index) RoleOf(roomID, userID string) (Role, bool) {
	rs := idx.roomShard(roomID)
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	roster, ok := rs.rooms[roomID]
	if !ok {
		return "", false
	}
	role, ok := roster[userID]
	return role, ok
}

// AddMember records a membership in the index. The caller must have completed
// the durable write first; the index never runs ahead of storage.
func (idx *Index) AddMember(roomID, userID string, role Role) {
	rs := idx.roomShard(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	roster, ok := rs.rooms[roomID]
	if !ok {
		roster = make(map[string]Role)
		rs.rooms[roomID] = roster
	}
	roster[userID] = role
}

// RemoveMember drops a membership from the index. Same durable-write-first
// contract as AddMember. The member's unread counter for the room goes too.
func (idx *Index) RemoveMember(roomID, userID string) {
	rs := idx.roomShard(roomID)
	rs.mu.Lock()
	roster, ok := rs.rooms[roomID]
	if ok {
		delete(roster, userID)
		if len(roster) == 0 {
			delete(rs.rooms, roomID)
		}
	}
	rs.mu.Unlock()

	idx.ResetUnread(RoomKey(roomID), userID)
}

// DropRoom removes a room and all of its unread counters, for room deletion.
func (idx *Index) DropRoom(roomID string) {
	rs := idx.roomShard(roomID)
	rs.mu.Lock()
	delete(rs.rooms, roomID)
	rs.mu.Unlock()

	key := RoomKey(roomID)
	cs := idx.counterShard(key)
	cs.mu.Lock()
	delete(cs.counters, key)
	cs.mu.Unlock()
}

// IncrementUnread bumps the user's unread counter for a conversation by
// exactly one and returns the new value. The dispatcher calls this at most
// once per (message, member), however many devices the member has connected.
func (idx *Index) IncrementUnread(key, userID string) int {
	cs := idx.counterShard(key)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	users, ok := cs.counters[key]
	if !ok {
		users = make(map[string]int)
		cs.counters[key] = users
	}
	users[userID]++
	return users[userID]
}

// ResetUnread zeroes the user's unread counter for a conversation. Only an
// explicit read action resets a counter; nothing else ever decrements it.
func (idx *Index) ResetUnread(key, userID string) {
	cs := idx.counterShard(key)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if users, ok := cs.counters[key]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(cs.counters, key)
		}
	}
}

func (idx *Index) Unread(key, userID string) int {
	cs := idx.counterShard(key)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if users, ok := cs.counters[key]; ok {
		return users[userID]
	}
	return 0
}

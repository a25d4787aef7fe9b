package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"parley/pkg/state"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs tests and the
// "memory" storage driver for local development.
type MemoryStore struct {
	mu          sync.RWMutex
	messages    map[uuid.UUID]*Message
	logs        map[string][]uuid.UUID // conversation key -> message ids, oldest first
	rooms       map[string]*Room
	memberships map[string]map[string]Membership // roomID -> userID
	statuses    map[string]userStatus
}

type userStatus struct {
	status        state.Status
	statusMessage string
	lastSeen      time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:    make(map[uuid.UUID]*Message),
		logs:        make(map[string][]uuid.UUID),
		rooms:       make(map[string]*Room),
		memberships: make(map[string]map[string]Membership),
		statuses:    make(map[string]userStatus),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) SaveMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID = uuid.New()
	m.CreatedAt = time.Now()
	stored := *m
	s.messages[m.ID] = &stored
	key := m.ConversationKey()
	s.logs[key] = append(s.logs[key], m.ID)
	return nil
}

func (s *MemoryStore) Message(_ context.Context, id uuid.UUID) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	cp.Reactions = lo.Assign(map[string]string{}, m.Reactions)
	return &cp, nil
}

func (s *MemoryStore) RecentMessages(_ context.Context, convKey string, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.logs[convKey]
	out := make([]*Message, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		if m, ok := s.messages[ids[i]]; ok {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) SetReaction(_ context.Context, id uuid.UUID, userID, emoji string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]string)
	}
	if emoji == "" {
		delete(m.Reactions, userID)
	} else {
		m.Reactions[userID] = emoji
	}
	return lo.Assign(map[string]string{}, m.Reactions), nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, id uuid.UUID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if m.DeliveredTo == nil {
		m.DeliveredTo = make(map[string]time.Time)
	}
	if _, done := m.DeliveredTo[userID]; !done {
		m.DeliveredTo[userID] = at
	}
	return nil
}

func (s *MemoryStore) MarkRead(_ context.Context, id uuid.UUID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.ReadBy == nil {
		m.ReadBy = make(map[string]time.Time)
	}
	if _, done := m.ReadBy[userID]; done {
		return false, nil
	}
	m.ReadBy[userID] = at
	if m.DeliveredTo == nil {
		m.DeliveredTo = make(map[string]time.Time)
	}
	if _, done := m.DeliveredTo[userID]; !done {
		m.DeliveredTo[userID] = at
	}
	return true, nil
}

func (s *MemoryStore) SaveRoom(_ context.Context, r *Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.rooms[r.ID] = &cp
	return nil
}

func (s *MemoryStore) Room(_ context.Context, id string) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) TouchRoom(_ context.Context, id string, lastMessage uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return ErrNotFound
	}
	r.LastMessageID = &lastMessage
	r.LastActivity = at
	return nil
}

func (s *MemoryStore) AddMember(_ context.Context, m Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	roster, ok := s.memberships[m.RoomID]
	if !ok {
		roster = make(map[string]Membership)
		s.memberships[m.RoomID] = roster
	}
	roster[m.UserID] = m
	return nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if roster, ok := s.memberships[roomID]; ok {
		delete(roster, userID)
	}
	return nil
}

func (s *MemoryStore) Members(_ context.Context, roomID string) ([]Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roster := s.memberships[roomID]
	out := lo.Values(roster)
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) RoomsFor(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rooms []string
	for roomID, roster := range s.memberships {
		if _, ok := roster[userID]; ok {
			rooms = append(rooms, roomID)
		}
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (s *MemoryStore) UpdateUserStatus(_ context.Context, userID string, status state.Status, statusMessage string, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statuses[userID] = userStatus{status: status, statusMessage: statusMessage, lastSeen: lastSeen}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

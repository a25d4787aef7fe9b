package state

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PresenceFunc is invoked by the registry whenever a user transitions between
// online and offline. It is called outside any shard lock, so implementations
// are free to fan the event back out through the registry.
type PresenceFunc func(p Presence)

// Registry owns the connection-to-user and user-to-connections mappings. All
// routing decisions resolve live connections through it. State is sharded by
// key: operations on different users do not block each other.
type Registry struct {
	connShards [shardCount]connShard
	userShards [shardCount]userShard

	onPresence PresenceFunc
	logger     *slog.Logger
}

type connShard struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*Connection
}

type userShard struct {
	mu    sync.RWMutex
	users map[string]*userEntry
}

type userEntry struct {
	username      string
	status        Status
	statusMessage string
	lastSeen      time.Time
	conns         map[uuid.UUID]*Connection
}

func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		logger: logger.With(slog.String("component", "registry")),
	}
	for i := range r.connShards {
		r.connShards[i].conns = make(map[uuid.UUID]*Connection)
	}
	for i := range r.userShards {
		r.userShards[i].users = make(map[string]*userEntry)
	}
	return r
}

// OnPresenceChange installs the presence transition callback. Set once at
// wiring time, before connections are accepted.
func (r *Registry) OnPresenceChange(fn PresenceFunc) {
	r.onPresence = fn
}

func (r *Registry) connShard(connID uuid.UUID) *connShard {
	return &r.connShards[int(connID[0])%shardCount]
}

func (r *Registry) userShard(userID string) *userShard {
	return &r.userShards[shardIndex(userID)]
}

// Register adds a live connection to the user's connection set. The first
// connection for a user flips them online and emits a presence transition.
func (r *Registry) Register(userID, username string, t Sender) *Connection {
	conn := &Connection{
		ID:        t.ID(),
		UserID:    userID,
		Username:  username,
		Transport: t,
		CreatedAt: time.Now(),
	}

	cs := r.connShard(conn.ID)
	cs.mu.Lock()
	if existing, ok := cs.conns[conn.ID]; ok {
		cs.mu.Unlock()
		return existing
	}
	cs.conns[conn.ID] = conn
	cs.mu.Unlock()

	us := r.userShard(userID)
	us.mu.Lock()
	entry, ok := us.users[userID]
	if !ok {
		entry = &userEntry{
			username: username,
			status:   StatusOffline,
			conns:    make(map[uuid.UUID]*Connection),
		}
		us.users[userID] = entry
	}
	entry.username = username
	entry.conns[conn.ID] = conn

	var transition *Presence
	if len(entry.conns) == 1 {
		entry.status = StatusOnline
		p := snapshot(userID, entry)
		transition = &p
	}
	us.mu.Unlock()

	r.logger.Debug("Connection registered", slog.String("connID", conn.ID.String()), slog.String("userID", userID))
	if transition != nil && r.onPresence != nil {
		r.onPresence(*transition)
	}
	return conn
}

// Unregister removes the connection. The last connection for a user flips
// them offline, recording last-seen. Safe to call more than once for the same
// handle: disconnect notifications can race with explicit logout, and only
// the first call observes the handle.
func (r *Registry) Unregister(connID uuid.UUID) {
	cs := r.connShard(connID)
	cs.mu.Lock()
	conn, ok := cs.conns[connID]
	if !ok {
		cs.mu.Unlock()
		return
	}
	delete(cs.conns, connID)
	cs.mu.Unlock()

	us := r.userShard(conn.UserID)
	us.mu.Lock()
	var transition *Presence
	if entry, ok := us.users[conn.UserID]; ok {
		delete(entry.conns, connID)
		if len(entry.conns) == 0 {
			entry.status = StatusOffline
			entry.statusMessage = ""
			entry.lastSeen = time.Now()
			p := snapshot(conn.UserID, entry)
			transition = &p
		}
	}
	us.mu.Unlock()

	r.logger.Debug("Connection deregistered", slog.String("connID", connID.String()), slog.String("userID", conn.UserID))
	if transition != nil && r.onPresence != nil {
		r.onPresence(*transition)
	}
}

// Connection resolves a connection handle back to its registry entry.
func (r *Registry) Connection(connID uuid.UUID) (*Connection, bool) {
	cs := r.connShard(connID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	conn, ok := cs.conns[connID]
	return conn, ok
}

// ConnectionsFor returns every live connection for the user. An unknown or
// offline user yields an empty slice, not an error.
func (r *Registry) ConnectionsFor(userID string) []Sender {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()

	entry, ok := us.users[userID]
	if !ok {
		return nil
	}
	senders := make([]Sender, 0, len(entry.conns))
	for _, c := range entry.conns {
		senders = append(senders, c.Transport)
	}
	return senders
}

// AllConnections returns every live connection in the process. Used for
// global broadcasts (presence, status changes).
func (r *Registry) AllConnections() []Sender {
	var senders []Sender
	for i := range r.userShards {
		us := &r.userShards[i]
		us.mu.RLock()
		for _, entry := range us.users {
			for _, c := range entry.conns {
				senders = append(senders, c.Transport)
			}
		}
		us.mu.RUnlock()
	}
	return senders
}

func (r *Registry) ConnectionCount(userID string) (int, error) {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()

	entry, ok := us.users[userID]
	if !ok {
		return 0, nil // User has never connected, so they have 0 connections.
	}
	return len(entry.conns), nil
}

// OldestConnection returns the user's longest-lived connection, used by the
// connection limiter's cycle mode.
func (r *Registry) OldestConnection(userID string) (*Connection, bool) {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()

	entry, ok := us.users[userID]
	if !ok {
		return nil, false
	}

	var oldest *Connection
	for _, c := range entry.conns {
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = c
		}
	}
	if oldest == nil {
		return nil, false
	}
	return oldest, true
}

func (r *Registry) IsOnline(userID string) bool {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()

	entry, ok := us.users[userID]
	return ok && len(entry.conns) > 0
}

// PresenceOf returns a snapshot of the user's presence. Users who have never
// connected during process lifetime report offline with a zero last-seen.
func (r *Registry) PresenceOf(userID string) Presence {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()

	entry, ok := us.users[userID]
	if !ok {
		return Presence{UserID: userID, Status: StatusOffline}
	}
	return snapshot(userID, entry)
}

// SetStatus records a client-asserted status (away, busy, online). It has no
// effect for users with no live connections; offline is owned by Unregister.
func (r *Registry) SetStatus(userID string, status Status, message string) (Presence, bool) {
	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	entry, ok := us.users[userID]
	if !ok || len(entry.conns) == 0 || status == StatusOffline {
		return Presence{}, false
	}
	entry.status = status
	entry.statusMessage = message
	return snapshot(userID, entry), true
}

// SetActiveView records which conversation (room or direct pair key) the
// connection's client is currently viewing. An empty key clears the flag.
func (r *Registry) SetActiveView(connID uuid.UUID, key string) {
	conn, ok := r.Connection(connID)
	if !ok {
		return
	}
	us := r.userShard(conn.UserID)
	us.mu.Lock()
	defer us.mu.Unlock()
	conn.ActiveView = key
}

// IsViewing reports whether any of the user's connections is actively viewing
// the conversation. Drives unread accounting: a viewed conversation accrues no
// unread count.
func (r *Registry) IsViewing(userID, key string) bool {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()

	entry, ok := us.users[userID]
	if !ok {
		return false
	}
	for _, c := range entry.conns {
		if c.ActiveView == key {
			return true
		}
	}
	return false
}

func snapshot(userID string, entry *userEntry) Presence {
	return Presence{
		UserID:        userID,
		Username:      entry.username,
		Status:        entry.status,
		StatusMessage: entry.statusMessage,
		LastSeen:      entry.lastSeen,
		Connections:   len(entry.conns),
	}
}

package state

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Status is a user's presence status. Online and offline are derived from the
// connection set; away and busy are client-asserted while connected.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
)

// Role is a user's role inside a room.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

// Sender is the transport-facing half of a connection: just enough surface
// for the dispatcher to push bytes at it. *transport.Connection satisfies it.
type Sender interface {
	ID() uuid.UUID
	Send(msg []byte)
}

// Connection is the registry's representation of a single live transport
// channel. ActiveView is the client-reported "currently viewing" conversation
// key and is guarded by the owning user's shard lock.
type Connection struct {
	ID         uuid.UUID
	UserID     string
	Username   string
	Transport  Sender
	CreatedAt  time.Time
	ActiveView string
}

// Presence is a snapshot of a user's derived status.
type Presence struct {
	UserID        string
	Username      string
	Status        Status
	StatusMessage string
	LastSeen      time.Time
	Connections   int
}

// Member is one (user, role) membership entry inside a room.
type Member struct {
	UserID string
	Role   Role
}

// RoomKey names a room conversation for typing state and unread counters.
func RoomKey(roomID string) string {
	return "room:" + roomID
}

// DirectKey names a direct conversation. It is canonical: both participants
// produce the same key regardless of argument order.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// sortedCopy is a small helper for deterministic listings in tests and logs.
func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

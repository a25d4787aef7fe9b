package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"parley/pkg/state"
)

var (
	ErrNotFound = errors.New("store: not found")
)

// RoomType distinguishes joinable public rooms from invite-only ones.
type RoomType string

const (
	RoomPublic  RoomType = "public"
	RoomPrivate RoomType = "private"
)

// Message is a persisted chat message. Room messages carry RoomID; direct
// messages carry RecipientID instead. DeliveredTo and ReadBy are the
// message's delivery record: at most one entry per user, and a user never
// leaves either set once added.
type Message struct {
	ID          uuid.UUID            `json:"id"`
	RoomID      string               `json:"roomId,omitempty"`
	SenderID    string               `json:"senderId"`
	RecipientID string               `json:"recipientId,omitempty"`
	Content     string               `json:"content"`
	Type        string               `json:"messageType"`
	FileURL     string               `json:"fileUrl,omitempty"`
	ReplyTo     *uuid.UUID           `json:"replyTo,omitempty"`
	Reactions   map[string]string    `json:"reactions,omitempty"` // userID -> emoji
	DeliveredTo map[string]time.Time `json:"deliveredTo,omitempty"`
	ReadBy      map[string]time.Time `json:"readBy,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
}

// ConversationKey names the conversation the message belongs to, matching the
// keys used for typing state and unread counters.
func (m *Message) ConversationKey() string {
	if m.RoomID != "" {
		return state.RoomKey(m.RoomID)
	}
	return state.DirectKey(m.SenderID, m.RecipientID)
}

type Room struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Type          RoomType   `json:"roomType"`
	CreatedBy     string     `json:"createdBy"`
	LastMessageID *uuid.UUID `json:"lastMessageId,omitempty"`
	LastActivity  time.Time  `json:"lastActivity"`
}

type Membership struct {
	RoomID   string     `json:"roomId"`
	UserID   string     `json:"userId"`
	Role     state.Role `json:"role"`
	JoinedAt time.Time  `json:"joinedAt"`
}

type MessageStore interface {
	// SaveMessage persists the message, assigning its id and server timestamp.
	SaveMessage(ctx context.Context, m *Message) error
	Message(ctx context.Context, id uuid.UUID) (*Message, error)
	// RecentMessages returns up to limit messages for the conversation,
	// newest first. Used for history fetch on reconnect.
	RecentMessages(ctx context.Context, convKey string, limit int) ([]*Message, error)
	// SetReaction records the user's reaction, replacing any prior emoji from
	// the same user. An empty emoji removes the user's reaction. Returns the
	// full reaction set after the update.
	SetReaction(ctx context.Context, id uuid.UUID, userID, emoji string) (map[string]string, error)
	// MarkDelivered adds the user to the delivered set; no-op if present.
	MarkDelivered(ctx context.Context, id uuid.UUID, userID string, at time.Time) error
	// MarkRead adds the user to the read set. Returns false if the user had
	// already read the message (the set is monotonic).
	MarkRead(ctx context.Context, id uuid.UUID, userID string, at time.Time) (bool, error)
}

type RoomStore interface {
	SaveRoom(ctx context.Context, r *Room) error
	Room(ctx context.Context, id string) (*Room, error)
	// TouchRoom updates the room's last-activity timestamp and last-message
	// pointer after a successful dispatch.
	TouchRoom(ctx context.Context, id string, lastMessage uuid.UUID, at time.Time) error
	AddMember(ctx context.Context, m Membership) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	Members(ctx context.Context, roomID string) ([]Membership, error)
	// RoomsFor lists the ids of rooms the user belongs to, for seeding the
	// membership index on connect.
	RoomsFor(ctx context.Context, userID string) ([]string, error)
}

type UserStore interface {
	UpdateUserStatus(ctx context.Context, userID string, status state.Status, statusMessage string, lastSeen time.Time) error
}

// Store is the durable-storage collaborator the dispatcher talks to. Calls
// may block; the dispatcher never holds shared-state locks across them.
type Store interface {
	MessageStore
	RoomStore
	UserStore
	Close() error
}

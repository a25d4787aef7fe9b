package dispatch

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"parley/internal/store"
)

// Kind is the closed set of inbound client events. The router matches it
// exhaustively; an unparseable event name never reaches the dispatcher.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindMessageSend
	KindMessagePrivate
	KindMessageRead
	KindReactionAdd
	KindReactionRemove
	KindTypingStart
	KindTypingStop
	KindRoomJoin
	KindRoomLeave
	KindRoomView
	KindRoomHistory
	KindStatusUpdate
)

var kindNames = map[string]Kind{
	"message:send":            KindMessageSend,
	"message:private":         KindMessagePrivate,
	"message:read":            KindMessageRead,
	"message:reaction:add":    KindReactionAdd,
	"message:reaction:remove": KindReactionRemove,
	"typing:start":            KindTypingStart,
	"typing:stop":             KindTypingStop,
	"room:join":               KindRoomJoin,
	"room:leave":              KindRoomLeave,
	"room:view":               KindRoomView,
	"room:history":            KindRoomHistory,
	"user:status:update":      KindStatusUpdate,
}

// ParseKind maps a wire event name to its Kind. Unknown names map to
// KindUnknown.
func ParseKind(event string) Kind {
	return kindNames[event]
}

func (k Kind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// Outbound event names.
const (
	EvtConnectionSuccess = "connection:success"
	EvtMessageReceive    = "message:receive"
	EvtMessageSent       = "message:sent"
	EvtPrivateReceive    = "message:private:receive"
	EvtReadConfirm       = "message:read:confirm"
	EvtReactionUpdate    = "message:reaction:update"
	EvtTypingUpdate      = "typing:update"
	EvtRoomUserJoined    = "room:user:joined"
	EvtRoomUserLeft      = "room:user:left"
	EvtRoomHistory       = "room:history"
	EvtUserStatusChanged = "user:status:changed"
	EvtUserOnline        = "user:online"
	EvtUserOffline       = "user:offline"
	EvtError             = "error"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Identity is the pre-verified identity attached to a connection at
// handshake time. Credential verification happens upstream, in the auth
// middleware.
type Identity struct {
	UserID   string
	Username string
}

// --- Inbound payloads ---

type SendMessagePayload struct {
	RoomID      string     `json:"roomId" validate:"required"`
	Content     string     `json:"content" validate:"required"`
	MessageType string     `json:"messageType" validate:"omitempty,oneof=text image file"`
	FileURL     string     `json:"fileUrl,omitempty" validate:"omitempty,url"`
	ReplyTo     *uuid.UUID `json:"replyTo,omitempty"`
}

type PrivateMessagePayload struct {
	RecipientID string `json:"recipientId" validate:"required"`
	Content     string `json:"content" validate:"required"`
	MessageType string `json:"messageType" validate:"omitempty,oneof=text image file"`
	FileURL     string `json:"fileUrl,omitempty" validate:"omitempty,url"`
}

type ReadPayload struct {
	MessageID uuid.UUID `json:"messageId" validate:"required"`
	RoomID    string    `json:"roomId,omitempty"`
}

type ReactionAddPayload struct {
	MessageID uuid.UUID `json:"messageId" validate:"required"`
	Emoji     string    `json:"emoji" validate:"required"`
}

type ReactionRemovePayload struct {
	MessageID uuid.UUID `json:"messageId" validate:"required"`
}

type TypingPayload struct {
	RoomID      string `json:"roomId,omitempty" validate:"required_without=RecipientID"`
	RecipientID string `json:"recipientId,omitempty" validate:"required_without=RoomID"`
}

type RoomPayload struct {
	RoomID string `json:"roomId" validate:"required"`
}

// ViewPayload reports the client's active view. Both fields empty means the
// client is looking at no conversation.
type ViewPayload struct {
	RoomID      string `json:"roomId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
}

type HistoryPayload struct {
	RoomID string `json:"roomId" validate:"required"`
	Limit  int    `json:"limit" validate:"omitempty,min=1,max=200"`
}

type StatusUpdatePayload struct {
	Status        string `json:"status" validate:"required,oneof=online away busy"`
	StatusMessage string `json:"statusMessage" validate:"max=200"`
}

// --- Outbound payloads ---

type ConnectionSuccessPayload struct {
	UserID   string   `json:"userId"`
	Username string   `json:"username"`
	ConnID   string   `json:"connectionId"`
	Rooms    []string `json:"rooms"`
}

type MessageReceivePayload struct {
	Message *store.Message `json:"message"`
	RoomID  string         `json:"roomId,omitempty"`
}

type ReadConfirmPayload struct {
	MessageID uuid.UUID `json:"messageId"`
	ReadBy    string    `json:"readBy"`
	ReadAt    time.Time `json:"readAt"`
}

type ReactionUpdatePayload struct {
	MessageID uuid.UUID         `json:"messageId"`
	Reactions map[string]string `json:"reactions"`
}

type TypingUpdatePayload struct {
	RoomID   string `json:"roomId,omitempty"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

type RoomUserJoinedPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type RoomUserLeftPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type HistoryResultPayload struct {
	RoomID   string           `json:"roomId"`
	Messages []*store.Message `json:"messages"`
}

type StatusChangedPayload struct {
	UserID        string `json:"userId"`
	Status        string `json:"status"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

type PresencePayload struct {
	UserID    string     `json:"userId"`
	Username  string     `json:"username,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// NewEnvelope frames an outbound event. Marshal failures are a programming
// error on our own payload types, so they surface as a panic in tests rather
// than a silent drop.
func NewEnvelope(event string, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic("dispatch: unmarshalable outbound payload: " + err.Error())
	}
	frame, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		panic("dispatch: unmarshalable envelope: " + err.Error())
	}
	return frame
}

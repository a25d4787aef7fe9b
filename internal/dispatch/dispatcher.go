package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"parley/internal/store"
	"parley/pkg/state"
)

// Dispatcher is the central router. It accepts inbound client events tagged
// with a target (room or user), authorizes them against the membership index,
// persists through the storage collaborator, resolves the fan-out target set
// through the registry, and pushes to each live connection.
//
// Ordering contract: persistence completes before any fan-out, and fan-out
// targets are resolved from a fresh registry read after persistence. A user
// who disconnects mid-send simply misses live delivery and relies on history
// fetch on reconnect.
type Dispatcher struct {
	logger   *slog.Logger
	registry *state.Registry
	rooms    *state.Index
	typing   *state.TypingTracker
	store    store.Store
}

func New(logger *slog.Logger, registry *state.Registry, rooms *state.Index, st store.Store, typingTTL time.Duration) *Dispatcher {
	d := &Dispatcher{
		logger:   logger.With(slog.String("component", "dispatcher")),
		registry: registry,
		rooms:    rooms,
		store:    st,
	}
	d.typing = state.NewTypingTracker(typingTTL, d.notifyTyping, logger)
	registry.OnPresenceChange(d.handlePresence)
	return d
}

// Registry exposes the registry for the server's handshake path.
func (d *Dispatcher) Registry() *state.Registry { return d.registry }

// SeedUser warms the membership index with every room the user belongs to
// and returns the room IDs. Called once per connection handshake so that
// authorization checks never miss on a cold index.
func (d *Dispatcher) SeedUser(ctx context.Context, userID string) ([]string, error) {
	roomIDs, err := d.store.RoomsFor(ctx, userID)
	if err != nil {
		return nil, Persistence(StageReceived, err)
	}
	for _, roomID := range roomIDs {
		if err := d.ensureRoomLoaded(ctx, roomID); err != nil {
			return nil, err
		}
	}
	return roomIDs, nil
}

// DispatchRoomMessage routes a message to a room: authorize, persist, fan
// out to every connection of every member, then account unread counters for
// members who were not looking.
func (d *Dispatcher) DispatchRoomMessage(ctx context.Context, from Identity, p SendMessagePayload) (*store.Message, error) {
	if err := d.ensureRoomLoaded(ctx, p.RoomID); err != nil {
		return nil, err
	}
	if !d.rooms.IsMember(p.RoomID, from.UserID) {
		return nil, NotAMember(from.UserID, p.RoomID)
	}

	msg := &store.Message{
		RoomID:   p.RoomID,
		SenderID: from.UserID,
		Content:  p.Content,
		Type:     messageType(p.MessageType),
		FileURL:  p.FileURL,
		ReplyTo:  p.ReplyTo,
	}
	if err := d.store.SaveMessage(ctx, msg); err != nil {
		return nil, Persistence(StagePersisted, err)
	}

	// Fan-out targets come from a fresh membership read: the roster may have
	// changed while the persistence call was in flight.
	frame := NewEnvelope(EvtMessageReceive, MessageReceivePayload{Message: msg, RoomID: p.RoomID})
	delivered := mapset.NewThreadUnsafeSet[string]()
	members := d.rooms.MembersOf(p.RoomID)
	for _, member := range members {
		conns := d.registry.ConnectionsFor(member)
		for _, conn := range conns {
			conn.Send(frame)
		}
		if len(conns) > 0 {
			delivered.Add(member)
		}
	}

	now := msg.CreatedAt
	for member := range delivered.Iter() {
		if member == from.UserID {
			continue
		}
		if err := d.store.MarkDelivered(ctx, msg.ID, member, now); err != nil {
			d.logger.Warn("Failed to mark message delivered", slog.String("messageID", msg.ID.String()), slog.String("userID", member), slog.Any("error", err))
		}
	}

	// A member accrues an unread count unless some device of theirs is
	// actively viewing the room. Exactly one increment per message per
	// member, however many devices they have.
	convKey := state.RoomKey(p.RoomID)
	for _, member := range members {
		if member == from.UserID {
			continue
		}
		if !d.registry.IsOnline(member) || !d.registry.IsViewing(member, convKey) {
			d.rooms.IncrementUnread(convKey, member)
		}
	}

	if err := d.store.TouchRoom(ctx, p.RoomID, msg.ID, now); err != nil {
		// Last-activity is advisory; the message is already delivered.
		d.logger.Warn("Failed to touch room", slog.String("roomID", p.RoomID), slog.Any("error", err))
	}

	d.logger.Debug("Room message dispatched",
		slog.String("roomID", p.RoomID),
		slog.String("messageID", msg.ID.String()),
		slog.Int("members", len(members)),
	)
	return msg, nil
}

// DispatchDirectMessage routes a direct message. The fan-out target is the
// union of the sender's and recipient's connection sets: the sender's other
// devices get an echo for multi-device sync.
func (d *Dispatcher) DispatchDirectMessage(ctx context.Context, from Identity, p PrivateMessagePayload) (*store.Message, error) {
	msg := &store.Message{
		SenderID:    from.UserID,
		RecipientID: p.RecipientID,
		Content:     p.Content,
		Type:        messageType(p.MessageType),
		FileURL:     p.FileURL,
	}
	if err := d.store.SaveMessage(ctx, msg); err != nil {
		return nil, Persistence(StagePersisted, err)
	}

	frame := NewEnvelope(EvtPrivateReceive, MessageReceivePayload{Message: msg})
	targets := mapset.NewThreadUnsafeSet(from.UserID, p.RecipientID)
	for userID := range targets.Iter() {
		for _, conn := range d.registry.ConnectionsFor(userID) {
			conn.Send(frame)
		}
	}

	if p.RecipientID != from.UserID {
		if d.registry.IsOnline(p.RecipientID) {
			if err := d.store.MarkDelivered(ctx, msg.ID, p.RecipientID, msg.CreatedAt); err != nil {
				d.logger.Warn("Failed to mark direct message delivered", slog.String("messageID", msg.ID.String()), slog.Any("error", err))
			}
		}
		convKey := state.DirectKey(from.UserID, p.RecipientID)
		if !d.registry.IsOnline(p.RecipientID) || !d.registry.IsViewing(p.RecipientID, convKey) {
			d.rooms.IncrementUnread(convKey, p.RecipientID)
		}
	}

	d.logger.Debug("Direct message dispatched",
		slog.String("recipientID", p.RecipientID),
		slog.String("messageID", msg.ID.String()),
	)
	return msg, nil
}

// DispatchReaction records a reaction. Reactions are idempotent per
// (message, user): a second emoji from the same user replaces the first, it
// does not stack.
func (d *Dispatcher) DispatchReaction(ctx context.Context, from Identity, messageID uuid.UUID, emoji string) (map[string]string, error) {
	msg, err := d.lookupMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	reactions, err := d.store.SetReaction(ctx, messageID, from.UserID, emoji)
	if err != nil {
		return nil, Persistence(StagePersisted, err)
	}

	frame := NewEnvelope(EvtReactionUpdate, ReactionUpdatePayload{MessageID: messageID, Reactions: reactions})
	d.pushToAudience(msg, frame)
	return reactions, nil
}

// DispatchReadReceipt marks the message read by the user. The read set is
// monotonic: marking twice is a no-op and notifies nobody twice.
func (d *Dispatcher) DispatchReadReceipt(ctx context.Context, from Identity, p ReadPayload) error {
	msg, err := d.lookupMessage(ctx, p.MessageID)
	if err != nil {
		return err
	}

	now := time.Now()
	first, err := d.store.MarkRead(ctx, p.MessageID, from.UserID, now)
	if err != nil {
		return Persistence(StagePersisted, err)
	}
	if first {
		frame := NewEnvelope(EvtReadConfirm, ReadConfirmPayload{MessageID: p.MessageID, ReadBy: from.UserID, ReadAt: now})
		d.pushToUser(msg.SenderID, frame)
	}

	switch {
	case p.RoomID != "":
		d.rooms.ResetUnread(state.RoomKey(p.RoomID), from.UserID)
	case msg.RecipientID != "":
		d.rooms.ResetUnread(state.DirectKey(msg.SenderID, msg.RecipientID), from.UserID)
	}
	return nil
}

// JoinRoom adds the user to a room: durable write first, index after, then a
// joined notification to the other members. Public rooms auto-join; private
// rooms reject non-members.
func (d *Dispatcher) JoinRoom(ctx context.Context, from Identity, roomID string) (*store.Room, error) {
	room, err := d.store.Room(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, TargetNotFound("room", roomID)
		}
		return nil, Persistence(StageAuthorized, err)
	}
	if err := d.ensureRoomLoaded(ctx, roomID); err != nil {
		return nil, err
	}

	if !d.rooms.IsMember(roomID, from.UserID) {
		if room.Type != store.RoomPublic {
			return nil, NotAuthorized("not authorized to join room " + roomID)
		}
		membership := store.Membership{
			RoomID:   roomID,
			UserID:   from.UserID,
			Role:     state.RoleMember,
			JoinedAt: time.Now(),
		}
		// The index must never run ahead of durable storage.
		if err := d.store.AddMember(ctx, membership); err != nil {
			return nil, Persistence(StagePersisted, err)
		}
		d.rooms.AddMember(roomID, from.UserID, state.RoleMember)
	}

	frame := NewEnvelope(EvtRoomUserJoined, RoomUserJoinedPayload{RoomID: roomID, UserID: from.UserID, Username: from.Username})
	d.pushToRoom(roomID, frame, from.UserID)
	return room, nil
}

// LeaveRoom removes the user from a room, durable write first.
func (d *Dispatcher) LeaveRoom(ctx context.Context, from Identity, roomID string) error {
	if err := d.store.RemoveMember(ctx, roomID, from.UserID); err != nil {
		return Persistence(StagePersisted, err)
	}
	d.rooms.RemoveMember(roomID, from.UserID)

	frame := NewEnvelope(EvtRoomUserLeft, RoomUserLeftPayload{RoomID: roomID, UserID: from.UserID, Username: from.Username})
	d.pushToRoom(roomID, frame)
	return nil
}

// History returns recent messages for a room the user belongs to, newest
// first. The client's recourse after reconnecting.
func (d *Dispatcher) History(ctx context.Context, from Identity, roomID string, limit int) ([]*store.Message, error) {
	if err := d.ensureRoomLoaded(ctx, roomID); err != nil {
		return nil, err
	}
	if !d.rooms.IsMember(roomID, from.UserID) {
		return nil, NotAMember(from.UserID, roomID)
	}
	if limit <= 0 {
		limit = 50
	}
	msgs, err := d.store.RecentMessages(ctx, state.RoomKey(roomID), limit)
	if err != nil {
		return nil, Persistence(StagePersisted, err)
	}
	return msgs, nil
}

// UpdateStatus records a client-asserted status and broadcasts it globally.
// The registry never runs ahead of durable storage: a failed write leaves
// in-memory presence untouched and nothing is announced.
func (d *Dispatcher) UpdateStatus(ctx context.Context, from Identity, p StatusUpdatePayload) error {
	status := state.Status(p.Status)
	if !d.registry.IsOnline(from.UserID) {
		return Invalid("cannot set status without a live connection", nil)
	}
	if err := d.store.UpdateUserStatus(ctx, from.UserID, status, p.StatusMessage, time.Now()); err != nil {
		return Persistence(StagePersisted, err)
	}
	if _, ok := d.registry.SetStatus(from.UserID, status, p.StatusMessage); !ok {
		// The last connection dropped mid-update; the offline transition
		// has already overwritten the persisted status.
		return Invalid("cannot set status without a live connection", nil)
	}

	frame := NewEnvelope(EvtUserStatusChanged, StatusChangedPayload{UserID: from.UserID, Status: p.Status, StatusMessage: p.StatusMessage})
	d.broadcast(frame)
	return nil
}

// StartTyping asserts typing state for the room or direct pair and notifies
// the other parties. Re-asserting refreshes the expiry timer.
func (d *Dispatcher) StartTyping(from Identity, p TypingPayload) {
	d.typing.Start(d.conversationKey(from.UserID, p), from.UserID)
}

// StopTyping clears the typing state, if any, and notifies.
func (d *Dispatcher) StopTyping(from Identity, p TypingPayload) {
	d.typing.Stop(d.conversationKey(from.UserID, p), from.UserID)
}

// Typers lists who is currently typing at the conversation key.
func (d *Dispatcher) Typers(key string) []string {
	return d.typing.Typers(key)
}

// SetActiveView records which conversation the connection's client is
// looking at, for unread accounting.
func (d *Dispatcher) SetActiveView(connID uuid.UUID, userID string, p ViewPayload) {
	var key string
	switch {
	case p.RoomID != "":
		key = state.RoomKey(p.RoomID)
	case p.RecipientID != "":
		key = state.DirectKey(userID, p.RecipientID)
	}
	d.registry.SetActiveView(connID, key)
}

func (d *Dispatcher) conversationKey(userID string, p TypingPayload) string {
	if p.RoomID != "" {
		return state.RoomKey(p.RoomID)
	}
	return state.DirectKey(userID, p.RecipientID)
}

// ensureRoomLoaded lazily seeds the membership index from durable storage.
// The index is a cache; storage stays the source of truth.
func (d *Dispatcher) ensureRoomLoaded(ctx context.Context, roomID string) error {
	if d.rooms.Loaded(roomID) {
		return nil
	}
	memberships, err := d.store.Members(ctx, roomID)
	if err != nil {
		return Persistence(StageAuthorized, err)
	}
	members := make([]state.Member, 0, len(memberships))
	for _, m := range memberships {
		members = append(members, state.Member{UserID: m.UserID, Role: m.Role})
	}
	d.rooms.LoadRoom(roomID, members)
	return nil
}

func (d *Dispatcher) lookupMessage(ctx context.Context, id uuid.UUID) (*store.Message, error) {
	msg, err := d.store.Message(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, TargetNotFound("message", id.String())
		}
		return nil, Persistence(StageAuthorized, err)
	}
	return msg, nil
}

// notifyTyping is the typing tracker's callback: fan the transition out to
// the other parties at the conversation key.
func (d *Dispatcher) notifyTyping(key, userID string, typing bool) {
	username := d.registry.PresenceOf(userID).Username
	switch {
	case strings.HasPrefix(key, "room:"):
		roomID := strings.TrimPrefix(key, "room:")
		frame := NewEnvelope(EvtTypingUpdate, TypingUpdatePayload{RoomID: roomID, UserID: userID, Username: username, IsTyping: typing})
		d.pushToRoom(roomID, frame, userID)
	case strings.HasPrefix(key, "dm:"):
		frame := NewEnvelope(EvtTypingUpdate, TypingUpdatePayload{UserID: userID, Username: username, IsTyping: typing})
		for _, party := range strings.SplitN(strings.TrimPrefix(key, "dm:"), ":", 2) {
			if party != userID {
				d.pushToUser(party, frame)
			}
		}
	}
}

// handlePresence reacts to registry online/offline transitions: broadcast to
// all connected clients, persist last-seen, and clear any typing state the
// departed user still held.
func (d *Dispatcher) handlePresence(p state.Presence) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if p.Status == state.StatusOffline {
		d.typing.StopAll(p.UserID)
		lastSeen := p.LastSeen
		frame := NewEnvelope(EvtUserOffline, PresencePayload{UserID: p.UserID, Username: p.Username, Timestamp: lastSeen, LastSeen: &lastSeen})
		d.broadcast(frame)
	} else {
		frame := NewEnvelope(EvtUserOnline, PresencePayload{UserID: p.UserID, Username: p.Username, Timestamp: time.Now()})
		d.broadcast(frame)
	}

	if err := d.store.UpdateUserStatus(ctx, p.UserID, p.Status, p.StatusMessage, p.LastSeen); err != nil {
		d.logger.Warn("Failed to persist presence transition", slog.String("userID", p.UserID), slog.Any("error", err))
	}
}

// --- fan-out helpers ---
//
// Push failures to an individual stale connection are swallowed per target:
// that connection's disconnect is lagging and the transport layer will clean
// it up.

func (d *Dispatcher) pushToUser(userID string, frame []byte) {
	for _, conn := range d.registry.ConnectionsFor(userID) {
		conn.Send(frame)
	}
}

func (d *Dispatcher) pushToRoom(roomID string, frame []byte, exclude ...string) {
	excluded := mapset.NewThreadUnsafeSet(exclude...)
	for _, member := range d.rooms.MembersOf(roomID) {
		if excluded.Contains(member) {
			continue
		}
		d.pushToUser(member, frame)
	}
}

func (d *Dispatcher) pushToAudience(msg *store.Message, frame []byte) {
	if msg.RoomID != "" {
		d.pushToRoom(msg.RoomID, frame)
		return
	}
	targets := mapset.NewThreadUnsafeSet(msg.SenderID, msg.RecipientID)
	for userID := range targets.Iter() {
		d.pushToUser(userID, frame)
	}
}

func (d *Dispatcher) broadcast(frame []byte) {
	for _, conn := range d.registry.AllConnections() {
		conn.Send(frame)
	}
}

func messageType(t string) string {
	if t == "" {
		return "text"
	}
	return t
}

package router_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/dispatch"
	"parley/internal/router"
	"parley/internal/store"
	"parley/pkg/state"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeConn struct {
	id uuid.UUID

	mu     sync.Mutex
	frames []dispatch.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.New()}
}

func (f *fakeConn) ID() uuid.UUID { return f.id }

func (f *fakeConn) Send(msg []byte) {
	var env dispatch.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		panic("malformed frame pushed to connection: " + err.Error())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, env)
}

func (f *fakeConn) take() []dispatch.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.frames
	f.frames = nil
	return out
}

func (f *fakeConn) eventsOf(event string) []dispatch.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dispatch.Envelope
	for _, env := range f.frames {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

type harness struct {
	registry *state.Registry
	store    store.Store
	router   *router.EventRouter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := newTestLogger()
	registry := state.NewRegistry(logger)
	rooms := state.NewIndex(logger)
	st := store.NewMemoryStore()
	d := dispatch.New(logger, registry, rooms, st, time.Minute)
	return &harness{
		registry: registry,
		store:    st,
		router:   router.NewEventRouter(logger, d, registry),
	}
}

func (h *harness) connect(userID string) *fakeConn {
	conn := newFakeConn()
	h.registry.Register(userID, userID, conn)
	return conn
}

func frame(t *testing.T, event string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	out, err := json.Marshal(dispatch.Envelope{Event: event, Payload: raw})
	require.NoError(t, err)
	return out
}

func TestHandleMessageRoutesRoomSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.SaveRoom(ctx, &store.Room{ID: "general", Name: "General", Type: store.RoomPublic}))
	require.NoError(t, h.store.AddMember(ctx, store.Membership{RoomID: "general", UserID: "alice", Role: state.RoleMember, JoinedAt: time.Now()}))
	require.NoError(t, h.store.AddMember(ctx, store.Membership{RoomID: "general", UserID: "bob", Role: state.RoleMember, JoinedAt: time.Now()}))

	aliceConn := h.connect("alice")
	bobConn := h.connect("bob")
	aliceConn.take()
	bobConn.take()

	h.router.HandleMessage(ctx, aliceConn.ID(), frame(t, "message:send", dispatch.SendMessagePayload{
		RoomID:  "general",
		Content: "hello",
	}))

	// The sender gets an explicit ack on top of the room fan-out.
	acks := aliceConn.eventsOf(dispatch.EvtMessageSent)
	require.Len(t, acks, 1)
	var ack dispatch.MessageReceivePayload
	require.NoError(t, json.Unmarshal(acks[0].Payload, &ack))
	assert.Equal(t, "hello", ack.Message.Content)
	assert.NotEqual(t, uuid.Nil, ack.Message.ID)

	require.Len(t, bobConn.eventsOf(dispatch.EvtMessageReceive), 1)
	assert.Empty(t, aliceConn.eventsOf(dispatch.EvtError))
}

func TestHandleMessageUnknownEvent(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("alice")
	conn.take()

	h.router.HandleMessage(context.Background(), conn.ID(), []byte(`{"event":"no:such:thing","payload":{}}`))

	errs := conn.eventsOf(dispatch.EvtError)
	require.Len(t, errs, 1)
	var p dispatch.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[0].Payload, &p))
	assert.Equal(t, string(dispatch.FailureValidation), p.Code)
	assert.Equal(t, "no:such:thing", p.Event)
}

func TestHandleMessageValidationFailure(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("alice")
	conn.take()

	// message:send without content fails payload validation.
	h.router.HandleMessage(context.Background(), conn.ID(), []byte(`{"event":"message:send","payload":{"roomId":"general"}}`))

	errs := conn.eventsOf(dispatch.EvtError)
	require.Len(t, errs, 1)
	var p dispatch.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[0].Payload, &p))
	assert.Equal(t, string(dispatch.FailureValidation), p.Code)
}

func TestHandleMessageAuthorizationFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SaveRoom(ctx, &store.Room{ID: "staff", Name: "Staff", Type: store.RoomPrivate}))

	conn := h.connect("mallory")
	conn.take()

	h.router.HandleMessage(ctx, conn.ID(), frame(t, "room:join", dispatch.RoomPayload{RoomID: "staff"}))

	errs := conn.eventsOf(dispatch.EvtError)
	require.Len(t, errs, 1)
	var p dispatch.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[0].Payload, &p))
	assert.Equal(t, string(dispatch.FailureAuthorization), p.Code)
	assert.Equal(t, "room:join", p.Event)
}

func TestHandleMessageMalformedFrame(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("alice")
	conn.take()

	// No event field: silently dropped, the connection stays up.
	h.router.HandleMessage(context.Background(), conn.ID(), []byte(`{"payload":{}}`))
	h.router.HandleMessage(context.Background(), conn.ID(), []byte(`not json at all`))

	assert.Empty(t, conn.take())
}

func TestHandleMessageUnregisteredConnection(t *testing.T) {
	h := newHarness(t)
	// A connID the registry has never seen must not panic.
	h.router.HandleMessage(context.Background(), uuid.New(), []byte(`{"event":"typing:start","payload":{"roomId":"general"}}`))
}

func TestHandleMessageHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.SaveRoom(ctx, &store.Room{ID: "general", Name: "General", Type: store.RoomPublic}))
	require.NoError(t, h.store.AddMember(ctx, store.Membership{RoomID: "general", UserID: "alice", Role: state.RoleMember, JoinedAt: time.Now()}))

	conn := h.connect("alice")
	conn.take()

	h.router.HandleMessage(ctx, conn.ID(), frame(t, "message:send", dispatch.SendMessagePayload{RoomID: "general", Content: "one"}))
	h.router.HandleMessage(ctx, conn.ID(), frame(t, "room:history", dispatch.HistoryPayload{RoomID: "general", Limit: 10}))

	hist := conn.eventsOf(dispatch.EvtRoomHistory)
	require.Len(t, hist, 1)
	var p dispatch.HistoryResultPayload
	require.NoError(t, json.Unmarshal(hist[0].Payload, &p))
	require.Len(t, p.Messages, 1)
	assert.Equal(t, "one", p.Messages[0].Content)
}

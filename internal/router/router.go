package router

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"parley/internal/dispatch"
	"parley/pkg/state"
)

// EventRouter decodes inbound frames, validates their payloads and hands
// them to the dispatcher. Every failure is answered on the origin
// connection; a bad frame never takes the connection down.
type EventRouter struct {
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
	registry   *state.Registry
	validate   *validator.Validate
}

func NewEventRouter(logger *slog.Logger, d *dispatch.Dispatcher, registry *state.Registry) *EventRouter {
	return &EventRouter{
		logger:     logger.With(slog.String("component", "event_router")),
		dispatcher: d,
		registry:   registry,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	event := gjson.GetBytes(msg, "event").String()
	if event == "" {
		r.logger.Warn("Received frame without event field", slog.Any("connID", connID))
		return
	}

	conn, ok := r.registry.Connection(connID)
	if !ok {
		// The connection unregistered between read and dispatch.
		r.logger.Warn("No registered connection for frame", slog.Any("connID", connID), slog.String("event", event))
		return
	}
	from := dispatch.Identity{UserID: conn.UserID, Username: conn.Username}

	kind := dispatch.ParseKind(event)
	if kind == dispatch.KindUnknown {
		r.logger.Warn("Received unknown event", slog.String("event", event), slog.Any("connID", connID))
		r.replyError(conn, event, dispatch.Invalid("unknown event "+event, nil))
		return
	}

	r.logger.Debug("Routing event", slog.String("event", event), slog.Any("connID", connID), slog.String("userID", from.UserID))
	if err := r.route(ctx, conn, from, kind, gjson.GetBytes(msg, "payload")); err != nil {
		r.logger.Warn("Event failed",
			slog.String("event", event),
			slog.String("userID", from.UserID),
			slog.Any("error", err),
		)
		r.replyError(conn, event, err)
	}
}

func (r *EventRouter) route(ctx context.Context, conn *state.Connection, from dispatch.Identity, kind dispatch.Kind, payload gjson.Result) error {
	switch kind {
	case dispatch.KindMessageSend:
		var p dispatch.SendMessagePayload
		if err := r.decode(payload, &p); err != nil {
			return err
		}
		msg, err := r.dispatcher.DispatchRoomMessage(ctx, from, p)
		if err != nil {
			return err
		}
		conn.Transport.Send(dispatch.NewEnvelope(dispatch.EvtMessageSent, dispatch.MessageReceivePayload{Message: msg, RoomID: p.RoomID}))
		return nil

	case dispatch.KindMessagePrivate:
		var p dispatch.PrivateMessagePayload
		if err := r.decode(payload, &p); err != nil {
			return err
		}
		_, err := r.dispatcher.DispatchDirectMessage(ctx, from, p)
		return err

	case dispatch.KindMessageRead:
		var p dispatch.ReadPayload
		if err := r.decode(payload, &p); err != nil {
			return err
		}
		return r.dispatcher.DispatchReadReceipt(ctx, from, p)

	case dispatch.KindReactionAdd:
		var p dispatch.ReactionAddPayload
		if err := r.decode(payload, &p); err != nil {
			return err
		}
		_, err := r.dispatcher.DispatchReaction(ctx, from, p.MessageID, p.Emoji)
		return err

	case dispatch.KindReactionRemove:
		var p dispatch.ReactionRemovePayload
		if err := r.decode(payload, &p); err != nil {
			return err
		}
		_, err := r.dispatcher.DispatchReaction(ctx, from, p.MessageID, "")
		return err

	case dispatch.KindTypingStart:
		var p dispatch.TypingPayload
		if err := r.decode(payload, &p); err != nil {
			return err
		}
		r.dispatcher.StartTyping(from, p)
		return nil

	case dispatch.KindTypingStop:
		var p dispatch.TypingPayload
		if err := r.decode(payload, &p); err != nil {
			return err
		}
		r.dispatcher.StopTyping(from, p)
		return nil

	case dispatch.KindRoomJoin:
		var p dispatch.RoomPayload
		if err := r.decode(payload, &p); err != nil {
			return err
		}
		_, err := r.dispatcher.JoinRoom(ctx, from, p.RoomID)
		return err

	case dispatch.KindRoomLeave:
		var p dispatch.RoomPayload
		if err := r.decode(payload, &p); err != nil {
			return err
		}
		return r.dispatcher.LeaveRoom(ctx, from, p.RoomID)

	case dispatch.KindRoomView:
		var p dispatch.ViewPayload
		if err := r.decode(payload, &p); err != nil {
			return err
		}
		r.dispatcher.SetActiveView(conn.ID, from.UserID, p)
		return nil

	case dispatch.KindRoomHistory:
		var p dispatch.HistoryPayload
		if err := r.decode(payload, &p); err != nil {
			return err
		}
		msgs, err := r.dispatcher.History(ctx, from, p.RoomID, p.Limit)
		if err != nil {
			return err
		}
		conn.Transport.Send(dispatch.NewEnvelope(dispatch.EvtRoomHistory, dispatch.HistoryResultPayload{RoomID: p.RoomID, Messages: msgs}))
		return nil

	case dispatch.KindStatusUpdate:
		var p dispatch.StatusUpdatePayload
		if err := r.decode(payload, &p); err != nil {
			return err
		}
		return r.dispatcher.UpdateStatus(ctx, from, p)
	}

	return dispatch.Invalid("unhandled event kind "+kind.String(), nil)
}

func (r *EventRouter) decode(payload gjson.Result, dst any) error {
	raw := payload.Raw
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return dispatch.Invalid("malformed payload", err)
	}
	if err := r.validate.Struct(dst); err != nil {
		return dispatch.Invalid("invalid payload: "+err.Error(), err)
	}
	return nil
}

func (r *EventRouter) replyError(conn *state.Connection, event string, err error) {
	conn.Transport.Send(dispatch.NewEnvelope(dispatch.EvtError, dispatch.ErrorPayload{
		Code:    string(dispatch.FailureOf(err)),
		Event:   event,
		Message: err.Error(),
	}))
}

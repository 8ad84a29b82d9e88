package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/putto11262002/pulse/core"
)

// Inbound event types. Outbound types are declared next to the coordinators
// that emit them in core.
const (
	MessageEvent          = "message"
	TypingStartEvent      = "typing.start"
	TypingStopEvent       = "typing.stop"
	PresenceSetEvent      = "presence.set"
	ReceiptReadEvent      = "receipt.read"
	ReceiptDeliveredEvent = "receipt.delivered"
	SubscribeEvent        = "subscribe"
	UnsubscribeEvent      = "unsubscribe"
)

type MessageEventPayload struct {
	ID     string    `json:"id"`
	RoomID string    `json:"room_id"`
	Data   string    `json:"data"`
	Sender string    `json:"sender"`
	SentAt time.Time `json:"sent_at"`
}

type TypingEventPayload struct {
	RoomID string `json:"room_id"`
}

type PresenceSetPayload struct {
	State        core.PresenceState `json:"state"`
	CustomStatus string             `json:"custom_status,omitempty"`
}

type ReceiptReadPayload struct {
	MessageIDs []string `json:"message_ids"`
}

type ReceiptDeliveredPayload struct {
	MessageID string `json:"message_id"`
}

type SubscribePayload struct {
	RoomID string `json:"room_id"`
}

// requireRoomMember validates event scoping: an event referencing a room the
// dispatcher is not a member of is rejected before any state mutation.
func (app *App) requireRoomMember(ctx context.Context, roomID, username string) error {
	isMember, err := app.rosterStore.IsRoomMember(ctx, roomID, username)
	if err != nil {
		return fmt.Errorf("IsRoomMember: %w", err)
	}
	if !isMember {
		return fmt.Errorf("user %q room %q: %w", username, roomID, core.ErrNotRoomMember)
	}
	return nil
}

func (app *App) MessageEventHandler(ctx context.Context, e *core.Event) error {
	var msg MessageEventPayload
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		return fmt.Errorf("unmarshal message event payload: %w", err)
	}

	created, err := app.messageStore.SaveMessage(ctx, core.MessageCreateInput{
		RoomID: msg.RoomID,
		Sender: e.Dispatcher,
		Data:   msg.Data,
	})
	if err != nil {
		return fmt.Errorf("SaveMessage: %w", err)
	}

	app.presence.RecordActivity(e.Dispatcher)
	// sending a message is the strongest possible "stopped typing" signal
	app.typing.StopTyping(e.Dispatcher, msg.RoomID)

	msg.ID = created.ID
	msg.Sender = created.Sender
	msg.SentAt = created.SentAt

	out, err := core.NewEvent(MessageEvent, msg)
	if err != nil {
		return err
	}
	app.gateway.ToRoom(msg.RoomID, out, e.Dispatcher)

	members, err := app.rosterStore.RoomMembers(ctx, msg.RoomID)
	if err != nil {
		return fmt.Errorf("RoomMembers: %w", err)
	}
	for _, member := range members {
		if member == e.Dispatcher {
			continue
		}
		if app.registry.IsUserConnected(member) {
			if err := app.receipts.MarkDelivered(ctx, created.ID, member); err != nil {
				app.logger.Error(fmt.Sprintf("MarkDelivered(%s, %s): %v", created.ID, member, err))
			}
		}
		app.notifier.Dispatch(ctx, member, &core.Notification{
			Type:      core.NotificationNewMessage,
			Payload:   out.Payload,
			DedupeKey: "message:" + created.ID,
		})
	}
	return nil
}

func (app *App) TypingStartHandler(ctx context.Context, e *core.Event) error {
	var payload TypingEventPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal typing event payload: %w", err)
	}
	if err := app.requireRoomMember(ctx, payload.RoomID, e.Dispatcher); err != nil {
		return err
	}

	app.presence.RecordActivity(e.Dispatcher)

	// Keystroke bursts collapse to at most one coordinator call per debounce
	// window; the coordinator's TTL handles state lifetime independently.
	if !app.typingDebounce.Allow(e.Dispatcher, payload.RoomID) {
		return nil
	}
	app.typing.StartTyping(e.Dispatcher, payload.RoomID)
	return nil
}

func (app *App) TypingStopHandler(ctx context.Context, e *core.Event) error {
	var payload TypingEventPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal typing event payload: %w", err)
	}
	if err := app.requireRoomMember(ctx, payload.RoomID, e.Dispatcher); err != nil {
		return err
	}

	app.presence.RecordActivity(e.Dispatcher)
	app.typingDebounce.Reset(e.Dispatcher, payload.RoomID)
	app.typing.StopTyping(e.Dispatcher, payload.RoomID)
	return nil
}

func (app *App) PresenceSetHandler(ctx context.Context, e *core.Event) error {
	var payload PresenceSetPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal presence event payload: %w", err)
	}
	if err := app.presence.SetPresence(e.Dispatcher, payload.State, payload.CustomStatus); err != nil {
		return err
	}
	return nil
}

func (app *App) ReceiptReadHandler(ctx context.Context, e *core.Event) error {
	var payload ReceiptReadPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal receipt event payload: %w", err)
	}

	app.presence.RecordActivity(e.Dispatcher)

	failed := app.receipts.MarkRead(ctx, payload.MessageIDs, e.Dispatcher)
	for _, f := range failed {
		app.logger.Warn(fmt.Sprintf("mark read: %v", f))
	}
	return nil
}

func (app *App) ReceiptDeliveredHandler(ctx context.Context, e *core.Event) error {
	var payload ReceiptDeliveredPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal receipt event payload: %w", err)
	}
	if err := app.receipts.MarkDelivered(ctx, payload.MessageID, e.Dispatcher); err != nil {
		if errors.Is(err, core.ErrUnknownMessage) {
			return fmt.Errorf("mark delivered: %w", err)
		}
		return err
	}
	return nil
}

func (app *App) SubscribeHandler(ctx context.Context, e *core.Event) error {
	var payload SubscribePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal subscribe payload: %w", err)
	}
	if err := app.requireRoomMember(ctx, payload.RoomID, e.Dispatcher); err != nil {
		return err
	}
	if err := app.registry.Subscribe(e.ConnID, payload.RoomID); err != nil {
		// a disconnect racing the subscribe is not an error worth surfacing
		app.logger.Warn(err.Error())
	}
	return nil
}

func (app *App) UnsubscribeHandler(ctx context.Context, e *core.Event) error {
	var payload SubscribePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal unsubscribe payload: %w", err)
	}
	if err := app.registry.Unsubscribe(e.ConnID, payload.RoomID); err != nil {
		app.logger.Warn(err.Error())
		return nil
	}
	// the connection left the room; if it was the user's last one there,
	// clear any typing indicator right away
	if !app.registry.UserInRoom(e.Dispatcher, payload.RoomID) {
		app.typing.StopTyping(e.Dispatcher, payload.RoomID)
	}
	return nil
}

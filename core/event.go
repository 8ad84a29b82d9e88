package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Event is the JSON envelope exchanged with clients over the websocket
// transport. Dispatcher and ConnID are set by the connection that received
// the event and are never serialized back to clients.
type Event struct {
	// Dispatcher is the user the event originated from.
	Dispatcher string `json:"-"`
	// ConnID is the connection the event arrived on.
	ConnID  string          `json:"-"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Dispatcher: %s, Conn: %s, Type: %s, Payload.Size: %d}", e.Dispatcher, e.ConnID, e.Type, len(e.Payload))
}

// NewEvent constructs an outbound event by marshalling payload.
func NewEvent(t string, payload interface{}) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &Event{Type: t, Payload: b}, nil
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

// EventSource is the inbound side of the transport: a stream of events
// received from connected clients.
type EventSource interface {
	Receive() <-chan *Event
}

type EventHandler func(context.Context, *Event) error

// EventRouter dispatches inbound events to registered handlers by event type.
// A failing handler is logged and never stops the stream; other handlers keep
// processing subsequent events.
type EventRouter struct {
	listeners map[string]EventHandler
	ctx       context.Context
	cancel    context.CancelFunc
	source    EventSource
	logger    *slog.Logger
	wg        sync.WaitGroup
}

func NewEventRouter(ctx context.Context, logger *slog.Logger, source EventSource) *EventRouter {
	ctx, cancel := context.WithCancel(ctx)
	return &EventRouter{
		listeners: make(map[string]EventHandler),
		ctx:       ctx,
		cancel:    cancel,
		source:    source,
		logger:    logger,
	}
}

func (em *EventRouter) On(eventType string, handler EventHandler) {
	em.listeners[eventType] = handler
}

// Listen starts consuming events from the source in a background goroutine.
func (em *EventRouter) Listen() {
	em.wg.Add(1)
	go func() {
		defer em.wg.Done()
		for {
			select {
			case <-em.ctx.Done():
				return
			case e, ok := <-em.source.Receive():
				if !ok {
					return
				}
				em.logger.Debug(fmt.Sprintf("received: %v", e))
				handler, ok := em.listeners[e.Type]
				if !ok {
					em.logger.Error(fmt.Sprintf("no handler for event type: %s", e.Type))
					continue
				}
				if err := handler(em.ctx, e); err != nil {
					em.logger.Error(fmt.Sprintf("%s handler: %s", e.Type, err))
				}
			}
		}
	}()
}

func (em *EventRouter) Close(ctx context.Context) {
	em.cancel()
	done := make(chan struct{})
	go func() {
		em.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

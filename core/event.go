package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
)

// Event is the envelope of every frame exchanged with a client.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Payload.Size: %d}", e.Type, len(e.Payload))
}

// NewEvent marshals the payload once so that the same event can be fanned
// out to any number of sessions.
func NewEvent(t string, payload any) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
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

// Session is one live transport connection bound to an authenticated identity.
type Session interface {
	// ID uniquely identifies the connection within the process.
	ID() string
	// UserID is the authenticated identity served by the session.
	UserID() int64
	// Send queues the event for delivery. It must not block.
	Send(e *Event) error
}

var (
	// ErrInvalidPayload is returned when an inbound payload cannot be decoded
	// or fails validation.
	ErrInvalidPayload = NewInsensitiveError("invalid payload")
	// ErrUnknownEvent is returned when no handler is registered for an event type.
	ErrUnknownEvent = NewInsensitiveError("unknown event")
)

type EventHandler func(ctx context.Context, s Session, e *Event) error

// Handle adapts a typed handler into an EventHandler. The payload is decoded
// into T and validated before h is called, so h only ever sees well-formed input.
func Handle[T any](h func(ctx context.Context, s Session, payload T) error) EventHandler {
	return func(ctx context.Context, s Session, e *Event) error {
		var payload T
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &payload); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			}
		}
		if err := validate.Struct(payload); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return h(ctx, s, payload)
	}
}

// EventRouter routes inbound events of a session to the handler registered
// for their type. Events of one session are dispatched in the order they
// were read.
type EventRouter struct {
	listeners map[string]EventHandler
	logger    *slog.Logger
}

func NewEventRouter(logger *slog.Logger) *EventRouter {
	return &EventRouter{
		listeners: make(map[string]EventHandler),
		logger:    logger,
	}
}

// On registers the handler for an event type. Handlers must be registered
// before the first Dispatch.
func (er *EventRouter) On(eventType string, handler EventHandler) {
	if _, ok := er.listeners[eventType]; ok {
		panic(fmt.Sprintf("handler(%s): already exists", eventType))
	}
	er.listeners[eventType] = handler
}

// Dispatch runs the handler of the event. Handler errors and panics are
// logged and contained to this event. Events of sessions without an
// identity are dropped.
func (er *EventRouter) Dispatch(ctx context.Context, s Session, e *Event) (err error) {
	if s == nil || s.UserID() == 0 {
		er.logger.Debug("dropping event from unauthenticated session", slog.String("type", e.Type))
		return ErrUnauthenticated
	}

	handler, ok := er.listeners[e.Type]
	if !ok {
		er.logger.Debug(fmt.Sprintf("handler for %s not found", e.Type), slog.String("session", s.ID()))
		return ErrUnknownEvent
	}

	defer func() {
		if r := recover(); r != nil {
			er.logger.Error(fmt.Sprintf("handler(%s): panic: %v", e.Type, r),
				slog.String("session", s.ID()), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("handler(%s): panic: %v", e.Type, r)
		}
	}()

	if err = handler(ctx, s, e); err != nil {
		er.logger.Error(fmt.Sprintf("handler(%s): %v", e.Type, err), slog.String("session", s.ID()))
	}
	return err
}

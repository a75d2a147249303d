package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingPayload struct {
	N    int    `json:"n" validate:"gte=1"`
	Name string `json:"name" validate:"required"`
}

func newTestEventRouter() *EventRouter {
	return NewEventRouter(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})))
}

func TestEventEncoding(t *testing.T) {
	e, err := NewEvent("ping", pingPayload{N: 1, Name: "x"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, EncodeEvent(&buf, e))

	var decoded Event
	require.NoError(t, DecodeEvent(&buf, &decoded))
	assert.Equal(t, "ping", decoded.Type)
	assert.JSONEq(t, `{"n":1,"name":"x"}`, string(decoded.Payload))

	assert.Error(t, DecodeEvent(bytes.NewBufferString("{"), &decoded))
}

func TestEventRouterDispatch(t *testing.T) {
	er := newTestEventRouter()

	var got []pingPayload
	er.On("ping", Handle(func(ctx context.Context, s Session, p pingPayload) error {
		got = append(got, p)
		return nil
	}))
	er.On("fail", func(context.Context, Session, *Event) error {
		return ErrCallNotFound
	})
	er.On("panic", func(context.Context, Session, *Event) error {
		panic("boom")
	})

	s := newFakeSession(1)
	ctx := context.Background()

	t.Run("typed handler", func(t *testing.T) {
		require.NoError(t, er.Dispatch(ctx, s, &Event{Type: "ping", Payload: []byte(`{"n":2,"name":"a"}`)}))
		assert.Equal(t, []pingPayload{{N: 2, Name: "a"}}, got)
	})

	t.Run("invalid payload never reaches the handler", func(t *testing.T) {
		got = nil
		err := er.Dispatch(ctx, s, &Event{Type: "ping", Payload: []byte(`{"n":0,"name":"a"}`)})
		assert.ErrorIs(t, err, ErrInvalidPayload)
		err = er.Dispatch(ctx, s, &Event{Type: "ping", Payload: []byte(`{"n":"x"}`)})
		assert.ErrorIs(t, err, ErrInvalidPayload)
		err = er.Dispatch(ctx, s, &Event{Type: "ping"})
		assert.ErrorIs(t, err, ErrInvalidPayload)
		assert.Empty(t, got)
	})

	t.Run("unknown event", func(t *testing.T) {
		assert.ErrorIs(t, er.Dispatch(ctx, s, &Event{Type: "nope"}), ErrUnknownEvent)
	})

	t.Run("handler error", func(t *testing.T) {
		assert.ErrorIs(t, er.Dispatch(ctx, s, &Event{Type: "fail"}), ErrCallNotFound)
	})

	t.Run("panics are contained", func(t *testing.T) {
		err := er.Dispatch(ctx, s, &Event{Type: "panic"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
		// the router keeps working
		require.NoError(t, er.Dispatch(ctx, s, &Event{Type: "ping", Payload: []byte(`{"n":1,"name":"b"}`)}))
	})

	t.Run("unauthenticated sessions are dropped", func(t *testing.T) {
		got = nil
		err := er.Dispatch(ctx, newFakeSession(0), &Event{Type: "ping", Payload: []byte(`{"n":1,"name":"b"}`)})
		assert.ErrorIs(t, err, ErrUnauthenticated)
		assert.Empty(t, got)
	})
}

func TestEventRouterDuplicateHandler(t *testing.T) {
	er := newTestEventRouter()
	h := func(context.Context, Session, *Event) error { return nil }
	er.On("x", h)
	assert.Panics(t, func() { er.On("x", h) })
}

func TestClientMessage(t *testing.T) {
	assert.Equal(t, "call not found", ClientMessage(ErrCallNotFound))
	assert.Equal(t, "call not found", ClientMessage(fmt.Errorf("answer: %w", ErrCallNotFound)))
	assert.Equal(t, "internal error", ClientMessage(ErrPersistence))
	assert.Equal(t, "internal error", ClientMessage(errors.New("sql: database is closed")))
	assert.Equal(t, "not a member", ClientMessage(ErrNotMember))
}

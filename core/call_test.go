package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type CallFixture struct {
	*EngineFixture
	a, b, c    int64
	sa, sb, sc *fakeSession
	now        time.Time
}

func NewCallFixture(t *testing.T) *CallFixture {
	f := &CallFixture{EngineFixture: NewEngineFixture(t)}
	ids := seedUsers(f.ctx, t, f.userStore, alice, bob, carol)
	f.a, f.b, f.c = ids[0], ids[1], ids[2]
	f.sa, f.sb, f.sc = f.connect(f.a), f.connect(f.b), f.connect(f.c)
	for _, s := range []*fakeSession{f.sa, f.sb, f.sc} {
		s.Reset()
	}

	f.now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.calls.now = func() time.Time { return f.now }
	n := 0
	f.calls.newID = func() string {
		n++
		return "call_" + string(rune('a'+n-1))
	}
	return f
}

func (f *CallFixture) startCall() *CallSession {
	call, err := f.calls.Start(f.ctx, f.sa, UserChat, f.b, VideoCall)
	require.NoError(f.t, err)
	return call
}

// flakyCallStore fails status updates while failing is set.
type flakyCallStore struct {
	CallStore
	failing bool
}

func (s *flakyCallStore) UpdateCallStatus(ctx context.Context, callID string, status CallStatus, endedAt *time.Time, d time.Duration) error {
	if s.failing {
		return errors.New("database is locked")
	}
	return s.CallStore.UpdateCallStatus(ctx, callID, status, endedAt, d)
}

func TestStartCall(t *testing.T) {
	f := NewCallFixture(t)
	defer f.tearDown()

	call := f.startCall()
	assert.Equal(t, "call_a", call.ID)
	assert.Equal(t, CallInitiated, call.Status)
	assert.Equal(t, []int64{f.a}, call.Participants)

	events := f.sb.Events(IncomingCallEvent)
	require.Len(t, events, 1)
	p := decodePayload[IncomingCallPayload](t, events[0])
	assert.Equal(t, call.ID, p.CallID)
	assert.Equal(t, VideoCall, p.Type)
	assert.Equal(t, f.a, p.Caller.ID)
	assert.Equal(t, UserChat, p.TargetType)
	assert.Equal(t, f.b, p.TargetID)
	assert.Empty(t, f.sc.Events(IncomingCallEvent))
	assert.Empty(t, f.sa.Events(IncomingCallEvent), "the calling session is not rung")

	assert.True(t, f.rooms.IsJoined(f.sa, CallRoomKey(call.ID)))

	record, err := f.callStore.GetCallRecord(f.ctx, call.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, CallInitiated, record.Status)
	assert.Equal(t, f.a, record.CallerID)
	assert.Equal(t, VideoCall, record.Type)
}

func TestStartCallValidation(t *testing.T) {
	f := NewCallFixture(t)
	defer f.tearDown()
	g := seedGroup(f.ctx, t, f.chatStore, 0, f.b, f.c)

	tests := []struct {
		name       string
		targetType ChatType
		targetID   int64
		callType   CallType
		err        error
	}{
		{"unknown call type", UserChat, f.b, "hologram", ErrInvalidCall},
		{"unknown target type", "channel", f.b, AudioCall, ErrInvalidCall},
		{"unknown user", UserChat, 9999, AudioCall, ErrInvalidCall},
		{"calling yourself", UserChat, f.a, AudioCall, ErrInvalidCall},
		{"group the caller is not in", GroupChat, g, AudioCall, ErrNotMember},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.calls.Start(f.ctx, f.sa, tt.targetType, tt.targetID, tt.callType)
			assert.ErrorIs(t, err, tt.err)
		})
	}
	assert.Equal(t, 0, f.calls.Len())
}

func TestStartGroupCall(t *testing.T) {
	f := NewCallFixture(t)
	defer f.tearDown()
	g := seedGroup(f.ctx, t, f.chatStore, 0, f.a, f.b, f.c)
	f.rooms.Join(f.sb, GroupRoomKey(g))
	f.rooms.Join(f.sc, GroupRoomKey(g))

	call, err := f.calls.Start(f.ctx, f.sa, GroupChat, g, AudioCall)
	require.NoError(t, err)

	assert.Len(t, f.sb.Events(IncomingCallEvent), 1)
	assert.Len(t, f.sc.Events(IncomingCallEvent), 1)

	_, err = f.calls.Answer(f.ctx, f.sb, call.ID)
	require.NoError(t, err)
	got, err := f.calls.Answer(f.ctx, f.sc, call.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{f.a, f.b, f.c}, got.Participants)
}

func TestAnswerCall(t *testing.T) {
	f := NewCallFixture(t)
	defer f.tearDown()
	call := f.startCall()

	f.now = f.now.Add(5 * time.Second)
	got, err := f.calls.Answer(f.ctx, f.sb, call.ID)
	require.NoError(t, err)
	assert.Equal(t, CallConnected, got.Status)
	assert.Equal(t, []int64{f.a, f.b}, got.Participants)
	assert.Equal(t, f.now, got.ConnectedAt)
	assert.True(t, f.rooms.IsJoined(f.sb, CallRoomKey(call.ID)))

	answered := f.sa.Events(CallAnsweredEvent)
	require.Len(t, answered, 1)
	p := decodePayload[CallAnsweredPayload](t, answered[0])
	assert.Equal(t, call.ID, p.CallID)
	assert.Equal(t, f.b, p.Answerer.ID)

	assert.Len(t, f.sa.Events(JoinCallRoomEvent), 1)
	assert.Len(t, f.sb.Events(JoinCallRoomEvent), 1)

	record, err := f.callStore.GetCallRecord(f.ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, CallConnected, record.Status)

	t.Run("answering twice does not duplicate participants", func(t *testing.T) {
		got, err := f.calls.Answer(f.ctx, f.sb, call.ID)
		require.NoError(t, err)
		assert.Equal(t, []int64{f.a, f.b}, got.Participants)
	})
}

func TestAnswerUnknownCall(t *testing.T) {
	f := NewCallFixture(t)
	defer f.tearDown()

	_, err := f.calls.Answer(f.ctx, f.sb, "call_missing")
	assert.ErrorIs(t, err, ErrCallNotFound)
	assert.Equal(t, "call not found", ClientMessage(err))
	assert.Empty(t, f.sa.Events())
}

func TestEndCall(t *testing.T) {
	f := NewCallFixture(t)
	defer f.tearDown()
	call := f.startCall()
	_, err := f.calls.Answer(f.ctx, f.sb, call.ID)
	require.NoError(t, err)
	f.sa.Reset()
	f.sb.Reset()

	f.now = f.now.Add(90 * time.Second)
	require.NoError(t, f.calls.End(f.ctx, f.sb, call.ID))

	_, ok := f.calls.Get(call.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, f.calls.Len())

	for _, s := range []*fakeSession{f.sa, f.sb} {
		events := s.Events(CallEndedEvent)
		require.Len(t, events, 1)
		p := decodePayload[CallEndedPayload](t, events[0])
		assert.Equal(t, call.ID, p.CallID)
		assert.Equal(t, f.b, p.EndedBy)
		assert.Empty(t, p.Reason)
	}
	assert.Empty(t, f.rooms.Members(CallRoomKey(call.ID)), "the call room is released")

	record, err := f.callStore.GetCallRecord(f.ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, CallEnded, record.Status)
	require.NotNil(t, record.EndedAt)
	assert.Equal(t, 90*time.Second, record.Duration)

	t.Run("ending again is not an error", func(t *testing.T) {
		assert.NoError(t, f.calls.End(f.ctx, f.sa, call.ID))
	})

	t.Run("answering an ended call", func(t *testing.T) {
		_, err := f.calls.Answer(f.ctx, f.sb, call.ID)
		assert.ErrorIs(t, err, ErrCallNotFound)
	})
}

func TestEndRingingCallNotifiesTarget(t *testing.T) {
	f := NewCallFixture(t)
	defer f.tearDown()
	call := f.startCall()

	require.NoError(t, f.calls.End(f.ctx, f.sa, call.ID))

	assert.Len(t, f.sb.Events(CallEndedEvent), 1, "the rung target learns the call is over")
	assert.Len(t, f.sa.Events(CallEndedEvent), 1)

	record, err := f.callStore.GetCallRecord(f.ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), record.Duration)
}

func TestEndUnknownCallLeavesRoom(t *testing.T) {
	f := NewCallFixture(t)
	defer f.tearDown()

	f.rooms.Join(f.sa, CallRoomKey("call_gone"))
	require.NoError(t, f.calls.End(f.ctx, f.sa, "call_gone"))
	assert.False(t, f.rooms.IsJoined(f.sa, CallRoomKey("call_gone")))
}

func TestEndPersistenceFailureKeepsCall(t *testing.T) {
	f := NewCallFixture(t)
	defer f.tearDown()
	store := &flakyCallStore{CallStore: f.callStore}
	f.calls.store = store
	call := f.startCall()

	store.failing = true
	err := f.calls.End(f.ctx, f.sa, call.ID)
	assert.ErrorIs(t, err, ErrPersistence)
	_, ok := f.calls.Get(call.ID)
	assert.True(t, ok)
	assert.Empty(t, f.sb.Events(CallEndedEvent))

	store.failing = false
	require.NoError(t, f.calls.End(f.ctx, f.sa, call.ID))
	_, ok = f.calls.Get(call.ID)
	assert.False(t, ok)
}

// hangupOnAnswerStore ends the call the first time it is asked to connect
// it, before the connected status reaches the database.
type hangupOnAnswerStore struct {
	CallStore
	hangup func(callID string)
	done   bool
}

func (s *hangupOnAnswerStore) UpdateCallStatus(ctx context.Context, callID string, status CallStatus, endedAt *time.Time, d time.Duration) error {
	if status == CallConnected && !s.done {
		s.done = true
		s.hangup(callID)
	}
	return s.CallStore.UpdateCallStatus(ctx, callID, status, endedAt, d)
}

func TestAnswerRacingEnd(t *testing.T) {
	f := NewCallFixture(t)
	defer f.tearDown()
	f.calls.store = &hangupOnAnswerStore{
		CallStore: f.callStore,
		hangup: func(callID string) {
			require.NoError(t, f.calls.End(f.ctx, f.sa, callID))
		},
	}
	call := f.startCall()

	_, err := f.calls.Answer(f.ctx, f.sb, call.ID)
	assert.ErrorIs(t, err, ErrCallNotFound)
	assert.NotErrorIs(t, err, ErrPersistence)

	_, ok := f.calls.Get(call.ID)
	assert.False(t, ok)
	assert.False(t, f.rooms.IsJoined(f.sb, CallRoomKey(call.ID)))
	assert.Empty(t, f.sa.Events(CallAnsweredEvent))

	record, err := f.callStore.GetCallRecord(f.ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, CallEnded, record.Status, "an ended call stays ended")
	assert.NotNil(t, record.EndedAt)

	t.Run("store refuses to reopen an ended call", func(t *testing.T) {
		err := f.callStore.UpdateCallStatus(f.ctx, call.ID, CallConnected, nil, 0)
		assert.ErrorIs(t, err, ErrCallNotFound)
	})
}

func TestRelay(t *testing.T) {
	f := NewCallFixture(t)
	defer f.tearDown()
	call := f.startCall()
	_, err := f.calls.Answer(f.ctx, f.sb, call.ID)
	require.NoError(t, err)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

	t.Run("broadcast to the call room excluding the sender", func(t *testing.T) {
		require.NoError(t, f.calls.Relay(f.sa, call.ID, SignalOffer, offer, 0))
		events := f.sb.Events(WebRTCOfferEvent)
		require.Len(t, events, 1)
		p := decodePayload[SignalPayload](t, events[0])
		assert.Equal(t, call.ID, p.CallID)
		assert.Equal(t, f.a, p.FromUserID)
		assert.JSONEq(t, string(offer), string(p.Offer))
		assert.Nil(t, p.Answer)
		assert.Empty(t, f.sa.Events(WebRTCOfferEvent))
		assert.Empty(t, f.sc.Events(WebRTCOfferEvent))
	})

	t.Run("targeted to one identity", func(t *testing.T) {
		candidate := json.RawMessage(`{"candidate":"a=1"}`)
		require.NoError(t, f.calls.Relay(f.sb, call.ID, SignalCandidate, candidate, f.a))
		events := f.sa.Events(WebRTCIceCandidateEvent)
		require.Len(t, events, 1)
		p := decodePayload[SignalPayload](t, events[0])
		assert.Equal(t, f.b, p.FromUserID)
		assert.JSONEq(t, string(candidate), string(p.Candidate))
	})

	t.Run("answer", func(t *testing.T) {
		require.NoError(t, f.calls.Relay(f.sb, call.ID, SignalAnswer, json.RawMessage(`{"sdp":"x"}`), 0))
		assert.Len(t, f.sa.Events(WebRTCAnswerEvent), 1)
	})

	t.Run("unknown call", func(t *testing.T) {
		err := f.calls.Relay(f.sa, "call_missing", SignalOffer, offer, 0)
		assert.ErrorIs(t, err, ErrCallNotFound)
	})
}

func TestJoinCallRoom(t *testing.T) {
	f := NewCallFixture(t)
	defer f.tearDown()
	call := f.startCall()

	require.NoError(t, f.calls.JoinRoom(f.sc, call.ID))
	assert.True(t, f.rooms.IsJoined(f.sc, CallRoomKey(call.ID)))

	assert.ErrorIs(t, f.calls.JoinRoom(f.sc, "call_missing"), ErrCallNotFound)
}

func TestSweepUnansweredCalls(t *testing.T) {
	f := NewCallFixture(t)
	defer f.tearDown()

	ringing := f.startCall()
	answered := f.startCall()
	_, err := f.calls.Answer(f.ctx, f.sb, answered.ID)
	require.NoError(t, err)
	f.sa.Reset()
	f.sb.Reset()

	f.now = f.now.Add(30 * time.Second)
	assert.Empty(t, f.calls.Sweep(f.ctx), "still within the ring timeout")

	f.now = f.now.Add(31 * time.Second)
	assert.Equal(t, []string{ringing.ID}, f.calls.Sweep(f.ctx))

	_, ok := f.calls.Get(ringing.ID)
	assert.False(t, ok)
	_, ok = f.calls.Get(answered.ID)
	assert.True(t, ok)

	events := f.sb.Events(CallEndedEvent)
	require.Len(t, events, 1)
	p := decodePayload[CallEndedPayload](t, events[0])
	assert.Equal(t, ringing.ID, p.CallID)
	assert.Equal(t, EndedByTimeout, p.Reason)
}

func TestCallRunStopsWithContext(t *testing.T) {
	f := NewCallFixture(t)
	defer f.tearDown()

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error)
	go func() {
		done <- f.calls.Run(ctx, time.Millisecond)
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

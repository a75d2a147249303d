package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

type CallType string

const (
	AudioCall CallType = "audio"
	VideoCall CallType = "video"
)

type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallConnected CallStatus = "connected"
	CallEnded     CallStatus = "ended"
)

// SignalKind is the kind of negotiation payload relayed between call peers.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "ice_candidate"
)

// Call end reasons.
const (
	EndedByPeer    = ""
	EndedByTimeout = "timeout"
)

var ErrInvalidCall = NewInsensitiveError("invalid call")

// CallSession is the in-memory state of a live call. The caller is always
// the first participant and participants never repeat.
type CallSession struct {
	ID           string     `json:"call_id"`
	CallerID     int64      `json:"caller_id"`
	TargetType   ChatType   `json:"target_type"`
	TargetID     int64      `json:"target_id"`
	Type         CallType   `json:"type"`
	Status       CallStatus `json:"status"`
	Participants []int64    `json:"participants"`
	StartedAt    time.Time  `json:"started_at"`
	ConnectedAt  time.Time  `json:"connected_at,omitempty"`
}

func (c *CallSession) clone() *CallSession {
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	return &cp
}

// CallRecord is the history row of a call.
type CallRecord struct {
	ID         string
	CallerID   int64
	TargetType ChatType
	TargetID   int64
	Type       CallType
	Status     CallStatus
	StartedAt  time.Time
	EndedAt    *time.Time
	Duration   time.Duration
}

type CallStore interface {
	CreateCallRecord(ctx context.Context, record CallRecord) error

	// UpdateCallStatus sets the status of the call. endedAt and duration are
	// only recorded when endedAt is non-nil. Moving an ended call to another
	// status returns ErrCallNotFound.
	UpdateCallStatus(ctx context.Context, callID string, status CallStatus, endedAt *time.Time, duration time.Duration) error

	// GetCallRecord returns nil if the call does not exist.
	GetCallRecord(ctx context.Context, callID string) (*CallRecord, error)
}

// CallCoordinator owns the lifecycle of every live call: initiated,
// connected, ended. Ended calls are forgotten; later operations on them
// fail with ErrCallNotFound except End, which is idempotent.
type CallCoordinator struct {
	mu    sync.RWMutex
	calls map[string]*CallSession

	store      CallStore
	groups     GroupStore
	users      UserStore
	identities *IdentityCache
	rooms      *RoomRouter
	logger     *slog.Logger

	ringTimeout time.Duration
	now         func() time.Time
	newID       func() string
}

type CallOption func(*CallCoordinator)

// WithRingTimeout sets how long a call may stay unanswered before Sweep
// ends it. Zero disables the timeout.
func WithRingTimeout(d time.Duration) CallOption {
	return func(c *CallCoordinator) {
		c.ringTimeout = d
	}
}

func NewCallCoordinator(store CallStore, groups GroupStore, users UserStore, identities *IdentityCache, rooms *RoomRouter, logger *slog.Logger, opts ...CallOption) *CallCoordinator {
	c := &CallCoordinator{
		calls:       make(map[string]*CallSession),
		store:       store,
		groups:      groups,
		users:       users,
		identities:  identities,
		rooms:       rooms,
		logger:      logger,
		ringTimeout: time.Minute,
		now:         time.Now,
		newID: func() string {
			return "call_" + uuid.NewString()
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start creates a call from the session's identity to a user or a group,
// records it and rings the target's room. The caller's session joins the
// call room.
func (c *CallCoordinator) Start(ctx context.Context, s Session, targetType ChatType, targetID int64, callType CallType) (*CallSession, error) {
	callerID := s.UserID()
	if callType != AudioCall && callType != VideoCall {
		return nil, ErrInvalidCall
	}
	target, err := ChatRoomKey(targetType, targetID)
	if err != nil {
		return nil, ErrInvalidCall
	}

	switch targetType {
	case UserChat:
		if targetID == callerID {
			return nil, ErrInvalidCall
		}
		user, err := c.users.GetUserByID(ctx, targetID)
		if err != nil {
			return nil, fmt.Errorf("GetUserByID: %w", err)
		}
		if user == nil {
			return nil, ErrInvalidCall
		}
	case GroupChat:
		ok, _, err := c.groups.IsGroupMember(ctx, targetID, callerID)
		if err != nil {
			return nil, fmt.Errorf("IsGroupMember: %w", err)
		}
		if !ok {
			return nil, ErrNotMember
		}
	}

	caller, err := c.identities.Get(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("identity(%d): %w", callerID, err)
	}

	call := &CallSession{
		ID:           c.newID(),
		CallerID:     callerID,
		TargetType:   targetType,
		TargetID:     targetID,
		Type:         callType,
		Status:       CallInitiated,
		Participants: []int64{callerID},
		StartedAt:    c.now(),
	}

	err = c.store.CreateCallRecord(ctx, CallRecord{
		ID:         call.ID,
		CallerID:   call.CallerID,
		TargetType: call.TargetType,
		TargetID:   call.TargetID,
		Type:       call.Type,
		Status:     call.Status,
		StartedAt:  call.StartedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: CreateCallRecord: %w", ErrPersistence, err)
	}

	c.mu.Lock()
	c.calls[call.ID] = call
	snapshot := call.clone()
	c.mu.Unlock()

	c.rooms.Join(s, CallRoomKey(call.ID))

	e, err := NewEvent(IncomingCallEvent, IncomingCallPayload{
		CallID:     call.ID,
		Type:       call.Type,
		Caller:     caller,
		TargetType: call.TargetType,
		TargetID:   call.TargetID,
	})
	if err != nil {
		return snapshot, err
	}
	c.rooms.Broadcast(target, e, s)

	c.logger.Info(fmt.Sprintf("call %s started by %d to %s", call.ID, callerID, target))
	return snapshot, nil
}

// Answer adds the session's identity to the call and connects it. The
// answering session joins the call room and the caller is told to join it.
func (c *CallCoordinator) Answer(ctx context.Context, s Session, callID string) (*CallSession, error) {
	answererID := s.UserID()

	c.mu.RLock()
	call, ok := c.calls[callID]
	var status CallStatus
	if ok {
		status = call.Status
	}
	c.mu.RUnlock()
	if !ok {
		return nil, ErrCallNotFound
	}

	if status == CallInitiated {
		err := c.store.UpdateCallStatus(ctx, callID, CallConnected, nil, 0)
		if errors.Is(err, ErrCallNotFound) {
			// ended while it was being answered
			return nil, ErrCallNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("%w: UpdateCallStatus: %w", ErrPersistence, err)
		}
	}

	c.mu.Lock()
	call, ok = c.calls[callID]
	if !ok {
		// ended while the status was being persisted
		c.mu.Unlock()
		return nil, ErrCallNotFound
	}
	if !slices.Contains(call.Participants, answererID) {
		call.Participants = append(call.Participants, answererID)
	}
	if call.Status == CallInitiated {
		call.Status = CallConnected
		call.ConnectedAt = c.now()
	}
	snapshot := call.clone()
	c.mu.Unlock()

	c.rooms.Join(s, CallRoomKey(callID))

	answerer, err := c.identities.Get(ctx, answererID)
	if err != nil {
		return snapshot, fmt.Errorf("identity(%d): %w", answererID, err)
	}
	answered, err := NewEvent(CallAnsweredEvent, CallAnsweredPayload{CallID: callID, Answerer: answerer})
	if err != nil {
		return snapshot, err
	}
	join, err := NewEvent(JoinCallRoomEvent, JoinCallRoomPayload{CallID: callID})
	if err != nil {
		return snapshot, err
	}
	caller := UserRoomKey(snapshot.CallerID)
	c.rooms.Broadcast(caller, answered, nil)
	c.rooms.Broadcast(caller, join, nil)
	if err := s.Send(join); err != nil {
		c.logger.Debug(fmt.Sprintf("send join_call_room to %s: %v", s.ID(), err))
	}

	c.logger.Info(fmt.Sprintf("call %s answered by %d", callID, answererID))
	return snapshot, nil
}

// JoinRoom joins the session to the room of a live call.
func (c *CallCoordinator) JoinRoom(s Session, callID string) error {
	c.mu.RLock()
	_, ok := c.calls[callID]
	c.mu.RUnlock()
	if !ok {
		return ErrCallNotFound
	}
	c.rooms.Join(s, CallRoomKey(callID))
	return nil
}

// Relay forwards a negotiation payload. With a target identity it goes to
// that identity's personal room, otherwise to everyone else in the call room.
func (c *CallCoordinator) Relay(s Session, callID string, kind SignalKind, payload json.RawMessage, targetID int64) error {
	c.mu.RLock()
	_, ok := c.calls[callID]
	c.mu.RUnlock()
	if !ok {
		return ErrCallNotFound
	}

	p := SignalPayload{CallID: callID, FromUserID: s.UserID()}
	var eventType string
	switch kind {
	case SignalOffer:
		p.Offer, eventType = payload, WebRTCOfferEvent
	case SignalAnswer:
		p.Answer, eventType = payload, WebRTCAnswerEvent
	case SignalCandidate:
		p.Candidate, eventType = payload, WebRTCIceCandidateEvent
	default:
		return ErrInvalidCall
	}

	e, err := NewEvent(eventType, p)
	if err != nil {
		return err
	}
	if targetID != 0 {
		c.rooms.Broadcast(UserRoomKey(targetID), e, nil)
		return nil
	}
	c.rooms.Broadcast(CallRoomKey(callID), e, s)
	return nil
}

// End terminates the call on behalf of the session. Ending an unknown or
// already ended call is not an error. The session always leaves the call room.
func (c *CallCoordinator) End(ctx context.Context, s Session, callID string) error {
	defer c.rooms.Leave(s, CallRoomKey(callID))
	_, err := c.end(ctx, callID, s.UserID(), EndedByPeer)
	return err
}

// end reports whether this call ended the call.
func (c *CallCoordinator) end(ctx context.Context, callID string, endedBy int64, reason string) (bool, error) {
	c.mu.Lock()
	call, ok := c.calls[callID]
	if ok && reason == EndedByTimeout && call.Status != CallInitiated {
		// answered after the sweep picked it
		ok = false
	}
	if ok {
		delete(c.calls, callID)
	}
	c.mu.Unlock()
	if !ok {
		return false, nil
	}

	endedAt := c.now()
	var duration time.Duration
	if !call.ConnectedAt.IsZero() {
		duration = endedAt.Sub(call.ConnectedAt)
	}
	if err := c.store.UpdateCallStatus(ctx, callID, CallEnded, &endedAt, duration); err != nil {
		c.mu.Lock()
		c.calls[callID] = call
		c.mu.Unlock()
		return false, fmt.Errorf("%w: UpdateCallStatus: %w", ErrPersistence, err)
	}

	e, err := NewEvent(CallEndedEvent, CallEndedPayload{CallID: callID, EndedBy: endedBy, Reason: reason})
	if err != nil {
		return true, err
	}
	room := CallRoomKey(callID)
	keys := []RoomKey{room}
	if call.Status == CallInitiated {
		// the target was rung but never joined the call room
		keys = append(keys, UserRoomKey(call.CallerID))
		if target, err := ChatRoomKey(call.TargetType, call.TargetID); err == nil {
			keys = append(keys, target)
		}
	}
	c.rooms.BroadcastMany(keys, e, nil)
	c.rooms.Dissolve(room)

	c.logger.Info(fmt.Sprintf("call %s ended by %d after %s", callID, endedBy, duration),
		slog.String("reason", reason))
	return true, nil
}

// Get returns a snapshot of a live call.
func (c *CallCoordinator) Get(callID string) (*CallSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	call, ok := c.calls[callID]
	if !ok {
		return nil, false
	}
	return call.clone(), true
}

// Len returns the number of live calls.
func (c *CallCoordinator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.calls)
}

// Sweep ends every call that has been ringing for longer than the ring
// timeout and returns their ids.
func (c *CallCoordinator) Sweep(ctx context.Context) []string {
	if c.ringTimeout <= 0 {
		return nil
	}
	deadline := c.now().Add(-c.ringTimeout)

	c.mu.RLock()
	var expired []*CallSession
	for _, call := range c.calls {
		if call.Status == CallInitiated && call.StartedAt.Before(deadline) {
			expired = append(expired, call.clone())
		}
	}
	c.mu.RUnlock()

	ended := make([]string, 0, len(expired))
	for _, call := range expired {
		ok, err := c.end(ctx, call.ID, call.CallerID, EndedByTimeout)
		if err != nil {
			c.logger.Error(fmt.Sprintf("ending call %s: %v", call.ID, err))
			continue
		}
		if ok {
			ended = append(ended, call.ID)
		}
	}
	return ended
}

// Run sweeps unanswered calls every interval until ctx is done.
func (c *CallCoordinator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ended := c.Sweep(ctx); len(ended) > 0 {
				c.logger.Info(fmt.Sprintf("swept %d unanswered calls", len(ended)))
			}
		}
	}
}

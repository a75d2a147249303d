package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type PresenceState string

const (
	Online  PresenceState = "online"
	Offline PresenceState = "offline"
)

// PresenceRegistry tracks the live sessions of every identity. An identity
// is online while it has at least one session.
type PresenceRegistry struct {
	mu       sync.RWMutex
	sessions map[int64]map[string]Session
	lastSeen map[int64]time.Time

	// transitions serializes register and unregister of one identity so
	// that online and offline broadcasts are emitted in transition order.
	transitions *keyedMutex[int64]

	users  UserStore
	groups GroupStore
	rooms  *RoomRouter
	logger *slog.Logger
	now    func() time.Time
}

func NewPresenceRegistry(users UserStore, groups GroupStore, rooms *RoomRouter, logger *slog.Logger) *PresenceRegistry {
	return &PresenceRegistry{
		sessions:    make(map[int64]map[string]Session),
		lastSeen:    make(map[int64]time.Time),
		transitions: newKeyedMutex[int64](),
		users:       users,
		groups:      groups,
		rooms:       rooms,
		logger:      logger,
		now:         time.Now,
	}
}

// Register adds the session to its identity. It reports whether this is
// the first live session of the identity, in which case the identity is
// marked online and the change is broadcast.
func (p *PresenceRegistry) Register(ctx context.Context, s Session) bool {
	unlock := p.transitions.Lock(s.UserID())
	defer unlock()
	return p.register(ctx, s)
}

// Open runs join for the session and then registers it. The identity's
// transitions stay locked throughout, so a concurrent JoinRoom either runs
// before join and is seen by it, or runs after the session is registered.
func (p *PresenceRegistry) Open(ctx context.Context, s Session, join func(context.Context, Session) error) (bool, error) {
	unlock := p.transitions.Lock(s.UserID())
	defer unlock()
	if err := join(ctx, s); err != nil {
		return false, err
	}
	return p.register(ctx, s), nil
}

func (p *PresenceRegistry) register(ctx context.Context, s Session) bool {
	p.mu.Lock()
	sessions, ok := p.sessions[s.UserID()]
	if !ok {
		sessions = make(map[string]Session)
		p.sessions[s.UserID()] = sessions
	}
	sessions[s.ID()] = s
	first := len(sessions) == 1
	p.mu.Unlock()

	if !first {
		return false
	}

	if err := p.users.SetOnlineStatus(ctx, s.UserID(), true, p.now()); err != nil {
		p.logger.Error(fmt.Sprintf("SetOnlineStatus(%d, online): %v", s.UserID(), err))
	}
	p.BroadcastPresence(ctx, s.UserID(), Online)
	return true
}

// Unregister removes the session. It reports whether it was the last live
// session of the identity, in which case the identity is marked offline,
// its last-seen time recorded and the change broadcast. Unregistering an
// unknown session is a no-op.
func (p *PresenceRegistry) Unregister(ctx context.Context, s Session) bool {
	unlock := p.transitions.Lock(s.UserID())
	defer unlock()

	at := p.now()
	p.mu.Lock()
	sessions, ok := p.sessions[s.UserID()]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if _, ok := sessions[s.ID()]; !ok {
		p.mu.Unlock()
		return false
	}
	delete(sessions, s.ID())
	last := len(sessions) == 0
	if last {
		delete(p.sessions, s.UserID())
		p.lastSeen[s.UserID()] = at
	}
	p.mu.Unlock()

	if !last {
		return false
	}

	if err := p.users.SetOnlineStatus(ctx, s.UserID(), false, at); err != nil {
		p.logger.Error(fmt.Sprintf("SetOnlineStatus(%d, offline): %v", s.UserID(), err))
	}
	p.BroadcastPresence(ctx, s.UserID(), Offline)
	return true
}

func (p *PresenceRegistry) IsOnline(userID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions[userID]) > 0
}

// LastSeen returns the time the identity's last session ended, if it has
// gone offline since the process started.
func (p *PresenceRegistry) LastSeen(userID int64) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	at, ok := p.lastSeen[userID]
	return at, ok
}

// Sessions returns the live sessions of the identity.
func (p *PresenceRegistry) Sessions(userID int64) []Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sessions := make([]Session, 0, len(p.sessions[userID]))
	for _, s := range p.sessions[userID] {
		sessions = append(sessions, s)
	}
	return sessions
}

// JoinRoom subscribes every live session of the identity to the room.
// Sessions that are opening or closing concurrently are either joined or
// never registered.
func (p *PresenceRegistry) JoinRoom(userID int64, key RoomKey) {
	unlock := p.transitions.Lock(userID)
	defer unlock()
	for _, s := range p.Sessions(userID) {
		p.rooms.Join(s, key)
	}
}

// LeaveRoom unsubscribes every live session of the identity from the room.
func (p *PresenceRegistry) LeaveRoom(userID int64, key RoomKey) {
	unlock := p.transitions.Lock(userID)
	defer unlock()
	for _, s := range p.Sessions(userID) {
		p.rooms.Leave(s, key)
	}
}

// OnlineCount returns the number of online identities.
func (p *PresenceRegistry) OnlineCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// BroadcastPresence sends user_status to the personal rooms of the
// identity's contacts and to the identity's own room, so its other
// devices learn the state too.
func (p *PresenceRegistry) BroadcastPresence(ctx context.Context, userID int64, state PresenceState) {
	e, err := NewEvent(UserStatusEvent, UserStatusPayload{UserID: userID, Status: state})
	if err != nil {
		p.logger.Error(err.Error())
		return
	}

	contacts, err := p.groups.GetContacts(ctx, userID)
	if err != nil {
		p.logger.Error(fmt.Sprintf("GetContacts(%d): %v", userID, err))
	}
	keys := make([]RoomKey, 0, len(contacts)+1)
	keys = append(keys, UserRoomKey(userID))
	for _, id := range contacts {
		keys = append(keys, UserRoomKey(id))
	}
	p.rooms.BroadcastMany(keys, e, nil)
}

// Status returns the presence state of the identity as a user_status payload.
func (p *PresenceRegistry) Status(userID int64) UserStatusPayload {
	state := Offline
	if p.IsOnline(userID) {
		state = Online
	}
	return UserStatusPayload{UserID: userID, Status: state}
}

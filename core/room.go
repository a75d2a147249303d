package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
)

// RoomKind is the kind of a logical fan-out group.
type RoomKind string

const (
	UserRoom  RoomKind = "user"
	GroupRoom RoomKind = "group"
	CallRoom  RoomKind = "call"
)

// RoomKey identifies a room by kind and target id.
type RoomKey struct {
	Kind RoomKind
	ID   string
}

func UserRoomKey(userID int64) RoomKey {
	return RoomKey{Kind: UserRoom, ID: strconv.FormatInt(userID, 10)}
}

func GroupRoomKey(groupID int64) RoomKey {
	return RoomKey{Kind: GroupRoom, ID: strconv.FormatInt(groupID, 10)}
}

func CallRoomKey(callID string) RoomKey {
	return RoomKey{Kind: CallRoom, ID: callID}
}

// ChatRoomKey returns the room a chat of the given type and id maps to.
func ChatRoomKey(chatType ChatType, chatID int64) (RoomKey, error) {
	switch chatType {
	case UserChat:
		return UserRoomKey(chatID), nil
	case GroupChat:
		return GroupRoomKey(chatID), nil
	default:
		return RoomKey{}, ErrInvalidRoom
	}
}

func (k RoomKey) String() string {
	return string(k.Kind) + "_" + k.ID
}

var ErrInvalidRoom = errors.New("invalid room")

type room struct {
	mu      sync.RWMutex
	members map[string]Session
}

// RoomRouter maintains the membership of sessions in rooms and fans events
// out to them.
type RoomRouter struct {
	mu    sync.RWMutex
	rooms map[RoomKey]*room
	// joined tracks the rooms of every session so they can be left on disconnect.
	joined map[string]map[RoomKey]struct{}

	groups GroupStore
	logger *slog.Logger
}

func NewRoomRouter(groups GroupStore, logger *slog.Logger) *RoomRouter {
	return &RoomRouter{
		rooms:  make(map[RoomKey]*room),
		joined: make(map[string]map[RoomKey]struct{}),
		groups: groups,
		logger: logger,
	}
}

// Join adds the session to the room. Joining twice is a no-op.
func (r *RoomRouter) Join(s Session, key RoomKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[key]
	if !ok {
		rm = &room{members: make(map[string]Session)}
		r.rooms[key] = rm
	}
	rm.mu.Lock()
	rm.members[s.ID()] = s
	rm.mu.Unlock()

	keys, ok := r.joined[s.ID()]
	if !ok {
		keys = make(map[RoomKey]struct{})
		r.joined[s.ID()] = keys
	}
	keys[key] = struct{}{}
}

func (r *RoomRouter) Leave(s Session, key RoomKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(s.ID(), key)
}

// LeaveAll removes the session from every room it joined.
func (r *RoomRouter) LeaveAll(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.joined[s.ID()] {
		r.removeLocked(s.ID(), key)
	}
	delete(r.joined, s.ID())
}

// Dissolve removes every member of the room.
func (r *RoomRouter) Dissolve(key RoomKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[key]
	if !ok {
		return
	}
	rm.mu.RLock()
	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	rm.mu.RUnlock()
	for _, id := range ids {
		r.removeLocked(id, key)
	}
}

// removeLocked must be called with r.mu held.
func (r *RoomRouter) removeLocked(sessionID string, key RoomKey) {
	if keys, ok := r.joined[sessionID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.joined, sessionID)
		}
	}
	rm, ok := r.rooms[key]
	if !ok {
		return
	}
	rm.mu.Lock()
	delete(rm.members, sessionID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if empty {
		delete(r.rooms, key)
	}
}

// Broadcast sends the event to every session in the room except exclude.
// Broadcasting to an empty or unknown room is a no-op. It returns the
// number of sessions the event was queued for.
func (r *RoomRouter) Broadcast(key RoomKey, e *Event, exclude Session) int {
	r.mu.RLock()
	rm, ok := r.rooms[key]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	var excludeID string
	if exclude != nil {
		excludeID = exclude.ID()
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	n := 0
	for id, s := range rm.members {
		if id == excludeID {
			continue
		}
		if err := s.Send(e); err != nil {
			r.logger.Debug(fmt.Sprintf("send %s to %s: %v", e.Type, id, err), slog.String("room", key.String()))
			continue
		}
		n++
	}
	return n
}

// BroadcastMany sends the event once to every session joined to any of
// the rooms, except exclude.
func (r *RoomRouter) BroadcastMany(keys []RoomKey, e *Event, exclude Session) int {
	if len(keys) == 1 {
		return r.Broadcast(keys[0], e, exclude)
	}

	targets := make(map[string]Session)
	r.mu.RLock()
	for _, key := range keys {
		rm, ok := r.rooms[key]
		if !ok {
			continue
		}
		rm.mu.RLock()
		for id, s := range rm.members {
			targets[id] = s
		}
		rm.mu.RUnlock()
	}
	r.mu.RUnlock()

	if exclude != nil {
		delete(targets, exclude.ID())
	}
	n := 0
	for id, s := range targets {
		if err := s.Send(e); err != nil {
			r.logger.Debug(fmt.Sprintf("send %s to %s: %v", e.Type, id, err))
			continue
		}
		n++
	}
	return n
}

// SendToUser sends the event to every session of the user.
func (r *RoomRouter) SendToUser(userID int64, e *Event) int {
	return r.Broadcast(UserRoomKey(userID), e, nil)
}

// Members returns the distinct identities joined to the room.
func (r *RoomRouter) Members(key RoomKey) []int64 {
	r.mu.RLock()
	rm, ok := r.rooms[key]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	seen := make(map[int64]struct{}, len(rm.members))
	ids := make([]int64, 0, len(rm.members))
	for _, s := range rm.members {
		if _, ok := seen[s.UserID()]; ok {
			continue
		}
		seen[s.UserID()] = struct{}{}
		ids = append(ids, s.UserID())
	}
	return ids
}

// IsJoined reports whether the session is a member of the room.
func (r *RoomRouter) IsJoined(s Session, key RoomKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.joined[s.ID()][key]
	return ok
}

// RoomCount returns the number of non-empty rooms.
func (r *RoomRouter) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// JoinDurableRooms joins a newly connected session to the personal room of
// its identity and to the room of every group the identity belongs to.
// It must complete before the session receives any event: messages sent to
// a group before its room is joined are not replayed.
func (r *RoomRouter) JoinDurableRooms(ctx context.Context, s Session) error {
	groupIDs, err := r.groups.GetGroupIDsForUser(ctx, s.UserID())
	if err != nil {
		return fmt.Errorf("GetGroupIDsForUser: %w", err)
	}
	r.Join(s, UserRoomKey(s.UserID()))
	for _, id := range groupIDs {
		r.Join(s, GroupRoomKey(id))
	}
	return nil
}

// JoinChat joins the session to the room of a conversation on request of
// the client. A session may only join its own personal room and the rooms
// of groups its identity belongs to.
func (r *RoomRouter) JoinChat(ctx context.Context, s Session, chatType ChatType, chatID int64) error {
	key, err := ChatRoomKey(chatType, chatID)
	if err != nil {
		return err
	}
	switch chatType {
	case UserChat:
		if chatID != s.UserID() {
			return ErrNotMember
		}
	case GroupChat:
		ok, _, err := r.groups.IsGroupMember(ctx, chatID, s.UserID())
		if err != nil {
			return fmt.Errorf("IsGroupMember: %w", err)
		}
		if !ok {
			return ErrNotMember
		}
	}
	r.Join(s, key)
	return nil
}

// LeaveChat removes the session from the room of a conversation.
func (r *RoomRouter) LeaveChat(s Session, chatType ChatType, chatID int64) error {
	key, err := ChatRoomKey(chatType, chatID)
	if err != nil {
		return err
	}
	r.Leave(s, key)
	return nil
}

// ResolveRoomsForMessage returns the rooms a message is fanned out to. A
// direct message goes to the recipient's personal room and is echoed to the
// sender's personal room; a group message goes to the group room.
func (r *RoomRouter) ResolveRoomsForMessage(m *Message) []RoomKey {
	switch m.ChatType {
	case UserChat:
		if m.ChatID == m.SenderID {
			return []RoomKey{UserRoomKey(m.ChatID)}
		}
		return []RoomKey{UserRoomKey(m.ChatID), UserRoomKey(m.SenderID)}
	case GroupChat:
		return []RoomKey{GroupRoomKey(m.ChatID)}
	default:
		return nil
	}
}

package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// SendInput is a message intent from a sender.
type SendInput struct {
	ChatType ChatType
	ChatID   int64
	Content  string
	Type     MessageType
	File     *FileData
}

// Dispatcher persists messages and fans them out to the rooms of their
// conversation. Sends that resolve to the same room are serialized from
// persist through broadcast so recipients observe persistence order.
type Dispatcher struct {
	messages   MessageStore
	groups     GroupStore
	users      UserStore
	identities *IdentityCache
	rooms      *RoomRouter
	roomLocks  *keyedMutex[string]
	logger     *slog.Logger
	now        func() time.Time
}

func NewDispatcher(messages MessageStore, groups GroupStore, users UserStore, identities *IdentityCache, rooms *RoomRouter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		messages:   messages,
		groups:     groups,
		users:      users,
		identities: identities,
		rooms:      rooms,
		roomLocks:  newKeyedMutex[string](),
		logger:     logger,
		now:        time.Now,
	}
}

// Send persists the message and broadcasts new_message to its rooms. An
// empty text message is rejected with ErrInvalidMessage. If persistence
// fails nothing is broadcast and the error wraps ErrPersistence.
func (d *Dispatcher) Send(ctx context.Context, senderID int64, in SendInput) (int64, error) {
	in.Content = strings.TrimSpace(in.Content)
	if in.Type == "" {
		in.Type = TextMessage
	}
	if in.Content == "" && in.Type == TextMessage {
		return 0, ErrInvalidMessage
	}

	switch in.ChatType {
	case GroupChat:
		ok, _, err := d.groups.IsGroupMember(ctx, in.ChatID, senderID)
		if err != nil {
			return 0, fmt.Errorf("IsGroupMember: %w", err)
		}
		if !ok {
			return 0, ErrNotMember
		}
	case UserChat:
		user, err := d.users.GetUserByID(ctx, in.ChatID)
		if err != nil {
			return 0, fmt.Errorf("GetUserByID: %w", err)
		}
		if user == nil {
			return 0, ErrInvalidUser
		}
	default:
		return 0, ErrInvalidRoom
	}

	msg, err := d.deliver(ctx, MessageCreateInput{
		Content:   in.Content,
		Type:      in.Type,
		SenderID:  senderID,
		ChatType:  in.ChatType,
		ChatID:    in.ChatID,
		File:      in.File,
		CreatedAt: d.now(),
	})
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

// Announce posts the content to every group of the community. Each group
// gets its own persisted message, broadcast right after it is persisted.
// It stops at the first persistence failure and returns the ids of the
// messages delivered so far.
func (d *Dispatcher) Announce(ctx context.Context, senderID int64, content string, communityID int64) ([]int64, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrInvalidMessage
	}

	groupIDs, err := d.groups.GetGroupIDsInCommunity(ctx, communityID)
	if err != nil {
		return nil, fmt.Errorf("GetGroupIDsInCommunity: %w", err)
	}

	ids := make([]int64, 0, len(groupIDs))
	for _, groupID := range groupIDs {
		msg, err := d.deliver(ctx, MessageCreateInput{
			Content:        content,
			Type:           AnnouncementMessage,
			SenderID:       senderID,
			ChatType:       GroupChat,
			ChatID:         groupID,
			IsAnnouncement: true,
			CreatedAt:      d.now(),
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, msg.ID)
	}
	return ids, nil
}

func (d *Dispatcher) deliver(ctx context.Context, input MessageCreateInput) (*Message, error) {
	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	sender, err := d.identities.Get(ctx, input.SenderID)
	if err != nil {
		return nil, fmt.Errorf("identity(%d): %w", input.SenderID, err)
	}

	keys := d.rooms.ResolveRoomsForMessage(&Message{
		SenderID: input.SenderID,
		ChatType: input.ChatType,
		ChatID:   input.ChatID,
	})
	lockKeys := make([]string, len(keys))
	for i, k := range keys {
		lockKeys[i] = k.String()
	}
	unlock := d.roomLocks.Lock(lockKeys...)
	defer unlock()

	msg, err := d.messages.CreateMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: CreateMessage: %w", ErrPersistence, err)
	}

	e, err := NewEvent(NewMessageEvent, NewMessagePayload{
		ID:             msg.ID,
		Content:        msg.Content,
		Type:           msg.Type,
		Sender:         sender,
		Timestamp:      msg.CreatedAt,
		ChatType:       msg.ChatType,
		ChatID:         msg.ChatID,
		File:           msg.File,
		IsAnnouncement: msg.IsAnnouncement,
	})
	if err != nil {
		return msg, err
	}

	delivered := d.rooms.BroadcastMany(keys, e, nil)
	d.logger.Debug(fmt.Sprintf("message %d fanned out to %d sessions", msg.ID, delivered),
		slog.String("chat", string(msg.ChatType)), slog.Int64("chat_id", msg.ChatID))
	return msg, nil
}

// NotifyTyping tells the other party of a direct conversation, or the other
// members of a group, that the session's identity started or stopped typing.
// Typing in a group requires the session to be joined to the group room.
func (d *Dispatcher) NotifyTyping(ctx context.Context, s Session, chatType ChatType, chatID int64, typing bool) error {
	key, err := ChatRoomKey(chatType, chatID)
	if err != nil {
		return err
	}
	if chatType == GroupChat && !d.rooms.IsJoined(s, key) {
		return ErrNotMember
	}

	identity, err := d.identities.Get(ctx, s.UserID())
	if err != nil {
		return fmt.Errorf("identity(%d): %w", s.UserID(), err)
	}

	eventType := UserStopTypingEvent
	if typing {
		eventType = UserTypingEvent
	}
	// a direct conversation is addressed to the recipient but the recipient
	// needs to know who is typing, so the chat id is the typer's id
	payload := TypingPayload{
		User:     TypingUser{ID: identity.ID, Name: identity.Name},
		ChatType: chatType,
		ChatID:   chatID,
	}
	if chatType == UserChat {
		payload.ChatID = s.UserID()
	}
	e, err := NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	d.rooms.Broadcast(key, e, s)
	return nil
}

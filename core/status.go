package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DeliveryStatus is the per-recipient lifecycle of a message. It only
// moves forward: sent, delivered, seen.
type DeliveryStatus string

const (
	Sent      DeliveryStatus = "sent"
	Delivered DeliveryStatus = "delivered"
	Seen      DeliveryStatus = "seen"
)

// Rank orders statuses; an unknown status ranks below sent.
func (s DeliveryStatus) Rank() int {
	switch s {
	case Sent:
		return 1
	case Delivered:
		return 2
	case Seen:
		return 3
	default:
		return 0
	}
}

type StatusStore interface {
	// UpsertDeliveryStatus records the status of a message for a recipient
	// unless the recorded status is already at or beyond it. It reports
	// whether the row changed.
	UpsertDeliveryStatus(ctx context.Context, messageID, userID int64, status DeliveryStatus, at time.Time) (bool, error)

	// GetDeliveryStatus reports false if no status has been recorded.
	GetDeliveryStatus(ctx context.Context, messageID, userID int64) (DeliveryStatus, bool, error)
}

// StatusTracker records delivery and read receipts and notifies the rooms
// of the conversation when a receipt advances. Only recipients of a message
// may record receipts for it.
type StatusTracker struct {
	statuses StatusStore
	messages MessageStore
	groups   GroupStore
	rooms    *RoomRouter
	logger   *slog.Logger
	now      func() time.Time
}

func NewStatusTracker(statuses StatusStore, messages MessageStore, groups GroupStore, rooms *RoomRouter, logger *slog.Logger) *StatusTracker {
	return &StatusTracker{
		statuses: statuses,
		messages: messages,
		groups:   groups,
		rooms:    rooms,
		logger:   logger,
		now:      time.Now,
	}
}

// MarkDelivered records that the message reached userID. A message that
// is already delivered or seen is left unchanged and nothing is emitted.
func (t *StatusTracker) MarkDelivered(ctx context.Context, messageID, userID int64) (bool, error) {
	return t.mark(ctx, messageID, userID, Delivered)
}

// MarkSeen records that userID has seen the message.
func (t *StatusTracker) MarkSeen(ctx context.Context, messageID, userID int64) (bool, error) {
	return t.mark(ctx, messageID, userID, Seen)
}

func (t *StatusTracker) mark(ctx context.Context, messageID, userID int64, status DeliveryStatus) (bool, error) {
	msg, err := t.messages.GetMessage(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("GetMessage: %w", err)
	}
	if msg == nil {
		return false, ErrInvalidMessage
	}
	if err := t.checkRecipient(ctx, msg, userID); err != nil {
		return false, err
	}

	changed, err := t.statuses.UpsertDeliveryStatus(ctx, messageID, userID, status, t.now())
	if err != nil {
		return false, fmt.Errorf("%w: UpsertDeliveryStatus: %w", ErrPersistence, err)
	}
	if !changed {
		return false, nil
	}

	e, err := NewEvent(MessageStatusUpdateEvent, MessageStatusPayload{
		MessageID: messageID,
		UserID:    userID,
		Status:    status,
	})
	if err != nil {
		return true, err
	}
	t.rooms.BroadcastMany(t.statusRooms(msg), e, nil)
	return true, nil
}

// checkRecipient returns ErrNotMember unless userID received the message:
// the addressee of a direct message or a member of the group.
func (t *StatusTracker) checkRecipient(ctx context.Context, m *Message, userID int64) error {
	if m.ChatType != GroupChat {
		if userID != m.ChatID {
			return ErrNotMember
		}
		return nil
	}
	ok, _, err := t.groups.IsGroupMember(ctx, m.ChatID, userID)
	if err != nil {
		return fmt.Errorf("IsGroupMember: %w", err)
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}

// statusRooms returns the rooms that observe receipts of the message: both
// parties of a direct conversation, or the group room.
func (t *StatusTracker) statusRooms(m *Message) []RoomKey {
	switch m.ChatType {
	case GroupChat:
		return []RoomKey{GroupRoomKey(m.ChatID)}
	default:
		if m.SenderID == m.ChatID {
			return []RoomKey{UserRoomKey(m.SenderID)}
		}
		return []RoomKey{UserRoomKey(m.SenderID), UserRoomKey(m.ChatID)}
	}
}

// StatusOf returns the status of the message for userID, sent when none
// has been recorded.
func (t *StatusTracker) StatusOf(ctx context.Context, messageID, userID int64) (DeliveryStatus, error) {
	status, ok, err := t.statuses.GetDeliveryStatus(ctx, messageID, userID)
	if err != nil {
		return "", fmt.Errorf("GetDeliveryStatus: %w", err)
	}
	if !ok {
		return Sent, nil
	}
	return status, nil
}

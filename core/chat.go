package core

import (
	"context"
	"errors"
	"time"
)

// ChatType is the kind of conversation a message or call targets.
type ChatType string

const (
	// UserChat is a direct conversation between two identities.
	UserChat ChatType = "user"
	// GroupChat is a conversation between the members of a group.
	GroupChat ChatType = "group"
)

// MessageType determines how the content and file data of a message
// should be interpreted.
type MessageType string

const (
	TextMessage         MessageType = "text"
	ImageMessage        MessageType = "image"
	FileMessage         MessageType = "file"
	VoiceMessage        MessageType = "voice"
	AnnouncementMessage MessageType = "announcement"
)

type MemberRole string

const (
	Owner  MemberRole = "owner"
	Admin  MemberRole = "admin"
	Member MemberRole = "member"
)

// FileData describes the attachment of a non-text message.
type FileData struct {
	URL  string `json:"url,omitempty" validate:"omitempty,max=2048"`
	Name string `json:"name,omitempty" validate:"omitempty,max=255"`
	Size string `json:"size,omitempty" validate:"omitempty,max=32"`
	// Duration is the length of a voice message in seconds.
	Duration int `json:"duration,omitempty" validate:"gte=0"`
}

// Message is immutable once created.
type Message struct {
	ID             int64       `json:"id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	SenderID       int64       `json:"sender_id"`
	ChatType       ChatType    `json:"chat_type"`
	ChatID         int64       `json:"chat_id"`
	File           *FileData   `json:"file_data,omitempty"`
	IsAnnouncement bool        `json:"is_announcement"`
	CreatedAt      time.Time   `json:"created_at"`
}

// MessageWithStatus is a message as seen by one viewer, together with the
// viewer's own delivery status row.
type MessageWithStatus struct {
	Message
	SenderName string         `json:"sender_name"`
	Status     DeliveryStatus `json:"status"`
}

// MessageCreateInput represents the input for creating a message.
type MessageCreateInput struct {
	Content        string      `validate:"max=4096"`
	Type           MessageType `validate:"required,oneof=text image file voice announcement"`
	SenderID       int64       `validate:"required"`
	ChatType       ChatType    `validate:"required,oneof=user group"`
	ChatID         int64       `validate:"required"`
	File           *FileData
	IsAnnouncement bool
	CreatedAt      time.Time
}

// Validate validates the message input.
func (m *MessageCreateInput) Validate() error {
	return validate.Struct(m)
}

type Community struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Group struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	CommunityID int64  `json:"community_id,omitempty"`
}

// ChatSummary is one entry of the conversation list of an identity.
type ChatSummary struct {
	ChatType      ChatType   `json:"chat_type"`
	ChatID        int64      `json:"chat_id"`
	Name          string     `json:"name"`
	LastMessage   string     `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

var (
	// ErrInvalidMessage is returned when a message is invalid or unknown.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidGroup is returned when a group or community is not found.
	ErrInvalidGroup = errors.New("invalid group")
)

type MessageStore interface {
	// CreateMessage persists the message and returns it with its generated id.
	CreateMessage(ctx context.Context, input MessageCreateInput) (*Message, error)

	// GetMessage returns nil if the message does not exist.
	GetMessage(ctx context.Context, id int64) (*Message, error)

	// GetMessages returns the conversation ordered by creation time, each
	// message joined with the viewer's own status row (sent when absent).
	// For a user chat chatID is the other participant.
	GetMessages(ctx context.Context, viewerID int64, chatType ChatType, chatID int64, limit int) ([]MessageWithStatus, error)
}

type GroupStore interface {
	CreateCommunity(ctx context.Context, name string, owner int64) (int64, error)

	// CreateGroup creates a group owned by owner. communityID may be zero.
	CreateGroup(ctx context.Context, name string, communityID int64, owner int64) (int64, error)

	AddGroupMember(ctx context.Context, groupID, userID int64, role MemberRole) error

	// RemoveGroupMember returns ErrNotMember if the user is not in the group.
	RemoveGroupMember(ctx context.Context, groupID, userID int64) error

	// JoinCommunity adds the user to the community. Joining twice is a no-op.
	JoinCommunity(ctx context.Context, communityID, userID int64) error

	// JoinGroup adds the user to the group as a member. Only members of the
	// community of the group may join it; ErrNotMember is returned otherwise.
	JoinGroup(ctx context.Context, groupID, userID int64) error

	// GetChats returns the groups of the user and every identity it has
	// exchanged direct messages with, most recently active first.
	GetChats(ctx context.Context, userID int64) ([]ChatSummary, error)

	GetGroupIDsForUser(ctx context.Context, userID int64) ([]int64, error)

	GetGroupIDsInCommunity(ctx context.Context, communityID int64) ([]int64, error)

	IsGroupMember(ctx context.Context, groupID, userID int64) (bool, MemberRole, error)

	// GetContacts returns every identity that shares a group with the user
	// or has exchanged a direct message with the user.
	GetContacts(ctx context.Context, userID int64) ([]int64, error)
}

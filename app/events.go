package huddle

import (
	"encoding/json"

	"github.com/putto11262002/huddle/core"
)

// Inbound event types.
const (
	JoinChatEvent           = "join_chat"
	LeaveChatEvent          = "leave_chat"
	SendMessageEvent        = "send_message"
	SendAnnouncementEvent   = "send_announcement"
	TypingStartEvent        = "typing_start"
	TypingStopEvent         = "typing_stop"
	MessageDeliveredEvent   = "message_delivered"
	MessageSeenEvent        = "message_seen"
	IsOnlineEvent           = "is_online"
	StartCallEvent          = "start_call"
	AnswerCallEvent         = "answer_call"
	JoinCallRoomEvent       = "join_call_room"
	EndCallEvent            = "end_call"
	WebRTCOfferEvent        = "webrtc_offer"
	WebRTCAnswerEvent       = "webrtc_answer"
	WebRTCIceCandidateEvent = "webrtc_ice_candidate"
)

// errorEvents maps inbound event types to the event a failure is reported
// to the sending session with. Failures of other events are only logged.
var errorEvents = map[string]string{
	SendMessageEvent:        core.MessageErrorEvent,
	SendAnnouncementEvent:   core.MessageErrorEvent,
	StartCallEvent:          core.CallErrorEvent,
	AnswerCallEvent:         core.CallErrorEvent,
	JoinCallRoomEvent:       core.CallErrorEvent,
	EndCallEvent:            core.CallErrorEvent,
	WebRTCOfferEvent:        core.CallErrorEvent,
	WebRTCAnswerEvent:       core.CallErrorEvent,
	WebRTCIceCandidateEvent: core.CallErrorEvent,
}

type ChatPayload struct {
	ChatType core.ChatType `json:"chat_type" validate:"required,oneof=user group"`
	ChatID   int64         `json:"chat_id" validate:"required"`
}

type SendMessagePayload struct {
	ChatPayload
	Content     string           `json:"content" validate:"max=4096"`
	MessageType core.MessageType `json:"message_type" validate:"omitempty,oneof=text image file voice"`
	FileData    *core.FileData   `json:"file_data"`
}

type SendAnnouncementPayload struct {
	Content     string `json:"content" validate:"max=4096"`
	CommunityID int64  `json:"community_id" validate:"required"`
}

type ReceiptPayload struct {
	MessageID int64 `json:"message_id" validate:"required"`
	// UserID defaults to the identity of the session.
	UserID int64 `json:"user_id"`
}

type IsOnlinePayload struct {
	UserID int64 `json:"user_id" validate:"required"`
}

type StartCallPayload struct {
	Type       core.CallType `json:"type" validate:"required,oneof=audio video"`
	TargetType core.ChatType `json:"target_type" validate:"required,oneof=user group"`
	TargetID   int64         `json:"target_id" validate:"required"`
}

type CallPayload struct {
	CallID string `json:"call_id" validate:"required"`
}

// SignalPayload carries one WebRTC signal. Only the field named after the
// event is relayed. TargetID addresses a single peer, zero addresses
// everyone in the call.
type SignalPayload struct {
	CallID    string          `json:"call_id" validate:"required"`
	Offer     json.RawMessage `json:"offer"`
	Answer    json.RawMessage `json:"answer"`
	Candidate json.RawMessage `json:"candidate"`
	TargetID  int64           `json:"target_id"`
}

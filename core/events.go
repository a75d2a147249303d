package core

import (
	"encoding/json"
	"time"
)

// Outbound event types.
const (
	UserStatusEvent          = "user_status"
	NewMessageEvent          = "new_message"
	UserTypingEvent          = "user_typing"
	UserStopTypingEvent      = "user_stop_typing"
	IncomingCallEvent        = "incoming_call"
	CallAnsweredEvent        = "call_answered"
	JoinCallRoomEvent        = "join_call_room"
	WebRTCOfferEvent         = "webrtc_offer"
	WebRTCAnswerEvent        = "webrtc_answer"
	WebRTCIceCandidateEvent  = "webrtc_ice_candidate"
	CallEndedEvent           = "call_ended"
	CallErrorEvent           = "call_error"
	MessageStatusUpdateEvent = "message_status_update"
	MessageErrorEvent        = "message_error"
)

type UserStatusPayload struct {
	UserID int64         `json:"user_id"`
	Status PresenceState `json:"status"`
}

type NewMessagePayload struct {
	ID             int64       `json:"id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	Sender         Identity    `json:"sender"`
	Timestamp      time.Time   `json:"timestamp"`
	ChatType       ChatType    `json:"chat_type"`
	ChatID         int64       `json:"chat_id"`
	File           *FileData   `json:"file_data,omitempty"`
	IsAnnouncement bool        `json:"is_announcement,omitempty"`
}

type TypingUser struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type TypingPayload struct {
	User     TypingUser `json:"user"`
	ChatType ChatType   `json:"chat_type"`
	ChatID   int64      `json:"chat_id"`
}

type IncomingCallPayload struct {
	CallID     string   `json:"call_id"`
	Type       CallType `json:"type"`
	Caller     Identity `json:"caller"`
	TargetType ChatType `json:"target_type"`
	TargetID   int64    `json:"target_id"`
}

type CallAnsweredPayload struct {
	CallID   string   `json:"call_id"`
	Answerer Identity `json:"answerer"`
}

type JoinCallRoomPayload struct {
	CallID string `json:"call_id"`
}

// SignalPayload carries exactly one of offer, answer or candidate.
type SignalPayload struct {
	CallID     string          `json:"call_id"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	FromUserID int64           `json:"from_user_id"`
}

type CallEndedPayload struct {
	CallID  string `json:"call_id"`
	EndedBy int64  `json:"ended_by"`
	Reason  string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type MessageStatusPayload struct {
	MessageID int64          `json:"message_id"`
	UserID    int64          `json:"user_id"`
	Status    DeliveryStatus `json:"status"`
}

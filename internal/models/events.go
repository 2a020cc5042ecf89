package models

import "encoding/json"

type EventType string

// Server to client.
const (
	EventUserID       EventType = "userId"
	EventChatMessage  EventType = "chatMessage"
	EventStatusUpdate EventType = "statusUpdate"
	EventError        EventType = "error"
)

// Client to server.
const (
	EventJoinGroup   EventType = "joinGroup"
	EventLeaveGroup  EventType = "leaveGroup"
	EventSendMessage EventType = "sendMessage"
)

// Event is the envelope for every websocket frame in both directions.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an envelope.
func NewEvent(t EventType, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: t, Payload: raw}, nil
}

type UserIDPayload struct {
	UserID string `json:"userId"`
}

type GroupPayload struct {
	GroupID string `json:"groupId"`
}

// SendMessagePayload is submitted by a client. Exactly one of Recipient and
// Group must be set, and exactly one of Content and File.
type SendMessagePayload struct {
	Recipient string          `json:"recipient,omitempty"`
	Group     string          `json:"group,omitempty"`
	Content   string          `json:"content,omitempty"`
	File      *FileDescriptor `json:"file,omitempty"`
	TempID    string          `json:"tempId"`
}

type StatusUpdatePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Error codes carried by ErrorPayload.
const (
	CodeAuthenticationFailure   = "AUTHENTICATION_FAILURE"
	CodePermissionDenied        = "PERMISSION_DENIED"
	CodeInvalidDestination      = "INVALID_DESTINATION"
	CodeRecipientKeyUnavailable = "RECIPIENT_KEY_UNAVAILABLE"
	CodeStorageFailure          = "STORAGE_FAILURE"
	CodeTransportFailure        = "TRANSPORT_FAILURE"
	CodeInvalidFrame            = "INVALID_FRAME"
	CodeNotAMember              = "NOT_A_MEMBER"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TempID  string `json:"tempId,omitempty"`
	GroupID string `json:"groupId,omitempty"`
}

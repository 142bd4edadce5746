package websocket

import (
	"encoding/json"
	"time"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Server -> Client event types
	TypeCalendarSyncCompleted MessageType = "calendar.sync_completed"
	TypeCalendarSyncSkipped   MessageType = "calendar.sync_skipped"
	TypeCalendarSyncError     MessageType = "calendar.sync_error"
	TypeEmailSyncCompleted    MessageType = "email.sync_completed"
	TypeEmailSyncError        MessageType = "email.sync_error"
	TypeBookingsEnriched      MessageType = "bookings.enriched"
	TypeBookingsReset         MessageType = "bookings.reset"
	TypeNotification          MessageType = "notification"

	// Client -> Server command types
	TypePing MessageType = "ping"

	// Server -> Client response types
	TypePong  MessageType = "pong"
	TypeError MessageType = "error"
)

// Message represents a WebSocket message envelope.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload"`
}

// NewMessage creates a new message with the current timestamp.
func NewMessage(msgType MessageType, payload any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// JSON serializes the message to JSON bytes.
func (m Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// CalendarSyncPayload is the payload for calendar.sync_completed and
// calendar.sync_skipped events.
type CalendarSyncPayload struct {
	RunID       string `json:"run_id,omitempty"`
	PropertyID  string `json:"property_id"`
	Status      string `json:"status"`
	EventsFound int    `json:"events_found"`
	Created     int    `json:"created"`
	Updated     int    `json:"updated"`
	Cancelled   int    `json:"cancelled"`
	Matched     int    `json:"matched"`
	Failures    int    `json:"failures"`
}

// SyncErrorPayload is the payload for calendar.sync_error and
// email.sync_error events.
type SyncErrorPayload struct {
	ScopeType string `json:"scope_type"`
	ScopeID   string `json:"scope_id"`
	Error     string `json:"error"`
	Message   string `json:"message"`
}

// EmailSyncPayload is the payload for email.sync_completed events.
type EmailSyncPayload struct {
	RunID           string `json:"run_id,omitempty"`
	ConnectionID    string `json:"connection_id"`
	Status          string `json:"status"`
	MessagesFound   int    `json:"messages_found"`
	FactsCreated    int    `json:"facts_created"`
	FactsUpdated    int    `json:"facts_updated"`
	BookingsMatched int    `json:"bookings_matched"`
}

// BookingsPayload is the payload for bookings.enriched and bookings.reset events.
type BookingsPayload struct {
	ScopeType string `json:"scope_type"`
	ScopeID   string `json:"scope_id"`
	Count     int    `json:"count"`
}

// NotificationPayload is the payload for notification events.
type NotificationPayload struct {
	Level       string `json:"level"` // info, warning, error, success
	Title       string `json:"title"`
	Message     string `json:"message"`
	Dismissible bool   `json:"dismissible"`
}

// ErrorPayload is the payload for error messages.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	OriginalType string `json:"original_type,omitempty"`
}

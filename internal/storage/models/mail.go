package models

import (
	"time"
)

// MailConnection is a connected mailbox that receives platform confirmation emails.
// PropertyID is set when the mailbox only serves one property.
type MailConnection struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	PropertyID  *string   `json:"property_id,omitempty"`
	Label       string    `json:"label"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// MailMessage is raw message content handed over by the mail collaborator.
type MailMessage struct {
	ID           string     `json:"id"`
	ConnectionID string     `json:"connection_id"`
	MessageID    string     `json:"message_id"`
	Subject      string     `json:"subject"`
	Sender       string     `json:"sender"`
	Body         string     `json:"body"`
	ReceivedAt   time.Time  `json:"received_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

// ReservationFact holds what could be extracted from one email message.
// Empty strings and zero counts mean "not extracted".
type ReservationFact struct {
	ID                 string    `json:"id"`
	ConnectionID       string    `json:"connection_id"`
	PropertyID         *string   `json:"property_id,omitempty"`
	MessageRef         string    `json:"message_ref"`
	Platform           string    `json:"platform"`
	CheckIn            string    `json:"check_in"`
	CheckOut           string    `json:"check_out"`
	GuestName          string    `json:"guest_name"`
	GuestCount         int       `json:"guest_count"`
	NameConfidence     int       `json:"name_confidence"`
	CountConfidence    int       `json:"count_confidence"`
	DatesConfidence    int       `json:"dates_confidence"`
	PlatformConfidence int       `json:"platform_confidence"`
	ExtractedAt        time.Time `json:"extracted_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// FactDateLayout is the storage layout of fact stay dates.
const FactDateLayout = "2006-01-02"

// HasDates reports whether both stay dates were extracted.
func (f *ReservationFact) HasDates() bool {
	return f.CheckIn != "" && f.CheckOut != ""
}

// IsComplete reports whether both guest name and guest count are present.
func (f *ReservationFact) IsComplete() bool {
	return f.GuestName != "" && f.GuestCount > 0
}

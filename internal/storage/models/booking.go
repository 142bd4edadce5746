package models

import (
	"time"
)

// Booking is one row of a property's canonical booking ledger.
type Booking struct {
	ID                 string     `json:"id"`
	PropertyID         string     `json:"property_id"`
	ExternalID         *string    `json:"external_id,omitempty"`
	SourceType         string     `json:"source_type"`
	FeedID             *string    `json:"feed_id,omitempty"`
	CheckIn            time.Time  `json:"check_in"`
	CheckOut           time.Time  `json:"check_out"`
	AllDay             bool       `json:"all_day"`
	GuestName          string     `json:"guest_name"`
	GuestCount         int        `json:"guest_count"`
	IsActive           bool       `json:"is_active"`
	ManualGuestName    *string    `json:"manual_guest_name,omitempty"`
	ManualConnectionID *string    `json:"manual_connection_id,omitempty"`
	EnrichedAt         *time.Time `json:"enriched_at,omitempty"`
	EnrichmentFactID   *string    `json:"enrichment_fact_id,omitempty"`
	LastSyncedAt       *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// SourceTypeDirect marks bookings entered by hand rather than imported from a feed.
const SourceTypeDirect = "direct"

// Enrichment status values, derived from the booking's fields.
const (
	EnrichmentUnmatched  = "unmatched"
	EnrichmentMatched    = "matched"
	EnrichmentOverridden = "overridden"
)

// EnrichmentStatus reports where the booking sits in the
// unmatched -> matched -> overridden progression.
func (b *Booking) EnrichmentStatus() string {
	switch {
	case b.ManualGuestName != nil && *b.ManualGuestName != "":
		return EnrichmentOverridden
	case b.EnrichedAt != nil:
		return EnrichmentMatched
	default:
		return EnrichmentUnmatched
	}
}

// DisplayGuestName returns the guest identity shown to users.
// A manual override always wins over automated data.
func (b *Booking) DisplayGuestName() string {
	if b.ManualGuestName != nil && *b.ManualGuestName != "" {
		return *b.ManualGuestName
	}
	return b.GuestName
}

// FeedRef returns the originating feed id, or "" for manual rows.
func (b *Booking) FeedRef() string {
	if b.FeedID == nil {
		return ""
	}
	return *b.FeedID
}

// ExternalRef returns the feed UID, or "" for legacy and manual rows.
func (b *Booking) ExternalRef() string {
	if b.ExternalID == nil {
		return ""
	}
	return *b.ExternalID
}

// Package models contains the domain models for the application.
package models

import (
	"time"
)

// Property is a rental unit whose calendar is reconciled into a booking ledger.
type Property struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Timezone    string    `json:"timezone"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Location returns the property's timezone, falling back to UTC.
func (p *Property) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Feed is an iCal feed published by a booking platform for one property.
type Feed struct {
	ID              string     `json:"id"`
	PropertyID      string     `json:"property_id"`
	Label           string     `json:"label"`
	URL             string     `json:"url"`
	Platform        string     `json:"platform"`
	Active          bool       `json:"active"`
	SyncIntervalMin int        `json:"sync_interval_min"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	SyncStatus      string     `json:"sync_status"`
	SyncError       *string    `json:"sync_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SyncStatus constants
const (
	SyncStatusPending = "pending"
	SyncStatusSyncing = "syncing"
	SyncStatusSuccess = "success"
	SyncStatusError   = "error"
)

// CalendarEvent represents a parsed event from an iCal feed.
type CalendarEvent struct {
	UID         string    `json:"uid"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
}

// Candidate is a provisional booking derived from one calendar event.
type Candidate struct {
	PropertyID string
	FeedID     string
	ExternalID string
	SourceType string
	CheckIn    time.Time
	CheckOut   time.Time
	AllDay     bool
	GuestName  string
}

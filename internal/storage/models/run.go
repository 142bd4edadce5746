package models

import (
	"time"
)

// SyncRun is one append-only audit log entry.
type SyncRun struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	ScopeType   string     `json:"scope_type"`
	ScopeID     string     `json:"scope_id"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Status      string     `json:"status"`
	EventsFound int        `json:"events_found"`
	Processed   int        `json:"processed"`
	Matched     int        `json:"matched"`
	Errors      int        `json:"errors"`
	Detail      string     `json:"detail,omitempty"`
}

// Run kinds
const (
	RunKindCalendar    = "calendar"
	RunKindEmail       = "email"
	RunKindEnrichment  = "enrichment"
	RunKindReset       = "reset"
	RunKindFeedDisable = "feed_disable"
)

// Run scopes
const (
	ScopeProperty   = "property"
	ScopeFeed       = "feed"
	ScopeConnection = "connection"
)

// Run status values. Skipped runs are declined by the concurrency guard
// and never count as a successful run for freshness checks.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusFailure = "failure"
	RunStatusSkipped = "skipped"
)

// ItemFailure records one feed, candidate or message that could not be handled.
type ItemFailure struct {
	Item  string `json:"item"`
	Error string `json:"error"`
}

// FeedSyncResult contains the results of reconciling one feed.
type FeedSyncResult struct {
	FeedID      string `json:"feed_id"`
	FeedLabel   string `json:"feed_label"`
	EventsFound int    `json:"events_found"`
	Created     int    `json:"created"`
	Updated     int    `json:"updated"`
	Cancelled   int    `json:"cancelled"`
	Suppressed  int    `json:"suppressed"`
	Skipped     int    `json:"skipped"`
	Error       string `json:"error,omitempty"`
}

// SyncSummary is returned by a property calendar sync.
type SyncSummary struct {
	RunID       string           `json:"run_id,omitempty"`
	PropertyID  string           `json:"property_id"`
	Status      string           `json:"status"`
	Skipped     bool             `json:"skipped"`
	EventsFound int              `json:"events_found"`
	Processed   int              `json:"processed"`
	Matched     int              `json:"matched"`
	Feeds       []FeedSyncResult `json:"feeds"`
	Failures    []ItemFailure    `json:"failures"`
	SyncedAt    time.Time        `json:"synced_at"`
}

// EmailSummary is returned by a mail connection sync.
type EmailSummary struct {
	RunID           string        `json:"run_id,omitempty"`
	ConnectionID    string        `json:"connection_id"`
	Status          string        `json:"status"`
	Skipped         bool          `json:"skipped"`
	MessagesFound   int           `json:"messages_found"`
	FactsCreated    int           `json:"facts_created"`
	FactsUpdated    int           `json:"facts_updated"`
	BookingsMatched int           `json:"bookings_matched"`
	Failures        []ItemFailure `json:"failures"`
	SyncedAt        time.Time     `json:"synced_at"`
}

// StatusFor derives a run status from processed and failed counts.
func StatusFor(processed, failed int) string {
	switch {
	case failed == 0:
		return RunStatusSuccess
	case processed > 0:
		return RunStatusPartial
	default:
		return RunStatusFailure
	}
}

package calendar

import (
	"time"

	"github.com/stay-ledger/backend/internal/guest"
	"github.com/stay-ledger/backend/internal/storage/models"
)

// Normalize converts a parsed event into a candidate booking for the feed's property.
// Date-only events are pinned to UTC midnight of their calendar date so the
// stored instant does not depend on the server's zone; timed events keep
// their instant.
func Normalize(feed *models.Feed, event models.CalendarEvent) models.Candidate {
	checkIn := event.Start.UTC()
	checkOut := event.End.UTC()
	if event.AllDay {
		checkIn = dateOnly(event.Start)
		checkOut = dateOnly(event.End)
	}

	sourceType := feed.Platform
	if sourceType == "" {
		sourceType = guest.PlatformFromURL(feed.URL)
	}

	return models.Candidate{
		PropertyID: feed.PropertyID,
		FeedID:     feed.ID,
		ExternalID: event.UID,
		SourceType: sourceType,
		CheckIn:    checkIn,
		CheckOut:   checkOut,
		AllDay:     event.AllDay,
		GuestName:  guest.FromSummary(event.Summary),
	}
}

// NormalizeAll converts every event of one feed.
func NormalizeAll(feed *models.Feed, events []models.CalendarEvent) []models.Candidate {
	candidates := make([]models.Candidate, 0, len(events))
	for _, e := range events {
		candidates = append(candidates, Normalize(feed, e))
	}
	return candidates
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Package calendar turns published iCal feeds into a property's booking ledger.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/stay-ledger/backend/internal/storage/models"
)

// FetchError reports that one feed could not be retrieved or parsed.
// It never aborts sibling feeds of the same property.
type FetchError struct {
	FeedID     string
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	target := e.URL
	if e.FeedID != "" {
		target = "feed " + e.FeedID
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching %s: calendar returned status %d", target, e.StatusCode)
	}
	return fmt.Sprintf("fetching %s: %v", target, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetcher downloads and parses iCal feeds.
type Fetcher struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewFetcher creates a fetcher whose requests are bounded by timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
}

// Fetch downloads the feed at url and parses its events.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]models.CalendarEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	events, err := Parse(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	return events, nil
}

// Parse reads an iCal document and returns its VEVENTs.
// An empty body or a calendar without events yields no events and no error.
// Events without a UID or a start are dropped.
func Parse(r io.Reader) ([]models.CalendarEvent, error) {
	cal, err := ical.NewDecoder(r).Decode()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parsing calendar: %w", err)
	}

	var events []models.CalendarEvent
	for _, ev := range cal.Events() {
		event, ok := toCalendarEvent(ev)
		if !ok {
			continue
		}
		events = append(events, event)
	}

	return events, nil
}

func toCalendarEvent(ev ical.Event) (models.CalendarEvent, bool) {
	uid := propText(ev.Props, ical.PropUID)
	start := ev.Props.Get(ical.PropDateTimeStart)
	if uid == "" || start == nil {
		return models.CalendarEvent{}, false
	}

	startTime, err := start.DateTime(time.UTC)
	if err != nil {
		return models.CalendarEvent{}, false
	}
	allDay := isDateOnly(start)

	var endTime time.Time
	if end := ev.Props.Get(ical.PropDateTimeEnd); end != nil {
		endTime, err = end.DateTime(time.UTC)
		if err != nil {
			return models.CalendarEvent{}, false
		}
	}
	if endTime.IsZero() {
		// A date-only event without DTEND lasts one day; a timed one is instantaneous.
		if allDay {
			endTime = startTime.AddDate(0, 0, 1)
		} else {
			endTime = startTime
		}
	}

	return models.CalendarEvent{
		UID:         uid,
		Summary:     propText(ev.Props, ical.PropSummary),
		Description: propText(ev.Props, ical.PropDescription),
		Start:       startTime,
		End:         endTime,
		AllDay:      allDay,
	}, true
}

func isDateOnly(prop *ical.Prop) bool {
	if prop.ValueType() == ical.ValueDate {
		return true
	}
	return len(strings.TrimSpace(prop.Value)) == len("20060102")
}

func propText(props ical.Props, name string) string {
	prop := props.Get(name)
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		return strings.TrimSpace(prop.Value)
	}
	return strings.TrimSpace(text)
}

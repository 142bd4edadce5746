// Package enrich joins reservation facts extracted from email to the
// calendar-derived booking ledger.
package enrich

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stay-ledger/backend/internal/guest"
	"github.com/stay-ledger/backend/internal/storage"
	"github.com/stay-ledger/backend/internal/storage/models"
)

// MatchResult counts what one enrichment pass did.
type MatchResult struct {
	RunID      string               `json:"run_id,omitempty"`
	PropertyID string               `json:"property_id"`
	Candidates int                  `json:"candidates"`
	Facts      int                  `json:"facts"`
	Matched    int                  `json:"matched"`
	Unchanged  int                  `json:"unchanged"`
	Failures   []models.ItemFailure `json:"failures"`
}

// Matcher correlates bookings lacking a confirmed guest identity with
// reservation facts and writes the best match into the ledger.
type Matcher struct {
	db         *storage.DB
	properties *storage.PropertyRepository
	bookings   *storage.BookingRepository
	mail       *storage.MailRepository
	runs       *storage.RunRepository
	daySlack   int
	logger     logrus.FieldLogger
	now        func() time.Time
}

// NewMatcher creates an enrichment matcher. daySlack is the number of days
// either stay date may differ by and still count as the same stay.
func NewMatcher(
	db *storage.DB,
	properties *storage.PropertyRepository,
	bookings *storage.BookingRepository,
	mail *storage.MailRepository,
	runs *storage.RunRepository,
	daySlack int,
	logger logrus.FieldLogger,
) *Matcher {
	if daySlack < 0 {
		daySlack = 0
	}
	return &Matcher{
		db:         db,
		properties: properties,
		bookings:   bookings,
		mail:       mail,
		runs:       runs,
		daySlack:   daySlack,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// EnrichProperty matches the property's unconfirmed bookings against the
// facts it may use, and records the pass as an enrichment run.
func (m *Matcher) EnrichProperty(ctx context.Context, propertyID string) (*MatchResult, error) {
	property, err := m.properties.GetByID(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	if property == nil {
		return nil, fmt.Errorf("property %s: %w", propertyID, storage.ErrNotFound)
	}

	run, err := m.runs.Start(ctx, models.RunKindEnrichment, models.ScopeProperty, propertyID)
	if err != nil {
		return nil, err
	}

	result := &MatchResult{RunID: run.ID, PropertyID: propertyID, Failures: []models.ItemFailure{}}
	matchErr := m.db.Transaction(ctx, func(tx *sql.Tx) error {
		return m.match(ctx, tx, property, result)
	})

	run.Processed = result.Candidates
	run.Matched = result.Matched
	run.Errors = len(result.Failures)
	run.Status = models.StatusFor(result.Candidates-len(result.Failures), len(result.Failures))
	if matchErr != nil {
		run.Status = models.RunStatusFailure
		run.Errors++
		result.Failures = append(result.Failures, models.ItemFailure{Item: "property " + propertyID, Error: matchErr.Error()})
	}
	run.Detail = detailJSON(result)

	if err := m.runs.Finish(ctx, run); err != nil {
		m.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to record enrichment run")
	}
	if matchErr != nil {
		return result, fmt.Errorf("enriching property %s: %w", propertyID, matchErr)
	}

	if result.Matched > 0 {
		m.logger.WithFields(logrus.Fields{
			"property_id": propertyID,
			"run_id":      run.ID,
			"matched":     result.Matched,
		}).Info("Bookings enriched")
	}

	return result, nil
}

func (m *Matcher) match(ctx context.Context, tx *sql.Tx, property *models.Property, result *MatchResult) error {
	bookings := m.bookings.WithTx(tx)
	mail := m.mail.WithTx(tx)

	active, err := bookings.ListActiveByProperty(ctx, property.ID)
	if err != nil {
		return err
	}
	facts, err := mail.ListFactsForProperty(ctx, property.ID, property.WorkspaceID)
	if err != nil {
		return err
	}

	usable := facts[:0]
	for _, f := range facts {
		if f.HasDates() && (f.GuestName != "" || f.GuestCount > 0) {
			usable = append(usable, f)
		}
	}
	result.Facts = len(usable)

	// A fact describes one stay, so it may stand behind one booking only.
	// Unassigned facts are shared across the workspace, so claims are too.
	claimed, err := bookings.ListFactClaims(ctx, property.WorkspaceID)
	if err != nil {
		return err
	}

	loc := property.Location()
	now := m.now()

	for i := range active {
		b := &active[i]
		if !needsEnrichment(b) {
			continue
		}
		result.Candidates++

		in, out := stayDates(b, loc)
		best, ok := m.best(in, out, usable, claimed, b.ID)
		if !ok {
			continue
		}

		if !apply(b, best.fact, now) {
			result.Unchanged++
			continue
		}
		if err := bookings.ApplyEnrichment(ctx, b); err != nil {
			return err
		}
		claimed[best.fact.ID] = b.ID
		result.Matched++

		m.logger.WithFields(logrus.Fields{
			"property_id": property.ID,
			"booking_id":  b.ID,
			"fact_id":     best.fact.ID,
			"exact":       best.exact,
		}).Debug("Booking matched to reservation fact")
	}

	return nil
}

// needsEnrichment selects active bookings without a confirmed guest
// identity. Overridden bookings are never candidates.
func needsEnrichment(b *models.Booking) bool {
	if !b.IsActive || b.EnrichmentStatus() == models.EnrichmentOverridden {
		return false
	}
	return guest.IsPlaceholder(b.GuestName) || b.EnrichedAt == nil
}

// stayDates returns the calendar dates of a booking. Date-only bookings are
// stored at UTC midnight; timed ones are read in the property's zone.
func stayDates(b *models.Booking, loc *time.Location) (time.Time, time.Time) {
	if b.AllDay {
		return civil(b.CheckIn.UTC()), civil(b.CheckOut.UTC())
	}
	return civil(b.CheckIn.In(loc)), civil(b.CheckOut.In(loc))
}

func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type candidate struct {
	fact  *models.ReservationFact
	exact bool
}

// best picks the fact for a stay. Preference order: exact dates over slack,
// the most recently extracted, complete facts (name and count) over partial
// ones, then the lowest id so the choice is deterministic.
func (m *Matcher) best(in, out time.Time, facts []models.ReservationFact, claimed map[string]string, bookingID string) (candidate, bool) {
	var found []candidate
	for i := range facts {
		f := &facts[i]
		if owner, ok := claimed[f.ID]; ok && owner != bookingID {
			continue
		}
		fin, err1 := time.Parse(models.FactDateLayout, f.CheckIn)
		fout, err2 := time.Parse(models.FactDateLayout, f.CheckOut)
		if err1 != nil || err2 != nil {
			continue
		}

		exact := fin.Equal(in) && fout.Equal(out)
		if !exact && !(withinDays(fin, in, m.daySlack) && withinDays(fout, out, m.daySlack)) {
			continue
		}
		found = append(found, candidate{fact: f, exact: exact})
	}
	if len(found) == 0 {
		return candidate{}, false
	}

	sort.Slice(found, func(i, j int) bool {
		a, b := found[i], found[j]
		if a.exact != b.exact {
			return a.exact
		}
		if !a.fact.ExtractedAt.Equal(b.fact.ExtractedAt) {
			return a.fact.ExtractedAt.After(b.fact.ExtractedAt)
		}
		if ac, bc := a.fact.IsComplete(), b.fact.IsComplete(); ac != bc {
			return ac
		}
		return a.fact.ID < b.fact.ID
	})

	return found[0], true
}

func withinDays(a, b time.Time, days int) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= time.Duration(days)*24*time.Hour
}

// apply copies guest detail from a fact onto a booking. It reports whether
// anything changed. Manual-override fields are not touched, and a name is
// only replaced by one of at least the same quality.
func apply(b *models.Booking, f *models.ReservationFact, now time.Time) bool {
	changed := false

	if f.GuestName != "" && f.GuestName != b.GuestName &&
		(guest.IsPlaceholder(b.GuestName) || guest.Quality(f.GuestName) >= guest.Quality(b.GuestName)) {
		b.GuestName = f.GuestName
		changed = true
	}
	if f.GuestCount > 0 && f.GuestCount != b.GuestCount {
		b.GuestCount = f.GuestCount
		changed = true
	}
	if b.EnrichmentFactID == nil || *b.EnrichmentFactID != f.ID {
		factID := f.ID
		b.EnrichmentFactID = &factID
		changed = true
	}
	if b.EnrichedAt == nil {
		changed = true
	}
	if changed {
		stamped := now
		b.EnrichedAt = &stamped
	}

	return changed
}

// SetManualOverride records a user-entered guest name. From then on the
// matcher leaves the booking alone until the override is cleared.
func (m *Matcher) SetManualOverride(ctx context.Context, bookingID, guestName string, connectionID *string) (*models.Booking, error) {
	guestName = strings.TrimSpace(guestName)
	if guestName == "" {
		return nil, fmt.Errorf("manual guest name is empty")
	}
	if err := m.bookings.SetManualOverride(ctx, bookingID, guestName, connectionID); err != nil {
		return nil, err
	}

	m.logger.WithField("booking_id", bookingID).Info("Manual guest override set")
	return m.bookings.GetByID(ctx, bookingID)
}

// ClearOverride is the explicit reset back to the unmatched state. It drops
// both the manual override and any automated enrichment.
func (m *Matcher) ClearOverride(ctx context.Context, bookingID string) (*models.Booking, error) {
	if err := m.bookings.ClearEnrichment(ctx, bookingID); err != nil {
		return nil, err
	}

	m.logger.WithField("booking_id", bookingID).Info("Guest enrichment reset")
	return m.bookings.GetByID(ctx, bookingID)
}

func detailJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

package calendar

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stay-ledger/backend/internal/guest"
	"github.com/stay-ledger/backend/internal/storage"
	"github.com/stay-ledger/backend/internal/storage/models"
)

// ErrReconciliationConflict marks a candidate that could not be placed in the
// ledger. The candidate is skipped and the rest of the batch continues.
var ErrReconciliationConflict = errors.New("reconciliation conflict")

// ReconcileResult counts what one feed run did to the ledger.
type ReconcileResult struct {
	Created    int
	Updated    int
	Unchanged  int
	Cancelled  int
	Suppressed int
	Failures   []models.ItemFailure
}

// Processed is the number of candidates that were placed in the ledger.
func (r *ReconcileResult) Processed() int {
	return r.Created + r.Updated + r.Unchanged + r.Suppressed
}

// Reconciler merges feed candidates into the booking ledger.
type Reconciler struct {
	db       *storage.DB
	bookings *storage.BookingRepository
	logger   logrus.FieldLogger
	now      func() time.Time
}

// NewReconciler creates a new ledger reconciler.
func NewReconciler(db *storage.DB, bookings *storage.BookingRepository, logger logrus.FieldLogger) *Reconciler {
	return &Reconciler{
		db:       db,
		bookings: bookings,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile applies the current content of one feed to the ledger in a
// single transaction. Running it twice over the same candidates leaves the
// ledger unchanged apart from last-synced stamps.
func (r *Reconciler) Reconcile(ctx context.Context, feed *models.Feed, candidates []models.Candidate) (*ReconcileResult, error) {
	result := &ReconcileResult{}
	log := r.logger.WithFields(logrus.Fields{"property_id": feed.PropertyID, "feed_id": feed.ID})

	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		run := &feedRun{
			repo:    r.bookings.WithTx(tx),
			feed:    feed,
			seen:    make(map[string]bool),
			fetched: make(map[string]bool),
			now:     r.now(),
			result:  result,
			log:     log,
		}
		return run.apply(ctx, candidates)
	})
	if err != nil {
		return nil, fmt.Errorf("reconciling feed %s: %w", feed.ID, err)
	}

	log.WithFields(logrus.Fields{
		"created":    result.Created,
		"updated":    result.Updated,
		"cancelled":  result.Cancelled,
		"suppressed": result.Suppressed,
	}).Debug("Feed reconciled")

	return result, nil
}

// feedRun holds the state of one Reconcile call.
type feedRun struct {
	repo    *storage.BookingRepository
	feed    *models.Feed
	seen    map[string]bool
	fetched map[string]bool
	now     time.Time
	result  *ReconcileResult
	log     logrus.FieldLogger
}

func (f *feedRun) apply(ctx context.Context, candidates []models.Candidate) error {
	ordered := make([]models.Candidate, len(candidates))
	copy(ordered, candidates)
	sortCandidates(ordered)
	for _, c := range ordered {
		if c.ExternalID != "" {
			f.fetched[c.ExternalID] = true
		}
	}

	for _, c := range ordered {
		if err := validate(c); err != nil {
			// An event we cannot place still counts as present, so a
			// malformed update does not cancel the stay it used to describe.
			if c.ExternalID != "" {
				f.seen[c.ExternalID] = true
			}
			f.fail(c, err)
			continue
		}
		if f.seen[c.ExternalID] {
			f.fail(c, fmt.Errorf("%w: duplicate uid in feed", ErrReconciliationConflict))
			continue
		}
		f.seen[c.ExternalID] = true

		if err := f.place(ctx, c); err != nil {
			return err
		}
	}

	return f.cancelMissing(ctx)
}

func (f *feedRun) fail(c models.Candidate, err error) {
	f.log.WithField("uid", c.ExternalID).WithError(err).Warn("Skipping calendar event")
	f.result.Failures = append(f.result.Failures, models.ItemFailure{
		Item:  "event " + c.ExternalID,
		Error: err.Error(),
	})
}

// place puts one valid candidate in the ledger. Only store errors are returned.
func (f *feedRun) place(ctx context.Context, c models.Candidate) error {
	existing, err := f.repo.GetActiveByExternalID(ctx, c.PropertyID, c.FeedID, c.ExternalID)
	if err != nil {
		return err
	}
	if existing != nil {
		return f.update(ctx, existing, c)
	}

	sameStay, err := f.repo.ListActiveWithSameStay(ctx, c.PropertyID, c.CheckIn, c.CheckOut)
	if err != nil {
		return err
	}

	candidateReal := !guest.IsPlaceholder(c.GuestName)
	var placeholderRow *models.Booking
	for i := range sameStay {
		b := &sameStay[i]
		if f.leaving(b) {
			continue
		}
		// Direct bookings stand for their stay whatever their name.
		if b.SourceType == models.SourceTypeDirect || !guest.IsPlaceholder(b.DisplayGuestName()) {
			f.result.Suppressed++
			f.log.WithFields(logrus.Fields{"uid": c.ExternalID, "booking_id": b.ID}).
				Debug("Suppressed duplicate of existing booking")
			return nil
		}
		if placeholderRow == nil {
			placeholderRow = b
		}
	}

	if placeholderRow != nil && candidateReal {
		return f.adopt(ctx, placeholderRow, c)
	}

	return f.insert(ctx, c)
}

// leaving reports whether b belongs to this feed but its event is no longer
// published, so it is about to be cancelled and cannot stand for the stay.
func (f *feedRun) leaving(b *models.Booking) bool {
	uid := b.ExternalRef()
	return b.FeedRef() == f.feed.ID && uid != "" && !f.fetched[uid]
}

func (f *feedRun) insert(ctx context.Context, c models.Candidate) error {
	externalID := c.ExternalID
	feedID := c.FeedID
	synced := f.now

	b := &models.Booking{
		PropertyID:   c.PropertyID,
		ExternalID:   &externalID,
		SourceType:   c.SourceType,
		FeedID:       &feedID,
		CheckIn:      c.CheckIn,
		CheckOut:     c.CheckOut,
		AllDay:       c.AllDay,
		GuestName:    c.GuestName,
		IsActive:     true,
		LastSyncedAt: &synced,
	}
	if err := f.repo.Create(ctx, b); err != nil {
		return err
	}

	f.result.Created++
	return nil
}

// update refreshes a booking that the feed already produced.
func (f *feedRun) update(ctx context.Context, b *models.Booking, c models.Candidate) error {
	changed := false

	if !b.CheckIn.Equal(c.CheckIn) || !b.CheckOut.Equal(c.CheckOut) {
		b.CheckIn, b.CheckOut = c.CheckIn, c.CheckOut
		changed = true
	}
	if b.AllDay != c.AllDay {
		b.AllDay = c.AllDay
		changed = true
	}
	if b.SourceType != c.SourceType && c.SourceType != "" {
		b.SourceType = c.SourceType
		changed = true
	}
	if name, ok := calendarName(b, c.GuestName); ok {
		b.GuestName = name
		changed = true
	}

	if !changed {
		f.result.Unchanged++
		return f.repo.TouchSynced(ctx, b.ID, f.now)
	}

	synced := f.now
	b.LastSyncedAt = &synced
	if err := f.repo.UpdateFromCalendar(ctx, b); err != nil {
		return err
	}

	f.result.Updated++
	return nil
}

// adopt moves a placeholder booking over to a named candidate describing the
// same stay, so that migrating between providers does not leave a ghost row.
func (f *feedRun) adopt(ctx context.Context, b *models.Booking, c models.Candidate) error {
	externalID := c.ExternalID
	feedID := c.FeedID
	synced := f.now

	b.ExternalID = &externalID
	b.FeedID = &feedID
	b.SourceType = c.SourceType
	b.AllDay = c.AllDay
	b.LastSyncedAt = &synced
	if name, ok := calendarName(b, c.GuestName); ok {
		b.GuestName = name
	}

	if err := f.repo.UpdateFromCalendar(ctx, b); err != nil {
		return err
	}

	f.log.WithFields(logrus.Fields{"uid": c.ExternalID, "booking_id": b.ID}).
		Debug("Placeholder booking adopted by named event")
	f.result.Updated++
	return nil
}

// cancelMissing soft-deletes active bookings of this feed whose event is gone.
// Rows without an external id predate UID tracking and are left alone.
func (f *feedRun) cancelMissing(ctx context.Context) error {
	active, err := f.repo.ListActiveByFeed(ctx, f.feed.ID)
	if err != nil {
		return err
	}

	for _, b := range active {
		uid := b.ExternalRef()
		if uid == "" || f.seen[uid] {
			continue
		}
		deactivated, err := f.repo.Deactivate(ctx, b.ID)
		if err != nil {
			return err
		}
		if deactivated {
			f.result.Cancelled++
			f.log.WithFields(logrus.Fields{"uid": uid, "booking_id": b.ID}).Info("Booking cancelled upstream")
		}
	}

	return nil
}

// calendarName decides whether feed data may replace the stored provisional
// name. Overridden bookings keep their name, as do enriched bookings whose
// name is real. A lower-quality name never replaces a better one.
func calendarName(b *models.Booking, candidate string) (string, bool) {
	if b.EnrichmentStatus() == models.EnrichmentOverridden {
		return "", false
	}
	if b.EnrichedAt != nil && !guest.IsPlaceholder(b.GuestName) {
		return "", false
	}
	if candidate == b.GuestName {
		return "", false
	}
	if guest.Quality(candidate) < guest.Quality(b.GuestName) {
		return "", false
	}
	return candidate, true
}

func validate(c models.Candidate) error {
	switch {
	case c.ExternalID == "":
		return fmt.Errorf("%w: event has no uid", ErrReconciliationConflict)
	case c.CheckIn.IsZero() || c.CheckOut.IsZero():
		return fmt.Errorf("%w: event has no dates", ErrReconciliationConflict)
	case !c.CheckOut.After(c.CheckIn):
		return fmt.Errorf("%w: check-out %s is not after check-in %s",
			ErrReconciliationConflict, c.CheckOut.Format(time.RFC3339), c.CheckIn.Format(time.RFC3339))
	}
	return nil
}

// sortCandidates gives a batch a canonical order so the resulting ledger does
// not depend on the order events appear in the document.
func sortCandidates(cs []models.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.ExternalID != b.ExternalID {
			return a.ExternalID < b.ExternalID
		}
		if !a.CheckIn.Equal(b.CheckIn) {
			return a.CheckIn.Before(b.CheckIn)
		}
		if !a.CheckOut.Equal(b.CheckOut) {
			return a.CheckOut.Before(b.CheckOut)
		}
		return guest.Quality(a.GuestName) > guest.Quality(b.GuestName)
	})
}

// DirectBooking describes a booking entered by hand.
type DirectBooking struct {
	PropertyID string
	CheckIn    time.Time
	CheckOut   time.Time
	AllDay     bool
	GuestName  string
	GuestCount int
}

// CreateDirect inserts a manual booking. Direct rows are never touched by
// feed reconciliation or property resets.
func (r *Reconciler) CreateDirect(ctx context.Context, d DirectBooking) (*models.Booking, error) {
	if !d.CheckOut.After(d.CheckIn) {
		return nil, fmt.Errorf("%w: check-out must be after check-in", ErrReconciliationConflict)
	}

	checkIn, checkOut := d.CheckIn.UTC(), d.CheckOut.UTC()
	if d.AllDay {
		checkIn, checkOut = dateOnly(d.CheckIn), dateOnly(d.CheckOut)
	}

	b := &models.Booking{
		PropertyID: d.PropertyID,
		SourceType: models.SourceTypeDirect,
		CheckIn:    checkIn,
		CheckOut:   checkOut,
		AllDay:     d.AllDay,
		GuestName:  d.GuestName,
		GuestCount: d.GuestCount,
		IsActive:   true,
	}
	if err := r.bookings.Create(ctx, b); err != nil {
		return nil, err
	}

	return b, nil
}

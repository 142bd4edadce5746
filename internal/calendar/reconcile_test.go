package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stay-ledger/backend/internal/storage/models"
)

func TestReconcileIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.property(t)
	f := env.feed(t, p.ID, "Airbnb", "https://www.airbnb.com/calendar/ical/1.ics")

	batch := []models.Candidate{
		candidate(f, "b", "Jane Doe", day(time.April, 10), day(time.April, 12)),
		candidate(f, "a", "Reserved", day(time.April, 4), day(time.April, 6)),
	}

	first, err := env.reconciler.Reconcile(ctx, f, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)

	before := env.active(t, p.ID)

	// Same content in a different order.
	second, err := env.reconciler.Reconcile(ctx, f, []models.Candidate{batch[1], batch[0]})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 0, second.Updated)
	assert.Equal(t, 0, second.Cancelled)
	assert.Equal(t, 2, second.Unchanged)

	after := env.active(t, p.ID)
	require.Len(t, after, 2)
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].GuestName, after[i].GuestName)
		assert.Equal(t, before[i].GuestCount, after[i].GuestCount)
		assert.True(t, before[i].CheckIn.Equal(after[i].CheckIn))
	}
}

func TestReconcileCancelsMissingEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.property(t)
	f := env.feed(t, p.ID, "Airbnb", "https://www.airbnb.com/calendar/ical/1.ics")

	// A row from before UID tracking is never cancelled by a feed run.
	legacy := &models.Booking{
		PropertyID: p.ID, FeedID: &f.ID, SourceType: "airbnb",
		CheckIn: day(time.March, 1), CheckOut: day(time.March, 3), GuestName: "Old Guest", IsActive: true,
	}
	require.NoError(t, env.bookings.Create(ctx, legacy))

	_, err := env.reconciler.Reconcile(ctx, f, []models.Candidate{
		candidate(f, "a", "Reserved", day(time.April, 4), day(time.April, 6)),
		candidate(f, "b", "Reserved", day(time.April, 10), day(time.April, 12)),
	})
	require.NoError(t, err)

	result, err := env.reconciler.Reconcile(ctx, f, []models.Candidate{
		candidate(f, "b", "Reserved", day(time.April, 10), day(time.April, 12)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Cancelled)

	active := env.active(t, p.ID)
	require.Len(t, active, 2)
	assert.Equal(t, legacy.ID, active[0].ID)
	assert.Equal(t, "b", active[1].ExternalRef())

	// The cancelled row is soft-deleted, not removed.
	all, err := env.bookings.ListByProperty(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// An empty feed cancels everything it produced.
	result, err = env.reconciler.Reconcile(ctx, f, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Cancelled)
}

func TestReconcileNeverDowngradesNames(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.property(t)
	f := env.feed(t, p.ID, "Airbnb", "https://www.airbnb.com/calendar/ical/1.ics")

	_, err := env.reconciler.Reconcile(ctx, f, []models.Candidate{
		candidate(f, "a", "Jane Doe", day(time.April, 4), day(time.April, 6)),
	})
	require.NoError(t, err)

	result, err := env.reconciler.Reconcile(ctx, f, []models.Candidate{
		candidate(f, "a", "Reserved", day(time.April, 4), day(time.April, 7)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated, "dates still move")

	active := env.active(t, p.ID)
	require.Len(t, active, 1)
	assert.Equal(t, "Jane Doe", active[0].GuestName)
	assert.True(t, active[0].CheckOut.Equal(day(time.April, 7)))

	// Enriched bookings keep their name even against a better calendar name.
	now := time.Now().UTC()
	b := active[0]
	b.GuestName = "J. Lee"
	b.EnrichedAt = &now
	require.NoError(t, env.bookings.ApplyEnrichment(ctx, &b))

	_, err = env.reconciler.Reconcile(ctx, f, []models.Candidate{
		candidate(f, "a", "Jordan Michael Lee", day(time.April, 4), day(time.April, 7)),
	})
	require.NoError(t, err)

	got, err := env.bookings.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "J. Lee", got.GuestName)
	require.NotNil(t, got.EnrichedAt)
}

func TestReconcileUpgradesPlaceholderAfterCountOnlyEnrichment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.property(t)
	f := env.feed(t, p.ID, "Airbnb", "https://www.airbnb.com/calendar/ical/1.ics")

	_, err := env.reconciler.Reconcile(ctx, f, []models.Candidate{
		candidate(f, "a", "Reserved", day(time.April, 4), day(time.April, 6)),
	})
	require.NoError(t, err)

	// The matched fact carried a guest count and no name.
	now := time.Now().UTC()
	b := env.active(t, p.ID)[0]
	b.GuestCount = 3
	b.EnrichedAt = &now
	require.NoError(t, env.bookings.ApplyEnrichment(ctx, &b))

	result, err := env.reconciler.Reconcile(ctx, f, []models.Candidate{
		candidate(f, "a", "John Smith", day(time.April, 4), day(time.April, 6)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	got, err := env.bookings.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "John Smith", got.GuestName)
	assert.Equal(t, 3, got.GuestCount)
	assert.Equal(t, models.EnrichmentMatched, got.EnrichmentStatus())
}

func TestReconcileKeepsDirectBookings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.property(t)
	f := env.feed(t, p.ID, "Airbnb", "https://www.airbnb.com/calendar/ical/1.ics")

	direct, err := env.reconciler.CreateDirect(ctx, DirectBooking{
		PropertyID: p.ID, CheckIn: day(time.April, 4), CheckOut: day(time.April, 6), AllDay: true,
	})
	require.NoError(t, err)

	result, err := env.reconciler.Reconcile(ctx, f, []models.Candidate{
		candidate(f, "a", "John Smith", day(time.April, 4), day(time.April, 6)),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 1, result.Suppressed)

	got, err := env.bookings.GetByID(ctx, direct.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SourceTypeDirect, got.SourceType)
	assert.Nil(t, got.FeedID)
	assert.Nil(t, got.ExternalID)

	// The event leaving the feed does not reach the direct row.
	result, err = env.reconciler.Reconcile(ctx, f, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Cancelled)

	active := env.active(t, p.ID)
	require.Len(t, active, 1)
	assert.Equal(t, direct.ID, active[0].ID)
}

func TestReconcileDuplicateSuppression(t *testing.T) {
	t.Run("named booking suppresses placeholder from another feed", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		p := env.property(t)
		airbnb := env.feed(t, p.ID, "Airbnb", "https://www.airbnb.com/calendar/ical/1.ics")
		vrbo := env.feed(t, p.ID, "Vrbo", "https://www.vrbo.com/icalendar/2.ics")

		_, err := env.reconciler.Reconcile(ctx, airbnb, []models.Candidate{
			candidate(airbnb, "a", "Jane Doe", day(time.April, 4), day(time.April, 6)),
		})
		require.NoError(t, err)

		result, err := env.reconciler.Reconcile(ctx, vrbo, []models.Candidate{
			candidate(vrbo, "v", "Blocked", day(time.April, 4), day(time.April, 6)),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Suppressed)
		assert.Equal(t, 0, result.Created)
		assert.Len(t, env.active(t, p.ID), 1)

		// Suppressed candidates count as present on the next run too.
		result, err = env.reconciler.Reconcile(ctx, vrbo, []models.Candidate{
			candidate(vrbo, "v", "Blocked", day(time.April, 4), day(time.April, 6)),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Suppressed)
		assert.Equal(t, 0, result.Cancelled)
	})

	t.Run("named candidate adopts placeholder row", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		p := env.property(t)
		ical := env.feed(t, p.ID, "Channel manager", "https://example.com/cal.ics")
		airbnb := env.feed(t, p.ID, "Airbnb", "https://www.airbnb.com/calendar/ical/1.ics")

		_, err := env.reconciler.Reconcile(ctx, ical, []models.Candidate{
			candidate(ical, "x", "Reserved", day(time.April, 4), day(time.April, 6)),
		})
		require.NoError(t, err)
		placeholder := env.active(t, p.ID)[0]

		result, err := env.reconciler.Reconcile(ctx, airbnb, []models.Candidate{
			candidate(airbnb, "a", "Jane Doe", day(time.April, 4), day(time.April, 6)),
		})
		require.NoError(t, err)
		assert.Equal(t, 0, result.Created)
		assert.Equal(t, 1, result.Updated)

		active := env.active(t, p.ID)
		require.Len(t, active, 1)
		assert.Equal(t, placeholder.ID, active[0].ID)
		assert.Equal(t, "Jane Doe", active[0].GuestName)
		assert.Equal(t, airbnb.ID, active[0].FeedRef())
		assert.Equal(t, "a", active[0].ExternalRef())

		// The placeholder feed's next run neither recreates nor cancels the stay.
		result, err = env.reconciler.Reconcile(ctx, ical, []models.Candidate{
			candidate(ical, "x", "Reserved", day(time.April, 4), day(time.April, 6)),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Suppressed)
		assert.Len(t, env.active(t, p.ID), 1)
	})

	t.Run("two placeholders are both kept", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		p := env.property(t)
		a := env.feed(t, p.ID, "A", "https://example.com/a.ics")
		b := env.feed(t, p.ID, "B", "https://example.com/b.ics")

		_, err := env.reconciler.Reconcile(ctx, a, []models.Candidate{candidate(a, "1", "Reserved", day(time.April, 4), day(time.April, 6))})
		require.NoError(t, err)
		_, err = env.reconciler.Reconcile(ctx, b, []models.Candidate{candidate(b, "2", "Blocked", day(time.April, 4), day(time.April, 6))})
		require.NoError(t, err)

		assert.Len(t, env.active(t, p.ID), 2)
	})

	t.Run("replaced event on the same feed keeps the stay", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		p := env.property(t)
		f := env.feed(t, p.ID, "Airbnb", "https://www.airbnb.com/calendar/ical/1.ics")

		_, err := env.reconciler.Reconcile(ctx, f, []models.Candidate{candidate(f, "old", "Jane Doe", day(time.April, 4), day(time.April, 6))})
		require.NoError(t, err)

		result, err := env.reconciler.Reconcile(ctx, f, []models.Candidate{candidate(f, "new", "Jane Doe", day(time.April, 4), day(time.April, 6))})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Created)
		assert.Equal(t, 1, result.Cancelled)

		active := env.active(t, p.ID)
		require.Len(t, active, 1)
		assert.Equal(t, "new", active[0].ExternalRef())
	})
}

func TestReconcileSkipsInvalidCandidates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.property(t)
	f := env.feed(t, p.ID, "Airbnb", "https://www.airbnb.com/calendar/ical/1.ics")

	_, err := env.reconciler.Reconcile(ctx, f, []models.Candidate{
		candidate(f, "a", "Jane Doe", day(time.April, 4), day(time.April, 6)),
	})
	require.NoError(t, err)

	result, err := env.reconciler.Reconcile(ctx, f, []models.Candidate{
		candidate(f, "a", "Jane Doe", day(time.April, 6), day(time.April, 6)),
		candidate(f, "", "No Uid", day(time.May, 1), day(time.May, 2)),
		candidate(f, "c", "Sam Roe", day(time.May, 1), day(time.May, 3)),
		candidate(f, "c", "Sam Roe", day(time.May, 1), day(time.May, 3)),
	})
	require.NoError(t, err)

	assert.Len(t, result.Failures, 3)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 0, result.Cancelled, "a malformed update does not cancel the stay")
	assert.Len(t, env.active(t, p.ID), 2)

	var warned int
	for _, e := range env.hook.AllEntries() {
		if e.Message == "Skipping calendar event" {
			warned++
		}
	}
	assert.Equal(t, 3, warned)
}

func TestCreateDirect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.property(t)

	b, err := env.reconciler.CreateDirect(ctx, DirectBooking{
		PropertyID: p.ID,
		CheckIn:    day(time.June, 1),
		CheckOut:   day(time.June, 4),
		AllDay:     true,
		GuestName:  "Walk In",
		GuestCount: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, models.SourceTypeDirect, b.SourceType)

	_, err = env.reconciler.CreateDirect(ctx, DirectBooking{PropertyID: p.ID, CheckIn: day(time.June, 4), CheckOut: day(time.June, 1)})
	assert.ErrorIs(t, err, ErrReconciliationConflict)
}

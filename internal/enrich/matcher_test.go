package enrich

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stay-ledger/backend/internal/storage"
	"github.com/stay-ledger/backend/internal/storage/models"
)

func date(m time.Month, d int) time.Time {
	return time.Date(2026, m, d, 0, 0, 0, 0, time.UTC)
}

func fact(id, name string, count int, in, out string, extracted time.Time) models.ReservationFact {
	return models.ReservationFact{
		ID: id, GuestName: name, GuestCount: count,
		CheckIn: in, CheckOut: out, ExtractedAt: extracted,
	}
}

func TestBestPrefersExactRecentComplete(t *testing.T) {
	m := &Matcher{daySlack: 1}
	in, out := date(time.April, 4), date(time.April, 6)
	early := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	cases := []struct {
		name  string
		facts []models.ReservationFact
		want  string
	}{
		{
			name: "exact over slack",
			facts: []models.ReservationFact{
				fact("f1", "Jane Doe", 2, "2026-04-05", "2026-04-06", late),
				fact("f2", "Jane", 0, "2026-04-04", "2026-04-06", early),
			},
			want: "f2",
		},
		{
			name: "recent over complete",
			facts: []models.ReservationFact{
				fact("f1", "Jane Doe", 0, "2026-04-04", "2026-04-06", late),
				fact("f2", "Jane Doe", 3, "2026-04-04", "2026-04-06", early),
			},
			want: "f1",
		},
		{
			name: "complete over partial",
			facts: []models.ReservationFact{
				fact("f1", "Jane Doe", 0, "2026-04-04", "2026-04-06", early),
				fact("f2", "Jane Doe", 3, "2026-04-04", "2026-04-06", early),
			},
			want: "f2",
		},
		{
			name: "most recent",
			facts: []models.ReservationFact{
				fact("f1", "Jane Doe", 2, "2026-04-04", "2026-04-06", early),
				fact("f2", "Jane Doe", 2, "2026-04-04", "2026-04-06", late),
			},
			want: "f2",
		},
		{
			name: "lowest id",
			facts: []models.ReservationFact{
				fact("f9", "Jane Doe", 2, "2026-04-04", "2026-04-06", early),
				fact("f3", "Jane Doe", 2, "2026-04-04", "2026-04-06", early),
			},
			want: "f3",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := m.best(in, out, tc.facts, map[string]string{}, "b1")
			require.True(t, ok)
			assert.Equal(t, tc.want, got.fact.ID)
		})
	}
}

func TestBestSlackAndClaims(t *testing.T) {
	in, out := date(time.April, 4), date(time.April, 6)
	facts := []models.ReservationFact{fact("f1", "Jane Doe", 2, "2026-04-05", "2026-04-07", time.Now())}

	_, ok := (&Matcher{daySlack: 0}).best(in, out, facts, map[string]string{}, "b1")
	assert.False(t, ok)

	_, ok = (&Matcher{daySlack: 1}).best(in, out, facts, map[string]string{}, "b1")
	assert.True(t, ok)

	_, ok = (&Matcher{daySlack: 1}).best(in, out, facts, map[string]string{"f1": "b2"}, "b1")
	assert.False(t, ok, "a fact claimed by another booking is not reused")

	_, ok = (&Matcher{daySlack: 1}).best(in, out, facts, map[string]string{"f1": "b1"}, "b1")
	assert.True(t, ok)

	bad := []models.ReservationFact{fact("f2", "Jane Doe", 2, "April 4", "2026-04-06", time.Now())}
	_, ok = (&Matcher{daySlack: 1}).best(in, out, bad, map[string]string{}, "b1")
	assert.False(t, ok)
}

func TestNeedsEnrichment(t *testing.T) {
	now := time.Now()
	manual := "Jordan Lee"

	assert.True(t, needsEnrichment(&models.Booking{IsActive: true, GuestName: "Reserved"}))
	assert.True(t, needsEnrichment(&models.Booking{IsActive: true, GuestName: "Jane Doe"}))
	assert.True(t, needsEnrichment(&models.Booking{IsActive: true, GuestName: "", EnrichedAt: &now}))
	assert.False(t, needsEnrichment(&models.Booking{IsActive: true, GuestName: "Jane Doe", EnrichedAt: &now}))
	assert.False(t, needsEnrichment(&models.Booking{IsActive: false, GuestName: "Reserved"}))
	assert.False(t, needsEnrichment(&models.Booking{IsActive: true, GuestName: "Reserved", ManualGuestName: &manual}))
}

func TestApply(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	b := &models.Booking{GuestName: "Reserved"}
	f := fact("f1", "J. Lee", 2, "2026-04-04", "2026-04-06", now)
	require.True(t, apply(b, &f, now))
	assert.Equal(t, "J. Lee", b.GuestName)
	assert.Equal(t, 2, b.GuestCount)
	require.NotNil(t, b.EnrichedAt)
	assert.Equal(t, "f1", *b.EnrichmentFactID)

	assert.False(t, apply(b, &f, now.Add(time.Hour)), "applying the same fact twice is a no-op")
	assert.True(t, b.EnrichedAt.Equal(now))

	// A single token never replaces a full name.
	b = &models.Booking{GuestName: "Jane Doe"}
	partial := fact("f2", "Jane", 0, "2026-04-04", "2026-04-06", now)
	require.True(t, apply(b, &partial, now))
	assert.Equal(t, "Jane Doe", b.GuestName)
	assert.Zero(t, b.GuestCount)
}

type matcherEnv struct {
	properties *storage.PropertyRepository
	bookings   *storage.BookingRepository
	mail       *storage.MailRepository
	runs       *storage.RunRepository
	matcher    *Matcher
}

func newMatcherEnv(t *testing.T) *matcherEnv {
	t.Helper()

	db, err := storage.NewDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger, _ := logtest.NewNullLogger()
	require.NoError(t, storage.RunMigrations(db, logger))

	e := &matcherEnv{
		properties: storage.NewPropertyRepository(db),
		bookings:   storage.NewBookingRepository(db),
		mail:       storage.NewMailRepository(db),
		runs:       storage.NewRunRepository(db),
	}
	e.matcher = NewMatcher(db, e.properties, e.bookings, e.mail, e.runs, 1, logger)
	return e
}

func (e *matcherEnv) booking(t *testing.T, propertyID, name string, in, out time.Time) *models.Booking {
	t.Helper()
	b := &models.Booking{
		PropertyID: propertyID, SourceType: "airbnb", CheckIn: in, CheckOut: out,
		AllDay: true, GuestName: name, IsActive: true,
	}
	require.NoError(t, e.bookings.Create(context.Background(), b))
	return b
}

func (e *matcherEnv) fact(t *testing.T, workspaceID string, propertyID *string, name string, count int, in, out string) *models.ReservationFact {
	t.Helper()
	ctx := context.Background()
	conn := &models.MailConnection{WorkspaceID: workspaceID, Label: "Inbox", Active: true}
	require.NoError(t, e.mail.CreateConnection(ctx, conn))
	f := &models.ReservationFact{
		ConnectionID: conn.ID, PropertyID: propertyID, MessageRef: "msg-" + name,
		CheckIn: in, CheckOut: out, GuestName: name, GuestCount: count,
	}
	require.NoError(t, e.mail.CreateFact(ctx, f))
	return f
}

func TestEnrichProperty(t *testing.T) {
	e := newMatcherEnv(t)
	ctx := context.Background()

	p := &models.Property{WorkspaceID: "ws-1", Name: "Lake House", Timezone: "America/New_York"}
	require.NoError(t, e.properties.Create(ctx, p))

	first := e.booking(t, p.ID, "Reserved", date(time.April, 4), date(time.April, 6))
	second := e.booking(t, p.ID, "Blocked", date(time.April, 4), date(time.April, 6))
	e.booking(t, p.ID, "Reserved", date(time.May, 1), date(time.May, 3))

	f := e.fact(t, "ws-1", nil, "J. Lee", 2, "2026-04-04", "2026-04-06")
	// Facts of another workspace are never used.
	e.fact(t, "ws-2", nil, "Other Guest", 4, "2026-05-01", "2026-05-03")

	result, err := e.matcher.EnrichProperty(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Candidates)
	assert.Equal(t, 1, result.Facts)
	assert.Equal(t, 1, result.Matched)

	// One fact backs one booking, even when two rows describe the stay.
	var matched []*models.Booking
	for _, id := range []string{first.ID, second.ID} {
		got, err := e.bookings.GetByID(ctx, id)
		require.NoError(t, err)
		if got.EnrichmentStatus() == models.EnrichmentMatched {
			matched = append(matched, got)
		}
	}
	require.Len(t, matched, 1)
	assert.Equal(t, "J. Lee", matched[0].GuestName)
	assert.Equal(t, 2, matched[0].GuestCount)
	assert.Equal(t, f.ID, *matched[0].EnrichmentFactID)

	// A second pass changes nothing.
	result, err = e.matcher.EnrichProperty(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, result.Matched)

	runs, err := e.runs.List(ctx, storage.RunFilter{Kind: models.RunKindEnrichment, ScopeID: p.ID})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	_, err = e.matcher.EnrichProperty(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManualOverride(t *testing.T) {
	e := newMatcherEnv(t)
	ctx := context.Background()

	p := &models.Property{WorkspaceID: "ws-1", Name: "Lake House"}
	require.NoError(t, e.properties.Create(ctx, p))
	b := e.booking(t, p.ID, "Reserved", date(time.April, 4), date(time.April, 6))

	_, err := e.matcher.SetManualOverride(ctx, b.ID, "  ", nil)
	assert.Error(t, err)

	got, err := e.matcher.SetManualOverride(ctx, b.ID, "Jordan Lee", nil)
	require.NoError(t, err)
	assert.Equal(t, models.EnrichmentOverridden, got.EnrichmentStatus())

	// Enrichment never overwrites an override.
	e.fact(t, "ws-1", &p.ID, "J. Lee", 2, "2026-04-04", "2026-04-06")
	result, err := e.matcher.EnrichProperty(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, result.Matched)

	got, err = e.bookings.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Jordan Lee", got.DisplayGuestName())
	assert.Equal(t, "Reserved", got.GuestName)

	// Clearing returns the booking to the matcher.
	got, err = e.matcher.ClearOverride(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrichmentUnmatched, got.EnrichmentStatus())

	result, err = e.matcher.EnrichProperty(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Matched)

	_, err = e.matcher.SetManualOverride(ctx, "missing", "Name", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEnrichSharedMailboxFactBacksOneProperty(t *testing.T) {
	e := newMatcherEnv(t)
	ctx := context.Background()

	a := &models.Property{WorkspaceID: "ws-1", Name: "Unit A", Timezone: "UTC"}
	b := &models.Property{WorkspaceID: "ws-1", Name: "Unit B", Timezone: "UTC"}
	require.NoError(t, e.properties.Create(ctx, a))
	require.NoError(t, e.properties.Create(ctx, b))

	inA := e.booking(t, a.ID, "Reserved", date(time.April, 4), date(time.April, 6))
	inB := e.booking(t, b.ID, "Reserved", date(time.April, 4), date(time.April, 6))
	f := e.fact(t, "ws-1", nil, "J. Lee", 2, "2026-04-04", "2026-04-06")

	result, err := e.matcher.EnrichProperty(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Matched)

	result, err = e.matcher.EnrichProperty(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Matched, "the fact already backs a booking in another property")

	gotA, err := e.bookings.GetByID(ctx, inA.ID)
	require.NoError(t, err)
	assert.Equal(t, "J. Lee", gotA.GuestName)
	require.NotNil(t, gotA.EnrichmentFactID)
	assert.Equal(t, f.ID, *gotA.EnrichmentFactID)

	gotB, err := e.bookings.GetByID(ctx, inB.ID)
	require.NoError(t, err)
	assert.Equal(t, "Reserved", gotB.GuestName)
	assert.Nil(t, gotB.EnrichmentFactID)

	// A fact assigned to a property is only offered to that property.
	e.fact(t, "ws-1", &b.ID, "Sam Park", 3, "2026-04-04", "2026-04-06")
	result, err = e.matcher.EnrichProperty(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Matched)

	gotB, err = e.bookings.GetByID(ctx, inB.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sam Park", gotB.GuestName)

	// Once the first booking is gone its fact is free again.
	_, err = e.bookings.Deactivate(ctx, inA.ID)
	require.NoError(t, err)
	claims, err := e.bookings.ListFactClaims(ctx, "ws-1")
	require.NoError(t, err)
	assert.NotContains(t, claims, f.ID)
}

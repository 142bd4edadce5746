package calendar

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stay-ledger/backend/internal/enrich"
	"github.com/stay-ledger/backend/internal/guard"
	"github.com/stay-ledger/backend/internal/storage"
	"github.com/stay-ledger/backend/internal/storage/models"
)

func (e *testEnv) syncService(debounce time.Duration, locker guard.Locker, enricher Enricher) *SyncService {
	g := guard.New(guard.NewSoftLock(e.runs, debounce, e.logger), locker)
	return NewSyncService(
		e.properties,
		e.runs,
		NewFetcher(5*time.Second),
		e.reconciler,
		enricher,
		g,
		SyncOptions{MaxParallelFeeds: 2, FetchTimeout: 5 * time.Second},
		e.logger,
	)
}

func TestSyncProperty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	srv := newFeedServer(t)

	p := env.property(t)
	airbnb := env.feed(t, p.ID, "Airbnb", srv.URL+"/airbnb.ics")
	vrbo := env.feed(t, p.ID, "Vrbo", srv.URL+"/vrbo.ics")

	srv.set("/airbnb.ics", vcalendar(
		vevent("a1", "Reserved", "20260404", "20260406"),
		vevent("a2", "Jane Doe", "20260410", "20260412"),
	))
	srv.set("/vrbo.ics", vcalendar(
		vevent("v1", "Blocked", "20260410", "20260412"),
	))

	svc := env.syncService(0, guard.NewMemoryLocker(time.Minute, env.logger), nil)
	summary, err := svc.SyncProperty(ctx, p.ID, "")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusSuccess, summary.Status)
	assert.False(t, summary.Skipped)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 3, summary.EventsFound)
	assert.Equal(t, 3, summary.Processed)
	assert.Empty(t, summary.Failures)
	require.Len(t, summary.Feeds, 2)

	active := env.active(t, p.ID)
	require.Len(t, active, 2, "the vrbo block duplicates the named airbnb stay")
	assert.Equal(t, "Reserved", active[0].GuestName)
	assert.Equal(t, "Jane Doe", active[1].GuestName)

	for _, f := range []*models.Feed{airbnb, vrbo} {
		got, err := env.properties.GetFeed(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatusSuccess, got.SyncStatus)
		assert.NotNil(t, got.LastSyncAt)
	}

	runs, err := env.runs.List(ctx, storage.RunFilter{Kind: models.RunKindCalendar, ScopeID: p.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusSuccess, runs[0].Status)
	assert.Equal(t, 3, runs[0].EventsFound)
	assert.NotNil(t, runs[0].FinishedAt)

	// A second run over unchanged feeds changes nothing.
	summary, err = svc.SyncProperty(ctx, p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, summary.Status)
	for _, fr := range summary.Feeds {
		assert.Zero(t, fr.Created)
		assert.Zero(t, fr.Updated)
		assert.Zero(t, fr.Cancelled)
	}
	assert.Len(t, env.active(t, p.ID), 2)
}

func TestSyncPropertyFeedFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	srv := newFeedServer(t)

	p := env.property(t)
	good := env.feed(t, p.ID, "Airbnb", srv.URL+"/good.ics")
	bad := env.feed(t, p.ID, "Broken", srv.URL+"/bad.ics")

	srv.set("/good.ics", vcalendar(vevent("a1", "Jane Doe", "20260404", "20260406")))
	srv.set("/bad.ics", vcalendar(vevent("b1", "Sam Roe", "20260501", "20260503")))

	svc := env.syncService(0, guard.NewMemoryLocker(time.Minute, env.logger), nil)
	_, err := svc.SyncProperty(ctx, p.ID, "")
	require.NoError(t, err)
	require.Len(t, env.active(t, p.ID), 2)

	// A failing feed keeps its bookings and does not block its sibling.
	srv.fail("/bad.ics", http.StatusInternalServerError)
	srv.set("/good.ics", vcalendar(vevent("a1", "Jane Doe", "20260404", "20260407")))

	summary, err := svc.SyncProperty(ctx, p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, summary.Status)
	require.Len(t, summary.Failures, 1)
	assert.Contains(t, summary.Failures[0].Error, "status 500")

	active := env.active(t, p.ID)
	require.Len(t, active, 2)
	assert.True(t, active[0].CheckOut.Equal(day(time.April, 7)))

	gotBad, err := env.properties.GetFeed(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, gotBad.SyncStatus)
	require.NotNil(t, gotBad.SyncError)

	gotGood, err := env.properties.GetFeed(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSuccess, gotGood.SyncStatus)

	// Every feed failing is a failed run.
	srv.fail("/good.ics", http.StatusNotFound)
	summary, err = svc.SyncProperty(ctx, p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailure, summary.Status)
	assert.Len(t, env.active(t, p.ID), 2)
}

func TestSyncPropertyDebounce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	srv := newFeedServer(t)

	p := env.property(t)
	env.feed(t, p.ID, "Airbnb", srv.URL+"/a.ics")
	srv.set("/a.ics", vcalendar(vevent("a1", "Jane Doe", "20260404", "20260406")))

	svc := env.syncService(time.Hour, guard.NewMemoryLocker(time.Minute, env.logger), nil)

	first, err := svc.SyncProperty(ctx, p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, first.Status)

	second, err := svc.SyncProperty(ctx, p.ID, "")
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, models.RunStatusSkipped, second.Status)
	assert.Empty(t, second.Feeds)

	runs, err := env.runs.List(ctx, storage.RunFilter{Kind: models.RunKindCalendar, ScopeID: p.ID})
	require.NoError(t, err)
	require.Len(t, runs, 2)

	statuses := []string{runs[0].Status, runs[1].Status}
	assert.ElementsMatch(t, []string{models.RunStatusSuccess, models.RunStatusSkipped}, statuses)
}

func TestSyncPropertyHeldLock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	srv := newFeedServer(t)

	p := env.property(t)
	env.feed(t, p.ID, "Airbnb", srv.URL+"/a.ics")
	srv.set("/a.ics", vcalendar(vevent("a1", "Jane Doe", "20260404", "20260406")))

	locker := guard.NewMemoryLocker(time.Minute, env.logger)
	release, err := locker.Acquire(ctx, guard.PropertyKey(p.ID))
	require.NoError(t, err)

	svc := env.syncService(0, locker, nil)
	summary, err := svc.SyncProperty(ctx, p.ID, "")
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Empty(t, env.active(t, p.ID))

	release()

	summary, err = svc.SyncProperty(ctx, p.ID, "")
	require.NoError(t, err)
	assert.False(t, summary.Skipped)
	assert.Len(t, env.active(t, p.ID), 1)
	assert.False(t, locker.Held(guard.PropertyKey(p.ID)))
}

func TestSyncPropertySingleFeed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	srv := newFeedServer(t)

	p := env.property(t)
	a := env.feed(t, p.ID, "Airbnb", srv.URL+"/a.ics")
	env.feed(t, p.ID, "Vrbo", srv.URL+"/b.ics")
	srv.set("/a.ics", vcalendar(vevent("a1", "Jane Doe", "20260404", "20260406")))
	srv.set("/b.ics", vcalendar(vevent("b1", "Sam Roe", "20260501", "20260503")))

	svc := env.syncService(0, guard.NewMemoryLocker(time.Minute, env.logger), nil)
	summary, err := svc.SyncProperty(ctx, p.ID, a.ID)
	require.NoError(t, err)
	require.Len(t, summary.Feeds, 1)
	assert.Equal(t, a.ID, summary.Feeds[0].FeedID)
	assert.Len(t, env.active(t, p.ID), 1)

	runs, err := env.runs.List(ctx, storage.RunFilter{Kind: models.RunKindCalendar, ScopeID: a.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.ScopeFeed, runs[0].ScopeType)

	// A feed of another property is not found.
	other := env.property(t)
	_, err = svc.SyncProperty(ctx, other.ID, a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSyncPropertyNotFound(t *testing.T) {
	env := newTestEnv(t)
	svc := env.syncService(0, guard.NewMemoryLocker(time.Minute, env.logger), nil)

	_, err := svc.SyncProperty(context.Background(), "missing", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

type failingEnricher struct{}

func (failingEnricher) EnrichProperty(context.Context, string) (*enrich.MatchResult, error) {
	return nil, assert.AnError
}

func TestSyncPropertyEnrichmentFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	srv := newFeedServer(t)

	p := env.property(t)
	env.feed(t, p.ID, "Airbnb", srv.URL+"/a.ics")
	srv.set("/a.ics", vcalendar(vevent("a1", "Reserved", "20260404", "20260406")))

	svc := env.syncService(0, guard.NewMemoryLocker(time.Minute, env.logger), failingEnricher{})
	summary, err := svc.SyncProperty(ctx, p.ID, "")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusPartial, summary.Status)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "enrichment", summary.Failures[0].Item)
	assert.Len(t, env.active(t, p.ID), 1, "the ledger is committed before enrichment")
}

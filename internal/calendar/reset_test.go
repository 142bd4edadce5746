package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stay-ledger/backend/internal/storage"
	"github.com/stay-ledger/backend/internal/storage/models"
)

func TestResetter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resetter := NewResetter(env.db, env.properties, env.bookings, env.runs, env.logger)

	p := env.property(t)
	airbnb := env.feed(t, p.ID, "Airbnb", "https://www.airbnb.com/calendar/ical/1.ics")
	vrbo := env.feed(t, p.ID, "Vrbo", "https://www.vrbo.com/icalendar/2.ics")

	_, err := env.reconciler.Reconcile(ctx, airbnb, []models.Candidate{
		candidate(airbnb, "a1", "Jane Doe", day(time.April, 4), day(time.April, 6)),
		candidate(airbnb, "a2", "Sam Roe", day(time.April, 10), day(time.April, 12)),
	})
	require.NoError(t, err)
	_, err = env.reconciler.Reconcile(ctx, vrbo, []models.Candidate{
		candidate(vrbo, "v1", "Ann Poe", day(time.May, 1), day(time.May, 3)),
	})
	require.NoError(t, err)
	_, err = env.reconciler.CreateDirect(ctx, DirectBooking{
		PropertyID: p.ID, CheckIn: day(time.June, 1), CheckOut: day(time.June, 3), AllDay: true, GuestName: "Walk In",
	})
	require.NoError(t, err)
	require.Len(t, env.active(t, p.ID), 4)

	t.Run("disable feed", func(t *testing.T) {
		n, err := resetter.DisableFeed(ctx, airbnb.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := env.properties.GetFeed(ctx, airbnb.ID)
		require.NoError(t, err)
		assert.False(t, got.Active)
		assert.Len(t, env.active(t, p.ID), 2)

		n, err = resetter.DisableFeed(ctx, airbnb.ID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("reset property keeps direct bookings", func(t *testing.T) {
		n, err := resetter.ResetProperty(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		active := env.active(t, p.ID)
		require.Len(t, active, 1)
		assert.Equal(t, models.SourceTypeDirect, active[0].SourceType)

		n, err = resetter.ResetProperty(ctx, p.ID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("runs are recorded", func(t *testing.T) {
		runs, err := env.runs.List(ctx, storage.RunFilter{Kind: models.RunKindReset, ScopeID: p.ID})
		require.NoError(t, err)
		require.Len(t, runs, 2)
		for _, r := range runs {
			assert.Equal(t, models.RunStatusSuccess, r.Status)
		}

		runs, err = env.runs.List(ctx, storage.RunFilter{Kind: models.RunKindFeedDisable, ScopeID: airbnb.ID})
		require.NoError(t, err)
		require.Len(t, runs, 2)
	})

	t.Run("missing targets", func(t *testing.T) {
		_, err := resetter.DisableFeed(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = resetter.ResetProperty(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

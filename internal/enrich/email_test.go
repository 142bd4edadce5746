package enrich

import (
	"context"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stay-ledger/backend/internal/extract"
	"github.com/stay-ledger/backend/internal/guard"
	"github.com/stay-ledger/backend/internal/storage"
	"github.com/stay-ledger/backend/internal/storage/models"
)

const confirmationBody = `<html><body>
<p>Check-in</p><p>Sat, Apr 4, 2026</p>
<p>Checkout</p><p>Mon, Apr 6, 2026</p>
<p>Guests</p><p>2 guests</p>
</body></html>`

func TestEmailSyncConnection(t *testing.T) {
	e := newMatcherEnv(t)
	ctx := context.Background()
	logger, _ := logtest.NewNullLogger()

	p := &models.Property{WorkspaceID: "ws-1", Name: "Lake House"}
	require.NoError(t, e.properties.Create(ctx, p))
	b := e.booking(t, p.ID, "Reserved", date(time.April, 4), date(time.April, 6))

	conn := &models.MailConnection{WorkspaceID: "ws-1", PropertyID: &p.ID, Label: "Host inbox", Active: true}
	require.NoError(t, e.mail.CreateConnection(ctx, conn))

	svc := NewEmailService(
		e.matcher.db, e.properties, e.mail, e.runs, extract.New(), e.matcher,
		guard.New(guard.NewSoftLock(e.runs, 0, logger), guard.NewMemoryLocker(time.Minute, logger)),
		logger,
	)

	for _, m := range []models.MailMessage{
		{
			MessageID:  "msg-1",
			Subject:    "Reservation confirmed - J. Lee arrives Apr 4",
			Sender:     "Airbnb <automated@airbnb.com>",
			ReceivedAt: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
			Body:       confirmationBody,
		},
		{
			MessageID:  "msg-2",
			Subject:    "Your payout was sent",
			Sender:     "Airbnb <automated@airbnb.com>",
			ReceivedAt: time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC),
			Body:       "We sent a payout of $420.00 to your account.",
		},
	} {
		m := m
		m.ConnectionID = conn.ID
		_, err := e.mail.AddMessage(ctx, &m)
		require.NoError(t, err)
	}

	summary, err := svc.SyncConnection(ctx, conn.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, summary.Status)
	assert.Equal(t, 2, summary.MessagesFound)
	assert.Equal(t, 1, summary.FactsCreated, "messages without stay details produce no fact")
	assert.Equal(t, 1, summary.BookingsMatched)

	got, err := e.bookings.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "J. Lee", got.GuestName)
	assert.Equal(t, 2, got.GuestCount)

	t.Run("processed messages are not read again", func(t *testing.T) {
		summary, err := svc.SyncConnection(ctx, conn.ID, false)
		require.NoError(t, err)
		assert.Zero(t, summary.MessagesFound)
		assert.Zero(t, summary.BookingsMatched)
	})

	t.Run("reprocessing is idempotent", func(t *testing.T) {
		summary, err := svc.SyncConnection(ctx, conn.ID, true)
		require.NoError(t, err)
		assert.Equal(t, 2, summary.MessagesFound)
		assert.Zero(t, summary.FactsCreated)
		assert.Zero(t, summary.FactsUpdated)

		facts, err := e.mail.ListFactsForProperty(ctx, p.ID, "ws-1")
		require.NoError(t, err)
		assert.Len(t, facts, 1)
	})

	t.Run("unknown connection", func(t *testing.T) {
		_, err := svc.SyncConnection(ctx, "missing", false)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestEmailSyncSkippedWhileLocked(t *testing.T) {
	e := newMatcherEnv(t)
	ctx := context.Background()
	logger, _ := logtest.NewNullLogger()

	conn := &models.MailConnection{WorkspaceID: "ws-1", Label: "Host inbox", Active: true}
	require.NoError(t, e.mail.CreateConnection(ctx, conn))

	locker := guard.NewMemoryLocker(time.Minute, logger)
	release, err := locker.Acquire(ctx, guard.ConnectionKey(conn.ID))
	require.NoError(t, err)
	defer release()

	svc := NewEmailService(e.matcher.db, e.properties, e.mail, e.runs, extract.New(), e.matcher,
		guard.New(nil, locker), logger)

	summary, err := svc.SyncConnection(ctx, conn.ID, false)
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Equal(t, models.RunStatusSkipped, summary.Status)

	runs, err := e.runs.List(ctx, storage.RunFilter{Kind: models.RunKindEmail, ScopeID: conn.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusSkipped, runs[0].Status)
}

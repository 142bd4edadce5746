package calendar

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/stay-ledger/backend/internal/storage"
	"github.com/stay-ledger/backend/internal/storage/models"
)

// Resetter performs the bulk soft-delete operations on the ledger. Both
// operations are idempotent and are recorded in the run log.
type Resetter struct {
	db         *storage.DB
	properties *storage.PropertyRepository
	bookings   *storage.BookingRepository
	runs       *storage.RunRepository
	logger     logrus.FieldLogger
}

// NewResetter creates a new ledger resetter.
func NewResetter(
	db *storage.DB,
	properties *storage.PropertyRepository,
	bookings *storage.BookingRepository,
	runs *storage.RunRepository,
	logger logrus.FieldLogger,
) *Resetter {
	return &Resetter{
		db:         db,
		properties: properties,
		bookings:   bookings,
		runs:       runs,
		logger:     logger,
	}
}

// DisableFeed deactivates a feed and soft-deletes every active booking it
// produced. It returns the number of bookings deactivated.
func (r *Resetter) DisableFeed(ctx context.Context, feedID string) (int, error) {
	feed, err := r.properties.GetFeed(ctx, feedID)
	if err != nil {
		return 0, err
	}
	if feed == nil {
		return 0, fmt.Errorf("feed %s: %w", feedID, storage.ErrNotFound)
	}

	return r.audited(ctx, models.RunKindFeedDisable, models.ScopeFeed, feedID, func(tx *sql.Tx) (int, error) {
		if err := r.properties.WithTx(tx).SetFeedActive(ctx, feedID, false); err != nil {
			return 0, err
		}
		return r.bookings.WithTx(tx).DeactivateByFeed(ctx, feedID)
	})
}

// ResetProperty soft-deletes every active imported booking of a property.
// Direct bookings are kept. It returns the number of bookings deactivated.
func (r *Resetter) ResetProperty(ctx context.Context, propertyID string) (int, error) {
	property, err := r.properties.GetByID(ctx, propertyID)
	if err != nil {
		return 0, err
	}
	if property == nil {
		return 0, fmt.Errorf("property %s: %w", propertyID, storage.ErrNotFound)
	}

	return r.audited(ctx, models.RunKindReset, models.ScopeProperty, propertyID, func(tx *sql.Tx) (int, error) {
		return r.bookings.WithTx(tx).DeactivateImported(ctx, propertyID)
	})
}

func (r *Resetter) audited(ctx context.Context, kind, scopeType, scopeID string, fn func(tx *sql.Tx) (int, error)) (int, error) {
	run, err := r.runs.Start(ctx, kind, scopeType, scopeID)
	if err != nil {
		return 0, err
	}

	var affected int
	txErr := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		n, err := fn(tx)
		affected = n
		return err
	})

	run.Processed = affected
	run.Status = models.RunStatusSuccess
	if txErr != nil {
		affected = 0
		run.Processed = 0
		run.Status = models.RunStatusFailure
		run.Errors = 1
		run.Detail = detailJSON(map[string]string{"error": txErr.Error()})
	}
	if err := r.runs.Finish(ctx, run); err != nil {
		r.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to record reset run")
	}
	if txErr != nil {
		return 0, fmt.Errorf("%s %s %s: %w", kind, scopeType, scopeID, txErr)
	}

	r.logger.WithFields(logrus.Fields{
		"kind":        kind,
		"scope_id":    scopeID,
		"deactivated": affected,
	}).Info("Bookings deactivated")

	return affected, nil
}

package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stay-ledger/backend/internal/enrich"
	"github.com/stay-ledger/backend/internal/guard"
	"github.com/stay-ledger/backend/internal/storage"
	"github.com/stay-ledger/backend/internal/storage/models"
)

// Enricher runs guest enrichment for a property after its ledger changed.
type Enricher interface {
	EnrichProperty(ctx context.Context, propertyID string) (*enrich.MatchResult, error)
}

// SyncOptions tune a sync service.
type SyncOptions struct {
	// MaxParallelFeeds caps concurrent feed downloads per property.
	MaxParallelFeeds int
	// FetchTimeout bounds each feed download.
	FetchTimeout time.Duration
}

// SyncService handles calendar synchronization for properties.
type SyncService struct {
	properties *storage.PropertyRepository
	runs       *storage.RunRepository
	fetcher    *Fetcher
	reconciler *Reconciler
	enricher   Enricher
	guard      *guard.Guard
	opts       SyncOptions
	logger     logrus.FieldLogger
}

// NewSyncService creates a new calendar sync service.
func NewSyncService(
	properties *storage.PropertyRepository,
	runs *storage.RunRepository,
	fetcher *Fetcher,
	reconciler *Reconciler,
	enricher Enricher,
	g *guard.Guard,
	opts SyncOptions,
	logger logrus.FieldLogger,
) *SyncService {
	if opts.MaxParallelFeeds <= 0 {
		opts.MaxParallelFeeds = 4
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	return &SyncService{
		properties: properties,
		runs:       runs,
		fetcher:    fetcher,
		reconciler: reconciler,
		enricher:   enricher,
		guard:      g,
		opts:       opts,
		logger:     logger,
	}
}

// fetched is the download outcome of one feed.
type fetched struct {
	events []models.CalendarEvent
	err    error
}

// SyncProperty synchronizes the active feeds of a property, or only feedID
// when it is not empty, and then enriches the property's bookings.
//
// A run declined by the guard returns a skipped summary and no error. Feed
// failures are listed in the summary; only ledger store failures are
// returned as errors.
func (s *SyncService) SyncProperty(ctx context.Context, propertyID, feedID string) (*models.SyncSummary, error) {
	property, err := s.properties.GetByID(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	if property == nil {
		return nil, fmt.Errorf("property %s: %w", propertyID, storage.ErrNotFound)
	}

	summary := &models.SyncSummary{
		PropertyID: propertyID,
		Feeds:      []models.FeedSyncResult{},
		Failures:   []models.ItemFailure{},
		SyncedAt:   time.Now().UTC(),
	}

	admission := guard.Admission{
		Kind:      models.RunKindCalendar,
		ScopeType: models.ScopeProperty,
		ScopeID:   propertyID,
		LockKey:   guard.PropertyKey(propertyID),
	}
	if feedID != "" {
		admission.ScopeType = models.ScopeFeed
		admission.ScopeID = feedID
		admission.LockKey = guard.FeedKey(feedID)
	}

	log := s.logger.WithField("property_id", propertyID)
	err = s.guard.Run(ctx, admission, func(ctx context.Context) error {
		return s.sync(ctx, property, feedID, admission, summary, log)
	})

	if errors.Is(err, guard.ErrLockDenied) {
		log.WithError(err).Info("Calendar sync skipped")
		summary.Status = models.RunStatusSkipped
		summary.Skipped = true
		s.recordSkip(ctx, admission, err)
		return summary, nil
	}
	if err != nil {
		summary.Status = models.RunStatusFailure
		return summary, err
	}

	return summary, nil
}

func (s *SyncService) sync(ctx context.Context, property *models.Property, feedID string, a guard.Admission, summary *models.SyncSummary, log logrus.FieldLogger) error {
	run, err := s.runs.Start(ctx, a.Kind, a.ScopeType, a.ScopeID)
	if err != nil {
		return err
	}
	summary.RunID = run.ID

	feeds, err := s.feedsToSync(ctx, property.ID, feedID)
	if err != nil {
		s.finishFailed(ctx, run, summary, err)
		return err
	}

	results := s.fetchAll(ctx, feeds)

	// Reconciliation runs sequentially in feed order so duplicate
	// suppression across feeds sees a stable ledger.
	var failedFeeds int
	for i := range feeds {
		feed := &feeds[i]
		fr, err := s.syncFeed(ctx, feed, results[i], summary, log)
		summary.Feeds = append(summary.Feeds, fr)
		if err != nil {
			s.finishFailed(ctx, run, summary, err)
			return err
		}
		if fr.Error != "" {
			failedFeeds++
		}
	}

	if s.enricher != nil {
		match, err := s.enricher.EnrichProperty(ctx, property.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.finishFailed(ctx, run, summary, err)
				return err
			}
			summary.Failures = append(summary.Failures, models.ItemFailure{
				Item:  "enrichment",
				Error: err.Error(),
			})
		} else {
			summary.Matched = match.Matched
		}
	}

	summary.Status = models.StatusFor(len(feeds)-failedFeeds, failedFeeds)
	if len(feeds) > 0 && failedFeeds == 0 && len(summary.Failures) > 0 {
		summary.Status = models.RunStatusPartial
	}

	run.Status = summary.Status
	run.EventsFound = summary.EventsFound
	run.Processed = summary.Processed
	run.Matched = summary.Matched
	run.Errors = len(summary.Failures)
	run.Detail = detailJSON(summary)
	if err := s.runs.Finish(ctx, run); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"run_id":    run.ID,
		"status":    summary.Status,
		"feeds":     len(feeds),
		"events":    summary.EventsFound,
		"processed": summary.Processed,
		"matched":   summary.Matched,
	}).Info("Calendar sync completed")

	return nil
}

func (s *SyncService) feedsToSync(ctx context.Context, propertyID, feedID string) ([]models.Feed, error) {
	if feedID == "" {
		return s.properties.ListActiveFeeds(ctx, propertyID)
	}

	feed, err := s.properties.GetFeed(ctx, feedID)
	if err != nil {
		return nil, err
	}
	if feed == nil || feed.PropertyID != propertyID {
		return nil, fmt.Errorf("feed %s: %w", feedID, storage.ErrNotFound)
	}
	if !feed.Active {
		return nil, nil
	}
	return []models.Feed{*feed}, nil
}

// fetchAll downloads feeds with bounded parallelism. A failed download is
// recorded in its slot and never cancels its siblings.
func (s *SyncService) fetchAll(ctx context.Context, feeds []models.Feed) []fetched {
	results := make([]fetched, len(feeds))

	var g errgroup.Group
	g.SetLimit(s.opts.MaxParallelFeeds)
	for i := range feeds {
		i := i
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
			defer cancel()

			events, err := s.fetcher.Fetch(fctx, feeds[i].URL)
			var fe *FetchError
			if errors.As(err, &fe) {
				fe.FeedID = feeds[i].ID
			}
			results[i] = fetched{events: events, err: err}
			return nil
		})
	}
	g.Wait()

	return results
}

// syncFeed reconciles one downloaded feed. Fetch failures are recorded on the
// feed and in the summary; the returned error is reserved for store failures.
func (s *SyncService) syncFeed(ctx context.Context, feed *models.Feed, res fetched, summary *models.SyncSummary, log logrus.FieldLogger) (models.FeedSyncResult, error) {
	fr := models.FeedSyncResult{FeedID: feed.ID, FeedLabel: feed.Label}
	flog := log.WithField("feed_id", feed.ID)

	if res.err != nil {
		msg := res.err.Error()
		fr.Error = msg
		summary.Failures = append(summary.Failures, models.ItemFailure{Item: "feed " + feed.ID, Error: msg})
		flog.WithError(res.err).Warn("Feed fetch failed")
		if err := s.properties.UpdateSyncStatus(ctx, feed.ID, models.SyncStatusError, &msg); err != nil {
			return fr, err
		}
		return fr, nil
	}

	fr.EventsFound = len(res.events)
	summary.EventsFound += len(res.events)

	result, err := s.reconciler.Reconcile(ctx, feed, NormalizeAll(feed, res.events))
	if err != nil {
		msg := err.Error()
		fr.Error = msg
		if statusErr := s.properties.UpdateSyncStatus(ctx, feed.ID, models.SyncStatusError, &msg); statusErr != nil {
			flog.WithError(statusErr).Error("Failed to update feed sync status")
		}
		return fr, err
	}

	fr.Created = result.Created
	fr.Updated = result.Updated
	fr.Cancelled = result.Cancelled
	fr.Suppressed = result.Suppressed
	fr.Skipped = len(result.Failures)
	summary.Processed += result.Processed()
	summary.Failures = append(summary.Failures, result.Failures...)

	if err := s.properties.UpdateSyncStatus(ctx, feed.ID, models.SyncStatusSuccess, nil); err != nil {
		return fr, err
	}

	return fr, nil
}

func (s *SyncService) finishFailed(ctx context.Context, run *models.SyncRun, summary *models.SyncSummary, cause error) {
	summary.Status = models.RunStatusFailure
	summary.Failures = append(summary.Failures, models.ItemFailure{Item: "run", Error: cause.Error()})
	run.Status = models.RunStatusFailure
	run.EventsFound = summary.EventsFound
	run.Processed = summary.Processed
	run.Errors = len(summary.Failures)
	run.Detail = detailJSON(summary)
	if err := s.runs.Finish(ctx, run); err != nil {
		s.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to record calendar run")
	}
}

func (s *SyncService) recordSkip(ctx context.Context, a guard.Admission, cause error) {
	run := &models.SyncRun{
		Kind:      a.Kind,
		ScopeType: a.ScopeType,
		ScopeID:   a.ScopeID,
		Status:    models.RunStatusSkipped,
		Detail:    detailJSON(map[string]string{"reason": cause.Error()}),
	}
	if err := s.runs.Record(ctx, run); err != nil {
		s.logger.WithError(err).Warn("Failed to record skipped run")
	}
}

// SyncAll synchronizes every property that has an active feed. Properties
// are handled one after another; failures are logged and do not stop the batch.
func (s *SyncService) SyncAll(ctx context.Context) ([]*models.SyncSummary, error) {
	properties, err := s.properties.ListWithActiveFeeds(ctx)
	if err != nil {
		return nil, err
	}

	var summaries []*models.SyncSummary
	for _, p := range properties {
		summary, err := s.SyncProperty(ctx, p.ID, "")
		if err != nil {
			s.logger.WithError(err).WithField("property_id", p.ID).Error("Calendar sync failed")
		}
		if summary != nil {
			summaries = append(summaries, summary)
		}
	}

	return summaries, nil
}

func detailJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

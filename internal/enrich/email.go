package enrich

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stay-ledger/backend/internal/extract"
	"github.com/stay-ledger/backend/internal/guard"
	"github.com/stay-ledger/backend/internal/storage"
	"github.com/stay-ledger/backend/internal/storage/models"
)

// EmailService turns the messages of a mail connection into reservation
// facts and then enriches the bookings those facts may belong to.
type EmailService struct {
	db         *storage.DB
	properties *storage.PropertyRepository
	mail       *storage.MailRepository
	runs       *storage.RunRepository
	extractor  *extract.Extractor
	matcher    *Matcher
	guard      *guard.Guard
	logger     logrus.FieldLogger
}

// NewEmailService creates a new email ingestion service.
func NewEmailService(
	db *storage.DB,
	properties *storage.PropertyRepository,
	mail *storage.MailRepository,
	runs *storage.RunRepository,
	extractor *extract.Extractor,
	matcher *Matcher,
	g *guard.Guard,
	logger logrus.FieldLogger,
) *EmailService {
	return &EmailService{
		db:         db,
		properties: properties,
		mail:       mail,
		runs:       runs,
		extractor:  extractor,
		matcher:    matcher,
		guard:      g,
		logger:     logger,
	}
}

// SyncConnection extracts facts from the connection's unprocessed messages,
// or from every message when reprocess is set, and runs the matcher for
// the affected properties. A declined run returns a skipped summary.
func (s *EmailService) SyncConnection(ctx context.Context, connectionID string, reprocess bool) (*models.EmailSummary, error) {
	conn, err := s.mail.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("mail connection %s: %w", connectionID, storage.ErrNotFound)
	}

	summary := &models.EmailSummary{
		ConnectionID: connectionID,
		Failures:     []models.ItemFailure{},
		SyncedAt:     time.Now().UTC(),
	}
	log := s.logger.WithField("connection_id", connectionID)

	admission := guard.Admission{
		Kind:      models.RunKindEmail,
		ScopeType: models.ScopeConnection,
		ScopeID:   connectionID,
		LockKey:   guard.ConnectionKey(connectionID),
	}
	err = s.guard.Run(ctx, admission, func(ctx context.Context) error {
		return s.sync(ctx, conn, reprocess, summary, log)
	})

	if errors.Is(err, guard.ErrLockDenied) {
		log.WithError(err).Info("Email sync skipped")
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

func (s *EmailService) sync(ctx context.Context, conn *models.MailConnection, reprocess bool, summary *models.EmailSummary, log logrus.FieldLogger) error {
	run, err := s.runs.Start(ctx, models.RunKindEmail, models.ScopeConnection, conn.ID)
	if err != nil {
		return err
	}
	summary.RunID = run.ID

	messages, err := s.mail.ListMessages(ctx, conn.ID, !reprocess)
	if err != nil {
		s.fail(ctx, run, summary, err)
		return err
	}
	summary.MessagesFound = len(messages)

	processed := 0
	for _, msg := range messages {
		created, updated, err := s.processMessage(ctx, conn, msg)
		if err != nil {
			log.WithError(err).WithField("message_id", msg.MessageID).Warn("Failed to process message")
			summary.Failures = append(summary.Failures, models.ItemFailure{
				Item:  "message " + msg.MessageID,
				Error: err.Error(),
			})
			continue
		}
		processed++
		if created {
			summary.FactsCreated++
		}
		if updated {
			summary.FactsUpdated++
		}
	}

	if err := s.enrichAffected(ctx, conn, summary); err != nil {
		s.fail(ctx, run, summary, err)
		return err
	}

	summary.Status = models.StatusFor(processed, len(summary.Failures))
	run.Status = summary.Status
	run.EventsFound = summary.MessagesFound
	run.Processed = processed
	run.Matched = summary.BookingsMatched
	run.Errors = len(summary.Failures)
	run.Detail = detailJSON(summary)
	if err := s.runs.Finish(ctx, run); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"run_id":        run.ID,
		"messages":      summary.MessagesFound,
		"facts_created": summary.FactsCreated,
		"facts_updated": summary.FactsUpdated,
		"matched":       summary.BookingsMatched,
	}).Info("Email sync completed")

	return nil
}

// processMessage extracts one message and stores or backfills its fact.
// The fact write and the processed stamp commit together.
func (s *EmailService) processMessage(ctx context.Context, conn *models.MailConnection, msg models.MailMessage) (created, updated bool, err error) {
	x := s.extractor.Extract(msg)

	err = s.db.Transaction(ctx, func(tx *sql.Tx) error {
		mail := s.mail.WithTx(tx)

		existing, err := mail.GetFactByMessageRef(ctx, conn.ID, msg.MessageID)
		if err != nil {
			return err
		}

		fresh := x.Fact(conn.ID, conn.PropertyID, msg.MessageID)
		switch {
		case existing == nil && !x.Empty():
			if err := mail.CreateFact(ctx, &fresh); err != nil {
				return err
			}
			created = true
		case existing != nil:
			merged, changed := extract.MergeFact(*existing, fresh)
			if changed {
				if err := mail.UpdateFact(ctx, &merged); err != nil {
					return err
				}
				updated = true
			}
		}

		return mail.MarkProcessed(ctx, msg.ID)
	})

	return created, updated, err
}

// enrichAffected runs the matcher for every property the connection's facts
// may belong to.
func (s *EmailService) enrichAffected(ctx context.Context, conn *models.MailConnection, summary *models.EmailSummary) error {
	if summary.FactsCreated == 0 && summary.FactsUpdated == 0 {
		return nil
	}

	var propertyIDs []string
	if conn.PropertyID != nil {
		propertyIDs = []string{*conn.PropertyID}
	} else {
		props, err := s.properties.ListByWorkspace(ctx, conn.WorkspaceID)
		if err != nil {
			return err
		}
		for _, p := range props {
			propertyIDs = append(propertyIDs, p.ID)
		}
	}

	for _, id := range propertyIDs {
		result, err := s.matcher.EnrichProperty(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
		summary.BookingsMatched += result.Matched
	}

	return nil
}

func (s *EmailService) fail(ctx context.Context, run *models.SyncRun, summary *models.EmailSummary, cause error) {
	summary.Status = models.RunStatusFailure
	summary.Failures = append(summary.Failures, models.ItemFailure{Item: "connection " + run.ScopeID, Error: cause.Error()})
	run.Status = models.RunStatusFailure
	run.EventsFound = summary.MessagesFound
	run.Errors = len(summary.Failures)
	run.Detail = detailJSON(summary)
	if err := s.runs.Finish(ctx, run); err != nil {
		s.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to record email run")
	}
}

func (s *EmailService) recordSkip(ctx context.Context, a guard.Admission, cause error) {
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

// SyncAll runs every active mail connection.
func (s *EmailService) SyncAll(ctx context.Context) ([]*models.EmailSummary, error) {
	conns, err := s.mail.ListActiveConnections(ctx)
	if err != nil {
		return nil, err
	}

	var summaries []*models.EmailSummary
	for _, c := range conns {
		summary, err := s.SyncConnection(ctx, c.ID, false)
		if err != nil {
			s.logger.WithError(err).WithField("connection_id", c.ID).Error("Email sync failed")
		}
		if summary != nil {
			summaries = append(summaries, summary)
		}
	}
	return summaries, nil
}

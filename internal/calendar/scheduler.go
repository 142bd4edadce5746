package calendar

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/stay-ledger/backend/internal/enrich"
	"github.com/stay-ledger/backend/internal/storage"
	"github.com/stay-ledger/backend/internal/storage/models"
	"github.com/stay-ledger/backend/internal/websocket"
)

// Scheduler manages periodic property and mail connection sync jobs.
type Scheduler struct {
	cron         *cron.Cron
	syncService  *SyncService
	emailService *enrich.EmailService
	properties   *storage.PropertyRepository
	mail         *storage.MailRepository
	broadcaster  *websocket.EventBroadcaster
	logger       logrus.FieldLogger

	// Track jobs per property and per connection
	jobs      map[string]scheduledJob
	emailJobs map[string]cron.EntryID
	jobsMu    sync.RWMutex

	defaultIntervalMin int
	emailIntervalMin   int
}

type scheduledJob struct {
	entry       cron.EntryID
	intervalMin int
}

// NewScheduler creates a new sync scheduler. emailService may be nil when
// mail ingestion is not configured.
func NewScheduler(
	syncService *SyncService,
	emailService *enrich.EmailService,
	properties *storage.PropertyRepository,
	mail *storage.MailRepository,
	broadcaster *websocket.EventBroadcaster,
	defaultIntervalMin, emailIntervalMin int,
	logger logrus.FieldLogger,
) *Scheduler {
	if defaultIntervalMin <= 0 {
		defaultIntervalMin = 15
	}
	if emailIntervalMin <= 0 {
		emailIntervalMin = 10
	}

	return &Scheduler{
		cron:               cron.New(cron.WithSeconds()),
		syncService:        syncService,
		emailService:       emailService,
		properties:         properties,
		mail:               mail,
		broadcaster:        broadcaster,
		logger:             logger,
		jobs:               make(map[string]scheduledJob),
		emailJobs:          make(map[string]cron.EntryID),
		defaultIntervalMin: defaultIntervalMin,
		emailIntervalMin:   emailIntervalMin,
	}
}

// Start loads the schedule set and begins running jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting sync scheduler...")

	if err := s.refreshSchedules(ctx); err != nil {
		return err
	}

	// Pick up new or changed feeds and connections every 5 minutes.
	if _, err := s.cron.AddFunc("@every 5m", func() {
		if err := s.refreshSchedules(context.Background()); err != nil {
			s.logger.WithError(err).Error("Failed to refresh sync schedules")
		}
	}); err != nil {
		return err
	}

	s.cron.Start()

	// Catch up on whatever changed upstream while the server was down.
	go s.syncAll(context.Background())

	s.jobsMu.RLock()
	s.logger.WithFields(logrus.Fields{
		"properties":  len(s.jobs),
		"connections": len(s.emailJobs),
	}).Info("Sync scheduler started")
	s.jobsMu.RUnlock()

	return nil
}

// Stop gracefully shuts down the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping sync scheduler...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Sync scheduler stopped")
}

// ScheduleProperty adds or updates a property's sync job. The job runs at
// the smallest interval among the property's active feeds.
func (s *Scheduler) ScheduleProperty(propertyID string, feeds []models.Feed) {
	interval := 0
	for _, f := range feeds {
		if !f.Active || f.SyncIntervalMin <= 0 {
			continue
		}
		if interval == 0 || f.SyncIntervalMin < interval {
			interval = f.SyncIntervalMin
		}
	}
	if interval == 0 {
		interval = s.defaultIntervalMin
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if existing, ok := s.jobs[propertyID]; ok {
		if existing.intervalMin == interval {
			return
		}
		s.cron.Remove(existing.entry)
		delete(s.jobs, propertyID)
	}

	entryID, err := s.cron.AddFunc(minutesToCronSpec(interval), func() {
		s.syncProperty(propertyID)
	})
	if err != nil {
		s.logger.WithError(err).WithField("property_id", propertyID).Error("Failed to schedule property")
		return
	}

	s.jobs[propertyID] = scheduledJob{entry: entryID, intervalMin: interval}
	s.logger.WithFields(logrus.Fields{
		"property_id":  propertyID,
		"interval_min": interval,
	}).Info("Scheduled property sync")
}

// UnscheduleProperty removes a property from the sync schedule.
func (s *Scheduler) UnscheduleProperty(propertyID string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if job, ok := s.jobs[propertyID]; ok {
		s.cron.Remove(job.entry)
		delete(s.jobs, propertyID)
		s.logger.WithField("property_id", propertyID).Info("Unscheduled property sync")
	}
}

// scheduleConnection adds a mail connection's sync job if it has none.
func (s *Scheduler) scheduleConnection(connectionID string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if _, ok := s.emailJobs[connectionID]; ok {
		return
	}

	entryID, err := s.cron.AddFunc(minutesToCronSpec(s.emailIntervalMin), func() {
		s.syncConnection(connectionID)
	})
	if err != nil {
		s.logger.WithError(err).WithField("connection_id", connectionID).Error("Failed to schedule mail connection")
		return
	}
	s.emailJobs[connectionID] = entryID
}

// TriggerSync runs an immediate sync for a property in the background.
func (s *Scheduler) TriggerSync(propertyID string) {
	go s.syncProperty(propertyID)
}

func (s *Scheduler) syncProperty(propertyID string) {
	ctx := context.Background()

	summary, err := s.syncService.SyncProperty(ctx, propertyID, "")
	if err != nil {
		s.logger.WithError(err).WithField("property_id", propertyID).Error("Scheduled calendar sync failed")
		s.broadcaster.BroadcastSyncError(models.RunKindCalendar, models.ScopeProperty, propertyID, err)
		return
	}

	s.broadcaster.BroadcastCalendarSync(summary)
	if summary.Matched > 0 {
		s.broadcaster.BroadcastBookingsEnriched(propertyID, summary.Matched)
	}
}

func (s *Scheduler) syncConnection(connectionID string) {
	ctx := context.Background()

	summary, err := s.emailService.SyncConnection(ctx, connectionID, false)
	if err != nil {
		s.logger.WithError(err).WithField("connection_id", connectionID).Error("Scheduled email sync failed")
		s.broadcaster.BroadcastSyncError(models.RunKindEmail, models.ScopeConnection, connectionID, err)
		return
	}

	if !summary.Skipped {
		s.broadcaster.BroadcastEmailSync(summary)
	}
}

// syncAll runs every property and then every mail connection once.
func (s *Scheduler) syncAll(ctx context.Context) {
	summaries, err := s.syncService.SyncAll(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Calendar catch-up sync failed")
	}
	for _, summary := range summaries {
		s.broadcaster.BroadcastCalendarSync(summary)
	}

	if s.emailService == nil {
		return
	}
	emails, err := s.emailService.SyncAll(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Email catch-up sync failed")
	}
	for _, summary := range emails {
		if !summary.Skipped {
			s.broadcaster.BroadcastEmailSync(summary)
		}
	}
}

// refreshSchedules reloads the schedule set from the database.
func (s *Scheduler) refreshSchedules(ctx context.Context) error {
	properties, err := s.properties.ListWithActiveFeeds(ctx)
	if err != nil {
		return err
	}

	current := make(map[string]bool)
	for _, p := range properties {
		feeds, err := s.properties.ListActiveFeeds(ctx, p.ID)
		if err != nil {
			return err
		}
		current[p.ID] = true
		s.ScheduleProperty(p.ID, feeds)
	}

	// Remove jobs for properties that no longer have an active feed
	s.jobsMu.Lock()
	for id, job := range s.jobs {
		if !current[id] {
			s.cron.Remove(job.entry)
			delete(s.jobs, id)
			s.logger.WithField("property_id", id).Info("Removed schedule for property (no active feeds)")
		}
	}
	s.jobsMu.Unlock()

	if s.emailService == nil {
		return nil
	}

	conns, err := s.mail.ListActiveConnections(ctx)
	if err != nil {
		return err
	}
	active := make(map[string]bool)
	for _, c := range conns {
		active[c.ID] = true
		s.scheduleConnection(c.ID)
	}

	s.jobsMu.Lock()
	for id, entry := range s.emailJobs {
		if !active[id] {
			s.cron.Remove(entry)
			delete(s.emailJobs, id)
		}
	}
	s.jobsMu.Unlock()

	return nil
}

// minutesToCronSpec converts minutes to a cron spec.
func minutesToCronSpec(minutes int) string {
	if minutes <= 0 {
		minutes = 15
	}
	duration := time.Duration(minutes) * time.Minute
	return "@every " + duration.String()
}

// ScheduledProperties returns the IDs of properties with a sync job.
func (s *Scheduler) ScheduledProperties() []string {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// NextRun returns the next scheduled run time for a property.
func (s *Scheduler) NextRun(propertyID string) *time.Time {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	if job, ok := s.jobs[propertyID]; ok {
		entry := s.cron.Entry(job.entry)
		if !entry.Next.IsZero() {
			return &entry.Next
		}
	}
	return nil
}

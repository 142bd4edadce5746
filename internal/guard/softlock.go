package guard

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RunLog is the part of the audit log the soft lock reads.
type RunLog interface {
	LatestSuccess(ctx context.Context, kind, scopeType, scopeID string) (*time.Time, error)
}

// SoftLock declines a run when the same scope finished successfully within
// the debounce window.
type SoftLock struct {
	runs     RunLog
	debounce time.Duration
	now      func() time.Time
	logger   logrus.FieldLogger
}

// NewSoftLock creates a soft lock. A zero debounce admits every run.
func NewSoftLock(runs RunLog, debounce time.Duration, logger logrus.FieldLogger) *SoftLock {
	return &SoftLock{
		runs:     runs,
		debounce: debounce,
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *SoftLock) WithClock(now func() time.Time) *SoftLock {
	s.now = now
	return s
}

// Allow reports whether a run for the scope may start. Failing to read the
// log admits the run so a broken log cannot wedge the scheduler.
func (s *SoftLock) Allow(ctx context.Context, kind, scopeType, scopeID string) bool {
	if s.debounce <= 0 {
		return true
	}

	last, err := s.runs.LatestSuccess(ctx, kind, scopeType, scopeID)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"kind":  kind,
			"scope": scopeType + ":" + scopeID,
		}).WithError(err).Warn("Reading last successful run failed, allowing run")
		return true
	}
	if last == nil {
		return true
	}

	return s.now().Sub(*last) >= s.debounce
}

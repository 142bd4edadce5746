package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MemoryLocker is an in-process lock table mapping each key to the time it
// was acquired. Staleness is checked when a key is requested again, so no
// background sweeper runs.
type MemoryLocker struct {
	mu     sync.Mutex
	held   map[string]lease
	seq    uint64
	ttl    time.Duration
	now    func() time.Time
	logger logrus.FieldLogger
}

type lease struct {
	acquired time.Time
	token    uint64
}

// NewMemoryLocker creates an in-process locker whose locks may be reclaimed after ttl.
func NewMemoryLocker(ttl time.Duration, logger logrus.FieldLogger) *MemoryLocker {
	return &MemoryLocker{
		held:   make(map[string]lease),
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock replaces the time source. Used by tests.
func (l *MemoryLocker) WithClock(now func() time.Time) *MemoryLocker {
	l.now = now
	return l
}

// Acquire takes key. A held key is granted again only once its holder has
// exceeded the TTL, which recovers from a run that crashed without releasing.
func (l *MemoryLocker) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if current, ok := l.held[key]; ok {
		age := now.Sub(current.acquired)
		if age < l.ttl {
			return nil, fmt.Errorf("%s held for %s: %w", key, age.Round(time.Second), ErrLockDenied)
		}
		l.logger.WithFields(logrus.Fields{
			"key":       key,
			"held_for":  age.String(),
			"ttl":       l.ttl.String(),
			"stale_ago": (age - l.ttl).String(),
		}).Warn("Reclaiming stale lock")
	}

	l.seq++
	token := l.seq
	l.held[key] = lease{acquired: now, token: token}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, token) })
	}, nil
}

// release drops key only while it still belongs to the caller; a reclaimed
// lock is not released by its previous holder.
func (l *MemoryLocker) release(key string, token uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.held[key]; ok && current.token == token {
		delete(l.held, key)
	}
}

// Held reports whether key is currently present in the table.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

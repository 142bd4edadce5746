// Package guard keeps overlapping sync runs apart.
//
// Two advisory layers compose: a soft lock that declines a run when the same
// scope finished successfully moments ago, and an exclusive lock keyed by
// feed, property or connection. Neither is transactional. The reconciler's
// idempotence is what keeps the ledger correct when both are bypassed.
package guard

import (
	"context"
	"errors"
	"fmt"
)

// ErrLockDenied is returned when a run is declined because the scope is
// locked or was synced recently. Callers report it as a skipped no-op.
var ErrLockDenied = errors.New("lock denied")

// Locker is an exclusive lock keyed by scope.
type Locker interface {
	// Acquire takes the lock for key. It returns ErrLockDenied when another
	// holder has it. The returned release func is safe to call once.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Admission describes a run asking to start.
type Admission struct {
	Kind      string
	ScopeType string
	ScopeID   string
	// LockKey is the exclusive lock key, such as "feed:<id>".
	LockKey string
}

// Guard composes the soft lock and the exclusive lock.
type Guard struct {
	soft   *SoftLock
	locker Locker
}

// New creates a guard. A nil soft lock disables the freshness check.
func New(soft *SoftLock, locker Locker) *Guard {
	return &Guard{soft: soft, locker: locker}
}

// Run calls fn when the admission passes both layers and holds the exclusive
// lock for the duration of the call.
func (g *Guard) Run(ctx context.Context, a Admission, fn func(ctx context.Context) error) error {
	if g.soft != nil && !g.soft.Allow(ctx, a.Kind, a.ScopeType, a.ScopeID) {
		return fmt.Errorf("%s %s synced recently: %w", a.ScopeType, a.ScopeID, ErrLockDenied)
	}

	release, err := g.locker.Acquire(ctx, a.LockKey)
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx)
}

// FeedKey returns the lock key of a feed.
func FeedKey(id string) string { return "feed:" + id }

// PropertyKey returns the lock key of a property.
func PropertyKey(id string) string { return "property:" + id }

// ConnectionKey returns the lock key of a mail connection.
func ConnectionKey(id string) string { return "connection:" + id }

// Package lock provides TTL leases that keep one strategy run from ticking twice at once.
package lock

import (
	"context"
	"fmt"
	"log"
	"time"

	"execution-core/pkg/instance"
)

// Store is the lease table. *db.Database satisfies it.
type Store interface {
	AcquireLock(ctx context.Context, runID, owner, holder string, now, expiresAt time.Time) (bool, error)
	ReleaseLock(ctx context.Context, runID, owner string) (bool, error)
}

// Locker acquires and releases run leases.
type Locker struct {
	store  Store
	holder string
	now    func() time.Time
}

// Option customizes a Locker.
type Option func(*Locker)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Locker) { l.now = now }
}

// WithHolder overrides the instance id recorded with each lease.
func WithHolder(holder string) Option {
	return func(l *Locker) { l.holder = holder }
}

// New creates a Locker.
func New(store Store, opts ...Option) *Locker {
	l := &Locker{store: store, holder: instance.ID(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewOwner returns a fresh owner token.
func (l *Locker) NewOwner() string {
	return instance.NewOwnerToken()
}

// Acquire tries to take runID for ttl without blocking. It succeeds when the
// lease is free, expired, or already held by owner.
func (l *Locker) Acquire(ctx context.Context, runID string, ttl time.Duration, owner string) (bool, error) {
	if runID == "" || owner == "" {
		return false, fmt.Errorf("lock: run id and owner are required")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("lock: ttl must be positive")
	}
	now := l.now().UTC()
	ok, err := l.store.AcquireLock(ctx, runID, owner, l.holder, now, now.Add(ttl))
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release drops the lease if owner holds it. Releasing someone else's lease is a no-op.
func (l *Locker) Release(ctx context.Context, runID, owner string) error {
	released, err := l.store.ReleaseLock(ctx, runID, owner)
	if err != nil {
		return err
	}
	if !released {
		log.Printf("lock: release of %s by %s ignored (not owner or already expired)", runID, owner)
	}
	return nil
}

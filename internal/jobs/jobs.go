// Package jobs remembers, per identity, which remote bulk job is still open
// for appending.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/keys"
	"pkt.systems/relayd/internal/loggingutil"
	"pkt.systems/relayd/internal/storage"
)

const (
	// DefaultWindow is how long the remote keeps a bulk job open.
	DefaultWindow = 15 * time.Minute
	// DefaultSafetyMargin is subtracted from the remote closing time so the
	// registry forgets a job before the remote closes it.
	DefaultSafetyMargin = 15 * time.Second
)

// Handle identifies an open remote job.
type Handle struct {
	ID        string
	ExpiresAt time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger pslog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithClock overrides the registry clock.
func WithClock(clk clock.Clock) Option {
	return func(r *Registry) { r.clock = clk }
}

// WithSafetyMargin overrides DefaultSafetyMargin.
func WithSafetyMargin(margin time.Duration) Option {
	return func(r *Registry) {
		if margin >= 0 {
			r.margin = margin
		}
	}
}

// Registry maps (account, kind, identity) to an open job id in the store.
type Registry struct {
	store  storage.Store
	clock  clock.Clock
	logger pslog.Logger
	margin time.Duration
}

// New returns a Registry backed by store.
func New(store storage.Store, opts ...Option) *Registry {
	r := &Registry{store: store, margin: DefaultSafetyMargin}
	for _, opt := range opts {
		opt(r)
	}
	r.clock = clock.Or(r.clock)
	r.logger = loggingutil.WithSubsystem(r.logger, "jobs")
	return r
}

// SafetyMargin returns the configured margin.
func (r *Registry) SafetyMargin() time.Duration {
	return r.margin
}

// Lookup returns the open job id for identity, if one is recorded.
func (r *Registry) Lookup(ctx context.Context, account string, kind keys.JobKind, identity string) (string, bool, error) {
	id, err := r.store.Get(ctx, keys.Job(account, kind, identity))
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("jobs: lookup %s: %w", kind, err)
	}
	if id == "" {
		return "", false, nil
	}
	return id, true, nil
}

// TTL returns how long a handle closing at expiresAt may be remembered.
// Non-positive results mean the handle must not be recorded.
func (r *Registry) TTL(expiresAt time.Time) time.Duration {
	return expiresAt.Sub(r.clock.Now()) - r.margin
}

// Record stores handle for identity, overwriting any previous job. It
// reports whether anything was written: handles closing within the safety
// margin are skipped so the next dispatch opens a fresh job.
func (r *Registry) Record(ctx context.Context, account string, kind keys.JobKind, identity string, handle Handle) (bool, error) {
	logger := loggingutil.FromContext(ctx, r.logger)
	if handle.ID == "" {
		return false, fmt.Errorf("jobs: record %s: empty job id", kind)
	}
	ttl := r.TTL(handle.ExpiresAt)
	if ttl <= 0 {
		logger.Debug("jobs.record.skip", "kind", kind, "job_id", handle.ID, "expires_at", handle.ExpiresAt)
		return false, nil
	}
	if err := r.store.Set(ctx, keys.Job(account, kind, identity), handle.ID, ttl); err != nil {
		return false, fmt.Errorf("jobs: record %s: %w", kind, err)
	}
	logger.Trace("jobs.record", "kind", kind, "job_id", handle.ID, "ttl", ttl)
	return true, nil
}

// Invalidate forgets identity's job of the given kind.
func (r *Registry) Invalidate(ctx context.Context, account string, kind keys.JobKind, identity string) error {
	if err := r.store.Delete(ctx, keys.Job(account, kind, identity), ""); err != nil {
		return fmt.Errorf("jobs: invalidate %s: %w", kind, err)
	}
	return nil
}

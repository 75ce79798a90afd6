// Package lock implements the store-backed mutual exclusion relayd uses to
// serialise dispatches for one identity across every process sharing the
// coordination store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/loggingutil"
	"pkt.systems/relayd/internal/storage"
)

var (
	// ErrContended is returned when another holder kept the key for longer
	// than the acquire budget.
	ErrContended = errors.New("lock: contended")
	// ErrLeaseLost is returned by Release when the entry expired and was
	// taken by another holder before the release ran.
	ErrLeaseLost = errors.New("lock: lease lost")
)

// Error reports a failed acquisition of Key.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("lock %s: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// abandonTimeout bounds the cleanup after a failed acquisition.
const abandonTimeout = 2 * time.Second

// Config tunes acquisition.
type Config struct {
	// TTL bounds how long a crashed holder can keep a key.
	TTL time.Duration
	// AcquireBlock bounds how long Acquire waits for a contended key.
	AcquireBlock time.Duration
	// BaseDelay is the first poll interval after losing the race.
	BaseDelay time.Duration
	// MaxDelay caps exponential poll growth.
	MaxDelay time.Duration
	// Multiplier is the growth factor between polls.
	Multiplier float64
	// Jitter randomises each poll by +/- Jitter.
	Jitter time.Duration
}

// DefaultConfig returns the acquisition parameters used when none are set.
func DefaultConfig() Config {
	return Config{
		TTL:          30 * time.Second,
		AcquireBlock: 10 * time.Second,
		BaseDelay:    25 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       20 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.AcquireBlock < 0 {
		c.AcquireBlock = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// Option customises a Locker.
type Option func(*Locker)

// WithLogger sets the logger used for acquisition traces.
func WithLogger(logger pslog.Logger) Option {
	return func(l *Locker) {
		l.logger = logger
	}
}

// WithClock overrides the clock used for deadlines and backoff.
func WithClock(clk clock.Clock) Option {
	return func(l *Locker) {
		l.clock = clk
	}
}

// Locker hands out leases on store keys. It is safe for concurrent use and
// keeps no state about held keys; the store is the only source of truth.
type Locker struct {
	store  storage.Store
	cfg    Config
	clock  clock.Clock
	logger pslog.Logger

	randMu     sync.Mutex
	randInt64N func(int64) int64
}

// New returns a Locker backed by store.
func New(store storage.Store, cfg Config, opts ...Option) *Locker {
	l := &Locker{
		store:      store,
		cfg:        cfg.withDefaults(),
		randInt64N: rand.Int64N,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.clock = clock.Or(l.clock)
	l.logger = loggingutil.WithSubsystem(l.logger, "lock")
	return l
}

// Config returns the effective configuration.
func (l *Locker) Config() Config {
	return l.cfg
}

// Acquire blocks until key is free and then claims it for the configured
// TTL. It is not reentrant: a caller already holding key waits like any
// other contender.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	token := uuid.NewString()
	start := l.clock.Now()
	deadline := start.Add(l.cfg.AcquireBlock)
	delay := l.cfg.BaseDelay
	logger := loggingutil.FromContext(ctx, l.logger).With("key", key)
	for attempt := 1; ; attempt++ {
		won, err := l.store.SetNX(ctx, key, token, l.cfg.TTL)
		if err != nil {
			l.abandon(ctx, key, token, logger)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, &Error{Key: key, Err: ctxErr}
			}
			logger.Warn("lock.acquire.store_error", "attempt", attempt, "error", err)
			return nil, &Error{Key: key, Err: err}
		}
		if won {
			lease := &Lease{
				locker:     l,
				key:        key,
				token:      token,
				acquiredAt: l.clock.Now(),
				waited:     l.clock.Now().Sub(start),
			}
			logger.Trace("lock.acquire.success", "attempt", attempt, "waited", lease.waited)
			return lease, nil
		}
		remaining := deadline.Sub(l.clock.Now())
		if remaining <= 0 {
			logger.Debug("lock.acquire.contended", "attempt", attempt, "waited", l.clock.Now().Sub(start))
			return nil, &Error{Key: key, Err: ErrContended}
		}
		sleep := l.retryDelay(delay)
		if sleep > remaining {
			sleep = remaining
		}
		logger.Trace("lock.acquire.backoff", "attempt", attempt, "delay", sleep)
		select {
		case <-ctx.Done():
			return nil, &Error{Key: key, Err: ctx.Err()}
		case <-l.clock.After(sleep):
		}
		next := time.Duration(float64(delay) * l.cfg.Multiplier)
		if next > l.cfg.MaxDelay {
			next = l.cfg.MaxDelay
		}
		delay = next
	}
}

// abandon removes an entry a failed SetNX may still have written, so an
// acquisition that errored never leaves the key held by a token nobody owns.
func (l *Locker) abandon(ctx context.Context, key, token string, logger pslog.Logger) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	err := l.store.Delete(cleanupCtx, key, token)
	if err != nil && !errors.Is(err, storage.ErrCASMismatch) {
		logger.Warn("lock.acquire.abandon_error", "error", err)
	}
}

// retryDelay caps cur and offsets it by a random +/- jitter.
func (l *Locker) retryDelay(cur time.Duration) time.Duration {
	sleep := cur
	if sleep > l.cfg.MaxDelay {
		sleep = l.cfg.MaxDelay
	}
	j := l.cfg.Jitter
	if j <= 0 {
		return sleep
	}
	if sleep < j {
		j = sleep / 2
	}
	if j <= 0 {
		return sleep
	}
	l.randMu.Lock()
	offset := time.Duration(l.randInt64N(int64(j)*2+1)) - j
	l.randMu.Unlock()
	sleep += offset
	if sleep < 0 {
		sleep = 0
	}
	return sleep
}

// WithLock runs fn while holding key. The lease is released on every path,
// including panics, using a context detached from ctx's cancellation and
// bounded by releaseTimeout.
func (l *Locker) WithLock(ctx context.Context, key string, releaseTimeout time.Duration, fn func(context.Context, *Lease) error) (err error) {
	lease, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lease.ReleaseDetached(ctx, releaseTimeout); relErr != nil {
			loggingutil.FromContext(ctx, l.logger).Warn("lock.release.error", "key", key, "error", relErr)
		}
	}()
	return fn(ctx, lease)
}

// Lease is one successful acquisition. Release is idempotent.
type Lease struct {
	locker     *Locker
	key        string
	token      string
	acquiredAt time.Time
	waited     time.Duration

	mu       sync.Mutex
	released bool
}

// Key returns the locked key.
func (l *Lease) Key() string { return l.key }

// Token returns the value stored under the key while the lease is held.
func (l *Lease) Token() string { return l.token }

// Waited returns how long Acquire spent waiting for the key.
func (l *Lease) Waited() time.Duration { return l.waited }

// Held reports whether Release has not yet run.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.released
}

// Release removes the key if it still carries this lease's token. Calling
// Release more than once is a no-op. ErrLeaseLost means the TTL ran out and
// another holder owns the key; that holder is left untouched.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	err := l.locker.store.Delete(ctx, l.key, l.token)
	if errors.Is(err, storage.ErrCASMismatch) {
		l.released = true
		return ErrLeaseLost
	}
	if err != nil {
		return err
	}
	l.released = true
	held := l.locker.clock.Now().Sub(l.acquiredAt)
	loggingutil.FromContext(ctx, l.locker.logger).Trace("lock.release.success", "key", l.key, "held", held)
	return nil
}

// ReleaseDetached releases on a context that survives ctx's cancellation so
// a caller timeout never strands the lock until its TTL.
func (l *Lease) ReleaseDetached(ctx context.Context, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	relCtx := context.WithoutCancel(ctx)
	if timeout > 0 {
		var cancel context.CancelFunc
		relCtx, cancel = context.WithTimeout(relCtx, timeout)
		defer cancel()
	}
	return l.Release(relCtx)
}

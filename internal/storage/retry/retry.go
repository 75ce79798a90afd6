package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a store that retries transient errors according to cfg.
func Wrap(inner storage.Store, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Store {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:  inner,
		logger: logger,
		clock:  clock.Or(clk),
		cfg:    cfg,
	}
}

type store struct {
	inner  storage.Store
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (s *store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.withRetry(ctx, "get", key, func(ctx context.Context) error {
		var err error
		value, err = s.inner.Get(ctx, key)
		return err
	})
	return value, err
}

func (s *store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.withRetry(ctx, "set", key, func(ctx context.Context) error {
		return s.inner.Set(ctx, key, value, ttl)
	})
}

// SetNX is retried on transient errors. A transient failure can hide a
// write the backend applied before the response was lost, so an attempt that
// loses after such a failure re-reads key and reports the win when the entry
// holds value.
func (s *store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var won, unsure bool
	err := s.withRetry(ctx, "setnx", key, func(ctx context.Context) error {
		var err error
		won, err = s.inner.SetNX(ctx, key, value, ttl)
		if storage.IsTransient(err) {
			unsure = true
		}
		return err
	})
	if err != nil || won || !unsure {
		return won, err
	}
	current, getErr := s.Get(ctx, key)
	if getErr == nil && current == value {
		s.logger.Warn("storage setnx applied despite transient error", "key", key)
		return true, nil
	}
	return false, nil
}

func (s *store) Delete(ctx context.Context, key, expected string) error {
	return s.withRetry(ctx, "delete", key, func(ctx context.Context) error {
		return s.inner.Delete(ctx, key, expected)
	})
}

func (s *store) Sweep(ctx context.Context) (int, error) {
	return storage.SweepIfSupported(ctx, s.inner)
}

func (s *store) Close() error {
	return s.inner.Close()
}

func (s *store) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := s.cfg.MaxAttempts
	delay := s.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		s.logger.Warn("storage transient error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(delay):
			next := time.Duration(float64(delay) * s.cfg.Multiplier)
			if s.cfg.MaxDelay > 0 && next > s.cfg.MaxDelay {
				next = s.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}

package storage

import (
	"context"
	"errors"
	"strconv"
	"time"
)

var (
	// ErrNotFound indicates the requested key is missing or has expired.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write or delete lost its race.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNotImplemented is returned by backends lacking an optional capability.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Store is the key/value coordination store shared by every relayd instance.
// Only single-key atomicity is assumed.
//
// A ttl <= 0 stores the value without expiry. Expired entries behave exactly
// like missing ones for every operation.
type Store interface {
	// Get returns the live value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set unconditionally writes value and (re)sets the entry's TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value only when no live entry exists. It reports whether
	// the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes key. When expected is non-empty the entry is removed only
	// if it still holds expected; otherwise ErrCASMismatch is returned.
	// Deleting a missing key is not an error.
	Delete(ctx context.Context, key, expected string) error
	Close() error
}

// Sweeper is implemented by backends that keep expired entries around until
// they are explicitly purged.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SweepIfSupported purges expired entries when store implements Sweeper.
func SweepIfSupported(ctx context.Context, store Store) (int, error) {
	if sweeper, ok := store.(Sweeper); ok {
		return sweeper.Sweep(ctx)
	}
	return 0, ErrNotImplemented
}

// ExpiryFor converts a TTL into an absolute expiry. The zero time means the
// entry never expires.
func ExpiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// Expired reports whether an entry with the supplied expiry is dead at now.
func Expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

// FormatExpiry renders expiresAt as unix milliseconds for metadata fields.
// Entries without expiry render as "0".
func FormatExpiry(expiresAt time.Time) string {
	if expiresAt.IsZero() {
		return "0"
	}
	return strconv.FormatInt(expiresAt.UnixMilli(), 10)
}

// ParseExpiry parses a value produced by FormatExpiry. Malformed input is
// treated as "no expiry".
func ParseExpiry(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

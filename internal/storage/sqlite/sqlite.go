// Package sqlite stores coordination entries in a SQLite database using the
// pure-Go modernc driver. Every process sharing the file shares the locks,
// rate budget and job registry.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // sqlite driver (pure Go)

	"pkt.systems/pslog"
	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/storage"
)

// Config controls the SQLite backend.
type Config struct {
	// Path is the database file; ":memory:" keeps everything in-process.
	Path string
	// BusyTimeout bounds how long a writer waits for the database lock.
	BusyTimeout time.Duration
	Clock       clock.Clock
}

// Store implements storage.Store on a single SQLite table.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS relayd_kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_relayd_kv_expires ON relayd_kv(expires_at) WHERE expires_at > 0;`,
}

// Open opens (creating when needed) the database at cfg.Path and applies
// the schema.
func Open(cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer at a time; also keeps a :memory: database on a single connection.
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: apply schema: %w", err)
		}
	}
	return &Store{db: db, clock: clock.Or(cfg.Clock)}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) nowMillis() int64 {
	return s.clock.Now().UnixMilli()
}

func expiryMillis(now time.Time, ttl time.Duration) int64 {
	exp := storage.ExpiryFor(now, ttl)
	if exp.IsZero() {
		return 0
	}
	return exp.UnixMilli()
}

// Get returns the live value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM relayd_kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, s.nowMillis(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", wrapError(err, "sqlite: get")
	}
	return value, nil
}

// Set unconditionally writes value.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relayd_kv(key, value, expires_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiryMillis(s.clock.Now(), ttl),
	)
	if err != nil {
		return wrapError(err, "sqlite: set")
	}
	return nil
}

// SetNX inserts key, or replaces it when the stored entry has expired.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO relayd_kv(key, value, expires_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		 WHERE relayd_kv.expires_at > 0 AND relayd_kv.expires_at <= ?`,
		key, value, expiryMillis(now, ttl), now.UnixMilli(),
	)
	if err != nil {
		return false, wrapError(err, "sqlite: setnx")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, wrapError(err, "sqlite: setnx")
	}
	pslog.LoggerFromContext(ctx).Trace("sqlite.setnx", "key", key, "won", rows == 1)
	return rows == 1, nil
}

// Delete removes key, optionally only when it still holds expected.
func (s *Store) Delete(ctx context.Context, key, expected string) error {
	now := s.nowMillis()
	if expected == "" {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM relayd_kv WHERE key = ?`, key); err != nil {
			return wrapError(err, "sqlite: delete")
		}
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError(err, "sqlite: begin")
	}
	defer tx.Rollback()
	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM relayd_kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, now,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return wrapError(err, "sqlite: delete")
	}
	if current != expected {
		return storage.ErrCASMismatch
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM relayd_kv WHERE key = ?`, key); err != nil {
		return wrapError(err, "sqlite: delete")
	}
	if err := tx.Commit(); err != nil {
		return wrapError(err, "sqlite: commit")
	}
	return nil
}

// Sweep purges expired rows.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM relayd_kv WHERE expires_at > 0 AND expires_at <= ?`, s.nowMillis())
	if err != nil {
		return 0, wrapError(err, "sqlite: sweep")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, wrapError(err, "sqlite: sweep")
	}
	return int(rows), nil
}

// wrapError marks lock contention as transient so the retry wrapper can
// absorb it.
func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	text := strings.ToLower(err.Error())
	if strings.Contains(text, "database is locked") || strings.Contains(text, "sqlite_busy") {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

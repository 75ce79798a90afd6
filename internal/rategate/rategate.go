// Package rategate predicts the remote API's rate limit from the budget the
// remote last reported, shared across all relayd instances through the
// coordination store.
package rategate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/keys"
	"pkt.systems/relayd/internal/loggingutil"
	"pkt.systems/relayd/internal/storage"
)

// DefaultWindow is how long a budget record lives without being refreshed.
const DefaultWindow = time.Hour

// Budget is the remote's most recent view of the caller's rate allowance.
type Budget struct {
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"-"`
}

type budgetRecord struct {
	Remaining int64 `json:"remaining"`
	ResetAt   int64 `json:"reset_at"`
}

// MarshalJSON encodes ResetAt as unix milliseconds.
func (b Budget) MarshalJSON() ([]byte, error) {
	rec := budgetRecord{Remaining: b.Remaining}
	if !b.ResetAt.IsZero() {
		rec.ResetAt = b.ResetAt.UnixMilli()
	}
	return json.Marshal(rec)
}

// UnmarshalJSON decodes the stored record.
func (b *Budget) UnmarshalJSON(data []byte) error {
	var rec budgetRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	b.Remaining = rec.Remaining
	b.ResetAt = time.Time{}
	if rec.ResetAt > 0 {
		b.ResetAt = time.UnixMilli(rec.ResetAt).UTC()
	}
	return nil
}

// ExhaustedError is returned by Check while the budget is spent.
type ExhaustedError struct {
	Account    string
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("rate budget for %s exhausted until %s", e.Account, e.ResetAt.Format(time.RFC3339))
}

// Option customises a Gate.
type Option func(*Gate)

// WithLogger sets the gate logger.
func WithLogger(logger pslog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithClock overrides the gate clock.
func WithClock(clk clock.Clock) Option {
	return func(g *Gate) { g.clock = clk }
}

// WithWindow overrides the budget record TTL.
func WithWindow(window time.Duration) Option {
	return func(g *Gate) {
		if window > 0 {
			g.window = window
		}
	}
}

// Gate checks and records rate budgets. It never waits for capacity.
type Gate struct {
	store  storage.Store
	clock  clock.Clock
	logger pslog.Logger
	window time.Duration
}

// New returns a Gate backed by store.
func New(store storage.Store, opts ...Option) *Gate {
	g := &Gate{store: store, window: DefaultWindow}
	for _, opt := range opts {
		opt(g)
	}
	g.clock = clock.Or(g.clock)
	g.logger = loggingutil.WithSubsystem(g.logger, "rategate")
	return g
}

// Check returns an *ExhaustedError when the last reported budget is spent and
// its reset time has not passed. A spent budget without a reset time holds
// for a full window. A missing, unreadable or reset record permits the call.
func (g *Gate) Check(ctx context.Context, account string) error {
	logger := loggingutil.FromContext(ctx, g.logger)
	raw, err := g.store.Get(ctx, keys.RateBudget(account))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rategate: load budget: %w", err)
	}
	var budget Budget
	if err := json.Unmarshal([]byte(raw), &budget); err != nil {
		logger.Warn("rategate.budget.corrupt", "account", account, "error", err)
		return nil
	}
	now := g.clock.Now()
	if budget.Remaining > 0 {
		return nil
	}
	if budget.ResetAt.IsZero() {
		budget.ResetAt = now.Add(g.window)
	}
	if !now.Before(budget.ResetAt) {
		return nil
	}
	retryAfter := budget.ResetAt.Sub(now)
	logger.Debug("rategate.reject", "account", account, "reset_at", budget.ResetAt, "retry_after", retryAfter)
	return &ExhaustedError{Account: account, ResetAt: budget.ResetAt, RetryAfter: retryAfter}
}

// Update overwrites the account's budget record and restarts its TTL. A spent
// budget reported without a reset time is stored as resetting when the
// record expires.
func (g *Gate) Update(ctx context.Context, account string, budget Budget) error {
	if budget.Remaining <= 0 && budget.ResetAt.IsZero() {
		budget.ResetAt = g.clock.Now().Add(g.window)
	}
	payload, err := json.Marshal(budget)
	if err != nil {
		return fmt.Errorf("rategate: encode budget: %w", err)
	}
	if err := g.store.Set(ctx, keys.RateBudget(account), string(payload), g.window); err != nil {
		return fmt.Errorf("rategate: store budget: %w", err)
	}
	loggingutil.FromContext(ctx, g.logger).Trace("rategate.update", "account", account, "remaining", budget.Remaining, "reset_at", budget.ResetAt)
	return nil
}

// Load returns the stored budget for account, if any.
func (g *Gate) Load(ctx context.Context, account string) (Budget, bool, error) {
	raw, err := g.store.Get(ctx, keys.RateBudget(account))
	if errors.Is(err, storage.ErrNotFound) {
		return Budget{}, false, nil
	}
	if err != nil {
		return Budget{}, false, err
	}
	var budget Budget
	if err := json.Unmarshal([]byte(raw), &budget); err != nil {
		return Budget{}, false, err
	}
	return budget, true, nil
}

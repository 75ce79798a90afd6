package rategate

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/keys"
	"pkt.systems/relayd/internal/storage"
	"pkt.systems/relayd/internal/storage/memory"
)

func newGate(t *testing.T) (*Gate, *memory.Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 5, 5, 9, 0, 0, 0, time.UTC))
	store := memory.NewWithClock(clk)
	return New(store, WithClock(clk)), store, clk
}

func TestCheckFailsOpenWithoutRecord(t *testing.T) {
	gate, _, _ := newGate(t)
	if err := gate.Check(context.Background(), "app"); err != nil {
		t.Fatalf("expected permit without record, got %v", err)
	}
}

func TestCheckCases(t *testing.T) {
	cases := []struct {
		name      string
		remaining int64
		resetIn   time.Duration
		reject    bool
	}{
		{name: "budget left", remaining: 10, resetIn: time.Minute},
		{name: "exhausted before reset", remaining: 0, resetIn: time.Minute, reject: true},
		{name: "negative before reset", remaining: -3, resetIn: time.Minute, reject: true},
		{name: "exhausted at reset", remaining: 0, resetIn: 0},
		{name: "exhausted after reset", remaining: 0, resetIn: -time.Second},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			gate, _, clk := newGate(t)
			ctx := context.Background()
			if err := gate.Update(ctx, "app", Budget{Remaining: tc.remaining, ResetAt: clk.Now().Add(tc.resetIn)}); err != nil {
				t.Fatalf("update: %v", err)
			}
			err := gate.Check(ctx, "app")
			if !tc.reject {
				if err != nil {
					t.Fatalf("expected permit, got %v", err)
				}
				return
			}
			var exhausted *ExhaustedError
			if !errors.As(err, &exhausted) {
				t.Fatalf("expected ExhaustedError, got %v", err)
			}
			if exhausted.RetryAfter != tc.resetIn {
				t.Fatalf("expected retry after %v, got %v", tc.resetIn, exhausted.RetryAfter)
			}
		})
	}
}

func TestRejectionLiftsAtReset(t *testing.T) {
	gate, _, clk := newGate(t)
	ctx := context.Background()
	_ = gate.Update(ctx, "app", Budget{Remaining: 0, ResetAt: clk.Now().Add(30 * time.Second)})
	if err := gate.Check(ctx, "app"); err == nil {
		t.Fatalf("expected rejection")
	}
	clk.Advance(30 * time.Second)
	if err := gate.Check(ctx, "app"); err != nil {
		t.Fatalf("expected permit at reset, got %v", err)
	}
}

func TestUpdateOverwritesAndExpires(t *testing.T) {
	gate, store, clk := newGate(t)
	ctx := context.Background()
	_ = gate.Update(ctx, "app", Budget{Remaining: 0, ResetAt: clk.Now().Add(2 * time.Hour)})
	_ = gate.Update(ctx, "app", Budget{Remaining: 50, ResetAt: clk.Now().Add(2 * time.Hour)})
	if err := gate.Check(ctx, "app"); err != nil {
		t.Fatalf("expected overwrite to permit, got %v", err)
	}
	budget, ok, err := gate.Load(ctx, "app")
	if err != nil || !ok || budget.Remaining != 50 {
		t.Fatalf("unexpected budget %+v ok=%v err=%v", budget, ok, err)
	}
	clk.Advance(DefaultWindow)
	if _, err := store.Get(ctx, keys.RateBudget("app")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected budget record to expire after window, got %v", err)
	}
}

func TestSpentBudgetWithoutResetHoldsForWindow(t *testing.T) {
	cases := []struct {
		name    string
		stored  string
		advance time.Duration
		reject  bool
	}{
		{name: "fresh", reject: true},
		{name: "half window", advance: DefaultWindow / 2, reject: true},
		{name: "window lapsed", advance: DefaultWindow},
		{name: "legacy record", stored: `{"remaining":0,"reset_at":0}`, reject: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			gate, store, clk := newGate(t)
			ctx := context.Background()
			if tc.stored != "" {
				if err := store.Set(ctx, keys.RateBudget("app"), tc.stored, DefaultWindow); err != nil {
					t.Fatalf("seed: %v", err)
				}
			} else if err := gate.Update(ctx, "app", Budget{Remaining: 0}); err != nil {
				t.Fatalf("update: %v", err)
			}
			clk.Advance(tc.advance)
			err := gate.Check(ctx, "app")
			if !tc.reject {
				if err != nil {
					t.Fatalf("expected permit once the window lapsed, got %v", err)
				}
				return
			}
			var exhausted *ExhaustedError
			if !errors.As(err, &exhausted) {
				t.Fatalf("expected ExhaustedError, got %v", err)
			}
			if exhausted.ResetAt.IsZero() || exhausted.RetryAfter <= 0 || exhausted.RetryAfter > DefaultWindow {
				t.Fatalf("unexpected rejection %+v", exhausted)
			}
		})
	}
}

func TestUpdateStampsResetForSpentBudget(t *testing.T) {
	gate, _, clk := newGate(t)
	ctx := context.Background()
	if err := gate.Update(ctx, "app", Budget{Remaining: -1}); err != nil {
		t.Fatalf("update: %v", err)
	}
	budget, ok, err := gate.Load(ctx, "app")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if want := clk.Now().Add(DefaultWindow); !budget.ResetAt.Equal(want) {
		t.Fatalf("expected reset at %v, got %v", want, budget.ResetAt)
	}
	if err := gate.Update(ctx, "app", Budget{Remaining: 5}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if budget, _, _ = gate.Load(ctx, "app"); !budget.ResetAt.IsZero() {
		t.Fatalf("expected a live budget to keep its zero reset, got %v", budget.ResetAt)
	}
}

func TestCorruptRecordFailsOpen(t *testing.T) {
	gate, store, _ := newGate(t)
	ctx := context.Background()
	_ = store.Set(ctx, keys.RateBudget("app"), "not-json", time.Hour)
	if err := gate.Check(ctx, "app"); err != nil {
		t.Fatalf("expected corrupt record to permit, got %v", err)
	}
}

func TestAccountsAreIndependent(t *testing.T) {
	gate, _, clk := newGate(t)
	ctx := context.Background()
	_ = gate.Update(ctx, "app-a", Budget{Remaining: 0, ResetAt: clk.Now().Add(time.Minute)})
	if err := gate.Check(ctx, "app-b"); err != nil {
		t.Fatalf("expected other account to be unaffected, got %v", err)
	}
}

package jobs

import (
	"context"
	"testing"
	"time"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/keys"
	"pkt.systems/relayd/internal/storage/memory"
)

func newRegistry(t *testing.T) (*Registry, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC))
	return New(memory.NewWithClock(clk), WithClock(clk)), clk
}

func TestRecordAndLookup(t *testing.T) {
	reg, clk := newRegistry(t)
	ctx := context.Background()

	if _, ok, err := reg.Lookup(ctx, "app", keys.JobUsers, "u1"); err != nil || ok {
		t.Fatalf("expected empty registry, ok=%v err=%v", ok, err)
	}
	written, err := reg.Record(ctx, "app", keys.JobUsers, "u1", Handle{ID: "job_1", ExpiresAt: clk.Now().Add(DefaultWindow)})
	if err != nil || !written {
		t.Fatalf("record: written=%v err=%v", written, err)
	}
	id, ok, err := reg.Lookup(ctx, "app", keys.JobUsers, "u1")
	if err != nil || !ok || id != "job_1" {
		t.Fatalf("lookup: id=%q ok=%v err=%v", id, ok, err)
	}
	if _, ok, _ := reg.Lookup(ctx, "app", keys.JobEvents, "u1"); ok {
		t.Fatalf("job kinds must be independent")
	}
}

func TestEntryExpiresBeforeRemoteWindow(t *testing.T) {
	reg, clk := newRegistry(t)
	ctx := context.Background()
	closing := clk.Now().Add(DefaultWindow)
	if _, err := reg.Record(ctx, "app", keys.JobEvents, "u1", Handle{ID: "job_2", ExpiresAt: closing}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if ttl := reg.TTL(closing); ttl != DefaultWindow-DefaultSafetyMargin {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	clk.Advance(DefaultWindow - DefaultSafetyMargin - time.Millisecond)
	if _, ok, _ := reg.Lookup(ctx, "app", keys.JobEvents, "u1"); !ok {
		t.Fatalf("expected handle alive just before margin")
	}
	clk.Advance(time.Millisecond)
	if _, ok, _ := reg.Lookup(ctx, "app", keys.JobEvents, "u1"); ok {
		t.Fatalf("expected handle gone once within safety margin of remote closing")
	}
}

func TestRecordSkipsNearlyClosedJobs(t *testing.T) {
	cases := []struct {
		name    string
		closing time.Duration
	}{
		{name: "inside margin", closing: DefaultSafetyMargin - time.Second},
		{name: "exactly margin", closing: DefaultSafetyMargin},
		{name: "already closed", closing: -time.Minute},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			reg, clk := newRegistry(t)
			ctx := context.Background()
			written, err := reg.Record(ctx, "app", keys.JobUsers, "u1", Handle{ID: "job_x", ExpiresAt: clk.Now().Add(tc.closing)})
			if err != nil {
				t.Fatalf("record: %v", err)
			}
			if written {
				t.Fatalf("expected record to be skipped")
			}
			if _, ok, _ := reg.Lookup(ctx, "app", keys.JobUsers, "u1"); ok {
				t.Fatalf("expected no entry")
			}
		})
	}
}

func TestRecordOverwritesAndInvalidate(t *testing.T) {
	reg, clk := newRegistry(t)
	ctx := context.Background()
	_, _ = reg.Record(ctx, "app", keys.JobUsers, "u1", Handle{ID: "job_old", ExpiresAt: clk.Now().Add(DefaultWindow)})
	_, _ = reg.Record(ctx, "app", keys.JobUsers, "u1", Handle{ID: "job_new", ExpiresAt: clk.Now().Add(DefaultWindow)})
	if id, _, _ := reg.Lookup(ctx, "app", keys.JobUsers, "u1"); id != "job_new" {
		t.Fatalf("expected overwrite, got %q", id)
	}
	if err := reg.Invalidate(ctx, "app", keys.JobUsers, "u1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := reg.Lookup(ctx, "app", keys.JobUsers, "u1"); ok {
		t.Fatalf("expected entry removed")
	}
}

func TestRecordRejectsEmptyID(t *testing.T) {
	reg, clk := newRegistry(t)
	if _, err := reg.Record(context.Background(), "app", keys.JobUsers, "u1", Handle{ExpiresAt: clk.Now().Add(time.Hour)}); err == nil {
		t.Fatalf("expected error for empty job id")
	}
}

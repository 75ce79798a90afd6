package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/jobs"
	"pkt.systems/relayd/internal/lock"
	"pkt.systems/relayd/internal/rategate"
	"pkt.systems/relayd/internal/remote"
	"pkt.systems/relayd/internal/storage"
	"pkt.systems/relayd/internal/storage/memory"
)

const testAccount = "app1"

type sentRequest struct {
	Path string
	Body map[string]any
	// LockHeld records whether the identity lock entry existed while the
	// request was in flight.
	LockHeld bool
}

// scriptedSender answers each Send with the next scripted reply.
type scriptedSender struct {
	mu      sync.Mutex
	store   storage.Store
	lockKey string
	replies []func(remote.Request) (*remote.Response, error)
	calls   []sentRequest
}

func (s *scriptedSender) Send(ctx context.Context, req remote.Request) (*remote.Response, error) {
	raw, err := json.Marshal(req.Body)
	if err != nil {
		return nil, err
	}
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	held := false
	if s.lockKey != "" {
		_, getErr := s.store.Get(context.Background(), s.lockKey)
		held = getErr == nil
	}
	s.mu.Lock()
	idx := len(s.calls)
	s.calls = append(s.calls, sentRequest{Path: req.Path, Body: body, LockHeld: held})
	var reply func(remote.Request) (*remote.Response, error)
	if idx < len(s.replies) {
		reply = s.replies[idx]
	}
	s.mu.Unlock()
	if reply == nil {
		return &remote.Response{Status: 200, Body: []byte(`{}`)}, nil
	}
	return reply(req)
}

func (s *scriptedSender) Calls() []sentRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

func ok(body string) func(remote.Request) (*remote.Response, error) {
	return func(remote.Request) (*remote.Response, error) {
		return &remote.Response{Status: 200, Body: []byte(body)}, nil
	}
}

func okWithRate(body string, rate *remote.RateLimit) func(remote.Request) (*remote.Response, error) {
	return func(remote.Request) (*remote.Response, error) {
		return &remote.Response{Status: 200, Body: []byte(body), RateLimit: rate}, nil
	}
}

func jobReply(id string, closing time.Time) func(remote.Request) (*remote.Response, error) {
	return ok(fmt.Sprintf(`{"id":%q,"closing_at":%d,"state":"running"}`, id, closing.Unix()))
}

func reject(status int, code string) func(remote.Request) (*remote.Response, error) {
	return func(req remote.Request) (*remote.Response, error) {
		return nil, &remote.StatusError{Path: req.Path, Status: status, Code: code}
	}
}

func timeout() func(remote.Request) (*remote.Response, error) {
	return func(req remote.Request) (*remote.Response, error) {
		return nil, &remote.TimeoutError{Path: req.Path, Err: context.DeadlineExceeded}
	}
}

type harness struct {
	orch   *Orchestrator
	store  *memory.Store
	clock  *clock.Manual
	sender *scriptedSender
	jobs   *jobs.Registry
	gate   *rategate.Gate
}

func newHarness(t *testing.T, mode Mode, replies ...func(remote.Request) (*remote.Response, error)) *harness {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 8, 1, 9, 30, 0, 0, time.UTC))
	store := memory.NewWithClock(clk)
	locker := lock.New(store, lock.Config{TTL: 30 * time.Second, AcquireBlock: 0}, lock.WithClock(clk))
	gate := rategate.New(store, rategate.WithClock(clk))
	registry := jobs.New(store, jobs.WithClock(clk))
	sender := &scriptedSender{store: store, replies: replies}
	orch, err := New(Config{Account: testAccount, Mode: mode}, Deps{
		Locker: locker,
		Gate:   gate,
		Jobs:   registry,
		Sender: sender,
		Clock:  clk,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &harness{orch: orch, store: store, clock: clk, sender: sender, jobs: registry, gate: gate}
}

func (h *harness) assertUnlocked(t *testing.T, key string) {
	t.Helper()
	if _, err := h.store.Get(context.Background(), key); err == nil {
		t.Fatalf("expected lock %q to be released", key)
	}
}

package relayd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/relayd/api"
	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/storage/memory"
)

func TestServerServesIngestion(t *testing.T) {
	remote := &fakeRemote{}
	upstream := httptest.NewServer(remote.handler(t))
	t.Cleanup(upstream.Close)

	cfg := Config{
		Account:       "app_test",
		APIKey:        "secret",
		Endpoint:      upstream.URL,
		APIMode:       APIModeBulk,
		Listen:        "127.0.0.1:0",
		SweepSchedule: "off",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, stop, err := StartServer(ctx, cfg, WithStore(memory.New()))
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })

	body, _ := json.Marshal(api.Track{UserID: "u-1", Event: "signed-up"})
	resp, err := http.Post("http://"+srv.ListenerAddr().String()+"/v1/track", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out api.DispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Path != string(PathJobCreated) || out.JobID != "job_1" {
		t.Fatalf("unexpected response %+v", out)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown must be a no-op, got %v", err)
	}
}

func TestServerJanitorSweepsExpiredEntries(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewWithClock(clk)
	if err := store.Set(context.Background(), "relayd/test/stale", "x", time.Second); err != nil {
		t.Fatalf("seed: %v", err)
	}
	clk.Advance(2 * time.Second)

	srv, err := NewServer(Config{
		Account:       "app_test",
		APIKey:        "secret",
		SweepSchedule: "@every 1h",
	}, WithStore(store), WithClock(clk))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	if srv.janitor == nil || len(srv.janitor.Entries()) != 1 {
		t.Fatalf("expected one scheduled janitor job")
	}
	srv.sweep()
	if store.Len() != 0 {
		t.Fatalf("expected expired entry to be purged, %d left", store.Len())
	}
}

func TestNewServerRejectsBadSchedule(t *testing.T) {
	_, err := NewServer(Config{Account: "a", APIKey: "k", SweepSchedule: "every now and then"}, WithStore(memory.New()))
	if err == nil {
		t.Fatalf("expected invalid schedule to fail")
	}
}

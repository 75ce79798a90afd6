package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/relayd/api"
)

type captured struct {
	mu          sync.Mutex
	path        string
	correlation string
	body        map[string]any
}

func (c *captured) snapshot() (string, string, map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path, c.correlation, c.body
}

func newServer(t *testing.T, status int, reply string, headers map[string]string) (*httptest.Server, *captured) {
	t.Helper()
	seen := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		seen.mu.Lock()
		seen.path = r.URL.Path
		seen.correlation = r.Header.Get("X-Correlation-Id")
		seen.body = body
		seen.mu.Unlock()
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func TestNewValidatesBaseURL(t *testing.T) {
	cases := []struct {
		name string
		url  string
		ok   bool
	}{
		{name: "http", url: "http://127.0.0.1:8080", ok: true},
		{name: "trailing slash", url: "https://relayd.internal/", ok: true},
		{name: "empty", url: "  "},
		{name: "unix", url: "unix:///run/relayd.sock"},
		{name: "no host", url: "http://"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cli, err := New(tc.url)
			if tc.ok {
				if err != nil {
					t.Fatalf("new: %v", err)
				}
				if strings.HasSuffix(cli.BaseURL(), "/") {
					t.Fatalf("expected trailing slash trimmed, got %q", cli.BaseURL())
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error for %q", tc.url)
			}
		})
	}
}

func TestSendRoutesRecords(t *testing.T) {
	cases := []struct {
		name string
		path string
		send func(context.Context, *Client) (*api.DispatchResponse, error)
		key  string
	}{
		{
			name: "identify",
			path: PathIdentify,
			send: func(ctx context.Context, c *Client) (*api.DispatchResponse, error) {
				return c.Identify(ctx, api.Identify{UserID: "u-1", Traits: map[string]any{"plan": "pro"}})
			},
			key: "traits",
		},
		{
			name: "group",
			path: PathGroup,
			send: func(ctx context.Context, c *Client) (*api.DispatchResponse, error) {
				return c.Group(ctx, api.Group{UserID: "u-1", GroupID: "acme"})
			},
			key: "group_id",
		},
		{
			name: "track",
			path: PathTrack,
			send: func(ctx context.Context, c *Client) (*api.DispatchResponse, error) {
				return c.Track(ctx, api.Track{UserID: "u-1", Event: "signed-up"})
			},
			key: "event",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			srv, seen := newServer(t, http.StatusOK, `{"status":202,"path":"job_appended","job_id":"job_9","correlation_id":"cid-1","remote":{"ok":true}}`, nil)
			cli, err := New(srv.URL)
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			ctx := WithCorrelationID(context.Background(), "cid-1")
			res, err := tc.send(ctx, cli)
			if err != nil {
				t.Fatalf("send: %v", err)
			}
			path, cid, body := seen.snapshot()
			if path != tc.path {
				t.Fatalf("expected path %s, got %s", tc.path, path)
			}
			if cid != "cid-1" {
				t.Fatalf("expected correlation header, got %q", cid)
			}
			if _, ok := body[tc.key]; !ok {
				t.Fatalf("expected %q in request body %v", tc.key, body)
			}
			if res.Status != http.StatusAccepted || res.Path != "job_appended" || res.JobID != "job_9" {
				t.Fatalf("unexpected response %+v", res)
			}
			if string(res.Remote) != `{"ok":true}` {
				t.Fatalf("unexpected remote body %s", res.Remote)
			}
		})
	}
}

func TestSendWithoutCorrelationUsesServerID(t *testing.T) {
	srv, seen := newServer(t, http.StatusOK, `{"status":200,"path":"sync"}`, map[string]string{"X-Correlation-Id": "srv-7"})
	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := cli.Track(context.Background(), api.Track{UserID: "u-1", Event: "e"})
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if _, cid, _ := seen.snapshot(); cid != "" {
		t.Fatalf("expected no correlation header, got %q", cid)
	}
	if res.CorrelationID != "srv-7" {
		t.Fatalf("expected server correlation id, got %q", res.CorrelationID)
	}
}

func TestSendDecodesAPIError(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		reply      string
		headers    map[string]string
		code       string
		retryAfter time.Duration
	}{
		{
			name:       "rate limited with header",
			status:     http.StatusTooManyRequests,
			reply:      `{"error":"rate_limited","detail":"budget spent","retry_after_seconds":12}`,
			headers:    map[string]string{"Retry-After": "12"},
			code:       "rate_limited",
			retryAfter: 12 * time.Second,
		},
		{
			name:       "lock timeout from body",
			status:     http.StatusServiceUnavailable,
			reply:      `{"error":"lock_timeout","retry_after_seconds":1}`,
			code:       "lock_timeout",
			retryAfter: time.Second,
		},
		{
			name:   "remote rejection",
			status: http.StatusBadGateway,
			reply:  `{"error":"remote","remote_status":400}`,
			code:   "remote",
		},
		{
			name:   "not json",
			status: http.StatusInternalServerError,
			reply:  "upstream exploded",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newServer(t, tc.status, tc.reply, tc.headers)
			cli, err := New(srv.URL)
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			_, err = cli.Track(context.Background(), api.Track{UserID: "u-1", Event: "e"})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.Status != tc.status || apiErr.Response.ErrorCode != tc.code {
				t.Fatalf("unexpected error %+v", apiErr)
			}
			if apiErr.RetryAfterDuration() != tc.retryAfter {
				t.Fatalf("expected retry after %v, got %v", tc.retryAfter, apiErr.RetryAfterDuration())
			}
			if string(apiErr.Body) != tc.reply {
				t.Fatalf("expected raw body kept, got %q", apiErr.Body)
			}
		})
	}
}

func TestSendHonoursTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	cli, err := New(srv.URL, WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = cli.Track(context.Background(), api.Track{UserID: "u-1", Event: "e"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNormalizeCorrelationID(t *testing.T) {
	if _, ok := NormalizeCorrelationID(strings.Repeat("a", MaxCorrelationIDLength+1)); ok {
		t.Fatalf("expected overlong id to be rejected")
	}
	ctx := WithCorrelationID(context.Background(), "bad\x01")
	if CorrelationIDFromContext(ctx) != "" {
		t.Fatalf("expected invalid id to be ignored")
	}
	if GenerateCorrelationID() == "" {
		t.Fatalf("expected generated id")
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/relayd"
	"pkt.systems/relayd/api"
	"pkt.systems/relayd/client"
	"pkt.systems/relayd/internal/version"
)

func executeRootCommand(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("RELAYD_CONFIG_DIR", t.TempDir())
	cmd := newRootCommand(pslog.NewStructured(io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "", "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "", "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("generated config is not YAML: %v", err)
	}
	if got["store"] != relayd.DefaultStore || got["api-mode"] != string(relayd.DefaultAPIMode) {
		t.Fatalf("unexpected defaults: %v", got)
	}
	if got["ingest-max-body"] != "1.0MiB" {
		t.Fatalf("expected humanized body limit, got %v", got["ingest-max-body"])
	}
}

func TestConfigGenWritesFileOnce(t *testing.T) {
	out := filepath.Join(t.TempDir(), "relayd.yaml")
	if _, _, err := executeRootCommand(t, "", "config", "gen", "--out", out); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected config file: %v", err)
	}
	if _, _, err := executeRootCommand(t, "", "config", "gen", "--out", out); err == nil {
		t.Fatalf("expected existing file to be refused without --force")
	}
	if _, _, err := executeRootCommand(t, "", "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
}

func TestRootRequiresCredentials(t *testing.T) {
	t.Setenv("RELAYD_ACCOUNT", "")
	t.Setenv("RELAYD_API_KEY", "")
	_, _, err := executeRootCommand(t, "", "--listen", "127.0.0.1:0")
	if err == nil || !strings.Contains(err.Error(), "account") {
		t.Fatalf("expected missing account error, got %v", err)
	}
}

func fakeRemote(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 400 {
			_, _ = w.Write([]byte(`{"errors":[{"code":"bad_request","message":"nope"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendTrackFromFile(t *testing.T) {
	remote := fakeRemote(t, http.StatusAccepted)
	record := filepath.Join(t.TempDir(), "event.json")
	if err := os.WriteFile(record, []byte(`{"user_id":"u-1","event":"signed-up"}`), 0o600); err != nil {
		t.Fatalf("write record: %v", err)
	}
	stdout, _, err := executeRootCommand(t, "", "send", "track",
		"--account", "app_test", "--api-key", "secret", "--endpoint", remote.URL,
		"--file", record)
	if err != nil {
		t.Fatalf("send track: %v", err)
	}
	var out api.DispatchResponse
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode output %q: %v", stdout, err)
	}
	if out.Status != http.StatusAccepted || out.Path != "sync" || out.CorrelationID == "" {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestSendReportsTypedFailure(t *testing.T) {
	remote := fakeRemote(t, http.StatusBadRequest)
	stdout, _, err := executeRootCommand(t, `{"user_id":"u-1","event":"signed-up"}`, "send", "track",
		"--account", "app_test", "--api-key", "secret", "--endpoint", remote.URL)
	if !relayd.IsKind(err, relayd.KindRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	var out api.ErrorResponse
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode output %q: %v", stdout, err)
	}
	if out.ErrorCode != string(relayd.KindRemote) || out.RemoteStatus != http.StatusBadRequest {
		t.Fatalf("unexpected error output %+v", out)
	}
}

func TestSendThroughServer(t *testing.T) {
	type request struct{ path, cid string }
	seen := make(chan request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get("X-Correlation-Id")
		seen <- request{path: r.URL.Path, cid: cid}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":202,"path":"job_appended","job_id":"job_3","correlation_id":"` + cid + `"}`))
	}))
	t.Cleanup(srv.Close)

	stdout, _, err := executeRootCommand(t, `{"user_id":"u-1","traits":{"plan":"pro"}}`, "send", "identify", "--server", srv.URL)
	if err != nil {
		t.Fatalf("send identify: %v", err)
	}
	got := <-seen
	if got.path != "/v1/identify" || got.cid == "" {
		t.Fatalf("unexpected request path=%q cid=%q", got.path, got.cid)
	}
	var out api.DispatchResponse
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode output %q: %v", stdout, err)
	}
	if out.Path != "job_appended" || out.JobID != "job_3" || out.CorrelationID != got.cid {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestSendThroughServerReportsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate_limited","retry_after_seconds":7}`))
	}))
	t.Cleanup(srv.Close)

	stdout, _, err := executeRootCommand(t, `{"user_id":"u-1","event":"e"}`, "send", "track", "--server", srv.URL)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusTooManyRequests {
		t.Fatalf("expected API error, got %v", err)
	}
	var out api.ErrorResponse
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode output %q: %v", stdout, err)
	}
	if out.ErrorCode != "rate_limited" || out.RetryAfterSeconds != 7 {
		t.Fatalf("unexpected error output %+v", out)
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	t.Setenv("RELAYD_CONFIG_DIR", t.TempDir())
	cfgFile := filepath.Join(t.TempDir(), "config.yaml")
	content := "account: app_file\napi-key: secret\ningest-max-body: 64KiB\napi-mode: bulk\nlog-level: debug\n"
	if err := os.WriteFile(cfgFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	c := newCLI(pslog.NewStructured(io.Discard))
	root := c.rootCommand()
	if err := root.PersistentFlags().Set("config", cfgFile); err != nil {
		t.Fatalf("set config flag: %v", err)
	}
	cfg, err := c.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Account != "app_file" || cfg.APIMode != relayd.APIModeBulk {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.IngestMaxBody != 64<<10 {
		t.Fatalf("expected 64KiB body limit, got %d", cfg.IngestMaxBody)
	}
	if cfg.LockTTL != relayd.DefaultLockTTL {
		t.Fatalf("expected default lock ttl, got %v", cfg.LockTTL)
	}
}

func TestLoadRejectsBadSize(t *testing.T) {
	t.Setenv("RELAYD_CONFIG_DIR", t.TempDir())
	c := newCLI(pslog.NewStructured(io.Discard))
	root := c.rootCommand()
	for name, value := range map[string]string{"account": "a", "api-key": "k", "ingest-max-body": "lots"} {
		if err := root.PersistentFlags().Set(name, value); err != nil {
			if err := root.Flags().Set(name, value); err != nil {
				t.Fatalf("set %s: %v", name, err)
			}
		}
	}
	if _, err := c.load(); err == nil || !strings.Contains(err.Error(), "ingest-max-body") {
		t.Fatalf("expected size parse error, got %v", err)
	}
}

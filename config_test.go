package relayd

import (
	"testing"
	"time"
)

func validConfig() Config {
	return Config{Account: "app_test", APIKey: "secret"}
}

func TestConfigValidateDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Endpoint != DefaultEndpoint {
		t.Fatalf("expected default endpoint, got %q", cfg.Endpoint)
	}
	if cfg.APIMode != APIModeLegacy {
		t.Fatalf("expected legacy mode default, got %q", cfg.APIMode)
	}
	if cfg.Store != DefaultStore {
		t.Fatalf("expected default store, got %q", cfg.Store)
	}
	if cfg.LockTTL != DefaultLockTTL || cfg.AcquireBlock != DefaultAcquireBlock {
		t.Fatalf("expected lock defaults, got ttl=%v block=%v", cfg.LockTTL, cfg.AcquireBlock)
	}
	if cfg.JobWindow != 15*time.Minute || cfg.JobSafetyMargin != 15*time.Second {
		t.Fatalf("expected job window 15m and margin 15s, got %v/%v", cfg.JobWindow, cfg.JobSafetyMargin)
	}
	if cfg.IngestMaxBody != DefaultIngestMaxBody {
		t.Fatalf("expected ingest max body default, got %d", cfg.IngestMaxBody)
	}
	if cfg.SweepSchedule != DefaultSweepSchedule {
		t.Fatalf("expected sweep schedule default, got %q", cfg.SweepSchedule)
	}
	if cfg.Listen != DefaultListen || cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("expected server defaults, got listen=%q shutdown=%v", cfg.Listen, cfg.ShutdownTimeout)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing account", mutate: func(c *Config) { c.Account = "  " }},
		{name: "missing api key", mutate: func(c *Config) { c.APIKey = "" }},
		{name: "unknown mode", mutate: func(c *Config) { c.APIMode = "batch" }},
		{name: "negative acquire block", mutate: func(c *Config) { c.AcquireBlock = -time.Second }},
		{name: "negative margin", mutate: func(c *Config) { c.JobSafetyMargin = -time.Second }},
		{name: "margin exceeds window", mutate: func(c *Config) {
			c.JobWindow = time.Minute
			c.JobSafetyMargin = 2 * time.Minute
		}},
		{name: "lock ttl shorter than a dispatch", mutate: func(c *Config) { c.LockTTL = 100 * time.Millisecond }},
		{name: "lock ttl equal to the critical section", mutate: func(c *Config) {
			c.RemoteTimeout = 10 * time.Second
			c.ReleaseTimeout = 5 * time.Second
			c.LockTTL = 25 * time.Second
		}},
		{name: "remote timeout outgrows default lock ttl", mutate: func(c *Config) { c.RemoteTimeout = 20 * time.Second }},
		{name: "negative ingest rate", mutate: func(c *Config) { c.IngestRate = -1 }},
		{name: "bad sweep schedule", mutate: func(c *Config) { c.SweepSchedule = "every now and then" }},
		{name: "runtime metrics without listener", mutate: func(c *Config) { c.EnableRuntimeMetrics = true }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestConfigValidateNormalises(t *testing.T) {
	cfg := validConfig()
	cfg.Account = "  app_test "
	cfg.APIMode = " BULK "
	cfg.IngestRate = 4.5
	cfg.SweepSchedule = "off"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Account != "app_test" {
		t.Fatalf("expected trimmed account, got %q", cfg.Account)
	}
	if cfg.APIMode != APIModeBulk {
		t.Fatalf("expected bulk mode, got %q", cfg.APIMode)
	}
	if cfg.IngestBurst != 5 {
		t.Fatalf("expected derived burst 5, got %d", cfg.IngestBurst)
	}
	lc := cfg.lockConfig()
	if lc.TTL != DefaultLockTTL || lc.AcquireBlock != DefaultAcquireBlock {
		t.Fatalf("unexpected lock config %+v", lc)
	}
}

func TestDefaultConfigPathHonoursOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RELAYD_CONFIG_DIR", dir)
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("default config path: %v", err)
	}
	if path != dir+"/config.yaml" {
		t.Fatalf("unexpected path %q", path)
	}
}

func TestConfigValidateLockTTLCoversDispatch(t *testing.T) {
	cfg := validConfig()
	cfg.RemoteTimeout = 20 * time.Second
	cfg.LockTTL = time.Minute
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.LockTTL <= 2*cfg.RemoteTimeout+cfg.ReleaseTimeout {
		t.Fatalf("accepted lock ttl %v does not cover the critical section", cfg.LockTTL)
	}
	if _, err := New(Config{Account: "app_test", APIKey: "secret", LockTTL: 100 * time.Millisecond}); err == nil {
		t.Fatalf("expected New to reject a lock ttl shorter than one dispatch")
	}
}

package relayd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"pkt.systems/relayd/internal/dispatch"
	"pkt.systems/relayd/internal/jobs"
	"pkt.systems/relayd/internal/lock"
	"pkt.systems/relayd/internal/rategate"
	"pkt.systems/relayd/internal/remote"
)

// APIMode selects how records reach the remote API.
type APIMode = dispatch.Mode

const (
	// APIModeBulk appends records to per-identity bulk jobs.
	APIModeBulk = dispatch.ModeBulk
	// APIModeLegacy sends each record to the synchronous endpoints.
	APIModeLegacy = dispatch.ModeLegacy
)

const (
	// DefaultListen is the default TCP endpoint the ingestion server binds to.
	DefaultListen = ":9360"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore points relayd at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultEndpoint is the remote API base URL.
	DefaultEndpoint = remote.DefaultEndpoint
	// DefaultAPIMode is used when no mode is configured.
	DefaultAPIMode = APIModeLegacy
	// DefaultRemoteTimeout bounds a single remote call.
	DefaultRemoteTimeout = remote.DefaultTimeout
	// DefaultLockTTL bounds how long a crashed holder can keep an identity locked.
	DefaultLockTTL = 30 * time.Second
	// DefaultAcquireBlock controls how long a dispatch waits for a contended identity.
	DefaultAcquireBlock = 10 * time.Second
	// DefaultReleaseTimeout bounds lock release and bookkeeping after the caller is gone.
	DefaultReleaseTimeout = dispatch.DefaultReleaseTimeout
	// DefaultRateWindow is how long a reported rate budget is remembered.
	DefaultRateWindow = rategate.DefaultWindow
	// DefaultJobWindow is assumed when the remote omits a bulk job's closing time.
	DefaultJobWindow = jobs.DefaultWindow
	// DefaultJobSafetyMargin is subtracted from a job's remaining lifetime.
	DefaultJobSafetyMargin = jobs.DefaultSafetyMargin
	// DefaultIngestMaxBody bounds incoming record bodies.
	DefaultIngestMaxBody = int64(1 << 20)
	// DefaultSweepSchedule is the cron schedule of the expired-entry janitor.
	DefaultSweepSchedule = "@every 1m"
	// DefaultShutdownTimeout bounds graceful shutdown of the ingestion server.
	DefaultShutdownTimeout = 10 * time.Second
)

// Config captures the tunables for a Relay and its ingestion Server.
type Config struct {
	// Remote account.
	Account   string
	APIKey    string
	Endpoint  string
	APIMode   APIMode
	UserAgent string
	// RemoteTimeout bounds a single remote call.
	RemoteTimeout time.Duration

	// Coordination store.
	Store           string
	StoreRetry      bool
	AzureAccountKey string
	AzureSASToken   string

	LockTTL         time.Duration
	AcquireBlock    time.Duration
	ReleaseTimeout  time.Duration
	RateWindow      time.Duration
	JobWindow       time.Duration
	JobSafetyMargin time.Duration

	// Ingestion server.
	Listen          string
	IngestMaxBody   int64
	IngestRate      float64
	IngestBurst     int
	SweepSchedule   string
	ShutdownTimeout time.Duration

	// Observability.
	MetricsListen        string
	PprofListen          string
	OTLPEndpoint         string
	EnableRuntimeMetrics bool
}

// Validate fills defaults and rejects unusable settings.
func (c *Config) Validate() error {
	c.Account = strings.TrimSpace(c.Account)
	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.Account == "" {
		return fmt.Errorf("config: account is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("config: api key is required")
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	mode, err := dispatch.ParseMode(string(c.APIMode))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.APIMode = mode
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = DefaultRemoteTimeout
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.AcquireBlock < 0 {
		return fmt.Errorf("config: acquire block must be >= 0")
	}
	if c.AcquireBlock == 0 {
		c.AcquireBlock = DefaultAcquireBlock
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = DefaultReleaseTimeout
	}
	if floor := c.criticalSection(); c.LockTTL <= floor {
		return fmt.Errorf("config: lock ttl %s must exceed %s (two remote timeouts plus the release timeout)", c.LockTTL, floor)
	}
	if c.RateWindow <= 0 {
		c.RateWindow = DefaultRateWindow
	}
	if c.JobWindow <= 0 {
		c.JobWindow = DefaultJobWindow
	}
	if c.JobSafetyMargin < 0 {
		return fmt.Errorf("config: job safety margin must be >= 0")
	}
	if c.JobSafetyMargin == 0 {
		c.JobSafetyMargin = DefaultJobSafetyMargin
	}
	if c.JobSafetyMargin >= c.JobWindow {
		return fmt.Errorf("config: job safety margin must be shorter than the job window")
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.IngestMaxBody <= 0 {
		c.IngestMaxBody = DefaultIngestMaxBody
	}
	if c.IngestRate < 0 || c.IngestBurst < 0 {
		return fmt.Errorf("config: ingest rate and burst must be >= 0")
	}
	if c.IngestRate > 0 && c.IngestBurst == 0 {
		c.IngestBurst = int(c.IngestRate) + 1
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = DefaultSweepSchedule
	}
	if c.SweepSchedule != "off" {
		if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
			return fmt.Errorf("config: sweep schedule: %w", err)
		}
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.EnableRuntimeMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: runtime metrics require metrics-listen")
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.relayd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("RELAYD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".relayd"), nil
}

// DefaultConfigPath returns the default YAML config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// criticalSection is the longest a dispatch can hold an identity lock: an
// append, the stale-job fallback and the detached bookkeeping.
func (c Config) criticalSection() time.Duration {
	return 2*c.RemoteTimeout + c.ReleaseTimeout
}

func (c Config) lockConfig() lock.Config {
	cfg := lock.DefaultConfig()
	cfg.TTL = c.LockTTL
	cfg.AcquireBlock = c.AcquireBlock
	return cfg
}

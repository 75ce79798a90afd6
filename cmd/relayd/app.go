package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/relayd"
	"pkt.systems/relayd/internal/loggingutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("RELAYD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.TraceLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "relayd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cli carries the state shared by the root command and its subcommands.
type cli struct {
	v      *viper.Viper
	levels *loggingutil.LevelSwitch
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	return newCLI(baseLogger).rootCommand()
}

func newCLI(baseLogger pslog.Logger) *cli {
	return &cli{
		v:      viper.New(),
		levels: loggingutil.NewLevelSwitch(baseLogger, pslog.InfoLevel),
	}
}

func (c *cli) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relayd",
		Short:         "relayd relays analytics records to a customer-messaging API with shared locks, rate gating and bulk-job reuse",
		SilenceErrors: true,
		Example: `
  # Single instance, in-memory coordination
  RELAYD_ACCOUNT=app_123 RELAYD_API_KEY=secret relayd --store mem://

  # Several instances sharing a SQLite file and bulk jobs
  relayd --account app_123 --api-key secret --api-mode bulk --store sqlite:///var/lib/relayd/relayd.db

  # MinIO-backed coordination (append ?insecure=1 for HTTP)
  RELAYD_S3_ACCESS_KEY_ID=minioadmin RELAYD_S3_SECRET_ACCESS_KEY=minioadmin \
    relayd --store s3://localhost:9000/relayd/coord?insecure=1

  # Dispatch one record without running the server
  relayd send track --file event.json

  # Post one record to a running server
  relayd send identify --server http://127.0.0.1:8080 < profile.json
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := c.load()
			if err != nil {
				return err
			}
			logger := c.levels.Logger()
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			cliLogger.Info("welcome to relayd",
				"pid", os.Getpid(),
				"mode", string(cfg.APIMode),
				"store", relayd.StoreScheme(cfg.Store),
			)
			server, err := relayd.NewServer(cfg, relayd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() { _ = server.Close() }()

			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				if err := server.Close(); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.relayd/config.yaml)")
	persistent.String("log-level", "info", "log level (trace, debug, info, warn, error); reloaded when the config file changes")
	persistent.String("account", "", "remote account (app id)")
	persistent.String("api-key", "", "remote API key")
	persistent.String("endpoint", relayd.DefaultEndpoint, "remote API base URL")
	persistent.String("api-mode", string(relayd.DefaultAPIMode), "dispatch strategy (legacy or bulk)")
	persistent.String("user-agent", "", "User-Agent sent to the remote (defaults to relayd/<version>)")
	persistent.Duration("remote-timeout", relayd.DefaultRemoteTimeout, "timeout of one remote call")
	persistent.String("store", relayd.DefaultStore, "coordination store URL (mem://, sqlite:///path, s3://host/bucket, aws://bucket, azure://account/container)")
	persistent.Bool("store-retry", false, "retry transient coordination store failures")
	persistent.String("azure-key", "", "Azure Storage account key (or RELAYD_AZURE_ACCOUNT_KEY)")
	persistent.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")
	persistent.Duration("lock-ttl", relayd.DefaultLockTTL, "identity lock TTL")
	persistent.Duration("acquire-block", relayd.DefaultAcquireBlock, "maximum wait for a contended identity lock")
	persistent.Duration("release-timeout", relayd.DefaultReleaseTimeout, "bound on lock release and post-response bookkeeping")
	persistent.Duration("rate-window", relayd.DefaultRateWindow, "rate budget lifetime when the remote omits a reset time")
	persistent.Duration("job-window", relayd.DefaultJobWindow, "bulk job lifetime when the remote omits a closing time")
	persistent.Duration("job-safety-margin", relayd.DefaultJobSafetyMargin, "registry entries expire this long before the remote closes the job")

	flags := cmd.Flags()
	flags.String("listen", relayd.DefaultListen, "ingestion listen address")
	flags.String("ingest-max-body", humanizeBytes(relayd.DefaultIngestMaxBody), "maximum ingestion request body")
	flags.Float64("ingest-rate", 0, "sustained ingestion rate in records per second (0 disables throttling)")
	flags.Int("ingest-burst", 0, "ingestion burst size (defaults to the rate rounded up)")
	flags.String("sweep-schedule", relayd.DefaultSweepSchedule, "cron schedule of the expired-entry janitor (off disables)")
	flags.Duration("shutdown-timeout", relayd.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.String("metrics-listen", relayd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", relayd.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("enable-runtime-metrics", false, "export Go runtime metrics on the Prometheus endpoint")

	c.v.SetEnvPrefix("RELAYD")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	bindAll := func(set *pflag.FlagSet) {
		set.VisitAll(func(f *pflag.Flag) {
			if err := c.v.BindPFlag(f.Name, f); err != nil {
				panic(err)
			}
		})
	}
	bindAll(persistent)
	bindAll(flags)

	cmd.AddCommand(newSendCommand(c))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// load reads the config file, applies the log level and returns the bound
// configuration.
func (c *cli) load() (relayd.Config, error) {
	logger := loggingutil.WithSubsystem(c.levels.Logger(), "cli.config")
	configFile, err := c.loadConfigFile()
	if err != nil {
		return relayd.Config{}, err
	}
	c.applyLogLevel(logger)
	if configFile != "" {
		logger.Info("loaded config file", "path", configFile)
		c.v.OnConfigChange(func(e fsnotify.Event) {
			logger.Info("config file changed", "path", e.Name, "op", e.Op.String())
			c.applyLogLevel(logger)
		})
		c.v.WatchConfig()
	}
	return bindConfig(c.v)
}

func (c *cli) applyLogLevel(logger pslog.Logger) {
	raw := strings.TrimSpace(c.v.GetString("log-level"))
	if raw == "" {
		raw = "info"
	}
	level, ok := pslog.ParseLevel(raw)
	if !ok {
		logger.Warn("ignoring unknown log level", "level", raw)
		return
	}
	c.levels.SetLevel(level)
}

func (c *cli) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(c.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := relayd.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	c.v.SetConfigFile(expanded)
	if err := c.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func bindConfig(v *viper.Viper) (relayd.Config, error) {
	cfg := relayd.Config{
		Account:         v.GetString("account"),
		APIKey:          v.GetString("api-key"),
		Endpoint:        v.GetString("endpoint"),
		APIMode:         relayd.APIMode(v.GetString("api-mode")),
		UserAgent:       v.GetString("user-agent"),
		RemoteTimeout:   v.GetDuration("remote-timeout"),
		Store:           v.GetString("store"),
		StoreRetry:      v.GetBool("store-retry"),
		AzureAccountKey: v.GetString("azure-key"),
		AzureSASToken:   v.GetString("azure-sas-token"),
		LockTTL:         v.GetDuration("lock-ttl"),
		AcquireBlock:    v.GetDuration("acquire-block"),
		ReleaseTimeout:  v.GetDuration("release-timeout"),
		RateWindow:      v.GetDuration("rate-window"),
		JobWindow:       v.GetDuration("job-window"),
		JobSafetyMargin: v.GetDuration("job-safety-margin"),
		Listen:          v.GetString("listen"),
		IngestRate:      v.GetFloat64("ingest-rate"),
		IngestBurst:     v.GetInt("ingest-burst"),
		SweepSchedule:   v.GetString("sweep-schedule"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
		MetricsListen:   v.GetString("metrics-listen"),
		PprofListen:     v.GetString("pprof-listen"),
		OTLPEndpoint:    v.GetString("otlp-endpoint"),

		EnableRuntimeMetrics: v.GetBool("enable-runtime-metrics"),
	}
	if raw := strings.TrimSpace(v.GetString("ingest-max-body")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return relayd.Config{}, fmt.Errorf("parse ingest-max-body: %w", err)
		}
		cfg.IngestMaxBody = int64(size)
	}
	if err := cfg.Validate(); err != nil {
		return relayd.Config{}, err
	}
	return cfg, nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/relayd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage relayd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.relayd/config.yaml"
	if path, err := relayd.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default relayd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := relayd.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the command-line flags; keys match flag names so
// viper reads the file without a mapping layer.
type configDefaults struct {
	LogLevel        string  `yaml:"log-level"`
	Account         string  `yaml:"account"`
	APIKey          string  `yaml:"api-key"`
	Endpoint        string  `yaml:"endpoint"`
	APIMode         string  `yaml:"api-mode"`
	RemoteTimeout   string  `yaml:"remote-timeout"`
	Store           string  `yaml:"store"`
	StoreRetry      bool    `yaml:"store-retry"`
	LockTTL         string  `yaml:"lock-ttl"`
	AcquireBlock    string  `yaml:"acquire-block"`
	ReleaseTimeout  string  `yaml:"release-timeout"`
	RateWindow      string  `yaml:"rate-window"`
	JobWindow       string  `yaml:"job-window"`
	JobSafetyMargin string  `yaml:"job-safety-margin"`
	Listen          string  `yaml:"listen"`
	IngestMaxBody   string  `yaml:"ingest-max-body"`
	IngestRate      float64 `yaml:"ingest-rate"`
	IngestBurst     int     `yaml:"ingest-burst"`
	SweepSchedule   string  `yaml:"sweep-schedule"`
	ShutdownTimeout string  `yaml:"shutdown-timeout"`
	MetricsListen   string  `yaml:"metrics-listen"`
	PprofListen     string  `yaml:"pprof-listen"`
	OTLPEndpoint    string  `yaml:"otlp-endpoint"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		LogLevel:        "info",
		Endpoint:        relayd.DefaultEndpoint,
		APIMode:         string(relayd.DefaultAPIMode),
		RemoteTimeout:   relayd.DefaultRemoteTimeout.String(),
		Store:           relayd.DefaultStore,
		LockTTL:         relayd.DefaultLockTTL.String(),
		AcquireBlock:    relayd.DefaultAcquireBlock.String(),
		ReleaseTimeout:  relayd.DefaultReleaseTimeout.String(),
		RateWindow:      relayd.DefaultRateWindow.String(),
		JobWindow:       relayd.DefaultJobWindow.String(),
		JobSafetyMargin: relayd.DefaultJobSafetyMargin.String(),
		Listen:          relayd.DefaultListen,
		IngestMaxBody:   humanizeBytes(relayd.DefaultIngestMaxBody),
		SweepSchedule:   relayd.DefaultSweepSchedule,
		ShutdownTimeout: relayd.DefaultShutdownTimeout.String(),
		MetricsListen:   relayd.DefaultMetricsListen,
		PprofListen:     relayd.DefaultPprofListen,
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	header := []byte("# relayd configuration; every key matches a command-line flag.\n")
	return append(header, data...), nil
}

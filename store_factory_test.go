package relayd

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/relayd/internal/storage"
	"pkt.systems/relayd/internal/storage/memory"
	"pkt.systems/relayd/internal/storage/sqlite"
)

func TestOpenBackendMemory(t *testing.T) {
	backend, scheme, err := openBackend(Config{Store: "mem://"}, nil)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*memory.Store); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
	if scheme != "memory" {
		t.Fatalf("unexpected scheme %q", scheme)
	}
}

func TestOpenStoreSQLiteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relayd.db")
	backend, _, err := openBackend(Config{Store: "sqlite://" + path}, nil)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	if _, ok := backend.(*sqlite.Store); !ok {
		t.Fatalf("expected sqlite backend, got %T", backend)
	}
	_ = backend.Close()

	store, err := OpenStore(Config{Store: "sqlite://" + path, StoreRetry: true}, nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, err := store.Get(ctx, "k"); err != nil || got != "v" {
		t.Fatalf("get: %q %v", got, err)
	}
	if _, err := storage.SweepIfSupported(ctx, store); err != nil {
		t.Fatalf("expected decorated store to keep sweeping, got %v", err)
	}
}

func TestOpenBackendRejectsUnknownScheme(t *testing.T) {
	if _, _, err := openBackend(Config{Store: "redis://localhost"}, nil); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestStoreScheme(t *testing.T) {
	cases := map[string]string{
		"":                        "memory",
		"mem://":                  "memory",
		"sqlite:///var/relayd.db": "sqlite",
		"s3://localhost:9000/b":   "s3",
		"aws://bucket?region=x":   "aws",
		"azure://acct/container":  "azure",
		"redis://localhost":       "unknown",
		"://missing-scheme":       "unknown",
	}
	for raw, want := range cases {
		if got := StoreScheme(raw); got != want {
			t.Fatalf("StoreScheme(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestSQLitePath(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		err  bool
	}{
		{raw: "sqlite:///var/lib/relayd.db", want: "/var/lib/relayd.db"},
		{raw: "sqlite://data/relayd.db", want: "data/relayd.db"},
		{raw: "sqlite::memory:", want: ":memory:"},
		{raw: "sqlite://", err: true},
	}
	for _, tc := range cases {
		u, err := url.Parse(tc.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.raw, err)
		}
		got, err := SQLitePath(u)
		if tc.err {
			if err == nil {
				t.Fatalf("%s: expected error", tc.raw)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s: got %q %v, want %q", tc.raw, got, err, tc.want)
		}
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	t.Setenv("RELAYD_S3_ACCESS_KEY_ID", "minio")
	t.Setenv("RELAYD_S3_SECRET_ACCESS_KEY", "minio123")
	t.Setenv("RELAYD_S3_SESSION_TOKEN", "")
	cfg := Config{Store: "s3://localhost:9000/relay-bucket/prefix/path?insecure=1&path-style=1&region=eu-north-1"}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" || s3cfg.Bucket != "relay-bucket" || s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected config %+v", s3cfg)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle || s3cfg.Region != "eu-north-1" {
		t.Fatalf("expected query flags to apply, got %+v", s3cfg)
	}
	if s3cfg.CustomCreds == nil || summary.AccessKey != "minio" || !summary.HasSecret {
		t.Fatalf("unexpected credential summary %+v", summary)
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000"}); err == nil {
		t.Fatalf("expected missing bucket error")
	}

	t.Setenv("RELAYD_S3_SECRET_ACCESS_KEY", "")
	if _, _, err := BuildGenericS3Config(cfg); err == nil {
		t.Fatalf("expected incomplete credentials error")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	t.Setenv("RELAYD_AWS_REGION", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	if _, err := BuildAWSConfig(Config{Store: "aws://relay-bucket"}); err == nil {
		t.Fatalf("expected missing region error")
	}
	awscfg, err := BuildAWSConfig(Config{Store: "aws://relay-bucket/relayd/?region=eu-west-1&endpoint=http://localhost:4566&path-style=true"})
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if awscfg.Bucket != "relay-bucket" || awscfg.Prefix != "relayd" || awscfg.Region != "eu-west-1" {
		t.Fatalf("unexpected config %+v", awscfg)
	}
	if awscfg.Endpoint != "http://localhost:4566" || !awscfg.ForcePathStyle {
		t.Fatalf("expected endpoint override and path style, got %+v", awscfg)
	}
}

func TestBuildAzureConfig(t *testing.T) {
	t.Setenv("RELAYD_AZURE_SAS_TOKEN", "")
	t.Setenv("AZURE_STORAGE_SAS_TOKEN", "")
	azcfg, err := BuildAzureConfig(Config{
		Store:           "azure://relayacct/coord/prod",
		AzureAccountKey: "a2V5",
	})
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if azcfg.Account != "relayacct" || azcfg.Container != "coord" || azcfg.Prefix != "prod" || azcfg.AccountKey != "a2V5" {
		t.Fatalf("unexpected config %+v", azcfg)
	}
	azcfg, err = BuildAzureConfig(Config{Store: "azure://relayacct/coord?sas=sv%3D1"})
	if err != nil {
		t.Fatalf("BuildAzureConfig with sas: %v", err)
	}
	if azcfg.SASToken != "sv=1" {
		t.Fatalf("expected sas from query, got %q", azcfg.SASToken)
	}
	if _, err := BuildAzureConfig(Config{Store: "azure://relayacct"}); err == nil {
		t.Fatalf("expected missing container error")
	}
}

package relayd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"
	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/loggingutil"
	"pkt.systems/relayd/internal/storage"
	awsstore "pkt.systems/relayd/internal/storage/aws"
	azurestore "pkt.systems/relayd/internal/storage/azure"
	storagelog "pkt.systems/relayd/internal/storage/logging"
	"pkt.systems/relayd/internal/storage/memory"
	"pkt.systems/relayd/internal/storage/retry"
	"pkt.systems/relayd/internal/storage/s3"
	"pkt.systems/relayd/internal/storage/sqlite"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// OpenStore opens the coordination store named by cfg.Store and decorates it
// with tracing and, when enabled, transient-error retries.
func OpenStore(cfg Config, clk clock.Clock, logger pslog.Logger) (storage.Store, error) {
	logger = loggingutil.EnsureLogger(logger)
	backend, scheme, err := openBackend(cfg, clk)
	if err != nil {
		return nil, err
	}
	var store storage.Store = backend
	if cfg.StoreRetry {
		store = retry.Wrap(store, loggingutil.WithSubsystem(logger, "storage.retry"), clk, retry.Config{
			MaxAttempts: 4,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    time.Second,
			Multiplier:  2,
		})
	}
	return storagelog.Wrap(store, logger, "storage."+scheme), nil
}

func openBackend(cfg Config, clk clock.Clock) (storage.Store, string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, "", fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.NewWithClock(clk), "memory", nil
	case "sqlite", "file":
		path, err := SQLitePath(u)
		if err != nil {
			return nil, "", err
		}
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, "", fmt.Errorf("sqlite store directory: %w", err)
			}
		}
		store, err := sqlite.Open(sqlite.Config{Path: path, Clock: clk})
		return store, "sqlite", err
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, "", err
		}
		s3cfg.Clock = clk
		store, err := s3.New(s3cfg)
		if err != nil {
			return nil, "", err
		}
		if err := ensureBucket(context.Background(), store); err != nil {
			_ = store.Close()
			return nil, "", err
		}
		return store, "s3", nil
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, "", err
		}
		awscfg.Clock = clk
		store, err := awsstore.New(awscfg)
		return store, "aws", err
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, "", err
		}
		azureCfg.Clock = clk
		store, err := azurestore.New(azureCfg)
		return store, "azure", err
	default:
		return nil, "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// StoreScheme returns the backend name selected by a store URL, or "unknown".
func StoreScheme(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "unknown"
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return "memory"
	case "sqlite", "file":
		return "sqlite"
	case "s3", "aws", "azure":
		return u.Scheme
	default:
		return "unknown"
	}
}

// SQLitePath extracts the database path from sqlite:///abs/path,
// sqlite://relative/path or sqlite::memory: style URLs.
func SQLitePath(u *url.URL) (string, error) {
	if u.Opaque != "" {
		return u.Opaque, nil
	}
	path := u.Host + u.Path
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("sqlite store missing path (expected sqlite:///path/to/relayd.db)")
	}
	return path, nil
}

// BuildGenericS3Config parses s3:// URLs that target generic S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucket(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	cred, summary, err := resolveGenericS3Credentials()
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       queryBool(query, "insecure"),
		ForcePathStyle: queryBool(query, "path-style"),
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws:// URLs that target AWS S3 through the AWS SDK.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(query.Get("region"))
	if region == "" {
		region = firstEnv("RELAYD_AWS_REGION", "AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (aws://bucket?region=... or AWS_REGION)")
	}
	return awsstore.Config{
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Region:         region,
		Bucket:         bucket,
		Prefix:         strings.Trim(u.Path, "/"),
		Insecure:       queryBool(query, "insecure"),
		ForcePathStyle: queryBool(query, "path-style"),
	}, nil
}

// BuildAzureConfig derives the Azure backend configuration.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucket(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("RELAYD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("RELAYD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   strings.TrimSpace(query.Get("endpoint")),
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func resolveGenericS3Credentials() (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(os.Getenv("RELAYD_S3_ACCESS_KEY_ID"))
	secretKey := os.Getenv("RELAYD_S3_SECRET_ACCESS_KEY")
	sessionToken := os.Getenv("RELAYD_S3_SESSION_TOKEN")
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != ""}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		// nil selects the minio provider chain (AWS/MinIO env vars, credentials file, IAM).
		summary.Source = "chain"
		return nil, summary, nil
	}
	summary.Source = "env:RELAYD_S3_ACCESS_KEY_ID"
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func ensureBucket(ctx context.Context, store *s3.Store) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := store.BucketExists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", store.Config().Bucket)
	}
	return nil
}

func splitBucket(raw string) (string, string) {
	path := strings.Trim(raw, "/")
	if path == "" {
		return "", ""
	}
	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 1 {
		return strings.TrimSpace(parts[0]), ""
	}
	return strings.TrimSpace(parts[0]), strings.Trim(parts[1], "/")
}

func queryBool(query url.Values, name string) bool {
	v := query.Get(name)
	if v == "" {
		return false
	}
	ok, err := strconv.ParseBool(v)
	return err == nil && ok
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}

// Package s3 stores coordination entries as objects in an S3-compatible
// bucket. Each key is one object; its TTL travels in object metadata and
// conditional writes use ETag preconditions.
//
// The store does not implement storage.Sweeper: the minio client cannot make
// a removal conditional on an ETag, and an unconditional removal could take
// out an entry that replaced the expired one. Expired objects read as
// absent; reclaim their space with a bucket lifecycle rule.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"
	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/storage"
)

// ExpiresMetadataKey is the user metadata field holding an entry's expiry
// in unix milliseconds.
const ExpiresMetadataKey = "relayd-expires-at"

const maxValueSize = 1 << 20

// tombstoneExpiry marks an entry removed by a conditional Delete. Any expiry
// in the past reads as absent.
var tombstoneExpiry = time.UnixMilli(1).UTC()

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
	Clock          clock.Clock
}

// Store implements storage.Store backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
	clock  clock.Clock
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg, clock: clock.Or(cfg.Clock)}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 256
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

// Close satisfies storage.Store and is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config {
	return s.cfg
}

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

type object struct {
	value     string
	etag      string
	expiresAt time.Time
}

// Get returns the live value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	obj, err := s.load(ctx, key)
	if err != nil {
		return "", err
	}
	return obj.value, nil
}

// Set unconditionally writes value.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	logger := pslog.LoggerFromContext(ctx)
	name := s.objectName(key)
	if _, err := s.put(ctx, name, value, ttl, func(*minio.PutObjectOptions) {}); err != nil {
		logger.Debug("s3.set.error", "key", key, "object", name, "error", err)
		return s.wrapError(err, "s3: put")
	}
	logger.Trace("s3.set.success", "key", key, "object", name, "ttl", ttl)
	return nil
}

// SetNX creates key when it is missing or expired. Creation is guarded by
// If-None-Match, replacement of an expired object by If-Match on its ETag.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	logger := pslog.LoggerFromContext(ctx)
	name := s.objectName(key)
	current, err := s.load(ctx, key)
	var condition func(*minio.PutObjectOptions)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, storage.ErrNotFound):
		if current.etag != "" {
			etag := current.etag
			condition = func(o *minio.PutObjectOptions) { o.SetMatchETag(etag) }
		} else {
			condition = func(o *minio.PutObjectOptions) { o.SetMatchETagExcept("*") }
		}
	default:
		return false, err
	}
	if _, err := s.put(ctx, name, value, ttl, condition); err != nil {
		if isPreconditionFailed(err) {
			logger.Trace("s3.setnx.lost", "key", key, "object", name)
			return false, nil
		}
		logger.Debug("s3.setnx.error", "key", key, "object", name, "error", err)
		return false, s.wrapError(err, "s3: put")
	}
	logger.Trace("s3.setnx.success", "key", key, "object", name, "ttl", ttl)
	return true, nil
}

// Delete removes key. With a non-empty expected value the removal is a
// tombstone write guarded by If-Match on the ETag that was compared, so a
// writer that replaced the entry in between is never clobbered. Tombstones
// read as absent and are replaced by SetNX like any expired entry.
func (s *Store) Delete(ctx context.Context, key, expected string) error {
	logger := pslog.LoggerFromContext(ctx)
	name := s.objectName(key)
	if expected == "" {
		if err := s.client.RemoveObject(ctx, s.cfg.Bucket, name, minio.RemoveObjectOptions{}); err != nil {
			if isNotFound(err) {
				return nil
			}
			logger.Debug("s3.delete.error", "key", key, "object", name, "error", err)
			return s.wrapError(err, "s3: remove")
		}
		logger.Trace("s3.delete.success", "key", key, "object", name)
		return nil
	}
	current, err := s.load(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.value != expected {
		logger.Debug("s3.delete.cas_mismatch", "key", key, "object", name)
		return storage.ErrCASMismatch
	}
	etag := current.etag
	_, err = s.write(ctx, name, "", tombstoneExpiry, func(o *minio.PutObjectOptions) { o.SetMatchETag(etag) })
	if err != nil {
		if isPreconditionFailed(err) {
			logger.Debug("s3.delete.cas_lost", "key", key, "object", name)
			return storage.ErrCASMismatch
		}
		logger.Debug("s3.delete.error", "key", key, "object", name, "error", err)
		return s.wrapError(err, "s3: tombstone")
	}
	logger.Trace("s3.delete.success", "key", key, "object", name)
	return nil
}

// load returns the object for key. Expired objects yield ErrNotFound but
// still report their ETag so SetNX can replace them conditionally.
func (s *Store) load(ctx context.Context, key string) (object, error) {
	name := s.objectName(key)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, name, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return object{}, storage.ErrNotFound
		}
		return object{}, s.wrapError(err, "s3: get")
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return object{}, storage.ErrNotFound
		}
		return object{}, s.wrapError(err, "s3: stat")
	}
	payload, err := io.ReadAll(io.LimitReader(obj, maxValueSize))
	if err != nil {
		if isNotFound(err) {
			return object{}, storage.ErrNotFound
		}
		return object{}, s.wrapError(err, "s3: read")
	}
	out := object{
		value:     string(payload),
		etag:      stripETag(info.ETag),
		expiresAt: expiresFrom(info.UserMetadata),
	}
	if storage.Expired(out.expiresAt, s.clock.Now()) {
		return object{etag: out.etag}, storage.ErrNotFound
	}
	return out, nil
}

func (s *Store) put(ctx context.Context, name, value string, ttl time.Duration, condition func(*minio.PutObjectOptions)) (minio.UploadInfo, error) {
	return s.write(ctx, name, value, storage.ExpiryFor(s.clock.Now(), ttl), condition)
}

func (s *Store) write(ctx context.Context, name, value string, expiresAt time.Time, condition func(*minio.PutObjectOptions)) (minio.UploadInfo, error) {
	options := minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
		UserMetadata: map[string]string{
			ExpiresMetadataKey: storage.FormatExpiry(expiresAt),
		},
	}
	condition(&options)
	return s.client.PutObject(ctx, s.cfg.Bucket, name, bytes.NewReader([]byte(value)), int64(len(value)), options)
}

func (s *Store) objectName(key string) string {
	return s.listPrefix() + key
}

func (s *Store) listPrefix() string {
	if s.cfg.Prefix == "" {
		return "kv/"
	}
	return s.cfg.Prefix + "/kv/"
}

func expiresFrom(meta map[string]string) time.Time {
	for k, v := range meta {
		if strings.EqualFold(k, ExpiresMetadataKey) || strings.EqualFold(k, "X-Amz-Meta-"+ExpiresMetadataKey) {
			return storage.ParseExpiry(v)
		}
	}
	return time.Time{}
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		if errResp.StatusCode == http.StatusPreconditionFailed {
			return true
		}
		if errResp.StatusCode == http.StatusConflict {
			switch errResp.Code {
			case "ConditionalRequestConflict", "OperationAborted":
				return true
			}
		}
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= http.StatusInternalServerError {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isNetworkConnectionError(opErr.Err)
	}
	return false
}

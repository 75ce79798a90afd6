// Package aws stores coordination entries in Amazon S3 through the AWS SDK.
// Conditional creates use If-None-Match and compare-and-delete uses
// If-Match on the ETag read alongside the value.
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/pslog"
	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/storage"
)

// ExpiresMetadataKey is the object metadata field holding an entry's expiry
// in unix milliseconds.
const ExpiresMetadataKey = "relayd-expires-at"

const (
	awsOpTimeout = 30 * time.Second
	maxValueSize = 1 << 20
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	Clock          clock.Clock
}

// Store implements storage.Store backed by AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
	clock  clock.Clock
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	httpClient := &http.Client{Transport: defaultTransport(cfg.Insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Store{client: client, cfg: cfg, clock: clock.Or(cfg.Clock)}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
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
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Close satisfies storage.Store and is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config {
	return s.cfg
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) <= awsOpTimeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

type object struct {
	value     string
	etag      string
	expiresAt time.Time
}

// Get returns the live value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	obj, err := s.load(ctx, key)
	if err != nil {
		return "", err
	}
	return obj.value, nil
}

// Set unconditionally writes value.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	logger := pslog.LoggerFromContext(ctx)
	name := s.objectName(key)
	if _, err := s.client.PutObject(ctx, s.putInput(name, value, ttl)); err != nil {
		logger.Debug("aws.set.error", "key", key, "object", name, "error", err)
		return s.wrapError(err, "aws: put")
	}
	logger.Trace("aws.set.success", "key", key, "object", name, "ttl", ttl)
	return nil
}

// SetNX creates key when it is missing or expired.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	logger := pslog.LoggerFromContext(ctx)
	name := s.objectName(key)
	current, err := s.load(ctx, key)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	input := s.putInput(name, value, ttl)
	if current.etag != "" {
		input.IfMatch = aws.String(current.etag)
	} else {
		input.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			logger.Trace("aws.setnx.lost", "key", key, "object", name)
			return false, nil
		}
		logger.Debug("aws.setnx.error", "key", key, "object", name, "error", err)
		return false, s.wrapError(err, "aws: put")
	}
	logger.Trace("aws.setnx.success", "key", key, "object", name, "ttl", ttl)
	return true, nil
}

// Delete removes key, optionally only when it still holds expected.
func (s *Store) Delete(ctx context.Context, key, expected string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	logger := pslog.LoggerFromContext(ctx)
	name := s.objectName(key)
	input := &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(name)}
	if expected != "" {
		current, err := s.load(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.value != expected {
			logger.Debug("aws.delete.cas_mismatch", "key", key, "object", name)
			return storage.ErrCASMismatch
		}
		input.IfMatch = aws.String(current.etag)
	}
	if _, err := s.client.DeleteObject(ctx, input); err != nil {
		if isNotFound(err) {
			return nil
		}
		if isPreconditionFailed(err) {
			logger.Debug("aws.delete.cas_mismatch", "key", key, "object", name)
			return storage.ErrCASMismatch
		}
		logger.Debug("aws.delete.error", "key", key, "object", name, "error", err)
		return s.wrapError(err, "aws: delete")
	}
	logger.Trace("aws.delete.success", "key", key, "object", name)
	return nil
}

// Sweep removes expired objects under the configured prefix.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	logger := pslog.LoggerFromContext(ctx)
	now := s.clock.Now()
	removed := 0
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.listPrefix()),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return removed, s.wrapError(err, "aws: list")
		}
		for _, item := range page.Contents {
			name := aws.ToString(item.Key)
			head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(name)})
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return removed, s.wrapError(err, "aws: head")
			}
			if !storage.Expired(expiresFrom(head.Metadata), now) {
				continue
			}
			_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket:  aws.String(s.cfg.Bucket),
				Key:     aws.String(name),
				IfMatch: head.ETag,
			})
			if err != nil && !isNotFound(err) && !isPreconditionFailed(err) {
				return removed, s.wrapError(err, "aws: delete")
			}
			if err == nil {
				removed++
			}
		}
	}
	logger.Debug("aws.sweep.done", "removed", removed)
	return removed, nil
}

func (s *Store) load(ctx context.Context, key string) (object, error) {
	name := s.objectName(key)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(name)})
	if err != nil {
		if isNotFound(err) {
			return object{}, storage.ErrNotFound
		}
		return object{}, s.wrapError(err, "aws: get")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxValueSize))
	if err != nil {
		return object{}, s.wrapError(err, "aws: read")
	}
	out := object{
		value:     string(payload),
		etag:      aws.ToString(resp.ETag),
		expiresAt: expiresFrom(resp.Metadata),
	}
	if storage.Expired(out.expiresAt, s.clock.Now()) {
		return object{etag: out.etag}, storage.ErrNotFound
	}
	return out, nil
}

func (s *Store) putInput(name, value string, ttl time.Duration) *s3.PutObjectInput {
	return &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(name),
		Body:          bytes.NewReader([]byte(value)),
		ContentLength: aws.Int64(int64(len(value))),
		ContentType:   aws.String("text/plain; charset=utf-8"),
		Metadata: map[string]string{
			ExpiresMetadataKey: storage.FormatExpiry(storage.ExpiryFor(s.clock.Now(), ttl)),
		},
	}
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
		if strings.EqualFold(k, ExpiresMetadataKey) {
			return storage.ParseExpiry(v)
		}
	}
	return time.Time{}
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
	if status, ok := httpStatusCode(err); ok {
		if status >= http.StatusInternalServerError {
			return true
		}
		switch status {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return true
		}
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

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusPreconditionFailed || status == http.StatusConflict
	}
	return false
}

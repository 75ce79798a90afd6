// Package azure stores coordination entries as block blobs in an Azure
// Storage container.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/pslog"
	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/storage"
)

// ExpiresMetadataKey is the blob metadata field holding an entry's expiry in
// unix milliseconds. Azure metadata names must be valid identifiers.
const ExpiresMetadataKey = "relayd_expires_at"

const maxValueSize = 1 << 20

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
	Clock      clock.Clock
}

// Store implements storage.Store backed by Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
	clock     clock.Clock
}

// New constructs a Store and creates the container when missing.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}

	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		clock:     clock.Or(cfg.Clock),
	}, nil
}

func defaultClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: defaultTransporter(),
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
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
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

// Close satisfies storage.Store (no-op for Azure).
func (s *Store) Close() error { return nil }

type entry struct {
	value     string
	etag      azcore.ETag
	expiresAt time.Time
}

// Get returns the live value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	e, err := s.load(ctx, key)
	if err != nil {
		return "", err
	}
	return e.value, nil
}

// Set unconditionally writes value.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.upload(ctx, key, value, ttl, nil); err != nil {
		pslog.LoggerFromContext(ctx).Debug("azure.set.error", "key", key, "error", err)
		return wrapError(err, "azure: upload")
	}
	return nil
}

// SetNX creates key when it is missing or expired.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	current, err := s.load(ctx, key)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	cond := &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)}
	if current.etag != "" {
		cond = &blob.ModifiedAccessConditions{IfMatch: to.Ptr(current.etag)}
	}
	if err := s.upload(ctx, key, value, ttl, cond); err != nil {
		if isPreconditionFailed(err) {
			pslog.LoggerFromContext(ctx).Trace("azure.setnx.lost", "key", key)
			return false, nil
		}
		return false, wrapError(err, "azure: upload")
	}
	return true, nil
}

// Delete removes key, optionally only when it still holds expected.
func (s *Store) Delete(ctx context.Context, key, expected string) error {
	var opts *azblob.DeleteBlobOptions
	if expected != "" {
		current, err := s.load(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.value != expected {
			return storage.ErrCASMismatch
		}
		opts = &azblob.DeleteBlobOptions{
			AccessConditions: &blob.AccessConditions{
				ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: to.Ptr(current.etag)},
			},
		}
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, s.blobName(key), opts); err != nil {
		if isNotFound(err) {
			return nil
		}
		if isPreconditionFailed(err) {
			return storage.ErrCASMismatch
		}
		return wrapError(err, "azure: delete")
	}
	return nil
}

// Sweep removes expired blobs under the configured prefix.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	prefix := s.listPrefix()
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix:  &prefix,
		Include: azblob.ListBlobsInclude{Metadata: true},
	})
	removed := 0
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return removed, wrapError(err, "azure: list")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil || !storage.Expired(expiresFrom(item.Metadata), now) {
				continue
			}
			var opts *azblob.DeleteBlobOptions
			if item.Properties != nil && item.Properties.ETag != nil {
				opts = &azblob.DeleteBlobOptions{
					AccessConditions: &blob.AccessConditions{
						ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: item.Properties.ETag},
					},
				}
			}
			if _, err := s.client.DeleteBlob(ctx, s.container, *item.Name, opts); err != nil {
				if isNotFound(err) || isPreconditionFailed(err) {
					continue
				}
				return removed, wrapError(err, "azure: delete")
			}
			removed++
		}
	}
	pslog.LoggerFromContext(ctx).Debug("azure.sweep.done", "removed", removed)
	return removed, nil
}

func (s *Store) load(ctx context.Context, key string) (entry, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, s.blobName(key), nil)
	if err != nil {
		if isNotFound(err) {
			return entry{}, storage.ErrNotFound
		}
		return entry{}, wrapError(err, "azure: download")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxValueSize))
	if err != nil {
		return entry{}, wrapError(err, "azure: read")
	}
	e := entry{value: string(payload), expiresAt: expiresFrom(resp.Metadata)}
	if resp.ETag != nil {
		e.etag = *resp.ETag
	}
	if storage.Expired(e.expiresAt, s.clock.Now()) {
		return entry{etag: e.etag}, storage.ErrNotFound
	}
	return e, nil
}

func (s *Store) upload(ctx context.Context, key, value string, ttl time.Duration, cond *blob.ModifiedAccessConditions) error {
	opts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("text/plain; charset=utf-8"),
		},
		Metadata: map[string]*string{
			ExpiresMetadataKey: to.Ptr(storage.FormatExpiry(storage.ExpiryFor(s.clock.Now(), ttl))),
		},
	}
	if cond != nil {
		opts.AccessConditions = &blob.AccessConditions{ModifiedAccessConditions: cond}
	}
	_, err := s.client.UploadStream(ctx, s.container, s.blobName(key), bytes.NewReader([]byte(value)), opts)
	return err
}

func (s *Store) blobName(key string) string {
	return s.listPrefix() + key
}

func (s *Store) listPrefix() string {
	if s.prefix == "" {
		return "kv/"
	}
	return s.prefix + "/kv/"
}

func expiresFrom(meta map[string]*string) time.Time {
	for k, v := range meta {
		if v != nil && strings.EqualFold(k, ExpiresMetadataKey) {
			return storage.ParseExpiry(*v)
		}
	}
	return time.Time{}
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode >= http.StatusInternalServerError || respErr.StatusCode == http.StatusTooManyRequests {
			return storage.NewTransientError(wrapped)
		}
		return wrapped
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isPreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode == http.StatusPreconditionFailed || respErr.StatusCode == http.StatusConflict {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

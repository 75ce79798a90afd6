// Package client is the Go SDK for posting records to a running relayd
// server over its HTTP ingestion API.
//
//	cli, err := client.New("http://relayd.internal:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := cli.Track(ctx, api.Track{UserID: "u-1", Event: "signed-up"})
//	var apiErr *client.APIError
//	if errors.As(err, &apiErr) {
//	    time.Sleep(apiErr.RetryAfterDuration())
//	}
//
// Correlation ids attached with WithCorrelationID travel in the
// X-Correlation-Id header; the server echoes the id it used in every response.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/api"
	"pkt.systems/relayd/internal/correlation"
	"pkt.systems/relayd/internal/loggingutil"
)

// DefaultTimeout bounds one request, long enough to cover a server waiting
// for an identity lock and then calling the remote.
const DefaultTimeout = time.Minute

// Ingestion endpoint paths.
const (
	PathIdentify = "/v1/identify"
	PathGroup    = "/v1/group"
	PathTrack    = "/v1/track"
)

const maxResponseSize = 4 << 20

// Client posts records to one relayd server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     pslog.Logger
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil keeps the disabled logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = loggingutil.WithSubsystem(logger, "client.sdk")
		}
	}
}

// WithTimeout overrides the per-request timeout. Zero or negative disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New constructs a client for the server at baseURL (http or https).
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse baseURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("baseURL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("baseURL %q: missing host", baseURL)
	}
	c := &Client{
		baseURL:    trimmed,
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
		logger:     loggingutil.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalised server address.
func (c *Client) BaseURL() string { return c.baseURL }

// Identify upserts a user profile.
func (c *Client) Identify(ctx context.Context, rec api.Identify) (*api.DispatchResponse, error) {
	return c.Send(ctx, PathIdentify, rec)
}

// Group upserts a company and attaches its member user.
func (c *Client) Group(ctx context.Context, rec api.Group) (*api.DispatchResponse, error) {
	return c.Send(ctx, PathGroup, rec)
}

// Track records a behavioural event.
func (c *Client) Track(ctx context.Context, rec api.Track) (*api.DispatchResponse, error) {
	return c.Send(ctx, PathTrack, rec)
}

// Send posts payload to path and decodes the dispatch outcome. Non-2xx
// answers are returned as *APIError.
func (c *Client) Send(ctx context.Context, path string, payload any) (*api.DispatchResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	logger := loggingutil.FromContext(ctx, c.logger)
	logger.Trace("client.http.post.start", "path", path, "endpoint", c.baseURL)

	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if cid := CorrelationIDFromContext(ctx); cid != "" {
		req.Header.Set(correlation.HeaderName, cid)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Debug("client.http.post.transport_error", "path", path, "error", err)
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		logger.Debug("client.http.post.error", "path", path, "status", resp.StatusCode)
		return nil, decodeError(resp, data)
	}
	var out api.DispatchResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.CorrelationID == "" {
		out.CorrelationID = resp.Header.Get(correlation.HeaderName)
	}
	logger.Trace("client.http.post.success", "path", path, "status", resp.StatusCode, "dispatch_path", out.Path)
	return &out, nil
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// APIError describes a non-2xx response from the server.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded relayd error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// RetryAfter is the parsed retry delay hint from headers, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		if e.Response.Detail != "" {
			return fmt.Sprintf("relayd: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
		}
		return "relayd: " + e.Response.ErrorCode
	}
	return fmt.Sprintf("relayd: status %d", e.Status)
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Response.RetryAfterSeconds > 0 {
		return time.Duration(e.Response.RetryAfterSeconds) * time.Second
	}
	return 0
}

func decodeError(resp *http.Response, data []byte) error {
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	if errResp.CorrelationID == "" {
		errResp.CorrelationID = resp.Header.Get(correlation.HeaderName)
	}
	retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
	if retryAfter == 0 && errResp.RetryAfterSeconds > 0 {
		retryAfter = time.Duration(errResp.RetryAfterSeconds) * time.Second
	}
	return &APIError{
		Status:     resp.StatusCode,
		Response:   errResp,
		Body:       data,
		RetryAfter: retryAfter,
	}
}

func parseRetryAfterHeader(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if ts, err := http.ParseTime(raw); err == nil {
		delay := time.Until(ts)
		if delay <= 0 {
			return 0
		}
		return delay
	}
	return 0
}

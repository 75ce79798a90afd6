// Package remote is the HTTP transport to the customer-messaging API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/loggingutil"
)

const (
	// DefaultEndpoint is the remote API base URL.
	DefaultEndpoint = "https://api-segment.intercom.io"
	// DefaultTimeout bounds one remote call.
	DefaultTimeout = 10 * time.Second
	// maxBodyBytes caps how much of a remote response is read.
	maxBodyBytes = 4 << 20
)

// Remote API paths.
const (
	PathUsers      = "/users"
	PathCompanies  = "/companies"
	PathEvents     = "/events"
	PathBulkUsers  = "/bulk/users"
	PathBulkEvents = "/bulk/events"
)

// Rate-limit response headers.
const (
	HeaderRateLimit     = "X-RateLimit-Limit"
	HeaderRateRemaining = "X-RateLimit-Remaining"
	HeaderRateReset     = "X-RateLimit-Reset"
)

// staleJobCodes are remote error codes meaning the referenced bulk job can
// no longer accept items.
var staleJobCodes = map[string]struct{}{
	"job_closed":    {},
	"job_not_found": {},
	"job_expired":   {},
	"not_found":     {},
}

// Sender sends one request to the remote. *Client implements it.
type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Request is one JSON POST to the remote.
type Request struct {
	Path string
	Body any
}

// RateLimit is the rate budget the remote reported on a response.
type RateLimit struct {
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Response is a 2xx remote answer.
type Response struct {
	Status    int
	Body      []byte
	RateLimit *RateLimit
}

// Job is the bulk job descriptor returned by the bulk endpoints.
type Job struct {
	ID        string
	ClosingAt time.Time
}

// Job decodes the bulk job descriptor from the response body.
func (r *Response) Job() (Job, error) {
	var body struct {
		ID        string          `json:"id"`
		ClosingAt json.RawMessage `json:"closing_at"`
	}
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return Job{}, fmt.Errorf("remote: decode job: %w", err)
	}
	if body.ID == "" {
		return Job{}, errors.New("remote: job response without id")
	}
	job := Job{ID: body.ID}
	if secs, ok := parseUnix(body.ClosingAt); ok {
		job.ClosingAt = time.Unix(secs, 0).UTC()
	}
	return job, nil
}

// StatusError is a non-2xx remote answer.
type StatusError struct {
	Path       string
	Status     int
	Code       string
	Message    string
	Body       []byte
	RetryAfter time.Duration
	RateLimit  *RateLimit
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %s: status %d: %s (%s)", e.Path, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote %s: status %d", e.Path, e.Status)
}

// StaleJob reports whether the remote rejected a job reference because the
// job is closed or unknown.
func (e *StatusError) StaleJob() bool {
	if e == nil {
		return false
	}
	if e.Status == http.StatusNotFound || e.Status == http.StatusGone {
		return true
	}
	if e.Status >= 400 && e.Status < 500 {
		_, ok := staleJobCodes[e.Code]
		return ok
	}
	return false
}

// TimeoutError means the call did not complete in time; the remote may or
// may not have applied it.
type TimeoutError struct {
	Path string
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote %s: timeout: %v", e.Path, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// TransportError is a connection-level failure other than a timeout.
type TransportError struct {
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Config configures a Client.
type Config struct {
	Endpoint  string
	Account   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its transport is still wrapped
// for tracing.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the transport logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client talks to the remote API.
type Client struct {
	base    *url.URL
	account string
	apiKey  string
	agent   string
	timeout time.Duration
	http    *http.Client
	logger  pslog.Logger
}

// New validates cfg and returns a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	base, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote: endpoint %q must be http or https", endpoint)
	}
	if strings.TrimSpace(cfg.Account) == "" {
		return nil, errors.New("remote: account required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("remote: api key required")
	}
	c := &Client{
		base:    base,
		account: cfg.Account,
		apiKey:  cfg.APIKey,
		agent:   cfg.UserAgent,
		timeout: cfg.Timeout,
		http:    &http.Client{},
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.agent == "" {
		c.agent = "relayd"
	}
	for _, opt := range opts {
		opt(c)
	}
	transport := c.http.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	wrapped := *c.http
	wrapped.Transport = otelhttp.NewTransport(transport)
	c.http = &wrapped
	c.logger = loggingutil.WithSubsystem(c.logger, "remote")
	return c, nil
}

// Send POSTs req.Body as JSON. It returns *StatusError for non-2xx answers,
// *TimeoutError when the deadline ran out and *TransportError for other
// connection failures.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	logger := loggingutil.FromContext(ctx, c.logger).With("path", req.Path)
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: encode %s: %w", req.Path, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.base.String()+req.Path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("remote: build %s: %w", req.Path, err)
	}
	httpReq.SetBasicAuth(c.account, c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.agent)

	begin := time.Now()
	logger.Trace("remote.send.begin", "bytes", len(payload))
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.classify(logger, req.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.classify(logger, req.Path, err)
	}
	rate := ParseRateLimit(resp.Header)
	logger.Trace("remote.send.end", "status", resp.StatusCode, "elapsed", time.Since(begin))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{
			Path:       req.Path,
			Status:     resp.StatusCode,
			Body:       body,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			RateLimit:  rate,
		}
		statusErr.Code, statusErr.Message = decodeErrorBody(body)
		logger.Debug("remote.send.rejected", "status", resp.StatusCode, "code", statusErr.Code)
		return nil, statusErr
	}
	return &Response{Status: resp.StatusCode, Body: body, RateLimit: rate}, nil
}

func (c *Client) classify(logger pslog.Logger, path string, err error) error {
	if isTimeout(err) {
		logger.Debug("remote.send.timeout", "error", err)
		return &TimeoutError{Path: path, Err: err}
	}
	logger.Debug("remote.send.error", "error", err)
	return &TransportError{Path: path, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ParseRateLimit extracts the rate budget headers. It returns nil when the
// response carries no remaining count.
func ParseRateLimit(h http.Header) *RateLimit {
	rawRemaining := strings.TrimSpace(h.Get(HeaderRateRemaining))
	if rawRemaining == "" {
		return nil
	}
	remaining, err := strconv.ParseInt(rawRemaining, 10, 64)
	if err != nil {
		return nil
	}
	rl := &RateLimit{Remaining: remaining}
	if limit, err := strconv.ParseInt(strings.TrimSpace(h.Get(HeaderRateLimit)), 10, 64); err == nil {
		rl.Limit = limit
	}
	if reset, err := strconv.ParseInt(strings.TrimSpace(h.Get(HeaderRateReset)), 10, 64); err == nil && reset > 0 {
		rl.ResetAt = time.Unix(reset, 0).UTC()
	}
	return rl
}

func decodeErrorBody(body []byte) (string, string) {
	if len(body) == 0 {
		return "", ""
	}
	var envelope struct {
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", ""
	}
	if len(envelope.Errors) > 0 {
		return envelope.Errors[0].Code, envelope.Errors[0].Message
	}
	return envelope.Code, envelope.Message
}

func parseRetryAfter(raw string) time.Duration {
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
		if delay := time.Until(ts); delay > 0 {
			return delay
		}
	}
	return 0
}

func parseUnix(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		n = json.Number(s)
	}
	if v, err := n.Int64(); err == nil {
		return v, v > 0
	}
	if f, err := n.Float64(); err == nil {
		return int64(f), f > 0
	}
	return 0, false
}

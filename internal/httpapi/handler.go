// Package httpapi is relayd's ingestion HTTP surface. Each endpoint decodes
// one record and hands it to a Dispatcher.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
	"pkt.systems/pslog"

	"pkt.systems/relayd/api"
	"pkt.systems/relayd/internal/correlation"
	"pkt.systems/relayd/internal/dispatch"
	"pkt.systems/relayd/internal/loggingutil"
)

// DefaultMaxBodyBytes caps an ingestion request body when Config leaves it
// unset.
const DefaultMaxBodyBytes int64 = 1 << 20

const headerRequestID = "X-Request-Id"

// Dispatcher performs the dispatch operations behind each endpoint.
type Dispatcher interface {
	UpsertProfile(ctx context.Context, rec api.Identify) (*dispatch.Result, error)
	UpsertGroupAndProfile(ctx context.Context, rec api.Group) (*dispatch.Result, error)
	RecordEvent(ctx context.Context, rec api.Track) (*dispatch.Result, error)
}

// Config configures a Handler.
type Config struct {
	Dispatcher Dispatcher
	Logger     pslog.Logger
	// MaxBodyBytes caps request bodies; <= 0 uses DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// Rate is the sustained ingestion rate in records per second across all
	// endpoints; <= 0 disables throttling.
	Rate float64
	// Burst is the token-bucket size; <= 0 with Rate set means ceil(Rate).
	Burst int
}

// Handler serves the ingestion endpoints.
type Handler struct {
	dispatcher Dispatcher
	logger     pslog.Logger
	maxBody    int64
	limiter    *rate.Limiter
	tracer     trace.Tracer
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// New validates cfg and returns a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("httpapi: dispatcher required")
	}
	h := &Handler{
		dispatcher: cfg.Dispatcher,
		logger:     loggingutil.WithSubsystem(cfg.Logger, "http"),
		maxBody:    cfg.MaxBodyBytes,
		tracer:     otel.Tracer("pkt.systems/relayd/httpapi"),
	}
	if h.maxBody <= 0 {
		h.maxBody = DefaultMaxBodyBytes
	}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(math.Ceil(cfg.Rate))
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return h, nil
}

// Router returns the instrumented HTTP handler.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/healthz", h.wrap("healthz", h.handleHealth))
	r.Route("/v1", func(r chi.Router) {
		r.Method(http.MethodPost, "/identify", h.wrap("identify", h.handleIdentify))
		r.Method(http.MethodPost, "/group", h.wrap("group", h.handleGroup))
		r.Method(http.MethodPost, "/track", h.wrap("track", h.handleTrack))
	})
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		h.handleError(req.Context(), w, httpError{Status: http.StatusNotFound, Code: "not_found", Detail: "no such endpoint"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		h.handleError(req.Context(), w, httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed"})
	})
	return otelhttp.NewHandler(r, "relayd.http")
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := loggingutil.Subsystem("http", "ingest", operation)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "relayd.http."+operation,
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attribute.String("relayd.operation", operation)),
		)
		defer span.End()

		reqID := uuid.NewString()
		ctx = correlation.FromRequest(ctx, r)
		cid := correlation.ID(ctx)
		logger := loggingutil.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"cid", cid,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		span.SetAttributes(attribute.String("relayd.correlation_id", cid))
		w.Header().Set(correlation.HeaderName, cid)
		w.Header().Set(headerRequestID, reqID)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		err := fn(w, r.WithContext(ctx))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
			h.handleError(ctx, w, err)
		}
		logger.Debug("http.request.complete", "elapsed", time.Since(start), "error", err != nil)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, nil)
	return nil
}

func (h *Handler) handleIdentify(w http.ResponseWriter, r *http.Request) error {
	var rec api.Identify
	if err := h.decode(w, r, &rec); err != nil {
		return err
	}
	res, err := h.dispatcher.UpsertProfile(r.Context(), rec)
	if err != nil {
		return err
	}
	return h.respond(w, r, res)
}

func (h *Handler) handleGroup(w http.ResponseWriter, r *http.Request) error {
	var rec api.Group
	if err := h.decode(w, r, &rec); err != nil {
		return err
	}
	res, err := h.dispatcher.UpsertGroupAndProfile(r.Context(), rec)
	if err != nil {
		return err
	}
	return h.respond(w, r, res)
}

func (h *Handler) handleTrack(w http.ResponseWriter, r *http.Request) error {
	var rec api.Track
	if err := h.decode(w, r, &rec); err != nil {
		return err
	}
	res, err := h.dispatcher.RecordEvent(r.Context(), rec)
	if err != nil {
		return err
	}
	return h.respond(w, r, res)
}

// decode throttles, then reads one JSON record from the capped body.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := h.throttle(); err != nil {
		return err
	}
	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	defer body.Close()
	if err := decodeJSONBody(body, dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{
				Status: http.StatusRequestEntityTooLarge,
				Code:   "body_too_large",
				Detail: "request body exceeds the ingestion limit",
			}
		}
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	return nil
}

func (h *Handler) throttle() error {
	if h.limiter == nil {
		return nil
	}
	res := h.limiter.Reserve()
	if !res.OK() {
		return httpError{Status: http.StatusTooManyRequests, Code: "ingest_throttled", RetryAfter: 1}
	}
	delay := res.Delay()
	if delay <= 0 {
		return nil
	}
	res.Cancel()
	return httpError{
		Status:     http.StatusTooManyRequests,
		Code:       "ingest_throttled",
		Detail:     "ingestion rate exceeded",
		RetryAfter: retryAfterSeconds(delay),
	}
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, res *dispatch.Result) error {
	out := api.DispatchResponse{
		Status:        res.Status,
		Path:          string(res.Path),
		JobID:         res.JobID,
		CorrelationID: correlation.ID(r.Context()),
	}
	if json.Valid(res.Body) {
		out.Remote = json.RawMessage(res.Body)
	}
	writeJSON(w, http.StatusOK, out, nil)
	return nil
}

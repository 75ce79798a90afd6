package relayd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/httpapi"
	"pkt.systems/relayd/internal/loggingutil"
)

// Server runs the ingestion HTTP API in front of a Relay together with the
// expired-entry janitor and optional telemetry listeners.
type Server struct {
	cfg          Config
	relay        *Relay
	logger       pslog.Logger
	httpSrv      *http.Server
	listener     net.Listener
	telemetry    *telemetry
	janitor      *cron.Cron
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// NewServer builds a Server. The coordination store is opened immediately;
// nothing listens until Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := loggingutil.EnsureLogger(o.logger)

	tel, err := startTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableRuntimeMetrics,
	}, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	relay, err := New(cfg, opts...)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}
	handler, err := httpapi.New(httpapi.Config{
		Dispatcher:   relay,
		Logger:       logger,
		MaxBodyBytes: cfg.IngestMaxBody,
		Rate:         cfg.IngestRate,
		Burst:        cfg.IngestBurst,
	})
	if err != nil {
		_ = relay.Close()
		_ = tel.Shutdown(context.Background())
		return nil, err
	}
	s := &Server{
		cfg:       relay.Config(),
		relay:     relay,
		logger:    logger,
		telemetry: tel,
		readyCh:   make(chan struct{}),
		httpSrv: &http.Server{
			Handler:           handler.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	if cfg.SweepSchedule != "off" {
		jlog := cronLogger{logger: loggingutil.WithSubsystem(logger, "janitor")}
		s.janitor = cron.New(
			cron.WithLogger(jlog),
			cron.WithChain(cron.Recover(jlog), cron.SkipIfStillRunning(jlog)),
		)
		if _, err := s.janitor.AddFunc(cfg.SweepSchedule, s.sweep); err != nil {
			_ = relay.Close()
			_ = tel.Shutdown(context.Background())
			return nil, fmt.Errorf("janitor schedule: %w", err)
		}
	}
	return s, nil
}

// Relay returns the Relay behind the server.
func (s *Server) Relay() *Relay {
	return s.relay
}

// Handler exposes the ingestion handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start listens on Config.Listen and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("listening",
		"address", ln.Addr().String(),
		"mode", string(s.cfg.APIMode),
		"store", StoreScheme(s.cfg.Store),
	)
	if s.janitor != nil {
		s.janitor.Start()
	}
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown drains in-flight requests, stops the janitor and releases the
// store. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if s.janitor != nil {
		select {
		case <-s.janitor.Stop().Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("janitor stop: %w", ctx.Err()))
		}
	}
	if err := s.relay.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close shuts the server down within Config.ShutdownTimeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound ingestion address once Start is listening.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	removed, err := s.relay.Sweep(ctx)
	if err != nil {
		s.logger.Warn("janitor.sweep.error", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Debug("janitor.sweep.removed", "count", removed)
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer builds a Server, starts it in the background and waits until it
// listens. The returned stop function shuts it down; cancelling ctx does too.
//
//	srv, stop, err := relayd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("server stopped before listening")
		}
		return nil, nil, err
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}

// cronLogger adapts pslog to cron.Logger.
type cronLogger struct {
	logger pslog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("janitor."+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Warn("janitor."+msg, append(keysAndValues, "error", err)...)
}

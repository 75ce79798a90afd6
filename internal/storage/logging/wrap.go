package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/correlation"
	"pkt.systems/relayd/internal/storage"
)

type store struct {
	inner  storage.Store
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with spans and trace/debug logging.
func Wrap(inner storage.Store, logger pslog.Logger, sys string) storage.Store {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/relayd/storage"),
		sys:    sys,
	}
}

func (s *store) start(ctx context.Context, op, key string) (context.Context, trace.Span, pslog.Logger, func(string, error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "relayd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("relayd.storage.operation", op),
		attribute.String("relayd.sys", s.sys),
		attribute.String("relayd.storage.key", key),
	)

	logger := s.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
		span.SetAttributes(attribute.String("relayd.correlation_id", corr))
	}
	logger = logger.With("key", key)
	logger.Trace("storage." + op + ".begin")

	return ctx, span, logger, func(result string, err error) {
		elapsed := time.Since(begin)
		switch {
		case err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrCASMismatch):
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "error", err, "elapsed", elapsed)
		default:
			span.SetStatus(codes.Ok, "")
			logger.Trace("storage."+op+".end", "result", result, "elapsed", elapsed)
		}
		span.SetAttributes(
			attribute.String("relayd.storage.result", result),
			attribute.Int64("relayd.storage.duration_ms", elapsed.Milliseconds()),
		)
	}
}

func (s *store) Get(ctx context.Context, key string) (string, error) {
	ctx, span, _, finish := s.start(ctx, "get", key)
	defer span.End()

	value, err := s.inner.Get(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		finish("miss", err)
	case err != nil:
		finish("error", err)
	default:
		finish("hit", nil)
	}
	return value, err
}

func (s *store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, span, _, finish := s.start(ctx, "set", key)
	defer span.End()
	span.SetAttributes(attribute.Int64("relayd.storage.ttl_ms", ttl.Milliseconds()))

	err := s.inner.Set(ctx, key, value, ttl)
	if err != nil {
		finish("error", err)
		return err
	}
	finish("ok", nil)
	return nil
}

func (s *store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, span, _, finish := s.start(ctx, "setnx", key)
	defer span.End()
	span.SetAttributes(attribute.Int64("relayd.storage.ttl_ms", ttl.Milliseconds()))

	won, err := s.inner.SetNX(ctx, key, value, ttl)
	switch {
	case err != nil:
		finish("error", err)
	case won:
		finish("acquired", nil)
	default:
		finish("held", nil)
	}
	return won, err
}

func (s *store) Delete(ctx context.Context, key, expected string) error {
	ctx, span, _, finish := s.start(ctx, "delete", key)
	defer span.End()
	span.SetAttributes(attribute.Bool("relayd.storage.conditional", expected != ""))

	err := s.inner.Delete(ctx, key, expected)
	switch {
	case errors.Is(err, storage.ErrCASMismatch):
		finish("cas_mismatch", err)
	case err != nil:
		finish("error", err)
	default:
		finish("ok", nil)
	}
	return err
}

func (s *store) Sweep(ctx context.Context) (int, error) {
	ctx, span, logger, finish := s.start(ctx, "sweep", "*")
	defer span.End()

	removed, err := storage.SweepIfSupported(ctx, s.inner)
	if err != nil {
		finish("error", err)
		return removed, err
	}
	span.SetAttributes(attribute.Int("relayd.storage.swept", removed))
	if removed > 0 {
		logger.Debug("storage.sweep.removed", "count", removed)
	}
	finish("ok", nil)
	return removed, nil
}

func (s *store) Close() error {
	return s.inner.Close()
}

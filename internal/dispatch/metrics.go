package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type dispatchMetrics struct {
	count        metric.Int64Counter
	duration     metric.Int64Histogram
	lockWait     metric.Int64Histogram
	rateRejects  metric.Int64Counter
	jobFallbacks metric.Int64Counter
	inflight     metric.Int64ObservableGauge
	active       atomic.Int64
}

func newDispatchMetrics(logger pslog.Logger) *dispatchMetrics {
	meter := otel.Meter("pkt.systems/relayd/dispatch")
	m := &dispatchMetrics{}
	var err error

	m.count, err = meter.Int64Counter(
		"relayd.dispatch.count",
		metric.WithDescription("Dispatch operations by outcome"),
	)
	logMetricInitError(logger, "relayd.dispatch.count", err)

	m.duration, err = meter.Int64Histogram(
		"relayd.dispatch.duration_ms",
		metric.WithDescription("Dispatch duration including lock wait"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "relayd.dispatch.duration_ms", err)

	m.lockWait, err = meter.Int64Histogram(
		"relayd.lock.wait_ms",
		metric.WithDescription("Time spent waiting for the identity lock"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "relayd.lock.wait_ms", err)

	m.rateRejects, err = meter.Int64Counter(
		"relayd.rategate.reject",
		metric.WithDescription("Dispatches refused by the rate gate"),
	)
	logMetricInitError(logger, "relayd.rategate.reject", err)

	m.jobFallbacks, err = meter.Int64Counter(
		"relayd.jobs.fallback",
		metric.WithDescription("Stale bulk jobs replaced by a new job"),
	)
	logMetricInitError(logger, "relayd.jobs.fallback", err)

	m.inflight, err = meter.Int64ObservableGauge(
		"relayd.dispatch.inflight",
		metric.WithDescription("Dispatches currently holding an identity lock"),
	)
	logMetricInitError(logger, "relayd.dispatch.inflight", err)

	if m.inflight != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.inflight, m.active.Load())
			return nil
		}, m.inflight); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "relayd.dispatch.inflight", "error", err)
		}
	}
	return m
}

func (m *dispatchMetrics) recordDispatch(ctx context.Context, op string, mode Mode, path Path, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	attrs := metric.WithAttributes(
		attribute.String("relayd.op", op),
		attribute.String("relayd.mode", string(mode)),
		attribute.String("relayd.path", string(path)),
		attribute.String("relayd.result", resultLabel(err)),
	)
	if m.count != nil {
		m.count.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *dispatchMetrics) recordLockWait(ctx context.Context, op string, wait time.Duration) {
	if m == nil || m.lockWait == nil {
		return
	}
	m.lockWait.Record(context.WithoutCancel(ctx), wait.Milliseconds(), metric.WithAttributes(attribute.String("relayd.op", op)))
}

func (m *dispatchMetrics) recordRateReject(ctx context.Context, op string) {
	if m == nil || m.rateRejects == nil {
		return
	}
	m.rateRejects.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("relayd.op", op)))
}

func (m *dispatchMetrics) recordFallback(ctx context.Context, op string) {
	if m == nil || m.jobFallbacks == nil {
		return
	}
	m.jobFallbacks.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("relayd.op", op)))
}

func (m *dispatchMetrics) addActive(delta int64) {
	if m == nil {
		return
	}
	m.active.Add(delta)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var de *Error
	if errors.As(err, &de) {
		return string(de.Kind)
	}
	return "error"
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

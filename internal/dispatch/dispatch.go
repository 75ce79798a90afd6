// Package dispatch is the orchestrator that moves one record to the remote
// API under the identity lock, the shared rate gate and, in bulk mode, the
// job registry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/relayd/api"
	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/correlation"
	"pkt.systems/relayd/internal/jobs"
	"pkt.systems/relayd/internal/keys"
	"pkt.systems/relayd/internal/lock"
	"pkt.systems/relayd/internal/loggingutil"
	"pkt.systems/relayd/internal/mapper"
	"pkt.systems/relayd/internal/rategate"
	"pkt.systems/relayd/internal/remote"
)

// Mode selects how records reach the remote.
type Mode string

const (
	// ModeBulk appends records to per-identity bulk jobs.
	ModeBulk Mode = "bulk"
	// ModeLegacy sends every record to the synchronous endpoints.
	ModeLegacy Mode = "legacy"
)

// ParseMode parses a mode name.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeBulk:
		return ModeBulk, nil
	case ModeLegacy, "":
		return ModeLegacy, nil
	default:
		return "", fmt.Errorf("unknown api mode %q (want bulk or legacy)", raw)
	}
}

// DefaultReleaseTimeout bounds the detached lock release.
const DefaultReleaseTimeout = 5 * time.Second

// Config configures an Orchestrator.
type Config struct {
	// Account is the remote account (app id) all records belong to.
	Account string
	Mode    Mode
	// JobWindow is assumed when the remote omits a job's closing time.
	JobWindow time.Duration
	// ReleaseTimeout bounds lock release and post-response bookkeeping.
	ReleaseTimeout time.Duration
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Locker *lock.Locker
	Gate   *rategate.Gate
	Jobs   *jobs.Registry
	Sender remote.Sender
	Clock  clock.Clock
	Logger pslog.Logger
}

// Result describes a record the remote accepted.
type Result struct {
	Status int
	Body   []byte
	JobID  string
	Path   Path
	// Company is the company upsert preceding a group's profile upsert.
	Company *Result
}

// Orchestrator runs dispatches. It keeps no state between calls; every
// decision is re-read from the coordination store.
type Orchestrator struct {
	cfg      Config
	locker   *lock.Locker
	gate     *rategate.Gate
	jobs     *jobs.Registry
	sender   remote.Sender
	clock    clock.Clock
	logger   pslog.Logger
	tracer   trace.Tracer
	metrics  *dispatchMetrics
	strategy strategy
}

// New validates cfg and deps and returns an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if strings.TrimSpace(cfg.Account) == "" {
		return nil, errors.New("dispatch: account required")
	}
	if deps.Locker == nil || deps.Gate == nil || deps.Sender == nil {
		return nil, errors.New("dispatch: locker, gate and sender required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeLegacy
	}
	if cfg.Mode == ModeBulk && deps.Jobs == nil {
		return nil, errors.New("dispatch: bulk mode requires a job registry")
	}
	if cfg.JobWindow <= 0 {
		cfg.JobWindow = jobs.DefaultWindow
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = DefaultReleaseTimeout
	}
	logger := loggingutil.WithSubsystem(deps.Logger, "dispatch")
	o := &Orchestrator{
		cfg:     cfg,
		locker:  deps.Locker,
		gate:    deps.Gate,
		jobs:    deps.Jobs,
		sender:  deps.Sender,
		clock:   clock.Or(deps.Clock),
		logger:  logger,
		tracer:  otel.Tracer("pkt.systems/relayd/dispatch"),
		metrics: newDispatchMetrics(logger),
	}
	switch cfg.Mode {
	case ModeBulk:
		o.strategy = bulkStrategy{o: o}
	case ModeLegacy:
		o.strategy = legacyStrategy{o: o}
	default:
		return nil, fmt.Errorf("dispatch: unknown mode %q", cfg.Mode)
	}
	return o, nil
}

// Mode returns the strategy selected at construction.
func (o *Orchestrator) Mode() Mode {
	return o.cfg.Mode
}

// UpsertProfile creates or updates the record's user on the remote.
func (o *Orchestrator) UpsertProfile(ctx context.Context, rec api.Identify) (*Result, error) {
	return o.upsertProfile(ctx, "profile", rec)
}

// RecordEvent sends a behavioural event. Events share the profile lock of
// their identity so they never overtake a pending profile update.
func (o *Orchestrator) RecordEvent(ctx context.Context, rec api.Track) (*Result, error) {
	const op = "event"
	if err := rec.Validate(); err != nil {
		return nil, invalidInput(op, err)
	}
	identity := rec.Identity()
	item := mapper.Event(rec, o.clock.Now())
	return o.run(ctx, op, keys.Lock(o.cfg.Account, identity), identity, func(ctx context.Context, a *attempt) (*Result, error) {
		return o.strategy.event(ctx, a, identity, item)
	})
}

// UpsertGroupAndProfile upserts the company under the group lock, then
// attaches the member user to it with a profile upsert. The profile step
// only runs when the company step succeeded.
func (o *Orchestrator) UpsertGroupAndProfile(ctx context.Context, rec api.Group) (*Result, error) {
	const op = "group.company"
	if err := rec.Validate(); err != nil {
		return nil, invalidInput(op, err)
	}
	groupID := strings.TrimSpace(rec.GroupID)
	item := mapper.Company(rec)
	company, err := o.run(ctx, op, keys.GroupLock(o.cfg.Account, groupID), groupID, func(ctx context.Context, a *attempt) (*Result, error) {
		return o.sendSync(ctx, a, remote.PathCompanies, item)
	})
	if err != nil {
		return nil, err
	}
	profile, err := o.upsertProfile(ctx, "group.profile", mapper.GroupProfile(rec))
	if err != nil {
		return nil, err
	}
	profile.Company = company
	return profile, nil
}

func (o *Orchestrator) upsertProfile(ctx context.Context, op string, rec api.Identify) (*Result, error) {
	if err := rec.Validate(); err != nil {
		return nil, invalidInput(op, err)
	}
	identity := rec.Identity()
	item := mapper.Profile(rec, o.clock.Now())
	return o.run(ctx, op, keys.Lock(o.cfg.Account, identity), identity, func(ctx context.Context, a *attempt) (*Result, error) {
		return o.strategy.profile(ctx, a, identity, item)
	})
}

// attempt tracks one dispatch through its states.
type attempt struct {
	op     string
	state  State
	trail  []string
	path   Path
	logger pslog.Logger
	span   trace.Span
}

func (a *attempt) to(next State) {
	a.logger.Trace("dispatch.state", "from", a.state.String(), "to", next.String())
	a.span.AddEvent("relayd.dispatch." + next.String())
	a.state = next
	a.trail = append(a.trail, next.String())
}

// run executes body under the identity lock after the rate gate admitted
// the call. The lock is released on every path.
func (o *Orchestrator) run(ctx context.Context, op, lockKey, identity string, body func(context.Context, *attempt) (*Result, error)) (res *Result, err error) {
	begin := o.clock.Now()
	ctx, span := o.tracer.Start(ctx, "relayd.dispatch."+op, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("relayd.op", op),
		attribute.String("relayd.mode", string(o.cfg.Mode)),
	)

	logger := loggingutil.FromContext(ctx, o.logger).With("op", op, "identity", identity)
	if cid := correlation.ID(ctx); cid != "" {
		logger = logger.With("cid", cid)
		span.SetAttributes(attribute.String("relayd.correlation_id", cid))
	}
	ctx = pslog.ContextWithLogger(ctx, logger)

	a := &attempt{op: op, state: StateStart, trail: []string{StateStart.String()}, logger: logger, span: span}
	defer func() {
		elapsed := o.clock.Now().Sub(begin)
		if err != nil {
			a.to(StateFailed)
			span.RecordError(err)
			span.SetStatus(codes.Error, resultLabel(err))
			logger.Debug("dispatch.failed", "error", err, "trail", strings.Join(a.trail, ">"), "elapsed", elapsed)
		} else {
			a.to(StateDone)
			span.SetStatus(codes.Ok, "")
			span.SetAttributes(attribute.String("relayd.path", string(a.path)))
			logger.Debug("dispatch.done", "path", a.path, "trail", strings.Join(a.trail, ">"), "elapsed", elapsed)
		}
		o.metrics.recordDispatch(ctx, op, o.cfg.Mode, a.path, elapsed, err)
	}()

	lease, lockErr := o.locker.Acquire(ctx, lockKey)
	if lockErr != nil {
		return nil, lockFailure(op, lockErr)
	}
	o.metrics.recordLockWait(ctx, op, lease.Waited())
	o.metrics.addActive(1)
	a.to(StateLocked)
	defer func() {
		if relErr := lease.ReleaseDetached(ctx, o.cfg.ReleaseTimeout); relErr != nil {
			logger.Warn("dispatch.unlock.error", "key", lockKey, "error", relErr)
		}
		o.metrics.addActive(-1)
		a.to(StateUnlocked)
	}()

	if gateErr := o.gate.Check(ctx, o.cfg.Account); gateErr != nil {
		var exhausted *rategate.ExhaustedError
		if errors.As(gateErr, &exhausted) {
			o.metrics.recordRateReject(ctx, op)
			return nil, rateLimited(op, exhausted)
		}
		logger.Warn("dispatch.rategate.unavailable", "error", gateErr)
	}
	a.to(StateRateChecked)

	return body(ctx, a)
}

// send issues one remote call and feeds any reported rate budget back into
// the gate, whether the call succeeded or not.
func (o *Orchestrator) send(ctx context.Context, a *attempt, path string, body any) (*remote.Response, error) {
	resp, err := o.sender.Send(ctx, remote.Request{Path: path, Body: body})
	var rate *remote.RateLimit
	if resp != nil {
		rate = resp.RateLimit
	} else {
		var statusErr *remote.StatusError
		if errors.As(err, &statusErr) {
			rate = statusErr.RateLimit
		}
	}
	if rate != nil {
		bctx, cancel := o.bookkeepingContext(ctx)
		if gateErr := o.gate.Update(bctx, o.cfg.Account, rategate.Budget{Remaining: rate.Remaining, ResetAt: rate.ResetAt}); gateErr != nil {
			a.logger.Warn("dispatch.rategate.update_failed", "error", gateErr)
		}
		cancel()
	}
	return resp, err
}

// bookkeepingContext detaches store writes that follow a remote answer from
// the caller's cancellation.
func (o *Orchestrator) bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ReleaseTimeout)
}

func (o *Orchestrator) sendSync(ctx context.Context, a *attempt, path string, item mapper.Payload) (*Result, error) {
	resp, err := o.send(ctx, a, path, item)
	if err != nil {
		return nil, classifyRemote(a.op, o.clock.Now(), err)
	}
	a.path = PathSync
	a.to(StateDispatched)
	return &Result{Status: resp.Status, Body: resp.Body, Path: PathSync}, nil
}

// sendJob appends item to identity's open job, opening a new job when none
// is registered or the registered one is rejected as stale. The stale
// fallback happens at most once; timeouts never fall back.
func (o *Orchestrator) sendJob(ctx context.Context, a *attempt, kind keys.JobKind, identity, path, dataType string, item mapper.Payload) (*Result, error) {
	jobID, found, err := o.jobs.Lookup(ctx, o.cfg.Account, kind, identity)
	if err != nil {
		a.logger.Warn("dispatch.jobs.lookup_failed", "kind", kind, "error", err)
		found = false
	}
	if !found {
		a.to(StateJobAbsent)
		return o.createJob(ctx, a, kind, identity, path, dataType, item, PathJobCreated)
	}

	a.to(StateJobFound)
	resp, err := o.send(ctx, a, path, mapper.Bulk(dataType, jobID, item))
	if err == nil {
		a.path = PathJobAppended
		a.to(StateDispatched)
		return &Result{Status: resp.Status, Body: resp.Body, JobID: jobID, Path: PathJobAppended}, nil
	}
	var statusErr *remote.StatusError
	if !errors.As(err, &statusErr) || !statusErr.StaleJob() {
		return nil, classifyRemote(a.op, o.clock.Now(), err)
	}

	a.to(StateRetried)
	o.metrics.recordFallback(ctx, a.op)
	a.logger.Debug("dispatch.jobs.stale", "kind", kind, "job_id", jobID, "status", statusErr.Status, "code", statusErr.Code)
	bctx, cancel := o.bookkeepingContext(ctx)
	if invErr := o.jobs.Invalidate(bctx, o.cfg.Account, kind, identity); invErr != nil {
		a.logger.Warn("dispatch.jobs.invalidate_failed", "kind", kind, "error", invErr)
	}
	cancel()
	return o.createJob(ctx, a, kind, identity, path, dataType, item, PathJobRecreated)
}

func (o *Orchestrator) createJob(ctx context.Context, a *attempt, kind keys.JobKind, identity, path, dataType string, item mapper.Payload, via Path) (*Result, error) {
	resp, err := o.send(ctx, a, path, mapper.Bulk(dataType, "", item))
	if err != nil {
		return nil, classifyRemote(a.op, o.clock.Now(), err)
	}
	a.path = via
	a.to(StateDispatched)
	result := &Result{Status: resp.Status, Body: resp.Body, Path: via}

	job, err := resp.Job()
	if err != nil {
		a.logger.Warn("dispatch.jobs.unparsable", "kind", kind, "error", err)
		return result, nil
	}
	result.JobID = job.ID
	closing := job.ClosingAt
	if closing.IsZero() {
		closing = o.clock.Now().Add(o.cfg.JobWindow)
	}
	bctx, cancel := o.bookkeepingContext(ctx)
	defer cancel()
	recorded, err := o.jobs.Record(bctx, o.cfg.Account, kind, identity, jobs.Handle{ID: job.ID, ExpiresAt: closing})
	if err != nil {
		a.logger.Warn("dispatch.jobs.record_failed", "kind", kind, "job_id", job.ID, "error", err)
		return result, nil
	}
	if recorded {
		a.to(StateRegistered)
	}
	return result, nil
}

package relayd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"pkt.systems/pslog"

	"pkt.systems/relayd/api"
	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/dispatch"
	"pkt.systems/relayd/internal/jobs"
	"pkt.systems/relayd/internal/lock"
	"pkt.systems/relayd/internal/loggingutil"
	"pkt.systems/relayd/internal/rategate"
	"pkt.systems/relayd/internal/remote"
	"pkt.systems/relayd/internal/storage"
	"pkt.systems/relayd/internal/version"
)

// Option customises a Relay or Server.
type Option func(*options)

type options struct {
	logger    pslog.Logger
	store     storage.Store
	clock     clock.Clock
	transport http.RoundTripper
	sender    remote.Sender
}

// WithLogger supplies the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithStore injects an already opened coordination store instead of opening
// Config.Store. The Relay takes ownership and closes it.
func WithStore(s storage.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithClock overrides the clock used for TTL and rate decisions.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithTransport replaces the HTTP transport used for remote calls.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

// WithSender replaces the remote client entirely.
func WithSender(s remote.Sender) Option {
	return func(o *options) {
		o.sender = s
	}
}

// Relay dispatches records to the remote API under shared coordination.
// It is safe for concurrent use.
type Relay struct {
	cfg    Config
	store  storage.Store
	orch   *dispatch.Orchestrator
	logger pslog.Logger
}

// New validates cfg, opens the coordination store and returns a Relay.
func New(cfg Config, opts ...Option) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	o.clock = clock.Or(o.clock)
	logger := loggingutil.EnsureLogger(o.logger)

	store := o.store
	if store == nil {
		opened, err := OpenStore(cfg, o.clock, logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		store = opened
	}

	sender := o.sender
	if sender == nil {
		var remoteOpts []remote.Option
		remoteOpts = append(remoteOpts, remote.WithLogger(logger))
		if o.transport != nil {
			remoteOpts = append(remoteOpts, remote.WithHTTPClient(&http.Client{Transport: o.transport}))
		}
		agent := cfg.UserAgent
		if agent == "" {
			agent = version.UserAgent()
		}
		client, err := remote.New(remote.Config{
			Endpoint:  cfg.Endpoint,
			Account:   cfg.Account,
			APIKey:    cfg.APIKey,
			UserAgent: agent,
			Timeout:   cfg.RemoteTimeout,
		}, remoteOpts...)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		sender = client
	}

	orch, err := dispatch.New(dispatch.Config{
		Account:        cfg.Account,
		Mode:           cfg.APIMode,
		JobWindow:      cfg.JobWindow,
		ReleaseTimeout: cfg.ReleaseTimeout,
	}, dispatch.Deps{
		Locker: lock.New(store, cfg.lockConfig(), lock.WithLogger(logger), lock.WithClock(o.clock)),
		Gate:   rategate.New(store, rategate.WithLogger(logger), rategate.WithClock(o.clock), rategate.WithWindow(cfg.RateWindow)),
		Jobs:   jobs.New(store, jobs.WithLogger(logger), jobs.WithClock(o.clock), jobs.WithSafetyMargin(cfg.JobSafetyMargin)),
		Sender: sender,
		Clock:  o.clock,
		Logger: logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &Relay{cfg: cfg, store: store, orch: orch, logger: logger}, nil
}

// Config returns the validated configuration.
func (r *Relay) Config() Config {
	return r.cfg
}

// Mode returns the dispatch strategy in use.
func (r *Relay) Mode() APIMode {
	return r.orch.Mode()
}

// UpsertProfile creates or updates the record's user.
func (r *Relay) UpsertProfile(ctx context.Context, rec api.Identify) (*Result, error) {
	return r.orch.UpsertProfile(ctx, rec)
}

// UpsertGroupAndProfile upserts the record's company and then attaches the
// member user to it.
func (r *Relay) UpsertGroupAndProfile(ctx context.Context, rec api.Group) (*Result, error) {
	return r.orch.UpsertGroupAndProfile(ctx, rec)
}

// RecordEvent sends a behavioural event.
func (r *Relay) RecordEvent(ctx context.Context, rec api.Track) (*Result, error) {
	return r.orch.RecordEvent(ctx, rec)
}

// Sweep purges expired coordination entries when the store keeps them.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	removed, err := storage.SweepIfSupported(ctx, r.store)
	if errors.Is(err, storage.ErrNotImplemented) {
		return 0, nil
	}
	return removed, err
}

// Close releases the coordination store.
func (r *Relay) Close() error {
	return r.store.Close()
}

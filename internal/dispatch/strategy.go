package dispatch

import (
	"context"

	"pkt.systems/relayd/internal/keys"
	"pkt.systems/relayd/internal/mapper"
	"pkt.systems/relayd/internal/remote"
)

// strategy is chosen once per Orchestrator from Config.Mode.
type strategy interface {
	profile(ctx context.Context, a *attempt, identity string, item mapper.Payload) (*Result, error)
	event(ctx context.Context, a *attempt, identity string, item mapper.Payload) (*Result, error)
}

type legacyStrategy struct {
	o *Orchestrator
}

func (s legacyStrategy) profile(ctx context.Context, a *attempt, _ string, item mapper.Payload) (*Result, error) {
	return s.o.sendSync(ctx, a, remote.PathUsers, item)
}

func (s legacyStrategy) event(ctx context.Context, a *attempt, _ string, item mapper.Payload) (*Result, error) {
	return s.o.sendSync(ctx, a, remote.PathEvents, item)
}

type bulkStrategy struct {
	o *Orchestrator
}

func (s bulkStrategy) profile(ctx context.Context, a *attempt, identity string, item mapper.Payload) (*Result, error) {
	return s.o.sendJob(ctx, a, keys.JobUsers, identity, remote.PathBulkUsers, mapper.DataTypeUser, item)
}

func (s bulkStrategy) event(ctx context.Context, a *attempt, identity string, item mapper.Payload) (*Result, error) {
	return s.o.sendJob(ctx, a, keys.JobEvents, identity, remote.PathBulkEvents, mapper.DataTypeEvent, item)
}

package agent

import (
	"context"
	"time"

	"github.com/tokenring-ai/agentry/pkg/checkpoint"
	"github.com/tokenring-ai/agentry/pkg/core"
	"github.com/tokenring-ai/agentry/pkg/errors"
	"github.com/tokenring-ai/agentry/pkg/registry"
)

// CreateCheckpoint serializes the full state map plus the state of
// every registered stateful service into an immutable snapshot. It is
// pure with respect to the agent: no state is mutated and no events
// are published.
func (a *Agent) CreateCheckpoint(ctx context.Context, name string) (checkpoint.Checkpoint, error) {
	blob, err := checkpoint.Encode(a.State())
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}

	cp := checkpoint.Checkpoint{
		AgentID:   a.id,
		AgentName: a.name,
		AgentType: a.typ,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		State:     blob,
	}

	if a.registry != nil {
		for _, svc := range a.registry.ListByCapability(core.CapabilityStateful) {
			stateful, ok := svc.(core.Stateful)
			if !ok {
				continue
			}
			svcBlob, err := stateful.SerializeState(ctx)
			if err != nil {
				return checkpoint.Checkpoint{}, errors.New(errors.CodeServiceCallFailed,
					"service state serialization failed", err).
					WithContext("service", svc.Name())
			}
			if cp.ServiceStates == nil {
				cp.ServiceStates = make(map[string][]byte)
			}
			cp.ServiceStates[svc.Name()] = svcBlob
		}
	}
	return cp, nil
}

// Restore builds a fresh agent from a checkpoint. The new agent gets
// the supplied id and an event sequence starting at 0; only the state
// map carries over. Fails with CHECKPOINT_CORRUPT when the payload does
// not decode into a state map.
func Restore(id string, cp *checkpoint.Checkpoint, opts ...Option) (*Agent, error) {
	if cp == nil {
		return nil, errors.Newf(errors.CodeInvalidInput, "checkpoint is nil")
	}
	var state map[string]any
	if err := checkpoint.Decode(cp.State, &state); err != nil {
		return nil, err
	}
	restored := append([]Option{
		WithName(cp.AgentName),
		WithType(cp.AgentType),
		WithState(state),
	}, opts...)
	return New(id, restored...)
}

// RestoreServices rehydrates every stateful service captured in the
// checkpoint. Services no longer registered are skipped: a checkpoint
// must stay restorable when the service roster shrinks.
func RestoreServices(ctx context.Context, reg *registry.Registry, cp *checkpoint.Checkpoint) error {
	if reg == nil || len(cp.ServiceStates) == 0 {
		return nil
	}
	for name, blob := range cp.ServiceStates {
		svc, ok := reg.Get(name)
		if !ok {
			continue
		}
		stateful, ok := svc.(core.Stateful)
		if !ok {
			continue
		}
		if err := stateful.RestoreState(ctx, blob); err != nil {
			return errors.New(errors.CodeServiceCallFailed, "service state restore failed", err).
				WithContext("service", name)
		}
	}
	return nil
}

// Package core defines the collaborator contracts of the agentry
// runtime: services, capabilities, and context helpers. Concrete
// providers (model clients, stores, sandboxes) live outside this
// module and plug in through these interfaces.
package core

import "context"

// Service is a long-lived collaborator registered into the service
// registry for the process lifetime. Services are never owned by an
// agent; agents hold the registry by reference.
type Service interface {
	// Name returns the registry identity of the service. Names follow
	// the dotted convention "area.provider", e.g. "checkpoint.sqlite".
	Name() string
}

// Stateful is implemented by services whose state belongs in agent
// checkpoints. SerializeState must return a self-contained blob that
// RestoreState accepts on a fresh instance.
type Stateful interface {
	Service
	SerializeState(ctx context.Context) ([]byte, error)
	RestoreState(ctx context.Context, blob []byte) error
}

// Capable is implemented by services that advertise capability tags.
// Services without it have no capabilities.
type Capable interface {
	Capabilities() []string
}

// Capability tags understood by the runtime.
const (
	// CapabilityStateful marks services whose state is captured into
	// checkpoints. Implementing Stateful without advertising this tag
	// leaves the service out of snapshots.
	CapabilityStateful = "stateful"

	// CapabilityCheckpointStore marks services that can persist
	// checkpoints.
	CapabilityCheckpointStore = "checkpoint-store"
)

// HasCapability reports whether svc advertises the given tag.
func HasCapability(svc Service, tag string) bool {
	c, ok := svc.(Capable)
	if !ok {
		return false
	}
	for _, t := range c.Capabilities() {
		if t == tag {
			return true
		}
	}
	return false
}

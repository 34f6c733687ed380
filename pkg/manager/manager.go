// Package manager owns the live agent set: creation by type, lookup,
// deletion, and the idle reclaim loop that checkpoints and evicts
// agents which have gone quiet.
package manager

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokenring-ai/agentry/pkg/agent"
	"github.com/tokenring-ai/agentry/pkg/checkpoint"
	"github.com/tokenring-ai/agentry/pkg/errors"
	"github.com/tokenring-ai/agentry/pkg/registry"
)

// DefaultIdleTimeout applies to agent types that do not set their own.
const DefaultIdleTimeout = 15 * time.Minute

// Definition declares an agent type: the handler its agents run and
// the per-type overrides applied at construction.
type Definition struct {
	Type        string
	Handler     agent.Handler
	IdleTimeout time.Duration
	Retention   int

	// Options are appended after the manager-supplied ones and may
	// override them.
	Options []agent.Option
}

// Info is a point-in-time description of a live agent.
type Info struct {
	ID           string
	Name         string
	Type         string
	Busy         bool
	LastActivity time.Time
}

// Manager tracks live agents by id and mints new ones from registered
// type definitions.
type Manager struct {
	mu     sync.Mutex
	agents map[string]*agent.Agent
	defs   map[string]Definition

	registry    *registry.Registry
	store       checkpoint.Store
	idleTimeout time.Duration

	reclaimInterval time.Duration
	reclaimCancel   context.CancelFunc
	reclaimDone     chan struct{}

	log *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRegistry supplies the service registry passed to every agent.
func WithRegistry(reg *registry.Registry) Option {
	return func(m *Manager) { m.registry = reg }
}

// WithStore supplies the checkpoint store used by the reclaim loop and
// by Checkpoint/RestoreAgent.
func WithStore(store checkpoint.Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithIdleTimeout sets the default idle timeout for agent types that
// do not declare one.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithReclaimInterval sets how often the reclaim loop scans for idle
// agents. Zero disables the loop.
func WithReclaimInterval(d time.Duration) Option {
	return func(m *Manager) { m.reclaimInterval = d }
}

// WithLogger overrides the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// New creates an empty manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		agents:      make(map[string]*agent.Agent),
		defs:        make(map[string]Definition),
		idleTimeout: DefaultIdleTimeout,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterType makes an agent type available for GetOrCreate. A second
// registration under the same type fails with DUPLICATE_REGISTRATION.
func (m *Manager) RegisterType(def Definition) error {
	if def.Type == "" {
		return errors.Newf(errors.CodeInvalidInput, "agent type is required")
	}
	if def.Handler == nil {
		return errors.Newf(errors.CodeInvalidInput, "agent type %q has no handler", def.Type)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.defs[def.Type]; exists {
		return errors.Newf(errors.CodeDuplicateRegistration, "agent type %q already registered", def.Type).
			WithContext("type", def.Type)
	}
	m.defs[def.Type] = def
	return nil
}

// GetOrCreate returns the live agent with the given id, or creates a
// new one of the given type when id is empty. A non-empty id that is
// not live fails with AGENT_NOT_FOUND: ids are minted here, never
// supplied by callers, so an unknown id is a stale reference and not a
// request to create.
func (m *Manager) GetOrCreate(ctx context.Context, id, agentType string) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != "" {
		a, ok := m.agents[id]
		if !ok {
			return nil, errors.Newf(errors.CodeAgentNotFound, "agent %q is not live", id).
				WithContext("agent_id", id)
		}
		return a, nil
	}

	def, ok := m.defs[agentType]
	if !ok {
		return nil, errors.Newf(errors.CodeAgentNotFound, "agent type %q is not registered", agentType).
			WithContext("type", agentType)
	}
	a, err := m.buildLocked(uuid.NewString(), def, nil)
	if err != nil {
		return nil, err
	}
	m.log.Info("manager.agent.create",
		slog.String("agent_id", a.ID()),
		slog.String("type", agentType),
	)
	return a, nil
}

// buildLocked constructs an agent from a definition and inserts it
// into the live set. Caller holds m.mu.
func (m *Manager) buildLocked(id string, def Definition, extra []agent.Option) (*agent.Agent, error) {
	idle := def.IdleTimeout
	if idle <= 0 {
		idle = m.idleTimeout
	}
	opts := []agent.Option{
		agent.WithName(def.Type),
		agent.WithType(def.Type),
		agent.WithHandler(def.Handler),
		agent.WithRegistry(m.registry),
		agent.WithIdleTimeout(idle),
	}
	if def.Retention > 0 {
		opts = append(opts, agent.WithRetention(def.Retention))
	}
	opts = append(opts, def.Options...)
	opts = append(opts, extra...)

	a, err := agent.New(id, opts...)
	if err != nil {
		return nil, err
	}
	m.agents[id] = a
	return a, nil
}

// Get returns the live agent with the given id.
func (m *Manager) Get(id string) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, errors.Newf(errors.CodeAgentNotFound, "agent %q is not live", id).
			WithContext("agent_id", id)
	}
	return a, nil
}

// Delete cancels the agent and removes it from the live set. Deleting
// an absent id is a no-op.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	a, ok := m.agents[id]
	if ok {
		delete(m.agents, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	a.Cancel()
	m.log.Info("manager.agent.delete", slog.String("agent_id", id))
}

// List returns a snapshot of all live agents ordered by id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, Info{
			ID:           a.ID(),
			Name:         a.Name(),
			Type:         a.Type(),
			Busy:         a.Busy(),
			LastActivity: a.LastActivity(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live agents.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.agents)
}

// Checkpoint snapshots a live agent into the configured store and
// returns the checkpoint id. The agent stays live.
func (m *Manager) Checkpoint(ctx context.Context, id, name string) (string, error) {
	if m.store == nil {
		return "", errors.Newf(errors.CodeServiceNotFound, "no checkpoint store configured")
	}
	a, err := m.Get(id)
	if err != nil {
		return "", err
	}
	cp, err := a.CreateCheckpoint(ctx, name)
	if err != nil {
		return "", err
	}
	return m.store.Store(ctx, cp)
}

// RestoreAgent rehydrates a stored checkpoint into a fresh live agent
// with a new id. The agent type named in the checkpoint must still be
// registered so the handler can be reattached. Stateful services are
// restored from the checkpoint's captured blobs.
func (m *Manager) RestoreAgent(ctx context.Context, checkpointID string) (*agent.Agent, error) {
	if m.store == nil {
		return nil, errors.Newf(errors.CodeServiceNotFound, "no checkpoint store configured")
	}
	cp, err := m.store.Retrieve(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, errors.Newf(errors.CodeAgentNotFound, "checkpoint %q not found", checkpointID).
			WithContext("checkpoint_id", checkpointID)
	}
	return m.Rehydrate(ctx, cp)
}

// Rehydrate restores a checkpoint value that the caller already holds
// into a fresh live agent. Used by RestoreAgent and by the work queue
// worker, whose items carry the checkpoint inline.
func (m *Manager) Rehydrate(ctx context.Context, cp *checkpoint.Checkpoint) (*agent.Agent, error) {
	m.mu.Lock()
	def, ok := m.defs[cp.AgentType]
	m.mu.Unlock()
	if !ok {
		return nil, errors.Newf(errors.CodeAgentNotFound, "agent type %q is not registered", cp.AgentType).
			WithContext("type", cp.AgentType)
	}

	idle := def.IdleTimeout
	if idle <= 0 {
		idle = m.idleTimeout
	}
	opts := []agent.Option{
		agent.WithHandler(def.Handler),
		agent.WithRegistry(m.registry),
		agent.WithIdleTimeout(idle),
	}
	if def.Retention > 0 {
		opts = append(opts, agent.WithRetention(def.Retention))
	}
	opts = append(opts, def.Options...)

	a, err := agent.Restore(uuid.NewString(), cp, opts...)
	if err != nil {
		return nil, err
	}
	if err := agent.RestoreServices(ctx, m.registry, cp); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.agents[a.ID()] = a
	m.mu.Unlock()

	m.log.Info("manager.agent.restore",
		slog.String("agent_id", a.ID()),
		slog.String("checkpoint_id", cp.ID),
		slog.String("type", cp.AgentType),
	)
	return a, nil
}

// Shutdown stops the reclaim loop and cancels every live agent.
func (m *Manager) Shutdown() {
	m.StopReclaim()
	m.mu.Lock()
	agents := make([]*agent.Agent, 0, len(m.agents))
	for id, a := range m.agents {
		agents = append(agents, a)
		delete(m.agents, id)
	}
	m.mu.Unlock()
	for _, a := range agents {
		a.Cancel()
	}
}

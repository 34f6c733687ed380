// Package agent implements the unit of execution of the agentry
// runtime: an isolated state map, an ordered event stream, and a
// cancellation token, driven by a type-specific handler under a
// single-writer discipline.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokenring-ai/agentry/pkg/bus"
	"github.com/tokenring-ai/agentry/pkg/core"
	"github.com/tokenring-ai/agentry/pkg/errors"
	"github.com/tokenring-ai/agentry/pkg/registry"
	"github.com/tokenring-ai/agentry/pkg/resilience"
)

// Handler executes one turn of agent behavior. It reads and stages
// state through the turn; staged mutations commit atomically only if
// the handler returns nil. The context carries the agent's cancellation
// token and must be honored at suspension points.
type Handler func(ctx context.Context, turn *Turn, input any) (any, error)

// Ack is the synchronous acknowledgment returned by HandleInput. The
// full response arrives via events; Done additionally reports turn
// completion to callers that want to block.
type Ack struct {
	RunID string
	Done  <-chan error
}

// Agent is one independent unit of task execution. An Agent is safe
// for concurrent use, but only one input is processed at a time:
// concurrent HandleInput calls for the same agent fail with AGENT_BUSY.
type Agent struct {
	id      string
	name    string
	typ     string
	handler Handler

	registry    *registry.Registry
	bus         *bus.Bus
	callTimeout time.Duration
	callRetry   resilience.RetryConfig
	idleTimeout time.Duration

	ctx        context.Context
	cancelFn   context.CancelFunc
	cancelOnce sync.Once

	busy         atomic.Bool
	lastActivity atomic.Int64 // unix nanos

	mu       sync.RWMutex
	state    map[string]any
	watchers map[string][]*stateWatcher
	pending  []stateMutation
	applying bool
}

// Option configures an Agent instance.
type Option func(*Agent)

// WithName sets the human-readable agent name.
func WithName(name string) Option {
	return func(a *Agent) { a.name = name }
}

// WithType sets the agent type identifier.
func WithType(typ string) Option {
	return func(a *Agent) { a.typ = typ }
}

// WithHandler sets the agent handler.
func WithHandler(handler Handler) Option {
	return func(a *Agent) { a.handler = handler }
}

// WithRegistry attaches the process service registry by reference.
func WithRegistry(reg *registry.Registry) Option {
	return func(a *Agent) { a.registry = reg }
}

// WithRetention sets the event bus retention window.
func WithRetention(retention int) Option {
	return func(a *Agent) {
		a.bus = bus.New(a.id, retention)
	}
}

// WithCallTimeout sets the per-call timeout applied to service
// invocations made through Turn.Call. Zero disables the timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Agent) { a.callTimeout = d }
}

// WithCallRetry sets the retry policy applied to service invocations
// made through Turn.Call. The default performs a single attempt.
func WithCallRetry(rc resilience.RetryConfig) Option {
	return func(a *Agent) { a.callRetry = rc }
}

// WithIdleTimeout sets the idle duration after which the manager's
// reclaim loop may checkpoint and evict this agent.
func WithIdleTimeout(d time.Duration) Option {
	return func(a *Agent) { a.idleTimeout = d }
}

// WithState seeds the state map, used when restoring from a checkpoint.
func WithState(state map[string]any) Option {
	return func(a *Agent) {
		for k, v := range state {
			a.state[k] = v
		}
	}
}

// New creates a new Agent with the given id and options. A handler is
// required.
func New(id string, opts ...Option) (*Agent, error) {
	if id == "" {
		return nil, errors.Newf(errors.CodeInvalidInput, "agent id is required")
	}
	a := &Agent{
		id:       id,
		state:    make(map[string]any),
		watchers: make(map[string][]*stateWatcher),
	}
	a.bus = bus.New(id, 0)
	for _, opt := range opts {
		opt(a)
	}
	if a.handler == nil {
		return nil, errors.Newf(errors.CodeInvalidInput, "agent handler is required")
	}
	a.ctx, a.cancelFn = context.WithCancel(context.Background())
	a.touch()
	return a, nil
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// Name returns the human-readable agent name.
func (a *Agent) Name() string { return a.name }

// Type returns the agent type identifier.
func (a *Agent) Type() string { return a.typ }

// Bus returns the agent's event bus.
func (a *Agent) Bus() *bus.Bus { return a.bus }

// Registry returns the service registry the agent was wired to.
func (a *Agent) Registry() *registry.Registry { return a.registry }

// Context returns the agent-lifetime context carrying the cancellation
// token. It is done once Cancel has been called.
func (a *Agent) Context() context.Context { return a.ctx }

// Busy reports whether a turn is currently in flight.
func (a *Agent) Busy() bool { return a.busy.Load() }

// LastActivity returns the time of the agent's most recent activity.
func (a *Agent) LastActivity() time.Time {
	return time.Unix(0, a.lastActivity.Load())
}

// IdleTimeout returns the configured idle timeout, zero meaning the
// manager default applies.
func (a *Agent) IdleTimeout() time.Duration { return a.idleTimeout }

// IdleFor returns how long the agent has been idle, zero while busy.
func (a *Agent) IdleFor(now time.Time) time.Duration {
	if a.busy.Load() {
		return 0
	}
	idle := now.Sub(a.LastActivity())
	if idle < 0 {
		return 0
	}
	return idle
}

func (a *Agent) touch() {
	a.lastActivity.Store(time.Now().UnixNano())
}

// RetireIfIdleSince claims the agent's writer slot, cancels the agent,
// and reports success, but only when no turn is in flight and none has
// finished after cutoff. Holding the slot makes the activity check
// stable: a turn cannot start or touch the agent while it is claimed.
// On false the agent stays live and accepts input as before.
func (a *Agent) RetireIfIdleSince(cutoff time.Time) bool {
	if !a.busy.CompareAndSwap(false, true) {
		return false
	}
	if a.LastActivity().After(cutoff) {
		a.busy.Store(false)
		return false
	}
	a.Cancel()
	return true
}

// HandleInput accepts one caller-supplied input. It fails with
// AGENT_BUSY while another turn is in flight and with CANCELLED once
// the agent's cancellation token has fired. The returned Ack is the
// synchronous acknowledgment; the response arrives via events.
func (a *Agent) HandleInput(ctx context.Context, input any) (*Ack, error) {
	if a.ctx.Err() != nil {
		return nil, errors.Newf(errors.CodeCancelled, "agent %s is cancelled", a.id)
	}
	if !a.busy.CompareAndSwap(false, true) {
		return nil, errors.Newf(errors.CodeAgentBusy, "agent %s is processing another input", a.id).
			WithRecoverable(true)
	}
	a.touch()

	merged, release := mergeCancel(ctx, a.ctx)
	runCtx, runID := core.EnsureRunID(merged)
	runCtx = core.WithAgentID(runCtx, a.id)

	a.bus.Publish(TopicInputAccepted, map[string]any{"run_id": runID, "input": input})

	done := make(chan error, 1)
	turn := &Turn{agent: a, runID: runID, staged: make(map[string]any)}

	go func() {
		defer release()
		err := a.runTurn(runCtx, turn, input, runID)
		a.touch()
		a.busy.Store(false)
		done <- err
		close(done)
	}()

	return &Ack{RunID: runID, Done: done}, nil
}

func (a *Agent) runTurn(ctx context.Context, turn *Turn, input any, runID string) error {
	log := slog.Default()
	log.Debug("agent.turn.start",
		slog.String("agent_id", a.id),
		slog.String("run_id", runID),
	)

	result, err := a.invokeHandler(ctx, turn, input)
	if err != nil {
		code := errors.CodeOf(err)
		if ctx.Err() != nil && code == errors.CodeInternal {
			code = errors.CodeCancelled
		}
		// Staged mutations are discarded: a failed turn leaves the
		// state map exactly as it was.
		a.bus.Publish(TopicError, map[string]any{
			"run_id": runID,
			"code":   string(code),
			"error":  err.Error(),
		})
		log.Warn("agent.turn.error",
			slog.String("agent_id", a.id),
			slog.String("run_id", runID),
			slog.String("code", string(code)),
			slog.String("error", err.Error()),
		)
		return err
	}

	if keys := turn.stagedKeys(); len(keys) > 0 {
		a.applyDelta(turn.staged)
		a.bus.Publish(TopicStateChanged, map[string]any{"run_id": runID, "keys": keys})
	}
	a.bus.Publish(TopicResult, map[string]any{"run_id": runID, "result": result})
	log.Debug("agent.turn.complete",
		slog.String("agent_id", a.id),
		slog.String("run_id", runID),
	)
	return nil
}

// invokeHandler runs the handler with a recover barrier: a panicking
// handler fails its turn like any handler error, leaving the process
// and the agent's committed state intact.
func (a *Agent) invokeHandler(ctx context.Context, turn *Turn, input any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.CodeInternal, "handler panicked: %v", r)
		}
	}()
	return a.handler(ctx, turn, input)
}

// Cancel signals the agent's cancellation token. In-flight operations
// observe it at their next suspension point. Idempotent; the terminal
// cancelled event is published exactly once.
func (a *Agent) Cancel() {
	a.cancelOnce.Do(func() {
		a.cancelFn()
		a.bus.Publish(TopicCancelled, map[string]any{"agent_id": a.id})
	})
}

// mergeCancel derives a context from call that is additionally done
// when owner is done, so both the caller's deadline and the agent's
// cancellation token cut the turn. The returned release func must be
// called when the turn finishes.
func mergeCancel(call, owner context.Context) (context.Context, func()) {
	merged, cancel := context.WithCancel(call)
	stop := context.AfterFunc(owner, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

package agent

import (
	"context"
	"sort"

	"github.com/tokenring-ai/agentry/pkg/core"
	"github.com/tokenring-ai/agentry/pkg/errors"
	"github.com/tokenring-ai/agentry/pkg/resilience"
)

// StateCallback observes committed changes to one state slice.
type StateCallback func(slice string, value any)

type stateWatcher struct {
	slice  string
	fn     StateCallback
	active bool
}

type stateMutation struct {
	slice string
	value any
}

// GetState returns the committed value of a state slice.
func (a *Agent) GetState(slice string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.state[slice]
	return v, ok
}

// State returns a shallow copy of the committed state map.
func (a *Agent) State() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]any, len(a.state))
	for k, v := range a.state {
		out[k] = v
	}
	return out
}

// SetState mutates one state slice outside a turn and notifies
// watchers. Mutations made from inside a watcher callback are deferred
// until the current mutation completes, so callbacks cannot deadlock.
func (a *Agent) SetState(slice string, value any) {
	a.applyDelta(map[string]any{slice: value})
}

// SubscribeState registers a callback invoked synchronously whenever
// the named state slice changes. The returned func unsubscribes and is
// idempotent.
func (a *Agent) SubscribeState(slice string, fn StateCallback) func() {
	w := &stateWatcher{slice: slice, fn: fn, active: true}
	a.mu.Lock()
	a.watchers[slice] = append(a.watchers[slice], w)
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !w.active {
			return
		}
		w.active = false
		list := a.watchers[slice]
		for i, cand := range list {
			if cand == w {
				a.watchers[slice] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// applyDelta commits a set of slice mutations and notifies watchers.
// The whole batch is written to the state map under one lock hold, so
// no reader ever observes a partially committed turn; watcher callbacks
// run afterwards, outside the lock. Only one frame applies at a time;
// nested mutations from callbacks queue up as the next batch.
func (a *Agent) applyDelta(delta map[string]any) {
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type notification struct {
		mut      stateMutation
		watchers []*stateWatcher
	}

	a.mu.Lock()
	for _, k := range keys {
		a.pending = append(a.pending, stateMutation{slice: k, value: delta[k]})
	}
	if a.applying {
		a.mu.Unlock()
		return
	}
	a.applying = true
	for len(a.pending) > 0 {
		batch := a.pending
		a.pending = nil
		notes := make([]notification, 0, len(batch))
		for _, mut := range batch {
			a.state[mut.slice] = mut.value
			watchers := make([]*stateWatcher, len(a.watchers[mut.slice]))
			copy(watchers, a.watchers[mut.slice])
			notes = append(notes, notification{mut: mut, watchers: watchers})
		}
		a.mu.Unlock()
		for _, n := range notes {
			for _, w := range n.watchers {
				if w.active {
					w.fn(n.mut.slice, n.mut.value)
				}
			}
		}
		a.mu.Lock()
	}
	a.applying = false
	a.mu.Unlock()
}

// Turn is the handler's view of one handleInput call. State writes are
// staged and commit atomically only when the handler returns nil.
type Turn struct {
	agent  *Agent
	runID  string
	staged map[string]any
}

// RunID returns the id correlating this turn across logs and events.
func (t *Turn) RunID() string { return t.runID }

// Get reads a state slice, observing staged writes from this turn
// before committed state.
func (t *Turn) Get(slice string) (any, bool) {
	if v, ok := t.staged[slice]; ok {
		return v, true
	}
	return t.agent.GetState(slice)
}

// Set stages a write to a state slice. Staged writes are invisible to
// other readers until the turn commits.
func (t *Turn) Set(slice string, value any) {
	t.staged[slice] = value
}

// Publish emits an event on the agent's bus immediately.
func (t *Turn) Publish(topic string, payload any) {
	t.agent.bus.Publish(topic, payload)
}

func (t *Turn) stagedKeys() []string {
	keys := make([]string, 0, len(t.staged))
	for k := range t.staged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Call invokes a registered service under the agent's per-call timeout.
// A missing service fails with SERVICE_NOT_FOUND; a deadline hit
// surfaces as recoverable SERVICE_CALL_TIMEOUT; any other failure as
// recoverable SERVICE_CALL_FAILED. Either way the turn may continue or
// return the error — agent state is never left partially mutated.
func (t *Turn) Call(ctx context.Context, name string, fn func(ctx context.Context, svc core.Service) error) error {
	if t.agent.registry == nil {
		return errors.Newf(errors.CodeServiceNotFound, "agent %s has no service registry", t.agent.id).
			WithContext("service", name)
	}
	svc, err := t.agent.registry.Require(name)
	if err != nil {
		return err
	}
	rc := t.agent.callRetry
	err = rc.Do(ctx, func() error {
		callErr := resilience.WithTimeout(ctx, t.agent.callTimeout, func(callCtx context.Context) error {
			return fn(callCtx, svc)
		})
		if callErr == nil {
			return nil
		}
		if errors.HasCode(callErr, errors.CodeServiceCallTimeout) ||
			errors.HasCode(callErr, errors.CodeCancelled) {
			return callErr
		}
		return errors.New(errors.CodeServiceCallFailed, "service call failed", callErr).
			WithContext("service", name).
			WithRecoverable(true)
	})
	return err
}

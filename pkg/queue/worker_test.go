package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tokenring-ai/agentry/pkg/agent"
	"github.com/tokenring-ai/agentry/pkg/checkpoint"
	"github.com/tokenring-ai/agentry/pkg/errors"
	"github.com/tokenring-ai/agentry/pkg/manager"
)

func checkpointFor(t *testing.T, agentType string, state map[string]any) checkpoint.Checkpoint {
	t.Helper()
	blob, err := checkpoint.Encode(state)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return checkpoint.Checkpoint{
		AgentName: agentType,
		AgentType: agentType,
		State:     blob,
		CreatedAt: time.Now().UTC(),
	}
}

func TestWorkerProcessesItem(t *testing.T) {
	var got atomic.Value
	m := manager.New()
	err := m.RegisterType(manager.Definition{Type: "repair", Handler: func(ctx context.Context, turn *agent.Turn, input any) (any, error) {
		got.Store(input)
		n, _ := turn.Get("attempts")
		if prev, ok := n.(int64); ok {
			turn.Set("attempts", prev+1)
		} else {
			turn.Set("attempts", int64(1))
		}
		return nil, nil
	}})
	if err != nil {
		t.Fatalf("RegisterType: %v", err)
	}

	q := New(4)
	if _, err := q.Enqueue(checkpointFor(t, "repair", map[string]any{"attempts": int64(0)}), "fix build"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := NewWorker(q, m)
	processed, err := w.ProcessOne(context.Background())
	if !processed || err != nil {
		t.Fatalf("ProcessOne = %v, %v", processed, err)
	}
	if got.Load() != "fix build" {
		t.Errorf("handler input = %v", got.Load())
	}
	if q.Size() != 0 {
		t.Errorf("size = %d after success", q.Size())
	}
	// Transient agents do not outlive their item.
	if m.Len() != 0 {
		t.Errorf("live agents = %d after item", m.Len())
	}
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	var attempts atomic.Int64
	m := manager.New()
	err := m.RegisterType(manager.Definition{Type: "flaky", Handler: func(ctx context.Context, turn *agent.Turn, input any) (any, error) {
		attempts.Add(1)
		return nil, errors.Newf(errors.CodeServiceCallFailed, "still broken")
	}})
	if err != nil {
		t.Fatalf("RegisterType: %v", err)
	}

	q := New(4, WithMaxRetries(1))
	if _, err := q.Enqueue(checkpointFor(t, "flaky", nil), "x"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := NewWorker(q, m)

	// First failure re-enqueues at the tail.
	processed, err := w.ProcessOne(context.Background())
	if !processed {
		t.Fatal("no item processed")
	}
	if !errors.HasCode(err, errors.CodeServiceCallFailed) {
		t.Fatalf("first attempt: %v", err)
	}
	if q.Size() != 1 {
		t.Fatalf("size = %d after first failure", q.Size())
	}

	// Second failure exhausts the bound.
	processed, err = w.ProcessOne(context.Background())
	if !processed {
		t.Fatal("no item processed")
	}
	if !errors.HasCode(err, errors.CodeRetryExhausted) {
		t.Fatalf("second attempt: %v", err)
	}
	if q.Size() != 0 {
		t.Errorf("size = %d after dead-letter", q.Size())
	}
	if dead := q.DeadLetters(); len(dead) != 1 {
		t.Errorf("dead letters = %d", len(dead))
	}
	if attempts.Load() != 2 {
		t.Errorf("handler attempts = %d", attempts.Load())
	}
}

func TestWorkerUnknownAgentType(t *testing.T) {
	m := manager.New()
	q := New(4, WithMaxRetries(0))
	if _, err := q.Enqueue(checkpointFor(t, "never-registered", nil), "x"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := NewWorker(q, m)
	processed, err := w.ProcessOne(context.Background())
	if !processed {
		t.Fatal("no item processed")
	}
	if !errors.HasCode(err, errors.CodeRetryExhausted) {
		t.Fatalf("got %v, want RETRY_EXHAUSTED", err)
	}
}

func TestWorkerLoopDrainsQueue(t *testing.T) {
	var handled atomic.Int64
	m := manager.New()
	err := m.RegisterType(manager.Definition{Type: "chat", Handler: func(ctx context.Context, turn *agent.Turn, input any) (any, error) {
		handled.Add(1)
		return nil, nil
	}})
	if err != nil {
		t.Fatalf("RegisterType: %v", err)
	}

	q := New(8)
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(checkpointFor(t, "chat", nil), i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	w := NewWorker(q, m, WithPollInterval(5*time.Millisecond))
	w.Start()
	defer w.Stop()

	deadline := time.After(2 * time.Second)
	for handled.Load() != 3 {
		select {
		case <-deadline:
			t.Fatalf("worker handled %d of 3 items", handled.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if q.Size() != 0 {
		t.Errorf("size = %d after drain", q.Size())
	}
}

package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tokenring-ai/agentry/pkg/agent"
	"github.com/tokenring-ai/agentry/pkg/checkpoint"
	"github.com/tokenring-ai/agentry/pkg/errors"
	"github.com/tokenring-ai/agentry/pkg/registry"
)

func echoHandler(ctx context.Context, turn *agent.Turn, input any) (any, error) {
	turn.Set("last_input", input)
	return input, nil
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := New(opts...)
	if err := m.RegisterType(Definition{Type: "chat", Handler: echoHandler}); err != nil {
		t.Fatalf("RegisterType: %v", err)
	}
	return m
}

func runTurn(t *testing.T, a *agent.Agent, input any) {
	t.Helper()
	ack, err := a.HandleInput(context.Background(), input)
	if err != nil {
		t.Fatalf("HandleInput: %v", err)
	}
	select {
	case err := <-ack.Done:
		if err != nil {
			t.Fatalf("turn: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not complete")
	}
}

func TestRegisterTypeDuplicate(t *testing.T) {
	m := newTestManager(t)
	err := m.RegisterType(Definition{Type: "chat", Handler: echoHandler})
	if !errors.HasCode(err, errors.CodeDuplicateRegistration) {
		t.Errorf("got %v, want DUPLICATE_REGISTRATION", err)
	}
}

func TestGetOrCreate(t *testing.T) {
	m := newTestManager(t)

	a, err := m.GetOrCreate(context.Background(), "", "chat")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.ID() == "" {
		t.Fatal("created agent has no id")
	}

	same, err := m.GetOrCreate(context.Background(), a.ID(), "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if same != a {
		t.Error("lookup by id returned a different agent")
	}

	_, err = m.GetOrCreate(context.Background(), "no-such-id", "chat")
	if !errors.HasCode(err, errors.CodeAgentNotFound) {
		t.Errorf("unknown id: got %v, want AGENT_NOT_FOUND", err)
	}

	_, err = m.GetOrCreate(context.Background(), "", "unregistered")
	if !errors.HasCode(err, errors.CodeAgentNotFound) {
		t.Errorf("unknown type: got %v, want AGENT_NOT_FOUND", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	a, err := m.GetOrCreate(context.Background(), "", "chat")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	m.Delete(a.ID())
	m.Delete(a.ID())

	if _, err := m.Get(a.ID()); !errors.HasCode(err, errors.CodeAgentNotFound) {
		t.Errorf("got %v, want AGENT_NOT_FOUND", err)
	}
	if _, err := a.HandleInput(context.Background(), "x"); !errors.HasCode(err, errors.CodeCancelled) {
		t.Errorf("deleted agent accepted input: %v", err)
	}
}

func TestListOrderedByID(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 3; i++ {
		if _, err := m.GetOrCreate(context.Background(), "", "chat"); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	infos := m.List()
	if len(infos) != 3 {
		t.Fatalf("len = %d", len(infos))
	}
	for i := 1; i < len(infos); i++ {
		if infos[i-1].ID >= infos[i].ID {
			t.Errorf("list not ordered: %s >= %s", infos[i-1].ID, infos[i].ID)
		}
	}
}

func TestCheckpointAndRestoreAgent(t *testing.T) {
	store := checkpoint.NewInMemoryStore()
	m := newTestManager(t, WithStore(store))

	a, err := m.GetOrCreate(context.Background(), "", "chat")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	runTurn(t, a, "hello")

	cpID, err := m.Checkpoint(context.Background(), a.ID(), "manual")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if _, err := m.Get(a.ID()); err != nil {
		t.Fatalf("agent evicted by manual checkpoint: %v", err)
	}

	restored, err := m.RestoreAgent(context.Background(), cpID)
	if err != nil {
		t.Fatalf("RestoreAgent: %v", err)
	}
	if restored.ID() == a.ID() {
		t.Error("restored agent reused the original id")
	}
	if v, _ := restored.GetState("last_input"); v != "hello" {
		t.Errorf("restored state last_input = %v", v)
	}
	if _, err := m.Get(restored.ID()); err != nil {
		t.Errorf("restored agent not live: %v", err)
	}

	_, err = m.RestoreAgent(context.Background(), "no-such-checkpoint")
	if !errors.HasCode(err, errors.CodeAgentNotFound) {
		t.Errorf("got %v, want AGENT_NOT_FOUND", err)
	}
}

func TestReclaimIdleCheckpointsAndEvicts(t *testing.T) {
	store := checkpoint.NewInMemoryStore()
	m := New(WithStore(store), WithIdleTimeout(time.Millisecond))
	if err := m.RegisterType(Definition{Type: "chat", Handler: echoHandler}); err != nil {
		t.Fatalf("RegisterType: %v", err)
	}

	a, err := m.GetOrCreate(context.Background(), "", "chat")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	runTurn(t, a, "hello")
	time.Sleep(10 * time.Millisecond)

	if got := m.ReclaimIdle(context.Background()); got != 1 {
		t.Fatalf("reclaimed = %d, want 1", got)
	}
	if m.Len() != 0 {
		t.Errorf("live agents = %d after reclaim", m.Len())
	}

	metas, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 1 || metas[0].Name != "idle-reclaim" {
		t.Fatalf("stored checkpoints = %+v", metas)
	}

	restored, err := m.RestoreAgent(context.Background(), metas[0].ID)
	if err != nil {
		t.Fatalf("RestoreAgent: %v", err)
	}
	if v, _ := restored.GetState("last_input"); v != "hello" {
		t.Errorf("restored state last_input = %v", v)
	}
}

func TestGetOrCreateConcurrentLookup(t *testing.T) {
	m := newTestManager(t)
	a, err := m.GetOrCreate(context.Background(), "", "chat")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const callers = 8
	got := make(chan *agent.Agent, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			found, err := m.GetOrCreate(context.Background(), a.ID(), "chat")
			if err != nil {
				t.Errorf("concurrent lookup: %v", err)
				return
			}
			got <- found
		}()
	}
	wg.Wait()
	close(got)

	for found := range got {
		if found != a {
			t.Error("concurrent lookup returned a different agent instance")
		}
	}
	if m.Len() != 1 {
		t.Errorf("live agents = %d, want 1", m.Len())
	}
}

// interruptingService sneaks a turn onto its agent while a checkpoint
// is being taken, leaving the snapshot stale the moment it is written.
type interruptingService struct {
	agent *agent.Agent
	fired bool
}

func (s *interruptingService) Name() string           { return "test.interrupter" }
func (s *interruptingService) Capabilities() []string { return []string{"stateful"} }

func (s *interruptingService) SerializeState(ctx context.Context) ([]byte, error) {
	if !s.fired && s.agent != nil {
		s.fired = true
		ack, err := s.agent.HandleInput(context.Background(), "late input")
		if err != nil {
			return nil, err
		}
		<-ack.Done
	}
	return []byte(`{}`), nil
}

func (s *interruptingService) RestoreState(ctx context.Context, blob []byte) error { return nil }

func TestReclaimSkipsAgentActiveDuringCheckpoint(t *testing.T) {
	store := checkpoint.NewInMemoryStore()
	reg := registry.New()
	svc := &interruptingService{}
	if err := reg.Register(svc); err != nil {
		t.Fatalf("register: %v", err)
	}

	m := New(WithStore(store), WithRegistry(reg), WithIdleTimeout(time.Millisecond))
	if err := m.RegisterType(Definition{Type: "chat", Handler: echoHandler}); err != nil {
		t.Fatalf("RegisterType: %v", err)
	}
	a, err := m.GetOrCreate(context.Background(), "", "chat")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	svc.agent = a
	time.Sleep(10 * time.Millisecond)

	// The checkpoint completes, but a turn ran while it was being
	// taken, so the agent must not be evicted on this scan.
	if got := m.ReclaimIdle(context.Background()); got != 0 {
		t.Fatalf("reclaimed = %d, want 0", got)
	}
	if m.Len() != 1 {
		t.Fatalf("live agents = %d, want 1", m.Len())
	}
	if v, _ := a.GetState("last_input"); v != "late input" {
		t.Fatalf("late turn lost: last_input = %v", v)
	}

	// The next scan sees a quiet agent and reclaims it.
	time.Sleep(10 * time.Millisecond)
	if got := m.ReclaimIdle(context.Background()); got != 1 {
		t.Fatalf("second scan reclaimed = %d, want 1", got)
	}
	if m.Len() != 0 {
		t.Errorf("live agents = %d after second scan", m.Len())
	}
}

func TestReclaimSkipsBusyAgents(t *testing.T) {
	store := checkpoint.NewInMemoryStore()
	m := New(WithStore(store), WithIdleTimeout(time.Millisecond))
	release := make(chan struct{})
	err := m.RegisterType(Definition{Type: "slow", Handler: func(ctx context.Context, turn *agent.Turn, input any) (any, error) {
		<-release
		return nil, nil
	}})
	if err != nil {
		t.Fatalf("RegisterType: %v", err)
	}

	a, err := m.GetOrCreate(context.Background(), "", "slow")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ack, err := a.HandleInput(context.Background(), "x")
	if err != nil {
		t.Fatalf("HandleInput: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if got := m.ReclaimIdle(context.Background()); got != 0 {
		t.Errorf("reclaimed busy agent: %d", got)
	}
	if m.Len() != 1 {
		t.Errorf("live agents = %d", m.Len())
	}

	close(release)
	<-ack.Done
}

func TestStartReclaimLoop(t *testing.T) {
	store := checkpoint.NewInMemoryStore()
	m := New(
		WithStore(store),
		WithIdleTimeout(time.Millisecond),
		WithReclaimInterval(5*time.Millisecond),
	)
	if err := m.RegisterType(Definition{Type: "chat", Handler: echoHandler}); err != nil {
		t.Fatalf("RegisterType: %v", err)
	}
	if _, err := m.GetOrCreate(context.Background(), "", "chat"); err != nil {
		t.Fatalf("create: %v", err)
	}

	m.StartReclaim()
	defer m.StopReclaim()

	deadline := time.After(2 * time.Second)
	for m.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("reclaim loop never evicted the idle agent")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

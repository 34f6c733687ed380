package bus

import (
	"fmt"
	"sync"
	"testing"

	"github.com/tokenring-ai/agentry/pkg/errors"
)

func collect(into *[]Event) Handler {
	return func(ev Event) { *into = append(*into, ev) }
}

func TestPublishAssignsIncreasingSequences(t *testing.T) {
	b := New("agent-1", 0)
	for i := 0; i < 5; i++ {
		ev := b.Publish("topic", i)
		if ev.Sequence != uint64(i) {
			t.Errorf("event %d got sequence %d", i, ev.Sequence)
		}
	}
	if b.NextSequence() != 5 {
		t.Errorf("NextSequence = %d, want 5", b.NextSequence())
	}
}

func TestSubscribeFromZeroReplaysAll(t *testing.T) {
	b := New("agent-1", 0)
	b.Publish("t1", nil)
	b.Publish("t2", nil)
	b.Publish("t3", nil)

	var got []Event
	if _, err := b.Subscribe(0, collect(&got)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("replayed %d events, want 3", len(got))
	}
	for i, topic := range []string{"t1", "t2", "t3"} {
		if got[i].Topic != topic {
			t.Errorf("got[%d].Topic = %s, want %s", i, got[i].Topic, topic)
		}
	}
}

func TestSubscriberReceivesLiveEventsInOrder(t *testing.T) {
	b := New("agent-1", 0)
	var got []Event
	if _, err := b.Subscribe(0, collect(&got)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 10; i++ {
		b.Publish("tick", i)
	}
	if len(got) != 10 {
		t.Fatalf("received %d events, want 10", len(got))
	}
	for i, ev := range got {
		if ev.Sequence != uint64(i) {
			t.Errorf("got[%d].Sequence = %d", i, ev.Sequence)
		}
	}
}

func TestMidStreamCursor(t *testing.T) {
	b := New("agent-1", 0)
	for i := 0; i < 6; i++ {
		b.Publish("t", i)
	}

	var got []Event
	if _, err := b.Subscribe(4, collect(&got)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.Publish("t", 6)

	want := []uint64{4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("received %d events, want %d", len(got), len(want))
	}
	for i, seq := range want {
		if got[i].Sequence != seq {
			t.Errorf("got[%d].Sequence = %d, want %d", i, got[i].Sequence, seq)
		}
	}
}

func TestCursorTooOld(t *testing.T) {
	b := New("agent-1", 4)
	for i := 0; i < 10; i++ {
		b.Publish("t", i)
	}

	_, err := b.Subscribe(0, func(Event) {})
	if !errors.HasCode(err, errors.CodeCursorTooOld) {
		t.Errorf("got %v, want CURSOR_TOO_OLD", err)
	}

	// Cursor inside the retained window still works.
	var got []Event
	if _, err := b.Subscribe(8, collect(&got)); err != nil {
		t.Fatalf("subscribe inside window: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("replayed %d events, want 2", len(got))
	}
}

func TestRetentionNeverDropsUndelivered(t *testing.T) {
	b := New("agent-1", 2)
	var got []Event
	if _, err := b.Subscribe(0, collect(&got)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 50; i++ {
		b.Publish("t", i)
	}
	if len(got) != 50 {
		t.Errorf("attached subscriber received %d events, want 50", len(got))
	}
}

func TestSubscriptionOrderPerEvent(t *testing.T) {
	b := New("agent-1", 0)
	var order []string
	if _, err := b.Subscribe(0, func(ev Event) {
		order = append(order, fmt.Sprintf("first:%d", ev.Sequence))
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe(0, func(ev Event) {
		order = append(order, fmt.Sprintf("second:%d", ev.Sequence))
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Publish("t", nil)
	b.Publish("t", nil)

	want := []string{"first:0", "second:0", "first:1", "second:1"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New("agent-1", 0)
	var got []Event
	sub, err := b.Subscribe(0, collect(&got))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.Publish("t", nil)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Publish("t", nil)

	if len(got) != 1 {
		t.Errorf("received %d events after unsubscribe, want 1", len(got))
	}
}

func TestPublishFromHandlerDoesNotDeadlock(t *testing.T) {
	b := New("agent-1", 0)
	var got []Event
	if _, err := b.Subscribe(0, func(ev Event) {
		got = append(got, ev)
		if ev.Topic == "trigger" {
			b.Publish("follow-up", nil)
		}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Publish("trigger", nil)

	if len(got) != 2 {
		t.Fatalf("received %d events, want 2", len(got))
	}
	if got[0].Topic != "trigger" || got[1].Topic != "follow-up" {
		t.Errorf("order wrong: %v, %v", got[0].Topic, got[1].Topic)
	}
	if got[1].Sequence != got[0].Sequence+1 {
		t.Errorf("nested publish sequence not consecutive: %d then %d", got[0].Sequence, got[1].Sequence)
	}
}

func TestConcurrentPublishersTotalOrder(t *testing.T) {
	b := New("agent-1", 0)
	var mu sync.Mutex
	var got []Event
	if _, err := b.Subscribe(0, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				b.Publish("t", nil)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 200 {
		t.Fatalf("received %d events, want 200", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Sequence <= got[i-1].Sequence {
			t.Fatalf("delivery out of order at %d: %d after %d", i, got[i].Sequence, got[i-1].Sequence)
		}
	}
}

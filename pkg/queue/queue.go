// Package queue provides the bounded FIFO work queue of checkpointed
// items and the single worker loop that drains it.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokenring-ai/agentry/pkg/checkpoint"
	"github.com/tokenring-ai/agentry/pkg/errors"
)

// DefaultMaxRetries bounds how often a failed item is re-enqueued
// before it moves to the dead-letter list.
const DefaultMaxRetries = 3

// Item is a unit of queued work: a checkpoint to rehydrate an agent
// from and the input to feed it.
type Item struct {
	ID         string
	Checkpoint checkpoint.Checkpoint
	Input      any
	EnqueuedAt time.Time
	Retries    int
}

// DeadLetter records an item that exhausted its retries together with
// the error that ended it.
type DeadLetter struct {
	Item     Item
	Reason   string
	FailedAt time.Time
}

// Queue is a bounded FIFO queue. Enqueue applies back-pressure: when
// the queue is full it fails instead of evicting the oldest item.
type Queue struct {
	mu         sync.Mutex
	items      []Item
	dead       []DeadLetter
	capacity   int
	maxRetries int
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxRetries bounds re-enqueues per item before dead-lettering.
func WithMaxRetries(n int) Option {
	return func(q *Queue) { q.maxRetries = n }
}

// New creates a queue holding at most capacity items.
func New(capacity int, opts ...Option) *Queue {
	q := &Queue{capacity: capacity, maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends an item and returns its id. Fails with QUEUE_FULL
// when the queue is at capacity.
func (q *Queue) Enqueue(cp checkpoint.Checkpoint, input any) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return "", errors.Newf(errors.CodeQueueFull, "queue is at capacity %d", q.capacity).
			WithContext("capacity", q.capacity)
	}
	item := Item{
		ID:         uuid.NewString(),
		Checkpoint: cp,
		Input:      input,
		EnqueuedAt: time.Now().UTC(),
	}
	q.items = append(q.items, item)
	return item.ID, nil
}

// Dequeue removes and returns the oldest item.
func (q *Queue) Dequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Peek returns the oldest item without removing it.
func (q *Queue) Peek() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// Size returns the number of queued items. Dead letters do not count.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the configured bound.
func (q *Queue) Capacity() int { return q.capacity }

// Retry puts a failed item back at the tail with its retry count
// incremented. Once the count exceeds the retry bound the item moves
// to the dead-letter list instead and the returned error carries
// RETRY_EXHAUSTED. Retried items bypass the capacity bound: a full
// queue must not lose an item that already holds work.
func (q *Queue) Retry(item Item, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item.Retries++
	if item.Retries > q.maxRetries {
		reason := ""
		if cause != nil {
			reason = cause.Error()
		}
		q.dead = append(q.dead, DeadLetter{
			Item:     item,
			Reason:   reason,
			FailedAt: time.Now().UTC(),
		})
		return errors.New(errors.CodeRetryExhausted, "item exceeded retry bound", cause).
			WithContext("item_id", item.ID).
			WithContext("retries", item.Retries)
	}
	q.items = append(q.items, item)
	return nil
}

// DeadLetters returns a copy of the dead-letter list, oldest first.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

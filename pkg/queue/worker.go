package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tokenring-ai/agentry/pkg/errors"
	"github.com/tokenring-ai/agentry/pkg/manager"
)

// DefaultPollInterval is how long an idle worker sleeps between empty
// dequeue attempts.
const DefaultPollInterval = 250 * time.Millisecond

// Worker is the single consumer of a Queue. For each item it restores
// an agent from the item's checkpoint, feeds it the queued input,
// awaits completion, and retires the transient agent. Failed items go
// back through Queue.Retry.
type Worker struct {
	queue   *Queue
	manager *manager.Manager
	poll    time.Duration
	log     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithPollInterval sets the idle sleep between empty dequeues.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.poll = d }
}

// WithWorkerLogger overrides the default slog logger.
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) { w.log = log }
}

// NewWorker creates a worker draining q through m.
func NewWorker(q *Queue, m *manager.Manager, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:   q,
		manager: m,
		poll:    DefaultPollInterval,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the worker loop.
func (w *Worker) Start() {
	if w.cancel != nil {
		w.Stop()
	}
	initWorkerMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	go func() {
		defer close(done)
		w.log.Info("queue.worker.start", slog.Duration("poll", w.poll))
		for {
			processed, err := w.ProcessOne(ctx)
			if ctx.Err() != nil {
				w.log.Info("queue.worker.stop")
				return
			}
			if err != nil {
				w.log.Warn("queue.worker.item.error", slog.String("error", err.Error()))
			}
			if processed {
				continue
			}
			select {
			case <-ctx.Done():
				w.log.Info("queue.worker.stop")
				return
			case <-time.After(w.poll):
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight item to finish.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	if w.done != nil {
		<-w.done
	}
	w.cancel = nil
	w.done = nil
}

// ProcessOne dequeues and processes a single item. It returns whether
// an item was dequeued; the error reflects the item's outcome and is
// nil both for an empty queue and for a successfully processed item.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	initWorkerMetrics()
	item, ok := w.queue.Dequeue()
	if !ok {
		return false, nil
	}

	ctx, span := otel.Tracer("agentry/queue").Start(ctx, "queue.worker.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("item_id", item.ID),
		attribute.Int("retries", item.Retries),
	)

	start := time.Now()
	err := w.runItem(ctx, item)
	durationMs := float64(time.Since(start).Seconds() * 1000)
	itemCounter.Add(ctx, 1)
	itemLatencyMs.Record(ctx, durationMs)
	if err == nil {
		w.log.Info("queue.worker.item.done",
			slog.String("item_id", item.ID),
			slog.Float64("duration_ms", durationMs),
		)
		return true, nil
	}

	span.RecordError(err)
	itemErrorCounter.Add(ctx, 1)
	if retryErr := w.queue.Retry(item, err); retryErr != nil {
		deadLetterCounter.Add(ctx, 1)
		w.log.Warn("queue.worker.item.dead_letter",
			slog.String("item_id", item.ID),
			slog.Int("retries", item.Retries+1),
			slog.String("error", err.Error()),
		)
		return true, retryErr
	}
	w.log.Warn("queue.worker.item.retry",
		slog.String("item_id", item.ID),
		slog.Int("retries", item.Retries+1),
		slog.String("error", err.Error()),
	)
	return true, err
}

// runItem rehydrates the item's agent, runs the queued input through
// it, and retires the agent whatever the outcome.
func (w *Worker) runItem(ctx context.Context, item Item) error {
	a, err := w.manager.Rehydrate(ctx, &item.Checkpoint)
	if err != nil {
		return err
	}
	defer w.manager.Delete(a.ID())

	ack, err := a.HandleInput(ctx, item.Input)
	if err != nil {
		return err
	}
	select {
	case err := <-ack.Done:
		return err
	case <-ctx.Done():
		a.Cancel()
		<-ack.Done
		return errors.Newf(errors.CodeCancelled, "worker stopped while item %s was in flight", item.ID)
	}
}

var (
	workerMetricsOnce sync.Once
	itemCounter       metric.Int64Counter
	itemErrorCounter  metric.Int64Counter
	deadLetterCounter metric.Int64Counter
	itemLatencyMs     metric.Float64Histogram
)

func initWorkerMetrics() {
	workerMetricsOnce.Do(func() {
		meter := otel.Meter("agentry/queue")
		itemCounter, _ = meter.Int64Counter("agentry.queue.worker.item.count")
		itemErrorCounter, _ = meter.Int64Counter("agentry.queue.worker.item.error.count")
		deadLetterCounter, _ = meter.Int64Counter("agentry.queue.worker.dead_letter.count")
		itemLatencyMs, _ = meter.Float64Histogram("agentry.queue.worker.item.latency_ms")
	})
}

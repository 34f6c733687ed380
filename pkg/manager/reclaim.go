package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokenring-ai/agentry/pkg/agent"
)

// StartReclaim launches the idle reclaim loop. Every interval the loop
// scans the live set and, for each agent idle past its timeout,
// checkpoints it to the store and evicts it. Requires a configured
// store and a positive interval; otherwise the loop stays off.
func (m *Manager) StartReclaim() {
	if m.reclaimInterval <= 0 || m.store == nil {
		m.log.Info("manager.reclaim.disabled",
			slog.Duration("interval", m.reclaimInterval),
			slog.Bool("store", m.store != nil),
		)
		return
	}
	if m.reclaimCancel != nil {
		m.StopReclaim()
	}
	initReclaimMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.reclaimCancel = cancel
	m.reclaimDone = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.reclaimInterval)
		defer ticker.Stop()
		m.log.Info("manager.reclaim.start",
			slog.Duration("interval", m.reclaimInterval),
		)
		for {
			select {
			case <-ctx.Done():
				m.log.Info("manager.reclaim.stop")
				return
			case <-ticker.C:
				m.ReclaimIdle(ctx)
			}
		}
	}()
}

// StopReclaim stops the reclaim loop and waits for the current scan to
// finish.
func (m *Manager) StopReclaim() {
	if m.reclaimCancel == nil {
		return
	}
	m.reclaimCancel()
	if m.reclaimDone != nil {
		<-m.reclaimDone
	}
	m.reclaimCancel = nil
	m.reclaimDone = nil
}

// ReclaimIdle runs one reclaim scan and returns the number of agents
// evicted. An agent is reclaimed only when it is not mid-turn and has
// been idle past its timeout. Checkpoint and evict are two steps: a
// failed checkpoint leaves the agent live for the next scan, and an
// agent that was already checkpointed but not yet evicted is simply
// checkpointed again.
func (m *Manager) ReclaimIdle(ctx context.Context) int {
	initReclaimMetrics()
	scanStart := time.Now()
	now := scanStart

	type candidate struct {
		agent *agent.Agent
		seen  time.Time
	}
	m.mu.Lock()
	candidates := make([]candidate, 0)
	for _, a := range m.agents {
		if a.Busy() {
			continue
		}
		if a.IdleTimeout() <= 0 {
			continue
		}
		if a.IdleFor(now) < a.IdleTimeout() {
			continue
		}
		candidates = append(candidates, candidate{agent: a, seen: a.LastActivity()})
	}
	m.mu.Unlock()

	ctx, span := otel.Tracer("agentry/manager").Start(ctx, "manager.reclaim.scan",
		trace.WithAttributes(attribute.Int("candidates", len(candidates))),
	)
	defer span.End()
	traceID, spanID := traceIDs(span)

	reclaimed := 0
	for _, cand := range candidates {
		a := cand.agent
		start := time.Now()
		cp, err := a.CreateCheckpoint(ctx, "idle-reclaim")
		if err == nil {
			_, err = m.store.Store(ctx, cp)
		}
		durationMs := float64(time.Since(start).Seconds() * 1000)
		reclaimCounter.Add(ctx, 1)
		reclaimLatencyMs.Record(ctx, durationMs)
		if err != nil {
			reclaimErrorCounter.Add(ctx, 1)
			span.RecordError(err)
			m.log.Warn("manager.reclaim.checkpoint.error",
				slog.String("agent_id", a.ID()),
				slog.Float64("duration_ms", durationMs),
				slog.String("trace_id", traceID),
				slog.String("span_id", spanID),
				slog.String("error", err.Error()),
			)
			continue
		}

		// A turn may have started or finished between the scan and the
		// checkpoint, making the stored snapshot stale for eviction.
		// Retiring claims the writer slot first, so no turn can slip in
		// between the activity check and the cancel.
		if !a.RetireIfIdleSince(cand.seen) {
			continue
		}
		m.mu.Lock()
		delete(m.agents, a.ID())
		m.mu.Unlock()
		reclaimed++
		m.log.Info("manager.reclaim.evict",
			slog.String("agent_id", a.ID()),
			slog.String("type", a.Type()),
			slog.Duration("idle", a.IdleFor(now)),
			slog.String("trace_id", traceID),
			slog.String("span_id", spanID),
		)
	}

	if reclaimed > 0 {
		reclaimedCounter.Add(ctx, int64(reclaimed))
	}
	span.SetAttributes(attribute.Int("reclaimed", reclaimed))
	scanLatencyMs.Record(ctx, float64(time.Since(scanStart).Seconds()*1000))
	return reclaimed
}

var (
	reclaimMetricsOnce  sync.Once
	reclaimCounter      metric.Int64Counter
	reclaimErrorCounter metric.Int64Counter
	reclaimedCounter    metric.Int64Counter
	reclaimLatencyMs    metric.Float64Histogram
	scanLatencyMs       metric.Float64Histogram
)

func initReclaimMetrics() {
	reclaimMetricsOnce.Do(func() {
		meter := otel.Meter("agentry/manager")
		reclaimCounter, _ = meter.Int64Counter("agentry.manager.reclaim.count")
		reclaimErrorCounter, _ = meter.Int64Counter("agentry.manager.reclaim.error.count")
		reclaimedCounter, _ = meter.Int64Counter("agentry.manager.reclaim.evicted.count")
		reclaimLatencyMs, _ = meter.Float64Histogram("agentry.manager.reclaim.latency_ms")
		scanLatencyMs, _ = meter.Float64Histogram("agentry.manager.reclaim.scan_latency_ms")
	})
}

func traceIDs(span trace.Span) (string, string) {
	sc := span.SpanContext()
	return sc.TraceID().String(), sc.SpanID().String()
}

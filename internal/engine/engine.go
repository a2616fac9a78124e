// Package engine wires the ingestion channels, the aggregation stages and
// the executor workers into one lifecycle.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"polycopy/internal/config"
	"polycopy/internal/executor"
	"polycopy/internal/pipeline"
	"polycopy/pkg/types"
)

// drainTimeout bounds how long shutdown waits for force-flushed groups to be
// decided and persisted.
const drainTimeout = 10 * time.Second

// Subscriber pre-warms book subscriptions for tokens the pipeline is about
// to decide on. Implemented by the book service.
type Subscriber interface {
	EnsureSubscribed(tokenID string)
}

// Engine routes leader events into the aggregator or the small-trade buffer
// and runs the executor worker pool over the emitted groups.
type Engine struct {
	cfg     config.EngineConfig
	runtime *config.Runtime
	books   Subscriber
	exec    *executor.Executor
	logger  *slog.Logger

	agg      *pipeline.Aggregator
	buffer   *pipeline.Buffer
	activity *pipeline.ActivityAggregator

	trades     chan types.PendingTradeEvent
	activities chan types.ActivityEvent
}

// New builds the engine with its pipeline stages.
func New(cfg config.EngineConfig, runtime *config.Runtime, books Subscriber, exec *executor.Executor, logger *slog.Logger) *Engine {
	window := func() time.Duration {
		return time.Duration(runtime.System().AggregationWindowMs) * time.Millisecond
	}
	return &Engine{
		cfg:        cfg,
		runtime:    runtime,
		books:      books,
		exec:       exec,
		logger:     logger.With("component", "engine"),
		agg:        pipeline.NewAggregator(window, logger),
		buffer:     pipeline.NewBuffer(runtime.Buffering, logger),
		activity:   pipeline.NewActivityAggregator(window, logger),
		trades:     make(chan types.PendingTradeEvent, 512),
		activities: make(chan types.ActivityEvent, 128),
	}
}

// Ingest hands one leader fill to the pipeline. Blocks when the pipeline is
// saturated so the ingester applies backpressure instead of dropping.
func (e *Engine) Ingest(ctx context.Context, ev types.PendingTradeEvent) error {
	select {
	case e.trades <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IngestActivity hands one merge/split/redeem event to the pipeline.
func (e *Engine) IngestActivity(ctx context.Context, ev types.ActivityEvent) error {
	select {
	case e.activities <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events until ctx cancels, then force-flushes all pending
// windows and drains the workers.
func (e *Engine) Run(ctx context.Context) error {
	groups := make(chan types.TradeEventGroup, 256)

	// Fan the two group sources into one worker queue.
	var sources sync.WaitGroup
	sources.Add(2)
	go func() {
		defer sources.Done()
		for g := range e.agg.Out() {
			groups <- g
		}
	}()
	go func() {
		defer sources.Done()
		for g := range e.buffer.Out() {
			groups <- g
		}
	}()
	go func() {
		sources.Wait()
		close(groups)
	}()

	// Shutdown must let in-flight groups finish persisting after ctx is
	// already cancelled.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	var workers sync.WaitGroup
	for i := 0; i < e.cfg.ExecutorWorkers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for g := range groups {
				e.handleGroup(workCtx, g)
			}
		}()
	}
	workers.Add(1)
	go func() {
		defer workers.Done()
		for ag := range e.activity.Out() {
			if err := e.exec.ProcessActivity(workCtx, ag); err != nil {
				e.logger.Error("process activity group", "group_key", ag.GroupKey, "error", err)
			}
		}
	}()

	e.routeLoop(ctx)

	// Force-flush closes the stage outputs, which lets the fan-in and the
	// workers run off the ends of their channels.
	e.agg.FlushAll()
	e.buffer.FlushAll()
	e.activity.FlushAll()

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		e.logger.Warn("shutdown drain timed out, abandoning in-flight groups")
		cancelWork()
		<-done
	}
	return ctx.Err()
}

// routeLoop consumes the ingest channels until ctx cancels.
func (e *Engine) routeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.trades:
			e.routeTrade(ev)
		case av := <-e.activities:
			e.activity.Add(av)
		}
	}
}

// routeTrade sends one fill to the buffer when it is dust, otherwise to the
// window aggregator, and pre-warms the book subscription either way.
func (e *Engine) routeTrade(ev types.PendingTradeEvent) {
	e.books.EnsureSubscribed(ev.TokenID())
	if e.buffer.Accepts(ev) {
		e.buffer.Add(ev)
		return
	}
	e.agg.Add(ev)
}

// handleGroup runs one group through the executor unless copying is paused.
func (e *Engine) handleGroup(ctx context.Context, g types.TradeEventGroup) {
	if !e.runtime.System().CopyEngineEnabled {
		e.logger.Info("copy engine paused, dropping group", "group_key", g.GroupKey)
		return
	}
	if err := e.exec.Process(ctx, g); err != nil {
		e.logger.Error("process trade group", "group_key", g.GroupKey, "error", err)
	}
}

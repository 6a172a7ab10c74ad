package monitoring

import (
	"context"

	"github.com/ahrav/celery-exporter/internal/domain/task"
	"github.com/ahrav/celery-exporter/pkg/common/logger"
)

// MetricsSink receives the aggregated task signals.
type MetricsSink interface {
	IncTask(name string, state task.State, queue string)
	ObserveRuntime(name string, seconds float64)
	ObserveLatency(seconds float64)
	SetWorkers(n int)
	EnsureSeries(entries map[string]string)
}

// QueueResolver maps task names to queues.
type QueueResolver interface {
	Resolve(name string) string
	Observe(name, queue string)
}

// Aggregator applies task events to the state store and the metrics sink.
// Every task event increments the task counter exactly once.
type Aggregator struct {
	store    task.StateStore
	resolver QueueResolver
	sink     MetricsSink
	metrics  ExporterMetrics

	logger *logger.Logger
}

// NewAggregator creates an Aggregator. metrics may be nil.
func NewAggregator(
	store task.StateStore,
	resolver QueueResolver,
	sink MetricsSink,
	metrics ExporterMetrics,
	logger *logger.Logger,
) *Aggregator {
	return &Aggregator{
		store:    store,
		resolver: resolver,
		sink:     sink,
		metrics:  metrics,
		logger:   logger.With("component", "event_aggregator"),
	}
}

// Handle applies evt. It satisfies task.EventHandler.
func (a *Aggregator) Handle(ctx context.Context, evt task.Event) {
	switch e := evt.(type) {
	case task.TaskEvent:
		a.handleTask(ctx, e)
		if a.metrics != nil {
			a.metrics.IncEventsProcessed(ctx, e.Subject)
		}
	case task.IgnoredEvent:
		if a.metrics != nil {
			a.metrics.IncEventsIgnored(ctx)
		}
	}
}

func (a *Aggregator) handleTask(ctx context.Context, evt task.TaskEvent) {
	state := evt.State()
	if state.IsTerminal() {
		a.handleTerminal(ctx, evt, state)
		return
	}

	var (
		latency    float64
		hasLatency bool
	)
	rec := a.store.Upsert(evt.ID, func(r *task.Record) {
		if evt.Subject == task.SubjectStarted && r.State == task.StateReceived {
			latency = evt.LocalReceived.Sub(r.LocalReceived).Seconds()
			hasLatency = true
		}

		r.State = state
		r.Clock = evt.Clock
		r.LocalReceived = evt.LocalReceived
		if evt.Subject == task.SubjectSent {
			r.ClientHostname = evt.Hostname
		}
		if evt.Name != "" {
			r.Name = evt.Name
		}
	})

	if hasLatency {
		a.sink.ObserveLatency(latency)
	}

	if rec.Name != "" && evt.Queue != "" {
		a.resolver.Observe(rec.Name, evt.Queue)
	}

	name := rec.ResolvedName()
	a.sink.IncTask(name, state, a.resolver.Resolve(name))
}

// handleTerminal drops the record for a finished task. A duplicate terminal
// event finds no record and is counted under task.Unresolved.
func (a *Aggregator) handleTerminal(ctx context.Context, evt task.TaskEvent, state task.State) {
	rec, ok := a.store.Remove(evt.ID)
	if !ok {
		a.logger.Debug(ctx, "Terminal event for unknown task",
			"task_id", evt.ID,
			"state", state,
		)
	}

	name := rec.ResolvedName()
	a.sink.IncTask(name, state, a.resolver.Resolve(name))
	if evt.HasRuntime {
		a.sink.ObserveRuntime(name, evt.Runtime.Seconds())
	}
}

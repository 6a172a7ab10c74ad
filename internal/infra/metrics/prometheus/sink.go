// Package prometheus exposes task metrics in the Prometheus format.
//
// Metric names are fixed; the configured namespace is carried as a label so
// several clusters can share one Prometheus job without renaming series.
package prometheus

import (
	"fmt"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahrav/celery-exporter/internal/domain/task"
)

const (
	metricTasksTotal = "celery_tasks_total"
	metricRuntime    = "celery_tasks_runtime_seconds"
	metricLatency    = "celery_tasks_latency_seconds"
	metricWorkers    = "celery_workers"

	labelNamespace = "namespace"
	labelName      = "name"
	labelState     = "state"
	labelQueue     = "queue"
)

// Config holds the values baked into the sink at construction.
type Config struct {
	// Namespace is the value of the namespace label on every series.
	Namespace string
	// RuntimeBuckets and LatencyBuckets default to prometheus.DefBuckets.
	RuntimeBuckets []float64
	LatencyBuckets []float64
}

// Sink owns the exporter's Prometheus collectors. All methods are safe for
// concurrent use.
type Sink struct {
	namespace string
	gatherer  prom.Gatherer

	tasks   *prom.CounterVec
	runtime *prom.HistogramVec
	latency prom.Observer
	workers prom.Gauge
}

// New registers the task collectors with reg and returns a Sink writing to
// them. The latency and worker series exist from the start.
func New(reg *prom.Registry, cfg Config) (*Sink, error) {
	runtimeBuckets := cfg.RuntimeBuckets
	if len(runtimeBuckets) == 0 {
		runtimeBuckets = prom.DefBuckets
	}
	latencyBuckets := cfg.LatencyBuckets
	if len(latencyBuckets) == 0 {
		latencyBuckets = prom.DefBuckets
	}

	tasks := prom.NewCounterVec(prom.CounterOpts{
		Name: metricTasksTotal,
		Help: "Number of task events observed, by task name, state and queue.",
	}, []string{labelNamespace, labelName, labelState, labelQueue})

	runtime := prom.NewHistogramVec(prom.HistogramOpts{
		Name:    metricRuntime,
		Help:    "Task runtime in seconds as reported by the worker.",
		Buckets: runtimeBuckets,
	}, []string{labelNamespace, labelName})

	latency := prom.NewHistogramVec(prom.HistogramOpts{
		Name:    metricLatency,
		Help:    "Seconds between a task being received by a worker and it starting.",
		Buckets: latencyBuckets,
	}, []string{labelNamespace})

	workers := prom.NewGaugeVec(prom.GaugeOpts{
		Name: metricWorkers,
		Help: "Number of workers answering the liveness probe.",
	}, []string{labelNamespace})

	for _, c := range []prom.Collector{tasks, runtime, latency, workers} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register task collector: %w", err)
		}
	}

	return &Sink{
		namespace: cfg.Namespace,
		gatherer:  reg,
		tasks:     tasks,
		runtime:   runtime,
		latency:   latency.WithLabelValues(cfg.Namespace),
		workers:   workers.WithLabelValues(cfg.Namespace),
	}, nil
}

// IncTask increments the task counter for one event.
func (s *Sink) IncTask(name string, state task.State, queue string) {
	s.tasks.WithLabelValues(s.namespace, name, state.String(), queue).Inc()
}

// ObserveRuntime records a task's reported runtime.
func (s *Sink) ObserveRuntime(name string, seconds float64) {
	s.runtime.WithLabelValues(s.namespace, name).Observe(seconds)
}

// ObserveLatency records the received-to-started delay of a task.
func (s *Sink) ObserveLatency(seconds float64) { s.latency.Observe(seconds) }

// SetWorkers sets the live worker gauge.
func (s *Sink) SetWorkers(n int) { s.workers.Set(float64(n)) }

// EnsureSeries creates a zero-valued counter child for every name, state and
// queue in entries, plus a runtime histogram child per name. Existing series
// keep their values, so calling it repeatedly is harmless.
func (s *Sink) EnsureSeries(entries map[string]string) {
	for name, queue := range entries {
		for _, st := range task.AllStates {
			s.tasks.WithLabelValues(s.namespace, name, st.String(), queue)
		}
		s.runtime.WithLabelValues(s.namespace, name)
	}
}

// Handler serves the registry the sink was built on.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}

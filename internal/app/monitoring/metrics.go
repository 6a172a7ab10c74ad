package monitoring

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/celery-exporter/internal/domain/task"
	"github.com/ahrav/celery-exporter/internal/infra/eventbus/kafka"
)

// ExporterMetrics defines the exporter's self-instrumentation. These describe
// the exporter itself, not the cluster it watches, and are reported through
// OpenTelemetry rather than the scrape endpoint's task series.
type ExporterMetrics interface {
	// Messaging metrics
	kafka.EventBusMetrics

	// Event metrics
	IncEventsProcessed(ctx context.Context, subject task.Subject)
	IncEventsIgnored(ctx context.Context)

	// Store metrics
	IncTasksEvicted(ctx context.Context)

	// Loop metrics
	IncReconnects(ctx context.Context)
	IncProbeFailures(ctx context.Context)
	ObserveProbeDuration(ctx context.Context, d time.Duration)
}

// exporterMetrics implements ExporterMetrics
type exporterMetrics struct {
	// Messaging metrics
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter
	decodeErrors      metric.Int64Counter

	// Event metrics
	eventsProcessed metric.Int64Counter
	eventsIgnored   metric.Int64Counter

	tasksEvicted metric.Int64Counter

	reconnects    metric.Int64Counter
	probeFailures metric.Int64Counter
	probeDuration metric.Float64Histogram
}

const namespace = "celery_exporter"

// NewExporterMetrics creates the exporter's instruments on mp.
func NewExporterMetrics(mp metric.MeterProvider) (*exporterMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(exporterMetrics)
	var err error

	if m.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of control messages published"),
	); err != nil {
		return nil, err
	}

	if m.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages consumed"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if m.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if m.decodeErrors, err = meter.Int64Counter(
		"decode_errors_total",
		metric.WithDescription("Total number of event payloads that could not be decoded"),
	); err != nil {
		return nil, err
	}

	if m.eventsProcessed, err = meter.Int64Counter(
		"events_processed_total",
		metric.WithDescription("Total number of task events aggregated"),
	); err != nil {
		return nil, err
	}

	if m.eventsIgnored, err = meter.Int64Counter(
		"events_ignored_total",
		metric.WithDescription("Total number of events outside the task group"),
	); err != nil {
		return nil, err
	}

	if m.tasksEvicted, err = meter.Int64Counter(
		"tasks_evicted_total",
		metric.WithDescription("Total number of in-flight task records evicted at capacity"),
	); err != nil {
		return nil, err
	}

	if m.reconnects, err = meter.Int64Counter(
		"reconnects_total",
		metric.WithDescription("Total number of event stream reconnects"),
	); err != nil {
		return nil, err
	}

	if m.probeFailures, err = meter.Int64Counter(
		"probe_failures_total",
		metric.WithDescription("Total number of failed liveness probes"),
	); err != nil {
		return nil, err
	}

	if m.probeDuration, err = meter.Float64Histogram(
		"probe_duration_seconds",
		metric.WithDescription("Time taken by liveness probes"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *exporterMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *exporterMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *exporterMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *exporterMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *exporterMetrics) IncDecodeError(ctx context.Context, topic string) {
	m.decodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *exporterMetrics) IncEventsProcessed(ctx context.Context, subject task.Subject) {
	m.eventsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", string(subject))))
}

func (m *exporterMetrics) IncEventsIgnored(ctx context.Context) { m.eventsIgnored.Add(ctx, 1) }

func (m *exporterMetrics) IncTasksEvicted(ctx context.Context) { m.tasksEvicted.Add(ctx, 1) }

func (m *exporterMetrics) IncReconnects(ctx context.Context) { m.reconnects.Add(ctx, 1) }

func (m *exporterMetrics) IncProbeFailures(ctx context.Context) { m.probeFailures.Add(ctx, 1) }

func (m *exporterMetrics) ObserveProbeDuration(ctx context.Context, d time.Duration) {
	m.probeDuration.Record(ctx, d.Seconds())
}

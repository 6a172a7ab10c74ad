package monitoring

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/celery-exporter/internal/domain/cluster"
	"github.com/ahrav/celery-exporter/pkg/common/logger"
	"github.com/ahrav/celery-exporter/pkg/common/timeutil"
)

const (
	// DefaultLivenessInterval is how often workers are probed.
	DefaultLivenessInterval = 5 * time.Second
	// DefaultLivenessTimeout bounds how long a probe waits for replies.
	DefaultLivenessTimeout = 5 * time.Second
)

// LivenessPoller periodically probes the cluster and publishes the number of
// distinct responding workers. A failed probe leaves the last value in place.
type LivenessPoller struct {
	prober   cluster.LivenessProber
	sink     MetricsSink
	interval time.Duration
	timeout  time.Duration

	timeProvider timeutil.Provider
	metrics      ExporterMetrics

	tracer trace.Tracer
	logger *logger.Logger
}

// LivenessOption configures a LivenessPoller.
type LivenessOption func(*LivenessPoller)

// WithLivenessInterval overrides DefaultLivenessInterval.
func WithLivenessInterval(d time.Duration) LivenessOption {
	return func(p *LivenessPoller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithLivenessTimeout overrides DefaultLivenessTimeout.
func WithLivenessTimeout(d time.Duration) LivenessOption {
	return func(p *LivenessPoller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLivenessMetrics enables probe failure and duration metrics.
func WithLivenessMetrics(m ExporterMetrics) LivenessOption {
	return func(p *LivenessPoller) {
		p.metrics = m
	}
}

// WithLivenessTimeProvider sets the clock used to time probes.
func WithLivenessTimeProvider(tp timeutil.Provider) LivenessOption {
	return func(p *LivenessPoller) {
		p.timeProvider = tp
	}
}

// NewLivenessPoller creates a LivenessPoller.
func NewLivenessPoller(
	prober cluster.LivenessProber,
	sink MetricsSink,
	tracer trace.Tracer,
	logger *logger.Logger,
	opts ...LivenessOption,
) *LivenessPoller {
	p := &LivenessPoller{
		prober:       prober,
		sink:         sink,
		interval:     DefaultLivenessInterval,
		timeout:      DefaultLivenessTimeout,
		timeProvider: timeutil.Default(),
		tracer:       tracer,
		logger:       logger.With("component", "liveness_poller"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls once immediately and then on every interval until ctx is done.
func (p *LivenessPoller) Run(ctx context.Context) error {
	p.logger.Info(ctx, "Starting liveness poller",
		"interval", p.interval,
		"timeout", p.timeout,
	)

	p.Poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Poll(ctx)
		case <-ctx.Done():
			p.logger.Info(ctx, "Liveness poller stopped")
			return nil
		}
	}
}

// Poll runs a single probe and updates the worker gauge.
func (p *LivenessPoller) Poll(ctx context.Context) {
	ctx, span := p.tracer.Start(ctx, "liveness_poller.poll",
		trace.WithAttributes(attribute.String("timeout", p.timeout.String())))
	defer span.End()

	start := p.timeProvider.Now()
	workers, err := p.prober.Ping(ctx, p.timeout)
	if p.metrics != nil {
		p.metrics.ObserveProbeDuration(ctx, p.timeProvider.Now().Sub(start))
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn(ctx, "Liveness probe failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "liveness probe failed")
		if p.metrics != nil {
			p.metrics.IncProbeFailures(ctx)
		}
		return
	}

	n := countDistinct(workers)
	p.sink.SetWorkers(n)

	span.SetAttributes(attribute.Int("workers", n))
	p.logger.Debug(ctx, "Liveness probe completed", "workers", n)
}

func countDistinct(workers []string) int {
	seen := make(map[string]struct{}, len(workers))
	for _, w := range workers {
		seen[w] = struct{}{}
	}
	return len(seen)
}

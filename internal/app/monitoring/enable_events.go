package monitoring

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/celery-exporter/internal/domain/cluster"
	"github.com/ahrav/celery-exporter/pkg/common/logger"
)

// DefaultEnableEventsInterval is how often workers are asked to emit events.
const DefaultEnableEventsInterval = 5 * time.Second

// EnableEventsLoop periodically broadcasts an enable-events request so that
// workers started without event emission switch it on.
type EnableEventsLoop struct {
	enabler  cluster.EventsEnabler
	interval time.Duration

	tracer trace.Tracer
	logger *logger.Logger
}

// NewEnableEventsLoop creates an EnableEventsLoop. A non-positive interval
// selects DefaultEnableEventsInterval.
func NewEnableEventsLoop(
	enabler cluster.EventsEnabler,
	interval time.Duration,
	tracer trace.Tracer,
	logger *logger.Logger,
) *EnableEventsLoop {
	if interval <= 0 {
		interval = DefaultEnableEventsInterval
	}
	return &EnableEventsLoop{
		enabler:  enabler,
		interval: interval,
		tracer:   tracer,
		logger:   logger.With("component", "enable_events_loop"),
	}
}

// Run broadcasts immediately and then on every interval until ctx is done.
// Failures are logged and retried on the next tick.
func (l *EnableEventsLoop) Run(ctx context.Context) error {
	l.broadcast(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.broadcast(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *EnableEventsLoop) broadcast(ctx context.Context) {
	ctx, span := l.tracer.Start(ctx, "enable_events_loop.broadcast")
	defer span.End()

	if err := l.enabler.EnableEvents(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn(ctx, "Failed to broadcast enable_events", "error", err)
		span.RecordError(err)
	}
}

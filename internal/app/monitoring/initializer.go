package monitoring

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/celery-exporter/internal/app/routing"
	"github.com/ahrav/celery-exporter/internal/domain/cluster"
	"github.com/ahrav/celery-exporter/pkg/common/logger"
)

// RouteTable is the part of the routing resolver the initializer drives.
type RouteTable interface {
	Refresh(ctx context.Context, provider cluster.SnapshotProvider) error
	Entries() routing.Table
}

// SeriesInitializer pre-creates zero-valued series for every known task so
// that rate() and absent() queries behave before the first event arrives.
type SeriesInitializer struct {
	routes   RouteTable
	provider cluster.SnapshotProvider
	sink     MetricsSink

	// ready flips once a refresh has succeeded.
	ready atomic.Bool

	tracer trace.Tracer
	logger *logger.Logger
}

// NewSeriesInitializer creates a SeriesInitializer. A nil provider skips the
// refresh and only materializes what the route table already knows.
func NewSeriesInitializer(
	routes RouteTable,
	provider cluster.SnapshotProvider,
	sink MetricsSink,
	tracer trace.Tracer,
	logger *logger.Logger,
) *SeriesInitializer {
	return &SeriesInitializer{
		routes:   routes,
		provider: provider,
		sink:     sink,
		tracer:   tracer,
		logger:   logger.With("component", "series_initializer"),
	}
}

// Initialize refreshes the route table and creates the zero-valued series for
// its entries. A failed refresh keeps the previous table; it is logged and
// never returned.
func (s *SeriesInitializer) Initialize(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "series_initializer.initialize")
	defer span.End()

	if s.provider != nil {
		if err := s.routes.Refresh(ctx, s.provider); err != nil {
			s.logger.Warn(ctx, "Failed to refresh task routes, keeping previous table", "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "route refresh failed")
		} else {
			s.ready.Store(true)
		}
	} else {
		s.ready.Store(true)
	}

	entries := s.routes.Entries()
	s.sink.EnsureSeries(entries)

	span.SetAttributes(attribute.Int("task_count", len(entries)))
	s.logger.Debug(ctx, "Initialized task series", "task_count", len(entries))
}

// Ready reports whether at least one initialization refreshed routes.
func (s *SeriesInitializer) Ready() bool { return s.ready.Load() }

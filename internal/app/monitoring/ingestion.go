package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/celery-exporter/internal/domain/task"
	"github.com/ahrav/celery-exporter/pkg/common"
	"github.com/ahrav/celery-exporter/pkg/common/logger"
)

// DefaultRetryInterval is the pause between a failed event stream and the
// next connection attempt.
const DefaultRetryInterval = 5 * time.Second

// errStreamEnded marks a Consume call that returned without error while the
// loop was still meant to run.
var errStreamEnded = errors.New("event stream ended")

// Initializer materializes zero-valued series before and between connections.
type Initializer interface {
	Initialize(ctx context.Context)
}

// IngestionLoop keeps an event stream open for as long as its context lives.
// Each connection attempt is preceded by series initialization, and every
// failure is followed by another initialization and a fixed pause.
type IngestionLoop struct {
	source        task.EventSource
	handler       task.EventHandler
	initializer   Initializer
	retryInterval time.Duration

	// failureLog limits reconnect warnings; the rest go out at debug.
	failureLog *common.RateLimiter

	metrics ExporterMetrics
	tracer  trace.Tracer
	logger  *logger.Logger
}

// IngestionOption configures an IngestionLoop.
type IngestionOption func(*IngestionLoop)

// WithRetryInterval overrides DefaultRetryInterval.
func WithRetryInterval(d time.Duration) IngestionOption {
	return func(l *IngestionLoop) {
		if d > 0 {
			l.retryInterval = d
		}
	}
}

// WithExporterMetrics enables reconnect counting.
func WithExporterMetrics(m ExporterMetrics) IngestionOption {
	return func(l *IngestionLoop) {
		l.metrics = m
	}
}

// NewIngestionLoop creates an IngestionLoop feeding handler from source.
func NewIngestionLoop(
	source task.EventSource,
	handler task.EventHandler,
	initializer Initializer,
	tracer trace.Tracer,
	logger *logger.Logger,
	opts ...IngestionOption,
) *IngestionLoop {
	l := &IngestionLoop{
		source:        source,
		handler:       handler,
		initializer:   initializer,
		retryInterval: DefaultRetryInterval,
		failureLog:    common.NewRateLimiter(1.0/60, 3),
		tracer:        tracer,
		logger:        logger.With("component", "ingestion_loop"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run consumes events until ctx is cancelled. Transport failures never end
// the loop; it returns nil once ctx is done.
func (l *IngestionLoop) Run(ctx context.Context) error {
	l.logger.Info(ctx, "Starting event ingestion", "retry_interval", l.retryInterval)

	bo := backoff.WithContext(backoff.NewConstantBackOff(l.retryInterval), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		l.initializer.Initialize(ctx)

		err := l.source.Consume(ctx, l.handler)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errStreamEnded
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		if l.metrics != nil {
			l.metrics.IncReconnects(ctx)
		}
		if l.failureLog.Allow() {
			l.logger.Warn(ctx, "Event stream failed, reconnecting",
				"error", err,
				"attempt", attempt,
				"retry_in", wait,
			)
		} else {
			l.logger.Debug(ctx, "Event stream failed, reconnecting", "error", err, "attempt", attempt)
		}
	}

	// Only a cancelled context ends the retries.
	_ = backoff.RetryNotify(operation, bo, notify)

	l.logger.Info(ctx, "Event ingestion stopped")
	return nil
}

package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/celery-exporter/internal/domain/task"
	"github.com/ahrav/celery-exporter/pkg/common/logger"
)

func newTestLoop(src task.EventSource, handler task.EventHandler, init Initializer, opts ...IngestionOption) *IngestionLoop {
	return NewIngestionLoop(src, handler, init, noop.NewTracerProvider().Tracer("test"), logger.Noop(), opts...)
}

func runAsync(ctx context.Context, r Runner) <-chan error {
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return done
}

func TestIngestionLoopRetriesAndReinitializes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connected := make(chan struct{})
	src := &mockSource{}
	src.consumeFn = func(ctx context.Context, _ task.EventHandler) error {
		if src.callCount() < 3 {
			return errors.New("connection reset")
		}
		close(connected)
		<-ctx.Done()
		return ctx.Err()
	}
	init := &countingInitializer{}

	done := runAsync(ctx, newTestLoop(src, func(context.Context, task.Event) {}, init,
		WithRetryInterval(10*time.Millisecond)))

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not reconnect")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after cancellation")
	}

	assert.Equal(t, 3, src.callCount())
	// Exactly one initialization per connection attempt.
	assert.Equal(t, 3, init.callCount())
}

func TestIngestionLoopDeliversEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	want := []task.Event{
		task.TaskEvent{Subject: task.SubjectSent, ID: "1"},
		task.IgnoredEvent{Type: "worker-online"},
	}
	src := &mockSource{consumeFn: func(ctx context.Context, handle task.EventHandler) error {
		for _, e := range want {
			handle(ctx, e)
		}
		<-ctx.Done()
		return nil
	}}

	got := make(chan task.Event, len(want))
	done := runAsync(ctx, newTestLoop(src, func(_ context.Context, e task.Event) { got <- e }, &countingInitializer{}))

	for i := range want {
		select {
		case e := <-got:
			assert.Equal(t, want[i], e)
		case <-time.After(5 * time.Second):
			t.Fatal("event not delivered")
		}
	}
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, src.callCount())
}

func TestIngestionLoopCleanEndReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &mockSource{}
	src.consumeFn = func(ctx context.Context, _ task.EventHandler) error {
		if src.callCount() >= 2 {
			cancel()
		}
		return nil
	}

	done := runAsync(ctx, newTestLoop(src, func(context.Context, task.Event) {}, &countingInitializer{},
		WithRetryInterval(time.Millisecond)))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, 2, src.callCount())
}

func TestIngestionLoopStopsDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failed := make(chan struct{}, 1)
	src := &mockSource{consumeFn: func(context.Context, task.EventHandler) error {
		select {
		case failed <- struct{}{}:
		default:
		}
		return errors.New("broker down")
	}}

	done := runAsync(ctx, newTestLoop(src, func(context.Context, task.Event) {}, &countingInitializer{},
		WithRetryInterval(time.Hour)))

	<-failed
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop kept sleeping after cancellation")
	}
	assert.Equal(t, 1, src.callCount())
}

func TestWithRetryIntervalIgnoresNonPositive(t *testing.T) {
	l := newTestLoop(&mockSource{}, nil, &countingInitializer{}, WithRetryInterval(0))
	assert.Equal(t, DefaultRetryInterval, l.retryInterval)
}

package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/celery-exporter/pkg/common/logger"
)

func TestEnableEventsLoopBroadcastsUntilCancelled(t *testing.T) {
	enabler := &mockEnabler{err: errors.New("publish failed")}
	l := NewEnableEventsLoop(enabler, 10*time.Millisecond, noop.NewTracerProvider().Tracer("test"), logger.Noop())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, l)

	// Failures do not stop the loop.
	require.Eventually(t, func() bool { return enabler.callCount() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestEnableEventsLoopDefaultInterval(t *testing.T) {
	l := NewEnableEventsLoop(&mockEnabler{}, 0, noop.NewTracerProvider().Tracer("test"), logger.Noop())
	assert.Equal(t, DefaultEnableEventsInterval, l.interval)
}

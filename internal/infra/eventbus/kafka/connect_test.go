package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/celery-exporter/pkg/common/logger"
)

func TestConnectBackOffHasNoDeadline(t *testing.T) {
	t.Parallel()

	b := newConnectBackOff()
	assert.Zero(t, b.MaxElapsedTime, "connection attempts continue until the context is cancelled")
	assert.Equal(t, 5*time.Second, b.InitialInterval)
}

func TestConnectWithRetryStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attempts := 0
	dial := func(*Config) (sarama.Client, error) {
		attempts++
		cancel()
		return nil, errors.New("connection refused")
	}

	done := make(chan error, 1)
	go func() {
		_, err := connectWithRetry(ctx, testConfig(), logger.Noop(), dial)
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("connectWithRetry did not return after cancellation")
	}
	assert.Equal(t, 1, attempts)
}

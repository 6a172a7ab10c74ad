package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/celery-exporter/internal/app/routing"
	"github.com/ahrav/celery-exporter/internal/domain/cluster"
	"github.com/ahrav/celery-exporter/pkg/common/logger"
)

// replyFn produces the replies for a decoded request.
type replyFn func(req controlRequest) [][]byte

type controlHarness struct {
	client    *ControlClient
	metrics   *countingMetrics
	mu        sync.Mutex
	requests  []controlRequest
	consumers []*fakeReplyConsumer
}

func newControlHarness(t *testing.T, sendErr error, replies replyFn) *controlHarness {
	t.Helper()

	h := &controlHarness{metrics: newCountingMetrics()}
	var current *fakeReplyConsumer

	producer := &mockProducer{sendFn: func(msg *sarama.ProducerMessage) (int32, int64, error) {
		if sendErr != nil {
			return 0, 0, sendErr
		}
		assert.Equal(t, "celery.control", msg.Topic)

		raw, err := msg.Value.Encode()
		require.NoError(t, err)
		var req controlRequest
		require.NoError(t, json.Unmarshal(raw, &req))

		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, req.Method, string(key))

		h.mu.Lock()
		h.requests = append(h.requests, req)
		n := len(h.requests)
		c := current
		h.mu.Unlock()

		if replies != nil && c != nil {
			for i, r := range replies(req) {
				c.yield(int32(i%2), r)
			}
		}
		return 0, int64(n), nil
	}}

	newConsumer := func() (replyConsumer, error) {
		c := newFakeReplyConsumer(2)
		h.mu.Lock()
		current = c
		h.consumers = append(h.consumers, c)
		h.mu.Unlock()
		return c, nil
	}

	cfg := testConfig()
	cfg.ReplyTimeout = 50 * time.Millisecond
	h.client = newControlClient(producer, newConsumer, cfg, logger.Noop(), h.metrics, noop.NewTracerProvider().Tracer("test"))
	return h
}

func reply(t *testing.T, id, worker string, result any) []byte {
	t.Helper()
	res, err := json.Marshal(result)
	require.NoError(t, err)
	b, err := json.Marshal(controlReply{ID: id, Worker: worker, Result: res})
	require.NoError(t, err)
	return b
}

func TestControlClient_Ping(t *testing.T) {
	t.Parallel()

	h := newControlHarness(t, nil, func(req controlRequest) [][]byte {
		return [][]byte{
			reply(t, req.ID, "celery@w2", map[string]string{"ok": "pong"}),
			reply(t, req.ID, "celery@w1", map[string]string{"ok": "pong"}),
			reply(t, req.ID, "celery@w2", map[string]string{"ok": "pong"}),
			reply(t, "another-request", "celery@w3", map[string]string{"ok": "pong"}),
			[]byte("garbage"),
		}
	})

	workers, err := h.client.Ping(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"celery@w1", "celery@w2"}, workers)

	require.Len(t, h.requests, 1)
	assert.Equal(t, MethodPing, h.requests[0].Method)
	assert.Equal(t, "celery.reply", h.requests[0].ReplyTo)
	assert.NotEmpty(t, h.requests[0].ID)

	require.Len(t, h.consumers, 1)
	assert.True(t, h.consumers[0].closed)
	assert.Equal(t, []int64{sarama.OffsetNewest, sarama.OffsetNewest}, h.consumers[0].offsets)

	assert.Equal(t, 1, h.metrics.get("published"))
	assert.Equal(t, 2, h.metrics.get("consumed"))
	assert.Equal(t, 1, h.metrics.get("decode_error"))
}

func TestControlClient_PingNoWorkers(t *testing.T) {
	t.Parallel()

	h := newControlHarness(t, nil, nil)
	workers, err := h.client.Ping(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestControlClient_Snapshot(t *testing.T) {
	t.Parallel()

	h := newControlHarness(t, nil, func(req controlRequest) [][]byte {
		switch req.Method {
		case MethodConf:
			return [][]byte{
				reply(t, req.ID, "celery@w1", map[string]any{
					"task_routes":        map[string]any{"app.*": map[string]string{"queue": "fast"}},
					"task_default_queue": "default",
				}),
				reply(t, req.ID, "celery@w2", "not-a-config"),
			}
		case MethodRegistered:
			return [][]byte{
				reply(t, req.ID, "celery@w1", []string{"app.add", "app.mul"}),
			}
		}
		return nil
	})

	snap, err := h.client.Snapshot(context.Background())
	require.NoError(t, err)

	want := cluster.Snapshot{
		Configs: map[string]cluster.WorkerConfig{
			"celery@w1": {
				TaskRoutes:   map[string]cluster.Route{"app.*": {Queue: "fast"}},
				DefaultQueue: "default",
			},
		},
		Registered: map[string][]string{"celery@w1": {"app.add", "app.mul"}},
	}
	assert.Equal(t, want, snap)

	require.Len(t, h.requests, 2)
	assert.Equal(t, MethodConf, h.requests[0].Method)
	assert.Equal(t, MethodRegistered, h.requests[1].Method)
}

func TestControlClient_SnapshotPublishFailure(t *testing.T) {
	t.Parallel()

	h := newControlHarness(t, errors.New("leader not available"), nil)
	_, err := h.client.Snapshot(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, cluster.ErrUnavailable)
	assert.Equal(t, 1, h.metrics.get("publish_error"))
}

func TestControlClient_EnableEvents(t *testing.T) {
	t.Parallel()

	h := newControlHarness(t, nil, nil)
	require.NoError(t, h.client.EnableEvents(context.Background()))

	require.Len(t, h.requests, 1)
	assert.Equal(t, MethodEnableEvents, h.requests[0].Method)
	assert.Empty(t, h.requests[0].ReplyTo)
	assert.Empty(t, h.consumers, "fire-and-forget broadcasts do not listen for replies")
}

func TestControlClient_PingStopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newControlHarness(t, nil, func(req controlRequest) [][]byte {
		return [][]byte{reply(t, req.ID, "celery@w1", map[string]string{"ok": "pong"})}
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	workers, err := h.client.Ping(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, workers, "replies gathered before cancellation are discarded")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestControlClient_SnapshotNoReplies(t *testing.T) {
	t.Parallel()

	h := newControlHarness(t, nil, nil)
	snap, err := h.client.Snapshot(context.Background())
	require.ErrorIs(t, err, cluster.ErrUnavailable)
	assert.Empty(t, snap.Configs)
	assert.Empty(t, snap.Registered)
	assert.Len(t, h.requests, 2)
}

func TestControlClient_SnapshotCancelled(t *testing.T) {
	t.Parallel()

	h := newControlHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.client.Snapshot(ctx)
	require.ErrorIs(t, err, cluster.ErrUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestControlClient_SilentClusterKeepsRoutingTable(t *testing.T) {
	t.Parallel()

	resolver := routing.NewResolver("celery")
	resolver.Apply(cluster.Snapshot{
		Configs:    map[string]cluster.WorkerConfig{"w1": {DefaultQueue: "Q1"}},
		Registered: map[string][]string{"w1": {"app.add"}},
	})
	require.Equal(t, "Q1", resolver.Resolve("app.add"))

	h := newControlHarness(t, nil, nil)
	err := resolver.Refresh(context.Background(), h.client)
	require.ErrorIs(t, err, cluster.ErrUnavailable)
	assert.Equal(t, "Q1", resolver.Resolve("app.add"))
}

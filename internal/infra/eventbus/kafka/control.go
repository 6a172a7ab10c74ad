package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/celery-exporter/internal/domain/cluster"
	"github.com/ahrav/celery-exporter/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/celery-exporter/pkg/common/logger"
)

// Control methods understood by the workers.
const (
	MethodPing         = "ping"
	MethodConf         = "conf"
	MethodRegistered   = "registered"
	MethodEnableEvents = "enable_events"
)

// controlRequest is broadcast on the control topic to every worker.
type controlRequest struct {
	ID        string         `json:"id"`
	Method    string         `json:"method"`
	ReplyTo   string         `json:"reply_to,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// controlReply is a single worker's answer to a broadcast.
type controlReply struct {
	ID     string          `json:"id"`
	Worker string          `json:"worker"`
	Result json.RawMessage `json:"result,omitempty"`
}

// messageSender is the part of sarama.SyncProducer the control plane uses.
type messageSender interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
}

// replyConsumer is the part of sarama.Consumer used to read replies.
type replyConsumer interface {
	Partitions(topic string) ([]int32, error)
	ConsumePartition(topic string, partition int32, offset int64) (sarama.PartitionConsumer, error)
	Close() error
}

var _ cluster.Inspector = (*ControlClient)(nil)

// ControlClient inspects the worker cluster with broadcast/reply over two
// Kafka topics. A request goes to every worker on the control topic; each
// worker answers once on the reply topic, tagged with the request id.
type ControlClient struct {
	controlTopic string
	replyTopic   string
	replyTimeout time.Duration

	producer    messageSender
	newConsumer func() (replyConsumer, error)

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewControlClient creates a ControlClient sharing client's connections.
func NewControlClient(
	client sarama.Client,
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*ControlClient, error) {
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create control producer: %w", err)
	}

	newConsumer := func() (replyConsumer, error) {
		return sarama.NewConsumerFromClient(client)
	}
	return newControlClient(producer, newConsumer, cfg, logger, metrics, tracer), nil
}

func newControlClient(
	producer messageSender,
	newConsumer func() (replyConsumer, error),
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) *ControlClient {
	timeout := cfg.ReplyTimeout
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	return &ControlClient{
		controlTopic: cfg.ControlTopic,
		replyTopic:   cfg.ReplyTopic,
		replyTimeout: timeout,
		producer:     producer,
		newConsumer:  newConsumer,
		logger: logger.With(
			"component", "kafka_control_client",
			"control_topic", cfg.ControlTopic,
			"reply_topic", cfg.ReplyTopic,
		),
		tracer:  tracer,
		metrics: metricsOrNoop(metrics),
	}
}

// Ping broadcasts a liveness probe and returns the sorted, distinct workers
// that answered within timeout. A ping cut short by ctx fails with ctx.Err().
func (c *ControlClient) Ping(ctx context.Context, timeout time.Duration) ([]string, error) {
	replies, err := c.broadcast(ctx, MethodPing, nil, timeout)
	if err != nil {
		return nil, err
	}

	workers := make([]string, 0, len(replies))
	for w := range replies {
		workers = append(workers, w)
	}
	sort.Strings(workers)
	return workers, nil
}

// Snapshot asks every worker for its routing configuration and registered
// tasks. Workers whose reply cannot be decoded are left out of the snapshot.
// A broadcast that no worker answers is reported as cluster.ErrUnavailable,
// never as an empty snapshot.
func (c *ControlClient) Snapshot(ctx context.Context) (cluster.Snapshot, error) {
	confs, err := c.broadcast(ctx, MethodConf, map[string]any{"with_defaults": false}, c.replyTimeout)
	if err != nil {
		return cluster.Snapshot{}, fmt.Errorf("%w: %w", cluster.ErrUnavailable, err)
	}
	registered, err := c.broadcast(ctx, MethodRegistered, nil, c.replyTimeout)
	if err != nil {
		return cluster.Snapshot{}, fmt.Errorf("%w: %w", cluster.ErrUnavailable, err)
	}
	if len(confs) == 0 && len(registered) == 0 {
		return cluster.Snapshot{}, fmt.Errorf("%w: no worker replied within %s", cluster.ErrUnavailable, c.replyTimeout)
	}

	snap := cluster.Snapshot{
		Configs:    make(map[string]cluster.WorkerConfig, len(confs)),
		Registered: make(map[string][]string, len(registered)),
	}
	for worker, raw := range confs {
		var cfg cluster.WorkerConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			c.logger.Warn(ctx, "Ignoring undecodable worker configuration", "worker", worker, "error", err)
			continue
		}
		snap.Configs[worker] = cfg
	}
	for worker, raw := range registered {
		var names []string
		if err := json.Unmarshal(raw, &names); err != nil {
			c.logger.Warn(ctx, "Ignoring undecodable registered tasks", "worker", worker, "error", err)
			continue
		}
		snap.Registered[worker] = names
	}

	return snap, nil
}

// EnableEvents asks every worker to start emitting task events. No replies
// are awaited.
func (c *ControlClient) EnableEvents(ctx context.Context) error {
	_, err := c.send(ctx, MethodEnableEvents, nil, false)
	return err
}

// broadcast publishes method and gathers replies keyed by worker until
// timeout elapses. The first reply from a worker wins. A cancelled ctx
// discards the partial replies and returns ctx.Err().
func (c *ControlClient) broadcast(
	ctx context.Context,
	method string,
	args map[string]any,
	timeout time.Duration,
) (map[string]json.RawMessage, error) {
	consumer, err := c.newConsumer()
	if err != nil {
		return nil, fmt.Errorf("failed to create reply consumer: %w", err)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			c.logger.Warn(ctx, "Failed to close reply consumer", "error", err)
		}
	}()

	// Listen before sending so that no reply can slip past.
	msgs, stop, err := c.listen(consumer)
	if err != nil {
		return nil, err
	}
	defer stop()

	id, err := c.send(ctx, method, args, true)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	replies := make(map[string]json.RawMessage)
	for {
		select {
		case msg := <-msgs:
			var reply controlReply
			if err := json.Unmarshal(msg.Value, &reply); err != nil {
				c.metrics.IncDecodeError(ctx, c.replyTopic)
				c.logger.Debug(ctx, "Ignoring undecodable reply", "error", err)
				continue
			}
			if reply.ID != id || reply.Worker == "" {
				continue
			}
			if _, seen := replies[reply.Worker]; !seen {
				replies[reply.Worker] = reply.Result
				c.metrics.IncMessageConsumed(ctx, c.replyTopic)
			}
		case <-timer.C:
			return replies, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// listen opens every partition of the reply topic at its newest offset and
// fans their messages into a single channel. stop closes the partitions and
// waits for the fan-in to finish.
func (c *ControlClient) listen(consumer replyConsumer) (<-chan *sarama.ConsumerMessage, func(), error) {
	partitions, err := consumer.Partitions(c.replyTopic)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list reply partitions: %w", err)
	}

	var (
		wg   sync.WaitGroup
		pcs  []sarama.PartitionConsumer
		out  = make(chan *sarama.ConsumerMessage)
		done = make(chan struct{})
	)
	stop := func() {
		close(done)
		for _, pc := range pcs {
			pc.AsyncClose()
		}
		wg.Wait()
	}

	for _, p := range partitions {
		pc, err := consumer.ConsumePartition(c.replyTopic, p, sarama.OffsetNewest)
		if err != nil {
			stop()
			return nil, nil, fmt.Errorf("failed to consume reply partition %d: %w", p, err)
		}
		pcs = append(pcs, pc)

		wg.Add(1)
		go func(pc sarama.PartitionConsumer) {
			defer wg.Done()
			for {
				select {
				case msg, ok := <-pc.Messages():
					if !ok {
						return
					}
					select {
					case out <- msg:
					case <-done:
						return
					}
				case <-done:
					return
				}
			}
		}(pc)
	}

	return out, stop, nil
}

// send publishes a request for method and returns its id.
func (c *ControlClient) send(ctx context.Context, method string, args map[string]any, wantReply bool) (string, error) {
	id := uuid.NewString()
	ctx, span := tracing.StartBroadcastSpan(ctx, c.controlTopic, method, id, c.tracer)
	defer span.End()

	req := controlRequest{ID: id, Method: method, Arguments: args}
	if wantReply {
		req.ReplyTo = c.replyTopic
	}
	value, err := json.Marshal(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode request")
		return "", fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: c.controlTopic,
		Key:   sarama.StringEncoder(method),
		Value: sarama.ByteEncoder(value),
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := c.producer.SendMessage(msg)
	if err != nil {
		c.metrics.IncPublishError(ctx, c.controlTopic)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish request")
		return "", fmt.Errorf("failed to publish %s request: %w", method, err)
	}
	c.metrics.IncMessagePublished(ctx, c.controlTopic)
	span.SetAttributes(
		attribute.Int64("partition", int64(partition)),
		attribute.Int64("offset", offset),
	)

	return id, nil
}

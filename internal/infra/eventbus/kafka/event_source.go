package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/celery-exporter/internal/domain/task"
	"github.com/ahrav/celery-exporter/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/celery-exporter/internal/infra/eventbus/serialization"
	"github.com/ahrav/celery-exporter/pkg/common/logger"
	"github.com/ahrav/celery-exporter/pkg/common/timeutil"
)

// ErrStreamClosed is returned by Consume when the consumer group was closed
// underneath an active session.
var ErrStreamClosed = errors.New("kafka event stream closed")

// commitInterval bounds how often marked offsets are committed.
const commitInterval = time.Second

var _ task.EventSource = (*EventSource)(nil)

// EventSource reads task events from Kafka through a consumer group. Every
// Consume call is one connection: it joins the group, runs sessions until an
// error or cancellation, and leaves the group again.
type EventSource struct {
	topics   []string
	groupID  string
	newGroup func() (sarama.ConsumerGroup, error)

	timeProvider timeutil.Provider

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventSource creates an EventSource that joins cfg.GroupID on client.
func NewEventSource(
	client sarama.Client,
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) *EventSource {
	return newEventSource(
		func() (sarama.ConsumerGroup, error) {
			return sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
		},
		cfg, logger, metrics, tracer,
	)
}

func newEventSource(
	newGroup func() (sarama.ConsumerGroup, error),
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) *EventSource {
	return &EventSource{
		topics:       cfg.Topics,
		groupID:      cfg.GroupID,
		newGroup:     newGroup,
		timeProvider: timeutil.Default(),
		logger: logger.With(
			"component", "kafka_event_source",
			"client_id", cfg.ClientID,
			"group_id", cfg.GroupID,
		),
		tracer:  tracer,
		metrics: metricsOrNoop(metrics),
	}
}

// Consume delivers decoded events to handle until the group fails or ctx is
// cancelled. Cancellation returns nil.
func (s *EventSource) Consume(ctx context.Context, handle task.EventHandler) error {
	ctx, span := s.tracer.Start(ctx, "kafka_event_source.consume",
		trace.WithAttributes(
			attribute.StringSlice("topics", s.topics),
			attribute.String("group_id", s.groupID),
		))
	defer span.End()

	group, err := s.newGroup()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create consumer group")
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	defer func() {
		if err := group.Close(); err != nil {
			s.logger.Warn(ctx, "Failed to close consumer group", "error", err)
		}
	}()

	go s.drainErrors(ctx, group.Errors())

	handler := &eventHandler{
		handle:       handle,
		timeProvider: s.timeProvider,
		logger:       s.logger,
		tracer:       s.tracer,
		metrics:      s.metrics,
	}

	s.logger.Info(ctx, "Consuming task events", "topics", s.topics)
	for {
		// Consume returns at the end of every session, e.g. on rebalance.
		if err := group.Consume(ctx, s.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				err = ErrStreamClosed
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "consumer group session failed")
			return fmt.Errorf("consumer group session failed: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// drainErrors logs the group's asynchronous errors. They do not end the
// stream; a failure that matters surfaces from Consume itself.
func (s *EventSource) drainErrors(ctx context.Context, errs <-chan error) {
	for err := range errs {
		s.metrics.IncConsumeError(ctx, "")
		s.logger.Warn(ctx, "Error from consumer group", "error", err)
	}
}

// eventHandler implements sarama.ConsumerGroupHandler, decoding messages into
// task events and passing them to the aggregator one at a time.
type eventHandler struct {
	handle       task.EventHandler
	timeProvider timeutil.Provider

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *eventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *eventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes messages from an assigned partition. Undecodable
// messages are counted and skipped; their offsets are still marked.
func (h *eventHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	consumeLogger := h.logger.With("operation", "consume_claim", "partition", claim.Partition())
	consumeLogger.Info(sess.Context(), "Starting to consume from partition", "member_id", sess.MemberID())

	lastCommit := h.timeProvider.Now()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				sess.Commit()
				return nil
			}
			h.process(sess.Context(), consumeLogger, msg)
			sess.MarkMessage(msg, "")

			if now := h.timeProvider.Now(); now.Sub(lastCommit) >= commitInterval {
				sess.Commit()
				lastCommit = now
			}

		case <-sess.Context().Done():
			sess.Commit()
			return nil
		}
	}
}

func (h *eventHandler) process(ctx context.Context, log *logger.Logger, msg *sarama.ConsumerMessage) {
	msgCtx := tracing.ExtractTraceContext(ctx, msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	evt, err := serialization.DecodeEvent(msg.Value, h.timeProvider.Now())
	if err != nil {
		h.metrics.IncDecodeError(msgCtx, msg.Topic)
		log.Warn(msgCtx, "Skipping undecodable event",
			"topic", msg.Topic,
			"offset", msg.Offset,
			"error", err,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode event")
		return
	}

	span.SetAttributes(attribute.String("event.type", evt.EventType()))
	h.handle(msgCtx, evt)
	h.metrics.IncMessageConsumed(msgCtx, msg.Topic)
}

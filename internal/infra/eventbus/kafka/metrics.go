package kafka

import "context"

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
// It enables tracking of successful and failed message publishing/consumption.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
	IncDecodeError(ctx context.Context, topic string)
}

type noopMetrics struct{}

func (noopMetrics) IncMessagePublished(context.Context, string) {}
func (noopMetrics) IncMessageConsumed(context.Context, string)  {}
func (noopMetrics) IncPublishError(context.Context, string)     {}
func (noopMetrics) IncConsumeError(context.Context, string)     {}
func (noopMetrics) IncDecodeError(context.Context, string)      {}

func metricsOrNoop(m EventBusMetrics) EventBusMetrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}

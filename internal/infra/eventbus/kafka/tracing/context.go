package tracing

import (
	"context"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
)

// InjectTraceContext writes the span context of ctx into the headers of an
// outgoing control request.
func InjectTraceContext(ctx context.Context, msg *sarama.ProducerMessage) {
	carrier := &MessageCarrier{Headers: msg.Headers}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	msg.Headers = carrier.Headers
}

// ExtractTraceContext returns ctx extended with any span context found in
// the headers of msg, so worker-side spans become parents of ours.
func ExtractTraceContext(ctx context.Context, msg *sarama.ConsumerMessage) context.Context {
	headers := make([]sarama.RecordHeader, 0, len(msg.Headers))
	for _, h := range msg.Headers {
		if h != nil {
			headers = append(headers, *h)
		}
	}
	return otel.GetTextMapPropagator().Extract(ctx, &MessageCarrier{Headers: headers})
}

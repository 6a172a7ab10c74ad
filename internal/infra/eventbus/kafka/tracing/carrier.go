package tracing

import (
	"github.com/IBM/sarama"
)

// MessageCarrier implements propagation.TextMapCarrier over Kafka record
// headers.
type MessageCarrier struct {
	Headers []sarama.RecordHeader
}

// Get returns the value of the first header named key.
func (mc *MessageCarrier) Get(key string) string {
	for _, h := range mc.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set replaces any header named key with value.
func (mc *MessageCarrier) Set(key, value string) {
	for i, h := range mc.Headers {
		if string(h.Key) == key {
			mc.Headers[i].Value = []byte(value)
			return
		}
	}
	mc.Headers = append(mc.Headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

// Keys lists the header names.
func (mc *MessageCarrier) Keys() []string {
	out := make([]string, len(mc.Headers))
	for i, h := range mc.Headers {
		out[i] = string(h.Key)
	}
	return out
}

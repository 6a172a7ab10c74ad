package kafka

import (
	"context"
	"sync"

	"github.com/IBM/sarama"
)

// countingMetrics records EventBusMetrics calls by kind.
type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: make(map[string]int)}
}

func (m *countingMetrics) inc(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[kind]++
}

func (m *countingMetrics) get(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[kind]
}

func (m *countingMetrics) IncMessagePublished(context.Context, string) { m.inc("published") }
func (m *countingMetrics) IncMessageConsumed(context.Context, string)  { m.inc("consumed") }
func (m *countingMetrics) IncPublishError(context.Context, string)     { m.inc("publish_error") }
func (m *countingMetrics) IncConsumeError(context.Context, string)     { m.inc("consume_error") }
func (m *countingMetrics) IncDecodeError(context.Context, string)      { m.inc("decode_error") }

type mockProducer struct {
	sendFn func(msg *sarama.ProducerMessage) (int32, int64, error)
}

func (m *mockProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	return m.sendFn(msg)
}

// fakePartitionConsumer is a sarama.PartitionConsumer backed by a buffered channel.
type fakePartitionConsumer struct {
	msgs      chan *sarama.ConsumerMessage
	errs      chan *sarama.ConsumerError
	closeOnce sync.Once
}

func newFakePartitionConsumer() *fakePartitionConsumer {
	return &fakePartitionConsumer{
		msgs: make(chan *sarama.ConsumerMessage, 16),
		errs: make(chan *sarama.ConsumerError),
	}
}

func (pc *fakePartitionConsumer) AsyncClose() {
	pc.closeOnce.Do(func() {
		close(pc.msgs)
		close(pc.errs)
	})
}

func (pc *fakePartitionConsumer) Close() error {
	pc.AsyncClose()
	return nil
}

func (pc *fakePartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return pc.msgs }
func (pc *fakePartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return pc.errs }
func (pc *fakePartitionConsumer) HighWaterMarkOffset() int64               { return 0 }
func (pc *fakePartitionConsumer) Pause()                                   {}
func (pc *fakePartitionConsumer) Resume()                                  {}
func (pc *fakePartitionConsumer) IsPaused() bool                           { return false }

// fakeReplyConsumer hands out one fakePartitionConsumer per partition.
type fakeReplyConsumer struct {
	mu         sync.Mutex
	partitions map[int32]*fakePartitionConsumer
	offsets    []int64
	closed     bool
}

func newFakeReplyConsumer(n int) *fakeReplyConsumer {
	c := &fakeReplyConsumer{partitions: make(map[int32]*fakePartitionConsumer, n)}
	for i := 0; i < n; i++ {
		c.partitions[int32(i)] = newFakePartitionConsumer()
	}
	return c
}

func (c *fakeReplyConsumer) Partitions(string) ([]int32, error) {
	ps := make([]int32, 0, len(c.partitions))
	for i := 0; i < len(c.partitions); i++ {
		ps = append(ps, int32(i))
	}
	return ps, nil
}

func (c *fakeReplyConsumer) ConsumePartition(_ string, partition int32, offset int64) (sarama.PartitionConsumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsets = append(c.offsets, offset)
	return c.partitions[partition], nil
}

func (c *fakeReplyConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeReplyConsumer) yield(partition int32, value []byte) {
	c.partitions[partition].msgs <- &sarama.ConsumerMessage{Partition: partition, Value: value}
}

// fakeSession is a sarama.ConsumerGroupSession that records marks and commits.
type fakeSession struct {
	ctx     context.Context
	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string           { return "member-1" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }

func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "celery.events" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

// mockConsumerGroup is a sarama.ConsumerGroup whose Consume is a function field.
type mockConsumerGroup struct {
	consumeFn func(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error
	errs      chan error
	closed    bool
}

func newMockConsumerGroup(fn func(context.Context, []string, sarama.ConsumerGroupHandler) error) *mockConsumerGroup {
	return &mockConsumerGroup{consumeFn: fn, errs: make(chan error, 1)}
}

func (g *mockConsumerGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	return g.consumeFn(ctx, topics, handler)
}

func (g *mockConsumerGroup) Errors() <-chan error { return g.errs }

func (g *mockConsumerGroup) Close() error {
	if !g.closed {
		g.closed = true
		close(g.errs)
	}
	return nil
}

func (g *mockConsumerGroup) Pause(map[string][]int32)  {}
func (g *mockConsumerGroup) Resume(map[string][]int32) {}
func (g *mockConsumerGroup) PauseAll()                 {}
func (g *mockConsumerGroup) ResumeAll()                {}

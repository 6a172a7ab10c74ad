// Package memory provides an in-memory implementation of the task event feed.
// It offers a lightweight, non-persistent broker suitable for testing and
// development environments where no message broker is available.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/ahrav/celery-exporter/internal/domain/task"
)

// ErrDisconnected is returned by Consume when the broker drops its consumers.
var ErrDisconnected = errors.New("memory broker disconnected")

var _ task.EventSource = (*Broker)(nil)

type handlerSet[T any] map[uint64]func(context.Context, T)

// Broker fans published events out to every active consumer. It satisfies
// task.EventSource so it can stand in for a real transport.
type Broker struct {
	mu     sync.RWMutex
	nextID uint64

	eventHandlers handlerSet[task.Event]
	// drop is closed by Disconnect to end every active Consume call.
	drop    chan struct{}
	dropErr error
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		eventHandlers: make(handlerSet[task.Event]),
		drop:          make(chan struct{}),
	}
}

// subscribe registers handler and returns a function removing it again.
func subscribe[T any](mu *sync.RWMutex, nextID *uint64, handlers handlerSet[T], handler func(context.Context, T)) func() {
	mu.Lock()
	id := *nextID
	*nextID++
	handlers[id] = handler
	mu.Unlock()

	return func() {
		mu.Lock()
		defer mu.Unlock()
		delete(handlers, id)
	}
}

// publish delivers msg to a snapshot of the current handlers.
func publish[T any](ctx context.Context, mu *sync.RWMutex, handlers handlerSet[T], msg T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mu.RLock()
	// Copy the handlers so none of them runs under the lock.
	handlersCopy := make([]func(context.Context, T), 0, len(handlers))
	for _, h := range handlers {
		handlersCopy = append(handlersCopy, h)
	}
	mu.RUnlock()

	for _, handler := range handlersCopy {
		if err := ctx.Err(); err != nil {
			return err
		}
		handler(ctx, msg)
	}
	return nil
}

// Publish delivers evt to every active consumer.
func (b *Broker) Publish(ctx context.Context, evt task.Event) error {
	return publish(ctx, &b.mu, b.eventHandlers, evt)
}

// PublishAll publishes events in order, stopping at the first error.
func (b *Broker) PublishAll(ctx context.Context, events []task.Event) error {
	for _, evt := range events {
		if err := b.Publish(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// Consume registers handle and blocks until ctx is cancelled or Disconnect is
// called.
func (b *Broker) Consume(ctx context.Context, handle task.EventHandler) error {
	if handle == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.RLock()
	drop := b.drop
	b.mu.RUnlock()

	unsubscribe := subscribe(&b.mu, &b.nextID, b.eventHandlers, func(ctx context.Context, evt task.Event) {
		handle(ctx, evt)
	})
	defer unsubscribe()

	select {
	case <-ctx.Done():
		return nil
	case <-drop:
		b.mu.RLock()
		defer b.mu.RUnlock()
		return b.dropErr
	}
}

// Subscribers returns the number of active consumers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.eventHandlers)
}

// Disconnect ends every active Consume call with err, or ErrDisconnected
// when err is nil. Later Consume calls are unaffected.
func (b *Broker) Disconnect(err error) {
	if err == nil {
		err = ErrDisconnected
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropErr = err
	close(b.drop)
	b.drop = make(chan struct{})
}

// Package memory provides the in-memory, capacity-bounded task state store.
package memory

import (
	"sync"

	"github.com/ahrav/celery-exporter/internal/domain/task"
)

// Ensure Store implements the task.StateStore interface.
var _ task.StateStore = (*Store)(nil)

// node is an entry in the recency list. The list is intrusive so that a
// touch, insert or eviction never allocates beyond the node itself.
type node struct {
	rec        task.Record
	prev, next *node
}

// Store is a least-recently-used map from task id to task.Record.
// It never holds more than its capacity; inserting a new id into a full
// store evicts the record that was touched least recently.
type Store struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*node // Keyed by task ID
	// root is a sentinel: root.next is the most recently used node and
	// root.prev the least recently used.
	root node

	onEvict func(task.Record)
}

// Option allows for functional configuration of a Store.
type Option func(*Store)

// WithOnEvict registers a callback invoked with every record dropped to make
// room for a new one. It runs after the store lock is released.
func WithOnEvict(fn func(task.Record)) Option {
	return func(s *Store) {
		s.onEvict = fn
	}
}

// New creates a Store holding at most capacity records. Capacities below one
// are clamped to one.
func New(capacity int, opts ...Option) *Store {
	if capacity < 1 {
		capacity = 1
	}
	s := &Store{
		capacity: capacity,
		items:    make(map[string]*node, min(capacity, 1024)),
	}
	s.root.next = &s.root
	s.root.prev = &s.root

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a copy of the record for id and marks it most recently used.
func (s *Store) Get(id string) (task.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.items[id]
	if !ok {
		return task.Record{}, false
	}
	s.moveToFront(n)
	return n.rec, true
}

// Upsert applies mutate to the record for id while holding the lock. A record
// seen for the first time starts as the zero Record with only ID set, which
// lets mutate tell a first sighting apart by its StateUnknown state.
func (s *Store) Upsert(id string, mutate func(*task.Record)) task.Record {
	var (
		evicted    task.Record
		hasEvicted bool
	)

	s.mu.Lock()
	n, ok := s.items[id]
	if ok {
		s.moveToFront(n)
	} else {
		if len(s.items) >= s.capacity {
			evicted, hasEvicted = s.evictOldest()
		}
		n = &node{rec: task.Record{ID: id}}
		s.items[id] = n
		s.pushFront(n)
	}
	if mutate != nil {
		mutate(&n.rec)
		n.rec.ID = id
	}
	rec := n.rec
	s.mu.Unlock()

	if hasEvicted && s.onEvict != nil {
		s.onEvict(evicted)
	}
	return rec
}

// Remove deletes the record for id and returns it.
func (s *Store) Remove(id string) (task.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.items[id]
	if !ok {
		return task.Record{}, false
	}
	s.unlink(n)
	delete(s.items, id)
	return n.rec, true
}

// Len returns the number of records currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Capacity returns the maximum number of records the store holds.
func (s *Store) Capacity() int { return s.capacity }

// evictOldest drops the least recently used record. Callers hold s.mu.
func (s *Store) evictOldest() (task.Record, bool) {
	oldest := s.root.prev
	if oldest == &s.root {
		return task.Record{}, false
	}
	s.unlink(oldest)
	delete(s.items, oldest.rec.ID)
	return oldest.rec, true
}

func (s *Store) pushFront(n *node) {
	n.prev = &s.root
	n.next = s.root.next
	s.root.next.prev = n
	s.root.next = n
}

func (s *Store) unlink(n *node) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev, n.next = nil, nil
}

func (s *Store) moveToFront(n *node) {
	if s.root.next == n {
		return
	}
	s.unlink(n)
	s.pushFront(n)
}

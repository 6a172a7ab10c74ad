package monitoring

import (
	"context"
	"maps"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ahrav/celery-exporter/internal/domain/cluster"
	"github.com/ahrav/celery-exporter/internal/domain/task"
)

type taskKey struct {
	name  string
	state task.State
	queue string
}

// fakeSink records every call so tests can assert on exact observations.
type fakeSink struct {
	mu        sync.Mutex
	tasks     map[taskKey]int
	runtimes  map[string][]float64
	latencies []float64
	workers   int
	ensured   []map[string]string
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		tasks:    make(map[taskKey]int),
		runtimes: make(map[string][]float64),
	}
}

func (s *fakeSink) IncTask(name string, state task.State, queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskKey{name, state, queue}]++
}

func (s *fakeSink) ObserveRuntime(name string, seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtimes[name] = append(s.runtimes[name], seconds)
}

func (s *fakeSink) ObserveLatency(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies = append(s.latencies, seconds)
}

func (s *fakeSink) SetWorkers(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = n
}

func (s *fakeSink) EnsureSeries(entries map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured = append(s.ensured, maps.Clone(entries))
}

func (s *fakeSink) count(name string, state task.State, queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[taskKey{name, state, queue}]
}

func (s *fakeSink) totalTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.tasks {
		total += n
	}
	return total
}

func (s *fakeSink) workerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers
}

func (s *fakeSink) ensureCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ensured)
}

type mockSnapshotProvider struct {
	snapshotFn func(ctx context.Context) (cluster.Snapshot, error)
}

func (m *mockSnapshotProvider) Snapshot(ctx context.Context) (cluster.Snapshot, error) {
	return m.snapshotFn(ctx)
}

type mockProber struct {
	mu     sync.Mutex
	calls  int
	pingFn func(ctx context.Context, timeout time.Duration) ([]string, error)
}

func (m *mockProber) Ping(ctx context.Context, timeout time.Duration) ([]string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.pingFn(ctx, timeout)
}

func (m *mockProber) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockEnabler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockEnabler) EnableEvents(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

func (m *mockEnabler) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockSource struct {
	mu        sync.Mutex
	calls     int
	consumeFn func(ctx context.Context, handle task.EventHandler) error
}

func (m *mockSource) Consume(ctx context.Context, handle task.EventHandler) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.consumeFn(ctx, handle)
}

func (m *mockSource) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type countingInitializer struct {
	mu    sync.Mutex
	calls int
}

func (c *countingInitializer) Initialize(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
}

func (c *countingInitializer) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func scrape(t *testing.T, h interface{ Handler() http.Handler }) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

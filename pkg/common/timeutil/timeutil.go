// Package timeutil abstracts the wall clock so components that stamp or
// compare times can be tested deterministically.
package timeutil

import (
	"sync"
	"time"
)

// Provider returns the current time.
type Provider interface {
	Now() time.Time
}

type realProvider struct{}

func (realProvider) Now() time.Time { return time.Now() }

// Default returns a Provider backed by time.Now.
func Default() Provider { return realProvider{} }

// Mock is a fixed-time Provider for tests.
type Mock struct {
	mu          sync.RWMutex
	CurrentTime time.Time
}

// NewMock returns a Mock pinned at t.
func NewMock(t time.Time) *Mock { return &Mock{CurrentTime: t} }

// Now returns the pinned time.
func (m *Mock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CurrentTime
}

// Advance moves the pinned time forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CurrentTime = m.CurrentTime.Add(d)
}

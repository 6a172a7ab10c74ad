// Package cluster describes what the exporter can learn about the worker
// cluster outside the event feed: each worker's routing configuration, the
// tasks it has registered, and which workers answer a liveness probe.
package cluster

import (
	"context"
	"errors"
	"time"
)

// DefaultQueue is the queue tasks go to when neither routes nor the worker's
// own configuration name one.
const DefaultQueue = "celery"

// ErrUnavailable is returned when the cluster configuration cannot be fetched.
var ErrUnavailable = errors.New("cluster configuration unavailable")

// Route is the destination a routing pattern maps to. An empty Queue means the
// route exists but names no queue, so matching continues.
type Route struct {
	Queue string `json:"queue,omitempty" yaml:"queue,omitempty"`
}

// WorkerConfig is the routing-relevant configuration reported by one worker.
type WorkerConfig struct {
	// TaskRoutes maps a task name or hierarchical wildcard pattern to a route.
	TaskRoutes map[string]Route `json:"task_routes,omitempty" yaml:"task_routes,omitempty"`
	// DefaultQueue is the worker's task_default_queue; empty when unset.
	DefaultQueue string `json:"task_default_queue,omitempty" yaml:"task_default_queue,omitempty"`
}

// Snapshot is a point-in-time view of cluster configuration.
type Snapshot struct {
	// Configs maps worker identity to its configuration.
	Configs map[string]WorkerConfig
	// Registered maps worker identity to the task names it can execute.
	Registered map[string][]string
}

// Empty reports whether the snapshot carries no worker configuration.
func (s Snapshot) Empty() bool { return len(s.Configs) == 0 && len(s.Registered) == 0 }

// SnapshotProvider fetches the current cluster configuration.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// LivenessProber broadcasts a bounded-timeout liveness probe and returns the
// identities of the workers that answered.
type LivenessProber interface {
	Ping(ctx context.Context, timeout time.Duration) ([]string, error)
}

// EventsEnabler asks every worker to start emitting task events.
type EventsEnabler interface {
	EnableEvents(ctx context.Context) error
}

// Inspector is the full control-plane surface of a live cluster.
type Inspector interface {
	SnapshotProvider
	LivenessProber
	EventsEnabler
}

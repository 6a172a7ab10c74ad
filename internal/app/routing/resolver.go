// Package routing resolves task names to the queue they are published to.
//
// The mapping comes from two places. The configured table is built from a
// cluster.Snapshot by matching every registered task against each worker's
// task_routes, and is replaced wholesale on every refresh. Observed routes are
// learned from events that carry an explicit queue and take precedence over
// the configured table.
package routing

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/ahrav/celery-exporter/internal/domain/cluster"
	"github.com/ahrav/celery-exporter/internal/domain/task"
)

// Table maps a task name to its queue.
type Table map[string]string

// Resolver answers name → queue lookups. It is safe for concurrent use: the
// ingestion loop resolves while the initializer refreshes.
type Resolver struct {
	defaultQueue string

	mu       sync.RWMutex
	table    Table
	observed Table
}

// NewResolver creates a Resolver with an empty table. defaultQueue is the
// final fallback when a worker names no default queue of its own; an empty
// value selects cluster.DefaultQueue.
func NewResolver(defaultQueue string) *Resolver {
	if defaultQueue == "" {
		defaultQueue = cluster.DefaultQueue
	}
	return &Resolver{
		defaultQueue: defaultQueue,
		table:        make(Table),
		observed:     make(Table),
	}
}

// Resolve returns the queue for name, or task.Unresolved when nothing is
// known about it.
func (r *Resolver) Resolve(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if q, ok := r.observed[name]; ok {
		return q
	}
	if q, ok := r.table[name]; ok {
		return q
	}
	return task.Unresolved
}

// Observe records that name was seen on queue. Empty values are ignored.
func (r *Resolver) Observe(name, queue string) {
	if name == "" || queue == "" || name == task.Unresolved {
		return
	}

	r.mu.RLock()
	known := r.observed[name] == queue
	r.mu.RUnlock()
	if known {
		return
	}

	r.mu.Lock()
	r.observed[name] = queue
	r.mu.Unlock()
}

// Refresh fetches a snapshot from provider and swaps in the table built from
// it. On error the previous table stays in effect.
func (r *Resolver) Refresh(ctx context.Context, provider cluster.SnapshotProvider) error {
	snap, err := provider.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch cluster snapshot: %w", err)
	}
	r.Apply(snap)
	return nil
}

// Apply replaces the configured table with one built from snap.
func (r *Resolver) Apply(snap cluster.Snapshot) {
	tbl := BuildTable(snap, r.defaultQueue)

	r.mu.Lock()
	r.table = tbl
	r.mu.Unlock()
}

// Entries returns a copy of the effective table: configured routes overlaid
// with observed ones.
func (r *Resolver) Entries() Table {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(Table, len(r.table)+len(r.observed))
	maps.Copy(out, r.table)
	maps.Copy(out, r.observed)
	return out
}

// BuildTable computes the name → queue table for snap. Workers are visited in
// sorted order and the first worker that yields a queue for a task wins.
func BuildTable(snap cluster.Snapshot, defaultQueue string) Table {
	if defaultQueue == "" {
		defaultQueue = cluster.DefaultQueue
	}

	names := make(map[string]struct{})
	for _, registered := range snap.Registered {
		for _, n := range registered {
			if n != "" {
				names[n] = struct{}{}
			}
		}
	}

	workers := slices.Sorted(maps.Keys(snap.Configs))
	tbl := make(Table, len(names))
	for _, name := range slices.Sorted(maps.Keys(names)) {
		for _, w := range workers {
			if q := queueFor(name, snap.Configs[w], defaultQueue); q != "" {
				tbl[name] = q
				break
			}
		}
	}
	return tbl
}

// queueFor applies one worker's routes to name.
func queueFor(name string, cfg cluster.WorkerConfig, defaultQueue string) string {
	for _, pattern := range Wildcards(name) {
		if route, ok := cfg.TaskRoutes[pattern]; ok && route.Queue != "" {
			return route.Queue
		}
	}
	if cfg.DefaultQueue != "" {
		return cfg.DefaultQueue
	}
	return defaultQueue
}

// Wildcards returns the route patterns that can match name, most specific
// first: "a.b.c" yields "a.b.c", "a.b.*", "a.*" and "*".
func Wildcards(name string) []string {
	parts := strings.Split(name, ".")
	out := make([]string, 0, len(parts)+1)
	out = append(out, name)
	for i := len(parts) - 1; i > 0; i-- {
		out = append(out, strings.Join(parts[:i], ".")+".*")
	}
	return append(out, "*")
}

// Package task provides the domain model for tracking task-queue tasks through
// their lifecycle: the states a task moves through, the events that move it,
// and the in-flight record kept for each task between events.
package task

import "time"

// Unresolved is the placeholder label used when a task's name or queue cannot
// be determined. Metrics are still emitted under it.
const Unresolved = "undefined"

// Record is the in-flight state tracked for a single task id between its
// first non-terminal event and its terminal event (or eviction).
type Record struct {
	// ID is the producer-assigned task identifier.
	ID string
	// Name is the task type name. Empty until an event carrying it arrives.
	Name string
	// State is the most recent lifecycle state observed for the task.
	State State
	// ClientHostname is the host that published the task; only set by task-sent.
	ClientHostname string
	// LocalReceived is when the exporter ingested the latest event for the task.
	LocalReceived time.Time
	// Clock is the producer's logical clock from the latest event. Advisory only.
	Clock int64
}

// ResolvedName returns the record's name or Unresolved when it is not known.
func (r Record) ResolvedName() string {
	if r.Name == "" {
		return Unresolved
	}
	return r.Name
}

// StateStore is a bounded, concurrency-safe map from task id to Record.
// Every method is atomic with respect to the others.
type StateStore interface {
	// Get returns a copy of the record for id.
	Get(id string) (Record, bool)
	// Upsert applies mutate to the record for id, creating a zero record with
	// ID set when absent, and returns a copy of the result. mutate runs while
	// the store is locked and must not block.
	Upsert(id string, mutate func(*Record)) Record
	// Remove deletes and returns the record for id.
	Remove(id string) (Record, bool)
}

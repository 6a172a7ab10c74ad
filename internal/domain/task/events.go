package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// GroupTask is the only event group the exporter aggregates.
const GroupTask = "task"

// Event is one item decoded from the cluster's event feed. The set of
// implementations is closed: TaskEvent for recognised task transitions and
// IgnoredEvent for everything else.
type Event interface {
	// EventType returns the raw "<group>-<subject>" type of the event.
	EventType() string
	isEvent()
}

// TaskEvent is a lifecycle transition for a single task.
type TaskEvent struct {
	Subject  Subject
	ID       string
	Name     string
	Queue    string
	Hostname string
	// Timestamp is the producer's clock when the event was emitted.
	Timestamp time.Time
	// LocalReceived is when the exporter (or its transport) received the event.
	LocalReceived time.Time
	Clock         int64
	// Runtime is the execution time reported by succeeded/failed events.
	// HasRuntime distinguishes an absent runtime from a zero one.
	Runtime    time.Duration
	HasRuntime bool
}

// EventType satisfies Event.
func (e TaskEvent) EventType() string { return GroupTask + "-" + string(e.Subject) }

// State returns the lifecycle state the event moves its task into.
func (e TaskEvent) State() State {
	st, _ := e.Subject.State()
	return st
}

func (TaskEvent) isEvent() {}

// IgnoredEvent is any event the aggregator does not act on: other groups
// (worker heartbeats, etc.) and unrecognised task subjects.
type IgnoredEvent struct {
	Type string
}

// EventType satisfies Event.
func (e IgnoredEvent) EventType() string { return e.Type }

func (IgnoredEvent) isEvent() {}

// SplitType splits an event type of the form "<group>-<subject>" at the first
// dash. A type without a dash yields the whole string as the group.
func SplitType(typ string) (group, subject string) {
	group, subject, _ = strings.Cut(typ, "-")
	return group, subject
}

// ErrUnknownGroup is returned by ParseType for event types outside the task
// group or with a subject the exporter does not recognise.
var ErrUnknownGroup = errors.New("event is not a recognised task transition")

// ParseType maps a raw event type onto a task subject.
func ParseType(typ string) (Subject, error) {
	group, subject := SplitType(typ)
	if group != GroupTask {
		return "", fmt.Errorf("%w: group %q", ErrUnknownGroup, group)
	}
	s := Subject(subject)
	if _, ok := s.State(); !ok {
		return "", fmt.Errorf("%w: subject %q", ErrUnknownGroup, subject)
	}
	return s, nil
}

// EventHandler processes one decoded event. It must not block for long: it
// runs on the ingestion path, one event at a time.
type EventHandler func(ctx context.Context, evt Event)

// EventSource delivers events from the cluster's event feed. Consume blocks
// until the stream fails, ends, or ctx is cancelled. A nil return outside of
// cancellation means the stream closed cleanly and may be reopened.
type EventSource interface {
	Consume(ctx context.Context, handle EventHandler) error
}

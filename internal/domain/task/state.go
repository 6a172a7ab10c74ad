package task

// State represents the lifecycle state of a task as last observed through the
// event feed.
type State string

const (
	// StateUnknown is the zero value: no event has been seen for the task yet.
	StateUnknown State = ""

	// StatePending indicates the client published the task (task-sent).
	StatePending State = "PENDING"

	// StateReceived indicates a worker took the task off its queue.
	StateReceived State = "RECEIVED"

	// StateStarted indicates a worker began executing the task.
	StateStarted State = "STARTED"

	// StateSuccess indicates the task finished without error.
	StateSuccess State = "SUCCESS"

	// StateFailure indicates the task raised an error.
	StateFailure State = "FAILURE"

	// StateRetry indicates the task will be retried.
	StateRetry State = "RETRY"

	// StateRevoked indicates the task was cancelled before or during execution.
	StateRevoked State = "REVOKED"

	// StateRejected indicates a worker refused the task.
	StateRejected State = "REJECTED"
)

// AllStates lists every known lifecycle state in a stable order. It is used to
// pre-create zero-valued series for each task.
var AllStates = []State{
	StatePending,
	StateReceived,
	StateStarted,
	StateSuccess,
	StateFailure,
	StateRetry,
	StateRevoked,
	StateRejected,
}

// String returns the string representation of the State.
func (s State) String() string { return string(s) }

// IsTerminal reports whether no further events are expected for a task in
// this state.
func (s State) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked, StateRejected:
		return true
	default:
		return false
	}
}

// Subject is the transition named by the second half of an event type
// ("task-<subject>").
type Subject string

// Subjects emitted for the task group.
const (
	SubjectSent      Subject = "sent"
	SubjectReceived  Subject = "received"
	SubjectStarted   Subject = "started"
	SubjectSucceeded Subject = "succeeded"
	SubjectFailed    Subject = "failed"
	SubjectRetried   Subject = "retried"
	SubjectRevoked   Subject = "revoked"
	SubjectRejected  Subject = "rejected"
)

var subjectStates = map[Subject]State{
	SubjectSent:      StatePending,
	SubjectReceived:  StateReceived,
	SubjectStarted:   StateStarted,
	SubjectSucceeded: StateSuccess,
	SubjectFailed:    StateFailure,
	SubjectRetried:   StateRetry,
	SubjectRevoked:   StateRevoked,
	SubjectRejected:  StateRejected,
}

// State maps the subject onto the lifecycle state it moves a task into. The
// boolean is false for subjects outside the enumerated set.
func (s Subject) State() (State, bool) {
	st, ok := subjectStates[s]
	return st, ok
}

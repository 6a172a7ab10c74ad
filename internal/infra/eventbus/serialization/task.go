package serialization

import (
	"errors"
	"math"
	"time"

	"github.com/ahrav/celery-exporter/internal/domain/task"
	serializationerrors "github.com/ahrav/celery-exporter/internal/infra/eventbus/serialization/errors"
)

func init() {
	RegisterDecodeFunc(task.GroupTask, decodeTaskEvent)
}

// decodeTaskEvent decodes events of the task group. Subjects the exporter
// does not know are ignored rather than rejected.
func decodeTaskEvent(w WireEvent) (task.Event, error) {
	subject, err := task.ParseType(w.Type)
	if errors.Is(err, task.ErrUnknownGroup) {
		return task.IgnoredEvent{Type: w.Type}, nil
	}
	if w.UUID == "" {
		return nil, serializationerrors.ErrMissingField{Field: "uuid"}
	}

	evt := task.TaskEvent{
		Subject:   subject,
		ID:        w.UUID,
		Name:      w.Name,
		Queue:     w.Queue,
		Hostname:  w.Hostname,
		Timestamp: SecondsToTime(w.Timestamp),
		Clock:     w.Clock,
	}
	if w.LocalReceived != nil {
		evt.LocalReceived = SecondsToTime(*w.LocalReceived)
	}
	if w.Runtime != nil {
		evt.Runtime, evt.HasRuntime = runtimeDuration(*w.Runtime)
	}
	return evt, nil
}

// runtimeDuration converts a reported runtime in seconds. Negative and
// non-finite values are dropped so the transition itself is still counted;
// values beyond the Duration range saturate.
func runtimeDuration(sec float64) (time.Duration, bool) {
	if sec < 0 || math.IsNaN(sec) || math.IsInf(sec, 0) {
		return 0, false
	}
	ns := sec * float64(time.Second)
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64), true
	}
	return time.Duration(ns), true
}

// EncodeTaskEvent renders evt in the wire format DecodeEvent accepts.
func EncodeTaskEvent(evt task.TaskEvent) WireEvent {
	w := WireEvent{
		Type:      evt.EventType(),
		UUID:      evt.ID,
		Name:      evt.Name,
		Queue:     evt.Queue,
		Hostname:  evt.Hostname,
		Timestamp: TimeToSeconds(evt.Timestamp),
		Clock:     evt.Clock,
	}
	if !evt.LocalReceived.IsZero() {
		lr := TimeToSeconds(evt.LocalReceived)
		w.LocalReceived = &lr
	}
	if evt.HasRuntime {
		rt := evt.Runtime.Seconds()
		w.Runtime = &rt
	}
	return w
}

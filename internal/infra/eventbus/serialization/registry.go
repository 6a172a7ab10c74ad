// Package serialization translates between the JSON event dictionaries the
// workers emit and the domain's task.Event variant.
//
// Decoding is registry-based: each event group has a DecodeFunc, and groups
// without one decode to task.IgnoredEvent. The decision of what an event
// means is made once here, at the transport boundary, so nothing downstream
// inspects raw type strings.
package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ahrav/celery-exporter/internal/domain/task"
)

// ErrInvalidEvent is returned for payloads that cannot be decoded into an event.
var ErrInvalidEvent = errors.New("invalid event payload")

// WireEvent is the JSON shape of a single event on the wire. Times are float
// seconds since the Unix epoch.
type WireEvent struct {
	Type          string   `json:"type"`
	UUID          string   `json:"uuid,omitempty"`
	Name          string   `json:"name,omitempty"`
	Queue         string   `json:"queue,omitempty"`
	Hostname      string   `json:"hostname,omitempty"`
	Timestamp     float64  `json:"timestamp"`
	LocalReceived *float64 `json:"local_received,omitempty"`
	Clock         int64    `json:"clock"`
	Runtime       *float64 `json:"runtime,omitempty"`
}

// DecodeFunc converts a wire event of one group into a domain event.
type DecodeFunc func(w WireEvent) (task.Event, error)

// decoderRegistry maps an event group to its decoder.
var decoderRegistry = map[string]DecodeFunc{}

// RegisterDecodeFunc registers the decoder for an event group.
func RegisterDecodeFunc(group string, fn DecodeFunc) {
	decoderRegistry[group] = fn
}

// DecodeEvent parses data into a task.Event. received stamps the event when
// the payload carries no local_received of its own.
func DecodeEvent(data []byte, received time.Time) (task.Event, error) {
	var w WireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	if w.LocalReceived == nil {
		ts := TimeToSeconds(received)
		w.LocalReceived = &ts
	}

	group, _ := task.SplitType(w.Type)
	fn, ok := decoderRegistry[group]
	if !ok {
		return task.IgnoredEvent{Type: w.Type}, nil
	}

	evt, err := fn(w)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidEvent, w.Type, err)
	}
	return evt, nil
}

// SecondsToTime converts float epoch seconds to a time.Time.
func SecondsToTime(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9)))
}

// TimeToSeconds converts t to float epoch seconds.
func TimeToSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

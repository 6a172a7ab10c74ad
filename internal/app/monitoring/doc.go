// Package monitoring turns the cluster's task event feed into metrics.
//
// The Aggregator applies one event at a time to the in-flight task store and
// the metrics sink. Around it run the long-lived loops: the IngestionLoop
// keeps an event stream open and re-opens it after failures, the
// LivenessPoller counts responding workers, and the EnableEventsLoop
// optionally asks workers to emit events. A Supervisor owns all of them and
// stops them together when its context is cancelled.
package monitoring

// Package metrics provides observability hooks for the course build
// pipeline. Components receive a Recorder through dependency injection;
// the default NoopRecorder does nothing, so metrics are strictly
// opt-in.
package metrics

import "time"

// ResultLabel enumerates result categories for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultFailed   ResultLabel = "failed"
	ResultSkipped  ResultLabel = "skipped"
	ResultCanceled ResultLabel = "canceled"
)

// Recorder defines observability hooks for update and publish metrics.
// Implementations may forward to Prometheus, OpenTelemetry, etc.
type Recorder interface {
	ObservePhaseDuration(phase string, d time.Duration)
	ObserveUpdateDuration(d time.Duration)
	IncPhaseResult(phase string, result ResultLabel)
	IncUpdateOutcome(outcome string) // outcome: success|failed|skipped
	IncPublish(success bool)
	SetQueueDepth(n int)
	SetRunningUpdates(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are
// not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObservePhaseDuration(string, time.Duration) {}
func (NoopRecorder) ObserveUpdateDuration(time.Duration)        {}
func (NoopRecorder) IncPhaseResult(string, ResultLabel)         {}
func (NoopRecorder) IncUpdateOutcome(string)                    {}
func (NoopRecorder) IncPublish(bool)                            {}
func (NoopRecorder) SetQueueDepth(int)                          {}
func (NoopRecorder) SetRunningUpdates(int)                      {}

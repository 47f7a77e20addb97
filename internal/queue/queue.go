// Package queue dispatches build jobs either in-process (immediate mode)
// or through a durable NATS JetStream work queue (queued mode).
package queue

import (
	"context"

	"git.home.luguber.info/inful/coursebuilder/internal/update"
)

// Job is one build request travelling from trigger to executor. In
// queued mode it is the wire format on the stream, so changes must stay
// backward compatible with in-flight messages.
type Job struct {
	UpdateID  string         `json:"update_id"`
	CourseKey string         `json:"course_key"`
	Options   update.Options `json:"options"`
}

// Handler executes one job to completion. The outcome is recorded in the
// update store by the handler itself; a returned error means the job
// could not be executed at all.
type Handler func(ctx context.Context, job Job) error

// Runner accepts jobs for execution.
type Runner interface {
	// Submit hands a job off for execution. In immediate mode execution
	// starts right away in this process; in queued mode the job is
	// persisted to the broker and picked up by a worker.
	Submit(ctx context.Context, job Job) error
	// Close waits for in-flight work owned by this runner to settle.
	Close(ctx context.Context) error
}

package queue

import (
	"context"
	"sync"
)

// ImmediateRunner executes jobs inline: Submit blocks until the pipeline
// reaches a terminal status. Suited to low-traffic deployments with no
// broker; a slow build holds the triggering request until it finishes.
type ImmediateRunner struct {
	handler Handler

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func NewImmediateRunner(handler Handler) *ImmediateRunner {
	return &ImmediateRunner{handler: handler}
}

func (r *ImmediateRunner) Submit(ctx context.Context, job Job) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return context.Canceled
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	return r.handler(ctx, job)
}

// Close stops accepting jobs and waits for in-flight ones, or until ctx
// expires.
func (r *ImmediateRunner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

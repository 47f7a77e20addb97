package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestImmediateRunner(t *testing.T) {
	t.Run("runs jobs inline and returns the handler error", func(t *testing.T) {
		var seen []string
		r := NewImmediateRunner(func(ctx context.Context, job Job) error {
			seen = append(seen, job.UpdateID)
			if job.UpdateID == "u2" {
				return errors.New("lease held")
			}
			return nil
		})

		require.NoError(t, r.Submit(context.Background(), Job{UpdateID: "u1", CourseKey: "intro"}))
		require.ErrorContains(t, r.Submit(context.Background(), Job{UpdateID: "u2", CourseKey: "intro"}), "lease held")
		require.Equal(t, []string{"u1", "u2"}, seen)
		require.NoError(t, r.Close(context.Background()))
	})

	t.Run("close waits for an in-flight job", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		submitted := make(chan error, 1)

		r := NewImmediateRunner(func(ctx context.Context, job Job) error {
			close(started)
			<-release
			return nil
		})
		go func() {
			submitted <- r.Submit(context.Background(), Job{UpdateID: "u1"})
		}()
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		require.Error(t, r.Close(ctx)) // still running

		close(release)
		require.NoError(t, <-submitted)
		require.NoError(t, r.Close(context.Background()))
	})

	t.Run("rejects jobs after close", func(t *testing.T) {
		r := NewImmediateRunner(func(ctx context.Context, job Job) error { return nil })
		require.NoError(t, r.Close(context.Background()))
		require.Error(t, r.Submit(context.Background(), Job{UpdateID: "u1"}))
	})
}

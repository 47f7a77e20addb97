package update

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// tick keeps created_at timestamps strictly increasing so ordering
// assertions are deterministic.
func tick() { time.Sleep(2 * time.Millisecond) }

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Create(ctx, "intro", "10.0.0.1")
	require.NoError(t, err)
	require.NotEmpty(t, u.ID)
	require.Equal(t, StatusPending, u.Status)

	got, err := s.Get(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "intro", got.CourseKey)
	require.Equal(t, "10.0.0.1", got.RequestIP)
	require.Equal(t, StatusPending, got.Status)

	_, err = s.Get(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateSupersedesPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, "intro", "")
	require.NoError(t, err)
	tick()
	second, err := s.Create(ctx, "intro", "")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	old, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, old.Status)
	require.Contains(t, old.Log, "superseded by a newer trigger")

	current, err := s.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, current.Status)
}

func TestCreateRejectsWhileRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Create(ctx, "intro", "")
	require.NoError(t, err)
	claimed, err := s.ClaimRunning(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = s.Create(ctx, "intro", "")
	require.True(t, IsCourseBusy(err))

	// Other courses are unaffected.
	_, err = s.Create(ctx, "other", "")
	require.NoError(t, err)

	// Terminal status frees the course again.
	require.NoError(t, s.Finish(ctx, u.ID, StatusSuccess, "done\n"))
	_, err = s.Create(ctx, "intro", "")
	require.NoError(t, err)
}

func TestCreateConcurrentBurst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const triggers = 20
	errs := make(chan error, triggers)
	var wg sync.WaitGroup
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(ctx, "intro", "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		if err == nil {
			created++
			continue
		}
		require.True(t, IsCourseBusy(err), "unexpected error: %v", err)
	}
	require.GreaterOrEqual(t, created, 1)

	// However the burst interleaved, exactly one update is left active.
	all, err := s.List(ctx, "intro", triggers*2)
	require.NoError(t, err)
	active := 0
	for _, u := range all {
		if !u.Status.Terminal() {
			active++
		}
	}
	require.Equal(t, 1, active)
}

func TestClaimRunningOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Create(ctx, "intro", "")
	require.NoError(t, err)

	claimed, err := s.ClaimRunning(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	again, err := s.ClaimRunning(ctx, u.ID)
	require.NoError(t, err)
	require.False(t, again)
}

func TestFinishIsFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Create(ctx, "intro", "")
	require.NoError(t, err)

	require.Error(t, s.Finish(ctx, u.ID, StatusRunning, ""))

	require.NoError(t, s.Finish(ctx, u.ID, StatusFailed, "boom\n"))
	require.ErrorIs(t, s.Finish(ctx, u.ID, StatusSuccess, "late\n"), ErrNotFound)

	got, err := s.Get(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "boom\n", got.Log)
}

func TestSetCommitAndSaveLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Create(ctx, "intro", "")
	require.NoError(t, err)
	_, err = s.ClaimRunning(ctx, u.ID)
	require.NoError(t, err)

	require.NoError(t, s.SetCommit(ctx, u.ID, "abc123"))
	require.NoError(t, s.SaveLog(ctx, u.ID, "partial output\n"))

	got, err := s.Get(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "abc123", got.CommitHash)
	require.Equal(t, "partial output\n", got.Log)

	// Terminal updates ignore log snapshots.
	require.NoError(t, s.Finish(ctx, u.ID, StatusSuccess, "final\n"))
	require.NoError(t, s.SaveLog(ctx, u.ID, "stale\n"))
	got, err = s.Get(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "final\n", got.Log)
}

func TestListAndRecentFinished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	finish := func(status Status, commit string) {
		u, err := s.Create(ctx, "intro", "")
		require.NoError(t, err)
		_, err = s.ClaimRunning(ctx, u.ID)
		require.NoError(t, err)
		require.NoError(t, s.SetCommit(ctx, u.ID, commit))
		require.NoError(t, s.Finish(ctx, u.ID, status, ""))
		tick()
	}

	finish(StatusSuccess, "c1")
	finish(StatusFailed, "c2")
	finish(StatusSuccess, "c3")

	all, err := s.List(ctx, "intro", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "c3", all[0].CommitHash)
	require.Equal(t, "c1", all[2].CommitHash)

	recent, err := s.RecentFinished(ctx, "intro", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "c3", recent[0].CommitHash)
	require.Equal(t, "c2", recent[1].CommitHash)
}

func TestPruneHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		u, err := s.Create(ctx, "intro", "")
		require.NoError(t, err)
		require.NoError(t, s.Finish(ctx, u.ID, StatusSuccess, ""))
		tick()
	}

	removed, err := s.PruneHistory(ctx, "intro", 2)
	require.NoError(t, err)
	require.EqualValues(t, 3, removed)

	all, err := s.List(ctx, "intro", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestReclaimOrphaned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Create(ctx, "intro", "")
	require.NoError(t, err)
	_, err = s.ClaimRunning(ctx, u.ID)
	require.NoError(t, err)

	t.Run("live lease protects the run", func(t *testing.T) {
		require.NoError(t, s.AcquireLease(ctx, "intro", "worker-1", time.Minute))
		reclaimed, err := s.ReclaimOrphaned(ctx)
		require.NoError(t, err)
		require.Empty(t, reclaimed)
	})

	t.Run("expired lease reclaims the run", func(t *testing.T) {
		require.NoError(t, s.RenewLease(ctx, "intro", "worker-1", -time.Minute))
		reclaimed, err := s.ReclaimOrphaned(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{u.ID}, reclaimed)

		got, err := s.Get(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, StatusFailed, got.Status)
		require.Contains(t, got.Log, "reclaimed as failed")
	})
}

func TestReclaimStalePending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale, err := s.Create(ctx, "intro", "")
	require.NoError(t, err)
	fresh, err := s.Create(ctx, "other", "")
	require.NoError(t, err)

	// Age the first update past the cutoff.
	cutoff := time.Now().Add(-2 * time.Hour).UnixMilli()
	_, err = s.db.Exec(`UPDATE updates SET updated_at = ? WHERE id = ?`, cutoff, stale.ID)
	require.NoError(t, err)

	reclaimed, err := s.ReclaimStalePending(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{stale.ID}, reclaimed)

	got, err := s.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Contains(t, got.Log, "never picked up")

	// The course is free to accept a new trigger again.
	_, err = s.Create(ctx, "intro", "")
	require.NoError(t, err)

	// Recent pending updates are untouched.
	kept, err := s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, kept.Status)
}

func TestLeaseSingleHolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AcquireLease(ctx, "intro", "worker-1", time.Minute))

	err := s.AcquireLease(ctx, "intro", "worker-2", time.Minute)
	var held *ErrLeaseHeld
	require.ErrorAs(t, err, &held)
	require.Equal(t, "worker-1", held.Holder)

	// Re-acquire by the same holder is fine.
	require.NoError(t, s.AcquireLease(ctx, "intro", "worker-1", time.Minute))

	// Released lease is up for grabs.
	require.NoError(t, s.ReleaseLease(ctx, "intro", "worker-1"))
	require.NoError(t, s.AcquireLease(ctx, "intro", "worker-2", time.Minute))
}

func TestLeaseExpiryAllowsTakeover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AcquireLease(ctx, "intro", "worker-1", -time.Second))
	require.NoError(t, s.AcquireLease(ctx, "intro", "worker-2", time.Minute))
}

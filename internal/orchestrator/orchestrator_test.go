package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/coursebuilder/internal/config"
	"git.home.luguber.info/inful/coursebuilder/internal/course"
	"git.home.luguber.info/inful/coursebuilder/internal/queue"
	"git.home.luguber.info/inful/coursebuilder/internal/stage"
	"git.home.luguber.info/inful/coursebuilder/internal/update"
)

// testRig wires an orchestrator against temp zones and a registry with
// one git-less course, so the pipeline can be exercised without a
// container runtime or an origin repository.
type testRig struct {
	orch       *Orchestrator
	store      *update.Store
	dispatcher *queue.ImmediateRunner
	cfg        *config.Config
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Paths: config.PathsConfig{
			WorkingRoot:   filepath.Join(root, "working"),
			StoreRoot:     filepath.Join(root, "store"),
			PublishedRoot: filepath.Join(root, "published"),
			Database:      filepath.Join(root, "test.db"),
		},
		Build: config.BuildConfig{
			ContainerBinary: "docker",
			Timeout:         "1m",
			LeaseTTL:        "1m",
			MaxConcurrent:   2,
			HistoryLimit:    10,
		},
	}

	regPath := filepath.Join(root, "courses.yaml")
	require.NoError(t, os.WriteFile(regPath, []byte(`
courses:
  - key: intro
    webhook_secret: hunter2
`), 0o644))
	registry, err := course.NewRegistry(regPath)
	require.NoError(t, err)

	store, err := update.NewStore(cfg.Paths.Database)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	orch := New(cfg, registry, store)
	dispatcher := queue.NewImmediateRunner(orch.Execute)
	orch.SetDispatcher(dispatcher)

	return &testRig{orch: orch, store: store, dispatcher: dispatcher, cfg: cfg}
}

// seedWorkingCopy puts a valid course tree into the working zone.
func (r *testRig) seedWorkingCopy(t *testing.T, key string) {
	t.Helper()
	dir := filepath.Join(r.cfg.Paths.WorkingRoot, key)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.yaml"), []byte("name: Intro\n"), 0o644))
}

// wait blocks until all submitted jobs finished.
func (r *testRig) wait(t *testing.T) {
	t.Helper()
	require.NoError(t, r.dispatcher.Close(context.Background()))
}

func TestTriggerRunsPipelineToSuccess(t *testing.T) {
	rig := newTestRig(t)
	rig.seedWorkingCopy(t, "intro")

	u, err := rig.orch.Trigger(context.Background(), "intro", "10.0.0.1",
		update.Options{SkipBuild: true, SkipNotify: true})
	require.NoError(t, err)
	rig.wait(t)

	final, err := rig.store.Get(context.Background(), u.ID)
	require.NoError(t, err)
	require.Equal(t, update.StatusSuccess, final.Status)
	require.Contains(t, final.Log, "no git origin configured")
	require.Contains(t, final.Log, "build skipped by request")
	require.Contains(t, final.Log, "staged version")

	stored := rig.orch.Stager().StorePath("intro")
	require.FileExists(t, filepath.Join(stored, "index.yaml"))
	require.Len(t, stage.ReadVersionID(stored), 30)
	// Nothing published until asked.
	require.False(t, rig.orch.Stager().Published("intro"))
}

func TestTriggerFailsWhenNothingToStage(t *testing.T) {
	rig := newTestRig(t)

	u, err := rig.orch.Trigger(context.Background(), "intro", "",
		update.Options{SkipBuild: true, SkipNotify: true})
	require.NoError(t, err)
	rig.wait(t)

	final, err := rig.store.Get(context.Background(), u.ID)
	require.NoError(t, err)
	require.Equal(t, update.StatusFailed, final.Status)
	require.Contains(t, final.Log, "staging failed")
}

func TestConnectivityTestCompletesAsSkipped(t *testing.T) {
	rig := newTestRig(t)

	u, err := rig.orch.Trigger(context.Background(), "intro", "",
		update.Options{SkipGit: true, SkipBuild: true, SkipNotify: true})
	require.NoError(t, err)
	rig.wait(t)

	final, err := rig.store.Get(context.Background(), u.ID)
	require.NoError(t, err)
	require.Equal(t, update.StatusSkipped, final.Status)
	require.Contains(t, final.Log, "nothing to do")
}

func TestTriggerUnknownCourse(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.orch.Trigger(context.Background(), "ghost", "", update.Options{})
	require.ErrorIs(t, err, ErrUnknownCourse)
}

func TestTriggerConflicts(t *testing.T) {
	rig := newTestRig(t)
	rig.seedWorkingCopy(t, "intro")

	// Park jobs instead of running them, so updates stay pending.
	parked := newParkedRunner()
	rig.orch.SetDispatcher(parked)

	first, err := rig.orch.Trigger(context.Background(), "intro", "", update.Options{})
	require.NoError(t, err)
	second, err := rig.orch.Trigger(context.Background(), "intro", "", update.Options{})
	require.NoError(t, err)

	t.Run("newer trigger supersedes the pending one", func(t *testing.T) {
		old, err := rig.store.Get(context.Background(), first.ID)
		require.NoError(t, err)
		require.Equal(t, update.StatusSkipped, old.Status)
	})

	t.Run("trigger while running is rejected", func(t *testing.T) {
		claimed, err := rig.store.ClaimRunning(context.Background(), second.ID)
		require.NoError(t, err)
		require.True(t, claimed)

		_, err = rig.orch.Trigger(context.Background(), "intro", "", update.Options{})
		require.True(t, update.IsCourseBusy(err))
	})

	t.Run("superseded job is not executed", func(t *testing.T) {
		require.NoError(t, rig.store.Finish(context.Background(), second.ID, update.StatusSuccess, ""))
		rig.orch.SetDispatcher(rig.dispatcher)

		// Run the stale job for the superseded update by hand; the claim
		// fails and the pipeline never starts.
		require.NoError(t, rig.orch.Execute(context.Background(), parked.jobs[0]))
		old, err := rig.store.Get(context.Background(), first.ID)
		require.NoError(t, err)
		require.Equal(t, update.StatusSkipped, old.Status)
	})
}

func TestTriggerBurstLeavesOneActive(t *testing.T) {
	rig := newTestRig(t)
	rig.seedWorkingCopy(t, "intro")

	parked := newParkedRunner()
	rig.orch.SetDispatcher(parked)

	const triggers = 16
	errs := make(chan error, triggers)
	var wg sync.WaitGroup
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rig.orch.Trigger(context.Background(), "intro", "", update.Options{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	accepted := 0
	for err := range errs {
		if err == nil {
			accepted++
			continue
		}
		require.True(t, update.IsCourseBusy(err), "unexpected error: %v", err)
	}
	require.GreaterOrEqual(t, accepted, 1)

	all, err := rig.store.List(context.Background(), "intro", triggers*2)
	require.NoError(t, err)
	active := 0
	for _, u := range all {
		if !u.Status.Terminal() {
			active++
		}
	}
	require.Equal(t, 1, active)
}

func TestPublish(t *testing.T) {
	rig := newTestRig(t)
	rig.seedWorkingCopy(t, "intro")

	require.ErrorIs(t, rig.orch.Publish(context.Background(), "ghost"), ErrUnknownCourse)

	var perr *stage.PublishError
	require.ErrorAs(t, rig.orch.Publish(context.Background(), "intro"), &perr)

	_, err := rig.orch.Trigger(context.Background(), "intro", "",
		update.Options{SkipBuild: true, SkipNotify: true})
	require.NoError(t, err)
	rig.wait(t)

	require.NoError(t, rig.orch.Publish(context.Background(), "intro"))
	require.True(t, rig.orch.Stager().Published("intro"))
}

// parkedRunner accepts jobs without executing them.
type parkedRunner struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func newParkedRunner() *parkedRunner { return &parkedRunner{} }

func (p *parkedRunner) Submit(_ context.Context, job queue.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *parkedRunner) Close(context.Context) error { return nil }

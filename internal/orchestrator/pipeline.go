package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"git.home.luguber.info/inful/coursebuilder/internal/buildlog"
	"git.home.luguber.info/inful/coursebuilder/internal/course"
	"git.home.luguber.info/inful/coursebuilder/internal/gitfetch"
	"git.home.luguber.info/inful/coursebuilder/internal/logfields"
	"git.home.luguber.info/inful/coursebuilder/internal/metrics"
	"git.home.luguber.info/inful/coursebuilder/internal/queue"
	"git.home.luguber.info/inful/coursebuilder/internal/runner"
	"git.home.luguber.info/inful/coursebuilder/internal/update"
)

// saveInterval is how often the in-flight log is snapshotted to the
// store and the lease renewed.
const saveInterval = 15 * time.Second

// Execute runs one build job end to end. It is the queue.Handler for
// both immediate and queued mode. The returned error means the job could
// not be taken at all (lease held elsewhere); pipeline failures are
// recorded on the update and return nil.
func (o *Orchestrator) Execute(ctx context.Context, job queue.Job) error {
	c, ok := o.registry.Get(job.CourseKey)
	if !ok {
		return o.store.Finish(ctx, job.UpdateID, update.StatusFailed,
			"course removed from registry before the build started\n")
	}

	if err := o.store.AcquireLease(ctx, c.Key, o.holder, o.cfg.LeaseTTL()); err != nil {
		return fmt.Errorf("acquire build lease: %w", err)
	}
	defer func() {
		if err := o.store.ReleaseLease(context.Background(), c.Key, o.holder); err != nil {
			slog.Warn("Failed to release build lease", logfields.Course(c.Key), logfields.Error(err))
		}
	}()

	claimed, err := o.store.ClaimRunning(ctx, job.UpdateID)
	if err != nil {
		return fmt.Errorf("claim update: %w", err)
	}
	if !claimed {
		// Superseded by a newer trigger before we got here.
		slog.Info("Update no longer pending, skipping run",
			logfields.Course(c.Key), logfields.UpdateID(job.UpdateID))
		return nil
	}

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return o.store.Finish(context.Background(), job.UpdateID, update.StatusFailed,
			"shutdown before the build could start\n")
	}
	defer func() { <-o.sem }()

	log := buildlog.New()
	o.registerLive(job.UpdateID, log)
	defer o.unregisterLive(job.UpdateID)

	stopSnapshots := o.startSnapshots(job.UpdateID, c.Key, log)
	defer stopSnapshots()

	start := time.Now()
	status := o.run(ctx, c, job, log)
	elapsed := time.Since(start)

	o.recorder.ObserveUpdateDuration(elapsed)
	o.recorder.IncUpdateOutcome(string(status))

	if err := o.store.Finish(context.Background(), job.UpdateID, status, log.String()); err != nil {
		slog.Error("Failed to record update outcome",
			logfields.Course(c.Key), logfields.UpdateID(job.UpdateID), logfields.Error(err))
	}
	slog.Info("Update finished",
		logfields.Course(c.Key),
		logfields.UpdateID(job.UpdateID),
		logfields.Status(string(status)),
		logfields.DurationMS(float64(elapsed.Milliseconds())))

	if status == update.StatusSuccess {
		o.notify(ctx, c, job)
	}
	return nil
}

// run executes the pipeline phases and returns the terminal status. All
// diagnostics go into log.
func (o *Orchestrator) run(ctx context.Context, c *course.Course, job queue.Job, log *buildlog.Buffer) update.Status {
	opts := job.Options
	workDir := o.fetcher.WorkDir(c.Key)

	// Fetch phase.
	var changed []string
	changedKnown := false
	switch {
	case opts.SkipGit:
		log.Printf("git fetch skipped by request")
	case c.GitOrigin == "":
		slog.Warn("Course has no git origin, skipping fetch", logfields.Course(c.Key))
		log.Printf("no git origin configured, skipping fetch")
	default:
		res, ok := o.fetchPhase(ctx, c, job.UpdateID, log)
		if !ok {
			return update.StatusFailed
		}
		changed, changedKnown = res.Changed, res.Changed != nil
		workDir = res.Path
	}

	// Connectivity-test path: nothing fetched, nothing built, nothing on
	// disk. Completes as skipped rather than failing validation.
	if opts.SkipGit && opts.SkipBuild {
		if _, err := os.Stat(workDir); err != nil {
			log.Printf("no working copy present; nothing to do")
			return update.StatusSkipped
		}
	}

	// Build phase.
	if opts.SkipBuild {
		log.Printf("build skipped by request")
	} else {
		image := firstNonEmpty(opts.BuildImage, c.BuildImage, o.cfg.Build.DefaultImage)
		if image == "" {
			log.Printf("no build image configured, assuming prebuilt content")
		} else {
			command := firstNonEmpty(opts.BuildCommand, c.BuildCommand, o.cfg.Build.DefaultCommand)
			if opts.RebuildAll || !changedKnown {
				changed = nil // runner passes "*"
			}
			if !o.buildPhase(ctx, c, image, command, workDir, changed, log) {
				return update.StatusFailed
			}
		}
	}

	// Stage phase.
	phaseStart := time.Now()
	version, err := o.stager.Stage(c.Key, workDir)
	o.recorder.ObservePhaseDuration("stage", time.Since(phaseStart))
	if err != nil {
		o.recorder.IncPhaseResult("stage", metrics.ResultFailed)
		log.Printf("staging failed: %v", err)
		return update.StatusFailed
	}
	o.recorder.IncPhaseResult("stage", metrics.ResultSuccess)
	log.Printf("staged version %s", version)
	return update.StatusSuccess
}

func (o *Orchestrator) fetchPhase(ctx context.Context, c *course.Course, updateID string, log *buildlog.Buffer) (*gitfetch.Result, bool) {
	phaseStart := time.Now()
	history, err := o.buildHistory(ctx, c.Key)
	if err != nil {
		slog.Warn("Failed to load build history", logfields.Course(c.Key), logfields.Error(err))
	}

	res, err := o.fetcher.Fetch(c, history)
	o.recorder.ObservePhaseDuration("fetch", time.Since(phaseStart))
	if err != nil {
		o.recorder.IncPhaseResult("fetch", metrics.ResultFailed)
		log.Printf("git fetch failed: %v", err)
		return nil, false
	}
	o.recorder.IncPhaseResult("fetch", metrics.ResultSuccess)

	log.Printf("fetched %s@%s at %s", c.GitOrigin, branchOf(c), res.Commit)
	if res.Changed != nil {
		log.Printf("%d file(s) changed since last successful build", len(res.Changed))
	}
	if err := o.store.SetCommit(ctx, updateID, res.Commit); err != nil {
		slog.Warn("Failed to record commit hash", logfields.UpdateID(updateID), logfields.Error(err))
	}
	return res, true
}

func (o *Orchestrator) buildPhase(ctx context.Context, c *course.Course, image, command, workDir string, changed []string, log *buildlog.Buffer) bool {
	phaseStart := time.Now()
	env := map[string]string{}
	if c.RemoteID != nil {
		env["COURSE_ID"] = fmt.Sprintf("%d", *c.RemoteID)
	}
	err := o.runner.Run(ctx, runner.Request{
		CourseKey: c.Key,
		Image:     image,
		Command:   command,
		WorkDir:   workDir,
		Changed:   changed,
		Env:       env,
		Timeout:   o.cfg.BuildTimeout(),
		Output:    log,
	})
	o.recorder.ObservePhaseDuration("build", time.Since(phaseStart))
	if err != nil {
		o.recorder.IncPhaseResult("build", metrics.ResultFailed)
		log.Printf("%v", err)
		slog.Error("Build stage failed",
			logfields.Course(c.Key),
			logfields.Error(runner.Classify(err, c.Key)))
		return false
	}
	o.recorder.IncPhaseResult("build", metrics.ResultSuccess)
	return true
}

// buildHistory converts recent finished updates into the fetcher's prior
// build list, newest first.
func (o *Orchestrator) buildHistory(ctx context.Context, courseKey string) ([]gitfetch.PriorBuild, error) {
	recent, err := o.store.RecentFinished(ctx, courseKey, o.cfg.Build.HistoryLimit)
	if err != nil {
		return nil, err
	}
	history := make([]gitfetch.PriorBuild, 0, len(recent))
	for _, u := range recent {
		history = append(history, gitfetch.PriorBuild{
			Commit:  u.CommitHash,
			Success: u.Status == update.StatusSuccess,
		})
	}
	return history, nil
}

// startSnapshots periodically saves the in-flight log and renews the
// lease so a crashed worker is detectable and a stalled one keeps its
// claim. Returns a stop function.
func (o *Orchestrator) startSnapshots(updateID, courseKey string, log *buildlog.Buffer) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(saveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := o.store.SaveLog(ctx, updateID, log.String()); err != nil {
					slog.Warn("Failed to snapshot build log", logfields.UpdateID(updateID), logfields.Error(err))
				}
				if err := o.store.RenewLease(ctx, courseKey, o.holder, o.cfg.LeaseTTL()); err != nil {
					slog.Warn("Failed to renew build lease", logfields.Course(courseKey), logfields.Error(err))
				}
				cancel()
			}
		}
	}()
	return func() { close(done) }
}

func branchOf(c *course.Course) string {
	if c.GitBranch != "" {
		return c.GitBranch
	}
	return "main"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

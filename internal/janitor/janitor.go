// Package janitor runs the periodic maintenance tasks: reclaiming
// orphaned updates whose worker died, and pruning old update records.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/coursebuilder/internal/course"
	"git.home.luguber.info/inful/coursebuilder/internal/logfields"
	"git.home.luguber.info/inful/coursebuilder/internal/update"
)

const (
	reclaimInterval = time.Minute
	pruneInterval   = time.Hour

	// A pending update older than this was dropped by the queue (its
	// delivery budget ran out) and will never be picked up.
	stalePendingAge = 24 * time.Hour
)

// Janitor owns the maintenance scheduler.
type Janitor struct {
	scheduler    gocron.Scheduler
	store        *update.Store
	registry     *course.Registry
	historyLimit int
}

func New(store *update.Store, registry *course.Registry, historyLimit int) (*Janitor, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Janitor{
		scheduler:    s,
		store:        store,
		registry:     registry,
		historyLimit: historyLimit,
	}, nil
}

// Start registers the maintenance jobs and begins the scheduler.
func (j *Janitor) Start() error {
	_, err := j.scheduler.NewJob(
		gocron.DurationJob(reclaimInterval),
		gocron.NewTask(j.reclaimOrphaned),
		gocron.WithName("reclaim-orphaned"),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule reclaim job: %w", err)
	}

	_, err = j.scheduler.NewJob(
		gocron.DurationJob(pruneInterval),
		gocron.NewTask(j.pruneHistory),
		gocron.WithName("prune-history"),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule prune job: %w", err)
	}

	slog.Info("Starting janitor")
	j.scheduler.Start()
	return nil
}

// Stop gracefully shuts down the scheduler.
func (j *Janitor) Stop() error {
	slog.Info("Stopping janitor")
	return j.scheduler.Shutdown()
}

func (j *Janitor) reclaimOrphaned() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reclaimed, err := j.store.ReclaimOrphaned(ctx)
	if err != nil {
		slog.Error("Failed to reclaim orphaned updates", logfields.Error(err))
		return
	}
	for _, id := range reclaimed {
		slog.Warn("Reclaimed orphaned update as failed", logfields.UpdateID(id))
	}

	stale, err := j.store.ReclaimStalePending(ctx, stalePendingAge)
	if err != nil {
		slog.Error("Failed to reclaim stale pending updates", logfields.Error(err))
		return
	}
	for _, id := range stale {
		slog.Warn("Reclaimed stale pending update as failed", logfields.UpdateID(id))
	}
}

func (j *Janitor) pruneHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, key := range j.registry.Keys() {
		n, err := j.store.PruneHistory(ctx, key, j.historyLimit)
		if err != nil {
			slog.Error("Failed to prune update history", logfields.Course(key), logfields.Error(err))
			continue
		}
		if n > 0 {
			slog.Info("Pruned update history", logfields.Course(key), slog.Int64("removed", n))
		}
	}
}

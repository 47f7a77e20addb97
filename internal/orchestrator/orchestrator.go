// Package orchestrator drives the course update pipeline: fetch the git
// working copy, run the containerized build, validate and stage the
// result, and record the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/coursebuilder/internal/buildlog"
	"git.home.luguber.info/inful/coursebuilder/internal/config"
	"git.home.luguber.info/inful/coursebuilder/internal/course"
	"git.home.luguber.info/inful/coursebuilder/internal/gitfetch"
	"git.home.luguber.info/inful/coursebuilder/internal/metrics"
	"git.home.luguber.info/inful/coursebuilder/internal/queue"
	"git.home.luguber.info/inful/coursebuilder/internal/runner"
	"git.home.luguber.info/inful/coursebuilder/internal/stage"
	"git.home.luguber.info/inful/coursebuilder/internal/update"
)

// ErrUnknownCourse is returned for keys not present in the registry.
var ErrUnknownCourse = errors.New("unknown course")

// Orchestrator owns the pipeline and its shared resources. One instance
// per process; the holder id identifies this process in the lease table.
type Orchestrator struct {
	cfg      *config.Config
	registry *course.Registry
	store    *update.Store
	fetcher  *gitfetch.Fetcher
	runner   *runner.Runner
	stager   *stage.Stager
	recorder metrics.Recorder
	notifier *Notifier
	holder   string

	// dispatcher is set after construction to break the cycle between
	// trigger and execution wiring.
	dispatcher queue.Runner

	// sem bounds concurrent builds across courses.
	sem chan struct{}

	// live holds the log buffers of in-flight updates for tailing.
	liveMu sync.RWMutex
	live   map[string]*buildlog.Buffer
}

func New(cfg *config.Config, registry *course.Registry, store *update.Store) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		store:    store,
		fetcher:  gitfetch.NewFetcher(cfg.Paths.WorkingRoot, cfg.Build.SSHKeyPath),
		runner:   runner.New(cfg.Build.ContainerBinary),
		stager:   stage.NewStager(cfg.Paths.StoreRoot, cfg.Paths.PublishedRoot),
		recorder: metrics.NoopRecorder{},
		notifier: NewNotifier(),
		holder:   uuid.NewString(),
		sem:      make(chan struct{}, cfg.Build.MaxConcurrent),
		live:     make(map[string]*buildlog.Buffer),
	}
}

// WithRecorder injects a metrics recorder.
func (o *Orchestrator) WithRecorder(r metrics.Recorder) *Orchestrator {
	if r != nil {
		o.recorder = r
	}
	return o
}

// SetDispatcher wires the queue runner used by Trigger.
func (o *Orchestrator) SetDispatcher(d queue.Runner) {
	o.dispatcher = d
}

// Stager exposes the stager for the publish endpoint.
func (o *Orchestrator) Stager() *stage.Stager {
	return o.stager
}

// Trigger creates a pending Update for the course and submits it for
// execution; in immediate mode Submit runs the pipeline before
// returning. A trigger while an update is running returns
// *update.ErrCourseBusy; a pending update is superseded by this one.
func (o *Orchestrator) Trigger(ctx context.Context, courseKey, requestIP string, opts update.Options) (*update.Update, error) {
	if _, ok := o.registry.Get(courseKey); !ok {
		return nil, ErrUnknownCourse
	}

	u, err := o.store.Create(ctx, courseKey, requestIP)
	if err != nil {
		return nil, err
	}

	job := queue.Job{UpdateID: u.ID, CourseKey: courseKey, Options: opts}
	if err := o.dispatcher.Submit(ctx, job); err != nil {
		finishErr := o.store.Finish(ctx, u.ID, update.StatusFailed,
			fmt.Sprintf("failed to submit build job: %v\n", err))
		if finishErr != nil {
			err = fmt.Errorf("%w (and failed to record: %v)", err, finishErr)
		}
		return nil, err
	}
	return u, nil
}

// Publish promotes the stored version of a course to the published zone.
func (o *Orchestrator) Publish(ctx context.Context, courseKey string) error {
	if _, ok := o.registry.Get(courseKey); !ok {
		return ErrUnknownCourse
	}
	err := o.stager.Publish(courseKey)
	o.recorder.IncPublish(err == nil)
	return err
}

// LiveLog returns the log buffer of an in-flight update, if this process
// is executing it.
func (o *Orchestrator) LiveLog(updateID string) (*buildlog.Buffer, bool) {
	o.liveMu.RLock()
	defer o.liveMu.RUnlock()
	buf, ok := o.live[updateID]
	return buf, ok
}

func (o *Orchestrator) registerLive(updateID string, buf *buildlog.Buffer) {
	o.liveMu.Lock()
	o.live[updateID] = buf
	o.recorder.SetRunningUpdates(len(o.live))
	o.liveMu.Unlock()
}

func (o *Orchestrator) unregisterLive(updateID string) {
	o.liveMu.Lock()
	delete(o.live, updateID)
	o.recorder.SetRunningUpdates(len(o.live))
	o.liveMu.Unlock()
}

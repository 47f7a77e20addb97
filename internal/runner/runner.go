// Package runner executes course build commands inside an isolated
// container, mounting only the course's own working directory.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"git.home.luguber.info/inful/coursebuilder/internal/logfields"
)

// ChangedAll is the changed-file value passed to builds that must rebuild
// everything.
const ChangedAll = "*"

// Request describes one container build.
type Request struct {
	CourseKey string
	Image     string
	// Command is the build command as a single string; it is word-split
	// before being appended to the container invocation. Empty means the
	// image's default command.
	Command string
	// WorkDir is the host path of the course working copy. It is the only
	// path mounted into the container.
	WorkDir string
	// Changed is the changed-file set exposed to the build via
	// CHANGED_FILES. nil or empty means everything changed.
	Changed []string
	Env     map[string]string
	Timeout time.Duration
	// Output receives the combined stdout/stderr stream while the build
	// runs, so the log is observable before completion.
	Output io.Writer
}

// Runner launches builds through the container CLI.
type Runner struct {
	binary string
}

// New creates a runner using the given container binary ("docker" or a
// compatible CLI such as podman).
func New(binary string) *Runner {
	if binary == "" {
		binary = "docker"
	}
	return &Runner{binary: binary}
}

// Run executes the build and blocks until it finishes, the timeout
// expires, or ctx is cancelled. Any failure is returned as a *BuildError;
// whatever output was produced is already in req.Output.
func (r *Runner) Run(ctx context.Context, req Request) error {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := []string{"run", "--rm"}
	for _, kv := range buildEnv(req) {
		args = append(args, "-e", kv)
	}
	args = append(args,
		"-v", req.WorkDir+":/content",
		"--workdir", "/content",
		req.Image,
	)

	cmdWords, err := SplitCommand(req.Command)
	if err != nil {
		return &BuildError{Reason: ReasonLaunch, Err: fmt.Errorf("parse build command: %w", err)}
	}
	args = append(args, cmdWords...)

	slog.Info("Starting container build",
		logfields.Course(req.CourseKey),
		logfields.Image(req.Image),
		logfields.Path(req.WorkDir))
	if req.Output != nil {
		fmt.Fprintf(req.Output, "%s %s\n", r.binary, strings.Join(args, " "))
	}

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Stdout = req.Output
	cmd.Stderr = req.Output
	// Give the process a grace window between context cancellation and
	// the hard kill so the container CLI can tear down the container.
	cmd.WaitDelay = 10 * time.Second

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return &BuildError{
			Reason: ReasonTimeout,
			Err:    fmt.Errorf("build exceeded timeout of %s", req.Timeout),
		}
	case ctx.Err() != nil:
		return &BuildError{Reason: ReasonCancelled, Err: ctx.Err()}
	case err != nil:
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &BuildError{
				Reason:   ReasonExit,
				ExitCode: exitErr.ExitCode(),
				Err:      fmt.Errorf("build command exited with status %d", exitErr.ExitCode()),
			}
		}
		return &BuildError{Reason: ReasonLaunch, Err: err}
	}

	slog.Info("Container build finished",
		logfields.Course(req.CourseKey),
		logfields.DurationMS(float64(elapsed.Milliseconds())))
	return nil
}

// buildEnv assembles the environment passed into the container.
func buildEnv(req Request) []string {
	changed := req.Changed
	if len(changed) == 0 {
		changed = []string{ChangedAll}
	}

	env := []string{
		"COURSE_KEY=" + req.CourseKey,
		"CHANGED_FILES=" + strings.Join(changed, "\n"),
	}
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	return env
}

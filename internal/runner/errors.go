package runner

import (
	"errors"
	"fmt"

	fnderrors "git.home.luguber.info/inful/coursebuilder/internal/foundation/errors"
)

// Reasons a build can fail.
const (
	ReasonLaunch    = "launch"
	ReasonExit      = "exit"
	ReasonTimeout   = "timeout"
	ReasonCancelled = "cancelled"
)

// BuildError describes a failed container build. The build log is not
// carried here; it lives in the update's log buffer regardless of outcome.
type BuildError struct {
	Reason   string
	ExitCode int
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("container build failed (%s): %v", e.Reason, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a build timeout.
func IsTimeout(err error) bool {
	var be *BuildError
	return errors.As(err, &be) && be.Reason == ReasonTimeout
}

// Classify converts a build error into a classified error for reporting.
func Classify(err error, courseKey string) *fnderrors.ClassifiedError {
	var be *BuildError
	retryable := false
	if errors.As(err, &be) && be.Reason == ReasonTimeout {
		retryable = true
	}
	b := fnderrors.WrapError(err, fnderrors.CategoryBuild, "container build failed").
		WithContext("course", courseKey)
	if retryable {
		b = b.Retryable()
	}
	return b.Build()
}

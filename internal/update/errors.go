package update

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an update id is unknown.
var ErrNotFound = errors.New("update not found")

// ErrCourseBusy is returned when a trigger arrives while the course has a
// running update. The caller may retry after the current run finishes.
type ErrCourseBusy struct {
	CourseKey string
}

func (e *ErrCourseBusy) Error() string {
	return fmt.Sprintf("course %s already has a build in progress", e.CourseKey)
}

// ErrLeaseHeld is returned when the per-course build lease is held by
// another pipeline run.
type ErrLeaseHeld struct {
	CourseKey string
	Holder    string
}

func (e *ErrLeaseHeld) Error() string {
	return fmt.Sprintf("build lease for %s held by %s", e.CourseKey, e.Holder)
}

// IsCourseBusy reports whether err is a course-busy conflict.
func IsCourseBusy(err error) bool {
	var busy *ErrCourseBusy
	return errors.As(err, &busy)
}

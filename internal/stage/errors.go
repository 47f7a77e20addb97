// Package stage validates build output and moves complete course trees
// between the store and published zones using atomic renames.
package stage

import "fmt"

// ValidationError means the build output failed structural validation.
// The store was not touched.
type ValidationError struct {
	CourseKey string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("course %s failed validation: %s", e.CourseKey, e.Reason)
}

// PublishError means promoting a stored version to the published zone
// failed.
type PublishError struct {
	CourseKey string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish course %s: %v", e.CourseKey, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

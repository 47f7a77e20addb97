// Package update persists build attempt records and the per-course build
// leases backing the single-flight guarantee.
package update

import "time"

// Status is the lifecycle state of an Update.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Terminal reports whether the status is final. Terminal updates are
// immutable; a new trigger always creates a new record.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Update is one build attempt for a course.
type Update struct {
	ID         string    `json:"id"`
	CourseKey  string    `json:"course_key"`
	RequestIP  string    `json:"request_ip"`
	CommitHash string    `json:"commit_hash,omitempty"`
	Status     Status    `json:"status"`
	Log        string    `json:"log"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Options carries the per-trigger flags and overrides through the queue
// to the pipeline.
type Options struct {
	SkipGit      bool   `json:"skip_git,omitempty"`
	SkipBuild    bool   `json:"skip_build,omitempty"`
	SkipNotify   bool   `json:"skip_notify,omitempty"`
	RebuildAll   bool   `json:"rebuild_all,omitempty"`
	BuildImage   string `json:"build_image,omitempty"`
	BuildCommand string `json:"build_command,omitempty"`
}

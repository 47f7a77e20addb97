package stage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"git.home.luguber.info/inful/coursebuilder/internal/logfields"
)

// Stager validates build output and promotes it through the store and
// published zones. Zone swaps for a course are serialized by a file lock
// in the store zone, so a publish in the serve process never races a
// stage running in a worker process.
type Stager struct {
	storeRoot     string
	publishedRoot string
}

func NewStager(storeRoot, publishedRoot string) *Stager {
	return &Stager{storeRoot: storeRoot, publishedRoot: publishedRoot}
}

// lockCourse takes the per-course swap lock. Course keys cannot start
// with a dot, so the lock files never collide with a course directory.
func (s *Stager) lockCourse(courseKey string) (*flock.Flock, error) {
	if err := os.MkdirAll(s.storeRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	fl := flock.New(filepath.Join(s.storeRoot, ".lock-"+courseKey))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquire swap lock for %s: %w", courseKey, err)
	}
	return fl, nil
}

// StorePath returns where the stored copy of a course lives.
func (s *Stager) StorePath(courseKey string) string {
	return filepath.Join(s.storeRoot, courseKey)
}

// PublishedPath returns where the published copy of a course lives.
func (s *Stager) PublishedPath(courseKey string) string {
	return filepath.Join(s.publishedRoot, courseKey)
}

// Stage validates srcDir and installs it as the stored version of the
// course. It returns the version id stamped into the stored tree. On any
// error the previous stored version is untouched.
func (s *Stager) Stage(courseKey, srcDir string) (string, error) {
	if err := Validate(courseKey, srcDir); err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.storeRoot, 0o755); err != nil {
		return "", fmt.Errorf("create store root: %w", err)
	}
	tmp := filepath.Join(s.storeRoot, fmt.Sprintf(".tmp-%s-%s", courseKey, uuid.NewString()[:8]))
	if err := copyTree(srcDir, tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return "", fmt.Errorf("copy build output to store: %w", err)
	}
	version, err := writeVersionID(tmp)
	if err != nil {
		_ = os.RemoveAll(tmp)
		return "", err
	}

	fl, err := s.lockCourse(courseKey)
	if err != nil {
		_ = os.RemoveAll(tmp)
		return "", err
	}
	defer fl.Unlock() //nolint:errcheck
	if err := swapIn(tmp, s.StorePath(courseKey)); err != nil {
		_ = os.RemoveAll(tmp)
		return "", fmt.Errorf("swap stored version into place: %w", err)
	}

	slog.Info("Staged course version",
		logfields.Course(courseKey),
		slog.String("version", version))
	return version, nil
}

// Publish promotes the stored version of a course to the published zone
// and refreshes the store with a copy of what was published, so the
// store always matches what readers see. Missing store is a
// PublishError.
func (s *Stager) Publish(courseKey string) error {
	fl, err := s.lockCourse(courseKey)
	if err != nil {
		return &PublishError{CourseKey: courseKey, Err: err}
	}
	defer fl.Unlock() //nolint:errcheck

	storePath := s.StorePath(courseKey)
	if _, err := os.Stat(storePath); err != nil {
		return &PublishError{CourseKey: courseKey, Err: fmt.Errorf("no stored version: %w", err)}
	}

	if err := os.MkdirAll(s.publishedRoot, 0o755); err != nil {
		return &PublishError{CourseKey: courseKey, Err: err}
	}

	publishedPath := s.PublishedPath(courseKey)
	if err := swapIn(storePath, publishedPath); err != nil {
		return &PublishError{CourseKey: courseKey, Err: err}
	}

	// The store was consumed by the rename; restore it from the
	// published tree so the next stage has a baseline to replace.
	tmp := filepath.Join(s.storeRoot, fmt.Sprintf(".tmp-%s-%s", courseKey, uuid.NewString()[:8]))
	if err := copyTree(publishedPath, tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return &PublishError{CourseKey: courseKey, Err: fmt.Errorf("restore store copy: %w", err)}
	}
	if err := os.Rename(tmp, storePath); err != nil {
		_ = os.RemoveAll(tmp)
		return &PublishError{CourseKey: courseKey, Err: fmt.Errorf("restore store copy: %w", err)}
	}

	slog.Info("Published course", logfields.Course(courseKey))
	return nil
}

// Published reports whether the course has a published tree.
func (s *Stager) Published(courseKey string) bool {
	_, err := os.Stat(s.PublishedPath(courseKey))
	return err == nil
}

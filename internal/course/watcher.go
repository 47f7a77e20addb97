package course

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/coursebuilder/internal/logfields"
)

// Watcher monitors the registry file and reloads it on change.
type Watcher struct {
	registry     *Registry
	watcher      *fsnotify.Watcher
	target       string
	debounceTime time.Duration
}

// NewWatcher creates a registry file watcher.
func NewWatcher(registry *Registry) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Resolve absolute path for consistent watching
	absPath, err := filepath.Abs(registry.Path())
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to resolve registry path: %w", err)
	}

	return &Watcher{
		registry:     registry,
		watcher:      watcher,
		target:       absPath,
		debounceTime: 2 * time.Second, // Debounce rapid file changes
	}, nil
}

// Start begins monitoring. It blocks until ctx is cancelled.
// Watching the containing directory is more reliable than watching the
// file directly: editors replace files by rename.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.target)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch registry directory %s: %w", dir, err)
	}
	defer w.watcher.Close()

	slog.Info("Watching course registry", logfields.Path(w.target))

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounceTime, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Registry watcher error", logfields.Error(err))
		case <-reload:
			if err := w.registry.Reload(); err != nil {
				slog.Error("Course registry reload failed; keeping previous set", logfields.Error(err))
				continue
			}
			slog.Info("Course registry reloaded", slog.Int("courses", w.registry.Len()))
		}
	}
}

package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/deploycore/pkg/config"
	"github.com/openfroyo/deploycore/pkg/perpetualtask"
	"github.com/openfroyo/deploycore/pkg/telemetry"
)

// reloadDelay debounces bursts of writes from editors and config management.
const reloadDelay = 500 * time.Millisecond

// taskScheduler is the part of perpetualtask.Scheduler the reloader drives.
type taskScheduler interface {
	Add(task perpetualtask.Task) error
	Remove(id string) bool
}

// taskReloader keeps the scheduled tasks in line with the tasks block of the config file.
// Only tasks are reloaded; telemetry, publisher and store settings need a restart.
type taskReloader struct {
	path   string
	sched  taskScheduler
	logger *telemetry.Logger

	mu      sync.Mutex
	current map[string]perpetualtask.Task
}

func newTaskReloader(path string, sched taskScheduler, logger *telemetry.Logger, scheduled []perpetualtask.Task) *taskReloader {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	current := make(map[string]perpetualtask.Task, len(scheduled))
	for _, task := range scheduled {
		current[task.ID] = task
	}
	return &taskReloader{path: path, sched: sched, logger: logger, current: current}
}

// reload re-reads the config and reconciles the scheduler: vanished and changed tasks
// are removed, new and changed tasks are added. A config that fails to load or
// validate leaves the schedule untouched.
func (r *taskReloader) reload() error {
	cfg, err := config.LoadAgentConfig(r.path)
	if err != nil {
		return err
	}
	// Build the desired schedule
	desired := make(map[string]perpetualtask.Task, len(cfg.Tasks))
	for _, tc := range cfg.Tasks {
		task, err := buildTask(cfg, tc)
		if err != nil {
			return err
		}
		desired[task.ID] = task
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Remove vanished and changed tasks
	removed, added := 0, 0
	for id, cur := range r.current {
		if next, ok := desired[id]; ok && sameTask(cur, next) {
			continue
		}
		r.sched.Remove(id)
		delete(r.current, id)
		removed++
	}

	// Add new and changed tasks; one bad task does not block the rest
	var errs []error
	for id, next := range desired {
		if _, ok := r.current[id]; ok {
			continue
		}
		if err := r.sched.Add(next); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", id, err))
			continue
		}
		r.current[id] = next
		added++
	}

	r.logger.WithFields(map[string]interface{}{
		"added":   added,
		"removed": removed,
		"tasks":   len(r.current),
	}).Info("tasks reloaded")
	return errors.Join(errs...)
}

func sameTask(a, b perpetualtask.Task) bool {
	return a.Type == b.Type && a.Interval == b.Interval && bytes.Equal(a.Params, b.Params)
}

// watch reloads tasks whenever the config file changes, until ctx is done.
// The directory is watched so that editors replacing the file are seen.
func (r *taskReloader) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", r.path, err)
	}

	go r.processEvents(ctx, watcher)

	r.logger.WithField("path", r.path).Info("watching config for task changes")
	return nil
}

func (r *taskReloader) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			// Only the config file itself, not its siblings
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			// Debounce reload
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				if ctx.Err() != nil {
					return
				}
				if err := r.reload(); err != nil {
					r.logger.WithError(err).Error("failed to reload tasks")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("config watcher error")
		}
	}
}

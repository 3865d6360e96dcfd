package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/deploycore/pkg/perpetualtask"
	"github.com/openfroyo/deploycore/pkg/telemetry"
)

const reloadConfig = `
telemetry:
  service_name: deployagent
  service_version: test
  logging:
    level: error
    format: json
  metrics:
    enabled: false
publisher:
  kind: log
  subject: deploycore.instancesync
infrastructures:
  dc1:
    kind: PDC
    region: dc1
tasks:
%s
`

const hostsTask = `  - id: %s
    type: PDC_INSTANCE_SYNC_NG
    infra: dc1
    interval: %s
    params:
      hosts: []
`

func writeTasks(t *testing.T, path string, tasks ...string) {
	t.Helper()
	block := ""
	for _, task := range tasks {
		block += task
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf(reloadConfig, block)), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

// recordingScheduler tracks the schedule the reloader builds.
type recordingScheduler struct {
	mu      sync.Mutex
	tasks   map[string]perpetualtask.Task
	removed []string
}

func newRecordingScheduler() *recordingScheduler {
	return &recordingScheduler{tasks: map[string]perpetualtask.Task{}}
}

func (s *recordingScheduler) Add(task perpetualtask.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already scheduled", task.ID)
	}
	s.tasks[task.ID] = task
	return nil
}

func (s *recordingScheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	s.removed = append(s.removed, id)
	return true
}

func (s *recordingScheduler) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *recordingScheduler) task(id string) perpetualtask.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

func quietLogger() *telemetry.Logger {
	return telemetry.NewLoggerWithWriter(io.Discard, "error")
}

func TestTaskReloader_Reconciles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployagent.yaml")
	writeTasks(t, path, fmt.Sprintf(hostsTask, "a", "1m"), fmt.Sprintf(hostsTask, "b", "1m"))

	sched := newRecordingScheduler()
	r := newTaskReloader(path, sched, quietLogger(), nil)
	if err := r.reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := sched.ids(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Expected tasks [a b], got %v", got)
	}

	// a changes cadence, b goes away, c is new
	writeTasks(t, path, fmt.Sprintf(hostsTask, "a", "5m"), fmt.Sprintf(hostsTask, "c", "1m"))
	if err := r.reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := sched.ids(); len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("Expected tasks [a c], got %v", got)
	}
	if sched.task("a").Interval != 5*time.Minute {
		t.Errorf("Expected a rescheduled at 5m, got %v", sched.task("a").Interval)
	}
	sort.Strings(sched.removed)
	if len(sched.removed) != 2 || sched.removed[0] != "a" || sched.removed[1] != "b" {
		t.Errorf("Expected a and b removed, got %v", sched.removed)
	}

	// Unchanged tasks stay where they are
	if err := r.reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if len(sched.removed) != 2 {
		t.Errorf("Expected no removals for an unchanged config, got %v", sched.removed)
	}
}

func TestTaskReloader_InvalidConfigKeepsSchedule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployagent.yaml")
	writeTasks(t, path, fmt.Sprintf(hostsTask, "a", "1m"))

	sched := newRecordingScheduler()
	r := newTaskReloader(path, sched, quietLogger(), nil)
	if err := r.reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("tasks: [: not yaml"), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if err := r.reload(); err == nil {
		t.Fatal("Expected reload of a broken config to fail")
	}
	if got := sched.ids(); len(got) != 1 || got[0] != "a" {
		t.Errorf("Expected schedule untouched, got %v", got)
	}
}

func TestTaskReloader_WatchAppliesEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployagent.yaml")
	writeTasks(t, path, fmt.Sprintf(hostsTask, "a", "1m"))

	sched := newRecordingScheduler()
	r := newTaskReloader(path, sched, quietLogger(), nil)
	if err := r.reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.watch(ctx); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	writeTasks(t, path, fmt.Sprintf(hostsTask, "a", "1m"), fmt.Sprintf(hostsTask, "b", "1m"))

	deadline := time.Now().Add(5 * time.Second)
	for len(sched.ids()) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected watcher to add task b, got %v", sched.ids())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

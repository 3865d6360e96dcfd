package perpetualtask

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/deploycore/pkg/engine"
	"github.com/openfroyo/deploycore/pkg/telemetry"
)

// Task is one scheduled perpetual task.
type Task struct {
	ID       string
	Type     string
	Params   []byte
	Interval time.Duration
}

// Runner executes one run of a task. Dispatcher satisfies it.
type Runner interface {
	RunOnce(ctx context.Context, taskType, taskID string, params []byte, heartbeat time.Time) Response
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, taskType, taskID string, params []byte, heartbeat time.Time) Response

// RunOnce implements Runner.
func (f RunnerFunc) RunOnce(ctx context.Context, taskType, taskID string, params []byte, heartbeat time.Time) Response {
	return f(ctx, taskType, taskID, params, heartbeat)
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// Parallelism bounds concurrent runs across all tasks. Defaults to 10.
	Parallelism int

	// RunTimeout bounds a single run. Zero means no bound.
	RunTimeout time.Duration

	// Logger defaults to the logger in the Start context.
	Logger *telemetry.Logger

	// OnResponse is called after every run.
	OnResponse func(task Task, resp Response)
}

// Scheduler runs each task on its own cadence. Every task has its own goroutine
// and runs start immediately, then once per interval. A weighted semaphore bounds
// how many runs execute at once.
type Scheduler struct {
	runner Runner
	opts   SchedulerOptions
	sem    *semaphore.Weighted

	mu      sync.Mutex
	tasks   map[string]Task
	cancels map[string]context.CancelFunc
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler that executes runs through runner.
func NewScheduler(runner Runner, opts SchedulerOptions) *Scheduler {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 10
	}
	return &Scheduler{
		runner:  runner,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.Parallelism)),
		tasks:   make(map[string]Task),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Add registers a task. When the scheduler is running the task starts at once.
func (s *Scheduler) Add(task Task) error {
	if task.ID == "" {
		return engine.NewInvalidArgumentsError("task id is required", nil).WithCode(engine.ErrCodeValidation)
	}
	if task.Interval <= 0 {
		return engine.NewInvalidArgumentsError(fmt.Sprintf("task %q needs a positive interval", task.ID), nil).
			WithCode(engine.ErrCodeValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return engine.NewInvalidArgumentsError(fmt.Sprintf("task %q is already scheduled", task.ID), nil).
			WithCode(engine.ErrCodeValidation)
	}
	s.tasks[task.ID] = task
	// Start right away when already running
	if s.ctx != nil {
		s.launch(task)
	}
	s.setGauge()
	return nil
}

// Remove unschedules a task. A run already in flight completes.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	// Stop the task's loop
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
	s.setGauge()
	return true
}

// Tasks returns the number of scheduled tasks.
func (s *Scheduler) Tasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Start launches every registered task. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return engine.NewInvalidArgumentsError("scheduler already started", nil)
	}
	if s.opts.Logger == nil {
		s.opts.Logger = telemetry.FromContext(ctx).NewComponentLogger("scheduler")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, task := range s.tasks {
		s.launch(task)
	}
	s.setGauge()
	s.opts.Logger.WithField("tasks", len(s.tasks)).WithField("parallelism", s.opts.Parallelism).Info("scheduler started")
	return nil
}

// Stop cancels every task and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	// Cancel all loops and wait for them
	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.cancels = make(map[string]context.CancelFunc)
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()
	s.opts.Logger.Info("scheduler stopped")
}

// launch must be called with s.mu held.
func (s *Scheduler) launch(task Task) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancels[task.ID] = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, task)
	}()
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	// First run is immediate
	for {
		s.runOnce(ctx, task)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, task Task) {
	// Wait for a run slot; cancellation skips the run
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	// Bound the run
	runCtx := ctx
	if s.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
		defer cancel()
	}

	logger := s.opts.Logger.WithTaskID(task.ID).WithField("run_id", uuid.New().String())
	start := time.Now()
	resp := s.runner.RunOnce(runCtx, task.Type, task.ID, task.Params, start.UTC())
	logger = logger.WithField("response_code", resp.ResponseCode).WithField("duration_ms", time.Since(start).Milliseconds())
	if resp.OK() {
		logger.Debug("task run finished")
	} else {
		logger.WithField("message", resp.ResponseMessage).Warn("task run failed")
	}

	if s.opts.OnResponse != nil {
		s.opts.OnResponse(task, resp)
	}
}

// setGauge must be called with s.mu held.
func (s *Scheduler) setGauge() {
	if s.ctx == nil {
		return
	}
	if m := telemetry.MetricsFromContext(s.ctx); m != nil {
		m.SetScheduledTasks(len(s.tasks))
	}
}

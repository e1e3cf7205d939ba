// Package scheduler runs periodic maintenance tasks (such as sweeping expired
// pairing requests) on cron schedules via robfig/cron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskFunc is the body of a scheduled task.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	schedule string
	fn       TaskFunc
	entryID  cron.EntryID
}

// Scheduler runs named tasks on cron expressions or "@every <duration>".
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser

	// taskTimeout bounds a single run (default: 1 minute).
	taskTimeout time.Duration

	tasks   map[string]*task
	running map[string]bool

	logger *slog.Logger
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:        cron.New(cron.WithParser(parser)),
		parser:      parser,
		taskTimeout: time.Minute,
		tasks:       make(map[string]*task),
		running:     make(map[string]bool),
		logger:      logger.With("component", "scheduler"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Add registers a task. The schedule is validated immediately.
func (s *Scheduler) Add(name, schedule string, fn TaskFunc) error {
	if name == "" {
		return fmt.Errorf("scheduler: task name is required")
	}
	if _, err := s.parser.Parse(schedule); err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for %s: %w", schedule, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("scheduler: task %q already exists", name)
	}

	t := &task{name: name, schedule: schedule, fn: fn}
	id, err := s.cron.AddFunc(schedule, func() { s.execute(t) })
	if err != nil {
		return fmt.Errorf("scheduler: adding %s: %w", name, err)
	}
	t.entryID = id
	s.tasks[name] = t
	return nil
}

// Remove unregisters a task. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[name]; ok {
		s.cron.Remove(t.entryID)
		delete(s.tasks, name)
	}
}

// Start begins firing tasks. Tasks are cancelled when ctx ends or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	n := len(s.tasks)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "tasks", n)
}

// Stop halts the scheduler and waits briefly for running tasks.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// RunNow executes a task synchronously outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", name)
	}
	return s.execute(t)
}

// execute runs t unless a previous run is still active.
func (s *Scheduler) execute(t *task) error {
	s.mu.Lock()
	if s.running[t.name] {
		s.mu.Unlock()
		s.logger.Debug("task still running, skipping", "task", t.name)
		return nil
	}
	s.running[t.name] = true
	parent := s.ctx
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, t.name)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(parent, s.taskTimeout)
	defer cancel()

	start := time.Now()
	err := t.fn(ctx)
	if err != nil {
		s.logger.Error("task failed", "task", t.name, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("task done", "task", t.name, "duration", time.Since(start))
	return nil
}

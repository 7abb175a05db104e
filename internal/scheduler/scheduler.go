// Package scheduler runs mediarr's periodic maintenance tasks on cron
// schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnknownTask is returned by RunNow for an unregistered task name.
var ErrUnknownTask = errors.New("unknown task")

// Task is one unit of maintenance work.
type Task func(ctx context.Context) error

// TaskInfo describes a registered task.
type TaskInfo struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	Next     time.Time     `json:"next"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	LastErr  string        `json:"last_error,omitempty"`
	Duration time.Duration `json:"duration"`
}

type task struct {
	name     string
	schedule string
	fn       Task
	entryID  cron.EntryID

	mu       sync.Mutex // held while the task runs
	lastRun  time.Time
	lastErr  error
	duration time.Duration
}

// Scheduler manages maintenance tasks using cron expressions.
type Scheduler struct {
	mu     sync.RWMutex
	cron   *cron.Cron
	parser cron.Parser
	tasks  map[string]*task
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. Expressions use five fields or a
// descriptor such as "@every 30m".
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{logger})),
		parser: parser,
		tasks:  make(map[string]*task),
		logger: logger,
	}
}

// Register adds a task. An empty schedule leaves the task registered but
// only runnable through RunNow.
func (s *Scheduler) Register(name, schedule string, fn Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("task %q already registered", name)
	}
	t := &task{name: name, schedule: schedule, fn: fn}
	if schedule != "" {
		sched, err := s.parser.Parse(schedule)
		if err != nil {
			return fmt.Errorf("invalid cron expression for %s: %w", name, err)
		}
		t.entryID = s.cron.Schedule(sched, cron.FuncJob(func() { s.run(t) }))
	}
	s.tasks[name] = t
	return nil
}

// Start begins running scheduled tasks.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()

	s.logger.Info("scheduler started", slog.Int("tasks", len(s.tasks)))
	return nil
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// run executes t unless a previous run is still in progress.
func (s *Scheduler) run(t *task) {
	if !t.mu.TryLock() {
		s.logger.Debug("skipping task, previous run still active", slog.String("task", t.name))
		return
	}
	defer t.mu.Unlock()
	s.execute(s.context(), t)
}

func (s *Scheduler) execute(ctx context.Context, t *task) error {
	start := time.Now()
	err := t.fn(ctx)
	t.lastRun, t.lastErr, t.duration = start, err, time.Since(start)

	if err != nil {
		s.logger.Error("task failed",
			slog.String("task", t.name),
			slog.Duration("duration", t.duration),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Debug("task completed", slog.String("task", t.name), slog.Duration("duration", t.duration))
	}
	return err
}

// RunNow runs a task immediately, waiting for any in-progress run first.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	t, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return s.execute(ctx, t)
}

// Tasks returns the registered tasks ordered by name.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		info := TaskInfo{Name: t.name, Schedule: t.schedule}
		if t.entryID != 0 {
			info.Next = s.cron.Entry(t.entryID).Next
		}
		if t.mu.TryLock() {
			info.LastRun, info.Duration = t.lastRun, t.duration
			if t.lastErr != nil {
				info.LastErr = t.lastErr.Error()
			}
			t.mu.Unlock()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParseCron validates a cron expression and returns the next run time.
func (s *Scheduler) ParseCron(expr string) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule.Next(time.Now()), nil
}

// ValidateCron validates a cron expression.
func (s *Scheduler) ValidateCron(expr string) error {
	_, err := s.parser.Parse(expr)
	return err
}

// cronLogger routes robfig/cron's logging to slog.
type cronLogger struct{ logger *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

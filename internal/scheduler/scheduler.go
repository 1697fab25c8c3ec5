// Package scheduler runs periodic background tasks and one-shot delayed tasks. Failures and
// panics are contained at the task boundary; a task that keeps failing backs off and is
// reported unhealthy.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

const (
	defaultMaxFailures = 3
	maxBackoffFactor   = 8
)

// Task is a periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	// Timeout bounds one run. Zero uses the interval.
	Timeout time.Duration
	// Immediate runs the task once at start instead of waiting one interval.
	Immediate bool
	Run       func(ctx context.Context) error
}

// Observer is told about every periodic run.
type Observer func(ctx context.Context, task string, elapsed time.Duration, err error)

// TaskHealth is a point-in-time view of one task.
type TaskHealth struct {
	Name                string    `json:"name"`
	Runs                uint64    `json:"runs"`
	LastRun             time.Time `json:"last_run"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Healthy             bool      `json:"healthy"`
}

// Scheduler owns its task goroutines. Tasks added after Start begin immediately.
type Scheduler struct {
	logger      *zap.Logger
	observer    Observer
	maxFailures int

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   map[string]*taskState
	pending []Task
	delayed map[uint64]*time.Timer
	nextID  uint64
	wg      conc.WaitGroup
}

type taskState struct {
	task   Task
	health TaskHealth
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver registers a run observer, typically a metrics recorder.
func WithObserver(fn Observer) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// WithMaxFailures sets the consecutive failure count at which a task turns unhealthy.
func WithMaxFailures(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxFailures = n
		}
	}
}

// New constructs a stopped scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:      zap.NewNop(),
		maxFailures: defaultMaxFailures,
		tasks:       make(map[string]*taskState),
		delayed:     make(map[uint64]*time.Timer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Every registers a periodic task. Names must be unique.
func (s *Scheduler) Every(task Task) error {
	if task.Name == "" || task.Run == nil {
		return fmt.Errorf("scheduler: task name and run func required")
	}
	if task.Interval <= 0 {
		return fmt.Errorf("scheduler: task %s: interval must be positive", task.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("scheduler: task %s already registered", task.Name)
	}
	st := &taskState{task: task, health: TaskHealth{Name: task.Name, Healthy: true}}
	s.tasks[task.Name] = st
	if s.ctx != nil {
		s.launchLocked(st)
	}
	return nil
}

// Start launches every registered task. Tasks stop when ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, st := range s.tasks {
		s.launchLocked(st)
	}
}

// After runs fn once after delay on its own goroutine. The returned func cancels the task
// if it has not fired; it reports whether the cancel took effect.
func (s *Scheduler) After(name string, delay time.Duration, fn func(ctx context.Context)) (func() bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return nil, fmt.Errorf("scheduler: not started")
	}
	if s.ctx.Err() != nil {
		return nil, fmt.Errorf("scheduler: stopped")
	}
	id := s.nextID
	s.nextID++
	ctx := s.ctx
	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.delayed[id]
		delete(s.delayed, id)
		s.mu.Unlock()
		if !live || ctx.Err() != nil {
			return
		}
		var catcher panics.Catcher
		catcher.Try(func() { fn(ctx) })
		if rec := catcher.Recovered(); rec != nil {
			s.logger.Error("delayed task panicked", zap.String("task", name), zap.Error(rec.AsError()))
		}
	})
	s.delayed[id] = timer
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, live := s.delayed[id]; !live {
			return false
		}
		delete(s.delayed, id)
		return timer.Stop()
	}, nil
}

// Stop cancels delayed tasks and waits for running periodic tasks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	for id, timer := range s.delayed {
		timer.Stop()
		delete(s.delayed, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Health returns every task's health ordered by name.
func (s *Scheduler) Health() []TaskHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskHealth, 0, len(s.tasks))
	for _, st := range s.tasks {
		out = append(out, st.health)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Unhealthy returns the names of tasks at or beyond the failure bound.
func (s *Scheduler) Unhealthy() []string {
	var names []string
	for _, h := range s.Health() {
		if !h.Healthy {
			names = append(names, h.Name)
		}
	}
	return names
}

func (s *Scheduler) launchLocked(st *taskState) {
	ctx := s.ctx
	s.wg.Go(func() { s.loop(ctx, st) })
}

func (s *Scheduler) loop(ctx context.Context, st *taskState) {
	task := st.task
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = task.Interval
	bo.MaxInterval = task.Interval * maxBackoffFactor

	wait := task.Interval
	if task.Immediate {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		err := s.runOnce(ctx, task)
		if ctx.Err() != nil {
			return
		}
		wait = task.Interval
		if err != nil {
			if next := bo.NextBackOff(); next != backoff.Stop && next > wait {
				wait = next
			}
		} else {
			bo.Reset()
		}
		timer.Reset(wait)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, task Task) error {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = task.Interval
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var (
		err     error
		catcher panics.Catcher
	)
	catcher.Try(func() { err = task.Run(runCtx) })
	if rec := catcher.Recovered(); rec != nil {
		err = fmt.Errorf("task %s panicked: %w", task.Name, rec.AsError())
	}
	if err == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("task %s: %w", task.Name, context.DeadlineExceeded)
	}
	elapsed := time.Since(start)

	s.mu.Lock()
	st := s.tasks[task.Name]
	st.health.Runs++
	st.health.LastRun = start.UTC()
	if err != nil && ctx.Err() == nil {
		st.health.ConsecutiveFailures++
		st.health.LastError = err.Error()
		st.health.Healthy = st.health.ConsecutiveFailures < s.maxFailures
	} else if err == nil {
		st.health.ConsecutiveFailures = 0
		st.health.LastError = ""
		st.health.Healthy = true
	}
	failures := st.health.ConsecutiveFailures
	s.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.logger.Warn("scheduled task failed",
			zap.String("task", task.Name),
			zap.Int("consecutive_failures", failures),
			zap.Error(err))
	}
	if s.observer != nil {
		s.observer(ctx, task.Name, elapsed, err)
	}
	return err
}

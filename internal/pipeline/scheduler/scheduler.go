// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/metrics"
)

// Task is a unit of periodic work. The pipeline workers implement it.
type Task interface {
	ID() string
	Interval() time.Duration
	RunBatch(ctx context.Context) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of time.Timer the scheduler uses.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// RealClock implements Clock with the standard time package.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }
func (RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) C() <-chan time.Time        { return r.t.C }
func (r *realTimer) Stop() bool                 { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

// TaskStatus is one task's view in a Snapshot.
type TaskStatus struct {
	ID           string        `json:"id"`
	Label        string        `json:"label"`
	Interval     time.Duration `json:"interval"`
	Running      bool          `json:"running"`
	LastStart    *time.Time    `json:"last_start,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	Runs         uint64        `json:"runs"`
	Skips        uint64        `json:"skips"`
	Panics       uint64        `json:"panics"`
}

type entry struct {
	task  Task
	label string

	running atomic.Bool
	runs    atomic.Uint64
	skips   atomic.Uint64
	panics  atomic.Uint64

	mu           sync.Mutex
	lastStart    time.Time
	lastDuration time.Duration
	lastError    string
}

// Scheduler drives registered tasks on their intervals, one goroutine
// per task. A tick that falls due while the previous run is still in
// flight is skipped and counted, never queued.
type Scheduler struct {
	clock  Clock
	logger zerolog.Logger

	mu      sync.Mutex
	entries []*entry
	started bool

	wg sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSchedulerClock overrides the time source.
func WithSchedulerClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New builds an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  RealClock{},
		logger: log.WithComponent("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a task under a human-readable label. Registering after
// Start is an error.
func (s *Scheduler) Register(task Task, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started, cannot register %q", task.ID())
	}
	if task.Interval() <= 0 {
		return fmt.Errorf("task %q has no interval", task.ID())
	}
	for _, e := range s.entries {
		if e.task.ID() == task.ID() {
			return fmt.Errorf("task %q registered twice", task.ID())
		}
	}
	s.entries = append(s.entries, &entry{task: task, label: label})
	return nil
}

// Start launches one loop goroutine per registered task. The loops stop
// ticking when ctx is cancelled; call Stop to wait for in-flight runs.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	s.logger.Info().
		Str(log.FieldEvent, "scheduler.started").
		Int("tasks", len(s.entries)).
		Msg("scheduler started")
}

// Stop blocks until every loop has exited and every in-flight run has
// returned. Cancel the Start context first.
func (s *Scheduler) Stop() {
	s.wg.Wait()
	s.logger.Info().
		Str(log.FieldEvent, "scheduler.stopped").
		Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	interval := e.task.Interval()
	// Jittered first fire so the workers do not all wake at once.
	timer := s.clock.NewTimer(firstFire(interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			s.dispatch(ctx, e)
			timer.Reset(interval)
		}
	}
}

// dispatch starts one run in its own goroutine, unless the previous run
// is still going.
func (s *Scheduler) dispatch(ctx context.Context, e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		e.skips.Add(1)
		metrics.RecordSchedulerSkip(e.task.ID())
		s.logger.Warn().
			Str(log.FieldEvent, "scheduler.tick_skipped").
			Str(log.FieldWorker, e.task.ID()).
			Msg("previous run still in flight")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer e.running.Store(false)
		s.runOnce(ctx, e)
	}()
}

func (s *Scheduler) runOnce(ctx context.Context, e *entry) {
	start := s.clock.Now()
	e.mu.Lock()
	e.lastStart = start
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			metrics.RecordSchedulerPanic(e.task.ID())
			s.logger.Error().
				Str(log.FieldEvent, "scheduler.task_panicked").
				Str(log.FieldWorker, e.task.ID()).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("task panicked, scheduler continues")
			s.finish(e, start, fmt.Errorf("panic: %v", r))
		}
	}()

	err := e.task.RunBatch(log.ContextWithWorker(ctx, e.task.ID()))
	s.finish(e, start, err)
}

func (s *Scheduler) finish(e *entry, start time.Time, err error) {
	e.runs.Add(1)
	e.mu.Lock()
	e.lastDuration = s.clock.Now().Sub(start)
	if err != nil {
		e.lastError = err.Error()
	} else {
		e.lastError = ""
	}
	e.mu.Unlock()
	if err != nil {
		s.logger.Error().
			Err(err).
			Str(log.FieldEvent, "scheduler.task_failed").
			Str(log.FieldWorker, e.task.ID()).
			Msg("task run failed")
	}
}

// Snapshot reports the state of every registered task, sorted by id.
func (s *Scheduler) Snapshot() []TaskStatus {
	s.mu.Lock()
	entries := make([]*entry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	out := make([]TaskStatus, 0, len(entries))
	for _, e := range entries {
		st := TaskStatus{
			ID:       e.task.ID(),
			Label:    e.label,
			Interval: e.task.Interval(),
			Running:  e.running.Load(),
			Runs:     e.runs.Load(),
			Skips:    e.skips.Load(),
			Panics:   e.panics.Load(),
		}
		e.mu.Lock()
		if !e.lastStart.IsZero() {
			ls := e.lastStart
			st.LastStart = &ls
		}
		st.LastDuration = e.lastDuration
		st.LastError = e.lastError
		e.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// firstFire spreads initial ticks over the first tenth of the interval.
func firstFire(interval time.Duration) time.Duration {
	window := interval / 10
	if window <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(window)))
}

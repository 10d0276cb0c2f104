// Package scheduler drives named tasks on independent cadences. Each task
// runs on its own goroutine, so a slow task never delays another's firing,
// and iterations of one task never overlap.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/Klingon-tech/mixnet-ct/config"
	"github.com/Klingon-tech/mixnet-ct/internal/log"
)

// TaskFunc is one task iteration. It must honour ctx cancellation.
type TaskFunc func(ctx context.Context)

type task struct {
	name     string
	schedule config.Schedule
	fn       TaskFunc
}

// Scheduler runs registered tasks until stopped, then invokes cleanup hooks
// in registration order.
type Scheduler struct {
	mu       sync.Mutex
	tasks    []task
	cleanups []func()
	started  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an idle scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel}
}

// Register adds a named task. Disabled schedules are kept for visibility but
// never fire. Must be called before Start.
func (s *Scheduler) Register(name string, schedule config.Schedule, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task{name: name, schedule: schedule, fn: fn})
}

// OnStop registers a cleanup hook to run after every task has drained.
// Hooks run in registration order.
func (s *Scheduler) OnStop(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, fn)
}

// Start launches every enabled task. Each runs once immediately, then on
// its interval.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for _, t := range s.tasks {
		if !t.schedule.Enabled() {
			log.Scheduler.Info().Str("task", t.name).Msg("Task disabled")
			continue
		}
		s.wg.Add(1)
		go s.run(t)
		log.Scheduler.Info().Str("task", t.name).Dur("interval", t.schedule.Interval()).
			Msg("Task scheduled")
	}
}

// run is one task's loop. A panicking iteration is logged and the loop
// keeps going; one bad cycle must not kill the cadence.
func (s *Scheduler) run(t task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.schedule.Interval())
	defer ticker.Stop()

	s.iterate(t)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.iterate(t)
		}
	}
}

func (s *Scheduler) iterate(t task) {
	defer func() {
		if r := recover(); r != nil {
			log.Scheduler.Error().Str("task", t.name).Interface("panic", r).
				Msg("Task iteration panicked")
		}
	}()

	if s.ctx.Err() != nil {
		return
	}
	start := time.Now()
	t.fn(s.ctx)
	log.Scheduler.Debug().Str("task", t.name).Dur("took", time.Since(start)).Msg("Task iteration done")
}

// Stop signals every task to stop, waits for in-flight iterations to finish,
// then runs the cleanup hooks.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	cleanups := s.cleanups
	s.mu.Unlock()
	for _, fn := range cleanups {
		fn()
	}
	log.Scheduler.Info().Msg("Scheduler stopped")
}

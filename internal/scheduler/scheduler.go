// Package scheduler provides the collector's concurrency fabric: one
// goroutine per named periodic task, each invocation serialized against
// its own task's previous invocation while different tasks run fully
// independently (spec.md §5: "Separate named schedulers serialize
// invocations within a task but allow different tasks to overlap").
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/simrail-mirror/collector/internal/logger"
)

// Task is one unit of scheduled work. Implementations must not panic;
// any per-cycle failure should be logged and absorbed so the next tick
// still fires.
type Task func(ctx context.Context)

// Scheduler runs a set of named periodic tasks and one cron-driven task.
type Scheduler struct {
	log  *logger.Logger
	cron *cron.Cron

	wg sync.WaitGroup
}

// New builds a Scheduler.
func New(log *logger.Logger) *Scheduler {
	return &Scheduler{
		log:  log,
		cron: cron.New(cron.WithLocation(time.UTC)),
	}
}

// Every registers a ticker-driven task at the given period. The task's
// own previous invocation is always complete before the next fires,
// because the loop body itself runs the task synchronously between
// ticks — a slow cycle simply delays the next tick rather than
// overlapping it.
func (s *Scheduler) Every(ctx context.Context, name string, period time.Duration, initialDelay time.Duration, task Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initialDelay > 0 {
			select {
			case <-time.After(initialDelay):
			case <-ctx.Done():
				return
			}
		}

		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			s.runOnce(ctx, name, task)
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) runOnce(ctx context.Context, name string, task Task) {
	defer func() {
		if r := recover(); r != nil && s.log != nil {
			s.log.WithFields(logger.Fields{"task": name, "panic": r}).Error("scheduled task panicked")
		}
	}()
	task(ctx)
}

// Cron registers a task against a standard 5-field cron expression,
// evaluated in UTC, used only by the daily cleanup task (spec.md §4.10).
func (s *Scheduler) Cron(expr string, task Task) error {
	_, err := s.cron.AddFunc(expr, func() {
		s.runOnce(context.Background(), "cron:"+expr, task)
	})
	return err
}

// Start begins the cron scheduler. Ticker tasks registered via Every are
// already running once called.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron scheduler and waits for in-flight invocations to
// finish. It does not cancel ticker tasks itself: they exit once the ctx
// passed to Every is cancelled, and Stop waits for them to do so.
func (s *Scheduler) Stop(ctx context.Context) {
	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	s.wg.Wait()
}

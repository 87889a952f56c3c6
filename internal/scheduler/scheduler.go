// Package scheduler runs named background tasks at fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wudi/ignite/internal/logging"
	"go.uber.org/zap"
)

// Task is one tick of a recurring job.
type Task func(ctx context.Context) error

// Scheduler owns a set of recurring tasks. Tasks are registered explicitly at
// startup; Stop cancels all of them and waits for in-flight ticks to return.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]context.CancelFunc
}

// New creates a scheduler bound to the parent context.
func New(parent context.Context) *Scheduler {
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]context.CancelFunc),
	}
}

// Every runs fn every interval until the scheduler stops. A task name can be
// registered once; registering it again replaces the previous task.
// Errors and panics in fn are logged and never end the loop.
func (s *Scheduler) Every(name string, interval time.Duration, fn Task) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: task %s: interval must be > 0", name)
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("scheduler: stopped")
	}

	ctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if prev, ok := s.tasks[name]; ok {
		prev()
	}
	s.tasks[name] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, name, interval, fn)
	return nil
}

// Cancel stops a single task by name.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.tasks[name]
	if ok {
		cancel()
		delete(s.tasks, name)
	}
	return ok
}

// Names returns the registered task names.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for n := range s.tasks {
		names = append(names, n)
	}
	return names
}

// Stop cancels all tasks and waits for them to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, fn Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, name, fn)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, name string, fn Task) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("scheduled task panicked",
				zap.String("task", name),
				zap.Any("panic", r),
			)
		}
	}()
	if err := fn(ctx); err != nil {
		logging.Warn("scheduled task failed",
			zap.String("task", name),
			zap.Error(err),
		)
	}
}

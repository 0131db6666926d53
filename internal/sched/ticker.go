// Package sched runs recurring tasks with guaranteed cancellation. It replaces
// scattered ticker loops: a task is started when its owner becomes active and
// stopped, with a join, when the owner is torn down.
package sched

import (
	"context"
	"sync"
	"time"
)

// Task is one recurring job. Start at most once; Stop blocks until the last
// invocation of fn has returned.
type Task struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewTask() *Task {
	return &Task{}
}

// Start invokes fn every interval until Stop is called or ctx is cancelled.
// Starting an already-running task is a no-op.
func (t *Task) Start(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.started = true

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				fn(runCtx)
			}
		}
	}()
}

// Stop cancels the task and waits for it to exit. Safe to call repeatedly and
// on a task that was never started.
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	cancel, done := t.cancel, t.done
	t.started = false
	t.mu.Unlock()

	cancel()
	<-done
}

// Package loop runs a session's work on a single goroutine.
package loop

import (
	"context"
	"sync"
)

// Task is one unit of work run on the loop goroutine.
type Task func(ctx context.Context)

// Loop executes posted tasks one at a time in FIFO order. The queue is
// unbounded, so Post never blocks and a task may post follow-up work,
// including itself, from inside the loop.
type Loop struct {
	mu    sync.Mutex
	queue []Task
	wake  chan struct{}
}

// New creates an idle loop. Call Run to start executing tasks.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post appends a task to the queue.
func (l *Loop) Post(t Task) {
	if t == nil {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, t)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) next() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	t := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return t, true
}

// Run executes tasks until ctx is cancelled. Tasks still queued at that
// point are dropped. It returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			l.drop()
			return err
		}
		if t, ok := l.next(); ok {
			t(ctx)
			continue
		}
		select {
		case <-ctx.Done():
			l.drop()
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) drop() {
	l.mu.Lock()
	l.queue = nil
	l.mu.Unlock()
}

// Package runner executes independent tasks on a bounded pool of goroutines.
package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle position of a task
type State int

const (
	StatePending State = iota
	StateInProgress
	StateDone
	StateFailed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in_progress"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsFinished reports whether the task reached a terminal state
func (s State) IsFinished() bool {
	return s == StateDone || s == StateFailed
}

// Outcome records what happened to one task
type Outcome[T any] struct {
	Index    int
	Task     T
	State    State
	Err      error
	Started  time.Time
	Finished time.Time
}

// Duration returns how long the task ran
func (o Outcome[T]) Duration() time.Duration {
	if o.Started.IsZero() || o.Finished.IsZero() {
		return 0
	}
	return o.Finished.Sub(o.Started)
}

// Hooks are called from worker goroutines and must be safe for concurrent use
type Hooks[T any] struct {
	OnStart  func(index int, task T)
	OnFinish func(outcome Outcome[T])
}

// Report holds one outcome per task, in input order
type Report[T any] struct {
	Outcomes []Outcome[T]
}

// Failed returns the failed outcomes in input order
func (r *Report[T]) Failed() []Outcome[T] {
	var failed []Outcome[T]
	for _, o := range r.Outcomes {
		if o.State == StateFailed {
			failed = append(failed, o)
		}
	}
	return failed
}

// Succeeded returns the number of tasks that finished without error
func (r *Report[T]) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == StateDone {
			n++
		}
	}
	return n
}

// Err combines every task error, or returns nil when all tasks succeeded
func (r *Report[T]) Err() error {
	var err error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			err = multierr.Append(err, o.Err)
		}
	}
	return err
}

// Run executes fn for every task with at most workers calls in flight and
// blocks until all of them have finished. A failing task does not stop the
// others. Tasks that have not started when ctx is cancelled fail with the
// context error. workers below 1 is treated as 1.
func Run[T any](ctx context.Context, tasks []T, workers int, fn func(context.Context, T) error, hooks ...Hooks[T]) *Report[T] {
	if workers < 1 {
		workers = 1
	}
	var h Hooks[T]
	if len(hooks) > 0 {
		h = hooks[0]
	}

	report := &Report[T]{Outcomes: make([]Outcome[T], len(tasks))}
	for i, task := range tasks {
		report.Outcomes[i] = Outcome[T]{Index: i, Task: task, State: StatePending}
	}

	// Each worker writes only its own slot; mu orders those writes with hook calls.
	var mu sync.Mutex
	finish := func(i int, err error) {
		mu.Lock()
		o := &report.Outcomes[i]
		o.Finished = time.Now()
		if o.Started.IsZero() {
			o.Started = o.Finished
		}
		o.Err = err
		if err != nil {
			o.State = StateFailed
		} else {
			o.State = StateDone
		}
		outcome := *o
		mu.Unlock()

		if h.OnFinish != nil {
			h.OnFinish(outcome)
		}
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range tasks {
		// Go blocks while workers tasks are in flight.
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				finish(i, err)
				return nil
			}

			mu.Lock()
			report.Outcomes[i].State = StateInProgress
			report.Outcomes[i].Started = time.Now()
			mu.Unlock()
			if h.OnStart != nil {
				h.OnStart(i, tasks[i])
			}

			finish(i, call(ctx, tasks[i], fn))
			return nil
		})
	}
	_ = g.Wait()

	return report
}

// call runs fn and turns a panic into an error
func call[T any](ctx context.Context, task T, fn func(context.Context, T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, task)
}

// Package tasks runs fire-and-forget background work with bounded concurrency.
package tasks

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrorHandler receives the error of a failed task together with its name.
type ErrorHandler func(name string, err error)

// Runner launches tasks on their own goroutines, at most limit at a time.
// Callers never block on Go; queued tasks wait for a slot in the background.
type Runner struct {
	sem     *semaphore.Weighted
	ctx     context.Context
	cancel  context.CancelFunc
	onError ErrorHandler

	wg sync.WaitGroup
}

// NewRunner creates a runner whose tasks are canceled when parent is done or Stop is called.
func NewRunner(parent context.Context, limit int64, onError ErrorHandler) *Runner {
	if limit <= 0 {
		limit = 4
	}
	ctx, cancel := context.WithCancel(parent)
	return &Runner{
		sem:     semaphore.NewWeighted(limit),
		ctx:     ctx,
		cancel:  cancel,
		onError: onError,
	}
}

// Go submits fn. It returns false if the runner is already stopped.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) bool {
	if r.ctx.Err() != nil {
		return false
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			return
		}
		defer r.sem.Release(1)

		if err := fn(r.ctx); err != nil && r.onError != nil {
			r.onError(name, err)
		}
	}()
	return true
}

// Wait blocks until every submitted task has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Stop cancels in-flight tasks and waits for them to return.
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
}

// Context is the context tasks run under.
func (r *Runner) Context() context.Context {
	return r.ctx
}

// Package workpool caps the number of tasks running at once.
package workpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency is used when a pool is created with a limit below one.
const DefaultConcurrency = 4

// Pool gates task execution behind a weighted semaphore.
type Pool struct {
	sem   *semaphore.Weighted
	limit int
}

// New creates a pool running at most concurrency tasks at a time.
func New(concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Pool{
		sem:   semaphore.NewWeighted(int64(concurrency)),
		limit: concurrency,
	}
}

// Limit returns the maximum number of tasks that run concurrently.
func (p *Pool) Limit() int {
	return p.limit
}

// Future holds the eventual result of a submitted task.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Wait blocks until the task finished and returns its result.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.val, f.err
}

// Done is closed once the task finished.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Submit schedules fn on the pool and returns immediately.
//
// ctx only gates admission: if it is cancelled before a slot frees up, fn is
// never run and the future resolves to ctx.Err(). A task that already
// started is never interrupted by the pool.
func Submit[T any](ctx context.Context, p *Pool, fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		if err := p.sem.Acquire(ctx, 1); err != nil {
			f.err = err
			return
		}
		defer p.sem.Release(1)
		f.val, f.err = fn()
	}()
	return f
}

// Result pairs a task's value with its error.
type Result[T any] struct {
	Value T
	Err   error
}

// WaitAll waits for every future and returns their results in submission order.
func WaitAll[T any](futures []*Future[T]) []Result[T] {
	results := make([]Result[T], len(futures))
	for i, f := range futures {
		results[i].Value, results[i].Err = f.Wait()
	}
	return results
}

// Package pool provides a bounded-concurrency fan-out helper shared by every
// parallel stage of the distillation pipeline: embedding batches, LLM merge
// calls, similarity verification chunks, and job execution.
package pool

import (
	"context"
	"sync"
)

// Task is one unit of bounded work, identified by its position in the
// caller's input slice so the result can be written back in order.
type Task[T any] func(ctx context.Context, index int) (T, error)

// Run executes n tasks with at most maxParallel running concurrently.
//
// Results and errors are returned as slices indexed by task position, so
// callers that must preserve input order (embedding batch reassembly,
// hierarchical-merger subcluster concatenation) never need to re-sort.
// Each goroutine owns a disjoint slice index, so no additional
// synchronization is required beyond the WaitGroup join.
//
// If maxParallel <= 0, all tasks run with parallelism 1.
func Run[T any](ctx context.Context, maxParallel int, n int, fn Task[T]) ([]T, []error) {
	results := make([]T, n)
	errs := make([]error, n)
	if n == 0 {
		return results, errs
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}

	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				errs[idx] = ctx.Err()
				return
			}

			result, err := fn(ctx, idx)
			if err != nil {
				errs[idx] = err
				return
			}
			results[idx] = result
		}(i)
	}

	wg.Wait()
	return results, errs
}

// FirstError returns the first non-nil error in errs, or nil if all are nil.
func FirstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Semaphore is a reusable concurrency limiter, distinct from the per-call
// limiter Run creates internally. The hierarchical merger shares a single
// Semaphore across every recursion depth so that nested recursive calls
// never spawn more concurrent LLM requests than the configured parallelism,
// regardless of how deep the recursion goes (spec.md §5, "single global LLM
// semaphore").
type Semaphore struct {
	sem chan struct{}
}

// NewSemaphore creates a Semaphore allowing at most n concurrent holders.
// n <= 0 is treated as 1.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = 1
	}
	return &Semaphore{sem: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot acquired by Acquire.
func (s *Semaphore) Release() {
	<-s.sem
}

// RunWithSemaphore is Run's sibling for recursive callers that must share
// one concurrency budget across many call sites instead of each call
// getting its own fresh semaphore.
//
// fn must not itself acquire sem (directly or transitively): a task that
// blocks acquiring the same semaphore its own fan-out already holds a
// permit from deadlocks once concurrently-running tasks fill every permit,
// since none of them can release until an (unreachable) extra permit frees
// up. Callers that need the budget enforced at a deeper call site should
// use RunUnbounded here and let that deeper site acquire sem itself.
func RunWithSemaphore[T any](ctx context.Context, sem *Semaphore, n int, fn Task[T]) ([]T, []error) {
	results := make([]T, n)
	errs := make([]error, n)
	if n == 0 {
		return results, errs
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			if err := sem.Acquire(ctx); err != nil {
				errs[idx] = err
				return
			}
			defer sem.Release()

			result, err := fn(ctx, idx)
			if err != nil {
				errs[idx] = err
				return
			}
			results[idx] = result
		}(i)
	}

	wg.Wait()
	return results, errs
}

// RunUnbounded fans out n tasks with no concurrency limit of its own. Use it
// for orchestration layers that recurse or dispatch into a call path which
// acquires a shared Semaphore further down (e.g. the hierarchical merger's
// cluster/slice fan-out, which bottoms out at mergeLeaf's llmSem.Acquire):
// gating concurrency at both the fan-out and the leaf charges the same
// budget twice and deadlocks once running tasks fill the semaphore.
func RunUnbounded[T any](ctx context.Context, n int, fn Task[T]) ([]T, []error) {
	results := make([]T, n)
	errs := make([]error, n)
	if n == 0 {
		return results, errs
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				errs[idx] = ctx.Err()
				return
			default:
			}

			result, err := fn(ctx, idx)
			if err != nil {
				errs[idx] = err
				return
			}
			results[idx] = result
		}(i)
	}

	wg.Wait()
	return results, errs
}

package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_PreservesOrder(t *testing.T) {
	ctx := context.Background()
	n := 50
	results, errs := Run(ctx, 4, n, func(_ context.Context, i int) (int, error) {
		return i * i, nil
	})
	require.Nil(t, FirstError(errs))
	for i := 0; i < n; i++ {
		assert.Equal(t, i*i, results[i])
	}
}

func TestRun_BoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	var current, max int64
	n := 20
	maxParallel := 3

	_, errs := Run(ctx, maxParallel, n, func(_ context.Context, _ int) (struct{}, error) {
		cur := atomic.AddInt64(&current, 1)
		for {
			m := atomic.LoadInt64(&max)
			if cur <= m || atomic.CompareAndSwapInt64(&max, m, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return struct{}{}, nil
	})

	require.Nil(t, FirstError(errs))
	assert.LessOrEqual(t, int(max), maxParallel)
}

func TestRun_CollectsPerTaskErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	results, errs := Run(ctx, 2, 3, func(_ context.Context, i int) (int, error) {
		if i == 1 {
			return 0, boom
		}
		return i, nil
	})

	assert.Equal(t, 0, results[0])
	assert.ErrorIs(t, errs[1], boom)
	assert.Equal(t, boom, FirstError(errs))
}

func TestRun_ZeroTasks(t *testing.T) {
	results, errs := Run(context.Background(), 4, 0, func(_ context.Context, _ int) (int, error) {
		t.Fatal("should not be called")
		return 0, nil
	})
	assert.Empty(t, results)
	assert.Empty(t, errs)
}

func TestRunWithSemaphore_SharesBudgetAcrossCalls(t *testing.T) {
	ctx := context.Background()
	sem := NewSemaphore(2)
	var current, max int64

	work := func(_ context.Context, _ int) (struct{}, error) {
		cur := atomic.AddInt64(&current, 1)
		for {
			m := atomic.LoadInt64(&max)
			if cur <= m || atomic.CompareAndSwapInt64(&max, m, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return struct{}{}, nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		RunWithSemaphore(ctx, sem, 5, work)
	}()
	go func() {
		defer wg.Done()
		RunWithSemaphore(ctx, sem, 5, work)
	}()
	wg.Wait()

	assert.LessOrEqual(t, int(max), 2)
}

func TestRunUnbounded_RunsAllConcurrently(t *testing.T) {
	ctx := context.Background()
	n := 20
	var current, max int64
	release := make(chan struct{})

	go func() {
		// All n tasks must be able to reach <-release simultaneously; a
		// bounded fan-out would never get here and this would hang forever.
		for atomic.LoadInt64(&current) < int64(n) {
			time.Sleep(time.Millisecond)
		}
		close(release)
	}()

	results, errs := RunUnbounded(ctx, n, func(_ context.Context, i int) (int, error) {
		cur := atomic.AddInt64(&current, 1)
		for {
			m := atomic.LoadInt64(&max)
			if cur <= m || atomic.CompareAndSwapInt64(&max, m, cur) {
				break
			}
		}
		<-release
		atomic.AddInt64(&current, -1)
		return i, nil
	})

	require.Nil(t, FirstError(errs))
	assert.Equal(t, int64(n), max)
	for i := 0; i < n; i++ {
		assert.Equal(t, i, results[i])
	}
}

func TestRunUnbounded_ZeroTasks(t *testing.T) {
	results, errs := RunUnbounded(context.Background(), 0, func(_ context.Context, _ int) (int, error) {
		t.Fatal("should not be called")
		return 0, nil
	})
	assert.Empty(t, results)
	assert.Empty(t, errs)
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, errs := Run(ctx, 1, 5, func(c context.Context, _ int) (int, error) {
		<-c.Done()
		return 0, c.Err()
	})
	assert.Error(t, FirstError(errs))
}

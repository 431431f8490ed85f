package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsSubmittedWork(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var count int64
	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			atomic.AddInt64(&count, 1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	assert.Equal(t, int64(10), atomic.LoadInt64(&count))
	m := pool.Metrics()
	assert.Equal(t, int64(10), m.Completed)
	assert.Equal(t, int64(0), m.Failed)
	assert.Equal(t, int64(0), m.Active)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var active, peak int64
	for i := 0; i < 8; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			cur := atomic.AddInt64(&active, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestWorkerPool_SubmitBlocksAtCapacity(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	err := pool.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	// The pool is full; a submit with a short-lived context must give up.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = pool.Submit(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()
}

func TestWorkerPool_CountsFailures(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error {
		return errors.New("task failed")
	})
	require.NoError(t, err)
	pool.Wait()

	assert.Equal(t, int64(1), pool.Metrics().Failed)
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("step exploded")
	})
	require.NoError(t, err)
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)

	// The pool still accepts work after a panic.
	err = pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	pool.Wait()
	assert.Equal(t, int64(1), pool.Metrics().Completed)
}

func TestWorkerPool_ShutdownRejectsNewWork(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)

	// Shutdown is idempotent.
	pool.Shutdown()
}

func TestWorkerPool_ShutdownWaitsForActiveWork(t *testing.T) {
	pool := NewWorkerPool(1)

	var finished atomic.Bool
	err := pool.Submit(context.Background(), func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	require.NoError(t, err)

	pool.Shutdown()
	assert.True(t, finished.Load(), "Shutdown must wait for in-flight work")
}

func TestWorkerPool_ZeroSizeDefaultsToOne(t *testing.T) {
	pool := NewWorkerPool(0)
	defer pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	pool.Wait()
	assert.Equal(t, int64(1), pool.Metrics().Completed)
}

package task_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	task "github.com/joeycumines/task"
)

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for wait group")
	}
}

func TestQutex_MutualExclusion(t *testing.T) {
	sched, err := task.New()
	require.NoError(t, err)
	stop := runScheduler(t, sched)
	defer stop()

	q := task.NewQutex()
	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup
	const n = 20
	wg.Add(n)

	for i := 0; i < n; i++ {
		_, err := sched.Spawn(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			require.NoError(t, q.Lock(ctx))
			defer func() { _ = q.Unlock(ctx) }()

			cur := inside.Add(1)
			for {
				prev := maxInside.Load()
				if cur <= prev || maxInside.CompareAndSwap(prev, cur) {
					break
				}
			}
			_ = task.Sleep(ctx, time.Millisecond)
			inside.Add(-1)
		})
		require.NoError(t, err)
	}

	waitTimeout(t, &wg, 5*time.Second)
	assert.EqualValues(t, 1, maxInside.Load())
}

func TestQutex_RecursiveLockIsMisuse(t *testing.T) {
	sched, err := task.New()
	require.NoError(t, err)
	stop := runScheduler(t, sched)
	defer stop()

	q := task.NewQutex()
	done := make(chan error, 1)
	_, err = sched.Spawn(context.Background(), func(ctx context.Context) {
		require.NoError(t, q.Lock(ctx))
		done <- q.Lock(ctx)
		_ = q.Unlock(ctx)
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, task.ErrLockMisuse)
	case <-time.After(2 * time.Second):
		t.Fatal("recursive lock never returned")
	}
}

func TestQutex_LockIgnoresCancellation(t *testing.T) {
	sched, err := task.New()
	require.NoError(t, err)
	stop := runScheduler(t, sched)
	defer stop()

	q := task.NewQutex()
	holding := make(chan struct{})
	// The holder waits on a task-aware gate (not a raw channel), so the
	// scheduler stays free to run the waiter into Lock's slow path.
	release := task.NewSemaphore(0)
	acquired := make(chan error, 1)

	_, err = sched.Spawn(context.Background(), func(ctx context.Context) {
		require.NoError(t, q.Lock(ctx))
		close(holding)
		require.NoError(t, release.Wait(ctx))
		_ = q.Unlock(ctx)
	})
	require.NoError(t, err)

	<-holding

	ctx, cancel := context.WithCancel(context.Background())
	_, err = sched.Spawn(ctx, func(ctx context.Context) {
		acquired <- q.Lock(ctx)
		_ = q.Unlock(ctx)
	})
	require.NoError(t, err)

	// Cancel the waiter's context while it's still blocked acquiring the
	// qutex. Lock is not a cancellation point, so it must still succeed
	// once the qutex is released instead of returning early.
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	_, err = sched.Spawn(context.Background(), func(ctx context.Context) {
		require.NoError(t, release.Post(ctx))
	})
	require.NoError(t, err)

	select {
	case err := <-acquired:
		assert.NoError(t, err, "Lock must ignore a canceled context and complete acquisition")
	case <-time.After(2 * time.Second):
		t.Fatal("canceled waiter never acquired the qutex")
	}
}

func TestQutex_TryLock(t *testing.T) {
	sched, err := task.New()
	require.NoError(t, err)
	stop := runScheduler(t, sched)
	defer stop()

	q := task.NewQutex()
	results := make(chan bool, 2)
	_, err = sched.Spawn(context.Background(), func(ctx context.Context) {
		results <- q.TryLock(ctx)
		_, _ = task.Spawn(ctx, func(ctx context.Context) {
			results <- q.TryLock(ctx)
		})
	})
	require.NoError(t, err)

	first := <-results
	second := <-results
	assert.True(t, first)
	assert.False(t, second)
}

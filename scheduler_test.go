package task_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	task "github.com/joeycumines/task"
)

func runScheduler(t *testing.T, sched *task.Scheduler) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop in time")
		}
	}
}

func TestScheduler_SpawnRunsTask(t *testing.T) {
	sched, err := task.New()
	require.NoError(t, err)
	stop := runScheduler(t, sched)
	defer stop()

	var ran atomic.Bool
	done := make(chan struct{})
	_, err = sched.Spawn(context.Background(), func(ctx context.Context) {
		ran.Store(true)
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	assert.True(t, ran.Load())
}

func TestScheduler_SleepYieldsAndResumes(t *testing.T) {
	sched, err := task.New()
	require.NoError(t, err)
	stop := runScheduler(t, sched)
	defer stop()

	start := time.Now()
	done := make(chan error, 1)
	_, err = sched.Spawn(context.Background(), func(ctx context.Context) {
		done <- task.Sleep(ctx, 20*time.Millisecond)
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep never completed")
	}
}

func TestScheduler_CancelInterruptsSleep(t *testing.T) {
	sched, err := task.New()
	require.NoError(t, err)
	stop := runScheduler(t, sched)
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	tk, err := sched.Spawn(ctx, func(ctx context.Context) {
		done <- task.Sleep(ctx, 10*time.Second)
	})
	require.NoError(t, err)
	_ = tk

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, task.ErrTaskInterrupted))
	case <-time.After(2 * time.Second):
		t.Fatal("cancel never interrupted sleep")
	}
}

func TestScheduler_SpawnFairness(t *testing.T) {
	sched, err := task.New()
	require.NoError(t, err)
	stop := runScheduler(t, sched)
	defer stop()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	var completed atomic.Int64
	for i := 0; i < n; i++ {
		_, err := sched.Spawn(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			completed.Add(1)
		})
		require.NoError(t, err)
	}

	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("not all tasks completed")
	}
	assert.EqualValues(t, n, completed.Load())
}

func TestScheduler_ShutdownDrainsReadyQueue(t *testing.T) {
	sched, err := task.New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- sched.Run(ctx) }()

	var ran atomic.Bool
	_, err = sched.Spawn(context.Background(), func(ctx context.Context) {
		ran.Store(true)
	})
	require.NoError(t, err)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	require.NoError(t, sched.Shutdown(shutdownCtx))

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	assert.True(t, ran.Load())
}

func TestScheduler_MetricsTracksSpawnAndCompletion(t *testing.T) {
	sched, err := task.New(task.WithMetrics(true))
	require.NoError(t, err)
	stop := runScheduler(t, sched)
	defer stop()

	done := make(chan struct{})
	_, err = sched.Spawn(context.Background(), func(ctx context.Context) {
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}

	require.Eventually(t, func() bool {
		return sched.Metrics().TasksCompleted() >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, sched.Metrics().TasksSpawned(), int64(1))
}

package task_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	task "github.com/joeycumines/task"
)

func TestSemaphore_LimitsConcurrency(t *testing.T) {
	sched, err := task.New()
	require.NoError(t, err)
	stop := runScheduler(t, sched)
	defer stop()

	sem := task.NewSemaphore(2)
	const n = 6
	// release gates holders via a task-aware primitive (not a raw channel)
	// since a holder task blocking directly on a Go channel would stall the
	// scheduler's single active-task baton and starve the other waiters.
	release := task.NewSemaphore(0)
	acquired := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		_, err := sched.Spawn(context.Background(), func(ctx context.Context) {
			require.NoError(t, sem.Wait(ctx))
			acquired <- struct{}{}
			require.NoError(t, release.Wait(ctx))
			require.NoError(t, sem.Post(ctx))
		})
		require.NoError(t, err)
	}

	// Only 2 may acquire at a time; wait for exactly 2 before releasing.
	for i := 0; i < 2; i++ {
		select {
		case <-acquired:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 2 holders, only saw %d", i)
		}
	}
	select {
	case <-acquired:
		t.Fatal("a third task acquired the semaphore while only 2 permits exist")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = sched.Spawn(context.Background(), func(ctx context.Context) {
		for i := 0; i < n; i++ {
			require.NoError(t, release.Post(ctx))
		}
	})
	require.NoError(t, err)

	for i := 0; i < n-2; i++ {
		select {
		case <-acquired:
		case <-time.After(2 * time.Second):
			t.Fatal("remaining holders never acquired after release")
		}
	}
}

func TestSemaphore_TryWait(t *testing.T) {
	sched, err := task.New()
	require.NoError(t, err)
	stop := runScheduler(t, sched)
	defer stop()

	sem := task.NewSemaphore(1)
	results := make(chan bool, 2)

	_, err = sched.Spawn(context.Background(), func(ctx context.Context) {
		results <- sem.TryWait(ctx)
		results <- sem.TryWait(ctx)
	})
	require.NoError(t, err)

	first := <-results
	second := <-results
	assert.True(t, first)
	assert.False(t, second)
}

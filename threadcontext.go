package task

import (
	"context"
	"time"
)

// ctxKey is an unexported type for context values private to this package,
// following the standard library's own convention for avoiding collisions.
type ctxKey int

const (
	ctxKeyTask ctxKey = iota
)

// ThreadContext describes the single OS thread a Scheduler is bound to,
// and the point in logical time the currently-running task observes. It is
// the thing a task can inspect about "where" it is running without being
// handed the Scheduler itself.
type ThreadContext struct {
	// SchedulerID identifies the owning Scheduler.
	SchedulerID uint64
	// GoroutineID is the loop goroutine's runtime-assigned id, used only
	// for diagnostics (logging, panic messages) — never for control flow.
	GoroutineID uint64
	// Tick is the time the scheduler last updated its monotonic tick clock,
	// i.e. the time as of the start of the current or most recent tick.
	Tick time.Time
}

// CurrentTask returns the Task running on the goroutine that owns ctx, or
// nil if ctx was not derived from a task's context (e.g. it is the
// background context passed to Scheduler.Run).
func CurrentTask(ctx context.Context) *Task {
	t, _ := ctx.Value(ctxKeyTask).(*Task)
	return t
}

// CurrentThread returns the ThreadContext of the Scheduler running the
// calling task, or nil outside of any task.
func CurrentThread(ctx context.Context) *ThreadContext {
	t := CurrentTask(ctx)
	if t == nil {
		return nil
	}
	return t.sched.threadContext()
}

// CurrentScheduler returns the Scheduler that owns the calling task, or nil
// outside of any task.
func CurrentScheduler(ctx context.Context) *Scheduler {
	t := CurrentTask(ctx)
	if t == nil {
		return nil
	}
	return t.sched
}

func (s *Scheduler) threadContext() *ThreadContext {
	return &ThreadContext{
		SchedulerID: s.id,
		GoroutineID: s.loopGoroutineID.Load(),
		Tick:        s.CurrentTickTime(),
	}
}

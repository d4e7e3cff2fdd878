package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one cooperatively-scheduled unit of work, backed by a single
// goroutine that a Scheduler resumes and suspends by handing it a baton
// over a pair of unbuffered channels. At any instant, for a given
// Scheduler, only one of {the scheduler loop, one Task} is making forward
// progress — the Go runtime may still freely move either across OS
// threads, but logically they alternate like a stackful coroutine handing
// control back to its caller.
type Task struct {
	id        uint64
	name      string
	sched     *Scheduler
	ctx       context.Context
	cancel    context.CancelCauseFunc
	fn        func(context.Context)
	state     atomic.Uint32
	resumeCh  chan struct{}
	yieldCh   chan struct{}
	stackHint int
	depth     int32 // NonCancelable nesting; touched only by the task's own goroutine
	done      chan struct{}
	panicVal  any
}

func newTask(sched *Scheduler, parent context.Context, fn func(context.Context), opts *taskOptions) *Task {
	t := &Task{
		sched:     sched,
		fn:        fn,
		name:      opts.name,
		stackHint: opts.stackHint,
		resumeCh:  make(chan struct{}),
		yieldCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	t.id = sched.nextTaskID.Add(1)
	ctx := context.WithValue(parent, ctxKeyTask, t)
	ctx, cancel := context.WithCancelCause(ctx)
	t.ctx = ctx
	t.cancel = cancel
	t.state.Store(uint32(TaskReady))
	return t
}

// ID is a scheduler-unique, monotonically assigned task identifier.
func (t *Task) ID() uint64 { return t.id }

// Name is the diagnostic name supplied via WithName, or "" if none was given.
func (t *Task) Name() string { return t.name }

// StackHint returns the stack-size hint supplied at spawn time (or the
// default). It is informational only; see WithStackHint.
func (t *Task) StackHint() int { return t.stackHint }

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

// Done returns a channel closed once the task's function has returned or
// panicked.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel requests that the task observe cancellation at its next
// suspension point. It does not interrupt a task that never suspends.
func (t *Task) Cancel() {
	t.cancel(ErrTaskInterrupted)
}

func (t *Task) String() string {
	if t.name != "" {
		return fmt.Sprintf("task(%d:%s)", t.id, t.name)
	}
	return fmt.Sprintf("task(%d)", t.id)
}

// start launches the task's goroutine. The goroutine blocks immediately on
// resumeCh until the scheduler first resumes it.
func (t *Task) start() {
	go func() {
		<-t.resumeCh
		defer t.finish()
		t.fn(t.ctx)
	}()
}

func (t *Task) finish() {
	if r := recover(); r != nil {
		t.panicVal = r
		t.sched.logTaskPanic(t, r)
	}
	t.state.Store(uint32(TaskDone))
	t.cancel(nil)
	close(t.done)
	t.yieldCh <- struct{}{}
}

// suspend hands control back to the scheduler loop and blocks the calling
// task's goroutine until the scheduler resumes it again. It is the single
// building block every blocking primitive in this package (Sleep, Channel,
// Qutex, Rendez, fd waits) is implemented on top of.
func (t *Task) suspend() {
	t.state.Store(uint32(TaskSuspended))
	t.yieldCh <- struct{}{}
	<-t.resumeCh
	t.state.Store(uint32(TaskRunning))
}

// resume hands the baton to the task and blocks until it next yields or
// completes. Must only be called by the owning Scheduler's loop goroutine.
func (t *Task) resume() {
	t.state.Store(uint32(TaskRunning))
	t.resumeCh <- struct{}{}
	<-t.yieldCh
}

// checkCancel reports the task's pending interruption, honoring
// NonCancelable scopes. It is the cancellation point every blocking call
// invokes after (or instead of) suspending.
func (t *Task) checkCancel() error {
	if atomic.LoadInt32(&t.depth) > 0 {
		return nil
	}
	select {
	case <-t.ctx.Done():
		if de, ok := t.deadlineCause(); ok {
			return de
		}
		return ErrTaskInterrupted
	default:
		return nil
	}
}

func (t *Task) deadlineCause() (*DeadlineError, bool) {
	cause := context.Cause(t.ctx)
	de, ok := cause.(*DeadlineError)
	return de, ok
}

// NonCancelable runs fn with cancellation points disarmed: any blocking
// call made (directly or transitively) from within fn will not observe
// Cancel or an expired Deadline until fn returns. Used to guard critical
// sections that must not be abandoned half-done, mirroring an unguarded
// lock acquisition that must always complete.
func NonCancelable(ctx context.Context, fn func()) {
	t := CurrentTask(ctx)
	if t == nil {
		fn()
		return
	}
	atomic.AddInt32(&t.depth, 1)
	defer atomic.AddInt32(&t.depth, -1)
	fn()
}

// Spawn starts fn as a new Task on the same Scheduler as the task running
// ctx, and returns once the new task has been registered (not once it has
// run). It mirrors the calling task's cancellation lineage: canceling the
// parent context also cancels the child.
//
// Spawn only works from within a running task; use Scheduler.Spawn to
// start the first task(s) on a Scheduler from outside.
func Spawn(ctx context.Context, fn func(context.Context), opts ...TaskOption) (*Task, error) {
	sched := CurrentScheduler(ctx)
	if sched == nil {
		return nil, fmt.Errorf("task: Spawn called outside of a running task")
	}
	return sched.Spawn(ctx, fn, opts...)
}

// suspendUntilWake is the shared building block for every cancelable
// blocking primitive in the package (Sleep, Channel, Rendez, fd waits);
// Qutex.Lock uses suspendUninterruptible instead.
//
// arm registers the task's intent to wake up once some external condition
// is met (a timer firing, a slot in a channel, a lock becoming free, a
// broadcast) and must call its wake argument exactly when that condition
// is satisfied, from any goroutine. arm returns a disarm function that
// undoes the registration; disarm must be safe to call whether or not wake
// was ever invoked (e.g. "remove from the wait list if still present").
//
// The task's own context's cancellation is wired in automatically via
// context.AfterFunc (except inside NonCancelable), so every caller gets
// cancellation support for free without repeating the plumbing.
func (t *Task) suspendUntilWake(arm func(wake func()) (disarm func())) error {
	var once sync.Once
	wake := func() {
		once.Do(func() { t.sched.enqueueReady(t) })
	}

	disarm := arm(wake)
	stopWatch := func() bool { return false }
	if atomic.LoadInt32(&t.depth) == 0 {
		stopWatch = context.AfterFunc(t.ctx, wake)
	}

	t.suspend()

	stopWatch()
	disarm()

	return t.checkCancel()
}

// suspendUninterruptible is suspendUntilWake without any cancellation
// wiring: the calling task's ctx is never consulted, so the wait always
// runs to completion regardless of cancellation or a fired deadline. Used
// by Qutex.Lock, whose slow path is not a cancellation point — acquisition
// always completes, mirroring plain mutex-lock semantics rather than a
// suspension that can be aborted mid-flight.
func (t *Task) suspendUninterruptible(arm func(wake func()) (disarm func())) {
	var once sync.Once
	wake := func() {
		once.Do(func() { t.sched.enqueueReady(t) })
	}

	disarm := arm(wake)
	t.suspend()
	disarm()
}

// Sleep suspends the calling task until d has elapsed, or returns
// ErrTaskInterrupted (or a *DeadlineError) if the task's context is
// canceled first. Sleep is a cancellation point.
func Sleep(ctx context.Context, d time.Duration) error {
	t := CurrentTask(ctx)
	if t == nil {
		return fmt.Errorf("task: Sleep called outside of a running task")
	}
	if err := t.checkCancel(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	err := t.suspendUntilWake(func(wake func()) func() {
		id := t.sched.scheduleAlarm(d, wake)
		// ctx may be narrower than the task's own context (one made by
		// WithDeadline or WithTimeout); its cancellation ends the sleep too.
		stop := func() bool { return false }
		if atomic.LoadInt32(&t.depth) == 0 {
			stop = context.AfterFunc(ctx, wake)
		}
		return func() {
			stop()
			t.sched.cancelAlarm(id)
		}
	})
	if err == nil && ctx.Err() != nil && atomic.LoadInt32(&t.depth) == 0 {
		err = ErrTaskInterrupted
		if de, ok := context.Cause(ctx).(*DeadlineError); ok {
			err = de
		}
	}
	return err
}

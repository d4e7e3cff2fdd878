package task

import (
	"container/list"
	"context"
	"sync"
)

// Qutex is a task-aware mutex: Lock suspends the calling task (instead of
// blocking its OS thread) until the lock is free. Unlike sync.Mutex it is
// only safe to call Lock/Unlock from within a task running on a Scheduler,
// and may be shared by tasks belonging to different Schedulers.
type Qutex struct {
	mu      sync.Mutex
	owner   *Task
	waiting list.List // of *qutexWaiter
}

type qutexWaiter struct {
	task *Task
	wake func() // set once the waiter has suspended; nil until then
}

// NewQutex returns an unlocked Qutex.
func NewQutex() *Qutex { return &Qutex{} }

// Lock acquires the qutex, suspending the calling task while it is held by
// another. Lock is NOT a cancellation point: acquisition always completes,
// exactly like a plain mutex lock, regardless of ctx's cancellation state —
// matching the original coroutine library's lock, whose slow path sits
// outside any cancellation scope. Callers that need a cancelable wait for a
// qutex should build it out of TryLock and a Rendez instead. Recursive
// locking by the same task is a programming error and returns
// ErrLockMisuse instead of deadlocking.
func (q *Qutex) Lock(ctx context.Context) error {
	t := CurrentTask(ctx)
	if t == nil {
		return errTaskOutsideScheduler("Qutex.Lock")
	}

	q.mu.Lock()
	if q.owner == t {
		q.mu.Unlock()
		return ErrLockMisuse
	}
	if q.owner == nil {
		q.owner = t
		q.mu.Unlock()
		return nil
	}
	w := &qutexWaiter{task: t}
	q.waiting.PushBack(w)
	q.mu.Unlock()

	for {
		t.suspendUninterruptible(func(wake func()) func() {
			q.mu.Lock()
			alreadyOwner := q.owner == t
			if !alreadyOwner {
				w.wake = wake
			}
			q.mu.Unlock()
			// Unlock may have raced ahead of us between PushBack and here,
			// observed an unset w.wake, and skipped calling it. Since wake
			// is idempotent (guarded by suspendUninterruptible's
			// sync.Once), it's always safe to call it ourselves once we
			// see we already own the qutex.
			if alreadyOwner {
				wake()
			}
			return func() {}
		})

		q.mu.Lock()
		if q.owner == t {
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()
		// Spurious wake: the lock was handed to a different waiter
		// concurrently with this one. Loop and wait again.
	}
}

// TryLock acquires the qutex only if it is currently free, without
// suspending.
func (q *Qutex) TryLock(ctx context.Context) bool {
	t := CurrentTask(ctx)
	if t == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.owner == nil {
		q.owner = t
		return true
	}
	return false
}

// Unlock releases the qutex. It returns ErrLockMisuse if called by a task
// that does not hold it. The next waiter (if any) becomes the new owner
// and is woken.
func (q *Qutex) Unlock(ctx context.Context) error {
	t := CurrentTask(ctx)
	if t == nil {
		return errTaskOutsideScheduler("Qutex.Unlock")
	}

	q.mu.Lock()
	if q.owner != t {
		q.mu.Unlock()
		return ErrLockMisuse
	}

	front := q.waiting.Front()
	if front == nil {
		q.owner = nil
		q.mu.Unlock()
		return nil
	}

	q.waiting.Remove(front)
	w := front.Value.(*qutexWaiter)
	q.owner = w.task
	wake := w.wake
	q.mu.Unlock()

	// wake is nil if the waiter hasn't reached its arm callback yet; it will
	// observe q.owner == itself there (under the same mutex) and wake
	// itself instead of suspending.
	if wake != nil {
		wake()
	}
	return nil
}

func errTaskOutsideScheduler(op string) error {
	return &outsideSchedulerError{op: op}
}

type outsideSchedulerError struct{ op string }

func (e *outsideSchedulerError) Error() string {
	return "task: " + e.op + " called outside of a running task"
}

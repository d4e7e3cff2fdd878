package task

import (
	"container/list"
	"context"
	"sync"
)

// Rendez is a task-aware condition variable: Wait suspends the calling
// task, releasing an associated Qutex while suspended and reacquiring it
// before returning, exactly like sync.Cond but for cooperatively scheduled
// tasks rather than OS threads.
type Rendez struct {
	mu      sync.Mutex
	waiting list.List // of *rendezWaiter
}

// rendezWaiter tracks one pending Wait call. listed reports whether it is
// still linked into Rendez.waiting; signaled reports a Signal/Broadcast
// arrived before the waiter finished registering its wake callback, in
// which case wake must be called as soon as it is known (from arm itself).
type rendezWaiter struct {
	el       *list.Element
	wake     func()
	listed   bool
	signaled bool
}

// NewRendez returns an empty Rendez.
func NewRendez() *Rendez { return &Rendez{} }

// Wait releases q, suspends the calling task until Signal or Broadcast
// wakes it (or the calling task's own context is canceled), then
// reacquires q before returning. The
// caller must hold q on return, even when Wait returns a cancellation
// error: Qutex.Lock is not itself a cancellation point, so the reacquire
// always completes, matching sync.Cond's always-relock contract.
func (r *Rendez) Wait(ctx context.Context, q *Qutex) error {
	t := CurrentTask(ctx)
	if t == nil {
		return errTaskOutsideScheduler("Rendez.Wait")
	}

	w := &rendezWaiter{listed: true}
	r.mu.Lock()
	w.el = r.waiting.PushBack(w)
	r.mu.Unlock()

	if err := q.Unlock(ctx); err != nil {
		r.remove(w)
		return err
	}

	waitErr := t.suspendUntilWake(func(wake func()) func() {
		r.mu.Lock()
		if w.signaled {
			r.mu.Unlock()
			wake()
		} else {
			w.wake = wake
			r.mu.Unlock()
		}
		return func() { r.remove(w) }
	})

	if err := q.Lock(ctx); err != nil {
		if waitErr == nil {
			waitErr = err
		}
	}

	return waitErr
}

func (r *Rendez) remove(w *rendezWaiter) {
	r.mu.Lock()
	if w.listed {
		r.waiting.Remove(w.el)
		w.listed = false
	}
	r.mu.Unlock()
}

// WaitUntil repeatedly Waits until pred returns true, matching the classic
// "always loop on your condition" pattern for spurious/broadcast wakeups
// that don't satisfy the predicate.
func (r *Rendez) WaitUntil(ctx context.Context, q *Qutex, pred func() bool) error {
	for !pred() {
		if err := r.Wait(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Signal wakes one waiting task, if any.
func (r *Rendez) Signal() {
	r.mu.Lock()
	front := r.waiting.Front()
	if front == nil {
		r.mu.Unlock()
		return
	}
	w := front.Value.(*rendezWaiter)
	r.waiting.Remove(front)
	w.listed = false
	wake := w.wake
	if wake == nil {
		w.signaled = true
	}
	r.mu.Unlock()

	if wake != nil {
		wake()
	}
}

// Broadcast wakes every waiting task.
func (r *Rendez) Broadcast() {
	r.mu.Lock()
	waiters := make([]*rendezWaiter, 0, r.waiting.Len())
	for e := r.waiting.Front(); e != nil; e = e.Next() {
		w := e.Value.(*rendezWaiter)
		w.listed = false
		waiters = append(waiters, w)
	}
	r.waiting.Init()
	for _, w := range waiters {
		if w.wake == nil {
			w.signaled = true
		}
	}
	r.mu.Unlock()

	for _, w := range waiters {
		if w.wake != nil {
			w.wake()
		}
	}
}

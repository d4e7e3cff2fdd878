package task

import (
	"context"
	"sync"
)

// IOProc is a fixed-size pool of plain OS goroutines for running blocking
// calls that have no business running on a Scheduler's single loop thread
// (file I/O, DNS, cgo, anything that can't be expressed as a suspension
// point). Offload hands a closure to the pool and suspends the calling
// task until it completes, without blocking the Scheduler itself.
type IOProc struct {
	jobs    chan func()
	closeMu sync.Mutex
	closed  bool
}

// NewIOProc starts workers background goroutines pulling closures off an
// internal queue. workers <= 0 is treated as 1.
func NewIOProc(workers int) *IOProc {
	if workers <= 0 {
		workers = 1
	}
	p := &IOProc{jobs: make(chan func(), workers)}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *IOProc) worker() {
	for job := range p.jobs {
		job()
	}
}

// Close stops accepting new work at once; jobs already queued still run on
// the workers. It does not interrupt a job already running. Calling
// Offload on a closed IOProc panics.
func (p *IOProc) Close() {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.jobs)
}

// Offload runs fn on p's worker pool and suspends the calling task until it
// returns, returning fn's result. If the calling task's own context is
// canceled while fn is still running, Offload returns early with the
// cancellation error — fn continues running to completion on the worker in
// the background, its result simply discarded.
//
// Offload only suspends when called from within a task; called with no
// task bound to ctx it runs fn synchronously on the calling goroutine.
func Offload[T any](ctx context.Context, p *IOProc, fn func() (T, error)) (T, error) {
	t := CurrentTask(ctx)
	if t == nil {
		return fn()
	}

	var result T
	var ferr error

	err := t.suspendUntilWake(func(wake func()) func() {
		p.jobs <- func() {
			result, ferr = fn()
			wake()
		}
		return func() {}
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, ferr
}

package task

import "context"

// Semaphore is a task-aware counting semaphore, built from a Qutex and a
// Rendez exactly like the mutex-and-condvar semaphores common before
// native OS semaphores — Wait blocks (suspends) while the count is zero,
// Post increments it and wakes one waiter.
type Semaphore struct {
	qtx   *Qutex
	avail *Rendez
	count int
}

// NewSemaphore creates a Semaphore with the given initial count.
func NewSemaphore(initial int) *Semaphore {
	return &Semaphore{
		qtx:   NewQutex(),
		avail: NewRendez(),
		count: initial,
	}
}

// Wait decrements the semaphore, suspending the calling task while the
// count is zero. Wait is a cancellation point.
func (s *Semaphore) Wait(ctx context.Context) error {
	if err := s.qtx.Lock(ctx); err != nil {
		return err
	}
	defer s.qtx.Unlock(ctx)

	for s.count == 0 {
		if err := s.avail.Wait(ctx, s.qtx); err != nil {
			return err
		}
	}
	s.count--
	return nil
}

// TryWait decrements the semaphore without suspending, returning false if
// the count is currently zero.
func (s *Semaphore) TryWait(ctx context.Context) bool {
	if err := s.qtx.Lock(ctx); err != nil {
		return false
	}
	defer s.qtx.Unlock(ctx)

	if s.count == 0 {
		return false
	}
	s.count--
	return true
}

// Post increments the semaphore and wakes one waiting task, if any.
func (s *Semaphore) Post(ctx context.Context) error {
	if err := s.qtx.Lock(ctx); err != nil {
		return err
	}
	s.count++
	s.qtx.Unlock(ctx)

	s.avail.Signal()
	return nil
}

package task

import (
	"context"
	"time"
)

// FDDir selects which readiness condition a wait is for.
type FDDir uint8

const (
	// FDReadable waits for a file descriptor to become readable.
	FDReadable FDDir = iota
	// FDWritable waits for a file descriptor to become writable.
	FDWritable
)

func (d FDDir) events() IOEvents {
	if d == FDWritable {
		return EventWrite
	}
	return EventRead
}

// FDWait suspends the calling task until fd (any raw, non-blocking file
// descriptor registered with the owning Scheduler's reactor — a socket, a
// pipe end, an eventfd, anything epoll accepts) is ready for dir, or until
// timeout elapses. timeout <= 0 waits indefinitely. Returns true if fd
// became ready, false if the wait timed out first, and false with the
// reactor's error if fd could not be registered. FDWait is a
// cancellation point.
func FDWait(ctx context.Context, fd int, dir FDDir, timeout time.Duration) (bool, error) {
	t := CurrentTask(ctx)
	if t == nil {
		return false, errTaskOutsideScheduler("FDWait")
	}

	var timedOut bool
	var regErr error
	err := t.suspendUntilWake(func(wake func()) func() {
		regErr = t.sched.RegisterFD(fd, dir.events(), func(IOEvents) { wake() })
		registered := regErr == nil
		if !registered {
			wake()
		}

		var id alarmID
		haveAlarm := timeout > 0
		if haveAlarm {
			id = t.sched.scheduleAlarm(timeout, func() {
				timedOut = true
				wake()
			})
		}

		return func() {
			if registered {
				_ = t.sched.UnregisterFD(fd)
			}
			if haveAlarm {
				t.sched.cancelAlarm(id)
			}
		}
	})
	if err != nil {
		return false, err
	}
	if regErr != nil {
		return false, regErr
	}
	return !timedOut, nil
}

// PollFD is one entry in a Poll call: Events is the set of readiness
// conditions to watch for FD, and Revents is filled in with whichever of
// them were actually observed once Poll returns.
type PollFD struct {
	FD      int
	Events  IOEvents
	Revents IOEvents
}

// Poll suspends the calling task until at least one of fds is ready, or
// timeout elapses (timeout <= 0 waits indefinitely). Each entry's Revents
// is updated in place; Poll returns the count of entries with a nonzero
// Revents. Registration failures (e.g. a duplicate fd already watched
// elsewhere) count as an immediate, empty-Revents wake rather than an
// error, mirroring poll(2) reporting POLLNVAL instead of failing the
// whole call. Poll is a cancellation point.
func Poll(ctx context.Context, fds []PollFD, timeout time.Duration) (int, error) {
	t := CurrentTask(ctx)
	if t == nil {
		return 0, errTaskOutsideScheduler("Poll")
	}
	for i := range fds {
		fds[i].Revents = 0
	}
	if len(fds) == 0 {
		if timeout <= 0 {
			return 0, nil
		}
		if err := Sleep(ctx, timeout); err != nil {
			return 0, err
		}
		return 0, nil
	}

	registered := make([]bool, len(fds))
	err := t.suspendUntilWake(func(wake func()) func() {
		for i := range fds {
			idx := i
			if t.sched.RegisterFD(fds[idx].FD, fds[idx].Events, func(ev IOEvents) {
				fds[idx].Revents |= ev
				wake()
			}) == nil {
				registered[idx] = true
			} else {
				wake()
			}
		}

		var id alarmID
		haveAlarm := timeout > 0
		if haveAlarm {
			id = t.sched.scheduleAlarm(timeout, wake)
		}

		return func() {
			for i, ok := range registered {
				if ok {
					_ = t.sched.UnregisterFD(fds[i].FD)
				}
			}
			if haveAlarm {
				t.sched.cancelAlarm(id)
			}
		}
	})
	if err != nil {
		return 0, err
	}

	ready := 0
	for i := range fds {
		if fds[i].Revents != 0 {
			ready++
		}
	}
	return ready, nil
}

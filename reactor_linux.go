//go:build linux

package task

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// maxFDs bounds the reactor's direct-indexed fd table.
const maxFDs = 65536

// IOEvents describes the readiness conditions a registered fd can report.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

var (
	ErrFDOutOfRange        = errors.New("task: fd out of range")
	ErrFDAlreadyRegistered = errors.New("task: fd already registered")
	ErrFDNotRegistered     = errors.New("task: fd not registered")
	ErrReactorClosed       = errors.New("task: reactor closed")
)

// IOCallback is invoked by the reactor's loop goroutine when a registered
// fd becomes ready. It must not block.
type IOCallback func(IOEvents)

type fdInfo struct {
	callback IOCallback
	events   IOEvents
	active   bool
}

// reactor wires epoll readiness, the eventfd cross-goroutine wakeup, and a
// timerfd driving the alarm clock into a single pollable fd set. One
// reactor belongs to exactly one Scheduler.
type reactor struct { // betteralign:ignore
	_        [64]byte //nolint:unused
	epfd     int32
	_        [60]byte //nolint:unused
	version  atomic.Uint64
	_        [56]byte //nolint:unused
	eventBuf [256]unix.EpollEvent
	fds      [maxFDs]fdInfo
	fdMu     sync.RWMutex
	closed   atomic.Bool

	wakeFD  int
	timerFD int
}

func newReactor() (*reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	r := &reactor{epfd: int32(epfd), wakeFD: -1, timerFD: -1}

	wakeFD, _, err := createWakeFd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	r.wakeFD = wakeFD
	if err := r.registerRaw(wakeFD, EventRead, func(IOEvents) { r.drainWake() }); err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return nil, err
	}

	timerFD, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return nil, err
	}
	r.timerFD = timerFD
	if err := r.registerRaw(timerFD, EventRead, func(IOEvents) { r.drainTimer() }); err != nil {
		_ = unix.Close(timerFD)
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return nil, err
	}

	return r, nil
}

// registerRaw is used for the reactor's own wake/timer fds, bypassing the
// active-fd double-register guard used by RegisterFD (those two fds are
// owned by the reactor itself, not a task).
func (r *reactor) registerRaw(fd int, events IOEvents, cb IOCallback) error {
	r.fdMu.Lock()
	r.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	r.fdMu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(int(r.epfd), unix.EPOLL_CTL_ADD, fd, ev)
}

func (r *reactor) Close() error {
	r.closed.Store(true)
	if r.timerFD >= 0 {
		_ = unix.Close(r.timerFD)
	}
	if r.wakeFD >= 0 {
		_ = unix.Close(r.wakeFD)
	}
	if r.epfd > 0 {
		return unix.Close(int(r.epfd))
	}
	return nil
}

// RegisterFD registers fd for I/O readiness notification.
func (r *reactor) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if r.closed.Load() {
		return ErrReactorClosed
	}
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}

	r.fdMu.Lock()
	if r.fds[fd].active {
		r.fdMu.Unlock()
		return ErrFDAlreadyRegistered
	}
	r.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	r.version.Add(1)
	r.fdMu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(int(r.epfd), unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		r.fdMu.Lock()
		r.fds[fd] = fdInfo{}
		r.fdMu.Unlock()
		return err
	}
	return nil
}

func (r *reactor) UnregisterFD(fd int) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}

	r.fdMu.Lock()
	if !r.fds[fd].active {
		r.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	r.fds[fd] = fdInfo{}
	r.version.Add(1)
	r.fdMu.Unlock()

	return unix.EpollCtl(int(r.epfd), unix.EPOLL_CTL_DEL, fd, nil)
}

func (r *reactor) ModifyFD(fd int, events IOEvents) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}

	r.fdMu.Lock()
	if !r.fds[fd].active {
		r.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	r.fds[fd].events = events
	r.version.Add(1)
	r.fdMu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(int(r.epfd), unix.EPOLL_CTL_MOD, fd, ev)
}

// Poll blocks up to timeoutMs (-1 blocks indefinitely, 0 polls) and
// dispatches ready callbacks inline on the calling (scheduler loop)
// goroutine. Returns the number of events dispatched.
func (r *reactor) Poll(timeoutMs int) (int, error) {
	if r.closed.Load() {
		return 0, ErrReactorClosed
	}

	v := r.version.Load()

	n, err := unix.EpollWait(int(r.epfd), r.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	if r.version.Load() != v {
		// fd table changed mid-wait; skip this batch rather than dispatch
		// against possibly-stale callbacks.
		return 0, nil
	}

	r.dispatch(n)
	return n, nil
}

func (r *reactor) dispatch(n int) {
	for i := 0; i < n; i++ {
		fd := int(r.eventBuf[i].Fd)
		if fd < 0 || fd >= maxFDs {
			continue
		}
		r.fdMu.RLock()
		info := r.fds[fd]
		r.fdMu.RUnlock()

		if info.active && info.callback != nil {
			info.callback(epollToEvents(r.eventBuf[i].Events))
		}
	}
}

// Wake interrupts a blocked Poll from any goroutine.
func (r *reactor) Wake() {
	if r.wakeFD < 0 {
		return
	}
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(r.wakeFD, one[:])
}

func (r *reactor) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakeFD, buf[:]); err != nil {
			break
		}
	}
}

// ArmTimer schedules the next timerfd expiry at d from now. d <= 0
// disarms the timer. Used by the alarm clock to wake Poll exactly when the
// next pending alarm is due, instead of busy-polling with a short timeout.
func (r *reactor) ArmTimer(d time.Duration) error {
	var spec unix.ItimerSpec
	if d > 0 {
		spec.Value = unix.NsecToTimespec(d.Nanoseconds())
	}
	return unix.TimerfdSettime(r.timerFD, 0, &spec, nil)
}

func (r *reactor) drainTimer() {
	var buf [8]byte
	_, _ = unix.Read(r.timerFD, buf[:])
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) IOEvents {
	var events IOEvents
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}

package task

import (
	"sync/atomic"
)

// SchedulerState represents the lifecycle state of a Scheduler.
//
// State Machine:
//
//	StateAwake (0) → StateRunning (3)        [Run()]
//	StateRunning (3) → StateSleeping (2)     [poll() via CAS]
//	StateRunning (3) → StateTerminating (4)  [Shutdown()]
//	StateSleeping (2) → StateRunning (3)     [poll() wake via CAS]
//	StateSleeping (2) → StateTerminating (4) [Shutdown()]
//	StateTerminating (4) → StateTerminated (1) [shutdown complete]
//	StateTerminated (1) → (terminal)
//
// Use TryTransition (CAS) for the reversible states (Running, Sleeping).
// Use Store only for the irreversible terminal state.
type SchedulerState uint64

const (
	// StateAwake indicates the scheduler has been created but Run has not
	// been called.
	StateAwake SchedulerState = 0
	// StateTerminated indicates the scheduler has fully shut down; no tasks
	// remain runnable and the reactor has been closed.
	StateTerminated SchedulerState = 1
	// StateSleeping indicates the scheduler's loop goroutine is blocked in
	// the reactor waiting for I/O readiness or the next alarm.
	StateSleeping SchedulerState = 2
	// StateRunning indicates the scheduler is actively resuming tasks.
	StateRunning SchedulerState = 3
	// StateTerminating indicates Shutdown has been requested but the drain
	// of in-flight tasks has not completed.
	StateTerminating SchedulerState = 4
)

func (s SchedulerState) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// FastState is a lock-free state machine with cache-line padding, used by
// Scheduler to avoid a mutex on the hot state-check path. (Task keeps its
// TaskState in a plain atomic.Uint32.)
type FastState struct { // betteralign:ignore
	_ [64]byte      //nolint:unused
	v atomic.Uint64
	_ [56]byte //nolint:unused
}

// NewFastState creates a new state machine in the Awake state.
func NewFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

func (s *FastState) Load() SchedulerState {
	return SchedulerState(s.v.Load())
}

func (s *FastState) Store(state SchedulerState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *FastState) TryTransition(from, to SchedulerState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// TransitionAny attempts to transition from any of validFrom to to.
func (s *FastState) TransitionAny(validFrom []SchedulerState, to SchedulerState) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint64(from), uint64(to)) {
			return true
		}
	}
	return false
}

func (s *FastState) IsTerminal() bool {
	return s.Load() == StateTerminated
}

func (s *FastState) IsRunning() bool {
	state := s.Load()
	return state == StateRunning || state == StateSleeping
}

func (s *FastState) CanAcceptWork() bool {
	state := s.Load()
	return state == StateAwake || state == StateRunning || state == StateSleeping
}

// TaskState is the lifecycle of a single Task, tracked independently of the
// owning Scheduler's state.
type TaskState uint32

const (
	// TaskReady indicates the task has been spawned but has not yet run.
	TaskReady TaskState = iota
	// TaskRunning indicates the task currently holds the baton.
	TaskRunning
	// TaskSuspended indicates the task has yielded and is waiting on an
	// alarm, fd, Qutex, Rendez, or Channel.
	TaskSuspended
	// TaskDone indicates the task's function has returned or panicked.
	TaskDone
)

func (s TaskState) String() string {
	switch s {
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskSuspended:
		return "suspended"
	case TaskDone:
		return "done"
	default:
		return "unknown"
	}
}

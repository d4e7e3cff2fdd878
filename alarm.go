package task

import (
	"container/heap"
	"time"
)

// alarmID is a scheduler-unique handle returned by scheduleAlarm, used to
// cancel a pending alarm before it fires.
type alarmID uint64

// alarm is one entry in the scheduler's alarm heap: a one-shot callback
// due to fire at 'when'. canceled keeps the callback from running after
// cancelAlarm; the entry leaves the heap when it is popped, so it runs at
// most once.
type alarm struct {
	id       alarmID
	when     time.Time
	fn       func()
	canceled bool
	index    int // heap.Interface bookkeeping
}

// alarmHeap is a container/heap min-heap ordered by fire time, driving the
// scheduler's alarm clock (Sleep, Deadline, and any user-scheduled alarm).
type alarmHeap []*alarm

func (h alarmHeap) Len() int            { return len(h) }
func (h alarmHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h alarmHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *alarmHeap) Push(x any) {
	a := x.(*alarm)
	a.index = len(*h)
	*h = append(*h, a)
}
func (h *alarmHeap) Pop() any {
	old := *h
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	a.index = -1
	*h = old[:n-1]
	return a
}

// scheduleAlarm arms a one-shot alarm that calls fn once, at least d from
// now. fn runs on the scheduler's loop goroutine as part of the tick that
// observes the expiry, so it must not block. Safe to call from any
// goroutine.
func (s *Scheduler) scheduleAlarm(d time.Duration, fn func()) alarmID {
	id := alarmID(s.nextAlarmID.Add(1))
	a := &alarm{id: id, when: s.CurrentTickTime().Add(d), fn: fn}

	s.runOnLoop(func() {
		heap.Push(&s.alarms, a)
		s.alarmByID[id] = a
		s.rearmReactorTimer()
	})
	return id
}

// cancelAlarm disarms a pending alarm. Canceling an alarm that has already
// fired, or an unknown id, is a harmless no-op.
func (s *Scheduler) cancelAlarm(id alarmID) {
	s.runOnLoop(func() {
		if a, ok := s.alarmByID[id]; ok {
			a.canceled = true
			delete(s.alarmByID, id)
		}
	})
}

// runAlarms pops and runs every alarm due at or before the scheduler's
// current tick time.
func (s *Scheduler) runAlarms() {
	now := s.CurrentTickTime()
	for len(s.alarms) > 0 {
		next := s.alarms[0]
		if next.when.After(now) {
			break
		}
		heap.Pop(&s.alarms)
		delete(s.alarmByID, next.id)
		if next.canceled {
			continue
		}
		s.safeExecuteFn(next.fn)
	}
	s.rearmReactorTimer()
}

// rearmReactorTimer re-programs the reactor's timerfd to fire at the
// earliest pending alarm, so Poll sleeps exactly until the next alarm is
// due instead of waking on a fixed short interval. Must run on the loop
// goroutine (it inspects s.alarms without a lock).
func (s *Scheduler) rearmReactorTimer() {
	if s.reactor == nil {
		return
	}
	if len(s.alarms) == 0 {
		_ = s.reactor.ArmTimer(0)
		return
	}
	d := s.alarms[0].when.Sub(s.CurrentTickTime())
	if d < 0 {
		d = 0
	}
	_ = s.reactor.ArmTimer(d)
}

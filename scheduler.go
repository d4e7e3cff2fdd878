package task

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

var (
	// ErrAlreadyRunning is returned when Run is called on a Scheduler that
	// is already running.
	ErrAlreadyRunning = errors.New("task: scheduler already running")

	// ErrReentrantRun is returned when Run is called from a goroutine that
	// is itself running as a task on the same scheduler.
	ErrReentrantRun = errors.New("task: cannot call Run from within the scheduler's own loop")
)

var schedulerIDs atomic.Uint64

// Scheduler is the user-space M:N runtime: it owns one OS thread (via
// runtime.LockOSThread for as long as Run executes), multiplexes any
// number of Tasks onto that thread, and drives the alarm clock and the I/O
// reactor. Spawn and Submit are safe from any goroutine; everything else
// that inspects scheduler-private state runs on the loop goroutine only.
type Scheduler struct {
	id  uint64
	opt *schedulerOptions

	state *FastState

	ready *readyQueue // built and drained only by the loop goroutine
	dirty *dirtyQueue // cross-goroutine submissions and wakeups

	alarms      alarmHeap
	alarmByID   map[alarmID]*alarm
	nextAlarmID atomic.Uint64

	reactor *reactor

	tasksMu    sync.Mutex
	tasks      map[uint64]*Task
	nextTaskID atomic.Uint64

	metrics *Metrics
	rate    *catrate.Limiter

	loopGoroutineID atomic.Uint64
	tickAnchorMu    sync.RWMutex
	tickAnchor      time.Time
	tickElapsed     atomic.Int64

	runOnce  sync.Once
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Scheduler. The reactor (epoll/eventfd/timerfd) is opened
// immediately so RegisterFD and Spawn may be used before Run is called;
// nothing is resumed until Run starts the loop.
func New(opts ...SchedulerOption) (*Scheduler, error) {
	cfg, err := resolveSchedulerOptions(opts)
	if err != nil {
		return nil, err
	}

	r, err := newReactor()
	if err != nil {
		return nil, fmt.Errorf("task: open reactor: %w", err)
	}

	s := &Scheduler{
		id:        schedulerIDs.Add(1),
		opt:       cfg,
		state:     NewFastState(),
		ready:     newReadyQueue(),
		dirty:     newDirtyQueue(),
		alarmByID: make(map[alarmID]*alarm),
		reactor:   r,
		tasks:     make(map[uint64]*Task),
		done:      make(chan struct{}),
	}
	if cfg.metricsEnabled {
		s.metrics = newMetrics()
	}
	if len(cfg.overloadRateLimit) > 0 {
		s.rate = catrate.NewLimiter(cfg.overloadRateLimit)
	}
	return s, nil
}

// ID is a process-unique Scheduler identifier, for logging.
func (s *Scheduler) ID() uint64 { return s.id }

// State returns the scheduler's current lifecycle state.
func (s *Scheduler) State() SchedulerState { return s.state.Load() }

// Spawn creates and registers a Task running fn on this Scheduler. The
// task does not begin running until the scheduler's loop next picks it up
// from the ready queue — Spawn never runs fn synchronously, even when
// called from the loop goroutine.
func (s *Scheduler) Spawn(ctx context.Context, fn func(context.Context), opts ...TaskOption) (*Task, error) {
	if !s.state.CanAcceptWork() {
		return nil, ErrSchedulerClosed
	}

	cfg := resolveTaskOptions(opts)
	t := newTask(s, ctx, fn, cfg)

	s.tasksMu.Lock()
	s.tasks[t.id] = t
	s.tasksMu.Unlock()

	t.start()
	s.enqueueReadyFront(t)

	if s.metrics != nil {
		s.metrics.taskSpawned()
	}
	s.logger().Debug().Uint64("task_id", t.id).Str("category", "scheduler").Log("spawned")
	return t, nil
}

// enqueueReady marks t runnable and ensures the loop will consider it this
// tick (or wakes the loop if it is blocked in the reactor). Safe from any
// goroutine.
func (s *Scheduler) enqueueReady(t *Task) {
	s.runOnLoop(func() {
		s.ready.Push(t)
	})
}

// enqueueReadyFront is like enqueueReady but inserts t ahead of whatever is
// already queued, so a newly spawned task gets a turn soon rather than
// waiting behind every task that happened to already be ready. Safe from
// any goroutine.
func (s *Scheduler) enqueueReadyFront(t *Task) {
	s.runOnLoop(func() {
		s.ready.PushFront(t)
	})
}

// runOnLoop executes fn on the scheduler's loop goroutine: immediately, if
// the caller already is that goroutine, or else by handing it to the
// dirty queue and waking the reactor.
func (s *Scheduler) runOnLoop(fn func()) {
	if s.isLoopThread() {
		fn()
		return
	}
	s.dirty.Push(fn)
	s.reactor.Wake()
}

// Submit schedules fn to run on the scheduler's loop goroutine, outside of
// any task, the next time the loop drains its dirty queue. It is the
// escape hatch for code that needs to touch scheduler-owned state (e.g.
// registering an fd) from a goroutine that isn't a Task.
func (s *Scheduler) Submit(fn func()) error {
	if !s.state.CanAcceptWork() {
		return ErrSchedulerClosed
	}
	s.runOnLoop(func() { s.safeExecuteFn(fn) })
	return nil
}

// RegisterFD registers fd with the reactor. See IOEvents.
func (s *Scheduler) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	return s.reactor.RegisterFD(fd, events, cb)
}

// UnregisterFD removes fd from the reactor.
func (s *Scheduler) UnregisterFD(fd int) error {
	return s.reactor.UnregisterFD(fd)
}

// ModifyFD changes the events monitored for fd.
func (s *Scheduler) ModifyFD(fd int, events IOEvents) error {
	return s.reactor.ModifyFD(fd, events)
}

// Metrics returns the scheduler's diagnostics, or nil if WithMetrics(true)
// was not set.
func (s *Scheduler) Metrics() *Metrics { return s.metrics }

// CurrentTickTime returns the monotonic time as of the start of the
// current (or most recently completed) tick. Tasks should prefer this to
// time.Now for timeout/deadline math within a tick, for consistency with
// the alarm clock's own notion of "now".
func (s *Scheduler) CurrentTickTime() time.Time {
	s.tickAnchorMu.RLock()
	anchor := s.tickAnchor
	s.tickAnchorMu.RUnlock()
	return anchor.Add(time.Duration(s.tickElapsed.Load()))
}

// Run starts the scheduler's loop on the calling goroutine and blocks
// until ctx is canceled or Shutdown/Close completes. It locks the calling
// goroutine's OS thread for the duration, since epoll requires fd
// ownership to stay put.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.isLoopThread() {
		return ErrReentrantRun
	}
	if !s.state.TryTransition(StateAwake, StateRunning) {
		if s.state.Load() == StateTerminated {
			return ErrSchedulerClosed
		}
		return ErrAlreadyRunning
	}

	defer close(s.done)

	s.tickAnchorMu.Lock()
	s.tickAnchor = time.Now()
	s.tickAnchorMu.Unlock()
	s.tickElapsed.Store(0)

	return s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s.loopGoroutineID.Store(getGoroutineID())
	defer s.loopGoroutineID.Store(0)

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.reactor.Wake()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		select {
		case <-ctx.Done():
			s.beginShutdown()
			s.drain()
			return ctx.Err()
		default:
		}

		state := s.state.Load()
		if state == StateTerminating || state == StateTerminated {
			s.drain()
			return nil
		}

		s.tick()
	}
}

func (s *Scheduler) beginShutdown() {
	for {
		cur := s.state.Load()
		if cur == StateTerminating || cur == StateTerminated {
			return
		}
		if s.state.TryTransition(cur, StateTerminating) {
			return
		}
	}
}

// tick is one iteration of the scheduler loop: run due alarms, drain
// cross-thread submissions, resume ready tasks up to a budget, then block
// in the reactor until there is more work to do.
func (s *Scheduler) tick() {
	s.tickAnchorMu.RLock()
	anchor := s.tickAnchor
	s.tickAnchorMu.RUnlock()
	s.tickElapsed.Store(int64(time.Since(anchor)))

	tickStart := time.Now()

	s.runAlarms()
	s.drainDirty()
	s.resumeReady()

	if s.metrics != nil {
		s.metrics.recordTick(time.Since(tickStart))
		s.metrics.Queue.updateReady(s.ready.Length())
		s.metrics.Queue.updateDirty(s.dirty.Length())
	}

	s.poll()
}

// drainDirty runs every callback queued via runOnLoop/Submit from other
// goroutines since the last tick.
func (s *Scheduler) drainDirty() {
	for {
		fn := s.dirty.Pop()
		if fn == nil {
			return
		}
		s.safeExecuteFn(fn)
	}
}

// resumeReady resumes ready tasks up to the overload budget, logging (rate
// limited) if tasks remain queued after the budget — the scheduler's
// equivalent of an overloaded external queue.
func (s *Scheduler) resumeReady() {
	budget := s.opt.overloadThreshold
	if budget <= 0 {
		budget = 1 << 30
	}

	n := 0
	for n < budget {
		t, ok := s.ready.Pop()
		if !ok {
			break
		}
		s.resumeTask(t)
		n++
	}

	if remaining := s.ready.Length(); remaining > 0 {
		s.reportOverload(remaining)
	}
}

func (s *Scheduler) resumeTask(t *Task) {
	t.resume()

	if t.State() == TaskDone {
		s.tasksMu.Lock()
		delete(s.tasks, t.id)
		s.tasksMu.Unlock()
		if s.metrics != nil {
			s.metrics.taskCompleted()
		}
	}
}

func (s *Scheduler) reportOverload(remaining int) {
	if s.rate != nil {
		if _, ok := s.rate.Allow("overload"); !ok {
			return
		}
	}
	s.logger().Warning().Int("pending", remaining).Str("category", "scheduler").Log("ready queue over budget")
}

// poll blocks in the reactor until woken by an fd, the alarm timerfd, a
// cross-thread submission, or the computed next-alarm timeout — unless
// there is already more work queued, in which case it returns immediately.
func (s *Scheduler) poll() {
	if s.state.Load() != StateRunning {
		return
	}

	if !s.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	if s.ready.Length() > 0 || !s.dirty.IsEmpty() {
		s.state.TryTransition(StateSleeping, StateRunning)
		return
	}

	if s.state.Load() == StateTerminating {
		return
	}

	timeout := s.calculateTimeout()
	if _, err := s.reactor.Poll(timeout); err != nil {
		s.handlePollError(err)
		return
	}

	s.state.TryTransition(StateSleeping, StateRunning)
}

func (s *Scheduler) calculateTimeout() int {
	maxDelay := 10 * time.Second
	if len(s.alarms) > 0 {
		delay := s.alarms[0].when.Sub(s.CurrentTickTime())
		if delay < 0 {
			delay = 0
		}
		if delay < maxDelay {
			maxDelay = delay
		}
	}
	if maxDelay > 0 && maxDelay < time.Millisecond {
		return 1
	}
	return int(maxDelay.Milliseconds())
}

func (s *Scheduler) handlePollError(err error) {
	s.logger().Err(err).Str("category", "reactor").Log("poll failed, terminating scheduler")
	if s.state.TryTransition(StateSleeping, StateTerminating) {
		s.drain()
	}
}

// drain runs every task still in the ready or dirty queues to completion,
// then cancels every task that remains registered (they are blocked on
// something that will never fire now that the scheduler is stopping), and
// finally closes the reactor. Keeps draining until several consecutive
// passes find both queues empty, since running a task or alarm callback
// can itself enqueue more work.
func (s *Scheduler) drain() {
	s.state.Store(StateTerminated)

	emptyChecks := 0
	const requiredEmptyChecks = 3
	for emptyChecks < requiredEmptyChecks {
		drained := false

		for {
			fn := s.dirty.Pop()
			if fn == nil {
				break
			}
			s.safeExecuteFn(fn)
			drained = true
		}

		for {
			t, ok := s.ready.Pop()
			if !ok {
				break
			}
			s.resumeTask(t)
			drained = true
		}

		if drained {
			emptyChecks = 0
		} else {
			emptyChecks++
			runtime.Gosched()
		}
	}

	s.tasksMu.Lock()
	remaining := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		remaining = append(remaining, t)
	}
	s.tasksMu.Unlock()
	for _, t := range remaining {
		t.Cancel()
	}

	_ = s.reactor.Close()
}

// Shutdown requests a graceful stop: tasks already runnable are drained,
// then the loop exits. It blocks until the loop has fully stopped or ctx
// is done.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	var result error
	s.stopOnce.Do(func() {
		result = s.shutdown(ctx)
	})
	if result == nil && s.state.Load() != StateTerminated {
		return ErrSchedulerClosed
	}
	return result
}

func (s *Scheduler) shutdown(ctx context.Context) error {
	for {
		cur := s.state.Load()
		if cur == StateTerminated || cur == StateTerminating {
			return ErrSchedulerClosed
		}
		if s.state.TryTransition(cur, StateTerminating) {
			if cur == StateAwake {
				s.state.Store(StateTerminated)
				_ = s.reactor.Close()
				return nil
			}
			s.reactor.Wake()
			break
		}
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close immediately terminates the scheduler without waiting for the loop
// to acknowledge; use Shutdown for a graceful stop.
func (s *Scheduler) Close() error {
	for {
		cur := s.state.Load()
		if cur == StateTerminated {
			return nil
		}
		if s.state.TryTransition(cur, StateTerminating) {
			if cur == StateAwake {
				s.state.Store(StateTerminated)
				return s.reactor.Close()
			}
			s.reactor.Wake()
			return nil
		}
	}
}

func (s *Scheduler) safeExecuteFn(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger().Err(fmt.Errorf("%v", r)).Str("category", "scheduler").Log("callback panicked")
		}
	}()
	fn()
}

func (s *Scheduler) logTaskPanic(t *Task, r any) {
	s.logger().Err(fmt.Errorf("%v", r)).Uint64("task_id", t.id).Str("category", "scheduler").Log("task panicked")
}

func (s *Scheduler) logger() *logiface.Logger[logiface.Event] {
	return s.opt.logger
}

func (s *Scheduler) isLoopThread() bool {
	id := s.loopGoroutineID.Load()
	if id == 0 {
		return false
	}
	return getGoroutineID() == id
}

// getGoroutineID parses the current goroutine's id out of runtime.Stack
// output. Used for isLoopThread, which runOnLoop and Run branch on, and
// for diagnostics.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// Package task implements a cooperative M:N task runtime: stackful-style
// tasks multiplexed onto a small set of OS threads by a user-space
// [Scheduler], with an epoll-based reactor for I/O readiness, an alarm
// clock for timers and deadlines, and task-aware synchronization
// primitives ([Qutex], [Rendez], [Channel]).
//
// # Architecture
//
// Each [Scheduler] owns exactly one loop goroutine and runs on its own
// locked OS thread ([runtime.LockOSThread]). Tasks are spawned onto a
// Scheduler with [Spawn]; only one task (or the scheduler loop itself) ever
// runs at a time per Scheduler, reproducing cooperative, non-preemptive
// scheduling even though the host goroutines are themselves preemptible by
// the Go runtime. Multiple Schedulers, each bound to a different thread,
// may run concurrently; cross-scheduler wakeups go through a mutex-guarded
// dirty queue and an eventfd-backed wakeup the same way cross-thread
// wakeups do in the reactor.
//
// # I/O
//
// Readiness notification on Linux uses epoll, eventfd (for cross-goroutine
// wakeup) and timerfd (for the alarm clock), via [golang.org/x/sys/unix].
// [Scheduler.RegisterFD], [Scheduler.UnregisterFD] and [Scheduler.ModifyFD]
// integrate arbitrary file descriptors with the reactor; [DialTCP],
// [ListenTCP] and [Listener.Accept] are thin convenience wrappers over them.
//
// # Thread Safety
//
// [Scheduler.Spawn] and [Scheduler.Submit] are safe to call from any
// goroutine, including from outside any Scheduler. [Qutex], [Rendez] and
// [Channel] are safe for concurrent use by any number of tasks, including
// tasks belonging to different Schedulers. A [Task] itself must only be
// resumed by the Scheduler that owns it.
//
// # Cancellation
//
// Every Task carries a context.Context. Canceling it does not interrupt a
// running task; it is observed the next time the task reaches a
// cancellation point (Sleep, Channel.Send/Recv, Rendez.Wait, or an fd
// wait), at which point the blocking call returns [ErrTaskInterrupted].
// Qutex.Lock is not a cancellation point: acquisition always completes.
// [WithDeadline] and [WithTimeout] layer a scoped, self-canceling alarm on
// top of this same mechanism; a fired deadline surfaces as a
// [*DeadlineError], which matches [ErrDeadlineReached].
//
// # Usage
//
//	sched, err := task.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sched.Close()
//
//	sched.Spawn(context.Background(), func(ctx context.Context) {
//		fmt.Println("hello from a task")
//	})
//
//	if err := sched.Run(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
// # Errors
//
// The package's error taxonomy is built around a small set of sentinel
// values and wrapped causes: [ErrTaskInterrupted], [ErrDeadlineReached]
// (itself wrapping ErrTaskInterrupted), [ErrChannelClosed],
// [ErrLockMisuse], and [HostnameError]. All are matched via
// errors.Is/errors.As through whatever call wrapped them.
package task

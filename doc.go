// Package eventloop provides a single-threaded reactor that multiplexes
// file descriptors, per-clock timers, POSIX signals, child process state,
// deferred callbacks, post-callbacks, exit callbacks, and a service
// watchdog into one priority-ordered dispatch queue.
//
// # Architecture
//
// A [Loop] owns a readiness multiplexer (epoll), one timer file descriptor
// per supported clock ([ClockRealtime], [ClockBoottime], [ClockMonotonic],
// [ClockRealtimeAlarm], [ClockBoottimeAlarm]), a signalfd bound to a managed
// signal mask, and an indexed priority queue per ordering concern (pending,
// prepare, exit, and the earliest/latest queues of each clock). Clients
// register [EventSource] values via AddIO, AddTime, AddSignal, AddChild,
// AddDefer, AddPost, and AddExit; the loop waits on the kernel, determines
// which sources are ready, orders them by priority and age, and invokes
// exactly one callback per dispatch step.
//
// # Platform Support
//
// This package is Linux-only: it depends directly on epoll, timerfd,
// signalfd, and waitid, none of which have portable equivalents on other
// platforms. There is no fallback poller.
//
// # Thread Safety
//
// The loop is single-threaded by design: every public method, including
// Exit, must be called from the goroutine currently inside Run (typically
// from within a source callback). The loop captures its creating process id
// at construction and returns a wrong-process error from every operation if
// that id ever changes, detecting (but not surviving) a fork. There is no
// interior lock and no cross-thread cancellation; nothing here is safe for
// concurrent use from two goroutines at once.
//
// # Execution Model
//
// Run is the repeated composition of three non-blocking-except-one steps:
//
//	prepare() - runs prepare callbacks, rearms clocks, advances the iteration
//	wait(timeout) - the only step that may block, polling the kernel
//	dispatch() - invokes exactly one pending source's callback
//
// # Usage
//
//	loop, err := eventloop.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer loop.Close()
//
//	var ts unix.Timespec
//	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
//	loop.AddTime(eventloop.ClockMonotonic, ts.Nano()+int64(100*time.Millisecond), 0, func(s *eventloop.EventSource, ev eventloop.TimeEvent) error {
//		fmt.Println("fired")
//		return loop.Exit(0)
//	})
//
//	if err := loop.Run(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
// # Error Types
//
// Every operation returns an *[Error] carrying a [Kind] drawn from a fixed
// taxonomy (invalid argument, busy, stale, no data, not found, wrong
// process, resource exhausted, kernel), with cause-chain support via the
// standard errors.Unwrap/Is/As machinery. Two exceptions: Run returns
// ctx.Err() once its context is done, and Close returns the first close(2)
// error unwrapped.
package eventloop

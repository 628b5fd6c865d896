package eventloop

import (
	"context"
	"math"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Loop is the reactor described in the package doc: it owns a readiness
// multiplexer, one timer descriptor per supported clock, a signalfd bound to
// a managed mask, and the priority queues that order dispatch. It is
// single-threaded: every method must be called from the goroutine that owns
// it.
type Loop struct {
	pid     int
	opts    *loopOptions
	logger  *eventLogger
	perturb time.Duration

	poller *readinessMultiplexer

	clocks [clockCount]*clockData

	signalFD      int
	signalMask    unix.Sigset_t
	signalSources map[int]*EventSource
	childSources  map[int]*EventSource

	postSources map[*EventSource]struct{}

	pendingQ *indexedPrioq[*EventSource]
	prepareQ *indexedPrioq[*EventSource]
	exitQ    *indexedPrioq[*EventSource]

	iteration uint64

	state         LoopState
	exitRequested bool
	exitCode      int

	haveNow      bool
	nowRealtime  int64
	nowMonotonic int64
	nowBoottime  int64

	watchdog watchdogState

	extRefs   int
	isDefault bool
	closed    bool
}

var (
	defaultLoopMu   sync.Mutex
	defaultLoopInst *Loop
)

// pendingLess orders the pending queue: enabled first, then lower
// priority, then older (lower pending_iteration), then identity.
func pendingLess(a, b *EventSource) bool {
	if (a.enabled != Off) != (b.enabled != Off) {
		return a.enabled != Off
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.pendingIteration != b.pendingIteration {
		return a.pendingIteration < b.pendingIteration
	}
	return sourceLess(a, b)
}

// prepareLess orders the prepare queue: lower prepare_iteration first, so
// once the head has run this cycle, preparation stops.
func prepareLess(a, b *EventSource) bool {
	if a.prepareIteration != b.prepareIteration {
		return a.prepareIteration < b.prepareIteration
	}
	if (a.enabled != Off) != (b.enabled != Off) {
		return a.enabled != Off
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return sourceLess(a, b)
}

// exitLess orders the exit queue: enabled first, then lower priority, then
// identity.
func exitLess(a, b *EventSource) bool {
	if (a.enabled != Off) != (b.enabled != Off) {
		return a.enabled != Off
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return sourceLess(a, b)
}

// New constructs a Loop with its own epoll instance, per-clock timer
// machinery, and coalescing perturb. Use [Default] instead for the
// process-wide singleton.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}
	poller, err := newReadinessMultiplexer()
	if err != nil {
		return nil, err
	}
	l := &Loop{
		pid:           os.Getpid(),
		opts:          cfg,
		logger:        newEventLogger(cfg.logger),
		poller:        poller,
		signalSources: make(map[int]*EventSource),
		childSources:  make(map[int]*EventSource),
		postSources:   make(map[*EventSource]struct{}),
		extRefs:       1,
	}
	for c := Clock(0); c < clockCount; c++ {
		l.clocks[c] = newClockData(c)
	}
	l.pendingQ = newIndexedPrioq(pendingLess, prioqIndex[*EventSource]{
		get: func(s *EventSource) int { return s.pendingIdx },
		set: func(s *EventSource, i int) { s.pendingIdx = i },
	})
	l.prepareQ = newIndexedPrioq(prepareLess, prioqIndex[*EventSource]{
		get: func(s *EventSource) int { return s.prepareIdx },
		set: func(s *EventSource, i int) { s.prepareIdx = i },
	})
	l.exitQ = newIndexedPrioq(exitLess, prioqIndex[*EventSource]{
		get: func(s *EventSource) int { return s.exit.exitIdx },
		set: func(s *EventSource, i int) { s.exit.exitIdx = i },
	})
	if cfg.perturbSet {
		l.perturb = cfg.perturb
	} else {
		l.perturb = initializePerturb(l.logger)
	}
	period := cfg.watchdogPeriod
	if period == 0 {
		period = watchdogPeriodFromEnv()
	}
	l.watchdog = *newWatchdogState(period, nil)
	return l, nil
}

// Default returns the process-wide singleton loop, constructing it on first
// use. This is a Go-idiomatic simplification of a per-thread-TLS singleton:
// goroutines have no stable thread identity to key a slot on, so this
// package keeps one shared instance guarded by a mutex instead (see
// DESIGN.md).
func Default(opts ...LoopOption) (*Loop, error) {
	defaultLoopMu.Lock()
	defer defaultLoopMu.Unlock()
	if defaultLoopInst != nil {
		return defaultLoopInst, nil
	}
	l, err := New(opts...)
	if err != nil {
		return nil, err
	}
	l.isDefault = true
	defaultLoopInst = l
	return l, nil
}

// Ref increments the loop's external reference count.
func (l *Loop) Ref() *Loop {
	l.extRefs++
	return l
}

// Unref decrements the external reference count, closing the loop once it
// reaches zero.
func (l *Loop) Unref() error {
	l.extRefs--
	if l.extRefs <= 0 {
		return l.Close()
	}
	return nil
}

// checkProcess implements the fork-detection contract: every public
// operation fails with WrongProcess once the observed pid diverges from the
// one captured at construction.
func (l *Loop) checkProcess(op string) error {
	if os.Getpid() != l.pid {
		return errWrongProcess(op)
	}
	return nil
}

// markPending makes s pending, inserting it into the pending queue and
// stamping its pending_iteration. A no-op if already pending.
func (l *Loop) markPending(s *EventSource) {
	if s.pending {
		return
	}
	s.pending = true
	s.pendingIteration = l.iteration
	l.pendingQ.Put(s)
}

// clearPending removes s from the pending queue. A no-op if not pending.
func (l *Loop) clearPending(s *EventSource) {
	if !s.pending {
		return
	}
	s.pending = false
	l.pendingQ.RemoveKnown(s)
}

// registerIO installs s's descriptor into the readiness multiplexer.
func (l *Loop) registerIO(s *EventSource) error {
	if s.io.registered {
		return nil
	}
	if err := l.poller.registerTag(s.io.fd, s.io.events, func(ev IOEvents) { l.onIOReadable(s, ev) }); err != nil {
		return err
	}
	s.io.registered = true
	return nil
}

func (l *Loop) onIOReadable(s *EventSource, ev IOEvents) {
	if s.enabled == Off {
		return
	}
	s.io.revents = ev
	l.markPending(s)
}

// registerKernel installs the kernel-visible plumbing for s when it
// transitions from Off to On/OneShot.
func (l *Loop) registerKernel(s *EventSource) error {
	switch s.kind {
	case KindIO:
		return l.registerIO(s)
	case KindSignal:
		l.signalSources[s.signal.signo] = s
		return l.rebindSignalFD()
	case KindChild:
		l.childSources[s.child.pid] = s
		return l.rebindSignalFD()
	}
	return nil
}

// deregisterKernel removes the kernel-visible plumbing for s when it
// transitions to Off.
func (l *Loop) deregisterKernel(s *EventSource) {
	switch s.kind {
	case KindIO:
		if s.io.registered {
			_ = l.poller.unregister(s.io.fd)
			s.io.registered = false
		}
	case KindSignal:
		delete(l.signalSources, s.signal.signo)
		if err := l.rebindSignalFD(); err != nil {
			l.logger.kernelTolerated("rebind signalfd", err)
		}
	case KindChild:
		delete(l.childSources, s.child.pid)
		if err := l.rebindSignalFD(); err != nil {
			l.logger.kernelTolerated("rebind signalfd", err)
		}
	}
}

// disconnect tears down every index and kernel registration s participates
// in. Idempotent: safe to call more than once, and safe to call while s is
// dispatching (its storage is reclaimed by the garbage collector once the
// last reference — including the dispatch frame's local variable — drops,
// per the "unref during own callback" rule documented on EventSource.Unref).
func (l *Loop) disconnect(s *EventSource) {
	if !s.attached {
		return
	}
	s.attached = false
	switch s.kind {
	case KindIO:
		if s.io.registered {
			_ = l.poller.unregister(s.io.fd)
			s.io.registered = false
		}
	case KindTimeRealtime, KindTimeBoottime, KindTimeMonotonic, KindTimeRealtimeAlarm, KindTimeBoottimeAlarm:
		cd := l.clocks[s.timer.clock]
		cd.earliest.RemoveKnown(s)
		cd.latest.RemoveKnown(s)
	case KindSignal:
		delete(l.signalSources, s.signal.signo)
		if err := l.rebindSignalFD(); err != nil {
			l.logger.kernelTolerated("rebind signalfd", err)
		}
	case KindChild:
		delete(l.childSources, s.child.pid)
		if err := l.rebindSignalFD(); err != nil {
			l.logger.kernelTolerated("rebind signalfd", err)
		}
	case KindPost:
		delete(l.postSources, s)
	case KindExit:
		l.exitQ.RemoveKnown(s)
	}
	if s.pending {
		s.pending = false
		l.pendingQ.RemoveKnown(s)
	}
	l.prepareQ.RemoveKnown(s)
}

// setEnabled transitions a source's enablement state. Disabling always
// drops the source from the pending queue outright (not merely
// deprioritizes it), so a disabled source can never reach the head of the
// pending queue and fire; see DESIGN.md.
func (l *Loop) setEnabled(s *EventSource, m Enabled) error {
	if err := l.checkProcess("SetEnabled"); err != nil {
		return err
	}
	if s.enabled == m {
		return nil
	}
	wasOff := s.enabled == Off
	nowOff := m == Off
	s.enabled = m
	if wasOff == nowOff {
		if s.pending {
			l.pendingQ.Reshuffle(s)
		}
		return nil
	}
	if nowOff {
		l.deregisterKernel(s)
		if s.pending {
			l.clearPending(s)
		}
	} else {
		if err := l.registerKernel(s); err != nil {
			s.enabled = Off
			return err
		}
	}
	switch s.kind {
	case KindTimeRealtime, KindTimeBoottime, KindTimeMonotonic, KindTimeRealtimeAlarm, KindTimeBoottimeAlarm:
		cd := l.clocks[s.timer.clock]
		cd.earliest.Reshuffle(s)
		cd.latest.Reshuffle(s)
		cd.needsRearm = true
	case KindExit:
		l.exitQ.Reshuffle(s)
	}
	return nil
}

// setPriority updates a source's priority, reshuffling every queue it
// participates in.
func (l *Loop) setPriority(s *EventSource, p int64) error {
	if err := l.checkProcess("SetPriority"); err != nil {
		return err
	}
	if s.priority == p {
		return nil
	}
	s.priority = p
	if s.pending {
		l.pendingQ.Reshuffle(s)
	}
	if s.prepareCB != nil {
		l.prepareQ.Reshuffle(s)
	}
	switch s.kind {
	case KindTimeRealtime, KindTimeBoottime, KindTimeMonotonic, KindTimeRealtimeAlarm, KindTimeBoottimeAlarm:
		cd := l.clocks[s.timer.clock]
		cd.earliest.Reshuffle(s)
		cd.latest.Reshuffle(s)
	case KindExit:
		l.exitQ.Reshuffle(s)
	}
	return nil
}

// setPrepare installs or removes a source's per-iteration prepare hook.
func (l *Loop) setPrepare(s *EventSource, cb func(*EventSource) error) error {
	if err := l.checkProcess("SetPrepare"); err != nil {
		return err
	}
	had := s.prepareCB != nil
	s.prepareCB = cb
	has := cb != nil
	switch {
	case has && !had:
		l.prepareQ.Put(s)
	case !has && had:
		l.prepareQ.RemoveKnown(s)
	}
	return nil
}

// setIOFd installs a new descriptor for an Io source before removing the
// old one, preserving the original registration on failure.
func (l *Loop) setIOFd(s *EventSource, fd int) error {
	if err := l.checkProcess("SetIOFd"); err != nil {
		return err
	}
	if s.io == nil {
		return errInvalidArgument("SetIOFd", "not an io source")
	}
	oldFD := s.io.fd
	if s.io.registered {
		if err := l.poller.registerTag(fd, s.io.events, func(ev IOEvents) { l.onIOReadable(s, ev) }); err != nil {
			return err
		}
		_ = l.poller.unregister(oldFD)
	}
	s.io.fd = fd
	return nil
}

// setIOEvents updates the readiness mask an Io source requests; a no-op
// when the mask is unchanged and does not request edge-triggered delivery.
func (l *Loop) setIOEvents(s *EventSource, events IOEvents) error {
	if err := l.checkProcess("SetIOEvents"); err != nil {
		return err
	}
	if s.io == nil {
		return errInvalidArgument("SetIOEvents", "not an io source")
	}
	if events == s.io.events && events&EventEdgeTriggered == 0 {
		return nil
	}
	s.io.events = events
	if s.io.registered {
		if err := l.poller.modify(s.io.fd, events); err != nil {
			return err
		}
	}
	l.clearPending(s)
	return nil
}

// setTime reschedules a time source: updates the key, reshuffles both
// clock queues, requests rearm, and clears pending.
func (l *Loop) setTime(s *EventSource, usec int64) error {
	if err := l.checkProcess("SetTime"); err != nil {
		return err
	}
	if s.timer == nil {
		return errInvalidArgument("SetTime", "not a time source")
	}
	s.timer.next = usec
	cd := l.clocks[s.timer.clock]
	cd.earliest.Reshuffle(s)
	cd.latest.Reshuffle(s)
	cd.needsRearm = true
	l.clearPending(s)
	return nil
}

// setTimeAccuracy updates a time source's coalescing tolerance.
func (l *Loop) setTimeAccuracy(s *EventSource, d time.Duration) error {
	if err := l.checkProcess("SetTimeAccuracy"); err != nil {
		return err
	}
	if s.timer == nil {
		return errInvalidArgument("SetTimeAccuracy", "not a time source")
	}
	if d == 0 {
		d = l.opts.defaultAccuracy
	}
	s.timer.accuracy = d
	cd := l.clocks[s.timer.clock]
	cd.latest.Reshuffle(s)
	cd.needsRearm = true
	l.clearPending(s)
	return nil
}

// createClockTimer creates cd's timerfd on first use and registers it with
// the readiness multiplexer under its own distinguished tag (its own fd
// number).
func (l *Loop) createClockTimer(cd *clockData) error {
	if cd.fd > 0 {
		return nil
	}
	fd, err := unix.TimerfdCreate(int(unixClockID(cd.clock)), unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return errKernel("timerfd_create", err)
	}
	if err := l.poller.registerTag(fd, EventRead, func(IOEvents) { l.onClockFire(cd) }); err != nil {
		_ = closeFD(fd)
		return errKernel("epoll_ctl", err)
	}
	cd.fd = fd
	return nil
}

// armClockTimer installs target (absolute, clock epoch nanoseconds) into
// cd's timerfd. A literal zero is forbidden — it would disarm the timer —
// so it is nudged to one nanosecond instead.
func (l *Loop) armClockTimer(cd *clockData, target int64) error {
	if cd.fd <= 0 {
		return nil
	}
	if target == 0 {
		target = 1
	}
	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(0),
		Value:    unix.NsecToTimespec(target),
	}
	if err := unix.TimerfdSettime(cd.fd, unix.TFD_TIMER_ABSTIME, &spec, nil); err != nil {
		return errKernel("timerfd_settime", err)
	}
	cd.armed = target
	return nil
}

// rearmClock implements the coalescing policy: pick a wake time in
// [earliest.next, latest.next+accuracy] and (re)program the timer, or
// disarm it outright if nothing enabled remains scheduled.
func (l *Loop) rearmClock(cd *clockData) error {
	if !cd.needsRearm {
		return nil
	}
	cd.needsRearm = false
	if cd.fd <= 0 {
		return nil
	}
	aSrc, hasA := cd.earliest.Peek()
	if !hasA || aSrc.enabled == Off {
		if cd.armed != 0 {
			if err := unix.TimerfdSettime(cd.fd, unix.TFD_TIMER_ABSTIME, &unix.ItimerSpec{}, nil); err != nil {
				return errKernel("timerfd_settime", err)
			}
			cd.armed = 0
		}
		return nil
	}
	bSrc, _ := cd.latest.Peek()
	a := aSrc.timer.next
	b := bSrc.timer.next + bSrc.timer.accuracy.Nanoseconds()
	target := chooseWakeTime(a, b, l.perturb.Nanoseconds())
	return l.armClockTimer(cd, target)
}

// onClockFire drains cd's timerfd expiration counter and processes
// expirations.
func (l *Loop) onClockFire(cd *clockData) {
	var buf [8]byte
	for {
		n, err := readFD(cd.fd, buf[:])
		if err != nil {
			if err != unix.EAGAIN {
				l.logger.kernelTolerated("timerfd read", err)
			}
			break
		}
		if n <= 0 {
			break
		}
	}
	l.processClockExpirations(cd)
}

// processClockExpirations marks every enabled, non-pending, due source in
// cd's earliest queue as pending.
func (l *Loop) processClockExpirations(cd *clockData) {
	now, err := clockNow(cd.clock)
	if err != nil {
		l.logger.kernelTolerated("clock_gettime", err)
		return
	}
	for {
		s, ok := cd.earliest.Peek()
		if !ok || s.enabled == Off || s.pending || s.timer.next > now {
			break
		}
		l.markPending(s)
		cd.earliest.Reshuffle(s)
		cd.latest.Reshuffle(s)
	}
	cd.needsRearm = true
}

// AddIO registers an Io source for fd. The readiness mask must be a subset
// of the supported readiness bits.
func (l *Loop) AddIO(fd int, events IOEvents, cb func(*EventSource, IOEvent) error) (*EventSource, error) {
	if err := l.checkProcess("AddIO"); err != nil {
		return nil, err
	}
	const validMask = EventRead | EventWrite | EventError | EventHangup | EventRemoteHangup | EventPriority | EventEdgeTriggered
	if events&^validMask != 0 {
		return nil, errInvalidArgument("AddIO", "readiness mask out of range")
	}
	if cb == nil {
		return nil, errInvalidArgument("AddIO", "callback is required")
	}
	s := newSource(l, KindIO, 0)
	s.io = &ioData{fd: fd, events: events, cb: cb}
	if err := l.registerIO(s); err != nil {
		return nil, err
	}
	return s, nil
}

// AddTime registers a time source against clock, firing once usec is
// reached (absolute, clock epoch, nanoseconds). accuracy of zero is
// substituted with the configured default. Default enabled OneShot.
func (l *Loop) AddTime(clock Clock, usec int64, accuracy time.Duration, cb func(*EventSource, TimeEvent) error) (*EventSource, error) {
	if err := l.checkProcess("AddTime"); err != nil {
		return nil, err
	}
	if clock < 0 || clock >= clockCount {
		return nil, errInvalidArgument("AddTime", "unsupported clock")
	}
	if usec == math.MaxInt64 || usec == math.MinInt64 {
		return nil, errInvalidArgument("AddTime", "time sentinel not allowed")
	}
	if accuracy < 0 {
		return nil, errInvalidArgument("AddTime", "accuracy must not be negative")
	}
	if accuracy.Nanoseconds() == math.MaxInt64 || accuracy.Nanoseconds() == math.MinInt64 {
		return nil, errInvalidArgument("AddTime", "accuracy sentinel not allowed")
	}
	if accuracy == 0 {
		accuracy = l.opts.defaultAccuracy
	}
	if cb == nil {
		return nil, errInvalidArgument("AddTime", "callback is required")
	}
	s := newSource(l, clock.sourceKind(), 0)
	s.enabled = OneShot
	s.timer = &timeData{clock: clock, next: usec, accuracy: accuracy, cb: cb, earliestIdx: nullIndex, latestIdx: nullIndex}
	cd := l.clocks[clock]
	if err := l.createClockTimer(cd); err != nil {
		return nil, err
	}
	cd.earliest.Put(s)
	cd.latest.Put(s)
	cd.needsRearm = true
	return s, nil
}

// AddSignal registers a signal source for sig, which must already be
// blocked in the calling thread's signal mask. If cb is nil, a default
// callback is installed that exits the loop with the source's user data as
// the exit code.
func (l *Loop) AddSignal(sig int, cb func(*EventSource, SignalInfo) error) (*EventSource, error) {
	if err := l.checkProcess("AddSignal"); err != nil {
		return nil, err
	}
	if sig <= 0 || sig >= nsig {
		return nil, errInvalidArgument("AddSignal", "signal number out of range")
	}
	if _, exists := l.signalSources[sig]; exists {
		return nil, errBusy("AddSignal", "signal already claimed")
	}
	blocked, err := isSignalBlocked(sig)
	if err != nil {
		return nil, err
	}
	if !blocked {
		return nil, errBusy("AddSignal", "signal must be blocked before registration")
	}
	s := newSource(l, KindSignal, 0)
	if cb == nil {
		cb = l.defaultSignalExit
	}
	s.signal = &signalData{signo: sig, cb: cb}
	l.signalSources[sig] = s
	if err := l.rebindSignalFD(); err != nil {
		delete(l.signalSources, sig)
		return nil, err
	}
	return s, nil
}

// defaultSignalExit is installed by AddSignal when cb is nil: it asks the
// loop to exit with the source's user data as the exit code.
func (l *Loop) defaultSignalExit(s *EventSource, _ SignalInfo) error {
	code, _ := s.userData.(int)
	return l.Exit(code)
}

// AddChild registers a child source observing pid for the wait statuses in
// options, a non-empty subset of {WExited, WStopped, WContinued}. Default
// enabled OneShot.
func (l *Loop) AddChild(pid int, options ChildOptions, cb func(*EventSource, ChildStatus) error) (*EventSource, error) {
	if err := l.checkProcess("AddChild"); err != nil {
		return nil, err
	}
	if pid <= 1 {
		return nil, errInvalidArgument("AddChild", "pid must be greater than 1")
	}
	const validMask = WExited | WStopped | WContinued
	if options == 0 || options&^validMask != 0 {
		return nil, errInvalidArgument("AddChild", "options must be a non-empty subset of the wait flags")
	}
	if _, exists := l.childSources[pid]; exists {
		return nil, errBusy("AddChild", "process already registered")
	}
	if cb == nil {
		return nil, errInvalidArgument("AddChild", "callback is required")
	}
	s := newSource(l, KindChild, 0)
	s.enabled = OneShot
	s.child = &childData{pid: pid, options: options, cb: cb}
	l.childSources[pid] = s
	if err := l.rebindSignalFD(); err != nil {
		delete(l.childSources, pid)
		return nil, err
	}
	return s, nil
}

// AddDefer registers a source that fires exactly once in the next dispatch
// step; it is created already pending.
func (l *Loop) AddDefer(cb func(*EventSource) error) (*EventSource, error) {
	if err := l.checkProcess("AddDefer"); err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, errInvalidArgument("AddDefer", "callback is required")
	}
	s := newSource(l, KindDefer, 0)
	s.enabled = OneShot
	s.defr = &deferData{cb: cb}
	l.markPending(s)
	return s, nil
}

// AddPost registers a source that fires whenever any non-post, non-exit
// source fires in the same iteration.
func (l *Loop) AddPost(cb func(*EventSource) error) (*EventSource, error) {
	if err := l.checkProcess("AddPost"); err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, errInvalidArgument("AddPost", "callback is required")
	}
	s := newSource(l, KindPost, 0)
	s.post = &postData{cb: cb}
	l.postSources[s] = struct{}{}
	return s, nil
}

// AddExit registers a source that fires during the loop's exit transition,
// ordered by the exit-queue comparator.
func (l *Loop) AddExit(cb func(*EventSource, int) error) (*EventSource, error) {
	if err := l.checkProcess("AddExit"); err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, errInvalidArgument("AddExit", "callback is required")
	}
	s := newSource(l, KindExit, 0)
	s.enabled = OneShot
	s.exit = &exitData{cb: cb, exitIdx: nullIndex}
	l.exitQ.Put(s)
	return s, nil
}

// Exit requests that the loop finish its current dispatch step, drain the
// exit queue, and transition to Finished.
func (l *Loop) Exit(code int) error {
	if err := l.checkProcess("Exit"); err != nil {
		return err
	}
	if l.state == StateFinished {
		return errStale("Exit")
	}
	l.exitRequested = true
	l.exitCode = code
	return nil
}

// Prepare runs the prepare queue once per iteration and rearms any clock
// whose schedule changed.
func (l *Loop) Prepare() error {
	if err := l.checkProcess("Prepare"); err != nil {
		return err
	}
	if l.state != StateInitial {
		return errBusy("Prepare", "loop is not in the initial state")
	}
	if l.exitRequested {
		l.state = StatePrepared
		return nil
	}
	l.iteration++
	for {
		s, ok := l.prepareQ.Peek()
		if !ok || s.prepareIteration >= l.iteration {
			break
		}
		s.prepareIteration = l.iteration
		l.prepareQ.Reshuffle(s)
		if s.prepareCB != nil {
			if err := s.prepareCB(s); err != nil {
				l.logger.callbackFailed(s, err)
				_ = l.setEnabled(s, Off)
			}
		}
	}
	for c := Clock(0); c < clockCount; c++ {
		cd := l.clocks[c]
		if cd.needsRearm {
			if err := l.rearmClock(cd); err != nil {
				l.logger.kernelTolerated("rearm", err)
			}
		}
	}
	l.state = StatePrepared
	return nil
}

// durationToMillis rounds d up to whole milliseconds for the readiness
// multiplexer's wait() contract; negative durations mean "wait forever".
func durationToMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d.Milliseconds()
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms > math.MaxInt32 {
		ms = math.MaxInt32
	}
	return int(ms)
}

// Wait blocks on the readiness multiplexer for up to timeout, unless the
// pending queue is already non-empty, and captures the post-wake
// timestamps.
func (l *Loop) Wait(timeout time.Duration) (bool, error) {
	if err := l.checkProcess("Wait"); err != nil {
		return false, err
	}
	if l.state != StatePrepared {
		return false, errBusy("Wait", "loop is not in the prepared state")
	}
	if l.pendingQ.Len() == 0 {
		if _, err := l.poller.wait(durationToMillis(timeout)); err != nil {
			l.state = StateInitial
			return false, err
		}
	}
	if err := l.captureNow(); err != nil {
		l.state = StateInitial
		return false, err
	}
	if l.pendingQ.Len() > 0 {
		l.state = StatePending
		return true, nil
	}
	l.state = StateInitial
	return false, nil
}

func (l *Loop) captureNow() error {
	rt, err := clockNow(ClockRealtime)
	if err != nil {
		return err
	}
	mt, err := clockNow(ClockMonotonic)
	if err != nil {
		return err
	}
	bt, err := clockNow(ClockBoottime)
	if err != nil {
		return err
	}
	l.nowRealtime, l.nowMonotonic, l.nowBoottime = rt, mt, bt
	l.haveNow = true
	return nil
}

// Now returns the timestamp captured at the most recent wake for clock,
// failing with NoData if no wake has happened yet.
func (l *Loop) Now(clock Clock) (int64, error) {
	if err := l.checkProcess("Now"); err != nil {
		return 0, err
	}
	if !l.haveNow {
		return 0, errNoData("Now", "no wake captured yet")
	}
	switch clock {
	case ClockRealtime, ClockRealtimeAlarm:
		return l.nowRealtime, nil
	case ClockBoottime, ClockBoottimeAlarm:
		return l.nowBoottime, nil
	case ClockMonotonic:
		return l.nowMonotonic, nil
	default:
		return 0, errInvalidArgument("Now", "unsupported clock")
	}
}

// Dispatch runs exactly one source: the next exit-queue entry once exit was
// requested (ahead of any pending source), otherwise the head of the
// pending queue.
func (l *Loop) Dispatch() (bool, error) {
	if err := l.checkProcess("Dispatch"); err != nil {
		return false, err
	}
	if l.exitRequested {
		return l.dispatchExit()
	}
	if l.state == StateInitial {
		// Wait found nothing ready and already returned the loop to
		// Initial; nothing to dispatch this cycle.
		return false, nil
	}
	if l.state != StatePending {
		return false, errBusy("Dispatch", "loop is not in the pending state")
	}
	s, ok := l.pendingQ.Peek()
	if !ok {
		l.state = StateInitial
		return false, nil
	}
	l.state = StateDispatching
	l.dispatchOne(s)
	l.state = StateInitial
	return true, nil
}

// dispatchOne runs the dispatch mechanics for a single source.
func (l *Loop) dispatchOne(s *EventSource) {
	l.clearPending(s)
	if s.kind != KindPost {
		for p := range l.postSources {
			if p.enabled != Off {
				l.markPending(p)
			}
		}
	}
	if s.enabled == OneShot {
		_ = l.setEnabled(s, Off)
	}
	s.dispatching = true
	err := l.invoke(s)
	s.dispatching = false
	if err != nil {
		l.logger.callbackFailed(s, err)
		_ = l.setEnabled(s, Off)
	}
	if s.kind == KindChild {
		l.reapChild(s)
	}
}

func (l *Loop) invoke(s *EventSource) error {
	switch s.kind {
	case KindIO:
		return s.io.cb(s, IOEvent{Events: s.io.revents})
	case KindTimeRealtime, KindTimeBoottime, KindTimeMonotonic, KindTimeRealtimeAlarm, KindTimeBoottimeAlarm:
		return s.timer.cb(s, TimeEvent{Clock: s.timer.clock, Usec: s.timer.next})
	case KindSignal:
		return s.signal.cb(s, s.signal.lastInfo)
	case KindChild:
		return s.child.cb(s, s.child.lastStatus)
	case KindDefer:
		return s.defr.cb(s)
	case KindPost:
		return s.post.cb(s)
	default:
		return nil
	}
}

// dispatchExit drains one exit-queue entry, transitioning to Finished once
// it is empty.
func (l *Loop) dispatchExit() (bool, error) {
	l.state = StateExiting
	s, ok := l.exitQ.Pop()
	if !ok {
		l.state = StateFinished
		return false, nil
	}
	s.dispatching = true
	err := s.exit.cb(s, l.exitCode)
	s.dispatching = false
	if err != nil {
		l.logger.callbackFailed(s, err)
	}
	if l.exitQ.Len() == 0 {
		l.state = StateFinished
	} else {
		l.state = StateInitial
	}
	return true, nil
}

// Run repeatedly composes Prepare, Wait, and Dispatch until the loop
// reaches Finished or ctx is done. There is no cross-thread cancellation:
// ctx is only consulted between iterations and to bound the next Wait,
// never to interrupt one already blocked in the kernel.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := l.Prepare(); err != nil {
			return err
		}
		ready, err := l.Wait(l.nextTimeout(ctx))
		if err != nil {
			return err
		}
		if ready || l.exitRequested {
			if _, err := l.Dispatch(); err != nil {
				return err
			}
		}
		if l.state.IsTerminal() {
			return nil
		}
	}
}

func (l *Loop) nextTimeout(ctx context.Context) time.Duration {
	if l.exitRequested {
		return 0
	}
	if dl, ok := ctx.Deadline(); ok {
		d := time.Until(dl)
		if d < 0 {
			d = 0
		}
		return d
	}
	return -1
}

// GetFD returns the readiness multiplexer's descriptor, so this loop can be
// nested inside a larger reactor.
func (l *Loop) GetFD() int { return l.poller.epfd }

// GetState returns the current state-machine state.
func (l *Loop) GetState() LoopState { return l.state }

// GetExitCode returns the exit code passed to Exit, failing with NoData
// until the loop reaches Finished.
func (l *Loop) GetExitCode() (int, error) {
	if l.state != StateFinished {
		return 0, errNoData("GetExitCode", "loop has not finished")
	}
	return l.exitCode, nil
}

// GetTid returns the kernel thread id of the calling OS thread.
func (l *Loop) GetTid() int { return unix.Gettid() }

// Close releases every kernel descriptor owned by the loop: the per-clock
// timers, the signalfd, and the epoll instance. Idempotent.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.isDefault {
		defaultLoopMu.Lock()
		if defaultLoopInst == l {
			defaultLoopInst = nil
		}
		defaultLoopMu.Unlock()
	}
	var firstErr error
	for c := Clock(0); c < clockCount; c++ {
		cd := l.clocks[c]
		if cd.fd > 0 {
			if err := closeFD(cd.fd); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if l.signalFD > 0 {
		if err := closeFD(l.signalFD); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := l.poller.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

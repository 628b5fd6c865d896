package eventloop

import "time"

// SourceKind discriminates the kind of stimulus an EventSource reacts to.
// Watchdog is intentionally not user-creatable: watchdog wake-ups are
// delivered through the loop's internal timer tag, never as a source a
// caller can add, per the open question recorded in DESIGN.md.
type SourceKind int

const (
	KindIO SourceKind = iota
	KindTimeRealtime
	KindTimeBoottime
	KindTimeMonotonic
	KindTimeRealtimeAlarm
	KindTimeBoottimeAlarm
	KindSignal
	KindChild
	KindDefer
	KindPost
	KindExit
)

func (k SourceKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindTimeRealtime:
		return "time:realtime"
	case KindTimeBoottime:
		return "time:boottime"
	case KindTimeMonotonic:
		return "time:monotonic"
	case KindTimeRealtimeAlarm:
		return "time:realtime-alarm"
	case KindTimeBoottimeAlarm:
		return "time:boottime-alarm"
	case KindSignal:
		return "signal"
	case KindChild:
		return "child"
	case KindDefer:
		return "defer"
	case KindPost:
		return "post"
	case KindExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Clock identifies one of the five clocks a time source may be scheduled
// against.
type Clock int

const (
	ClockRealtime Clock = iota
	ClockBoottime
	ClockMonotonic
	ClockRealtimeAlarm
	ClockBoottimeAlarm
	clockCount
)

func (c Clock) sourceKind() SourceKind {
	switch c {
	case ClockRealtime:
		return KindTimeRealtime
	case ClockBoottime:
		return KindTimeBoottime
	case ClockMonotonic:
		return KindTimeMonotonic
	case ClockRealtimeAlarm:
		return KindTimeRealtimeAlarm
	case ClockBoottimeAlarm:
		return KindTimeBoottimeAlarm
	default:
		return KindIO
	}
}

// Enabled is the enablement state of an EventSource.
type Enabled int

const (
	// Off unregisters the source's kernel plumbing; it stays attached to
	// the loop but cannot become pending.
	Off Enabled = iota
	// On keeps the source enabled across dispatches.
	On
	// OneShot automatically disables the source just before its callback
	// runs.
	OneShot
)

func (e Enabled) String() string {
	switch e {
	case Off:
		return "off"
	case On:
		return "on"
	case OneShot:
		return "oneshot"
	default:
		return "unknown"
	}
}

// IOEvent is passed to an IO source's callback.
type IOEvent struct {
	Events IOEvents
}

// TimeEvent is passed to a time source's callback.
type TimeEvent struct {
	Clock Clock
	// Usec is the absolute time, in the clock's own epoch, at which the
	// source was scheduled to fire.
	Usec int64
}

// SignalInfo is passed to a signal source's callback.
type SignalInfo struct {
	Signo int
	Pid   int
	Uid   int
}

// ChildOptions is a bitmask of the wait statuses a child source observes.
type ChildOptions int

const (
	WExited ChildOptions = 1 << iota
	WStopped
	WContinued
)

// ChildStatus is passed to a child source's callback.
type ChildStatus struct {
	Pid    int
	Uid    int
	Code   int // CLD_EXITED, CLD_KILLED, CLD_DUMPED, CLD_STOPPED, CLD_CONTINUED
	Status int // exit status or signal number, depending on Code
}

// EventSource is a registered handle that can become ready and is dispatched
// at most once per wake. Every add function returns one. A source belongs to
// exactly one Loop for its entire lifetime.
type EventSource struct {
	loop        *Loop
	kind        SourceKind
	refs        int
	floating    bool
	enabled     Enabled
	priority    int64
	description string

	pending     bool
	dispatching bool

	pendingIteration uint64
	prepareIteration uint64

	pendingIdx int
	prepareIdx int

	prepareCB func(*EventSource) error
	userData  any

	attached bool

	io     *ioData
	timer  *timeData
	signal *signalData
	child  *childData
	defr   *deferData
	post   *postData
	exit   *exitData
}

type ioData struct {
	fd         int
	events     IOEvents
	revents    IOEvents
	registered bool
	cb         func(*EventSource, IOEvent) error
}

type timeData struct {
	clock        Clock
	next         int64 // absolute time, clock epoch, nanoseconds
	accuracy     time.Duration
	earliestIdx  int
	latestIdx    int
	cb           func(*EventSource, TimeEvent) error
}

type signalData struct {
	signo    int
	lastInfo SignalInfo
	cb       func(*EventSource, SignalInfo) error
}

type childData struct {
	pid         int
	options     ChildOptions
	lastStatus  ChildStatus
	reapPending bool
	cb          func(*EventSource, ChildStatus) error
}

type deferData struct {
	cb func(*EventSource) error
}

type postData struct {
	cb func(*EventSource) error
}

type exitData struct {
	exitIdx int
	cb      func(*EventSource, int) error
}

func newSource(loop *Loop, kind SourceKind, priority int64) *EventSource {
	return &EventSource{
		loop:       loop,
		kind:       kind,
		refs:       1,
		enabled:    On,
		priority:   priority,
		pendingIdx: nullIndex,
		prepareIdx: nullIndex,
		attached:   true,
	}
}

// Kind returns the source's kind.
func (s *EventSource) Kind() SourceKind { return s.kind }

// Priority returns the current dispatch priority; lower values dispatch
// first.
func (s *EventSource) Priority() int64 { return s.priority }

// SetPriority updates the source's priority and reshuffles every queue it
// participates in.
func (s *EventSource) SetPriority(p int64) error {
	return s.loop.setPriority(s, p)
}

// Enabled returns the current enablement state.
func (s *EventSource) Enabled() Enabled { return s.enabled }

// SetEnabled transitions the source's enablement state, installing or
// removing kernel plumbing as required.
func (s *EventSource) SetEnabled(m Enabled) error {
	return s.loop.setEnabled(s, m)
}

// Description returns the optional human-readable description used in log
// messages when a callback fails.
func (s *EventSource) Description() string { return s.description }

// SetDescription sets the description.
func (s *EventSource) SetDescription(d string) { s.description = d }

// SetPrepare installs or removes a per-source prepare callback, invoked
// once per iteration before wait(), in prepare-queue order.
func (s *EventSource) SetPrepare(cb func(*EventSource) error) error {
	return s.loop.setPrepare(s, cb)
}

// UserData returns the opaque value attached via SetUserData.
func (s *EventSource) UserData() any { return s.userData }

// SetUserData attaches an opaque value to the source.
func (s *EventSource) SetUserData(v any) { s.userData = v }

// IsPending reports whether the source is currently queued for dispatch.
func (s *EventSource) IsPending() bool { return s.pending }

// IsDispatching reports whether the source's callback is currently
// executing.
func (s *EventSource) IsDispatching() bool { return s.dispatching }

// Ref increments the external reference count and returns the source for
// chaining.
func (s *EventSource) Ref() *EventSource {
	s.refs++
	s.floating = false
	return s
}

// Unref decrements the external reference count. When it reaches zero the
// source is disconnected: if called while the source's own callback is
// executing, kernel-visible detachment happens immediately but storage is
// retained until the callback returns.
func (s *EventSource) Unref() {
	s.refs--
	if s.refs <= 0 {
		s.loop.disconnect(s)
	}
}

// SetIOFd installs a new descriptor for an Io source, preserving its event
// mask. On failure the original registration is preserved.
func (s *EventSource) SetIOFd(fd int) error {
	return s.loop.setIOFd(s, fd)
}

// SetIOEvents updates the readiness mask an Io source requests.
func (s *EventSource) SetIOEvents(events IOEvents) error {
	return s.loop.setIOEvents(s, events)
}

// IOEvents returns the readiness bits observed the last time the source was
// made pending. Returns an error if the source is neither currently pending
// nor currently dispatching (the pending bit is cleared before the callback
// runs, so this also covers reading revents from within the callback
// itself).
func (s *EventSource) IOEvents() (IOEvents, error) {
	if s.io == nil {
		return 0, errInvalidArgument("IOEvents", "not an io source")
	}
	if !s.pending && !s.dispatching {
		return 0, errNoData("IOEvents", "source is not pending")
	}
	return s.io.revents, nil
}

// SetTime reschedules a time source to a new absolute time in its clock's
// epoch.
func (s *EventSource) SetTime(usec int64) error {
	return s.loop.setTime(s, usec)
}

// SetTimeAccuracy updates a time source's coalescing tolerance.
func (s *EventSource) SetTimeAccuracy(d time.Duration) error {
	return s.loop.setTimeAccuracy(s, d)
}

package eventloop

// LoopState represents the current phase of the loop's prepare/wait/dispatch
// state machine.
//
// State Machine:
//
//	Initial -> Prepared        [prepare() succeeds]
//	Prepared -> Pending        [wait() observes a ready source]
//	Prepared -> Initial        [wait() observes nothing]
//	Pending -> Initial         [dispatch() runs one pending source]
//	any -> Exiting -> Finished [exit() drains the exit queue]
//
// NOTE: the loop is single-threaded by design (see the package doc); this
// state is read and written only by the goroutine that owns the Loop, so it
// is a plain field rather than an atomic with CAS transitions.
type LoopState int

const (
	// StateInitial is the state before the first prepare() of an iteration,
	// and the state returned to after a dispatch completes.
	StateInitial LoopState = iota
	// StatePrepared indicates prepare() has run for the current iteration.
	StatePrepared
	// StatePending indicates wait() found at least one ready source.
	StatePending
	// StateDispatching indicates a source callback is currently executing.
	StateDispatching
	// StateExiting indicates exit() was called and the exit queue is being
	// drained.
	StateExiting
	// StateFinished is terminal: every exit callback has run.
	StateFinished
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StatePrepared:
		return "prepared"
	case StatePending:
		return "pending"
	case StateDispatching:
		return "dispatching"
	case StateExiting:
		return "exiting"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is Finished.
func (s LoopState) IsTerminal() bool {
	return s == StateFinished
}

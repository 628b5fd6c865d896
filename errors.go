package eventloop

import (
	"errors"
	"fmt"
)

// Kind classifies the errors returned by this package, matching the
// taxonomy used throughout the event source and loop operations.
type Kind int

const (
	// KindInvalidArgument covers a null required argument, an out-of-range
	// signal, an invalid readiness mask, a time sentinel, or an unsupported
	// clock.
	KindInvalidArgument Kind = iota
	// KindBusy covers a signal or child already claimed, or a state that
	// does not admit the requested transition.
	KindBusy
	// KindStale covers operations attempted against a Finished loop.
	KindStale
	// KindNoData covers a getter called before data is available.
	KindNoData
	// KindNotFound covers a lookup that yielded nothing.
	KindNotFound
	// KindWrongProcess covers a loop used from a different process than the
	// one that constructed it.
	KindWrongProcess
	// KindResourceExhausted covers allocation failures and descriptor table
	// exhaustion.
	KindResourceExhausted
	// KindKernel covers errors propagated from the readiness multiplexer,
	// timers, signalfd, or waitid.
	KindKernel
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindBusy:
		return "busy"
	case KindStale:
		return "stale"
	case KindNoData:
		return "no data"
	case KindNotFound:
		return "not found"
	case KindWrongProcess:
		return "wrong process"
	case KindResourceExhausted:
		return "resource exhausted"
	case KindKernel:
		return "kernel"
	default:
		return "unknown"
	}
}

// Error is the error type returned by the operations of this package (Run
// and Close excepted, see the package doc). Its
// Kind is suitable for programmatic branching; its Cause, when present,
// supports errors.Is and errors.As through the standard unwrap chain.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Op != "":
		return fmt.Sprintf("eventloop: %s: %s: %s", e.Op, e.Kind, e.Message)
	case e.Message != "":
		return fmt.Sprintf("eventloop: %s: %s", e.Kind, e.Message)
	case e.Op != "":
		return fmt.Sprintf("eventloop: %s: %s", e.Op, e.Kind)
	default:
		return fmt.Sprintf("eventloop: %s", e.Kind)
	}
}

// Unwrap returns the wrapped cause, if any, for use with errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, &Error{Kind: KindBusy}).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func newError(op string, kind Kind, message string, cause error) *Error {
	return &Error{Op: op, Kind: kind, Message: message, Cause: cause}
}

func errInvalidArgument(op, message string) error {
	return newError(op, KindInvalidArgument, message, nil)
}

func errBusy(op, message string) error {
	return newError(op, KindBusy, message, nil)
}

func errStale(op string) error {
	return newError(op, KindStale, "loop is finished", nil)
}

func errNoData(op, message string) error {
	return newError(op, KindNoData, message, nil)
}

func errNotFound(op, message string) error {
	return newError(op, KindNotFound, message, nil)
}

func errWrongProcess(op string) error {
	return newError(op, KindWrongProcess, "process id changed since construction", nil)
}

func errResourceExhausted(op string, cause error) error {
	return newError(op, KindResourceExhausted, "", cause)
}

func errKernel(op string, cause error) error {
	return newError(op, KindKernel, "", cause)
}

package eventloop

import (
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

var (
	defaultLoggerOnce sync.Once
	defaultLoggerInst *logiface.Logger[*stumpy.Event]
)

func defaultLogger() *logiface.Logger[*stumpy.Event] {
	defaultLoggerOnce.Do(func() {
		defaultLoggerInst = stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		)
	})
	return defaultLoggerInst
}

// eventLogger adapts the loop's configured logiface logger to the specific
// diagnostics this package needs to emit: callback failures (which disable
// the offending source) and kernel-level errors that are tolerated rather
// than propagated.
type eventLogger struct {
	l *logiface.Logger[*stumpy.Event]
}

func newEventLogger(l *logiface.Logger[*stumpy.Event]) *eventLogger {
	if l == nil {
		l = defaultLogger()
	}
	return &eventLogger{l: l}
}

// callbackFailed logs a callback error and the fact that the source
// producing it was disabled.
func (e *eventLogger) callbackFailed(s *EventSource, err error) {
	b := e.l.Warning().Str("kind", s.kind.String()).Err(err)
	if s.description != "" {
		b = b.Str("source", s.description)
	}
	b.Log("event source callback failed, source disabled")
}

// notice logs a tolerated, non-fatal condition (perturb derivation
// fallbacks, a child source whose pid is not a child of this process) at
// notice level.
func (e *eventLogger) notice(msg string, err error) {
	b := e.l.Notice()
	if err != nil {
		b = b.Err(err)
	}
	b.Log(msg)
}

// kernelTolerated logs a kernel-level error that was tolerated rather than
// propagated.
func (e *eventLogger) kernelTolerated(op string, err error) {
	e.l.Notice().Str("op", op).Err(err).Log("kernel error tolerated")
}

package eventloop

import (
	"os"
	"strconv"
	"time"

	"github.com/joeycumines/go-catrate"
)

// Notifier pings an external supervisor to report liveness. The default
// implementation is a no-op: wiring an actual supervisor's protocol (e.g.
// systemd's sd_notify socket) is a concern of the process embedding this
// loop, not of the reactor itself.
type Notifier interface {
	Ping() error
}

type noopNotifier struct{}

func (noopNotifier) Ping() error { return nil }

// watchdogState drives a monotonic timer that fires within [W/2, 3W/4] of
// the last ping, throttled so the loop never notifies more often than W/4.
type watchdogState struct {
	period    time.Duration
	notifier  Notifier
	limiter   *catrate.Limiter
	source    *EventSource
	enabled   bool
	lastPing  int64
}

// watchdogPeriodFromEnv reads the systemd-style WATCHDOG_USEC environment
// variable as a fallback host-advertised period when none was configured
// via WithWatchdogPeriod.
func watchdogPeriodFromEnv() time.Duration {
	v := os.Getenv("WATCHDOG_USEC")
	if v == "" {
		return 0
	}
	usec, err := strconv.ParseInt(v, 10, 64)
	if err != nil || usec <= 0 {
		return 0
	}
	return time.Duration(usec) * time.Microsecond
}

func newWatchdogState(period time.Duration, notifier Notifier) *watchdogState {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	w := &watchdogState{period: period, notifier: notifier}
	if period > 0 {
		// A single category rate-limited to one notification per W/4: a real
		// sliding-window limiter rather than a hand-rolled timestamp
		// comparison.
		w.limiter = catrate.NewLimiter(map[time.Duration]int{period / 4: 1})
	}
	return w
}

// SetWatchdog enables or disables watchdog pinging. If no watchdog period is
// configured, enabling fails with an invalid-argument error and disabling is
// a no-op.
func (l *Loop) SetWatchdog(enabled bool) error {
	if l.watchdog.period <= 0 {
		if enabled {
			return errInvalidArgument("SetWatchdog", "no watchdog period configured")
		}
		return nil
	}
	if enabled == l.watchdog.enabled {
		return nil
	}
	l.watchdog.enabled = enabled
	if enabled {
		return l.armWatchdog()
	}
	if l.watchdog.source != nil {
		l.watchdog.source.SetEnabled(Off)
	}
	return nil
}

// GetWatchdog reports whether the watchdog is currently enabled.
func (l *Loop) GetWatchdog() bool {
	return l.watchdog.enabled
}

func (l *Loop) armWatchdog() error {
	w := &l.watchdog
	now, err := clockNow(ClockMonotonic)
	if err != nil {
		return err
	}
	// Window [W/2, 3W/4] from the last ping (or from now, for the first arm).
	base := w.lastPing
	if base == 0 {
		base = now
	}
	target := base + (w.period / 2).Nanoseconds()
	if target <= now {
		target = now + 1 // one-nanosecond sentinel: never arm a literal zero.
	}
	if w.source == nil {
		s, err := l.AddTime(ClockMonotonic, target, w.period/16, l.onWatchdogFire)
		if err != nil {
			return err
		}
		w.source = s
	} else {
		if err := w.source.SetTime(target); err != nil {
			return err
		}
		if err := w.source.SetEnabled(OneShot); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) onWatchdogFire(s *EventSource, _ TimeEvent) error {
	w := &l.watchdog
	if w.limiter != nil {
		if _, ok := w.limiter.Allow("watchdog"); !ok {
			return l.armWatchdog()
		}
	}
	now, err := clockNow(ClockMonotonic)
	if err != nil {
		return err
	}
	if err := w.notifier.Ping(); err != nil {
		return err
	}
	w.lastPing = now
	return l.armWatchdog()
}

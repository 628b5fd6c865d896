package eventloop

import (
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// coalesce grid, coarsest first.
var coalesceGrids = []time.Duration{
	60 * time.Second,
	10 * time.Second,
	time.Second,
	250 * time.Millisecond,
}

func unixClockID(c Clock) int32 {
	switch c {
	case ClockRealtime:
		return unix.CLOCK_REALTIME
	case ClockBoottime:
		return unix.CLOCK_BOOTTIME
	case ClockMonotonic:
		return unix.CLOCK_MONOTONIC
	case ClockRealtimeAlarm:
		return unix.CLOCK_REALTIME_ALARM
	case ClockBoottimeAlarm:
		return unix.CLOCK_BOOTTIME_ALARM
	default:
		return unix.CLOCK_MONOTONIC
	}
}

// clockNow returns the current absolute time of clock c, in nanoseconds,
// in that clock's own epoch.
func clockNow(c Clock) (int64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unixClockID(c), &ts); err != nil {
		return 0, errKernel("clock_gettime", err)
	}
	return ts.Nano(), nil
}

// clockData is the per-clock bundle: a timer descriptor plus an earliest
// and a latest indexed priority queue, the last armed deadline, and a dirty
// flag gating redundant reprogramming.
type clockData struct {
	clock      Clock
	fd         int
	earliest   *indexedPrioq[*EventSource]
	latest     *indexedPrioq[*EventSource]
	armed      int64 // the value last installed into the timer fd, 0 if none
	needsRearm bool
}

func newClockData(c Clock) *clockData {
	cd := &clockData{clock: c}
	cd.earliest = newIndexedPrioq(earliestLess, prioqIndex[*EventSource]{
		get: func(s *EventSource) int { return s.timer.earliestIdx },
		set: func(s *EventSource, i int) { s.timer.earliestIdx = i },
	})
	cd.latest = newIndexedPrioq(latestLess, prioqIndex[*EventSource]{
		get: func(s *EventSource) int { return s.timer.latestIdx },
		set: func(s *EventSource, i int) { s.timer.latestIdx = i },
	})
	return cd
}

// earliestLess orders the earliest-time queue: enabled first, then
// non-pending first, then lower next, then identity.
func earliestLess(a, b *EventSource) bool {
	if (a.enabled != Off) != (b.enabled != Off) {
		return a.enabled != Off
	}
	if a.pending != b.pending {
		return !a.pending
	}
	if a.timer.next != b.timer.next {
		return a.timer.next < b.timer.next
	}
	return sourceLess(a, b)
}

// latestLess is earliestLess with the key being next+accuracy.
func latestLess(a, b *EventSource) bool {
	if (a.enabled != Off) != (b.enabled != Off) {
		return a.enabled != Off
	}
	if a.pending != b.pending {
		return !a.pending
	}
	ak := a.timer.next + a.timer.accuracy.Nanoseconds()
	bk := b.timer.next + b.timer.accuracy.Nanoseconds()
	if ak != bk {
		return ak < bk
	}
	return sourceLess(a, b)
}

// sourceLess provides the tie-break identity order shared by every
// comparator in this package: a stable, total order over otherwise-equal
// keys.
func sourceLess(a, b *EventSource) bool {
	return uintptrOf(a) < uintptrOf(b)
}

// initializePerturb derives a host-specific coalescing offset from the boot
// id: XOR the two 64-bit halves of the boot id, modulo one minute. Falls
// back to zero (logged, not silently different) if the boot id cannot be
// read.
func initializePerturb(logger *eventLogger) time.Duration {
	const path = "/proc/sys/kernel/random/boot_id"
	data, err := os.ReadFile(path)
	if err != nil {
		logger.notice("perturb: boot_id unavailable, using zero perturb", err)
		return 0
	}
	hi, lo, ok := parseBootID(strings.TrimSpace(string(data)))
	if !ok {
		logger.notice("perturb: boot_id malformed, using zero perturb", nil)
		return 0
	}
	combined := hi ^ lo
	return time.Duration(combined%uint64(time.Minute.Microseconds())) * time.Microsecond
}

// parseBootID parses a UUID of the form
// "xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx" into its two 64-bit halves.
func parseBootID(s string) (hi, lo uint64, ok bool) {
	hex := strings.ReplaceAll(s, "-", "")
	if len(hex) != 32 {
		return 0, 0, false
	}
	hiV, err1 := strconv.ParseUint(hex[:16], 16, 64)
	loV, err2 := strconv.ParseUint(hex[16:], 16, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return hiV, loV, true
}

// chooseWakeTime implements the coalescing algorithm: given the earliest
// allowed time a and the latest allowed time b (b >= a), and a host perturb
// offset, pick the coarsest grid G from coalesceGrids for which some
// k*G+perturb falls in [a, b]; otherwise fall back to b.
func chooseWakeTime(a, b, perturb int64) int64 {
	if b < a {
		b = a
	}
	for _, grid := range coalesceGrids {
		g := grid.Nanoseconds()
		c := (b/g)*g + perturb%g
		if c >= b {
			c -= g
			if c < a {
				continue
			}
		}
		if c >= a {
			return c
		}
	}
	return b
}

package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChooseWakeTimeWithinWindow(t *testing.T) {
	a := int64(100 * time.Millisecond)
	b := int64(240 * time.Millisecond)
	got := chooseWakeTime(a, b, 0)
	require.GreaterOrEqual(t, got, a)
	require.LessOrEqual(t, got, b)
}

func TestChooseWakeTimeFallsBackToLatest(t *testing.T) {
	// A window too narrow for any grid to fit falls back to b.
	a := int64(1000)
	b := int64(1001)
	got := chooseWakeTime(a, b, 0)
	require.Equal(t, b, got)
}

func TestChooseWakeTimePrefersCoarsestGrid(t *testing.T) {
	// A window spanning a full minute should align to the 60s grid.
	a := int64(0)
	b := int64((65 * time.Second).Nanoseconds())
	got := chooseWakeTime(a, b, 0)
	require.Zero(t, got%(60*time.Second).Nanoseconds())
}

func TestParseBootID(t *testing.T) {
	hi, lo, ok := parseBootID("01234567-89ab-cdef-0123-456789abcdef")
	require.True(t, ok)
	require.Equal(t, uint64(0x0123456789abcdef), hi)
	require.Equal(t, uint64(0x0123456789abcdef), lo)

	_, _, ok = parseBootID("not-a-uuid")
	require.False(t, ok)
}

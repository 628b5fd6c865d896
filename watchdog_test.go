package eventloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingNotifier struct {
	pings atomic.Int64
}

func (n *countingNotifier) Ping() error {
	n.pings.Add(1)
	return nil
}

func TestSetWatchdogNoopWithoutPeriod(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()

	require.Error(t, loop.SetWatchdog(true))
	require.NoError(t, loop.SetWatchdog(false))
	require.False(t, loop.GetWatchdog())
}

func TestWatchdogPingsWithinWindow(t *testing.T) {
	notifier := &countingNotifier{}
	loop, err := New(WithWatchdogPeriod(200 * time.Millisecond))
	require.NoError(t, err)
	defer loop.Close()
	loop.watchdog.notifier = notifier

	require.NoError(t, loop.SetWatchdog(true))
	require.True(t, loop.GetWatchdog())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = loop.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return notifier.pings.Load() >= 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-runDone
}

func TestWatchdogPeriodFromEnv(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "500000")
	require.Equal(t, 500*time.Millisecond, watchdogPeriodFromEnv())

	t.Setenv("WATCHDOG_USEC", "")
	require.Zero(t, watchdogPeriodFromEnv())

	t.Setenv("WATCHDOG_USEC", "not-a-number")
	require.Zero(t, watchdogPeriodFromEnv())
}

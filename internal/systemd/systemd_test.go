package systemd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenerWithoutActivation(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	ln, err := Listener(HTTPListenerName)
	require.NoError(t, err)
	require.Nil(t, ln)
}

func TestNotifyWithoutSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	require.NoError(t, NotifyReady())
	require.NoError(t, NotifyStopping())
	require.NoError(t, NotifyWatchdog())
}

func TestWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	t.Setenv("WATCHDOG_PID", "")

	interval, err := WatchdogInterval()
	require.NoError(t, err)
	require.Zero(t, interval)
}

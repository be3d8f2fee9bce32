// Package systemd integrates with systemd socket activation and sd_notify.
package systemd

import (
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// HTTPListenerName is the FileDescriptorName= of the HTTP socket in
// oxitrack.socket.
const HTTPListenerName = "http"

// Listener returns the socket-activated listener registered under name, or
// nil when the process was not started through socket activation.
func Listener(name string) (net.Listener, error) {
	if len(activation.Files(false)) == 0 {
		return nil, nil
	}

	listeners, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	if lns, ok := listeners[name]; ok && len(lns) > 0 {
		return lns[0], nil
	}

	// A single unnamed socket is accepted as the HTTP listener
	if lns, ok := listeners["unknown"]; ok && len(lns) == 1 && name == HTTPListenerName {
		return lns[0], nil
	}

	return nil, fmt.Errorf("socket activation is active but no %q listener was passed", name)
}

// NotifyReady sends READY=1 notification to systemd.
// Outside systemd this is a no-op.
func NotifyReady() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return fmt.Errorf("failed to send sd_notify: %w", err)
	}
	return nil
}

// NotifyStopping sends STOPPING=1 notification to systemd.
func NotifyStopping() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		return fmt.Errorf("failed to send sd_notify stopping: %w", err)
	}
	return nil
}

// NotifyWatchdog sends WATCHDOG=1 notification to systemd.
func NotifyWatchdog() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		return fmt.Errorf("failed to send sd_notify watchdog: %w", err)
	}
	return nil
}

// WatchdogInterval returns how often NotifyWatchdog should be called, or 0
// when the unit has no WatchdogSec= configured.
func WatchdogInterval() (time.Duration, error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0, fmt.Errorf("failed to read watchdog settings: %w", err)
	}
	// Ping at half the deadline
	return interval / 2, nil
}

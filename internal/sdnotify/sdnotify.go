// Package sdnotify wraps systemd readiness and watchdog notifications.
// Every call is a no-op outside a systemd unit (NOTIFY_SOCKET unset).
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"hnwatch/pkg/logx"
)

// Ready signals READY=1 once startup is complete.
func Ready(log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify ready sent")
	}
}

// Stopping signals STOPPING=1 at the start of shutdown.
func Stopping(log logx.Logger) {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Watchdog pings WATCHDOG=1 at half the configured interval until ctx is
// done. It returns immediately when no watchdog is configured.
func Watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("sd_watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}

	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	log.Debug("watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

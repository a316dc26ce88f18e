// Package systemd reports daemon lifecycle to the service manager. Every
// call degrades to a no-op when the process is not running under a systemd
// unit with Type=notify.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func NotifyReady()    { _, _ = daemon.SdNotify(false, daemon.SdNotifyReady) }
func NotifyStopping() { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }

func NotifyStatus(status string) { _, _ = daemon.SdNotify(false, "STATUS="+status) }

// RunWatchdog pings the unit watchdog at half its configured interval until
// ctx is done. Returns immediately when no watchdog is configured.
func RunWatchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

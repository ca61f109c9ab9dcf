package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "pewcast/pkg/logx"
)

const (
	sdReady     = daemon.SdNotifyReady
	sdStopping  = daemon.SdNotifyStopping
	sdReloading = daemon.SdNotifyReloading
	sdWatchdog  = daemon.SdNotifyWatchdog
)

// notifySystemd is a no-op outside a systemd unit (NOTIFY_SOCKET unset).
func notifySystemd(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		log.Debug("systemd notified", logx.String("state", state))
	}
}

// startSystemd reports readiness and, when the unit sets WatchdogSec,
// pings the watchdog at half its interval.
func (a *App) startSystemd() {
	notifySystemd(a.log, sdReady)

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				notifySystemd(a.log, sdWatchdog)
			}
		}
	})
}

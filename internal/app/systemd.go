package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/g-k/telemetry-analysis-service/internal/config"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

const (
	sdReady    = daemon.SdNotifyReady
	sdStopping = daemon.SdNotifyStopping
)

// startSystemd reports readiness and, when the unit sets WatchdogSec, pings
// the watchdog while storage answers. Outside systemd both are no-ops.
func (a *App) startSystemd(ctx context.Context, cfg config.SystemdConfig) {
	a.sdNotify = cfg.Notify
	if !cfg.Notify {
		return
	}
	a.notifySystemd(sdReady)
	if !cfg.Watchdog {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		a.log.Debug("systemd watchdog not requested by unit")
		return
	}
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return nil
			case <-t.C:
				pingCtx, cancel := context.WithTimeout(c, interval/4)
				err := a.store.Ping(pingCtx)
				cancel()
				if err != nil {
					a.log.Warn("watchdog ping skipped, storage unhealthy", logx.Err(err))
					continue
				}
				a.notifySystemd(daemon.SdNotifyWatchdog)
			}
		}
	})
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
}

func (a *App) notifySystemd(state string) {
	if !a.sdNotify {
		return
	}
	if _, err := daemon.SdNotify(false, state); err != nil {
		a.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
	}
}

package app

import (
	"context"
	"strings"

	"github.com/g-k/telemetry-analysis-service/internal/config"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	// Track the last applied config to summarize each diff.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes newCfg to every component that reconfigures live.
// Sections that need a restart are only reported.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary",
		append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.router.Apply(mapRoutes(newCfg))
	a.access.SetAdmins(newCfg.Lifecycle.Admins)

	if lcfg, err := mapLifecycleConfig(newCfg); err != nil {
		a.log.Warn("invalid lifecycle config; keeping previous", logx.Err(err))
	} else {
		a.lifecycle.Apply(lcfg)
	}

	// engine first so scheduler triggers have somewhere to go
	if ecfg, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ecfg)
	}
	oldScan, oldPoll := scheduleSpecs(oldCfg)
	if scan, poll := scheduleSpecs(newCfg); scan != oldScan || poll != oldPoll {
		if err := a.registerSchedules(newCfg); err != nil {
			a.log.Warn("invalid schedule; keeping previous", logx.Err(err))
		}
	}
	a.sched.Apply(ctx, mapSchedulerConfig(newCfg))

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ctx, ncfg)
	}

	if ocfg, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, ocfg)
	}

	a.log.Info("config reloaded",
		append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

package app

import (
	"context"
	"strings"
	"time"

	"pewcast/internal/config"
	"pewcast/internal/eventbus"
	logx "pewcast/pkg/logx"
)

// startReload applies every config published by the manager to the running
// services. Transport and storage changes need a restart.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts: keep only the latest config
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	notifySystemd(a.log, sdReloading)
	defer notifySystemd(a.log, sdReady)

	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if config.RestartRequired(sections) {
		a.log.Warn("transport or storage config changed; restart required for changes to take effect")
	}

	if a.logs != nil {
		a.logs.Apply(mapLogging(newCfg))
	}
	a.applyTargets(newCfg)
	a.notifyOps.Store(newCfg.Broadcast.NotifyOperator)

	bcCfg, err := mapBroadcastConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		prev := a.bc.Enabled()
		a.bc.Apply(bcCfg)
		switch {
		case prev && !bcCfg.Enabled:
			a.log.Info("broadcasts disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.bc.Stop(stopCtx)
			cancel()
		case !prev && bcCfg.Enabled:
			a.log.Info("broadcasts enabled via config")
			a.bc.Start(ctx)
		}
	}

	// Apply only rebuilds a running scheduler; start or stop it here
	sc := mapScheduleConfig(newCfg)
	prevSched := oldCfg != nil && mapScheduleConfig(oldCfg).Enabled
	a.sched.Apply(sc)
	switch {
	case prevSched && !sc.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevSched && sc.Enabled:
		a.sched.Start(ctx)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
	a.log.Info("config reloaded", fields...)
}

package app

import (
	"context"
	"strings"
	"time"

	"paperdigest/internal/config"
	logx "paperdigest/pkg/logx"
)

// watchReloads fans validated config updates out to the running services.
// Bursty updates are coalesced to the newest config.
func (a *App) watchReloads() {
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
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				a.applyReload(c, newCfg, sections)

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

func (a *App) applyReload(ctx context.Context, cfg *config.Config, sections []string) {
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// Dispatcher and delivery before the scheduler so a simultaneous
	// enable sees its downstream running first.
	if dcfg, err := mapDispatcherConfig(cfg); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		prev := a.disp.Enabled()
		a.disp.Apply(dcfg)
		switch {
		case prev && !dcfg.Enabled:
			a.log.Info("dispatcher disabled via config")
			a.stopWithTimeout(ctx, 3*time.Second, a.disp.Stop)
		case !prev && dcfg.Enabled:
			a.log.Info("dispatcher enabled via config")
			a.disp.Start(ctx)
		}
	}

	if dcfg, err := mapDeliveryConfig(cfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		prev := a.deliv.Enabled()
		a.deliv.Apply(dcfg)
		switch {
		case prev && !dcfg.Enabled:
			a.log.Info("delivery disabled via config")
			a.stopWithTimeout(ctx, 3*time.Second, a.deliv.Stop)
		case !prev && dcfg.Enabled:
			a.log.Info("delivery enabled via config")
			a.deliv.Start(ctx)
		}
	}

	scfg := mapSchedulerConfig(cfg)
	prevSched := a.sched.Enabled()
	a.sched.Apply(scfg)
	switch {
	case prevSched && !scfg.Enabled:
		a.log.Info("scheduler disabled via config")
		a.stopWithTimeout(ctx, 3*time.Second, a.sched.Stop)
	case !prevSched && scfg.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	if rcfg, err := mapReconcilerConfig(cfg); err != nil {
		a.log.Warn("invalid reconciler config; keeping previous", logx.Err(err))
	} else {
		a.recon.Apply(rcfg)
	}

	if mcfg, err := mapMetricsConfig(cfg); err != nil {
		a.log.Warn("invalid metrics config; keeping previous", logx.Err(err))
	} else {
		a.msrv.Reconfigure(ctx, mcfg)
	}
}

func (a *App) stopWithTimeout(ctx context.Context, max time.Duration, stop func(context.Context)) {
	stopCtx, cancel := context.WithTimeout(ctx, max)
	stop(stopCtx)
	cancel()
}

// Package app wires the engine together: config, logging, store, services,
// collaborators and the metrics surface, plus hot-reload fan-out.
package app

import (
	"context"
	"fmt"
	"time"

	"paperdigest/internal/adapters/console"
	"paperdigest/internal/adapters/github"
	"paperdigest/internal/config"
	"paperdigest/internal/eventbus"
	"paperdigest/internal/observability/metrics"
	"paperdigest/internal/runtime/supervisor"
	"paperdigest/internal/services/audit"
	"paperdigest/internal/services/delivery"
	"paperdigest/internal/services/dispatcher"
	"paperdigest/internal/services/reconciler"
	"paperdigest/internal/services/scheduler"
	"paperdigest/internal/settings"
	"paperdigest/internal/store"
	logx "paperdigest/pkg/logx"
)

// StopReason records why the app is shutting down, for the final log line.
type StopReason string

const (
	StopReasonSignal    StopReason = "signal"
	StopReasonError     StopReason = "error"
	StopReasonRequested StopReason = "requested"
)

// Option overrides a default collaborator. The defaults talk to GitHub
// (pipeline + preference sync) and render deliveries on stdout.
type Option func(*collaborators)

type collaborators struct {
	pipeline  dispatcher.Pipeline
	transport delivery.Transport
	syncer    reconciler.Syncer
}

func WithPipeline(p dispatcher.Pipeline) Option {
	return func(c *collaborators) { c.pipeline = p }
}

func WithTransport(t delivery.Transport) Option {
	return func(c *collaborators) { c.transport = t }
}

func WithSyncer(s reconciler.Syncer) Option {
	return func(c *collaborators) { c.syncer = s }
}

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	st   store.Store

	sched    *scheduler.Service
	disp     *dispatcher.Service
	recon    *reconciler.Service
	deliv    *delivery.Service
	sett     *settings.Service
	auditRec *audit.Service

	collector *metrics.Collector
	msrv      *metrics.Server
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	stCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	// Default collaborators: GitHub pipeline + syncer, console transport.
	col := collaborators{}
	for _, o := range opts {
		o(&col)
	}
	if col.pipeline == nil || col.syncer == nil {
		gh := github.NewClient(github.Config{}, st, log.With(logx.String("comp", "github")))
		if col.pipeline == nil {
			col.pipeline = github.NewPipeline(gh)
		}
		if col.syncer == nil {
			col.syncer = github.NewSyncer(gh)
		}
	}
	if col.transport == nil {
		col.transport = console.New(nil)
	}

	reconCfg, err := mapReconcilerConfig(cfg)
	if err != nil {
		return nil, err
	}
	recon := reconciler.New(reconCfg, st, col.syncer, log.With(logx.String("comp", "reconciler")), bus)

	delivCfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	deliv := delivery.New(delivCfg, col.transport, log.With(logx.String("comp", "delivery")), bus)

	dispCfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatcher.New(dispCfg, col.pipeline, recon, deliv, st,
		log.With(logx.String("comp", "dispatcher")), bus)

	sched := scheduler.New(mapSchedulerConfig(cfg), st, disp,
		log.With(logx.String("comp", "scheduler")), bus)

	sett := settings.New(st, sched, log.With(logx.String("comp", "settings")))

	auditRec := audit.New(st, bus, log.With(logx.String("comp", "audit")))

	collector := metrics.NewCollector(bus, log.With(logx.String("comp", "metrics")))
	msrvCfg, err := mapMetricsConfig(cfg)
	if err != nil {
		return nil, err
	}
	msrv := metrics.NewServer(msrvCfg, collector, log.With(logx.String("comp", "metrics")))

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		st:        st,
		sched:     sched,
		disp:      disp,
		recon:     recon,
		deliv:     deliv,
		sett:      sett,
		auditRec:  auditRec,
		collector: collector,
		msrv:      msrv,
	}, nil
}

// Accessors for embedders (a chat frontend, an admin API).

func (a *App) Settings() *settings.Service { return a.sett }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Dispatcher() *dispatcher.Service { return a.disp }

func (a *App) Reconciler() *reconciler.Service { return a.recon }

func (a *App) Store() store.Store { return a.st }

// Done is closed when the run context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Reject a hot-reload whose sections cannot map to service configs; the
	// manager keeps the previous config in that case.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapDispatcherConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDeliveryConfig(cfg); err != nil {
			return err
		}
		if _, err := mapReconcilerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapMetricsConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStoreConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	runCtx := a.sup.Context()

	a.collector.Start(runCtx)
	a.auditRec.Start(runCtx)
	if a.deliv.Enabled() {
		a.deliv.Start(runCtx)
	}
	if a.disp.Enabled() {
		a.disp.Start(runCtx)
	}
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	}
	if a.msrv.Enabled() {
		a.msrv.Start(runCtx)
	}

	a.watchReloads()
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Bounded shutdown steps so one component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Scheduler first so no new fires enter, then dispatcher drains into
	// delivery, then delivery flushes its queue.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("dispatcher", 5*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("delivery", 5*time.Second, func(c context.Context) error { a.deliv.Stop(c); return nil })
	step("audit", 2*time.Second, func(c context.Context) error { a.auditRec.Stop(c); return nil })
	step("metrics", time.Second, func(c context.Context) error {
		a.msrv.Stop(c)
		a.collector.Stop(c)
		return nil
	})
	step("store", time.Second, func(context.Context) error { return a.st.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

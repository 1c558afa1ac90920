package app

import (
	"time"

	"paperdigest/internal/backoff"
	"paperdigest/internal/config"
	"paperdigest/internal/observability/metrics"
	"paperdigest/internal/services/delivery"
	"paperdigest/internal/services/dispatcher"
	"paperdigest/internal/services/reconciler"
	"paperdigest/internal/services/scheduler"
	"paperdigest/internal/store"
)

// Config section mapping: config carries durations as strings, services take
// time.Duration. Each mapper resolves defaults for omitted sections so the
// minimal config (just storage.path) yields a fully running engine.

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled: cfg.Scheduler.Enabled,
		Tick:    cfg.SchedulerTick(),
	}
}

func mapDispatcherConfig(cfg *config.Config) (dispatcher.Config, error) {
	d := cfg.Dispatcher
	out := dispatcher.Config{Enabled: true}
	if d == nil {
		return out, nil
	}
	if d.Enabled != nil {
		out.Enabled = *d.Enabled
	}
	out.Workers = d.Workers
	out.QueueSize = d.QueueSize

	var err error
	if out.PipelineTimeout, err = config.ParseDurationField("dispatcher.pipeline_timeout", d.PipelineTimeout); err != nil {
		return out, err
	}
	if out.LeaseSlack, err = config.ParseDurationField("dispatcher.lease_slack", d.LeaseSlack); err != nil {
		return out, err
	}

	retry := backoff.Default()
	if d.RetryMax > 0 {
		retry.MaxAttempts = d.RetryMax
	}
	if retry.Base, err = config.ParseDurationOrDefault("dispatcher.retry_base", d.RetryBase, retry.Base); err != nil {
		return out, err
	}
	if retry.MaxDelay, err = config.ParseDurationOrDefault("dispatcher.retry_max_delay", d.RetryMaxDelay, retry.MaxDelay); err != nil {
		return out, err
	}
	out.Retry = retry
	return out, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	d := cfg.Delivery
	if d == nil {
		return delivery.Config{Enabled: true}, nil
	}
	sendTimeout, err := config.ParseDurationField("delivery.send_timeout", d.SendTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		Enabled:     d.Enabled,
		Workers:     d.Workers,
		QueueSize:   d.QueueSize,
		RatePerSec:  d.RatePerSec,
		SendTimeout: sendTimeout,
	}, nil
}

func mapReconcilerConfig(cfg *config.Config) (reconciler.Config, error) {
	r := cfg.Reconciler
	if r == nil {
		return reconciler.Config{}, nil
	}
	lookBack, err := config.ParseDurationField("reconciler.look_back", r.LookBack)
	if err != nil {
		return reconciler.Config{}, err
	}
	return reconciler.Config{LookBack: lookBack}, nil
}

func mapMetricsConfig(cfg *config.Config) (metrics.ServerConfig, error) {
	m := cfg.Metrics
	out := metrics.ServerConfig{
		Enabled:       m.Enabled,
		Addr:          m.Addr,
		Token:         m.Token,
		AllowInsecure: m.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("metrics.read_timeout", m.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// WriteTimeout stays 0 unless set so pprof profile captures are not cut off.
	if out.WriteTimeout, err = config.ParseDurationField("metrics.write_timeout", m.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("metrics.idle_timeout", m.IdleTimeout, time.Minute); err != nil {
		return out, err
	}
	return out, nil
}

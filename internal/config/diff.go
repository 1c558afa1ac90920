package config

import (
	"reflect"
	"sort"
	"strings"

	logx "paperdigest/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens
// or PATs).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage
	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Scheduler
	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Tick) != strings.TrimSpace(newCfg.Scheduler.Tick) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
		)
	}

	// Dispatcher. Section may be nil (omitted); treat nil as runtime defaults
	// for a more accurate summary.
	oD := derefDispatcher(oldCfg.Dispatcher)
	nD := derefDispatcher(newCfg.Dispatcher)
	if (oldCfg.Dispatcher != nil) != (newCfg.Dispatcher != nil) || !reflect.DeepEqual(oD, nD) {
		changed = append(changed, "dispatcher")

		enabledEffective := true
		if newCfg.Dispatcher != nil && newCfg.Dispatcher.Enabled != nil {
			enabledEffective = *newCfg.Dispatcher.Enabled
		}
		attrs = append(attrs,
			logx.Bool("dispatcher.enabled", enabledEffective),
			logx.Int("dispatcher.workers", nD.Workers),
			logx.Int("dispatcher.queue_size", nD.QueueSize),
			logx.String("dispatcher.pipeline_timeout", strings.TrimSpace(nD.PipelineTimeout)),
			logx.Int("dispatcher.retry_max", nD.RetryMax),
		)
	}

	// Delivery
	defDelivery := &DeliveryConfig{
		Enabled:    true,
		Workers:    2,
		QueueSize:  512,
		RatePerSec: 3,
	}
	oldDv := oldCfg.Delivery
	newDv := newCfg.Delivery
	if oldDv == nil {
		oldDv = defDelivery
	}
	if newDv == nil {
		newDv = defDelivery
	}
	if !reflect.DeepEqual(*oldDv, *newDv) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Bool("delivery.enabled", newDv.Enabled),
			logx.Int("delivery.workers", newDv.Workers),
			logx.Int("delivery.queue_size", newDv.QueueSize),
			logx.Int("delivery.rate_per_sec", newDv.RatePerSec),
		)
	}

	// Reconciler
	var oLB, nLB string
	if oldCfg.Reconciler != nil {
		oLB = strings.TrimSpace(oldCfg.Reconciler.LookBack)
	}
	if newCfg.Reconciler != nil {
		nLB = strings.TrimSpace(newCfg.Reconciler.LookBack)
	}
	if oLB != nLB {
		changed = append(changed, "reconciler")
		attrs = append(attrs, logx.String("reconciler.look_back", nLB))
	}

	// Metrics (never log token)
	if oldCfg.Metrics.Enabled != newCfg.Metrics.Enabled ||
		strings.TrimSpace(oldCfg.Metrics.Addr) != strings.TrimSpace(newCfg.Metrics.Addr) ||
		oldCfg.Metrics.AllowInsecure != newCfg.Metrics.AllowInsecure ||
		strings.TrimSpace(oldCfg.Metrics.ReadTimeout) != strings.TrimSpace(newCfg.Metrics.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Metrics.WriteTimeout) != strings.TrimSpace(newCfg.Metrics.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Metrics.IdleTimeout) != strings.TrimSpace(newCfg.Metrics.IdleTimeout) ||
		(strings.TrimSpace(oldCfg.Metrics.Token) != "") != (strings.TrimSpace(newCfg.Metrics.Token) != "") {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
			logx.Bool("metrics.token_set", strings.TrimSpace(newCfg.Metrics.Token) != ""),
			logx.Bool("metrics.allow_insecure", newCfg.Metrics.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefDispatcher(d *DispatcherConfig) DispatcherConfig {
	if d == nil {
		return DispatcherConfig{}
	}
	return *d
}

// Package metrics exposes Prometheus instrumentation for the scheduling and
// dispatch pipeline, plus the HTTP server that serves /metrics and the pprof
// endpoints.
//
// Collectors are fed from the event bus rather than inline calls, so the hot
// paths never see the metrics layer. Label sets are kept small and bounded:
//
//   - operation: recommend/digest/similar/sync
//   - origin:    schedule/user
//   - outcome:   ok/failed/skipped/dropped
package metrics

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"paperdigest/internal/eventbus"
	"paperdigest/internal/services/delivery"
	"paperdigest/internal/services/dispatcher"
	"paperdigest/internal/services/reconciler"
	"paperdigest/internal/services/scheduler"
	logx "paperdigest/pkg/logx"
)

// Collector owns the registry and translates bus events into series.
type Collector struct {
	reg *prometheus.Registry

	scheduleFires *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	dispatchLat   *prometheus.HistogramVec
	queued        prometheus.Counter
	deliveries    *prometheus.CounterVec
	reconciles    *prometheus.CounterVec

	mu       sync.Mutex
	bus      eventbus.Bus
	log      logx.Logger
	unsub    func()
	stopDone chan struct{}
}

func NewCollector(bus eventbus.Bus, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Collector{
		reg: prometheus.NewRegistry(),
		bus: bus,
		log: log,

		scheduleFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schedule_fires_total",
			Help: "Cron occurrences claimed and turned into dispatch requests.",
		}, []string{"operation"}),

		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatches_total",
			Help: "Dispatch requests by terminal outcome.",
		}, []string{"operation", "origin", "outcome"}),

		// Latency is labeled by operation only; outcome would double the
		// series for little dashboard value.
		dispatchLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_duration_seconds",
			Help:    "Wall time of a dispatch from first attempt to outcome.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"operation"}),

		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_queued_total",
			Help: "Requests accepted into the dispatch queue.",
		}),

		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deliveries_total",
			Help: "Delivery attempts by terminal outcome.",
		}, []string{"outcome"}),

		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_runs_total",
			Help: "Preference reconciliation runs by outcome.",
		}, []string{"outcome"}),
	}
	c.reg.MustRegister(
		c.scheduleFires, c.dispatches, c.dispatchLat,
		c.queued, c.deliveries, c.reconciles,
	)
	return c
}

// Registry exposes the instance registry for the HTTP server.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopDone != nil || c.bus == nil {
		return
	}
	ch, unsub := c.bus.Subscribe(128)
	c.unsub = unsub
	c.stopDone = make(chan struct{})

	done := c.stopDone
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("panic in metrics collector",
					logx.Any("panic", r),
					logx.Stack(logx.StackTrace(3, 16)))
			}
		}()
		for ev := range ch {
			c.observe(ev)
		}
	}()
}

func (c *Collector) Stop(ctx context.Context) {
	c.mu.Lock()
	unsub := c.unsub
	done := c.stopDone
	c.unsub = nil
	c.stopDone = nil
	c.mu.Unlock()

	if unsub == nil {
		return
	}
	unsub()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (c *Collector) observe(ev eventbus.Event) {
	switch ev.Type {
	case "schedule.fired":
		if se, ok := ev.Data.(scheduler.ScheduleEvent); ok {
			c.scheduleFires.WithLabelValues(string(se.Operation)).Inc()
		}

	case "dispatch.queued":
		if _, ok := ev.Data.(dispatcher.DispatchEvent); ok {
			c.queued.Inc()
		}
	case "dispatch.finished":
		if de, ok := ev.Data.(dispatcher.DispatchEvent); ok {
			c.dispatches.WithLabelValues(string(de.Operation), string(de.Origin), "ok").Inc()
			c.dispatchLat.WithLabelValues(string(de.Operation)).Observe(de.Duration.Seconds())
		}
	case "dispatch.failed":
		if de, ok := ev.Data.(dispatcher.DispatchEvent); ok {
			c.dispatches.WithLabelValues(string(de.Operation), string(de.Origin), "failed").Inc()
			c.dispatchLat.WithLabelValues(string(de.Operation)).Observe(de.Duration.Seconds())
		}
	case "dispatch.skipped":
		if de, ok := ev.Data.(dispatcher.DispatchEvent); ok {
			c.dispatches.WithLabelValues(string(de.Operation), string(de.Origin), "skipped").Inc()
		}
	case "dispatch.dropped":
		if de, ok := ev.Data.(dispatcher.DispatchEvent); ok {
			c.dispatches.WithLabelValues(string(de.Operation), string(de.Origin), "dropped").Inc()
		}

	case "delivery.sent":
		if _, ok := ev.Data.(delivery.Event); ok {
			c.deliveries.WithLabelValues("ok").Inc()
		}
	case "delivery.failed":
		if _, ok := ev.Data.(delivery.Event); ok {
			c.deliveries.WithLabelValues("failed").Inc()
		}
	case "delivery.dropped":
		if _, ok := ev.Data.(delivery.Event); ok {
			c.deliveries.WithLabelValues("dropped").Inc()
		}

	case "reconcile.finished":
		if _, ok := ev.Data.(reconciler.SyncEvent); ok {
			c.reconciles.WithLabelValues("ok").Inc()
		}
	case "reconcile.failed":
		if _, ok := ev.Data.(reconciler.SyncEvent); ok {
			c.reconciles.WithLabelValues("failed").Inc()
		}
	}
}

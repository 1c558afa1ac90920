package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage controls the SQLite persistence layer. The path is required;
	// everything else has sane defaults.
	Storage StorageConfig `json:"storage"`

	// Scheduler controls the trigger scan loop.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Dispatcher controls execution of fired and user-submitted requests.
	Dispatcher *DispatcherConfig `json:"dispatcher,omitempty"`

	// Delivery controls the async result delivery pipeline.
	Delivery *DeliveryConfig `json:"delivery,omitempty"`

	// Reconciler controls preference reconciliation.
	Reconciler *ReconcilerConfig `json:"reconciler,omitempty"`

	Metrics MetricsConfig `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "path": "./paperdigest.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// SchedulerConfig controls the trigger scan loop.
//
// Tick is a Go duration string (e.g. "1s"). It bounds how late a schedule
// can fire relative to its computed instant.
type SchedulerConfig struct {
	Enabled bool   `json:"enabled"`
	Tick    string `json:"tick,omitempty"`
}

// DispatcherConfig controls the request execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the dispatcher defaults to enabled=true.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - pipeline_timeout: "2m"
//   - lease_slack: "30s"
//   - retry_max: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
type DispatcherConfig struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Workers   int   `json:"workers,omitempty"`
	QueueSize int   `json:"queue_size,omitempty"`

	// PipelineTimeout caps a single pipeline invocation.
	PipelineTimeout string `json:"pipeline_timeout,omitempty"`

	// LeaseSlack is added on top of the worst-case retry window when
	// computing the in-progress lease TTL.
	LeaseSlack string `json:"lease_slack,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// DeliveryConfig controls the async delivery pipeline.
//
// All durations are Go duration strings. If the section is omitted, delivery
// defaults to enabled=true with the defaults below.
//
// Defaults:
//   - workers: 2
//   - queue_size: 512
//   - rate_per_sec: 3
//   - send_timeout: "30s"
type DeliveryConfig struct {
	Enabled     bool   `json:"enabled"`
	Workers     int    `json:"workers"`
	QueueSize   int    `json:"queue_size"`
	RatePerSec  int    `json:"rate_per_sec"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// ReconcilerConfig controls preference reconciliation.
type ReconcilerConfig struct {
	// LookBack bounds how far back a sync request collects reactions.
	// Go duration string; default "720h" (30 days).
	LookBack string `json:"look_back,omitempty"`
}

// MetricsConfig controls the optional metrics/pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9100").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9100"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so pprof /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Validate checks duration fields and required values without mutating cfg.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	durations := []struct {
		path string
		raw  string
	}{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.tick", c.Scheduler.Tick},
		{"metrics.read_timeout", c.Metrics.ReadTimeout},
		{"metrics.write_timeout", c.Metrics.WriteTimeout},
		{"metrics.idle_timeout", c.Metrics.IdleTimeout},
	}
	if d := c.Dispatcher; d != nil {
		durations = append(durations,
			struct{ path, raw string }{"dispatcher.pipeline_timeout", d.PipelineTimeout},
			struct{ path, raw string }{"dispatcher.lease_slack", d.LeaseSlack},
			struct{ path, raw string }{"dispatcher.retry_base", d.RetryBase},
			struct{ path, raw string }{"dispatcher.retry_max_delay", d.RetryMaxDelay},
		)
		if d.Workers < 0 || d.QueueSize < 0 || d.RetryMax < 0 {
			return errors.New("dispatcher: workers, queue_size and retry_max must be >= 0")
		}
	}
	if dv := c.Delivery; dv != nil {
		durations = append(durations,
			struct{ path, raw string }{"delivery.send_timeout", dv.SendTimeout})
		if dv.Workers < 0 || dv.QueueSize < 0 || dv.RatePerSec < 0 {
			return errors.New("delivery: workers, queue_size and rate_per_sec must be >= 0")
		}
	}
	if r := c.Reconciler; r != nil {
		durations = append(durations,
			struct{ path, raw string }{"reconciler.look_back", r.LookBack})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}

// SchedulerTick resolves the scan interval with its default.
func (c *Config) SchedulerTick() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.tick", c.Scheduler.Tick, time.Second)
	if err != nil {
		return time.Second
	}
	return d
}

// String implements fmt.Stringer without exposing secrets.
func (c MetricsConfig) String() string {
	return fmt.Sprintf("metrics{enabled=%v addr=%q token_set=%v}",
		c.Enabled, c.Addr, strings.TrimSpace(c.Token) != "")
}

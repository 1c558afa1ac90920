package store

import (
	"context"
	"errors"
	"time"

	"paperdigest/internal/kit"
)

var ErrClosed = errors.New("store closed")

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// ScheduleEntry is one persisted per-tenant trigger. NextFireAt is derived
// bookkeeping, not authoritative; the cron expression plus zone are.
type ScheduleEntry struct {
	TenantID   string
	Operation  kit.Operation
	Expr       string
	Zone       string
	Enabled    bool
	NextFireAt time.Time
	UpdatedAt  time.Time
}

// Tenant holds the configured external-repository coordinates for a tenant.
type Tenant struct {
	TenantID  string
	RepoRef   string
	PAT       string
	UpdatedAt time.Time
}

// AuditEntry records one dispatch attempt outcome.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time
	TenantID  string
	Operation kit.Operation
	Origin    kit.Origin
	Outcome   string
	Error     string
	Attempts  int
	TookMS    int64
}

// Store is the persistence API used by the scheduler, dispatcher and
// reconciler.
type Store interface {
	// Schedules (scheduler only).
	UpsertSchedule(ctx context.Context, e ScheduleEntry) error
	DeleteSchedule(ctx context.Context, tenantID string, op kit.Operation) error
	GetSchedule(ctx context.Context, tenantID string, op kit.Operation) (ScheduleEntry, bool, error)
	ListSchedules(ctx context.Context) ([]ScheduleEntry, error)
	DueSchedules(ctx context.Context, now time.Time) ([]ScheduleEntry, error)
	// AdvanceSchedule moves next_fire_at from prev to next iff the row still
	// holds prev and is enabled. A false return means another scanner (or
	// process) already claimed this fire.
	AdvanceSchedule(ctx context.Context, tenantID string, op kit.Operation, prev, next time.Time) (bool, error)
	DisableSchedule(ctx context.Context, tenantID string, op kit.Operation) error

	// Leases (dispatcher only).
	AcquireLease(ctx context.Context, key string, until time.Time) (bool, error)
	ReleaseLease(ctx context.Context, key string) error

	// Tenants (settings surface only).
	UpsertTenant(ctx context.Context, t Tenant) error
	GetTenant(ctx context.Context, tenantID string) (Tenant, bool, error)
	DeleteTenant(ctx context.Context, tenantID string) error

	// Reactions (intake + reconciler).
	InsertReaction(ctx context.Context, e kit.ReactionEvent) (inserted bool, err error)
	ReactionsSince(ctx context.Context, tenantID string, since time.Time) ([]kit.ReactionEvent, error)

	// Preferences (reconciler only).
	PreferenceRows(ctx context.Context, tenantID, bucket string) ([]kit.PreferenceRow, error)
	UpsertPreferenceRows(ctx context.Context, tenantID, bucket string, rows []kit.PreferenceRow) error

	// Audit.
	AppendAudit(ctx context.Context, e AuditEntry) error

	Close() error
}

// Package settings applies tenant settings descriptors: external repository
// coordinates plus the recommendation schedule. Descriptors are validated
// fully before any state changes, so a bad descriptor never leaves a tenant
// half-updated.
package settings

import (
	"context"
	"fmt"

	"paperdigest/internal/cronspec"
	"paperdigest/internal/kit"
	"paperdigest/internal/store"
	logx "paperdigest/pkg/logx"
)

// Tenants is the slice of the persistence API this package needs.
type Tenants interface {
	UpsertTenant(ctx context.Context, t store.Tenant) error
	GetTenant(ctx context.Context, tenantID string) (store.Tenant, bool, error)
	DeleteTenant(ctx context.Context, tenantID string) error
}

// Scheduler installs and removes recommendation schedules.
type Scheduler interface {
	AddOrReplace(ctx context.Context, tenantID string, op kit.Operation, expr, zone string) error
	Remove(ctx context.Context, tenantID string, op kit.Operation) error
}

type Service struct {
	tenants Tenants
	sched   Scheduler
	log     logx.Logger
}

func New(tenants Tenants, sched Scheduler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{tenants: tenants, sched: sched, log: log}
}

// Apply parses and applies one descriptor for the tenant. Validation happens
// before any write: a descriptor that fails leaves both the tenant record
// and the schedule exactly as they were.
func (s *Service) Apply(ctx context.Context, tenantID, raw string) error {
	if tenantID == "" {
		return fmt.Errorf("settings: tenant id is empty")
	}
	d, err := ParseDescriptor(raw)
	if err != nil {
		return err
	}

	if d.Cron != "" {
		if err := cronspec.Validate(d.Cron, d.Timezone); err != nil {
			return err
		}
		// Scheduling requires repository coordinates, either stored already
		// or provided in this same descriptor.
		if d.RepoRef == "" || d.PAT == "" {
			t, ok, err := s.tenants.GetTenant(ctx, tenantID)
			if err != nil {
				return err
			}
			if !ok || (d.RepoRef == "" && t.RepoRef == "") || (d.PAT == "" && t.PAT == "") {
				return fmt.Errorf("settings: tenant %s has no repository coordinates; provide repo and pat before scheduling", tenantID)
			}
		}
	}

	if d.RepoRef != "" || d.PAT != "" {
		if err := s.tenants.UpsertTenant(ctx, store.Tenant{
			TenantID: tenantID,
			RepoRef:  d.RepoRef,
			PAT:      d.PAT,
		}); err != nil {
			return err
		}
		s.log.Info("tenant settings updated",
			logx.String("tenant", tenantID),
			logx.Bool("repo_set", d.RepoRef != ""),
			logx.Bool("pat_set", d.PAT != ""))
	}

	switch {
	case d.CronOff:
		if err := s.sched.Remove(ctx, tenantID, kit.OpRecommend); err != nil {
			return err
		}
	case d.Cron != "":
		if err := s.sched.AddOrReplace(ctx, tenantID, kit.OpRecommend, d.Cron, d.Timezone); err != nil {
			return err
		}
	}
	return nil
}

// Forget removes the tenant entirely: settings, credentials and schedules.
func (s *Service) Forget(ctx context.Context, tenantID string) error {
	if err := s.sched.Remove(ctx, tenantID, kit.OpRecommend); err != nil {
		return err
	}
	if err := s.tenants.DeleteTenant(ctx, tenantID); err != nil {
		return err
	}
	s.log.Info("tenant forgotten", logx.String("tenant", tenantID))
	return nil
}

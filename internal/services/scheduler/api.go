package scheduler

import (
	"context"
	"time"

	"paperdigest/internal/cronspec"
	"paperdigest/internal/eventbus"
	"paperdigest/internal/kit"
	"paperdigest/internal/store"
	logx "paperdigest/pkg/logx"
)

// Store is the slice of the persistence API the scheduler needs.
type Store interface {
	UpsertSchedule(ctx context.Context, e store.ScheduleEntry) error
	DeleteSchedule(ctx context.Context, tenantID string, op kit.Operation) error
	GetSchedule(ctx context.Context, tenantID string, op kit.Operation) (store.ScheduleEntry, bool, error)
	ListSchedules(ctx context.Context) ([]store.ScheduleEntry, error)
	DueSchedules(ctx context.Context, now time.Time) ([]store.ScheduleEntry, error)
	AdvanceSchedule(ctx context.Context, tenantID string, op kit.Operation, prev, next time.Time) (bool, error)
	DisableSchedule(ctx context.Context, tenantID string, op kit.Operation) error
}

// AddOrReplace installs or replaces the schedule for (tenant, op). The
// expression is validated before any state changes; an invalid expression
// leaves an existing schedule untouched.
func (s *Service) AddOrReplace(ctx context.Context, tenantID string, op kit.Operation, expr, zone string) error {
	sched, err := cronspec.Parse(expr, zone)
	if err != nil {
		return err
	}
	next := sched.Next(s.now())
	e := store.ScheduleEntry{
		TenantID:   tenantID,
		Operation:  op,
		Expr:       expr,
		Zone:       zone,
		Enabled:    true,
		NextFireAt: next,
	}
	if err := s.st.UpsertSchedule(ctx, e); err != nil {
		return err
	}
	s.log.Info("schedule installed",
		logx.String("tenant", tenantID),
		logx.String("op", string(op)),
		logx.String("expr", expr),
		logx.Time("next_fire_at", next))
	s.publish("schedule.installed", tenantID, op, next)
	return nil
}

// Remove drops the schedule for (tenant, op). Removing a schedule that does
// not exist is a no-op.
func (s *Service) Remove(ctx context.Context, tenantID string, op kit.Operation) error {
	if err := s.st.DeleteSchedule(ctx, tenantID, op); err != nil {
		return err
	}
	s.log.Info("schedule removed",
		logx.String("tenant", tenantID), logx.String("op", string(op)))
	s.publish("schedule.removed", tenantID, op, time.Time{})
	return nil
}

func (s *Service) Get(ctx context.Context, tenantID string, op kit.Operation) (store.ScheduleEntry, bool, error) {
	return s.st.GetSchedule(ctx, tenantID, op)
}

func (s *Service) ListAll(ctx context.Context) ([]store.ScheduleEntry, error) {
	return s.st.ListSchedules(ctx)
}

// ScheduleEvent is the bus payload for schedule.* events.
type ScheduleEvent struct {
	TenantID  string
	Operation kit.Operation
	NextFire  time.Time
	At        time.Time
}

func (s *Service) publish(typ string, tenantID string, op kit.Operation, next time.Time) {
	if s.bus == nil {
		return
	}
	now := s.now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ScheduleEvent{
		TenantID: tenantID, Operation: op, NextFire: next, At: now,
	}})
}

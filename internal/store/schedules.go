package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"paperdigest/internal/kit"
)

func (s *sqliteStore) UpsertSchedule(ctx context.Context, e ScheduleEntry) error {
	if err := s.ready(); err != nil {
		return err
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	enabled := 0
	if e.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(tenant_id, operation, cron_expr, timezone, enabled, next_fire_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, operation) DO UPDATE SET
		   cron_expr=excluded.cron_expr,
		   timezone=excluded.timezone,
		   enabled=excluded.enabled,
		   next_fire_at=excluded.next_fire_at,
		   updated_at=excluded.updated_at`,
		e.TenantID, string(e.Operation), e.Expr, e.Zone, enabled,
		e.NextFireAt.UnixMilli(), e.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, tenantID string, op kit.Operation) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM schedules WHERE tenant_id = ? AND operation = ?`, tenantID, string(op))
	return err
}

func (s *sqliteStore) GetSchedule(ctx context.Context, tenantID string, op kit.Operation) (ScheduleEntry, bool, error) {
	if err := s.ready(); err != nil {
		return ScheduleEntry{}, false, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, operation, cron_expr, timezone, enabled, next_fire_at, updated_at
		 FROM schedules WHERE tenant_id = ? AND operation = ?`, tenantID, string(op))
	e, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleEntry{}, false, nil
	}
	if err != nil {
		return ScheduleEntry{}, false, err
	}
	return e, true, nil
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]ScheduleEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, operation, cron_expr, timezone, enabled, next_fire_at, updated_at
		 FROM schedules ORDER BY tenant_id, operation`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (s *sqliteStore) DueSchedules(ctx context.Context, now time.Time) ([]ScheduleEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, operation, cron_expr, timezone, enabled, next_fire_at, updated_at
		 FROM schedules WHERE enabled = 1 AND next_fire_at <= ? ORDER BY next_fire_at`,
		now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (s *sqliteStore) AdvanceSchedule(ctx context.Context, tenantID string, op kit.Operation, prev, next time.Time) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET next_fire_at = ?, updated_at = ?
		 WHERE tenant_id = ? AND operation = ? AND enabled = 1 AND next_fire_at = ?`,
		next.UnixMilli(), time.Now().UnixMilli(), tenantID, string(op), prev.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) DisableSchedule(ctx context.Context, tenantID string, op kit.Operation) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = 0, updated_at = ? WHERE tenant_id = ? AND operation = ?`,
		time.Now().UnixMilli(), tenantID, string(op))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (ScheduleEntry, error) {
	var (
		e                 ScheduleEntry
		op                string
		enabled           int
		nextMS, updatedMS int64
	)
	if err := r.Scan(&e.TenantID, &op, &e.Expr, &e.Zone, &enabled, &nextMS, &updatedMS); err != nil {
		return ScheduleEntry{}, err
	}
	e.Operation = kit.Operation(op)
	e.Enabled = enabled == 1
	e.NextFireAt = msToTime(nextMS)
	e.UpdatedAt = msToTime(updatedMS)
	return e, nil
}

func collectSchedules(rows *sql.Rows) ([]ScheduleEntry, error) {
	var out []ScheduleEntry
	for rows.Next() {
		e, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *sqliteStore) UpsertTenant(ctx context.Context, t Tenant) error {
	if err := s.ready(); err != nil {
		return err
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants(tenant_id, repo_ref, pat, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
		   repo_ref=CASE WHEN excluded.repo_ref != '' THEN excluded.repo_ref ELSE tenants.repo_ref END,
		   pat=CASE WHEN excluded.pat != '' THEN excluded.pat ELSE tenants.pat END,
		   updated_at=excluded.updated_at`,
		t.TenantID, t.RepoRef, t.PAT, t.UpdatedAt.UnixMilli())
	return err
}

func (s *sqliteStore) GetTenant(ctx context.Context, tenantID string) (Tenant, bool, error) {
	if err := s.ready(); err != nil {
		return Tenant{}, false, err
	}
	var (
		t  Tenant
		ms int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, repo_ref, pat, updated_at FROM tenants WHERE tenant_id = ?`,
		tenantID).Scan(&t.TenantID, &t.RepoRef, &t.PAT, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, false, nil
	}
	if err != nil {
		return Tenant{}, false, err
	}
	t.UpdatedAt = msToTime(ms)
	return t, true, nil
}

// DeleteTenant removes the tenant's settings together with its schedules so
// a deleted tenant can never fire again.
func (s *sqliteStore) DeleteTenant(ctx context.Context, tenantID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE tenant_id = ?`, tenantID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tenants WHERE tenant_id = ?`, tenantID); err != nil {
		return err
	}
	return tx.Commit()
}

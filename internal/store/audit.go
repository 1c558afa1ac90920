package store

import (
	"context"
	"time"
)

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := s.ready(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, tenant_id, operation, origin, outcome, err, attempts, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.TenantID, string(e.Operation), string(e.Origin),
		e.Outcome, nullStr(e.Error), e.Attempts, e.TookMS,
	)
	return err
}

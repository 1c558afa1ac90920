package store

import (
	"context"

	"paperdigest/internal/kit"
)

func (s *sqliteStore) PreferenceRows(ctx context.Context, tenantID, bucket string) ([]kit.PreferenceRow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT paper_id, source_ref, kind, observed_at
		 FROM preferences WHERE tenant_id = ? AND bucket = ?
		 ORDER BY paper_id, source_ref`,
		tenantID, bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kit.PreferenceRow
	for rows.Next() {
		var (
			r    kit.PreferenceRow
			kind string
			ms   int64
		)
		if err := rows.Scan(&r.PaperID, &r.SourceRef, &kind, &ms); err != nil {
			return nil, err
		}
		r.Kind = kit.ReactionKind(kind)
		r.ObservedAt = msToTime(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertPreferenceRows replaces the given rows inside one bucket in a single
// transaction so a crash mid-merge never leaves a half-written bucket.
func (s *sqliteStore) UpsertPreferenceRows(ctx context.Context, tenantID, bucket string, rows []kit.PreferenceRow) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO preferences(tenant_id, bucket, paper_id, source_ref, kind, observed_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, bucket, paper_id, source_ref) DO UPDATE SET
		   kind=excluded.kind,
		   observed_at=excluded.observed_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			tenantID, bucket, r.PaperID, r.SourceRef, string(r.Kind), r.ObservedAt.UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

package store

import (
	"context"
	"database/sql"
	"time"

	"paperdigest/internal/kit"
)

// InsertReaction records one immutable reaction. Re-inserting the same
// natural key is a no-op; the first observation wins because events are
// immutable once recorded.
func (s *sqliteStore) InsertReaction(ctx context.Context, e kit.ReactionEvent) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if err := e.Validate(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO reactions(tenant_id, paper_id, source_ref, kind, observed_at)
		 VALUES(?,?,?,?,?)`,
		e.TenantID, e.PaperID, e.SourceRef, string(e.Kind), e.ObservedAt.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) ReactionsSince(ctx context.Context, tenantID string, since time.Time) ([]kit.ReactionEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, paper_id, source_ref, kind, observed_at
		 FROM reactions WHERE tenant_id = ? AND observed_at >= ? ORDER BY observed_at`,
		tenantID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kit.ReactionEvent
	for rows.Next() {
		e, err := scanReaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanReaction(rows *sql.Rows) (kit.ReactionEvent, error) {
	var (
		e    kit.ReactionEvent
		kind string
		ms   int64
	)
	if err := rows.Scan(&e.TenantID, &e.PaperID, &e.SourceRef, &kind, &ms); err != nil {
		return kit.ReactionEvent{}, err
	}
	e.Kind = kit.ReactionKind(kind)
	e.ObservedAt = msToTime(ms)
	return e, nil
}

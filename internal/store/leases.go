package store

import (
	"context"
	"time"
)

// AcquireLease claims key until the given deadline. The claim succeeds when
// no lease exists or the existing one has expired; the single UPSERT keeps
// the check-and-claim atomic, so an expired lease can be reclaimed by
// exactly one caller.
func (s *sqliteStore) AcquireLease(ctx context.Context, key string, until time.Time) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if key == "" {
		return true, nil
	}
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until WHERE leases.until <= ?`,
		key, until.UnixMilli(), now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		s.maybePrune()
	}
	return n == 1, nil
}

func (s *sqliteStore) ReleaseLease(ctx context.Context, key string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ?`, key)
	return err
}

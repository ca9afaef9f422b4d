package store

import (
	"context"
	"fmt"
	"time"
)

// Claim attempts to claim an idempotency key. Insertion is the admission
// decision: the first caller gets true, every replay gets false. Claims are
// never released; housekeeping expires them after the retention window.
func (s *Store) Claim(ctx context.Context, tenantID, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, tenant_id)
		VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING`, key, tenantID)
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return n == 1, nil
}

// DeleteExpiredKeys removes idempotency keys older than the cutoff.
// Returns the number of rows deleted.
func (s *Store) DeleteExpiredKeys(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE created_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("delete expired keys: %w", err)
	}
	return res.RowsAffected()
}

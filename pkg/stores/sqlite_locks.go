package stores

import (
	"context"
	"fmt"
	"time"
)

// Acquire takes the named lease lock for owner. An expired lock, or one
// already held by owner, is taken over.
func (s *SQLiteStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	query := `
		INSERT INTO locks (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE locks.expires_at <= ? OR locks.owner = excluded.owner
	`
	res, err := s.db.ExecContext(ctx, query, name, owner, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	return n == 1, nil
}

// Release drops the lock if owner still holds it.
func (s *SQLiteStore) Release(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}

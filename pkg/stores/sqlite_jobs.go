package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mqfleet/mqfleet/pkg/jobboard"
)

const jobColumns = `id, name, factory, factory_args, factory_kwargs, store, transaction_id,
	owner, claim_expires_at, claims, created_at, updated_at`

// Post persists a job and wakes local waiters.
func (s *SQLiteStore) Post(ctx context.Context, job *jobboard.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Factory == "" {
		return fmt.Errorf("job %s has no factory", job.ID)
	}
	if job.Name == "" {
		job.Name = job.Factory
	}
	now := s.now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	job.Owner, job.ClaimExpiresAt, job.Claims = "", time.Time{}, 0

	args, err := encodeJSON(nonNilSlice(job.FactoryArgs), false)
	if err != nil {
		return err
	}
	kwargs, err := encodeJSON(nonNilMap(job.FactoryKwargs), false)
	if err != nil {
		return err
	}
	store, err := encodeJSON(nonNilMap(job.Store), false)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (id, name, factory, factory_args, factory_kwargs, store, transaction_id,
			claims, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID, job.Name, job.Factory, args, kwargs, store, job.TransactionID,
		toUnix(now), toUnix(now),
	)
	if err != nil {
		return fmt.Errorf("failed to post job: %w", err)
	}

	s.notify.Notify()
	return nil
}

// Claim takes the job for owner if it is unclaimed or its lease expired.
// The check and the update are a single statement, so concurrent claims
// cannot both succeed.
func (s *SQLiteStore) Claim(ctx context.Context, id, owner string, lease time.Duration) (*jobboard.Job, error) {
	if owner == "" {
		return nil, fmt.Errorf("claim owner is required")
	}
	now := s.now().UTC()

	query := `
		UPDATE jobs
		SET owner = ?, claim_expires_at = ?, claims = claims + 1, updated_at = ?
		WHERE id = ? AND (owner IS NULL OR claim_expires_at IS NULL OR claim_expires_at <= ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		owner, toUnix(now.Add(lease)), toUnix(now), id, toUnix(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, jobboard.ErrAlreadyClaimed
	}
	return s.Get(ctx, id)
}

// Extend renews owner's lease.
func (s *SQLiteStore) Extend(ctx context.Context, id, owner string, lease time.Duration) error {
	now := s.now().UTC()
	return s.ownedUpdate(ctx, id, owner,
		`UPDATE jobs SET claim_expires_at = ?, updated_at = ? WHERE id = ? AND owner = ?`,
		toUnix(now.Add(lease)), toUnix(now), id, owner,
	)
}

// Abandon releases owner's claim.
func (s *SQLiteStore) Abandon(ctx context.Context, id, owner string) error {
	err := s.ownedUpdate(ctx, id, owner,
		`UPDATE jobs SET owner = NULL, claim_expires_at = NULL, updated_at = ? WHERE id = ? AND owner = ?`,
		toUnix(s.now().UTC()), id, owner,
	)
	if err == nil {
		s.notify.Notify()
	}
	return err
}

// Consume removes a job owned by owner.
func (s *SQLiteStore) Consume(ctx context.Context, id, owner string) error {
	return s.ownedUpdate(ctx, id, owner, `DELETE FROM jobs WHERE id = ? AND owner = ?`, id, owner)
}

func (s *SQLiteStore) ownedUpdate(ctx context.Context, id, owner, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", jobboard.ErrNotOwner, owner)
	}
	return nil
}

// Delete removes a job regardless of its claim.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", jobboard.ErrNotFound, id)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*jobboard.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobboard.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// List returns jobs in posting order.
func (s *SQLiteStore) List(ctx context.Context, opts jobboard.ListOptions) ([]*jobboard.Job, error) {
	var (
		where []string
		args  []any
	)
	if opts.UnclaimedOnly {
		where = append(where, `(owner IS NULL OR claim_expires_at IS NULL OR claim_expires_at <= ?)`)
		args = append(args, toUnix(s.now().UTC()))
	}
	if opts.Factory != "" {
		where = append(where, `factory = ?`)
		args = append(args, opts.Factory)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*jobboard.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Wait blocks until a claimable job exists or timeout elapses.
func (s *SQLiteStore) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	return jobboard.WaitFor(ctx, timeout, s.cfg.PollInterval, s.notify, func(ctx context.Context) (bool, error) {
		jobs, err := s.List(ctx, jobboard.ListOptions{UnclaimedOnly: true, Limit: 1})
		return len(jobs) > 0, err
	})
}

func scanJob(row rowScanner) (*jobboard.Job, error) {
	var (
		job                   jobboard.Job
		args, kwargs, store   sql.NullString
		owner                 sql.NullString
		expires, created, upd sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.Name, &job.Factory, &args, &kwargs, &store, &job.TransactionID,
		&owner, &expires, &job.Claims, &created, &upd,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(args, &job.FactoryArgs); err != nil {
		return nil, err
	}
	if err := decodeJSON(kwargs, &job.FactoryKwargs); err != nil {
		return nil, err
	}
	if err := decodeJSON(store, &job.Store); err != nil {
		return nil, err
	}
	job.Owner = owner.String
	job.ClaimExpiresAt = fromUnix(expires)
	job.CreatedAt = fromUnix(created)
	job.UpdatedAt = fromUnix(upd)
	return &job, nil
}

func nonNilSlice(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}

func nonNilMap(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

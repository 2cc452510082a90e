package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mqfleet/mqfleet/pkg/engine"
	"github.com/mqfleet/mqfleet/pkg/jobboard"
)

// SaveFlow upserts a flow snapshot.
func (s *SQLiteStore) SaveFlow(ctx context.Context, flow jobboard.FlowDetail) error {
	now := s.now().UTC()
	query := `
		INSERT INTO flow_details (job_id, factory, state, failure, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			state = excluded.state,
			failure = excluded.failure,
			factory = CASE WHEN excluded.factory = '' THEN flow_details.factory ELSE excluded.factory END,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		flow.JobID, flow.Factory, string(flow.State), flow.Failure, toUnix(now), toUnix(now),
	)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}
	return nil
}

// SaveStep upserts a step snapshot. Empty inputs, results and sequence
// numbers keep their stored values.
func (s *SQLiteStore) SaveStep(ctx context.Context, step jobboard.StepDetail) error {
	inputs, err := encodeJSON(step.Inputs, true)
	if err != nil {
		return err
	}
	result, err := encodeJSON(step.Result, true)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO step_details (job_id, name, state, seq, inputs, result, failure, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, name) DO UPDATE SET
			state = excluded.state,
			seq = CASE WHEN excluded.seq > 0 THEN excluded.seq ELSE step_details.seq END,
			inputs = COALESCE(excluded.inputs, step_details.inputs),
			result = COALESCE(excluded.result, step_details.result),
			failure = excluded.failure,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		step.JobID, step.Name, string(step.State), step.Seq, inputs, result, step.Failure,
		toUnix(s.now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

// LoadFlow returns the snapshot of a job's flow with its steps.
func (s *SQLiteStore) LoadFlow(ctx context.Context, jobID string) (*jobboard.FlowDetail, error) {
	var (
		flow         jobboard.FlowDetail
		state        string
		created, upd sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, factory, state, failure, created_at, updated_at
		FROM flow_details WHERE job_id = ?
	`, jobID).Scan(&flow.JobID, &flow.Factory, &state, &flow.Failure, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: flow for job %s", jobboard.ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow: %w", err)
	}
	flow.State = engine.FlowState(state)
	flow.CreatedAt = fromUnix(created)
	flow.UpdatedAt = fromUnix(upd)

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, name, state, seq, inputs, result, failure, updated_at
		FROM step_details WHERE job_id = ? ORDER BY seq, name
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step           jobboard.StepDetail
			stepState      string
			inputs, result sql.NullString
			updated        sql.NullInt64
		)
		if err := rows.Scan(&step.JobID, &step.Name, &stepState, &step.Seq, &inputs, &result, &step.Failure, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		step.State = engine.StepState(stepState)
		step.UpdatedAt = fromUnix(updated)
		if err := decodeJSON(inputs, &step.Inputs); err != nil {
			return nil, err
		}
		if err := decodeJSON(result, &step.Result); err != nil {
			return nil, err
		}
		flow.Steps = append(flow.Steps, step)
	}
	return &flow, rows.Err()
}

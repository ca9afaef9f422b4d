package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// OpenRun creates a workflow run in the running state and returns its id.
func (s *Store) OpenRun(ctx context.Context, tenantID, dealID, stage, previousStage string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, tenant_id, deal_id, stage, previous_stage)
		VALUES ($1, $2, $3, $4, $5)`,
		id, tenantID, dealID, stage, NullString(previousStage))
	if err != nil {
		return "", fmt.Errorf("open run: %w", err)
	}
	return id, nil
}

// CloseRun transitions a run out of the running state. The guard on the
// current status makes the terminal transition write-once: a run that has
// already finished (or was closed as canceled by a racing request) is left
// untouched and CloseRun reports false.
func (s *Store) CloseRun(ctx context.Context, runID, status string, meta JSONMap) (bool, error) {
	if meta == nil {
		meta = JSONMap{}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = $2, meta = meta || $3, finished_at = now()
		WHERE id = $1 AND status = 'running'`, runID, status, meta)
	if err != nil {
		return false, fmt.Errorf("close run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close run: %w", err)
	}
	return n == 1, nil
}

// RequestCancelRunning flips cancel_requested on every running run for the
// deal. Consumers observe the flag cooperatively. Returns the number of
// runs flagged.
func (s *Store) RequestCancelRunning(ctx context.Context, dealID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET cancel_requested = true
		WHERE deal_id = $1 AND status = 'running'`, dealID)
	if err != nil {
		return 0, fmt.Errorf("request cancel: %w", err)
	}
	return res.RowsAffected()
}

// CancelRequested reports whether cancellation has been requested for the
// run. Unknown runs report true so orphaned batch jobs stop quietly.
func (s *Store) CancelRequested(ctx context.Context, runID string) (bool, error) {
	var requested bool
	err := s.db.GetContext(ctx, &requested, `
		SELECT cancel_requested FROM workflow_runs WHERE id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("cancel requested: %w", err)
	}
	return requested, nil
}

// RunByID loads a workflow run.
func (s *Store) RunByID(ctx context.Context, runID string) (*WorkflowRun, error) {
	var r WorkflowRun
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM workflow_runs WHERE id = $1`, runID); err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

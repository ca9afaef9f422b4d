package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ObservedSection is the result of recording a task observation: the
// section seen by the previous observation, if any.
type ObservedSection struct {
	PreviousSectionGID string
	HasPrevious        bool
}

// UpsertObservedSection writes the newly observed section and modification
// time for a task and returns the previously stored section in the same
// statement. The CTE reads the old row and the insert-or-update happens in
// one round trip, so there is no window for a lost update between read and
// write. First observations return HasPrevious == false.
func (s *Store) UpsertObservedSection(ctx context.Context, tenantID, taskGID, projectGID, sectionGID string, modifiedAt time.Time) (ObservedSection, error) {
	var prev sql.NullString
	err := s.db.GetContext(ctx, &prev, `
		WITH existing AS (
			SELECT last_seen_section_gid FROM task_states
			WHERE tenant_id = $1 AND task_gid = $2 AND project_gid = $3
		), upsert AS (
			INSERT INTO task_states
				(tenant_id, task_gid, project_gid, last_seen_section_gid,
				 last_processed_modified_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (tenant_id, task_gid, project_gid) DO UPDATE SET
				last_seen_section_gid      = EXCLUDED.last_seen_section_gid,
				last_processed_modified_at = EXCLUDED.last_processed_modified_at,
				updated_at                 = now()
		)
		SELECT last_seen_section_gid FROM existing`,
		tenantID, taskGID, projectGID, sectionGID, modifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ObservedSection{}, nil
	}
	if err != nil {
		return ObservedSection{}, fmt.Errorf("upsert observed section: %w", err)
	}
	return ObservedSection{PreviousSectionGID: prev.String, HasPrevious: prev.Valid}, nil
}

// SetLastTriggeredStage records the stage most recently dispatched for the
// task, for observability.
func (s *Store) SetLastTriggeredStage(ctx context.Context, tenantID, taskGID, projectGID, stage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_states SET last_triggered_stage = $4, updated_at = now()
		WHERE tenant_id = $1 AND task_gid = $2 AND project_gid = $3`,
		tenantID, taskGID, projectGID, stage)
	if err != nil {
		return fmt.Errorf("set last triggered stage: %w", err)
	}
	return nil
}

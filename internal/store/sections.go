package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ResolveStage maps a provider section gid to its logical stage key. Only
// enabled mappings participate; unmapped sections return ok == false.
func (s *Store) ResolveStage(ctx context.Context, tenantID, sectionGID string) (string, bool, error) {
	var stage string
	err := s.db.GetContext(ctx, &stage, `
		SELECT stage_key FROM pipeline_sections
		WHERE tenant_id = $1 AND section_gid = $2 AND enabled = true`,
		tenantID, sectionGID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve stage: %w", err)
	}
	return stage, true, nil
}

// SectionForStage returns the provider section gid mapped to a stage within
// the pipeline project. Used when creating tasks in a target stage.
func (s *Store) SectionForStage(ctx context.Context, tenantID, projectGID, stageKey string) (string, error) {
	var gid string
	err := s.db.GetContext(ctx, &gid, `
		SELECT section_gid FROM pipeline_sections
		WHERE tenant_id = $1 AND project_gid = $2 AND stage_key = $3 AND enabled = true
		LIMIT 1`, tenantID, projectGID, stageKey)
	if err != nil {
		return "", notFound(err)
	}
	return gid, nil
}

// UpsertSection installs or updates a section-to-stage mapping.
func (s *Store) UpsertSection(ctx context.Context, sec PipelineSection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_sections (tenant_id, project_gid, section_gid, stage_key, enabled)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, project_gid, section_gid) DO UPDATE SET
			stage_key = EXCLUDED.stage_key,
			enabled   = EXCLUDED.enabled`,
		sec.TenantID, sec.ProjectGID, sec.SectionGID, sec.StageKey, sec.Enabled)
	if err != nil {
		return fmt.Errorf("upsert section: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DealUpsert carries the fields observed on a deal-tagged calendar event.
// Null fields never overwrite previously stored values.
type DealUpsert struct {
	TenantID   string
	CalendarID string
	EventID    string
	Company    sql.NullString
	Founder    sql.NullString
	MeetingAt  sql.NullTime
}

// UpsertDeal inserts or merges a deal keyed on (tenant, calendar, event).
// The merge coalesces incoming non-null fields into the existing row, which
// makes replayed calendar syncs idempotent. Returns the post-merge row.
func (s *Store) UpsertDeal(ctx context.Context, up DealUpsert) (*Deal, error) {
	var d Deal
	err := s.db.GetContext(ctx, &d, `
		INSERT INTO deals (id, tenant_id, calendar_id, event_id, company, founder, meeting_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, calendar_id, event_id) DO UPDATE SET
			company    = COALESCE(EXCLUDED.company, deals.company),
			founder    = COALESCE(EXCLUDED.founder, deals.founder),
			meeting_at = COALESCE(EXCLUDED.meeting_at, deals.meeting_at),
			updated_at = now()
		RETURNING *`,
		uuid.NewString(), up.TenantID, up.CalendarID, up.EventID,
		up.Company, up.Founder, up.MeetingAt)
	if err != nil {
		return nil, fmt.Errorf("upsert deal: %w", err)
	}
	return &d, nil
}

// DealByID loads a deal by primary key.
func (s *Store) DealByID(ctx context.Context, id string) (*Deal, error) {
	var d Deal
	if err := s.db.GetContext(ctx, &d, `SELECT * FROM deals WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// DealByTaskGID resolves the deal linked to a task-manager record.
func (s *Store) DealByTaskGID(ctx context.Context, tenantID, taskGID string) (*Deal, error) {
	var d Deal
	err := s.db.GetContext(ctx, &d, `
		SELECT * FROM deals WHERE tenant_id = $1 AND task_record_gid = $2`,
		tenantID, taskGID)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// SetDealTaskRecord links the task-manager record created for the deal.
func (s *Store) SetDealTaskRecord(ctx context.Context, dealID, taskGID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deals SET task_record_gid = $2, updated_at = now() WHERE id = $1`,
		dealID, taskGID)
	if err != nil {
		return fmt.Errorf("set deal task record: %w", err)
	}
	return nil
}

// SetDealDocs persists the document workspace root and page URLs.
func (s *Store) SetDealDocs(ctx context.Context, dealID, rootID string, urls JSONMap) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deals SET doc_root_id = $2, doc_urls = $3, updated_at = now()
		WHERE id = $1`, dealID, rootID, urls)
	if err != nil {
		return fmt.Errorf("set deal docs: %w", err)
	}
	return nil
}

// SetDealStage records the deal's current pipeline stage.
func (s *Store) SetDealStage(ctx context.Context, dealID, stage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deals SET current_stage = $2, updated_at = now() WHERE id = $1`,
		dealID, stage)
	if err != nil {
		return fmt.Errorf("set deal stage: %w", err)
	}
	return nil
}

// NullString builds a non-null sql.NullString, or a null one for "".
func NullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// NullTime builds a non-null sql.NullTime, or a null one for the zero time.
func NullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

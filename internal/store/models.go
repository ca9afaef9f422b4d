package store

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Push channel lifecycle states. A channel is created active, becomes
// replaced when a successor takes over its sync token, and stopped when
// explicitly torn down. Replaced and stopped are terminal.
const (
	ChannelActive   = "active"
	ChannelReplaced = "replaced"
	ChannelStopped  = "stopped"
)

// Workflow run states.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCanceled  = "canceled"
)

// Integration kinds.
const (
	IntegrationCalendar = "calendar"
	IntegrationTasks    = "tasks"
	IntegrationDocs     = "docs"
	IntegrationLLM      = "llm"
)

// Pipeline stage keys, in pipeline order.
const (
	StageFirstMeeting = "FIRST_MEETING"
	StageInDiligence  = "IN_DILIGENCE"
	StageICReview     = "IC_REVIEW"
	StagePass         = "PASS"
	StageArchive      = "ARCHIVE"
)

// ValidStageKey reports whether key names one of the pipeline stages.
func ValidStageKey(key string) bool {
	switch key {
	case StageFirstMeeting, StageInDiligence, StageICReview, StagePass, StageArchive:
		return true
	}
	return false
}

// JSONMap is a map column persisted as JSONB.
type JSONMap map[string]string

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan JSONMap: unsupported type %T", src)
	}
	return json.Unmarshal(raw, m)
}

// Integration is a per-tenant credential and configuration bag.
type Integration struct {
	ID        string    `db:"id"`
	TenantID  string    `db:"tenant_id"`
	Kind      string    `db:"kind"`
	Config    JSONMap   `db:"config"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// PushChannel is a calendar push subscription, active or retired.
type PushChannel struct {
	ID           string         `db:"id"`
	TenantID     string         `db:"tenant_id"`
	CalendarID   string         `db:"calendar_id"`
	ChannelID    string         `db:"channel_id"`
	ResourceID   sql.NullString `db:"resource_id"`
	ChannelToken sql.NullString `db:"channel_token"`
	SyncToken    sql.NullString `db:"sync_token"`
	ExpirationMS sql.NullInt64  `db:"expiration_ms"`
	Status       string         `db:"status"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// Deal is the canonical per-opportunity record linking external IDs.
type Deal struct {
	ID            string         `db:"id"`
	TenantID      string         `db:"tenant_id"`
	CalendarID    string         `db:"calendar_id"`
	EventID       string         `db:"event_id"`
	Company       sql.NullString `db:"company"`
	Founder       sql.NullString `db:"founder"`
	MeetingAt     sql.NullTime   `db:"meeting_at"`
	TaskRecordGID sql.NullString `db:"task_record_gid"`
	DocRootID     sql.NullString `db:"doc_root_id"`
	DocURLs       JSONMap        `db:"doc_urls"`
	CurrentStage  sql.NullString `db:"current_stage"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// TaskState is the last observed placement of a task in the pipeline
// project.
type TaskState struct {
	TenantID                string         `db:"tenant_id"`
	TaskGID                 string         `db:"task_gid"`
	ProjectGID              string         `db:"project_gid"`
	LastSeenSectionGID      sql.NullString `db:"last_seen_section_gid"`
	LastProcessedModifiedAt sql.NullTime   `db:"last_processed_modified_at"`
	LastTriggeredStage      sql.NullString `db:"last_triggered_stage"`
	UpdatedAt               time.Time      `db:"updated_at"`
}

// PipelineSection maps a provider section to a logical stage.
type PipelineSection struct {
	TenantID   string `db:"tenant_id"`
	ProjectGID string `db:"project_gid"`
	SectionGID string `db:"section_gid"`
	StageKey   string `db:"stage_key"`
	Enabled    bool   `db:"enabled"`
}

// WorkflowRun is one attempt of a stage-driven orchestration on a deal.
type WorkflowRun struct {
	ID              string         `db:"id"`
	TenantID        string         `db:"tenant_id"`
	DealID          string         `db:"deal_id"`
	Stage           string         `db:"stage"`
	Status          string         `db:"status"`
	CancelRequested bool           `db:"cancel_requested"`
	Meta            JSONMap        `db:"meta"`
	StartedAt       time.Time      `db:"started_at"`
	FinishedAt      sql.NullTime   `db:"finished_at"`
	PreviousStage   sql.NullString `db:"previous_stage"`
}

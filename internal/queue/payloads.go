package queue

// CalendarSyncPayload triggers an incremental or full calendar sync.
type CalendarSyncPayload struct {
	CalendarID string `json:"calendarId"`
	ChannelID  string `json:"channelId"`
}

// TasksProcessPayload carries one task-manager event for state-change
// detection.
type TasksProcessPayload struct {
	TaskGID    string `json:"taskGid"`
	ProjectGID string `json:"projectGid"`
	Action     string `json:"action"`
}

// StageActionPayload drives the stage state machine after a detected
// section transition.
type StageActionPayload struct {
	TaskGID       string `json:"taskGid"`
	SectionGID    string `json:"sectionGid"`
	StageKey      string `json:"stageKey"`
	ModifiedAt    string `json:"modifiedAt"`
	PreviousStage string `json:"previousStage,omitempty"`
}

// ResearchBatchPayload fans out the fixed research agents for a deal.
type ResearchBatchPayload struct {
	RunID   string `json:"runId"`
	DealID  string `json:"dealId"`
	Company string `json:"company"`
	Founder string `json:"founder,omitempty"`
	Context string `json:"context,omitempty"`
}

// ResearchAgentPayload re-runs a single named research agent.
type ResearchAgentPayload struct {
	RunID    string `json:"runId"`
	DealID   string `json:"dealId"`
	AgentKey string `json:"agentKey"`
	Company  string `json:"company"`
	Founder  string `json:"founder,omitempty"`
	Context  string `json:"context,omitempty"`
}

// MemoGeneratePayload synthesizes the investment memo for a deal.
type MemoGeneratePayload struct {
	RunID   string `json:"runId"`
	DealID  string `json:"dealId"`
	Company string `json:"company"`
	Founder string `json:"founder,omitempty"`
	Context string `json:"context,omitempty"`
}

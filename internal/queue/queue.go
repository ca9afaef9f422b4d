// Package queue defines the job envelope and the pluggable enqueue
// contract between the services and the worker. Two implementations exist:
// a durable Pulse-stream-backed queue whose runner delivers jobs to the
// worker over OIDC-signed HTTP, and a direct-HTTP variant for local
// development. Selection is environment driven.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// JobType identifies a worker handler. The set is closed; the dispatcher
// matches it exhaustively.
type JobType string

// Job types routed by the worker dispatcher.
const (
	JobCalendarSync  JobType = "CALENDAR_SYNC"
	JobTasksProcess  JobType = "TASKS_PROCESS"
	JobStageAction   JobType = "STAGE_ACTION"
	JobResearchAgent JobType = "RESEARCH_AGENT"
	JobResearchBatch JobType = "RESEARCH_BATCH"
	JobMemoGenerate  JobType = "MEMO_GENERATE"
)

// Known reports whether t is one of the routed job types.
func (t JobType) Known() bool {
	switch t {
	case JobCalendarSync, JobTasksProcess, JobStageAction,
		JobResearchAgent, JobResearchBatch, JobMemoGenerate:
		return true
	}
	return false
}

// Envelope is the on-wire job representation.
type Envelope struct {
	JobType        JobType         `json:"jobType"`
	TenantID       string          `json:"tenantId"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// Validate checks the envelope invariants shared by all backends.
func (e Envelope) Validate() error {
	if !e.JobType.Known() {
		return fmt.Errorf("unknown job type %q", e.JobType)
	}
	if e.TenantID == "" {
		return errors.New("tenant id is required")
	}
	return nil
}

// NewEnvelope builds an envelope with a JSON-encoded payload.
func NewEnvelope(t JobType, tenantID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{JobType: t, TenantID: tenantID, Payload: raw}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Queue enqueues job envelopes for the worker. Implementations must be safe
// for concurrent use.
type Queue interface {
	// Enqueue submits the envelope and returns a backend task name.
	Enqueue(ctx context.Context, env Envelope) (string, error)
}

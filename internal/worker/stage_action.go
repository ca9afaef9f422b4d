package worker

import (
	"context"
	"errors"
	"fmt"

	"goa.design/clue/log"

	"github.com/meridianvc/dealflow/internal/docs"
	"github.com/meridianvc/dealflow/internal/queue"
	"github.com/meridianvc/dealflow/internal/store"
)

// Fixed subtask sets created per stage.
var (
	firstMeetingSubtasks = []string{
		"Review pitch materials before the meeting",
		"Prepare question list",
		"Capture meeting notes in the workspace",
		"Decide follow-up within 48 hours",
	}
	diligenceSubtasks = []string{
		"Customer reference calls",
		"Founder deep-dive session",
		"Financial model review",
		"Legal and cap table review",
		"Technical assessment",
	}
	icReviewSubtasks = []string{
		"Circulate memo to IC members",
		"Collect pre-read questions",
		"Schedule IC session",
		"Confirm valuation and terms",
		"Record IC decision",
	}
)

// handleStageAction runs the per-stage work for a detected transition. The
// idempotency claim on (task, section, modified_at) makes redelivery after
// a partial failure safe: a retried job that fails the claim is a no-op.
func (s *Service) handleStageAction(ctx context.Context, env queue.Envelope) error {
	var p queue.StageActionPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.TaskGID == "" || p.StageKey == "" {
		return skip("stage action: missing task gid or stage key")
	}

	key := fmt.Sprintf("stage:%s:%s:%s", p.TaskGID, p.SectionGID, p.ModifiedAt)
	claimed, err := s.store.Claim(ctx, env.TenantID, key)
	if err != nil {
		return err
	}
	if !claimed {
		log.Info(ctx, log.KV{K: "msg", V: "stage action already claimed"}, log.KV{K: "key", V: key})
		return nil
	}

	deal, err := s.store.DealByTaskGID(ctx, env.TenantID, p.TaskGID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The task is not one of ours.
			return nil
		}
		return err
	}
	ctx = log.With(ctx, log.KV{K: "deal_id", V: deal.ID}, log.KV{K: "stage", V: p.StageKey})

	if err := s.store.SetDealStage(ctx, deal.ID, p.StageKey); err != nil {
		return err
	}
	if deal.DocRootID.Valid {
		if err := docs.WriteStageStatus(ctx, s.docs, deal.DocRootID.String, p.StageKey, "entered"); err != nil {
			log.Errorf(ctx, err, "stage action: write stage status")
		}
	}

	// Leaving diligence, or reaching a terminal stage, invalidates any
	// in-flight research or memo work.
	if p.PreviousStage == store.StageInDiligence ||
		p.StageKey == store.StagePass || p.StageKey == store.StageArchive {
		if n, err := s.store.RequestCancelRunning(ctx, deal.ID); err != nil {
			log.Errorf(ctx, err, "stage action: cancel running runs")
		} else if n > 0 {
			log.Info(ctx, log.KV{K: "msg", V: "cancellation requested"}, log.KV{K: "runs", V: n})
		}
	}

	runID, err := s.store.OpenRun(ctx, env.TenantID, deal.ID, p.StageKey, p.PreviousStage)
	if err != nil {
		return err
	}
	if err := s.dispatchStage(ctx, env.TenantID, deal, runID, p); err != nil {
		s.closeRun(ctx, runID, store.RunFailed, store.JSONMap{"error": err.Error()})
		return err
	}
	// Diligence and IC review hand the real work to an async job carrying
	// this run id. The run must stay running until that job finishes so a
	// later cancellation request can still reach it; the batch and memo
	// handlers own the terminal transition.
	if p.StageKey == store.StageInDiligence || p.StageKey == store.StageICReview {
		return nil
	}
	s.closeRun(ctx, runID, store.RunSucceeded, nil)
	return nil
}

func (s *Service) dispatchStage(ctx context.Context, tenantID string, deal *store.Deal, runID string, p queue.StageActionPayload) error {
	switch p.StageKey {
	case store.StageFirstMeeting:
		return s.stageFirstMeeting(ctx, deal, p)
	case store.StageInDiligence:
		return s.stageInDiligence(ctx, tenantID, deal, runID, p)
	case store.StageICReview:
		return s.stageICReview(ctx, tenantID, deal, runID, p)
	case store.StagePass, store.StageArchive:
		return s.stageTerminal(ctx, deal, p)
	}
	return skip("unknown stage %q", p.StageKey)
}

// stageFirstMeeting seeds the prep checklist and points the task at the
// workspace.
func (s *Service) stageFirstMeeting(ctx context.Context, deal *store.Deal, p queue.StageActionPayload) error {
	if err := s.createSubtasks(ctx, p.TaskGID, firstMeetingSubtasks); err != nil {
		return err
	}
	rootURL := deal.DocURLs["root"]
	if rootURL == "" {
		return nil
	}
	notes := fmt.Sprintf("Deal: %s\nWorkspace: %s\n", deal.Company.String, rootURL)
	if err := s.tasks.UpdateTaskNotes(ctx, p.TaskGID, notes); err != nil {
		return fmt.Errorf("update task notes: %w", err)
	}
	return nil
}

// stageInDiligence launches the research fan-out. Meeting notes become the
// research context; the research page is cleared of placeholders before the
// batch starts appending.
func (s *Service) stageInDiligence(ctx context.Context, tenantID string, deal *store.Deal, runID string, p queue.StageActionPayload) error {
	notes := s.meetingNotesText(ctx, deal)

	if researchID := deal.DocURLs["page_id:"+docs.PageResearch]; researchID != "" {
		if err := docs.ClearPlaceholders(ctx, s.docs, researchID); err != nil {
			log.Errorf(ctx, err, "stage action: clear research placeholders")
		}
	}

	env, err := queue.NewEnvelope(queue.JobResearchBatch, tenantID, queue.ResearchBatchPayload{
		RunID:   runID,
		DealID:  deal.ID,
		Company: deal.Company.String,
		Founder: deal.Founder.String,
		Context: notes,
	})
	if err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, env); err != nil {
		return fmt.Errorf("enqueue research batch: %w", err)
	}
	return s.createSubtasks(ctx, p.TaskGID, diligenceSubtasks)
}

// stageICReview launches memo synthesis and seeds the IC checklist.
func (s *Service) stageICReview(ctx context.Context, tenantID string, deal *store.Deal, runID string, p queue.StageActionPayload) error {
	env, err := queue.NewEnvelope(queue.JobMemoGenerate, tenantID, queue.MemoGeneratePayload{
		RunID:   runID,
		DealID:  deal.ID,
		Company: deal.Company.String,
		Founder: deal.Founder.String,
		Context: s.meetingNotesText(ctx, deal),
	})
	if err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, env); err != nil {
		return fmt.Errorf("enqueue memo generate: %w", err)
	}
	return s.createSubtasks(ctx, p.TaskGID, icReviewSubtasks)
}

// stageTerminal closes the deal out: cancellation was already requested
// above, so this re-issues it for runs opened since, writes the terminal
// note and completes the task.
func (s *Service) stageTerminal(ctx context.Context, deal *store.Deal, p queue.StageActionPayload) error {
	if _, err := s.store.RequestCancelRunning(ctx, deal.ID); err != nil {
		log.Errorf(ctx, err, "stage action: terminal cancel")
	}
	if deal.DocRootID.Valid {
		note := fmt.Sprintf("Deal closed as %s. No further automated work will run.", p.StageKey)
		if err := s.docs.AppendBlocks(ctx, deal.DocRootID.String, []docs.Block{docs.Callout(note)}); err != nil {
			log.Errorf(ctx, err, "stage action: terminal note")
		}
	}
	if err := s.tasks.CompleteTask(ctx, p.TaskGID); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

func (s *Service) createSubtasks(ctx context.Context, parentGID string, names []string) error {
	for _, name := range names {
		if _, err := s.tasks.CreateSubtask(ctx, parentGID, name, ""); err != nil {
			return fmt.Errorf("create subtask %q: %w", name, err)
		}
	}
	return nil
}

// meetingNotesText reads the meeting-notes page as plain text. Best effort;
// research proceeds without context when the page is missing or unreadable.
func (s *Service) meetingNotesText(ctx context.Context, deal *store.Deal) string {
	pageID := deal.DocURLs["page_id:"+docs.PageMeetingNotes]
	if pageID == "" {
		return ""
	}
	text, err := docs.PageText(ctx, s.docs, pageID)
	if err != nil {
		log.Errorf(ctx, err, "stage action: read meeting notes")
		return ""
	}
	return text
}

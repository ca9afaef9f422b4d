package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/meridianvc/dealflow/internal/queue"
	"github.com/meridianvc/dealflow/internal/store"
)

// handleTasksProcess collapses raw task-edit events into stage transitions.
// The provider fires on every edit; only an observed change of section in
// the pipeline project produces a STAGE_ACTION job.
func (s *Service) handleTasksProcess(ctx context.Context, env queue.Envelope) error {
	var p queue.TasksProcessPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.TaskGID == "" || p.ProjectGID == "" {
		return skip("tasks process: missing task or project gid")
	}

	task, err := s.tasks.GetTask(ctx, p.TaskGID)
	if err != nil {
		return fmt.Errorf("get task %s: %w", p.TaskGID, err)
	}
	var sectionGID string
	for _, m := range task.Memberships {
		if m.Project.GID == p.ProjectGID {
			sectionGID = m.Section.GID
			break
		}
	}
	if sectionGID == "" {
		// Task left the pipeline project, or a membership-free event.
		return nil
	}
	modifiedAt := task.ModifiedAt
	if modifiedAt.IsZero() {
		modifiedAt = time.Now().UTC()
	}

	prev, err := s.store.UpsertObservedSection(ctx, env.TenantID, p.TaskGID, p.ProjectGID, sectionGID, modifiedAt)
	if err != nil {
		return err
	}
	if !prev.HasPrevious || prev.PreviousSectionGID == sectionGID {
		return nil
	}

	stage, ok, err := s.store.ResolveStage(ctx, env.TenantID, sectionGID)
	if err != nil {
		return err
	}
	if !ok {
		// Moved into an unmapped section; nothing to trigger.
		return nil
	}
	previousStage := ""
	if prevStage, prevOK, err := s.store.ResolveStage(ctx, env.TenantID, prev.PreviousSectionGID); err != nil {
		return err
	} else if prevOK {
		previousStage = prevStage
	}

	follow, err := queue.NewEnvelope(queue.JobStageAction, env.TenantID, queue.StageActionPayload{
		TaskGID:       p.TaskGID,
		SectionGID:    sectionGID,
		StageKey:      stage,
		ModifiedAt:    modifiedAt.UTC().Format(time.RFC3339),
		PreviousStage: previousStage,
	})
	if err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, follow); err != nil {
		return fmt.Errorf("enqueue stage action: %w", err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "stage transition detected"},
		log.KV{K: "task_gid", V: p.TaskGID},
		log.KV{K: "stage", V: stage},
		log.KV{K: "previous_stage", V: previousStage})

	if err := s.store.SetLastTriggeredStage(ctx, env.TenantID, p.TaskGID, p.ProjectGID, stage); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Errorf(ctx, err, "tasks process: record triggered stage")
		}
	}
	return nil
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"goa.design/clue/log"

	"github.com/meridianvc/dealflow/internal/docs"
	"github.com/meridianvc/dealflow/internal/store"
	"github.com/meridianvc/dealflow/internal/taskmgr"
)

// Integration config keys read when materializing a deal.
const (
	docsParentPageKey = "parent_page_id"
	projectGIDKey     = "project_gid"
)

// materializeDeal creates the external objects for a freshly detected deal:
// the document workspace, then the pipeline task. Both are best effort and
// the task proceeds even when the workspace failed; the task is the surface
// users watch.
func (s *Service) materializeDeal(ctx context.Context, tenantID string, deal *store.Deal) error {
	company := deal.Company.String
	founder := deal.Founder.String
	ctx = log.With(ctx, log.KV{K: "deal_id", V: deal.ID}, log.KV{K: "company", V: company})

	var rootURL string
	ws, err := s.createWorkspace(ctx, tenantID, deal, company, founder)
	if err != nil {
		log.Errorf(ctx, err, "materialize deal: workspace")
	} else if ws != nil {
		rootURL = ws.RootURL
	}

	if err := s.createPipelineTask(ctx, tenantID, deal, company, founder, rootURL); err != nil {
		log.Errorf(ctx, err, "materialize deal: pipeline task")
		return err
	}
	return nil
}

func (s *Service) createWorkspace(ctx context.Context, tenantID string, deal *store.Deal, company, founder string) (*docs.Workspace, error) {
	integ, err := s.store.Integration(ctx, tenantID, store.IntegrationDocs)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.New("docs integration not configured")
		}
		return nil, err
	}
	parentID := integ.Config[docsParentPageKey]
	if parentID == "" {
		return nil, errors.New("docs parent page not configured")
	}
	ws, err := docs.CreateDealWorkspace(ctx, s.docs, parentID, company, founder)
	if err != nil {
		return nil, err
	}
	urls := store.JSONMap(ws.URLs())
	for k, v := range ws.PageIDs {
		urls["page_id:"+k] = v
	}
	if err := s.store.SetDealDocs(ctx, deal.ID, ws.RootID, urls); err != nil {
		return ws, err
	}
	return ws, nil
}

func (s *Service) createPipelineTask(ctx context.Context, tenantID string, deal *store.Deal, company, founder, rootURL string) error {
	integ, err := s.store.Integration(ctx, tenantID, store.IntegrationTasks)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.New("tasks integration not configured")
		}
		return err
	}
	projectGID := integ.Config[projectGIDKey]
	if projectGID == "" {
		return errors.New("pipeline project not configured")
	}
	sectionGID, err := s.store.SectionForStage(ctx, tenantID, projectGID, store.StageFirstMeeting)
	if err != nil {
		return fmt.Errorf("first-meeting section: %w", err)
	}

	name := company
	if founder != "" {
		name = company + " — " + founder
	}
	var notes strings.Builder
	fmt.Fprintf(&notes, "Deal: %s\n", company)
	if founder != "" {
		fmt.Fprintf(&notes, "Founder: %s\n", founder)
	}
	if deal.MeetingAt.Valid {
		fmt.Fprintf(&notes, "First meeting: %s\n", deal.MeetingAt.Time.UTC().Format("2006-01-02 15:04 UTC"))
	}
	if rootURL != "" {
		fmt.Fprintf(&notes, "Workspace: %s\n", rootURL)
	}

	task, err := s.tasks.CreateTask(ctx, taskmgr.CreateTaskRequest{
		Name:       name,
		Notes:      notes.String(),
		ProjectGID: projectGID,
		SectionGID: sectionGID,
	})
	if err != nil {
		return err
	}
	return s.store.SetDealTaskRecord(ctx, deal.ID, task.GID)
}

package admin

import (
	"encoding/json"
	"fmt"
	"net/http"

	"goa.design/clue/log"

	"github.com/meridianvc/dealflow/internal/httpapi"
	"github.com/meridianvc/dealflow/internal/store"
)

type sectionMapping struct {
	SectionGID string `json:"sectionGid"`
	StageKey   string `json:"stageKey"`
	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled"`
}

type sectionsMapRequest struct {
	ProjectGID string           `json:"projectGid"`
	TenantID   string           `json:"tenantId"`
	Mappings   []sectionMapping `json:"mappings"`
}

// handleSectionsMap installs the section-to-stage mappings that drive stage
// detection. Task-manager events only resolve to a stage through these rows,
// so an operator calls this once per pipeline project and again whenever the
// board layout changes. The whole batch is validated before any row is
// written.
func (s *Service) handleSectionsMap(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req sectionsMapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.RespondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = s.tenantID
	}
	if req.ProjectGID == "" {
		httpapi.RespondError(w, http.StatusBadRequest, "projectGid is required")
		return
	}
	if len(req.Mappings) == 0 {
		httpapi.RespondError(w, http.StatusBadRequest, "mappings is required")
		return
	}
	for _, m := range req.Mappings {
		if m.SectionGID == "" {
			httpapi.RespondError(w, http.StatusBadRequest, "sectionGid is required")
			return
		}
		if !store.ValidStageKey(m.StageKey) {
			httpapi.RespondError(w, http.StatusBadRequest,
				fmt.Sprintf("unknown stage key %q", m.StageKey))
			return
		}
	}
	for _, m := range req.Mappings {
		enabled := true
		if m.Enabled != nil {
			enabled = *m.Enabled
		}
		err := s.store.UpsertSection(ctx, store.PipelineSection{
			TenantID:   tenantID,
			ProjectGID: req.ProjectGID,
			SectionGID: m.SectionGID,
			StageKey:   m.StageKey,
			Enabled:    enabled,
		})
		if err != nil {
			log.Errorf(ctx, err, "sections map: upsert %s", m.SectionGID)
			httpapi.RespondError(w, http.StatusInternalServerError, "persist mapping failed")
			return
		}
	}
	log.Print(ctx, log.KV{K: "msg", V: "section mappings installed"},
		log.KV{K: "project_gid", V: req.ProjectGID},
		log.KV{K: "mappings", V: len(req.Mappings)})
	httpapi.RespondJSON(w, http.StatusOK, map[string]int{"mapped": len(req.Mappings)})
}

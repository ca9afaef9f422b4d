package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"goa.design/clue/log"

	"github.com/meridianvc/dealflow/internal/httpapi"
	"github.com/meridianvc/dealflow/internal/store"
)

// Housekeeping retention windows.
const (
	idempotencyRetention = 7 * 24 * time.Hour
	retiredChannelTTL    = 24 * time.Hour
)

type webhookCreateRequest struct {
	ProjectGID string `json:"projectGid"`
	TenantID   string `json:"tenantId"`
}

// handleWebhookCreate registers the task-manager webhook delivering to the
// public ingress. The provider immediately performs the handshake against
// ingress, which persists the shared secret; the webhook gid recorded here
// feeds event idempotency keys.
func (s *Service) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req webhookCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.RespondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = s.tenantID
	}
	projectGID := req.ProjectGID
	if projectGID == "" {
		integ, err := s.store.Integration(ctx, tenantID, store.IntegrationTasks)
		if err == nil {
			projectGID = integ.Config["project_gid"]
		}
	}
	if projectGID == "" {
		httpapi.RespondError(w, http.StatusBadRequest, "projectGid is required")
		return
	}
	hook, err := s.tasks.CreateWebhook(ctx, projectGID, s.ingressBaseURL+"/webhooks/tasks")
	if err != nil {
		log.Errorf(ctx, err, "webhook create: provider call")
		httpapi.RespondError(w, http.StatusBadGateway, "provider webhook create failed")
		return
	}
	err = s.store.UpsertIntegration(ctx, tenantID, store.IntegrationTasks, store.JSONMap{
		"webhook_gid": hook.GID,
		"project_gid": projectGID,
	})
	if err != nil {
		log.Errorf(ctx, err, "webhook create: persist gid")
		httpapi.RespondError(w, http.StatusInternalServerError, "persist webhook failed")
		return
	}
	httpapi.RespondJSON(w, http.StatusOK, map[string]string{"webhookGid": hook.GID})
}

type webhookDeleteRequest struct {
	WebhookGID string `json:"webhookGid"`
	TenantID   string `json:"tenantId"`
}

// handleWebhookDelete deregisters the task-manager webhook.
func (s *Service) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req webhookDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.RespondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = s.tenantID
	}
	gid := req.WebhookGID
	if gid == "" {
		integ, err := s.store.Integration(ctx, tenantID, store.IntegrationTasks)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httpapi.RespondError(w, http.StatusNotFound, "no webhook registered")
				return
			}
			log.Errorf(ctx, err, "webhook delete: load integration")
			httpapi.RespondError(w, http.StatusInternalServerError, "load integration failed")
			return
		}
		gid = integ.Config["webhook_gid"]
	}
	if gid == "" {
		httpapi.RespondError(w, http.StatusNotFound, "no webhook registered")
		return
	}
	if err := s.tasks.DeleteWebhook(ctx, gid); err != nil {
		log.Errorf(ctx, err, "webhook delete: provider call")
		httpapi.RespondError(w, http.StatusBadGateway, "provider webhook delete failed")
		return
	}
	err := s.store.UpsertIntegration(ctx, tenantID, store.IntegrationTasks, store.JSONMap{
		"webhook_gid": "",
	})
	if err != nil {
		log.Errorf(ctx, err, "webhook delete: clear gid")
	}
	httpapi.RespondJSON(w, http.StatusOK, map[string]string{"webhookGid": gid, "status": "deleted"})
}

// handleHousekeeping expires idempotency keys past the retention window
// and removes long-retired channel rows.
func (s *Service) handleHousekeeping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keys, err := s.store.DeleteExpiredKeys(ctx, idempotencyRetention)
	if err != nil {
		log.Errorf(ctx, err, "housekeeping: expire idempotency keys")
		httpapi.RespondError(w, http.StatusInternalServerError, "expire keys failed")
		return
	}
	channels, err := s.store.DeleteRetiredChannels(ctx, retiredChannelTTL)
	if err != nil {
		log.Errorf(ctx, err, "housekeeping: delete retired channels")
		httpapi.RespondError(w, http.StatusInternalServerError, "delete channels failed")
		return
	}
	log.Print(ctx, log.KV{K: "msg", V: "housekeeping done"},
		log.KV{K: "idempotency_keys_deleted", V: keys},
		log.KV{K: "channels_deleted", V: channels})
	httpapi.RespondJSON(w, http.StatusOK, map[string]int64{
		"idempotencyKeysDeleted": keys,
		"channelsDeleted":        channels,
	})
}

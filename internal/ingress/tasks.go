package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"goa.design/clue/log"

	"github.com/meridianvc/dealflow/internal/httpapi"
	"github.com/meridianvc/dealflow/internal/metrics"
	"github.com/meridianvc/dealflow/internal/queue"
	"github.com/meridianvc/dealflow/internal/store"
)

// Task-manager webhook headers. Registration is two-phase: the handshake
// request carries the shared secret, subsequent events carry an HMAC-SHA256
// signature of the raw body computed with that secret.
const (
	headerHookSecret    = "X-Hook-Secret"
	headerHookSignature = "X-Hook-Signature"

	// webhookSecretKey is the integration config key holding the secret.
	webhookSecretKey = "webhook_secret"
	// webhookGIDKey is the integration config key holding the webhook gid,
	// recorded at registration time and used in event idempotency keys.
	webhookGIDKey = "webhook_gid"
)

type taskEvent struct {
	Action    string `json:"action"`
	CreatedAt string `json:"created_at"`
	Resource  struct {
		GID          string `json:"gid"`
		ResourceType string `json:"resource_type"`
	} `json:"resource"`
	Parent *struct {
		GID          string `json:"gid"`
		ResourceType string `json:"resource_type"`
	} `json:"parent"`
}

// handleTasksWebhook processes either the registration handshake or a
// signed event batch. Internal errors after signature verification answer
// 200 to keep the webhook active; the queue and idempotency layers absorb
// the loss.
func (s *Service) handleTasksWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if secret := r.Header.Get(headerHookSecret); secret != "" {
		// Handshake: persist the secret and echo it back.
		err := s.store.UpsertIntegration(ctx, s.tenantID, store.IntegrationTasks,
			store.JSONMap{webhookSecretKey: secret})
		if err != nil {
			log.Errorf(ctx, err, "tasks handshake: persist secret")
			httpapi.RespondError(w, http.StatusInternalServerError, "handshake failed")
			return
		}
		metrics.WebhookRequests.WithLabelValues("tasks", "enqueued").Inc()
		w.Header().Set(headerHookSecret, secret)
		w.WriteHeader(http.StatusOK)
		return
	}

	signature := r.Header.Get(headerHookSignature)
	if signature == "" {
		metrics.WebhookRequests.WithLabelValues("tasks", "rejected").Inc()
		httpapi.RespondError(w, http.StatusUnauthorized, "missing signature")
		return
	}

	// The signature covers the raw bytes; read before parsing.
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpapi.RespondError(w, http.StatusBadRequest, "read body")
		return
	}

	integ, err := s.store.Integration(ctx, s.tenantID, store.IntegrationTasks)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Errorf(ctx, err, "tasks webhook: load integration")
		}
		metrics.WebhookRequests.WithLabelValues("tasks", "rejected").Inc()
		httpapi.RespondError(w, http.StatusUnauthorized, "no webhook secret")
		return
	}
	secret := integ.Config[webhookSecretKey]
	if secret == "" || !verifySignature(secret, body, signature) {
		metrics.WebhookRequests.WithLabelValues("tasks", "rejected").Inc()
		httpapi.RespondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var batch struct {
		Events []taskEvent `json:"events"`
	}
	if err := json.Unmarshal(body, &batch); err != nil {
		log.Errorf(ctx, err, "tasks webhook: parse body")
		w.WriteHeader(http.StatusOK)
		return
	}
	if len(batch.Events) == 0 {
		// Heartbeat.
		w.WriteHeader(http.StatusOK)
		return
	}

	webhookGID := integ.Config[webhookGIDKey]
	if webhookGID == "" {
		webhookGID = "unknown"
	}
	projectGID := integ.Config["project_gid"]
	for _, ev := range batch.Events {
		if ev.Resource.ResourceType != "task" {
			continue
		}
		project := projectGID
		if ev.Parent != nil && ev.Parent.ResourceType == "project" {
			project = ev.Parent.GID
		}
		key := fmt.Sprintf("tasks_evt:%s:%s:%s:%s", webhookGID, ev.CreatedAt, ev.Resource.GID, ev.Action)
		claimed, err := s.store.Claim(ctx, s.tenantID, key)
		if err != nil {
			log.Errorf(ctx, err, "tasks webhook: claim %s", key)
			continue
		}
		if !claimed {
			metrics.WebhookRequests.WithLabelValues("tasks", "duplicate").Inc()
			continue
		}
		env, err := queue.NewEnvelope(queue.JobTasksProcess, s.tenantID, queue.TasksProcessPayload{
			TaskGID:    ev.Resource.GID,
			ProjectGID: project,
			Action:     ev.Action,
		})
		if err == nil {
			_, err = s.queue.Enqueue(ctx, env)
		}
		if err != nil {
			log.Errorf(ctx, err, "tasks webhook: enqueue %s", ev.Resource.GID)
			continue
		}
		metrics.WebhookRequests.WithLabelValues("tasks", "enqueued").Inc()
	}
	w.WriteHeader(http.StatusOK)
}

// verifySignature checks the hex HMAC-SHA256 of body in constant time.
func verifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

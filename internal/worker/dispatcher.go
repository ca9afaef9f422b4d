package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"goa.design/clue/log"

	"github.com/meridianvc/dealflow/internal/httpapi"
	"github.com/meridianvc/dealflow/internal/metrics"
	"github.com/meridianvc/dealflow/internal/queue"
)

// skipError marks a permanent condition: the job is acknowledged without
// retry. Handlers return it for malformed payloads and for references that
// will never resolve.
type skipError struct{ reason string }

func (e skipError) Error() string { return e.reason }

func skip(format string, args ...any) error {
	return skipError{reason: fmt.Sprintf(format, args...)}
}

// handleDispatch decodes the envelope and routes it to the handler for its
// job type. Status mapping drives queue semantics: 2xx acks, 4xx acks
// without retry, 5xx leaves the job for redelivery.
func (s *Service) handleDispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var env queue.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		metrics.JobsProcessed.WithLabelValues("unknown", "rejected").Inc()
		httpapi.RespondError(w, http.StatusBadRequest, "invalid envelope")
		return
	}
	if err := env.Validate(); err != nil {
		metrics.JobsProcessed.WithLabelValues(string(env.JobType), "rejected").Inc()
		httpapi.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx = log.With(ctx, log.KV{K: "job_type", V: string(env.JobType)},
		log.KV{K: "tenant_id", V: env.TenantID})

	start := time.Now()
	err := s.route(ctx, env)
	metrics.JobDuration.WithLabelValues(string(env.JobType)).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.JobsProcessed.WithLabelValues(string(env.JobType), "ok").Inc()
		httpapi.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case isSkip(err):
		log.Warn(ctx, log.KV{K: "msg", V: "job skipped"}, log.KV{K: "reason", V: err.Error()})
		metrics.JobsProcessed.WithLabelValues(string(env.JobType), "rejected").Inc()
		httpapi.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Errorf(ctx, err, "job failed")
		metrics.JobsProcessed.WithLabelValues(string(env.JobType), "error").Inc()
		httpapi.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}

func isSkip(err error) bool {
	var se skipError
	return errors.As(err, &se)
}

// route matches the closed job type set exhaustively. Envelope validation
// has already rejected unknown types.
func (s *Service) route(ctx context.Context, env queue.Envelope) error {
	switch env.JobType {
	case queue.JobCalendarSync:
		return s.handleCalendarSync(ctx, env)
	case queue.JobTasksProcess:
		return s.handleTasksProcess(ctx, env)
	case queue.JobStageAction:
		return s.handleStageAction(ctx, env)
	case queue.JobResearchBatch:
		return s.handleResearchBatch(ctx, env)
	case queue.JobResearchAgent:
		return s.handleResearchAgent(ctx, env)
	case queue.JobMemoGenerate:
		return s.handleMemoGenerate(ctx, env)
	}
	return skip("unknown job type %q", env.JobType)
}

func decodePayload(env queue.Envelope, v any) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return skip("decode %s payload: %v", env.JobType, err)
	}
	return nil
}

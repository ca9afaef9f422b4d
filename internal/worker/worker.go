// Package worker implements the job handlers behind the private dispatch
// endpoint. The queue delivers each envelope as an HTTP POST; the response
// status drives queue semantics, so handlers distinguish permanent
// rejections (4xx, acked and dropped) from transient failures (5xx,
// redelivered).
package worker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/meridianvc/dealflow/internal/calendar"
	"github.com/meridianvc/dealflow/internal/docs"
	"github.com/meridianvc/dealflow/internal/httpapi"
	"github.com/meridianvc/dealflow/internal/llm"
	"github.com/meridianvc/dealflow/internal/metrics"
	"github.com/meridianvc/dealflow/internal/queue"
	"github.com/meridianvc/dealflow/internal/store"
	"github.com/meridianvc/dealflow/internal/taskmgr"
)

// Store is the subset of the relational layer the handlers depend on.
type Store interface {
	ChannelByChannelID(ctx context.Context, tenantID, channelID string) (*store.PushChannel, error)
	UpdateActiveSyncToken(ctx context.Context, tenantID, calendarID, token string) error

	UpsertDeal(ctx context.Context, up store.DealUpsert) (*store.Deal, error)
	DealByID(ctx context.Context, id string) (*store.Deal, error)
	DealByTaskGID(ctx context.Context, tenantID, taskGID string) (*store.Deal, error)
	SetDealTaskRecord(ctx context.Context, dealID, taskGID string) error
	SetDealDocs(ctx context.Context, dealID, rootID string, urls store.JSONMap) error
	SetDealStage(ctx context.Context, dealID, stage string) error

	UpsertObservedSection(ctx context.Context, tenantID, taskGID, projectGID, sectionGID string, modifiedAt time.Time) (store.ObservedSection, error)
	SetLastTriggeredStage(ctx context.Context, tenantID, taskGID, projectGID, stage string) error
	ResolveStage(ctx context.Context, tenantID, sectionGID string) (string, bool, error)
	SectionForStage(ctx context.Context, tenantID, projectGID, stageKey string) (string, error)

	Claim(ctx context.Context, tenantID, key string) (bool, error)
	Integration(ctx context.Context, tenantID, kind string) (*store.Integration, error)

	OpenRun(ctx context.Context, tenantID, dealID, stage, previousStage string) (string, error)
	CloseRun(ctx context.Context, runID, status string, meta store.JSONMap) (bool, error)
	RequestCancelRunning(ctx context.Context, dealID string) (int64, error)
	CancelRequested(ctx context.Context, runID string) (bool, error)
}

// AuthFunc authenticates a dispatch request. A nil AuthFunc disables
// verification (local development).
type AuthFunc func(r *http.Request) error

// Service implements the worker handlers.
type Service struct {
	store    Store
	queue    queue.Queue
	calendar calendar.Client
	tasks    taskmgr.Client
	docs     docs.Client
	renderer docs.Renderer
	llm      llm.Client
	auth     AuthFunc
}

// Options configures the worker service.
type Options struct {
	// Store is the relational layer. Required.
	Store Store
	// Queue enqueues follow-up jobs. Required.
	Queue queue.Queue
	// Calendar is the calendar provider client. Required.
	Calendar calendar.Client
	// Tasks is the task-manager provider client. Required.
	Tasks taskmgr.Client
	// Docs is the document provider client. Required.
	Docs docs.Client
	// Renderer translates model markdown into document blocks. Defaults to
	// the built-in markdown renderer.
	Renderer docs.Renderer
	// LLM is the model provider client. Required.
	LLM llm.Client
	// Auth verifies dispatch requests. Optional; nil disables verification.
	Auth AuthFunc
}

// New builds the worker service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Calendar == nil {
		return nil, errors.New("calendar client is required")
	}
	if opts.Tasks == nil {
		return nil, errors.New("tasks client is required")
	}
	if opts.Docs == nil {
		return nil, errors.New("docs client is required")
	}
	if opts.LLM == nil {
		return nil, errors.New("llm client is required")
	}
	r := opts.Renderer
	if r == nil {
		r = docs.MarkdownRenderer{}
	}
	return &Service{
		store:    opts.Store,
		queue:    opts.Queue,
		calendar: opts.Calendar,
		tasks:    opts.Tasks,
		docs:     opts.Docs,
		renderer: r,
		llm:      opts.LLM,
		auth:     opts.Auth,
	}, nil
}

// Handler mounts the dispatch route.
func (s *Service) Handler(ctx context.Context, checks ...health.Pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(log.HTTP(ctx))
	r.With(s.verify).Post("/tasks/dispatch", s.handleDispatch)
	r.Method(http.MethodGet, "/health", health.Handler(health.NewChecker(checks...)))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

// verify rejects dispatch requests that fail authentication.
func (s *Service) verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth != nil {
			if err := s.auth(r); err != nil {
				log.Warn(r.Context(), log.KV{K: "msg", V: "dispatch auth rejected"},
					log.KV{K: "err", V: err.Error()})
				httpapi.RespondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// BearerAuth builds an AuthFunc that requires a bearer token and, when
// expectEmail is set, an OIDC identity asserting that service account. The
// verifier decodes and validates the token; it is injected so tests and
// deployments can choose the validation depth.
func BearerAuth(expectEmail string, verify func(ctx context.Context, token string) (email string, err error)) AuthFunc {
	return func(r *http.Request) error {
		raw := r.Header.Get("Authorization")
		if !strings.HasPrefix(raw, "Bearer ") {
			return errors.New("missing bearer token")
		}
		token := strings.TrimPrefix(raw, "Bearer ")
		if verify == nil {
			return nil
		}
		email, err := verify(r.Context(), token)
		if err != nil {
			return err
		}
		if expectEmail != "" && email != expectEmail {
			return errors.New("unexpected invoker identity")
		}
		return nil
	}
}

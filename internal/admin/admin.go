// Package admin implements the private lifecycle API: calendar push
// channel management, task-manager webhook registration and scheduled
// housekeeping. Push channels have a finite lifetime and never auto-renew;
// an external scheduler calls the replace endpoint well before expiry.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/meridianvc/dealflow/internal/calendar"
	"github.com/meridianvc/dealflow/internal/metrics"
	"github.com/meridianvc/dealflow/internal/store"
	"github.com/meridianvc/dealflow/internal/taskmgr"
)

// Store is the subset of the relational layer admin depends on.
type Store interface {
	InsertChannel(ctx context.Context, ch *store.PushChannel) error
	ActiveChannel(ctx context.Context, tenantID, calendarID string) (*store.PushChannel, error)
	ChannelByChannelID(ctx context.Context, tenantID, channelID string) (*store.PushChannel, error)
	SwapActiveChannel(ctx context.Context, oldID string, newCh *store.PushChannel) error
	MarkChannelStopped(ctx context.Context, id string) error
	UpdateActiveSyncToken(ctx context.Context, tenantID, calendarID, token string) error
	UpsertIntegration(ctx context.Context, tenantID, kind string, config store.JSONMap) error
	Integration(ctx context.Context, tenantID, kind string) (*store.Integration, error)
	UpsertSection(ctx context.Context, sec store.PipelineSection) error
	DeleteExpiredKeys(ctx context.Context, olderThan time.Duration) (int64, error)
	DeleteRetiredChannels(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Service implements the admin operations.
type Service struct {
	store    Store
	calendar calendar.Client
	tasks    taskmgr.Client
	tenantID string
	// ingressBaseURL is where provider notifications are delivered.
	ingressBaseURL string
}

// Options configures the admin service.
type Options struct {
	// Store is the relational layer. Required.
	Store Store
	// Calendar is the calendar provider client. Required.
	Calendar calendar.Client
	// Tasks is the task-manager provider client. Required.
	Tasks taskmgr.Client
	// TenantID is the default tenant. Required.
	TenantID string
	// IngressBaseURL is the public ingress base URL. Required.
	IngressBaseURL string
}

// New builds the admin service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Calendar == nil {
		return nil, errors.New("calendar client is required")
	}
	if opts.Tasks == nil {
		return nil, errors.New("tasks client is required")
	}
	if opts.TenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	if opts.IngressBaseURL == "" {
		return nil, errors.New("ingress base url is required")
	}
	return &Service{
		store:          opts.Store,
		calendar:       opts.Calendar,
		tasks:          opts.Tasks,
		tenantID:       opts.TenantID,
		ingressBaseURL: opts.IngressBaseURL,
	}, nil
}

// Handler mounts the admin routes.
func (s *Service) Handler(ctx context.Context, checks ...health.Pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(log.HTTP(ctx))
	r.Route("/admin", func(r chi.Router) {
		r.Post("/calendar/watch/start", s.handleWatchStart)
		r.Post("/calendar/watch/replace", s.handleWatchReplace)
		r.Post("/calendar/watch/stop", s.handleWatchStop)
		r.Post("/tasks/webhook/create", s.handleWebhookCreate)
		r.Post("/tasks/webhook/delete", s.handleWebhookDelete)
		r.Post("/sections/map", s.handleSectionsMap)
		r.Post("/housekeeping", s.handleHousekeeping)
	})
	r.Method(http.MethodGet, "/health", health.Handler(health.NewChecker(checks...)))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

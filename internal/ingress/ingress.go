// Package ingress implements the public webhook receiver. Both handlers
// answer inside the provider ack deadline and never let transient storage
// faults bubble up as retryable statuses: beyond the explicitly rejected
// admission and authentication failures, every path acknowledges with 200
// so the provider does not disable the subscription.
package ingress

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/meridianvc/dealflow/internal/queue"
	"github.com/meridianvc/dealflow/internal/store"
)

// Store is the subset of the relational layer ingress depends on.
type Store interface {
	ChannelByChannelID(ctx context.Context, tenantID, channelID string) (*store.PushChannel, error)
	Claim(ctx context.Context, tenantID, key string) (bool, error)
	Integration(ctx context.Context, tenantID, kind string) (*store.Integration, error)
	UpsertIntegration(ctx context.Context, tenantID, kind string, config store.JSONMap) error
}

// Service handles webhook ingestion.
type Service struct {
	store    Store
	queue    queue.Queue
	tenantID string
}

// Options configures the ingress service.
type Options struct {
	// Store is the relational layer. Required.
	Store Store
	// Queue enqueues jobs for the worker. Required.
	Queue queue.Queue
	// TenantID is the default tenant. Required.
	TenantID string
}

// New builds the ingress service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.TenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	return &Service{store: opts.Store, queue: opts.Queue, tenantID: opts.TenantID}, nil
}

// Handler mounts the webhook routes.
func (s *Service) Handler(ctx context.Context, checks ...health.Pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(log.HTTP(ctx))
	r.Post("/webhooks/calendar", s.handleCalendarWebhook)
	r.Post("/webhooks/tasks", s.handleTasksWebhook)
	r.Method(http.MethodGet, "/health", health.Handler(health.NewChecker(checks...)))
	return r
}

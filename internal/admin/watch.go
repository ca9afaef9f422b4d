package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/meridianvc/dealflow/internal/calendar"
	"github.com/meridianvc/dealflow/internal/httpapi"
	"github.com/meridianvc/dealflow/internal/store"
)

const (
	// defaultCalendarID is used when the request omits a calendar.
	defaultCalendarID = "primary"
	// fullSyncWindow bounds the initial and fallback full syncs.
	fullSyncWindow = 30 * 24 * time.Hour
	// syncPageSize is the page size used for full syncs.
	syncPageSize = 250
	// watchTTL is the channel lifetime requested from the provider.
	watchTTL = 7 * 24 * time.Hour
)

type watchRequest struct {
	CalendarID   string `json:"calendarId"`
	ChannelToken string `json:"channelToken"`
	TenantID     string `json:"tenantId"`
}

type channelResponse struct {
	ChannelID    string `json:"channelId"`
	ResourceID   string `json:"resourceId"`
	CalendarID   string `json:"calendarId"`
	ExpirationMS int64  `json:"expirationMs"`
	Status       string `json:"status"`
}

// handleWatchStart creates a fresh push channel and primes its sync token
// with a full sync so the first ping can run incrementally.
func (s *Service) handleWatchStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.RespondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	tenantID, calendarID := s.defaults(req.TenantID, req.CalendarID)

	channelID := uuid.NewString()
	ch, err := s.calendar.Watch(ctx, calendarID, calendar.WatchRequest{
		ChannelID: channelID,
		Address:   s.ingressBaseURL + "/webhooks/calendar",
		Token:     req.ChannelToken,
		TTL:       watchTTL,
	})
	if err != nil {
		log.Errorf(ctx, err, "watch start: provider watch")
		httpapi.RespondError(w, http.StatusBadGateway, "provider watch failed")
		return
	}
	row := &store.PushChannel{
		TenantID:     tenantID,
		CalendarID:   calendarID,
		ChannelID:    channelID,
		ResourceID:   store.NullString(ch.ResourceID),
		ChannelToken: store.NullString(req.ChannelToken),
		ExpirationMS: sql.NullInt64{Int64: ch.ExpirationMS, Valid: ch.ExpirationMS > 0},
	}
	if err := s.store.InsertChannel(ctx, row); err != nil {
		log.Errorf(ctx, err, "watch start: persist channel")
		httpapi.RespondError(w, http.StatusInternalServerError, "persist channel failed")
		return
	}

	// Full sync solely to obtain the initial sync token. Events are not
	// processed here; the first ping covers anything that changes after
	// this point.
	token, err := s.primeSyncToken(ctx, calendarID)
	if err != nil {
		log.Errorf(ctx, err, "watch start: prime sync token")
	} else if err := s.store.UpdateActiveSyncToken(ctx, tenantID, calendarID, token); err != nil {
		log.Errorf(ctx, err, "watch start: store sync token")
	}

	httpapi.RespondJSON(w, http.StatusOK, channelResponse{
		ChannelID:    channelID,
		ResourceID:   ch.ResourceID,
		CalendarID:   calendarID,
		ExpirationMS: ch.ExpirationMS,
		Status:       store.ChannelActive,
	})
}

// handleWatchReplace rotates the active channel before expiry. The
// provider watch for the successor is created first, then the sync token
// copy and the old row's retirement commit atomically, and only then is
// the old channel stopped with the provider. The stop is best effort: the
// old channel may already have expired.
func (s *Service) handleWatchReplace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.RespondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	tenantID, calendarID := s.defaults(req.TenantID, req.CalendarID)

	old, err := s.store.ActiveChannel(ctx, tenantID, calendarID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpapi.RespondError(w, http.StatusNotFound, "no active channel")
			return
		}
		log.Errorf(ctx, err, "watch replace: load active channel")
		httpapi.RespondError(w, http.StatusInternalServerError, "load channel failed")
		return
	}

	channelID := uuid.NewString()
	ch, err := s.calendar.Watch(ctx, calendarID, calendar.WatchRequest{
		ChannelID: channelID,
		Address:   s.ingressBaseURL + "/webhooks/calendar",
		Token:     old.ChannelToken.String,
		TTL:       watchTTL,
	})
	if err != nil {
		log.Errorf(ctx, err, "watch replace: provider watch")
		httpapi.RespondError(w, http.StatusBadGateway, "provider watch failed")
		return
	}
	replacement := &store.PushChannel{
		TenantID:     tenantID,
		CalendarID:   calendarID,
		ChannelID:    channelID,
		ResourceID:   store.NullString(ch.ResourceID),
		ChannelToken: old.ChannelToken,
		SyncToken:    old.SyncToken,
		ExpirationMS: sql.NullInt64{Int64: ch.ExpirationMS, Valid: ch.ExpirationMS > 0},
	}
	if err := s.store.SwapActiveChannel(ctx, old.ID, replacement); err != nil {
		log.Errorf(ctx, err, "watch replace: swap channels")
		httpapi.RespondError(w, http.StatusInternalServerError, "swap channels failed")
		return
	}
	if err := s.calendar.StopChannel(ctx, old.ChannelID, old.ResourceID.String); err != nil {
		// The old channel may already be expired provider-side.
		log.Warn(ctx, log.KV{K: "msg", V: "stop replaced channel failed"},
			log.KV{K: "channel_id", V: old.ChannelID},
			log.KV{K: "err", V: err.Error()})
	}

	httpapi.RespondJSON(w, http.StatusOK, map[string]string{
		"newChannelId": channelID,
		"oldChannelId": old.ChannelID,
	})
}

type stopRequest struct {
	ChannelID string `json:"channelId"`
	TenantID  string `json:"tenantId"`
}

// handleWatchStop stops a channel with the provider and retires its row.
func (s *Service) handleWatchStop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		httpapi.RespondError(w, http.StatusBadRequest, "channelId is required")
		return
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = s.tenantID
	}
	ch, err := s.store.ChannelByChannelID(ctx, tenantID, req.ChannelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpapi.RespondError(w, http.StatusNotFound, "unknown channel")
			return
		}
		log.Errorf(ctx, err, "watch stop: load channel")
		httpapi.RespondError(w, http.StatusInternalServerError, "load channel failed")
		return
	}
	if err := s.calendar.StopChannel(ctx, ch.ChannelID, ch.ResourceID.String); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "provider stop failed"},
			log.KV{K: "channel_id", V: ch.ChannelID},
			log.KV{K: "err", V: err.Error()})
	}
	if err := s.store.MarkChannelStopped(ctx, ch.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Errorf(ctx, err, "watch stop: mark stopped")
		httpapi.RespondError(w, http.StatusInternalServerError, "mark stopped failed")
		return
	}
	httpapi.RespondJSON(w, http.StatusOK, map[string]string{
		"channelId": ch.ChannelID,
		"status":    store.ChannelStopped,
	})
}

// primeSyncToken pages through a bounded full listing and returns the
// provider's next sync token.
func (s *Service) primeSyncToken(ctx context.Context, calendarID string) (string, error) {
	opts := calendar.ListOptions{
		UpdatedMin: time.Now().Add(-fullSyncWindow),
		PageSize:   syncPageSize,
	}
	for {
		page, err := s.calendar.ListEvents(ctx, calendarID, opts)
		if err != nil {
			return "", err
		}
		if page.NextPageToken == "" {
			if page.NextSyncToken == "" {
				return "", fmt.Errorf("provider returned no sync token for %s", calendarID)
			}
			return page.NextSyncToken, nil
		}
		opts.PageToken = page.NextPageToken
	}
}

func (s *Service) defaults(tenantID, calendarID string) (string, string) {
	if tenantID == "" {
		tenantID = s.tenantID
	}
	if calendarID == "" {
		calendarID = defaultCalendarID
	}
	return tenantID, calendarID
}

package ingress

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"goa.design/clue/log"

	"github.com/meridianvc/dealflow/internal/httpapi"
	"github.com/meridianvc/dealflow/internal/metrics"
	"github.com/meridianvc/dealflow/internal/queue"
	"github.com/meridianvc/dealflow/internal/store"
)

// Calendar push notifications deliver headers only, no body.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceID    = "X-Goog-Resource-ID"
	headerResourceState = "X-Goog-Resource-State"
	headerMessageNumber = "X-Goog-Message-Number"
	headerChannelToken  = "X-Goog-Channel-Token"
)

// handleCalendarWebhook admits a calendar push ping. The contract with the
// provider is asymmetric: only a malformed ping (missing channel or
// resource id) is rejected with 400; every other outcome, including
// storage faults, acknowledges with 200 so the provider keeps the channel
// alive. Replays are dropped by the idempotency claim on
// calendar_ping:{channel}:{message_number}.
func (s *Service) handleCalendarWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		channelID  = r.Header.Get(headerChannelID)
		resourceID = r.Header.Get(headerResourceID)
		state      = r.Header.Get(headerResourceState)
		messageNum = r.Header.Get(headerMessageNumber)
		token      = r.Header.Get(headerChannelToken)
	)
	if state == "sync" {
		// Initial handshake after watch creation; nothing to do.
		metrics.WebhookRequests.WithLabelValues("calendar", "dropped").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}
	if channelID == "" || resourceID == "" {
		metrics.WebhookRequests.WithLabelValues("calendar", "rejected").Inc()
		httpapi.RespondError(w, http.StatusBadRequest, "missing channel or resource id")
		return
	}

	ch, err := s.store.ChannelByChannelID(ctx, s.tenantID, channelID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Errorf(ctx, err, "calendar ping: load channel %s", channelID)
		}
		s.ackDrop(ctx, w, "calendar", "unknown channel", channelID)
		return
	}
	if ch.Status == store.ChannelStopped {
		s.ackDrop(ctx, w, "calendar", "stopped channel", channelID)
		return
	}
	if ch.ResourceID.Valid && ch.ResourceID.String != resourceID {
		s.ackDrop(ctx, w, "calendar", "resource id mismatch", channelID)
		return
	}
	if ch.ChannelToken.Valid && ch.ChannelToken.String != "" && ch.ChannelToken.String != token {
		s.ackDrop(ctx, w, "calendar", "channel token mismatch", channelID)
		return
	}

	key := fmt.Sprintf("calendar_ping:%s:%s", channelID, messageNum)
	claimed, err := s.store.Claim(ctx, s.tenantID, key)
	if err != nil {
		log.Errorf(ctx, err, "calendar ping: claim %s", key)
		s.ackDrop(ctx, w, "calendar", "claim failed", channelID)
		return
	}
	if !claimed {
		metrics.WebhookRequests.WithLabelValues("calendar", "duplicate").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	env, err := queue.NewEnvelope(queue.JobCalendarSync, ch.TenantID, queue.CalendarSyncPayload{
		CalendarID: ch.CalendarID,
		ChannelID:  ch.ChannelID,
	})
	if err == nil {
		_, err = s.queue.Enqueue(ctx, env)
	}
	if err != nil {
		// The claim is burned but the ping was not fully admitted; the
		// next provider ping for this resource will carry a new message
		// number and retrigger the sync.
		log.Errorf(ctx, err, "calendar ping: enqueue sync for %s", channelID)
		s.ackDrop(ctx, w, "calendar", "enqueue failed", channelID)
		return
	}
	metrics.WebhookRequests.WithLabelValues("calendar", "enqueued").Inc()
	w.WriteHeader(http.StatusOK)
}

func (s *Service) ackDrop(ctx context.Context, w http.ResponseWriter, source, reason, subject string) {
	metrics.WebhookRequests.WithLabelValues(source, "dropped").Inc()
	log.Print(ctx, log.KV{K: "msg", V: "webhook dropped"},
		log.KV{K: "source", V: source},
		log.KV{K: "reason", V: reason},
		log.KV{K: "subject", V: subject})
	w.WriteHeader(http.StatusOK)
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/meridianvc/dealflow/internal/calendar"
	"github.com/meridianvc/dealflow/internal/queue"
	"github.com/meridianvc/dealflow/internal/store"
)

const (
	// dealTag marks calendar events that describe a deal meeting.
	dealTag = "[deal]"
	// fullSyncWindow bounds full syncs when no usable sync token exists.
	fullSyncWindow = 30 * 24 * time.Hour
	// syncPageSize is the provider page size for all listings.
	syncPageSize = 250
)

// titleRe splits "Company — Founder" (em or plain dash) titles.
var titleRe = regexp.MustCompile(`^(.+?)\s*[—-]\s*(.+)$`)

// handleCalendarSync pulls changed events for the channel's calendar and
// upserts deals for tagged events. Per-event failures are logged and do not
// abort the batch; a failure before the sync token is persisted leaves the
// job for redelivery, which is safe because the deal upsert is keyed on the
// event and task creation is guarded by the stored task record.
func (s *Service) handleCalendarSync(ctx context.Context, env queue.Envelope) error {
	var p queue.CalendarSyncPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	ch, err := s.store.ChannelByChannelID(ctx, env.TenantID, p.ChannelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return skip("unknown channel %s", p.ChannelID)
		}
		return fmt.Errorf("load channel: %w", err)
	}
	calendarID := p.CalendarID
	if calendarID == "" {
		calendarID = ch.CalendarID
	}

	opts := calendar.ListOptions{PageSize: syncPageSize}
	if ch.SyncToken.Valid && ch.SyncToken.String != "" {
		opts.SyncToken = ch.SyncToken.String
	} else {
		opts.UpdatedMin = time.Now().Add(-fullSyncWindow)
	}

	var nextSyncToken string
	for {
		page, err := s.calendar.ListEvents(ctx, calendarID, opts)
		if errors.Is(err, calendar.ErrSyncTokenExpired) {
			// Token invalidated by the provider; restart as a bounded
			// full sync.
			log.Info(ctx, log.KV{K: "msg", V: "sync token expired, full sync"},
				log.KV{K: "calendar_id", V: calendarID})
			opts = calendar.ListOptions{
				UpdatedMin: time.Now().Add(-fullSyncWindow),
				PageSize:   syncPageSize,
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("list events: %w", err)
		}
		for _, ev := range page.Events {
			if err := s.processEvent(ctx, env.TenantID, calendarID, ev); err != nil {
				log.Errorf(ctx, err, "calendar sync: event %s", ev.ID)
			}
		}
		if page.NextPageToken == "" {
			nextSyncToken = page.NextSyncToken
			break
		}
		opts.PageToken = page.NextPageToken
	}

	if nextSyncToken != "" {
		// The triggering channel may have been replaced mid-flight; the
		// token always lands on whichever channel is active now.
		if err := s.store.UpdateActiveSyncToken(ctx, env.TenantID, calendarID, nextSyncToken); err != nil {
			return fmt.Errorf("persist sync token: %w", err)
		}
	}
	return nil
}

// processEvent filters, parses and upserts one calendar event.
func (s *Service) processEvent(ctx context.Context, tenantID, calendarID string, ev calendar.Event) error {
	if ev.Status == "cancelled" {
		return nil
	}
	if !isDealEvent(ev) {
		return nil
	}
	company, founder := parseDealEvent(ev)
	if company == "" {
		return nil
	}
	deal, err := s.store.UpsertDeal(ctx, store.DealUpsert{
		TenantID:   tenantID,
		CalendarID: calendarID,
		EventID:    ev.ID,
		Company:    store.NullString(company),
		Founder:    store.NullString(founder),
		MeetingAt:  store.NullTime(ev.Start.DateTime),
	})
	if err != nil {
		return err
	}
	if deal.TaskRecordGID.Valid {
		return nil
	}
	return s.materializeDeal(ctx, tenantID, deal)
}

// isDealEvent reports whether the event carries the deal tag in its title
// or description, case-insensitively.
func isDealEvent(ev calendar.Event) bool {
	return strings.Contains(strings.ToLower(ev.Summary), dealTag) ||
		strings.Contains(strings.ToLower(ev.Description), dealTag)
}

// parseDealEvent extracts company and founder. The title is authoritative:
// a dashed title yields both; otherwise the whole title (tag stripped) is
// the company and the first non-self attendee, if any, names the founder.
func parseDealEvent(ev calendar.Event) (company, founder string) {
	title := stripDealTag(ev.Summary)
	if m := titleRe.FindStringSubmatch(title); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	}
	company = title
	for _, a := range ev.Attendees {
		if a.Self {
			continue
		}
		if a.DisplayName != "" {
			return company, a.DisplayName
		}
		if a.Email != "" {
			return company, a.Email
		}
	}
	return company, ""
}

// stripDealTag removes every case-insensitive occurrence of the tag.
func stripDealTag(s string) string {
	for {
		idx := strings.Index(strings.ToLower(s), dealTag)
		if idx < 0 {
			return strings.TrimSpace(s)
		}
		s = s[:idx] + s[idx+len(dealTag):]
	}
}

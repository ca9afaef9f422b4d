package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// InsertChannel persists a freshly created push channel in the active state.
// The partial unique index on (tenant_id, calendar_id) rejects a second
// active row, which keeps the at-most-one-active invariant under concurrent
// starts.
func (s *Store) InsertChannel(ctx context.Context, ch *PushChannel) error {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.Status == "" {
		ch.Status = ChannelActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_channels
			(id, tenant_id, calendar_id, channel_id, resource_id, channel_token,
			 sync_token, expiration_ms, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ch.ID, ch.TenantID, ch.CalendarID, ch.ChannelID, ch.ResourceID,
		ch.ChannelToken, ch.SyncToken, ch.ExpirationMS, ch.Status)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

// ChannelByChannelID loads a channel row by its provider channel id,
// regardless of status.
func (s *Store) ChannelByChannelID(ctx context.Context, tenantID, channelID string) (*PushChannel, error) {
	var ch PushChannel
	err := s.db.GetContext(ctx, &ch, `
		SELECT * FROM push_channels
		WHERE tenant_id = $1 AND channel_id = $2
		ORDER BY created_at DESC LIMIT 1`, tenantID, channelID)
	if err != nil {
		return nil, notFound(err)
	}
	return &ch, nil
}

// ActiveChannel returns the single active channel for the calendar.
func (s *Store) ActiveChannel(ctx context.Context, tenantID, calendarID string) (*PushChannel, error) {
	var ch PushChannel
	err := s.db.GetContext(ctx, &ch, `
		SELECT * FROM push_channels
		WHERE tenant_id = $1 AND calendar_id = $2 AND status = 'active'`,
		tenantID, calendarID)
	if err != nil {
		return nil, notFound(err)
	}
	return &ch, nil
}

// UpdateActiveSyncToken writes the sync token onto the currently active
// channel for the calendar. Last writer wins; concurrent syncs for the same
// calendar converge on the most recent token.
func (s *Store) UpdateActiveSyncToken(ctx context.Context, tenantID, calendarID, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE push_channels SET sync_token = $3, updated_at = now()
		WHERE tenant_id = $1 AND calendar_id = $2 AND status = 'active'`,
		tenantID, calendarID, token)
	if err != nil {
		return fmt.Errorf("update sync token: %w", err)
	}
	return nil
}

// MarkChannelReplaced retires a channel after its successor has been
// created. The transition is terminal.
func (s *Store) MarkChannelReplaced(ctx context.Context, id string) error {
	return s.setChannelStatus(ctx, id, ChannelReplaced)
}

// MarkChannelStopped records an explicit provider stop.
func (s *Store) MarkChannelStopped(ctx context.Context, id string) error {
	return s.setChannelStatus(ctx, id, ChannelStopped)
}

func (s *Store) setChannelStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE push_channels SET status = $2, updated_at = now()
		WHERE id = $1 AND status = 'active'`, id, status)
	if err != nil {
		return fmt.Errorf("set channel status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SwapActiveChannel atomically retires the old channel and installs the
// new one as active, in a single transaction so no reader ever observes
// zero or two active channels for the calendar. The new row carries the
// sync token copied from the old channel.
func (s *Store) SwapActiveChannel(ctx context.Context, oldID string, newCh *PushChannel) error {
	if newCh.ID == "" {
		newCh.ID = uuid.NewString()
	}
	if newCh.Status == "" {
		newCh.Status = ChannelActive
	}
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE push_channels SET status = 'replaced', updated_at = now()
			WHERE id = $1 AND status = 'active'`, oldID)
		if err != nil {
			return fmt.Errorf("retire channel: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO push_channels
				(id, tenant_id, calendar_id, channel_id, resource_id, channel_token,
				 sync_token, expiration_ms, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			newCh.ID, newCh.TenantID, newCh.CalendarID, newCh.ChannelID,
			newCh.ResourceID, newCh.ChannelToken, newCh.SyncToken,
			newCh.ExpirationMS, newCh.Status)
		if err != nil {
			return fmt.Errorf("install replacement channel: %w", err)
		}
		return nil
	})
}

// DeleteRetiredChannels removes replaced and stopped channels older than
// the cutoff. Returns the number of rows deleted.
func (s *Store) DeleteRetiredChannels(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM push_channels
		WHERE status IN ('replaced', 'stopped') AND updated_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("delete retired channels: %w", err)
	}
	return res.RowsAffected()
}

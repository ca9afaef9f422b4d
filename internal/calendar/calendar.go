// Package calendar implements the calendar provider client used for
// incremental event sync and push-channel management. The API shape follows
// the Google Calendar v3 REST surface; auth comes from an injected OAuth2
// token source so tests can run against a stub server.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// ErrSyncTokenExpired reports that the provider invalidated the sync token
// (HTTP 410) and the caller must fall back to a full sync.
var ErrSyncTokenExpired = errors.New("sync token expired")

type (
	// Event is one calendar event as returned by the provider.
	Event struct {
		ID          string     `json:"id"`
		Status      string     `json:"status"`
		Summary     string     `json:"summary"`
		Description string     `json:"description"`
		Start       EventTime  `json:"start"`
		Attendees   []Attendee `json:"attendees"`
	}

	// EventTime is the start/end time of an event.
	EventTime struct {
		DateTime time.Time `json:"dateTime"`
		Date     string    `json:"date"`
	}

	// Attendee is an event participant.
	Attendee struct {
		Email       string `json:"email"`
		DisplayName string `json:"displayName"`
		Self        bool   `json:"self"`
		Organizer   bool   `json:"organizer"`
	}

	// ListPage is one page of event results.
	ListPage struct {
		Events        []Event `json:"items"`
		NextPageToken string  `json:"nextPageToken"`
		NextSyncToken string  `json:"nextSyncToken"`
	}

	// ListOptions narrows an event listing. Exactly one of SyncToken or
	// UpdatedMin is normally set.
	ListOptions struct {
		SyncToken  string
		PageToken  string
		UpdatedMin time.Time
		PageSize   int
	}

	// WatchRequest asks the provider to open a push channel.
	WatchRequest struct {
		ChannelID string
		// Address is the webhook URL notifications are delivered to.
		Address string
		// Token is the opaque channel token echoed back on each ping.
		Token string
		// TTL requests a channel lifetime. Zero uses the provider default.
		TTL time.Duration
	}

	// Channel describes an open push channel.
	Channel struct {
		ID           string `json:"id"`
		ResourceID   string `json:"resourceId"`
		ExpirationMS int64  `json:"expiration,string"`
	}

	// Client is the calendar provider surface the core depends on.
	Client interface {
		// ListEvents returns one page of events. Returns
		// ErrSyncTokenExpired when the provider reports the token gone.
		ListEvents(ctx context.Context, calendarID string, opts ListOptions) (*ListPage, error)
		// Watch opens a push channel on the calendar.
		Watch(ctx context.Context, calendarID string, req WatchRequest) (*Channel, error)
		// StopChannel closes a push channel. Stopping an already expired
		// channel is a provider error the caller may swallow.
		StopChannel(ctx context.Context, channelID, resourceID string) error
	}
)

// HTTPClient implements Client against the REST API.
type HTTPClient struct {
	http    *http.Client
	baseURL string
}

// Options configures the HTTP client.
type Options struct {
	// TokenSource authenticates API calls. Required unless HTTPClient
	// already carries credentials.
	TokenSource oauth2.TokenSource
	// HTTPClient overrides the transport (primarily for tests).
	HTTPClient *http.Client
	// BaseURL overrides the API endpoint (primarily for tests).
	BaseURL string
}

// New builds the provider client.
func New(opts Options) (*HTTPClient, error) {
	hc := opts.HTTPClient
	if hc == nil {
		if opts.TokenSource == nil {
			return nil, errors.New("token source is required")
		}
		hc = oauth2.NewClient(context.Background(), opts.TokenSource)
		hc.Timeout = 30 * time.Second
	}
	base := opts.BaseURL
	if base == "" {
		base = "https://www.googleapis.com/calendar/v3"
	}
	return &HTTPClient{http: hc, baseURL: base}, nil
}

// ListEvents fetches one page of events for the calendar.
func (c *HTTPClient) ListEvents(ctx context.Context, calendarID string, opts ListOptions) (*ListPage, error) {
	q := url.Values{}
	q.Set("singleEvents", "true")
	if opts.SyncToken != "" {
		q.Set("syncToken", opts.SyncToken)
	} else if !opts.UpdatedMin.IsZero() {
		q.Set("updatedMin", opts.UpdatedMin.UTC().Format(time.RFC3339))
	}
	if opts.PageToken != "" {
		q.Set("pageToken", opts.PageToken)
	}
	if opts.PageSize > 0 {
		q.Set("maxResults", strconv.Itoa(opts.PageSize))
	}
	u := fmt.Sprintf("%s/calendars/%s/events?%s", c.baseURL, url.PathEscape(calendarID), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusGone {
		return nil, ErrSyncTokenExpired
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError("list events", resp)
	}
	var page ListPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode events page: %w", err)
	}
	return &page, nil
}

// Watch opens a push channel on the calendar.
func (c *HTTPClient) Watch(ctx context.Context, calendarID string, wr WatchRequest) (*Channel, error) {
	if wr.ChannelID == "" {
		return nil, errors.New("channel id is required")
	}
	if wr.Address == "" {
		return nil, errors.New("address is required")
	}
	body := map[string]any{
		"id":      wr.ChannelID,
		"type":    "web_hook",
		"address": wr.Address,
	}
	if wr.Token != "" {
		body["token"] = wr.Token
	}
	if wr.TTL > 0 {
		body["params"] = map[string]string{
			"ttl": strconv.FormatInt(int64(wr.TTL.Seconds()), 10),
		}
	}
	u := fmt.Sprintf("%s/calendars/%s/events/watch", c.baseURL, url.PathEscape(calendarID))
	resp, err := c.postJSON(ctx, u, body)
	if err != nil {
		return nil, fmt.Errorf("watch calendar: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError("watch calendar", resp)
	}
	var ch Channel
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		return nil, fmt.Errorf("decode channel: %w", err)
	}
	return &ch, nil
}

// StopChannel closes a push channel.
func (c *HTTPClient) StopChannel(ctx context.Context, channelID, resourceID string) error {
	body := map[string]any{"id": channelID, "resourceId": resourceID}
	resp, err := c.postJSON(ctx, c.baseURL+"/channels/stop", body)
	if err != nil {
		return fmt.Errorf("stop channel: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return apiError("stop channel", resp)
	}
	return nil
}

func (c *HTTPClient) postJSON(ctx context.Context, url string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func apiError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, msg)
}

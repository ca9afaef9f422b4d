package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"github.com/meridianvc/dealflow/internal/calendar"
	"github.com/meridianvc/dealflow/internal/store"
	"github.com/meridianvc/dealflow/internal/taskmgr"
)

// fakeAdminStore is an in-memory implementation of the admin Store surface.
type fakeAdminStore struct {
	mu sync.Mutex

	channels     []*store.PushChannel
	nextID       int
	syncTokens   map[string]string
	integrations map[string]*store.Integration
	swaps        []string
	sections     map[string]store.PipelineSection

	expiredKeys     int64
	retiredChannels int64
	failWith        error
}

func newAdminStore() *fakeAdminStore {
	return &fakeAdminStore{
		syncTokens:   make(map[string]string),
		integrations: make(map[string]*store.Integration),
		sections:     make(map[string]store.PipelineSection),
	}
}

func (f *fakeAdminStore) InsertChannel(_ context.Context, ch *store.PushChannel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.nextID++
	ch.ID = fmt.Sprintf("row-%d", f.nextID)
	if ch.Status == "" {
		ch.Status = store.ChannelActive
	}
	f.channels = append(f.channels, ch)
	return nil
}

func (f *fakeAdminStore) ActiveChannel(_ context.Context, tenantID, calendarID string) (*store.PushChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.channels {
		if ch.TenantID == tenantID && ch.CalendarID == calendarID && ch.Status == store.ChannelActive {
			return ch, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeAdminStore) ChannelByChannelID(_ context.Context, tenantID, channelID string) (*store.PushChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.channels {
		if ch.TenantID == tenantID && ch.ChannelID == channelID {
			return ch, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeAdminStore) SwapActiveChannel(_ context.Context, oldID string, newCh *store.PushChannel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.channels {
		if ch.ID == oldID {
			ch.Status = store.ChannelReplaced
		}
	}
	f.nextID++
	newCh.ID = fmt.Sprintf("row-%d", f.nextID)
	newCh.Status = store.ChannelActive
	f.channels = append(f.channels, newCh)
	f.swaps = append(f.swaps, oldID)
	return nil
}

func (f *fakeAdminStore) MarkChannelStopped(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.channels {
		if ch.ID == id {
			ch.Status = store.ChannelStopped
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeAdminStore) UpdateActiveSyncToken(_ context.Context, _, calendarID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncTokens[calendarID] = token
	return nil
}

func (f *fakeAdminStore) UpsertIntegration(_ context.Context, tenantID, kind string, config store.JSONMap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	integ, ok := f.integrations[kind]
	if !ok {
		integ = &store.Integration{TenantID: tenantID, Kind: kind, Config: store.JSONMap{}}
		f.integrations[kind] = integ
	}
	for k, v := range config {
		integ.Config[k] = v
	}
	return nil
}

func (f *fakeAdminStore) Integration(_ context.Context, _, kind string) (*store.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	integ, ok := f.integrations[kind]
	if !ok {
		return nil, store.ErrNotFound
	}
	return integ, nil
}

func (f *fakeAdminStore) UpsertSection(_ context.Context, sec store.PipelineSection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	key := sec.TenantID + "|" + sec.ProjectGID + "|" + sec.SectionGID
	f.sections[key] = sec
	return nil
}

func (f *fakeAdminStore) DeleteExpiredKeys(context.Context, time.Duration) (int64, error) {
	return f.expiredKeys, nil
}

func (f *fakeAdminStore) DeleteRetiredChannels(context.Context, time.Duration) (int64, error) {
	return f.retiredChannels, nil
}

// fakeAdminCalendar records watch and stop calls.
type fakeAdminCalendar struct {
	mu        sync.Mutex
	watches   []calendar.WatchRequest
	stops     [][2]string
	watchErr  error
	syncToken string
}

func (f *fakeAdminCalendar) ListEvents(_ context.Context, _ string, opts calendar.ListOptions) (*calendar.ListPage, error) {
	token := f.syncToken
	if token == "" {
		token = "tok-primed"
	}
	return &calendar.ListPage{NextSyncToken: token}, nil
}

func (f *fakeAdminCalendar) Watch(_ context.Context, _ string, req calendar.WatchRequest) (*calendar.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	f.watches = append(f.watches, req)
	return &calendar.Channel{
		ID:           req.ChannelID,
		ResourceID:   "res-" + req.ChannelID,
		ExpirationMS: time.Now().Add(req.TTL).UnixMilli(),
	}, nil
}

func (f *fakeAdminCalendar) StopChannel(_ context.Context, channelID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, [2]string{channelID, resourceID})
	return nil
}

// fakeAdminTasks covers the webhook surface.
type fakeAdminTasks struct {
	mu          sync.Mutex
	created     [][2]string
	deleted     []string
	createErr   error
	nextWebhook int
}

func (f *fakeAdminTasks) GetTask(context.Context, string) (*taskmgr.Task, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdminTasks) CreateTask(context.Context, taskmgr.CreateTaskRequest) (*taskmgr.Task, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdminTasks) CreateSubtask(context.Context, string, string, string) (*taskmgr.Task, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdminTasks) UpdateTaskNotes(context.Context, string, string) error {
	return errors.New("not implemented")
}

func (f *fakeAdminTasks) CompleteTask(context.Context, string) error {
	return errors.New("not implemented")
}

func (f *fakeAdminTasks) CreateWebhook(_ context.Context, projectGID, target string) (*taskmgr.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, [2]string{projectGID, target})
	f.nextWebhook++
	return &taskmgr.Webhook{GID: fmt.Sprintf("wh-%d", f.nextWebhook)}, nil
}

func (f *fakeAdminTasks) DeleteWebhook(_ context.Context, gid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, gid)
	return nil
}

type adminEnv struct {
	svc   *Service
	store *fakeAdminStore
	cal   *fakeAdminCalendar
	tasks *fakeAdminTasks
}

func newAdminEnv(t *testing.T) *adminEnv {
	t.Helper()
	env := &adminEnv{
		store: newAdminStore(),
		cal:   &fakeAdminCalendar{},
		tasks: &fakeAdminTasks{},
	}
	svc, err := New(Options{
		Store:          env.store,
		Calendar:       env.cal,
		Tasks:          env.tasks,
		TenantID:       "t1",
		IngressBaseURL: "https://ingress.example",
	})
	require.NoError(t, err)
	env.svc = svc
	return env
}

func (e *adminEnv) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	e.svc.Handler(log.Context(context.Background())).ServeHTTP(rec, req)
	return rec
}

func TestWatchStartCreatesChannelAndPrimesToken(t *testing.T) {
	env := newAdminEnv(t)
	rec := env.post(t, "/admin/calendar/watch/start", watchRequest{ChannelToken: "shared"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, env.cal.watches, 1)
	require.Equal(t, "https://ingress.example/webhooks/calendar", env.cal.watches[0].Address)
	require.Equal(t, "shared", env.cal.watches[0].Token)

	require.Len(t, env.store.channels, 1)
	ch := env.store.channels[0]
	require.Equal(t, store.ChannelActive, ch.Status)
	require.Equal(t, "primary", ch.CalendarID)
	require.Equal(t, "shared", ch.ChannelToken.String)
	require.Equal(t, "tok-primed", env.store.syncTokens["primary"])

	var resp channelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, ch.ChannelID, resp.ChannelID)
	require.Equal(t, store.ChannelActive, resp.Status)
}

func TestWatchStartProviderFailure(t *testing.T) {
	env := newAdminEnv(t)
	env.cal.watchErr = errors.New("quota exceeded")
	rec := env.post(t, "/admin/calendar/watch/start", watchRequest{})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Empty(t, env.store.channels)
}

func TestWatchReplaceRotatesAndCopiesSyncToken(t *testing.T) {
	env := newAdminEnv(t)
	old := &store.PushChannel{
		TenantID: "t1", CalendarID: "primary", ChannelID: "ch-old",
		ResourceID:   store.NullString("res-old"),
		ChannelToken: store.NullString("shared"),
		SyncToken:    store.NullString("tok-live"),
	}
	require.NoError(t, env.store.InsertChannel(context.Background(), old))

	rec := env.post(t, "/admin/calendar/watch/replace", watchRequest{})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, []string{old.ID}, env.store.swaps)
	replacement, err := env.store.ActiveChannel(context.Background(), "t1", "primary")
	require.NoError(t, err)
	require.NotEqual(t, "ch-old", replacement.ChannelID)
	require.Equal(t, "tok-live", replacement.SyncToken.String)
	require.Equal(t, "shared", replacement.ChannelToken.String)

	// Provider stop happens after the swap commits.
	require.Equal(t, [][2]string{{"ch-old", "res-old"}}, env.cal.stops)
}

func TestWatchReplaceNoActiveChannel(t *testing.T) {
	env := newAdminEnv(t)
	rec := env.post(t, "/admin/calendar/watch/replace", watchRequest{})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWatchStopRetiresChannel(t *testing.T) {
	env := newAdminEnv(t)
	ch := &store.PushChannel{
		TenantID: "t1", CalendarID: "primary", ChannelID: "ch1",
		ResourceID: store.NullString("res1"),
	}
	require.NoError(t, env.store.InsertChannel(context.Background(), ch))

	rec := env.post(t, "/admin/calendar/watch/stop", stopRequest{ChannelID: "ch1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, store.ChannelStopped, ch.Status)
	require.Equal(t, [][2]string{{"ch1", "res1"}}, env.cal.stops)
}

func TestWatchStopUnknownChannel(t *testing.T) {
	env := newAdminEnv(t)
	rec := env.post(t, "/admin/calendar/watch/stop", stopRequest{ChannelID: "ghost"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.post(t, "/admin/calendar/watch/stop", stopRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookCreatePersistsGID(t *testing.T) {
	env := newAdminEnv(t)
	rec := env.post(t, "/admin/tasks/webhook/create", webhookCreateRequest{ProjectGID: "proj1"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, [][2]string{{"proj1", "https://ingress.example/webhooks/tasks"}}, env.tasks.created)
	integ := env.store.integrations[store.IntegrationTasks]
	require.NotNil(t, integ)
	require.Equal(t, "wh-1", integ.Config["webhook_gid"])
	require.Equal(t, "proj1", integ.Config["project_gid"])
}

func TestWebhookCreateProjectFromIntegration(t *testing.T) {
	env := newAdminEnv(t)
	require.NoError(t, env.store.UpsertIntegration(context.Background(), "t1",
		store.IntegrationTasks, store.JSONMap{"project_gid": "proj9"}))

	rec := env.post(t, "/admin/tasks/webhook/create", webhookCreateRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "proj9", env.tasks.created[0][0])
}

func TestWebhookCreateMissingProject(t *testing.T) {
	env := newAdminEnv(t)
	rec := env.post(t, "/admin/tasks/webhook/create", webhookCreateRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookCreateProviderFailure(t *testing.T) {
	env := newAdminEnv(t)
	env.tasks.createErr = errors.New("forbidden")
	rec := env.post(t, "/admin/tasks/webhook/create", webhookCreateRequest{ProjectGID: "proj1"})
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestWebhookDeleteClearsGID(t *testing.T) {
	env := newAdminEnv(t)
	require.NoError(t, env.store.UpsertIntegration(context.Background(), "t1",
		store.IntegrationTasks, store.JSONMap{"webhook_gid": "wh-7"}))

	rec := env.post(t, "/admin/tasks/webhook/delete", webhookDeleteRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"wh-7"}, env.tasks.deleted)
	require.Empty(t, env.store.integrations[store.IntegrationTasks].Config["webhook_gid"])
}

func TestWebhookDeleteNoneRegistered(t *testing.T) {
	env := newAdminEnv(t)
	rec := env.post(t, "/admin/tasks/webhook/delete", webhookDeleteRequest{})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSectionsMapInstallsMappings(t *testing.T) {
	env := newAdminEnv(t)
	disabled := false
	rec := env.post(t, "/admin/sections/map", sectionsMapRequest{
		ProjectGID: "proj-1",
		Mappings: []sectionMapping{
			{SectionGID: "sec-1", StageKey: store.StageFirstMeeting},
			{SectionGID: "sec-2", StageKey: store.StageInDiligence},
			{SectionGID: "sec-3", StageKey: store.StageArchive, Enabled: &disabled},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 3, resp["mapped"])

	require.Len(t, env.store.sections, 3)
	first := env.store.sections["t1|proj-1|sec-1"]
	require.Equal(t, store.StageFirstMeeting, first.StageKey)
	require.True(t, first.Enabled)
	require.False(t, env.store.sections["t1|proj-1|sec-3"].Enabled)
}

func TestSectionsMapRemapsExistingSection(t *testing.T) {
	env := newAdminEnv(t)
	for _, stage := range []string{store.StageFirstMeeting, store.StageInDiligence} {
		rec := env.post(t, "/admin/sections/map", sectionsMapRequest{
			ProjectGID: "proj-1",
			Mappings:   []sectionMapping{{SectionGID: "sec-1", StageKey: stage}},
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Len(t, env.store.sections, 1)
	require.Equal(t, store.StageInDiligence, env.store.sections["t1|proj-1|sec-1"].StageKey)
}

func TestSectionsMapRejectsUnknownStage(t *testing.T) {
	env := newAdminEnv(t)
	rec := env.post(t, "/admin/sections/map", sectionsMapRequest{
		ProjectGID: "proj-1",
		Mappings: []sectionMapping{
			{SectionGID: "sec-1", StageKey: store.StageFirstMeeting},
			{SectionGID: "sec-2", StageKey: "SHIPPED"},
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	// Validation failed, so the first mapping must not have landed either.
	require.Empty(t, env.store.sections)
}

func TestSectionsMapMissingProjectRejected(t *testing.T) {
	env := newAdminEnv(t)
	rec := env.post(t, "/admin/sections/map", sectionsMapRequest{
		Mappings: []sectionMapping{{SectionGID: "sec-1", StageKey: store.StagePass}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSectionsMapEmptyMappingsRejected(t *testing.T) {
	env := newAdminEnv(t)
	rec := env.post(t, "/admin/sections/map", sectionsMapRequest{ProjectGID: "proj-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHousekeepingReportsCounts(t *testing.T) {
	env := newAdminEnv(t)
	env.store.expiredKeys = 42
	env.store.retiredChannels = 3

	rec := env.post(t, "/admin/housekeeping", struct{}{})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(42), resp["idempotencyKeysDeleted"])
	require.Equal(t, int64(3), resp["channelsDeleted"])
}

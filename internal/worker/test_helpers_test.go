package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianvc/dealflow/internal/calendar"
	"github.com/meridianvc/dealflow/internal/docs"
	"github.com/meridianvc/dealflow/internal/llm"
	"github.com/meridianvc/dealflow/internal/queue"
	"github.com/meridianvc/dealflow/internal/store"
	"github.com/meridianvc/dealflow/internal/taskmgr"
)

// fakeStore is an in-memory implementation of the worker Store surface.
type fakeStore struct {
	mu sync.Mutex

	channels   map[string]*store.PushChannel
	syncTokens map[string]string

	deals       map[string]*store.Deal
	dealsByTask map[string]string
	dealsByKey  map[string]string

	observed  map[string]string
	triggered map[string]string

	stageBySection map[string]string
	sectionByStage map[string]string

	claims       map[string]bool
	integrations map[string]*store.Integration

	runs    map[string]*store.WorkflowRun
	nextRun int

	failWith error
}

func newWorkerStore() *fakeStore {
	return &fakeStore{
		channels:       make(map[string]*store.PushChannel),
		syncTokens:     make(map[string]string),
		deals:          make(map[string]*store.Deal),
		dealsByTask:    make(map[string]string),
		dealsByKey:     make(map[string]string),
		observed:       make(map[string]string),
		triggered:      make(map[string]string),
		stageBySection: make(map[string]string),
		sectionByStage: make(map[string]string),
		claims:         make(map[string]bool),
		integrations:   make(map[string]*store.Integration),
		runs:           make(map[string]*store.WorkflowRun),
	}
}

func (f *fakeStore) ChannelByChannelID(_ context.Context, _, channelID string) (*store.PushChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ch, nil
}

func (f *fakeStore) UpdateActiveSyncToken(_ context.Context, _, calendarID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncTokens[calendarID] = token
	return nil
}

func (f *fakeStore) UpsertDeal(_ context.Context, up store.DealUpsert) (*store.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := up.CalendarID + "|" + up.EventID
	if id, ok := f.dealsByKey[key]; ok {
		d := f.deals[id]
		if up.Company.Valid {
			d.Company = up.Company
		}
		if up.Founder.Valid && !d.Founder.Valid {
			d.Founder = up.Founder
		}
		return d, nil
	}
	id := fmt.Sprintf("deal-%d", len(f.deals)+1)
	d := &store.Deal{
		ID: id, TenantID: up.TenantID, CalendarID: up.CalendarID, EventID: up.EventID,
		Company: up.Company, Founder: up.Founder, MeetingAt: up.MeetingAt,
		DocURLs: store.JSONMap{},
	}
	f.deals[id] = d
	f.dealsByKey[key] = id
	return d, nil
}

func (f *fakeStore) DealByID(_ context.Context, id string) (*store.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) DealByTaskGID(_ context.Context, _, taskGID string) (*store.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.dealsByTask[taskGID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return f.deals[id], nil
}

func (f *fakeStore) SetDealTaskRecord(_ context.Context, dealID, taskGID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deals[dealID].TaskRecordGID = store.NullString(taskGID)
	f.dealsByTask[taskGID] = dealID
	return nil
}

func (f *fakeStore) SetDealDocs(_ context.Context, dealID, rootID string, urls store.JSONMap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deals[dealID].DocRootID = store.NullString(rootID)
	f.deals[dealID].DocURLs = urls
	return nil
}

func (f *fakeStore) SetDealStage(_ context.Context, dealID, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deals[dealID].CurrentStage = store.NullString(stage)
	return nil
}

func (f *fakeStore) UpsertObservedSection(_ context.Context, tenantID, taskGID, projectGID, sectionGID string, _ time.Time) (store.ObservedSection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tenantID + "|" + taskGID + "|" + projectGID
	prev, ok := f.observed[key]
	f.observed[key] = sectionGID
	return store.ObservedSection{PreviousSectionGID: prev, HasPrevious: ok}, nil
}

func (f *fakeStore) SetLastTriggeredStage(_ context.Context, tenantID, taskGID, projectGID, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered[tenantID+"|"+taskGID+"|"+projectGID] = stage
	return nil
}

func (f *fakeStore) ResolveStage(_ context.Context, _, sectionGID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stage, ok := f.stageBySection[sectionGID]
	return stage, ok, nil
}

func (f *fakeStore) SectionForStage(_ context.Context, _, projectGID, stageKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gid, ok := f.sectionByStage[projectGID+"|"+stageKey]
	if !ok {
		return "", store.ErrNotFound
	}
	return gid, nil
}

func (f *fakeStore) Claim(_ context.Context, _, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claims[key] {
		return false, nil
	}
	f.claims[key] = true
	return true, nil
}

func (f *fakeStore) Integration(_ context.Context, _, kind string) (*store.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	integ, ok := f.integrations[kind]
	if !ok {
		return nil, store.ErrNotFound
	}
	return integ, nil
}

func (f *fakeStore) OpenRun(_ context.Context, tenantID, dealID, stage, previousStage string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRun++
	id := fmt.Sprintf("run-%d", f.nextRun)
	f.runs[id] = &store.WorkflowRun{
		ID: id, TenantID: tenantID, DealID: dealID, Stage: stage,
		Status: store.RunRunning, PreviousStage: store.NullString(previousStage),
	}
	return id, nil
}

func (f *fakeStore) CloseRun(_ context.Context, runID, status string, meta store.JSONMap) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok || r.Status != store.RunRunning {
		return false, nil
	}
	r.Status = status
	if r.Meta == nil {
		r.Meta = store.JSONMap{}
	}
	for k, v := range meta {
		r.Meta[k] = v
	}
	return true, nil
}

func (f *fakeStore) RequestCancelRunning(_ context.Context, dealID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.runs {
		if r.DealID == dealID && r.Status == store.RunRunning {
			r.CancelRequested = true
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CancelRequested(_ context.Context, runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return true, nil
	}
	return r.CancelRequested, nil
}

// addDeal installs a deal with a linked task record and workspace pages.
func (f *fakeStore) addDeal(id, taskGID, company string) *store.Deal {
	d := &store.Deal{
		ID: id, TenantID: "t1", CalendarID: "primary", EventID: "ev-" + id,
		Company:       store.NullString(company),
		Founder:       store.NullString("Jane Doe"),
		TaskRecordGID: store.NullString(taskGID),
		DocRootID:     store.NullString("root-" + id),
		DocURLs: store.JSONMap{
			"root":                          "https://docs.example/root-" + id,
			"page_id:" + docs.PageMeetingNotes: "notes-" + id,
			"page_id:" + docs.PageResearch:     "research-" + id,
			"page_id:" + docs.PageMemo:         "memo-" + id,
		},
	}
	f.deals[id] = d
	f.dealsByKey[d.CalendarID+"|"+d.EventID] = id
	if taskGID != "" {
		f.dealsByTask[taskGID] = id
	}
	return d
}

// fakeCalendar serves scripted list pages.
type fakeCalendar struct {
	mu        sync.Mutex
	pages     []*calendar.ListPage
	listCalls []calendar.ListOptions
	// expireFirstToken makes the first sync-token listing fail with 410.
	expireFirstToken bool
	expired          bool
}

func (f *fakeCalendar) ListEvents(_ context.Context, _ string, opts calendar.ListOptions) (*calendar.ListPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, opts)
	if f.expireFirstToken && !f.expired && opts.SyncToken != "" {
		f.expired = true
		return nil, calendar.ErrSyncTokenExpired
	}
	if len(f.pages) == 0 {
		return &calendar.ListPage{NextSyncToken: "tok-final"}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeCalendar) Watch(context.Context, string, calendar.WatchRequest) (*calendar.Channel, error) {
	return &calendar.Channel{ID: "ch-new", ResourceID: "res-new", ExpirationMS: 1}, nil
}

func (f *fakeCalendar) StopChannel(context.Context, string, string) error { return nil }

// fakeTasks records task-manager mutations.
type fakeTasks struct {
	mu        sync.Mutex
	tasks     map[string]*taskmgr.Task
	created   []taskmgr.CreateTaskRequest
	subtasks  map[string][]string
	notes     map[string]string
	completed []string
	nextGID   int
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{
		tasks:    make(map[string]*taskmgr.Task),
		subtasks: make(map[string][]string),
		notes:    make(map[string]string),
	}
}

func (f *fakeTasks) GetTask(_ context.Context, gid string) (*taskmgr.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[gid]
	if !ok {
		return nil, fmt.Errorf("task %s not found", gid)
	}
	return t, nil
}

func (f *fakeTasks) CreateTask(_ context.Context, req taskmgr.CreateTaskRequest) (*taskmgr.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	f.nextGID++
	gid := fmt.Sprintf("task-%d", f.nextGID)
	t := &taskmgr.Task{GID: gid, Name: req.Name, Notes: req.Notes}
	f.tasks[gid] = t
	return t, nil
}

func (f *fakeTasks) CreateSubtask(_ context.Context, parentGID, name, _ string) (*taskmgr.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subtasks[parentGID] = append(f.subtasks[parentGID], name)
	f.nextGID++
	return &taskmgr.Task{GID: fmt.Sprintf("sub-%d", f.nextGID), Name: name}, nil
}

func (f *fakeTasks) UpdateTaskNotes(_ context.Context, gid, notes string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes[gid] = notes
	return nil
}

func (f *fakeTasks) CompleteTask(_ context.Context, gid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, gid)
	return nil
}

func (f *fakeTasks) CreateWebhook(context.Context, string, string) (*taskmgr.Webhook, error) {
	return &taskmgr.Webhook{GID: "wh-1"}, nil
}

func (f *fakeTasks) DeleteWebhook(context.Context, string) error { return nil }

// fakeDocs records document mutations.
type fakeDocs struct {
	mu       sync.Mutex
	appended map[string][]docs.Block
	children map[string][]docs.ChildBlock
	deleted  []string
	nextID   int
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		appended: make(map[string][]docs.Block),
		children: make(map[string][]docs.ChildBlock),
	}
}

func (f *fakeDocs) CreatePage(_ context.Context, req docs.CreatePageRequest) (*docs.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("page-%d", f.nextID)
	for _, b := range req.Children {
		f.children[id] = append(f.children[id], docs.ChildBlock{
			ID: fmt.Sprintf("%s-b%d", id, len(f.children[id])), Type: b.Type, Block: b,
		})
	}
	return &docs.Page{ID: id, URL: "https://docs.example/" + id}, nil
}

func (f *fakeDocs) AppendBlocks(_ context.Context, pageID string, blocks []docs.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended[pageID] = append(f.appended[pageID], blocks...)
	for _, b := range blocks {
		f.children[pageID] = append(f.children[pageID], docs.ChildBlock{
			ID: fmt.Sprintf("%s-b%d", pageID, len(f.children[pageID])), Type: b.Type, Block: b,
		})
	}
	return nil
}

func (f *fakeDocs) ListChildren(_ context.Context, pageID string) ([]docs.ChildBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.children[pageID], nil
}

func (f *fakeDocs) DeleteBlock(_ context.Context, blockID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, blockID)
	return nil
}

// fakeLLM delegates to a configurable completion function.
type fakeLLM struct {
	fn func(ctx context.Context, req llm.Request) (llm.Response, error)
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if f.fn == nil {
		return llm.Response{Text: "ok"}, nil
	}
	return f.fn(ctx, req)
}

// captureQueue records enqueued envelopes.
type captureQueue struct {
	mu        sync.Mutex
	envelopes []queue.Envelope
}

func (q *captureQueue) Enqueue(_ context.Context, env queue.Envelope) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.envelopes = append(q.envelopes, env)
	return fmt.Sprintf("task-%d", len(q.envelopes)), nil
}

func (q *captureQueue) all() []queue.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Envelope(nil), q.envelopes...)
}

type testEnv struct {
	svc   *Service
	store *fakeStore
	cal   *fakeCalendar
	tasks *fakeTasks
	docs  *fakeDocs
	llm   *fakeLLM
	queue *captureQueue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store: newWorkerStore(),
		cal:   &fakeCalendar{},
		tasks: newFakeTasks(),
		docs:  newFakeDocs(),
		llm:   &fakeLLM{},
		queue: &captureQueue{},
	}
	svc, err := New(Options{
		Store:    env.store,
		Queue:    env.queue,
		Calendar: env.cal,
		Tasks:    env.tasks,
		Docs:     env.docs,
		LLM:      env.llm,
	})
	require.NoError(t, err)
	env.svc = svc
	return env
}

func mustEnvelope(t *testing.T, jt queue.JobType, payload any) queue.Envelope {
	t.Helper()
	env, err := queue.NewEnvelope(jt, "t1", payload)
	require.NoError(t, err)
	return env
}

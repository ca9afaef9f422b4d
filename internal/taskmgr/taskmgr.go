// Package taskmgr implements the task-manager provider client. The API
// shape follows the Asana REST surface: every request and response body is
// wrapped in a "data" object and tasks carry project memberships that
// locate them in a section. The bearer token is resolved per call so
// rotated secrets take effect without a restart.
package taskmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

type (
	// Task is a task-manager record with its pipeline placement.
	Task struct {
		GID         string       `json:"gid"`
		Name        string       `json:"name"`
		Notes       string       `json:"notes"`
		Completed   bool         `json:"completed"`
		ModifiedAt  time.Time    `json:"modified_at"`
		Memberships []Membership `json:"memberships"`
	}

	// Membership locates a task inside a project section.
	Membership struct {
		Project Ref `json:"project"`
		Section Ref `json:"section"`
	}

	// Ref is a named provider object reference.
	Ref struct {
		GID  string `json:"gid"`
		Name string `json:"name"`
	}

	// CreateTaskRequest creates a task inside a project section.
	CreateTaskRequest struct {
		Name       string
		Notes      string
		ProjectGID string
		SectionGID string
	}

	// Webhook is a registered event subscription.
	Webhook struct {
		GID string `json:"gid"`
	}

	// TokenFunc resolves the provider bearer token.
	TokenFunc func(ctx context.Context) (string, error)

	// Client is the task-manager surface the core depends on.
	Client interface {
		GetTask(ctx context.Context, gid string) (*Task, error)
		CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error)
		CreateSubtask(ctx context.Context, parentGID, name, notes string) (*Task, error)
		UpdateTaskNotes(ctx context.Context, gid, notes string) error
		CompleteTask(ctx context.Context, gid string) error
		CreateWebhook(ctx context.Context, resourceGID, targetURL string) (*Webhook, error)
		DeleteWebhook(ctx context.Context, webhookGID string) error
	}
)

// HTTPClient implements Client against the REST API.
type HTTPClient struct {
	http    *http.Client
	baseURL string
	token   TokenFunc
}

// Options configures the HTTP client.
type Options struct {
	// Token resolves the bearer token. Required.
	Token TokenFunc
	// HTTPClient overrides the transport (primarily for tests).
	HTTPClient *http.Client
	// BaseURL overrides the API endpoint (primarily for tests).
	BaseURL string
}

// New builds the provider client.
func New(opts Options) (*HTTPClient, error) {
	if opts.Token == nil {
		return nil, errors.New("token func is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	base := opts.BaseURL
	if base == "" {
		base = "https://app.asana.com/api/1.0"
	}
	return &HTTPClient{http: hc, baseURL: base, token: opts.Token}, nil
}

// GetTask fetches a task with its project memberships.
func (c *HTTPClient) GetTask(ctx context.Context, gid string) (*Task, error) {
	q := url.Values{}
	q.Set("opt_fields", "name,notes,completed,modified_at,memberships.project.gid,memberships.section.gid")
	var out Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+gid+"?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("get task %s: %w", gid, err)
	}
	return &out, nil
}

// CreateTask creates a task in the given project section.
func (c *HTTPClient) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	if req.Name == "" {
		return nil, errors.New("task name is required")
	}
	body := map[string]any{
		"name":  req.Name,
		"notes": req.Notes,
	}
	if req.ProjectGID != "" {
		body["projects"] = []string{req.ProjectGID}
	}
	if req.SectionGID != "" {
		body["memberships"] = []map[string]string{{
			"project": req.ProjectGID,
			"section": req.SectionGID,
		}}
	}
	var out Task
	if err := c.do(ctx, http.MethodPost, "/tasks", body, &out); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &out, nil
}

// CreateSubtask creates a subtask under the parent task.
func (c *HTTPClient) CreateSubtask(ctx context.Context, parentGID, name, notes string) (*Task, error) {
	body := map[string]any{"name": name, "notes": notes}
	var out Task
	if err := c.do(ctx, http.MethodPost, "/tasks/"+parentGID+"/subtasks", body, &out); err != nil {
		return nil, fmt.Errorf("create subtask: %w", err)
	}
	return &out, nil
}

// UpdateTaskNotes replaces the task's notes field.
func (c *HTTPClient) UpdateTaskNotes(ctx context.Context, gid, notes string) error {
	if err := c.do(ctx, http.MethodPut, "/tasks/"+gid, map[string]any{"notes": notes}, nil); err != nil {
		return fmt.Errorf("update task notes: %w", err)
	}
	return nil
}

// CompleteTask marks the task complete.
func (c *HTTPClient) CompleteTask(ctx context.Context, gid string) error {
	if err := c.do(ctx, http.MethodPut, "/tasks/"+gid, map[string]any{"completed": true}, nil); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// CreateWebhook registers an event subscription delivering to targetURL.
// The provider answers with the two-phase handshake against the target
// before confirming.
func (c *HTTPClient) CreateWebhook(ctx context.Context, resourceGID, targetURL string) (*Webhook, error) {
	body := map[string]any{"resource": resourceGID, "target": targetURL}
	var out Webhook
	if err := c.do(ctx, http.MethodPost, "/webhooks", body, &out); err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	return &out, nil
}

// DeleteWebhook removes an event subscription.
func (c *HTTPClient) DeleteWebhook(ctx context.Context, webhookGID string) error {
	if err := c.do(ctx, http.MethodDelete, "/webhooks/"+webhookGID, nil, nil); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// do performs one API round trip, wrapping and unwrapping the provider's
// "data" envelope.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(map[string]any{"data": body})
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	tok, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

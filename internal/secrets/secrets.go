// Package secrets resolves named secrets for the services. The core only
// needs Get(name) → string; production reads from the hosted secret store
// over REST while local development reads from the environment. A small
// in-process cache keeps hot secrets for five minutes.
package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound reports that the named secret does not exist.
var ErrNotFound = errors.New("secret not found")

// Source resolves a secret by name.
type Source interface {
	Get(ctx context.Context, name string) (string, error)
}

// Writer is implemented by sources that can also persist secrets, used by
// the task-webhook handshake to store the shared secret.
type Writer interface {
	Set(ctx context.Context, name, value string) error
}

const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	value   string
	expires time.Time
}

// Cache wraps a Source with a TTL cache. Concurrent lookups for the same
// name are collapsed into a single upstream call.
type Cache struct {
	src Source

	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group
	now     func() time.Time
}

// NewCache wraps src with a five-minute cache.
func NewCache(src Source) *Cache {
	return &Cache{src: src, entries: make(map[string]cacheEntry), now: time.Now}
}

// Get returns the named secret, consulting the cache first.
func (c *Cache) Get(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	if e, ok := c.entries[name]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(name, func() (any, error) {
		value, err := c.src.Get(ctx, name)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.entries[name] = cacheEntry{value: value, expires: c.now().Add(cacheTTL)}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Set writes through to the underlying source when it supports writes and
// refreshes the cache entry.
func (c *Cache) Set(ctx context.Context, name, value string) error {
	if w, ok := c.src.(Writer); ok {
		if err := w.Set(ctx, name, value); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.entries[name] = cacheEntry{value: value, expires: c.now().Add(cacheTTL)}
	c.mu.Unlock()
	return nil
}

// Invalidate drops the cached entry for name.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// Env resolves secrets from environment variables. Secret names are mapped
// by uppercasing and replacing separators, so "tasks-webhook-secret" reads
// TASKS_WEBHOOK_SECRET. Set keeps values in memory only.
type Env struct {
	mu        sync.Mutex
	overrides map[string]string
}

// NewEnv returns an environment-backed source.
func NewEnv() *Env {
	return &Env{overrides: make(map[string]string)}
}

// Get resolves the named secret from overrides, then the environment.
func (e *Env) Get(_ context.Context, name string) (string, error) {
	e.mu.Lock()
	v, ok := e.overrides[name]
	e.mu.Unlock()
	if ok {
		return v, nil
	}
	if v := os.Getenv(envKey(name)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Set stores the secret in memory for the lifetime of the process.
func (e *Env) Set(_ context.Context, name, value string) error {
	e.mu.Lock()
	e.overrides[name] = value
	e.mu.Unlock()
	return nil
}

func envKey(name string) string {
	r := strings.NewReplacer("-", "_", ".", "_", "/", "_")
	return strings.ToUpper(r.Replace(name))
}

// REST resolves secrets from the hosted secret-manager REST API using an
// OAuth2 token source for authentication.
type REST struct {
	project string
	ts      oauth2.TokenSource
	http    *http.Client
	baseURL string
}

// RESTOptions configures the REST source.
type RESTOptions struct {
	// Project is the hosting project identifier. Required.
	Project string
	// TokenSource mints access tokens for the secret-manager API. Required.
	TokenSource oauth2.TokenSource
	// HTTPClient overrides the HTTP client (primarily for tests).
	HTTPClient *http.Client
	// BaseURL overrides the API endpoint (primarily for tests).
	BaseURL string
}

// NewREST builds a secret-manager REST source.
func NewREST(opts RESTOptions) (*REST, error) {
	if opts.Project == "" {
		return nil, errors.New("project is required")
	}
	if opts.TokenSource == nil {
		return nil, errors.New("token source is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	base := opts.BaseURL
	if base == "" {
		base = "https://secretmanager.googleapis.com/v1"
	}
	return &REST{project: opts.Project, ts: opts.TokenSource, http: hc, baseURL: base}, nil
}

// Get fetches the latest enabled version of the named secret.
func (r *REST) Get(ctx context.Context, name string) (string, error) {
	url := fmt.Sprintf("%s/projects/%s/secrets/%s/versions/latest:access", r.baseURL, r.project, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	tok, err := r.ts.Token()
	if err != nil {
		return "", fmt.Errorf("secret token: %w", err)
	}
	tok.SetAuthHeader(req)
	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("secret access: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("secret access %s: status %d: %s", name, resp.StatusCode, body)
	}
	var out struct {
		Payload struct {
			Data string `json:"data"`
		} `json:"payload"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode secret payload: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(out.Payload.Data)
	if err != nil {
		return "", fmt.Errorf("decode secret data: %w", err)
	}
	return string(raw), nil
}

var (
	defaultMu    sync.Mutex
	defaultCache *Cache
)

// Default returns the process-wide secret cache, constructing it on first
// use with the provided source. Subsequent calls ignore src.
func Default(src func() Source) *Cache {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultCache == nil {
		defaultCache = NewCache(src())
	}
	return defaultCache
}

// ResetDefault clears the process-wide cache. Tests use this to install a
// fresh source.
func ResetDefault() {
	defaultMu.Lock()
	defaultCache = nil
	defaultMu.Unlock()
}

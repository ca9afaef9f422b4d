package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type countingSource struct {
	calls  int
	values map[string]string
}

func (s *countingSource) Get(_ context.Context, name string) (string, error) {
	s.calls++
	v, ok := s.values[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

func TestCacheServesWithinTTL(t *testing.T) {
	src := &countingSource{values: map[string]string{"tasks-token": "tok"}}
	c := NewCache(src)

	for i := 0; i < 3; i++ {
		v, err := c.Get(context.Background(), "tasks-token")
		require.NoError(t, err)
		require.Equal(t, "tok", v)
	}
	require.Equal(t, 1, src.calls)
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	src := &countingSource{values: map[string]string{"tasks-token": "tok"}}
	c := NewCache(src)
	now := time.Now()
	c.now = func() time.Time { return now }

	_, err := c.Get(context.Background(), "tasks-token")
	require.NoError(t, err)

	now = now.Add(cacheTTL + time.Second)
	_, err = c.Get(context.Background(), "tasks-token")
	require.NoError(t, err)
	require.Equal(t, 2, src.calls)
}

func TestCacheSetWritesThrough(t *testing.T) {
	env := NewEnv()
	c := NewCache(env)
	require.NoError(t, c.Set(context.Background(), "tasks-webhook-secret", "s3cret"))

	// Cached copy and the underlying source agree.
	v, err := c.Get(context.Background(), "tasks-webhook-secret")
	require.NoError(t, err)
	require.Equal(t, "s3cret", v)
	v, err = env.Get(context.Background(), "tasks-webhook-secret")
	require.NoError(t, err)
	require.Equal(t, "s3cret", v)
}

func TestCacheInvalidateForcesRefetch(t *testing.T) {
	src := &countingSource{values: map[string]string{"k": "v"}}
	c := NewCache(src)
	_, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	c.Invalidate("k")
	_, err = c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, 2, src.calls)
}

func TestEnvMapsSecretNames(t *testing.T) {
	t.Setenv("TASKS_WEBHOOK_SECRET", "from-env")
	env := NewEnv()
	v, err := env.Get(context.Background(), "tasks-webhook-secret")
	require.NoError(t, err)
	require.Equal(t, "from-env", v)

	_, err = env.Get(context.Background(), "never-set")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRESTGetDecodesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/projects/proj/secrets/anthropic-api-key/versions/latest:access", r.URL.Path)
		require.Equal(t, "Bearer at", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"payload": map[string]string{
				"data": base64.StdEncoding.EncodeToString([]byte("sk-ant-xyz")),
			},
		})
	}))
	defer srv.Close()

	src, err := NewREST(RESTOptions{
		Project:     "proj",
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "at"}),
		HTTPClient:  srv.Client(),
		BaseURL:     srv.URL,
	})
	require.NoError(t, err)

	v, err := src.Get(context.Background(), "anthropic-api-key")
	require.NoError(t, err)
	require.Equal(t, "sk-ant-xyz", v)
}

func TestRESTGetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src, err := NewREST(RESTOptions{
		Project:     "proj",
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "at"}),
		HTTPClient:  srv.Client(),
		BaseURL:     srv.URL,
	})
	require.NoError(t, err)

	_, err = src.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPQueue dispatches envelopes synchronously to the worker over plain
// HTTP. Local development only: there is no durability and no retry beyond
// the single request.
type HTTPQueue struct {
	workerURL string
	http      *http.Client
}

// HTTPQueueOptions configures the local queue.
type HTTPQueueOptions struct {
	// WorkerURL is the base URL of the worker service. Required.
	WorkerURL string
	// HTTPClient overrides the dispatch client (primarily for tests).
	HTTPClient *http.Client
}

// NewHTTPQueue builds the direct-HTTP queue.
func NewHTTPQueue(opts HTTPQueueOptions) (*HTTPQueue, error) {
	if opts.WorkerURL == "" {
		return nil, errors.New("worker url is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Minute}
	}
	return &HTTPQueue{workerURL: opts.WorkerURL, http: hc}, nil
}

// Enqueue POSTs the envelope to the worker dispatch endpoint and returns a
// synthetic task name.
func (q *HTTPQueue) Enqueue(ctx context.Context, env Envelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		q.workerURL+"/tasks/dispatch", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := q.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("dispatch %s: %w", env.JobType, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("dispatch %s: status %d: %s", env.JobType, resp.StatusCode, msg)
	}
	return "local-" + uuid.NewString(), nil
}

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

	"goa.design/clue/log"
	streamopts "goa.design/pulse/streaming/options"
	"golang.org/x/oauth2"

	pulseclient "github.com/meridianvc/dealflow/internal/queue/clients/pulse"
)

const (
	// jobStream is the Pulse stream carrying job envelopes.
	jobStream = "dealflow_jobs"
	// jobEvent is the event name under which envelopes are published.
	jobEvent = "job"
	// deliverySink is the worker consumer group.
	deliverySink = "worker"
)

// PulseQueue enqueues envelopes onto a durable Pulse stream.
type PulseQueue struct {
	stream pulseclient.Stream
	client pulseclient.Client
}

// NewPulseQueue builds the durable queue on top of the Pulse client.
func NewPulseQueue(client pulseclient.Client) (*PulseQueue, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	stream, err := client.Stream(jobStream)
	if err != nil {
		return nil, err
	}
	return &PulseQueue{stream: stream, client: client}, nil
}

// Enqueue publishes the envelope and returns the stream event ID as the
// task name.
func (q *PulseQueue) Enqueue(ctx context.Context, env Envelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	id, err := q.stream.Add(ctx, jobEvent, payload)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", env.JobType, err)
	}
	return id, nil
}

// Name identifies the queue for health reporting.
func (q *PulseQueue) Name() string { return q.client.Name() }

// Ping verifies the queue backend connection.
func (q *PulseQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx) }

// RunnerOptions configures the delivery runner.
type RunnerOptions struct {
	// Client is the Pulse client used to consume the job stream. Required.
	Client pulseclient.Client
	// WorkerURL is the base URL of the worker service. Required.
	WorkerURL string
	// TokenSource mints OIDC identity tokens attached to dispatch requests.
	// Optional; local development runs without one.
	TokenSource oauth2.TokenSource
	// HTTPClient overrides the dispatch client (primarily for tests).
	HTTPClient *http.Client
	// AckGracePeriod is how long an event may stay unacked before Pulse
	// redelivers it. Defaults to 2 minutes.
	AckGracePeriod time.Duration
}

// Runner consumes the job stream and delivers envelopes to the worker
// dispatch endpoint over HTTP. Events are acked on 2xx (handled) and 4xx
// (non-retryable); anything else is left pending so the stream redelivers
// it after the grace period. Together with handler idempotency guards this
// yields at-most-once effect on at-least-once delivery.
type Runner struct {
	client    pulseclient.Client
	workerURL string
	ts        oauth2.TokenSource
	http      *http.Client
	grace     time.Duration
}

// NewRunner builds a delivery runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.WorkerURL == "" {
		return nil, errors.New("worker url is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Minute}
	}
	grace := opts.AckGracePeriod
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	return &Runner{
		client:    opts.Client,
		workerURL: opts.WorkerURL,
		ts:        opts.TokenSource,
		http:      hc,
		grace:     grace,
	}, nil
}

// Run consumes the job stream until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	stream, err := r.client.Stream(jobStream)
	if err != nil {
		return err
	}
	sink, err := stream.NewSink(ctx, deliverySink,
		streamopts.WithSinkAckGracePeriod(r.grace),
		streamopts.WithSinkBlockDuration(5*time.Second))
	if err != nil {
		return fmt.Errorf("open delivery sink: %w", err)
	}
	defer sink.Close(context.Background())

	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if r.deliver(ctx, ev.Payload) {
				if err := sink.Ack(ctx, ev); err != nil {
					log.Errorf(ctx, err, "ack job event %s", ev.ID)
				}
			}
		}
	}
}

// deliver POSTs one envelope to the worker and reports whether the event
// should be acked.
func (r *Runner) deliver(ctx context.Context, payload []byte) bool {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		// Malformed payloads can never succeed; drop them.
		log.Errorf(ctx, err, "drop malformed job payload")
		return true
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.workerURL+"/tasks/dispatch", bytes.NewReader(payload))
	if err != nil {
		log.Errorf(ctx, err, "build dispatch request")
		return true
	}
	req.Header.Set("Content-Type", "application/json")
	if r.ts != nil {
		tok, err := r.ts.Token()
		if err != nil {
			log.Errorf(ctx, err, "mint dispatch token")
			return false
		}
		tok.SetAuthHeader(req)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		log.Errorf(ctx, err, "dispatch %s", env.JobType)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode < 300:
		return true
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Non-retryable per the dispatch contract.
		log.Error(ctx, fmt.Errorf("status %d", resp.StatusCode),
			log.KV{K: "job_type", V: string(env.JobType)},
			log.KV{K: "msg", V: "job rejected, dropping"})
		return true
	default:
		log.Warn(ctx, log.KV{K: "msg", V: "job failed, will redeliver"},
			log.KV{K: "job_type", V: string(env.JobType)},
			log.KV{K: "status", V: resp.StatusCode})
		return false
	}
}

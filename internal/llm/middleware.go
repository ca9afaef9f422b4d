package llm

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// breakerClient trips open after consecutive provider failures so a
// degraded provider sheds load fast instead of tying up worker slots until
// the queue deadline.
type breakerClient struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps next with a circuit breaker. The breaker opens after
// five consecutive failures and probes again after 30 seconds.
func WithBreaker(next Client) Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &breakerClient{next: next, cb: cb}
}

func (c *breakerClient) Complete(ctx context.Context, req Request) (Response, error) {
	out, err := c.cb.Execute(func() (any, error) {
		resp, err := c.next.Complete(ctx, req)
		// Cancellation is cooperative shutdown, not provider failure; do
		// not let it trip the breaker.
		if errors.Is(err, context.Canceled) {
			return resp, nil
		}
		return resp, err
	})
	if err != nil {
		return Response{}, err
	}
	resp := out.(Response)
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	return resp, nil
}

// limitedClient applies a requests-per-minute token bucket before each
// provider call. Waiting respects ctx cancellation.
type limitedClient struct {
	next    Client
	limiter *rate.Limiter
}

// WithRateLimit wraps next with a requests-per-minute budget.
func WithRateLimit(next Client, perMinute int) Client {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &limitedClient{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
	}
}

func (c *limitedClient) Complete(ctx context.Context, req Request) (Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, err
	}
	return c.next.Complete(ctx, req)
}

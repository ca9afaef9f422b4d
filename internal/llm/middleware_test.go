package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	fn func(ctx context.Context, req Request) (Response, error)
}

func (s *stubClient) Complete(ctx context.Context, req Request) (Response, error) {
	return s.fn(ctx, req)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	failing := &stubClient{fn: func(context.Context, Request) (Response, error) {
		return Response{}, errors.New("upstream 529")
	}}
	c := WithBreaker(failing)

	for i := 0; i < 5; i++ {
		_, err := c.Complete(context.Background(), Request{Prompt: "p"})
		require.Error(t, err)
	}
	_, err := c.Complete(context.Background(), Request{Prompt: "p"})
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	canceled := &stubClient{fn: func(context.Context, Request) (Response, error) {
		return Response{}, context.Canceled
	}}
	c := WithBreaker(canceled)

	// Cancellations beyond the trip threshold must not open the breaker.
	for i := 0; i < 10; i++ {
		c.Complete(context.Background(), Request{Prompt: "p"})
	}

	ok := &stubClient{fn: func(context.Context, Request) (Response, error) {
		return Response{Text: "fine"}, nil
	}}
	// Same breaker state, recovered provider.
	cb := c.(*breakerClient)
	cb.next = ok
	resp, err := cb.Complete(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	require.Equal(t, "fine", resp.Text)
}

func TestBreakerPropagatesContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	canceling := &stubClient{fn: func(context.Context, Request) (Response, error) {
		cancel()
		return Response{}, context.Canceled
	}}
	c := WithBreaker(canceling)
	_, err := c.Complete(ctx, Request{Prompt: "p"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRateLimitWaitRespectsCancel(t *testing.T) {
	inner := &stubClient{fn: func(context.Context, Request) (Response, error) {
		return Response{Text: "ok"}, nil
	}}
	c := WithRateLimit(inner, 1)

	// First call consumes the burst.
	_, err := c.Complete(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Complete(ctx, Request{Prompt: "p"})
	require.Error(t, err)
}

// Package llm abstracts the model provider behind a single Complete call.
// Two backends exist, OpenAI chat completions and Anthropic messages, both
// of which abort in-flight HTTP round trips when the context is canceled;
// the cancellable research fan-out relies on that. Middleware adds
// a circuit breaker and a token-bucket rate limit at the provider boundary.
package llm

import (
	"context"
	"errors"
)

// Request is one completion request.
type Request struct {
	// System is the system prompt. Optional.
	System string
	// Prompt is the user message. Required.
	Prompt string
	// Model overrides the client default. Optional.
	Model string
	// MaxTokens caps the completion length. Zero uses the client default.
	MaxTokens int
}

// Response is the completion result.
type Response struct {
	// Text is the assistant reply.
	Text string
	// TokensUsed is the total token count reported by the provider, when
	// available.
	TokensUsed int
}

// Client completes prompts against a model provider. Implementations must
// observe ctx cancellation by aborting the underlying network call.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

func validate(req Request) error {
	if req.Prompt == "" {
		return errors.New("prompt is required")
	}
	return nil
}

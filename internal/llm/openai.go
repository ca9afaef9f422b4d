package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// ChatClient captures the subset of the go-openai client used by the
// adapter, so tests can substitute a mock.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// OpenAI implements Client via the OpenAI Chat Completions API.
type OpenAI struct {
	chat  ChatClient
	model string
}

// OpenAIOptions configures the OpenAI adapter.
type OpenAIOptions struct {
	// Client is the chat client. Required.
	Client ChatClient
	// DefaultModel is used when Request.Model is empty. Required.
	DefaultModel string
}

// NewOpenAI builds an OpenAI-backed client from the provided options.
func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &OpenAI{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewOpenAIFromAPIKey constructs a client using the default go-openai HTTP
// client.
func NewOpenAIFromAPIKey(apiKey, defaultModel string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return NewOpenAI(OpenAIOptions{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Complete renders a chat completion. The underlying SDK propagates ctx to
// the HTTP transport, so cancellation aborts the round trip.
func (c *OpenAI) Complete(ctx context.Context, req Request) (Response, error) {
	if err := validate(req); err != nil {
		return Response{}, err
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: req.Prompt,
	})
	resp, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     modelID,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, errors.New("openai: empty completion")
	}
	return Response{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

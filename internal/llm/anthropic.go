package llm

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter. It is satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic implements Client via the Claude Messages API.
type Anthropic struct {
	msg       MessagesClient
	model     string
	maxTokens int
}

// AnthropicOptions configures the Anthropic adapter.
type AnthropicOptions struct {
	// Client is the messages client. Required.
	Client MessagesClient
	// DefaultModel is used when Request.Model is empty. Required.
	DefaultModel string
	// MaxTokens is the default completion cap. Defaults to 4096.
	MaxTokens int
}

// NewAnthropic builds an Anthropic-backed client from the provided options.
func NewAnthropic(opts AnthropicOptions) (*Anthropic, error) {
	if opts.Client == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Anthropic{msg: opts.Client, model: opts.DefaultModel, maxTokens: maxTokens}, nil
}

// NewAnthropicFromAPIKey constructs a client using the default Anthropic
// HTTP client.
func NewAnthropicFromAPIKey(apiKey, defaultModel string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(AnthropicOptions{Client: &ac.Messages, DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request. The SDK propagates
// ctx to the HTTP transport, so cancellation aborts the round trip.
func (c *Anthropic) Complete(ctx context.Context, req Request) (Response, error) {
	if err := validate(req); err != nil {
		return Response{}, err
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic message: %w", err)
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return Response{}, errors.New("anthropic: empty completion")
	}
	return Response{
		Text:       text,
		TokensUsed: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}, nil
}

// Package anthropic provides the Claude-backed agent backend.
package anthropic

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"issuebridge/pkg/backend"
)

// DefaultModel is used when the config does not name one.
const DefaultModel = "claude-sonnet-4-5"

// Client implements backend.Backend against the Anthropic Messages API.
type Client struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	counter   *backend.TokenCounter
}

// New creates an Anthropic-backed agent backend.
func New(apiKey, model string, maxTokens int) (*Client, error) {
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	counter, err := backend.NewTokenCounter()
	if err != nil {
		return nil, fmt.Errorf("anthropic backend: %w", err)
	}
	return &Client{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: int64(maxTokens),
		counter:   counter,
	}, nil
}

// Name implements backend.Backend.
func (c *Client) Name() string { return "anthropic:" + string(c.model) }

// Execute implements backend.Backend.
func (c *Client) Execute(ctx context.Context, req backend.Request) (backend.Result, error) {
	prompt := backend.BuildPrompt(c.counter, req, backend.DefaultMaxPromptTokens)

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{{
			Text: backend.SystemPrompt,
			Type: "text",
		}},
		Messages: []anthropic.MessageParam{{
			Role:    anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(prompt)},
		}},
	})
	if err != nil {
		return backend.Result{}, fmt.Errorf("anthropic request failed: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return backend.Result{}, fmt.Errorf("empty response from anthropic")
	}

	return backend.Result{
		Success:  true,
		Response: text,
		Metadata: backend.Metadata{
			Timestamp: time.Now().UTC(),
			Backend:   c.Name(),
			Source:    req.Source,
		},
	}, nil
}

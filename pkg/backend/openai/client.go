// Package openai provides the OpenAI-backed agent backend using the official Go SDK.
package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"issuebridge/pkg/backend"
)

// DefaultModel is used when the config does not name one.
const DefaultModel = "gpt-5"

// Client implements backend.Backend against the OpenAI Responses API.
type Client struct {
	client    openai.Client
	model     string
	maxTokens int64
	counter   *backend.TokenCounter
}

// New creates an OpenAI-backed agent backend.
func New(apiKey, model string, maxTokens int) (*Client, error) {
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	counter, err := backend.NewTokenCounter()
	if err != nil {
		return nil, fmt.Errorf("openai backend: %w", err)
	}
	return &Client{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: int64(maxTokens),
		counter:   counter,
	}, nil
}

// Name implements backend.Backend.
func (c *Client) Name() string { return "openai:" + c.model }

// Execute implements backend.Backend.
func (c *Client) Execute(ctx context.Context, req backend.Request) (backend.Result, error) {
	prompt := fmt.Sprintf("System: %s\n\n%s",
		backend.SystemPrompt,
		backend.BuildPrompt(c.counter, req, backend.DefaultMaxPromptTokens))

	resp, err := c.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(c.maxTokens),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(prompt)},
	})
	if err != nil {
		return backend.Result{}, fmt.Errorf("openai request failed: %w", err)
	}

	text := resp.OutputText()
	if text == "" {
		return backend.Result{}, fmt.Errorf("empty response from openai")
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

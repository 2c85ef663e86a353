// Package google provides the Gemini-backed agent backend.
package google

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"issuebridge/pkg/backend"
)

// DefaultModel is used when the config does not name one.
const DefaultModel = "gemini-2.5-flash"

// Client implements backend.Backend against the Gemini API.
type Client struct {
	client    *genai.Client
	model     string
	maxTokens int32
	counter   *backend.TokenCounter
}

// New creates a Gemini-backed agent backend. The genai client is constructed
// here so Execute never mutates shared state under concurrent calls.
func New(apiKey, model string, maxTokens int) (*Client, error) {
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	counter, err := backend.NewTokenCounter()
	if err != nil {
		return nil, fmt.Errorf("gemini backend: %w", err)
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Client{
		client:    client,
		model:     model,
		maxTokens: int32(maxTokens), //nolint:gosec // bounded by config validation
		counter:   counter,
	}, nil
}

// Name implements backend.Backend.
func (c *Client) Name() string { return "gemini:" + c.model }

// Execute implements backend.Backend.
func (c *Client) Execute(ctx context.Context, req backend.Request) (backend.Result, error) {
	prompt := backend.BuildPrompt(c.counter, req, backend.DefaultMaxPromptTokens)
	contents := []*genai.Content{
		{Role: "user", Parts: []*genai.Part{{Text: prompt}}},
	}
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: c.maxTokens,
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: backend.SystemPrompt}},
		},
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return backend.Result{}, fmt.Errorf("gemini request failed: %w", err)
	}
	if result == nil || result.Text() == "" {
		return backend.Result{}, fmt.Errorf("empty response from gemini")
	}

	return backend.Result{
		Success:  true,
		Response: result.Text(),
		Metadata: backend.Metadata{
			Timestamp: time.Now().UTC(),
			Backend:   c.Name(),
			Source:    req.Source,
		},
	}, nil
}

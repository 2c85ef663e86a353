// Package ollama provides a local agent backend running against an Ollama server.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"issuebridge/pkg/backend"
)

// DefaultHost is the standard local Ollama endpoint.
const DefaultHost = "http://localhost:11434"

// Client implements backend.Backend against an Ollama server.
type Client struct {
	client  *api.Client
	model   string
	counter *backend.TokenCounter
}

// New creates an Ollama-backed agent backend. hostURL defaults to
// http://localhost:11434 when empty or invalid.
func New(hostURL, model string) (*Client, error) {
	if hostURL == "" {
		hostURL = DefaultHost
	}
	parsed, err := url.Parse(hostURL)
	if err != nil {
		parsed, _ = url.Parse(DefaultHost)
	}
	counter, err := backend.NewTokenCounter()
	if err != nil {
		return nil, fmt.Errorf("ollama backend: %w", err)
	}
	return &Client{
		client:  api.NewClient(parsed, http.DefaultClient),
		model:   model,
		counter: counter,
	}, nil
}

// Name implements backend.Backend.
func (c *Client) Name() string { return "ollama:" + c.model }

// Execute implements backend.Backend.
func (c *Client) Execute(ctx context.Context, req backend.Request) (backend.Result, error) {
	prompt := backend.BuildPrompt(c.counter, req, backend.DefaultMaxPromptTokens)

	stream := false
	chatReq := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{Role: "system", Content: backend.SystemPrompt},
			{Role: "user", Content: prompt},
		},
		Stream: &stream,
	}

	var response api.ChatResponse
	err := c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return backend.Result{}, fmt.Errorf("ollama request failed: %w", err)
	}
	if response.Message.Content == "" {
		return backend.Result{}, fmt.Errorf("empty response from ollama")
	}

	return backend.Result{
		Success:  true,
		Response: response.Message.Content,
		Metadata: backend.Metadata{
			Timestamp: time.Now().UTC(),
			Backend:   c.Name(),
			Source:    req.Source,
		},
	}, nil
}

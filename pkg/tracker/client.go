package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"issuebridge/pkg/limiter"
	"issuebridge/pkg/logx"
)

// Operation keys used for rate limiting and cache invalidation.
const (
	opGetIssue     = "getIssue"
	opListComments = "listComments"
	opAddComment   = "addComment"
	opCreateIssue  = "createIssue"
	opUpdateIssue  = "updateIssue"
	opDeleteIssue  = "deleteIssue"
)

// batchSize and batchDelay pace bulk operations: sequential batches with a
// small pause between them rather than true concurrency.
const (
	batchSize  = 5
	batchDelay = 500 * time.Millisecond
)

// Client is the issue-tracker API surface the bridge consumes.
type Client interface {
	GetIssue(ctx context.Context, id string) (*Issue, error)
	AddComment(ctx context.Context, issueID, body string) (*Comment, error)
	ListComments(ctx context.Context, issueID string) ([]Comment, error)
	CreateIssue(ctx context.Context, input IssueInput) (*Issue, error)
	CreateIssues(ctx context.Context, inputs []IssueInput) ([]Issue, error)
	UpdateIssue(ctx context.Context, id string, input IssueInput) (*Issue, error)
	UpdateIssues(ctx context.Context, updates map[string]IssueInput) ([]Issue, error)
	DeleteIssue(ctx context.Context, id string) error
	DeleteIssues(ctx context.Context, ids []string) error
}

// HTTPClient implements Client against a REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *limiter.Limiter
	logger  *logx.Logger
}

// NewClient creates a tracker client. All calls go through lim.
func NewClient(baseURL, apiKey string, lim *limiter.Limiter) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: lim,
		logger:  logx.NewLogger("tracker"),
	}
}

// GetIssue fetches one issue by id. Responses are cached.
func (c *HTTPClient) GetIssue(ctx context.Context, id string) (*Issue, error) {
	result, err := c.limiter.Execute(ctx, opGetIssue, map[string]any{"id": id}, func(ctx context.Context) (any, error) {
		var issue Issue
		if err := c.doJSON(ctx, http.MethodGet, "/issues/"+id, nil, &issue); err != nil {
			return nil, err
		}
		return &issue, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Issue), nil
}

// ListComments fetches all comments on an issue. Responses are cached briefly.
func (c *HTTPClient) ListComments(ctx context.Context, issueID string) ([]Comment, error) {
	result, err := c.limiter.Execute(ctx, opListComments, map[string]any{"issue": issueID}, func(ctx context.Context) (any, error) {
		var comments []Comment
		if err := c.doJSON(ctx, http.MethodGet, "/issues/"+issueID+"/comments", nil, &comments); err != nil {
			return nil, err
		}
		return comments, nil
	}, limiter.WithTTL(10*time.Second))
	if err != nil {
		return nil, err
	}
	return result.([]Comment), nil
}

// AddComment posts a new comment on an issue. Never cached.
func (c *HTTPClient) AddComment(ctx context.Context, issueID, body string) (*Comment, error) {
	result, err := c.limiter.Execute(ctx, opAddComment, nil, func(ctx context.Context) (any, error) {
		var comment Comment
		payload := map[string]string{"body": body}
		if err := c.doJSON(ctx, http.MethodPost, "/issues/"+issueID+"/comments", payload, &comment); err != nil {
			return nil, err
		}
		return &comment, nil
	}, limiter.WithoutCache())
	if err != nil {
		return nil, err
	}
	c.limiter.InvalidateOperation(opListComments)
	return result.(*Comment), nil
}

// CreateIssue creates a single issue.
func (c *HTTPClient) CreateIssue(ctx context.Context, input IssueInput) (*Issue, error) {
	result, err := c.limiter.Execute(ctx, opCreateIssue, nil, func(ctx context.Context) (any, error) {
		var issue Issue
		if err := c.doJSON(ctx, http.MethodPost, "/issues", input, &issue); err != nil {
			return nil, err
		}
		return &issue, nil
	}, limiter.WithoutCache())
	if err != nil {
		return nil, err
	}
	return result.(*Issue), nil
}

// CreateIssues creates issues in sequential batches with a small inter-batch
// delay. A failure aborts the remainder and returns what was created.
func (c *HTTPClient) CreateIssues(ctx context.Context, inputs []IssueInput) ([]Issue, error) {
	created := make([]Issue, 0, len(inputs))
	for start := 0; start < len(inputs); start += batchSize {
		end := start + batchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		for _, input := range inputs[start:end] {
			issue, err := c.CreateIssue(ctx, input)
			if err != nil {
				return created, fmt.Errorf("bulk create stopped after %d issues: %w", len(created), err)
			}
			created = append(created, *issue)
		}
		if end < len(inputs) {
			select {
			case <-ctx.Done():
				return created, ctx.Err()
			case <-time.After(batchDelay):
			}
		}
	}
	return created, nil
}

// UpdateIssue patches an issue.
func (c *HTTPClient) UpdateIssue(ctx context.Context, id string, input IssueInput) (*Issue, error) {
	result, err := c.limiter.Execute(ctx, opUpdateIssue, nil, func(ctx context.Context) (any, error) {
		var issue Issue
		if err := c.doJSON(ctx, http.MethodPatch, "/issues/"+id, input, &issue); err != nil {
			return nil, err
		}
		return &issue, nil
	}, limiter.WithoutCache())
	if err != nil {
		return nil, err
	}
	c.limiter.InvalidateOperation(opGetIssue)
	return result.(*Issue), nil
}

// UpdateIssues patches issues in sequential batches with a small inter-batch
// delay. A failure aborts the remainder and returns what was updated.
func (c *HTTPClient) UpdateIssues(ctx context.Context, updates map[string]IssueInput) ([]Issue, error) {
	updated := make([]Issue, 0, len(updates))
	n := 0
	for id, input := range updates {
		issue, err := c.UpdateIssue(ctx, id, input)
		if err != nil {
			return updated, fmt.Errorf("bulk update stopped after %d issues: %w", len(updated), err)
		}
		updated = append(updated, *issue)
		n++
		if n%batchSize == 0 && n < len(updates) {
			select {
			case <-ctx.Done():
				return updated, ctx.Err()
			case <-time.After(batchDelay):
			}
		}
	}
	return updated, nil
}

// DeleteIssue removes an issue.
func (c *HTTPClient) DeleteIssue(ctx context.Context, id string) error {
	_, err := c.limiter.Execute(ctx, opDeleteIssue, nil, func(ctx context.Context) (any, error) {
		return nil, c.doJSON(ctx, http.MethodDelete, "/issues/"+id, nil, nil)
	}, limiter.WithoutCache())
	if err != nil {
		return err
	}
	c.limiter.InvalidateOperation(opGetIssue)
	return nil
}

// DeleteIssues removes issues in sequential batches with a small inter-batch
// delay. A failure aborts the remainder.
func (c *HTTPClient) DeleteIssues(ctx context.Context, ids []string) error {
	for i, id := range ids {
		if err := c.DeleteIssue(ctx, id); err != nil {
			return fmt.Errorf("bulk delete stopped after %d issues: %w", i, err)
		}
		if (i+1)%batchSize == 0 && i+1 < len(ids) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(batchDelay):
			}
		}
	}
	return nil
}

// doJSON performs one HTTP request and decodes the JSON response into out
// (which may be nil for empty responses).
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("%s %s", method, path)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tracker request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("tracker returned %d for %s %s: %s", resp.StatusCode, method, path, data)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode tracker response: %w", err)
	}
	return nil
}

// Package tracker provides the issue-tracker API client. Every outbound call
// is routed through the rate limiter/cache so the process stays inside the
// upstream request budget.
package tracker

import "time"

// Issue is the tracker's issue record, reduced to the fields the bridge reads.
type Issue struct {
	ID          string    `json:"id"`
	Identifier  string    `json:"identifier"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	State       string    `json:"state,omitempty"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Comment is one comment on an issue.
type Comment struct {
	ID        string    `json:"id"`
	IssueID   string    `json:"issue_id"`
	Body      string    `json:"body"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IssueInput carries the writable fields for issue creation and updates.
type IssueInput struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	State       string `json:"state,omitempty"`
}

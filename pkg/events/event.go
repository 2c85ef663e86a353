package events

import "time"

// Event types as delivered by the webhook transport.
const (
	TypeComment = "Comment"
	TypeIssue   = "Issue"
)

// Actions within an event type.
const (
	ActionCreate       = "create"
	ActionUpdate       = "update"
	ActionRemove       = "remove"
	ActionAssign       = "assign"
	ActionStatusChange = "status_change"
)

// Actor identifies who triggered the event.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Payload carries the event-type specific fields the pipeline reads. Comment
// events populate Body and CommentID; issue events just the issue fields.
type Payload struct {
	IssueID         string `json:"issue_id"`
	IssueIdentifier string `json:"issue_identifier"`
	IssueTitle      string `json:"issue_title"`
	ProjectID       string `json:"project_id,omitempty"`
	CommentID       string `json:"comment_id,omitempty"`
	Body            string `json:"body,omitempty"`
}

// Event is the normalized record handed to the processor. Transport-level
// authenticity is verified upstream; the processor trusts its fields.
type Event struct {
	Type      string    `json:"type"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
	Actor     Actor     `json:"actor"`
	Data      Payload   `json:"data"`
	URL       string    `json:"url"`
}

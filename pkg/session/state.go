// Package session owns the per-conversation state machine: sessions are
// created from a triggering comment, execute commands through the agent
// executor, and expire on inactivity. All state is in-memory and
// process-lifetime only.
package session

import (
	"time"

	"issuebridge/pkg/backend"
	"issuebridge/pkg/command"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusExpired      Status = "expired"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

// validTransitions is the session transition table. Anything not listed is
// rejected.
var validTransitions = map[Status][]Status{
	StatusInitializing: {StatusActive, StatusCompleted, StatusExpired, StatusError},
	StatusActive:       {StatusPaused, StatusCompleted, StatusExpired, StatusError},
	StatusPaused:       {StatusActive, StatusCompleted, StatusExpired, StatusError},
	StatusError:        {StatusCompleted, StatusExpired},
	StatusCompleted:    {},
	StatusExpired:      {},
}

func canTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Context is the immutable snapshot of the triggering source plus a mutable
// metadata map for per-session bookkeeping (command count, working directory,
// env-style values).
type Context struct {
	IssueID         string         `json:"issue_id"`
	IssueIdentifier string         `json:"issue_identifier"`
	CommentID       string         `json:"comment_id"`
	Actor           string         `json:"actor"`
	Timestamp       time.Time      `json:"timestamp"`
	IssueURL        string         `json:"issue_url"`
	Metadata        map[string]any `json:"metadata"`
}

// CommandRecord is one executed command and its outcome; history entries are
// append-only.
type CommandRecord struct {
	Command   command.Command `json:"command"`
	Result    backend.Result  `json:"result"`
	Duration  time.Duration   `json:"duration"`
	Timestamp time.Time       `json:"timestamp"`
	Synthetic bool            `json:"synthetic,omitempty"` // Seed/status entries not executed by the backend
}

// State is a snapshot of one session. Manager methods return copies; mutations
// happen only inside the manager.
type State struct {
	ID           string          `json:"id"`
	Context      Context         `json:"context"`
	Status       Status          `json:"status"`
	History      []CommandRecord `json:"history"`
	Timeout      time.Duration   `json:"timeout"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity time.Time       `json:"last_activity"`
}

// CommandCount returns the number of non-synthetic history entries.
func (s *State) CommandCount() int {
	n := 0
	for i := range s.History {
		if !s.History[i].Synthetic {
			n++
		}
	}
	return n
}

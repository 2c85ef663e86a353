// Package backend defines the agent backend contract: the executor hands a
// validated command request to a backend, which performs the work and returns
// a result. Provider implementations live in subpackages.
package backend

import (
	"context"
	"time"
)

// Request is one command execution request handed to a backend.
type Request struct {
	Action    string            `json:"action"`
	Arguments []string          `json:"arguments"`
	Options   map[string]string `json:"options"`
	Context   map[string]any    `json:"context,omitempty"`
	Source    string            `json:"source"`
}

// Metadata carries execution bookkeeping attached to every result.
type Metadata struct {
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Backend   string        `json:"backend"`
	Source    string        `json:"source"`
}

// Result is the outcome of one backend execution.
type Result struct {
	Success  bool           `json:"success"`
	Response string         `json:"response"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata Metadata       `json:"metadata"`
}

// Backend performs the actual work for a command request.
type Backend interface {
	// Name identifies the backend in result metadata and logs.
	Name() string

	// Execute runs one request. Implementations honor ctx cancellation but
	// are not required to stop in-flight upstream work; the caller discards
	// abandoned results.
	Execute(ctx context.Context, req Request) (Result, error)
}

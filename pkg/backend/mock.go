package backend

import (
	"context"
	"fmt"
	"sync"
)

// MockBackend is a scripted backend for tests and dry-run mode. Responses are
// returned in order; when the script is exhausted it echoes the request.
type MockBackend struct {
	mu        sync.Mutex
	responses []Result
	errs      []error
	calls     []Request
}

// NewMockBackend creates a mock backend with scripted responses. Either slice
// may be nil; a nil error slot means success.
func NewMockBackend(responses []Result, errs []error) *MockBackend {
	return &MockBackend{responses: responses, errs: errs}
}

// Name implements Backend.
func (m *MockBackend) Name() string { return "mock" }

// Execute implements Backend.
func (m *MockBackend) Execute(_ context.Context, req Request) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := len(m.calls)
	m.calls = append(m.calls, req)

	if idx < len(m.errs) && m.errs[idx] != nil {
		return Result{}, m.errs[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	return Result{
		Success:  true,
		Response: fmt.Sprintf("executed %s", req.Action),
	}, nil
}

// Calls returns a copy of all requests seen so far.
func (m *MockBackend) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request{}, m.calls...)
}

// CallCount returns how many times Execute was invoked.
func (m *MockBackend) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

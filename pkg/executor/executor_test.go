package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuebridge/pkg/backend"
)

// newFastExecutor builds an executor whose retry backoff is instant.
func newFastExecutor(b backend.Backend, cfg Config) *Executor {
	e := New(b, cfg)
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func validRequest() backend.Request {
	return backend.Request{
		Action:  "create-file",
		Options: map[string]string{},
		Source:  "issue ENG-1",
	}
}

func TestExecuteSuccess(t *testing.T) {
	mock := backend.NewMockBackend([]backend.Result{{Success: true, Response: "done"}}, nil)
	e := newFastExecutor(mock, DefaultConfig)

	result := e.Execute(context.Background(), validRequest())

	assert.True(t, result.Success)
	assert.Equal(t, "done", result.Response)
	assert.Equal(t, "mock", result.Metadata.Backend)
	assert.Equal(t, "issue ENG-1", result.Metadata.Source)
	assert.False(t, result.Metadata.Timestamp.IsZero())
}

func TestValidationFailuresAreImmediate(t *testing.T) {
	tests := []struct {
		name string
		req  backend.Request
	}{
		{"empty action", backend.Request{Source: "s"}},
		{"blank action", backend.Request{Action: "  ", Source: "s"}},
		{"empty source", backend.Request{Action: "help"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := backend.NewMockBackend(nil, nil)
			e := newFastExecutor(mock, DefaultConfig)

			result := e.Execute(context.Background(), tt.req)

			assert.False(t, result.Success)
			assert.Contains(t, result.Error, "validation failed")
			assert.Zero(t, mock.CallCount(), "backend must not be invoked")
		})
	}
}

func TestNonRetryableErrorInvokedExactlyOnce(t *testing.T) {
	authErr := errors.New("authentication failed: bad token")
	mock := backend.NewMockBackend(nil, []error{authErr, authErr, authErr})
	e := newFastExecutor(mock, Config{RetryAttempts: 3})

	result := e.Execute(context.Background(), validRequest())

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "authentication failed")
	assert.Equal(t, 1, mock.CallCount())
}

func TestTransientErrorRetriedThenSucceeds(t *testing.T) {
	transient := errors.New("upstream connection reset")
	mock := backend.NewMockBackend(
		[]backend.Result{{}, {}, {Success: true, Response: "third time lucky"}},
		[]error{transient, transient, nil},
	)
	e := newFastExecutor(mock, Config{RetryAttempts: 2})

	result := e.Execute(context.Background(), validRequest())

	assert.True(t, result.Success)
	assert.Equal(t, "third time lucky", result.Response)
	assert.Equal(t, 3, mock.CallCount())
}

func TestRetriesExhausted(t *testing.T) {
	transient := errors.New("temporary failure")
	mock := backend.NewMockBackend(nil, []error{transient, transient, transient, transient})
	e := newFastExecutor(mock, Config{RetryAttempts: 2})

	result := e.Execute(context.Background(), validRequest())

	assert.False(t, result.Success)
	assert.Equal(t, 3, mock.CallCount(), "one initial attempt plus two retries")
}

// slowBackend ignores context and blocks, simulating a hung upstream call.
type slowBackend struct{ delay time.Duration }

func (s *slowBackend) Name() string { return "slow" }

func (s *slowBackend) Execute(context.Context, backend.Request) (backend.Result, error) {
	time.Sleep(s.delay)
	return backend.Result{Success: true, Response: "late"}, nil
}

func TestTimeoutAbandonsHungCall(t *testing.T) {
	e := newFastExecutor(&slowBackend{delay: time.Second}, Config{
		DefaultTimeout: 30 * time.Millisecond,
		RetryAttempts:  0,
	})

	start := time.Now()
	result := e.Execute(context.Background(), validRequest())

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timed out")
	assert.Less(t, time.Since(start), 500*time.Millisecond, "must not wait for the hung call")
}

func TestTimeoutOptionOverrideIsBounded(t *testing.T) {
	e := New(backend.NewMockBackend(nil, nil), Config{
		DefaultTimeout: time.Minute,
		MaxTimeout:     2 * time.Minute,
	})

	tests := []struct {
		option   string
		expected time.Duration
	}{
		{"30", 30 * time.Second},
		{"600", 2 * time.Minute}, // Capped at MaxTimeout
		{"abc", time.Minute},     // Unparseable falls back to default
		{"-5", time.Minute},
	}
	for _, tt := range tests {
		req := validRequest()
		req.Options["timeout"] = tt.option
		assert.Equal(t, tt.expected, e.requestTimeout(req), "option %q", tt.option)
	}
}

func TestResultMetadataOnFailure(t *testing.T) {
	mock := backend.NewMockBackend(nil, []error{errors.New("unknown command: frobnicate")})
	e := newFastExecutor(mock, DefaultConfig)

	result := e.Execute(context.Background(), validRequest())

	require.False(t, result.Success)
	assert.Equal(t, "mock", result.Metadata.Backend)
	assert.GreaterOrEqual(t, result.Metadata.Duration, time.Duration(0))
}

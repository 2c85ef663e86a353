// Package executor validates and executes single commands against the agent
// backend, enforcing per-request timeouts and bounded retries with exponential
// backoff. Failures that cannot succeed on retry are classified by message
// content and returned immediately.
package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"issuebridge/pkg/backend"
	"issuebridge/pkg/logx"
)

// Config defines executor timing and retry behavior.
type Config struct {
	DefaultTimeout time.Duration // Per-request timeout when not overridden
	MaxTimeout     time.Duration // Upper bound for option-supplied overrides
	RetryAttempts  int           // Retries after the first attempt
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	DefaultTimeout: 2 * time.Minute,
	MaxTimeout:     10 * time.Minute,
	RetryAttempts:  2,
}

// nonRetryablePatterns marks failures that retrying cannot fix: bad input,
// unknown commands, and permission/auth problems.
var nonRetryablePatterns = []string{
	"validation",
	"invalid request",
	"invalid parameter",
	"unknown command",
	"not supported",
	"unauthorized",
	"permission denied",
	"authentication failed",
	"forbidden",
}

// Executor runs command requests against one backend.
type Executor struct {
	backend backend.Backend
	cfg     Config
	logger  *logx.Logger

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error

	observer func(action, backend string, success bool, duration time.Duration)
}

// New creates an executor for the given backend.
func New(b backend.Backend, cfg Config) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig.DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultConfig.MaxTimeout
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = DefaultConfig.RetryAttempts
	}
	return &Executor{
		backend: b,
		cfg:     cfg,
		logger:  logx.NewLogger("executor"),
		sleep:   sleepCtx,
	}
}

// SetObserver installs a callback invoked after every execution with the
// action, backend name, outcome, and duration. Set it during wiring, before
// any traffic.
func (e *Executor) SetObserver(fn func(action, backend string, success bool, duration time.Duration)) {
	e.observer = fn
}

// Execute runs one request. The returned result always carries execution
// metadata; failures are reported through Result.Error, never panics.
func (e *Executor) Execute(ctx context.Context, req backend.Request) backend.Result {
	start := time.Now()

	if err := validate(req); err != nil {
		e.logger.Warn("rejected invalid request: %v", err)
		return e.finalize(req, start, backend.Result{Error: err.Error()})
	}

	timeout := e.requestTimeout(req)
	var lastErr error

	for attempt := 1; attempt <= e.cfg.RetryAttempts+1; attempt++ {
		if attempt > 1 {
			// 2^(n-1) seconds before retry n.
			delay := time.Duration(1<<(attempt-2)) * time.Second
			e.logger.Debug("retry %d for %s after %v", attempt-1, req.Action, delay)
			if err := e.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		result, err := e.runOnce(ctx, req, timeout)
		if err == nil {
			return e.finalize(req, start, result)
		}
		lastErr = err

		if isNonRetryable(err) {
			e.logger.Debug("non-retryable failure for %s: %v", req.Action, err)
			break
		}
	}

	return e.finalize(req, start, backend.Result{Error: lastErr.Error()})
}

// runOnce races one backend call against the per-request timeout. On timeout
// the call is abandoned: it may still be running, but its result is discarded.
func (e *Executor) runOnce(ctx context.Context, req backend.Request, timeout time.Duration) (backend.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result backend.Result
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := e.backend.Execute(ctx, req)
		ch <- outcome{result, err}
	}()

	select {
	case <-ctx.Done():
		return backend.Result{}, fmt.Errorf("execution timed out after %v", timeout)
	case out := <-ch:
		if out.err != nil {
			return backend.Result{}, out.err
		}
		return out.result, nil
	}
}

// finalize stamps execution metadata onto a result.
func (e *Executor) finalize(req backend.Request, start time.Time, result backend.Result) backend.Result {
	if result.Error != "" {
		result.Success = false
	}
	result.Metadata.Timestamp = start.UTC()
	result.Metadata.Duration = time.Since(start)
	result.Metadata.Backend = e.backend.Name()
	result.Metadata.Source = req.Source
	if e.observer != nil {
		e.observer(req.Action, result.Metadata.Backend, result.Success, result.Metadata.Duration)
	}
	return result
}

// requestTimeout derives the per-request timeout from an options.timeout
// override in seconds, bounded by the configured maximum.
func (e *Executor) requestTimeout(req backend.Request) time.Duration {
	raw, ok := req.Options["timeout"]
	if !ok {
		return e.cfg.DefaultTimeout
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return e.cfg.DefaultTimeout
	}
	timeout := time.Duration(secs) * time.Second
	if timeout > e.cfg.MaxTimeout {
		return e.cfg.MaxTimeout
	}
	return timeout
}

func validate(req backend.Request) error {
	if strings.TrimSpace(req.Action) == "" {
		return fmt.Errorf("validation failed: action must be non-empty")
	}
	if strings.TrimSpace(req.Source) == "" {
		return fmt.Errorf("validation failed: source must be non-empty")
	}
	return nil
}

func isNonRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range nonRetryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

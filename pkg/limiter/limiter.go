// Package limiter guards outbound API calls with a per-operation sliding
// window rate limit and a TTL response cache. Every tracker API call is routed
// through Execute so the process stays under the upstream request budget.
package limiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"issuebridge/pkg/logx"
)

// Config holds rate limit and cache tuning.
type Config struct {
	MaxRequestsPerWindow int           // Admissions per operation per window
	Window               time.Duration // Window length; reset wholesale, not rolled
	DefaultTTL           time.Duration // Cache TTL when the caller does not override
	MaxCacheEntries      int           // Cache size bound; oldest evicted first
	SweepInterval        time.Duration // Background cleanup interval
}

// DefaultConfig provides reasonable defaults for a tracker API allowing
// roughly one request per second sustained.
var DefaultConfig = Config{
	MaxRequestsPerWindow: 50,
	Window:               time.Minute,
	DefaultTTL:           30 * time.Second,
	MaxCacheEntries:      500,
	SweepInterval:        5 * time.Minute,
}

type window struct {
	count       int
	windowStart time.Time
	windowReset time.Time
}

type cacheEntry struct {
	data      any
	cachedAt  time.Time
	expiresAt time.Time
}

// Limiter is safe for concurrent use. Construct with New and release with Stop.
type Limiter struct {
	cfg    Config
	logger *logx.Logger

	mu      sync.Mutex
	windows map[string]*window
	cache   map[string]*cacheEntry

	// onThrottle, if set, is invoked whenever a caller has to wait for a
	// window reset. Used to feed the metrics recorder without a direct
	// dependency on it.
	onThrottle func(operation string, wait time.Duration)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a limiter and starts its background sweep.
func New(cfg Config) *Limiter {
	if cfg.MaxRequestsPerWindow <= 0 {
		cfg.MaxRequestsPerWindow = DefaultConfig.MaxRequestsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig.Window
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig.DefaultTTL
	}
	if cfg.MaxCacheEntries <= 0 {
		cfg.MaxCacheEntries = DefaultConfig.MaxCacheEntries
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig.SweepInterval
	}

	l := &Limiter{
		cfg:     cfg,
		logger:  logx.NewLogger("limiter"),
		windows: make(map[string]*window),
		cache:   make(map[string]*cacheEntry),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// SetThrottleHook installs a callback fired when a caller blocks on the rate
// limit. Must be called before the limiter is shared across goroutines.
func (l *Limiter) SetThrottleHook(hook func(operation string, wait time.Duration)) {
	l.onThrottle = hook
}

// Option adjusts a single Execute call.
type Option func(*callOptions)

type callOptions struct {
	useCache bool
	ttl      time.Duration
}

// WithoutCache bypasses the response cache for this call. Mutating operations
// must use it.
func WithoutCache() Option {
	return func(o *callOptions) { o.useCache = false }
}

// WithTTL overrides the default cache TTL for this call.
func WithTTL(ttl time.Duration) Option {
	return func(o *callOptions) { o.ttl = ttl }
}

// Execute runs fn under the rate limit for operation, consulting the response
// cache first. On a cache hit the thunk is not invoked and no rate budget is
// consumed. Errors are never cached and propagate unchanged. If the window
// budget is exhausted, Execute blocks until the window resets or ctx is done.
func (l *Limiter) Execute(ctx context.Context, operation string, params map[string]any, fn func(ctx context.Context) (any, error), opts ...Option) (any, error) {
	call := callOptions{useCache: true, ttl: l.cfg.DefaultTTL}
	for _, opt := range opts {
		opt(&call)
	}

	var key string
	if call.useCache {
		key = cacheKey(operation, params)
		if data, ok := l.cacheGet(key); ok {
			l.logger.Debug("cache hit for %s", operation)
			return data, nil
		}
	}

	if err := l.acquire(ctx, operation); err != nil {
		return nil, err
	}

	result, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	if call.useCache {
		l.cachePut(key, result, call.ttl)
	}
	return result, nil
}

// acquire takes one admission from the operation's current window, blocking
// through window resets until budget is available. The wait is an explicit
// loop bounded by ctx, not unbounded recursion; concurrent waiters all wake at
// the same reset instant and race to increment.
func (l *Limiter) acquire(ctx context.Context, operation string) error {
	for {
		l.mu.Lock()
		now := time.Now()
		w := l.windows[operation]
		if w == nil || !now.Before(w.windowReset) {
			l.windows[operation] = &window{
				count:       1,
				windowStart: now,
				windowReset: now.Add(l.cfg.Window),
			}
			l.mu.Unlock()
			return nil
		}
		if w.count < l.cfg.MaxRequestsPerWindow {
			w.count++
			l.mu.Unlock()
			return nil
		}
		wait := w.windowReset.Sub(now)
		l.mu.Unlock()

		l.logger.Debug("rate limit reached for %s, waiting %v", operation, wait)
		if l.onThrottle != nil {
			l.onThrottle(operation, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait for %s: %w", operation, ctx.Err())
		case <-timer.C:
		}
	}
}

func (l *Limiter) cacheGet(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.data, true
}

func (l *Limiter) cachePut(key string, data any, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.cache[key] = &cacheEntry{
		data:      data,
		cachedAt:  now,
		expiresAt: now.Add(ttl),
	}
	l.evictLocked()
}

// evictLocked removes oldest-cached entries until the cache is within bounds.
// Caller must hold l.mu.
func (l *Limiter) evictLocked() {
	for len(l.cache) > l.cfg.MaxCacheEntries {
		oldestKey := ""
		var oldestAt time.Time
		for k, e := range l.cache {
			if oldestKey == "" || e.cachedAt.Before(oldestAt) {
				oldestKey = k
				oldestAt = e.cachedAt
			}
		}
		delete(l.cache, oldestKey)
	}
}

// InvalidateOperation drops all cached responses for an operation. Mutating
// calls use this to keep subsequent reads fresh.
func (l *Limiter) InvalidateOperation(operation string) {
	prefix := operation + ":"
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.cache {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(l.cache, k)
		}
	}
}

// Stats is a point-in-time snapshot for status endpoints.
type Stats struct {
	Operations   int `json:"operations"`
	CacheEntries int `json:"cache_entries"`
}

// GetStats returns current table sizes.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Operations: len(l.windows), CacheEntries: len(l.cache)}
}

// Stop halts the background sweep. Idempotent.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		<-l.doneCh
	})
}

func (l *Limiter) sweepLoop() {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep drops expired windows and cache entries.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for op, w := range l.windows {
		if !now.Before(w.windowReset) {
			delete(l.windows, op)
		}
	}
	for k, e := range l.cache {
		if now.After(e.expiresAt) {
			delete(l.cache, k)
		}
	}
}

// cacheKey derives a deterministic key from the operation name and its
// parameters. Keys are sorted so logically equal parameter maps hash equal.
func cacheKey(operation string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		v, err := json.Marshal(params[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%v", params[k]))
		}
		fmt.Fprintf(h, "%s=%s;", k, v)
	}
	return operation + ":" + hex.EncodeToString(h.Sum(nil))
}

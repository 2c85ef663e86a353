// Package kernel assembles the bridge: every collaborator is constructed
// explicitly here and passed down, so nothing in the pipeline reaches for
// global state.
package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"issuebridge/pkg/activity"
	"issuebridge/pkg/backend"
	"issuebridge/pkg/backend/anthropic"
	"issuebridge/pkg/backend/google"
	"issuebridge/pkg/backend/ollama"
	openaibackend "issuebridge/pkg/backend/openai"
	"issuebridge/pkg/command"
	"issuebridge/pkg/config"
	"issuebridge/pkg/events"
	"issuebridge/pkg/executor"
	"issuebridge/pkg/limiter"
	"issuebridge/pkg/logx"
	"issuebridge/pkg/metrics"
	"issuebridge/pkg/session"
	"issuebridge/pkg/tracker"
	"issuebridge/pkg/webhook"
)

// Kernel owns the wired component graph and its lifecycle.
type Kernel struct {
	Config config.Config
	Logger *logx.Logger

	Limiter   *limiter.Limiter
	Tracker   tracker.Client
	Backend   backend.Backend
	Executor  *executor.Executor
	Sessions  *session.Manager
	Bus       *events.Bus
	Processor *events.Processor
	Activity  *activity.Store
	Recorder  *metrics.Recorder
	Query     *metrics.QueryService
	Server    *webhook.Server

	running bool
}

// New assembles all components from cfg on the default Prometheus registry.
// Nothing starts listening until Start is called.
func New(cfg config.Config) (*Kernel, error) {
	return NewWithRegisterer(cfg, prometheus.DefaultRegisterer)
}

// NewWithRegisterer assembles the component graph, registering metrics on
// reg. Tests pass a fresh registry so multiple kernels can coexist in one
// process.
func NewWithRegisterer(cfg config.Config, reg prometheus.Registerer) (*Kernel, error) {
	k := &Kernel{
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
	}

	k.Limiter = limiter.New(limiter.Config{
		MaxRequestsPerWindow: cfg.RateLimit.MaxRequests,
		Window:               cfg.RateLimit.Window.Std(),
		DefaultTTL:           cfg.RateLimit.CacheTTL.Std(),
		MaxCacheEntries:      cfg.RateLimit.MaxCacheEntries,
	})
	k.Tracker = tracker.NewClient(cfg.Tracker.BaseURL, cfg.Tracker.APIKey, k.Limiter)

	be, err := buildBackend(cfg)
	if err != nil {
		k.Limiter.Stop()
		return nil, err
	}
	k.Backend = be

	k.Executor = executor.New(k.Backend, executor.Config{
		DefaultTimeout: cfg.Executor.DefaultTimeout.Std(),
		MaxTimeout:     cfg.Executor.MaxTimeout.Std(),
		RetryAttempts:  cfg.Executor.RetryAttempts,
	})

	k.Sessions = session.NewManager(k.Executor, session.Config{
		DefaultTimeout: cfg.Session.Timeout.Std(),
		MaxAge:         cfg.Session.MaxAge.Std(),
		MaxCommands:    cfg.Session.MaxCommands,
		RemovalGrace:   cfg.Session.RemovalGrace.Std(),
	})

	k.Bus = events.NewBus()

	if cfg.Metrics.Enabled {
		k.Recorder = metrics.NewRecorderWith(reg)
		k.Bus.Subscribe(k.Recorder)
		k.Executor.SetObserver(k.Recorder.ObserveCommand)
		k.Limiter.SetThrottleHook(k.Recorder.ObserveThrottle)
		if err := metrics.RegisterSessionGauge(reg, k.Sessions.ActiveCount); err != nil {
			k.Logger.Warn("session gauge not registered: %v", err)
		}
	}

	if cfg.Metrics.PrometheusURL != "" {
		queries, err := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
		if err != nil {
			k.Sessions.Shutdown()
			k.Limiter.Stop()
			return nil, fmt.Errorf("failed to create metrics query service: %w", err)
		}
		k.Query = queries
	}

	if cfg.Activity.Path != "" {
		store, err := activity.NewStore(cfg.Activity.Path)
		if err != nil {
			k.Sessions.Shutdown()
			k.Limiter.Stop()
			return nil, fmt.Errorf("failed to open activity store: %w", err)
		}
		k.Activity = store
		k.Bus.Subscribe(store)
	}

	detector := command.NewDetector(cfg.Webhook.Marker)
	k.Processor = events.NewProcessor(detector, k.Sessions, k.Executor, k.Tracker, k.Bus)
	k.Server = webhook.NewServer(k.Processor, k, cfg.Webhook.Secret)
	if k.Query != nil {
		k.Server.SetQueryService(k.Query)
	}

	return k, nil
}

// buildBackend selects the agent backend from config.
func buildBackend(cfg config.Config) (backend.Backend, error) {
	bc := cfg.Backend
	switch bc.Provider {
	case config.ProviderAnthropic:
		return anthropic.New(cfg.BackendAPIKey(), bc.Model, bc.MaxTokens)
	case config.ProviderOpenAI:
		return openaibackend.New(cfg.BackendAPIKey(), bc.Model, bc.MaxTokens)
	case config.ProviderOllama:
		return ollama.New(bc.Host, bc.Model)
	case config.ProviderGoogle:
		return google.New(cfg.BackendAPIKey(), bc.Model, bc.MaxTokens)
	case config.ProviderMock:
		return backend.NewMockBackend(nil, nil), nil
	default:
		return nil, fmt.Errorf("unknown backend provider %q", bc.Provider)
	}
}

// ActiveSessions satisfies the webhook status surface.
func (k *Kernel) ActiveSessions() int {
	return k.Sessions.ActiveCount()
}

// ActivityCounts satisfies the webhook status surface.
func (k *Kernel) ActivityCounts() map[string]int {
	if k.Activity == nil {
		return nil
	}
	counts, err := k.Activity.CountByType()
	if err != nil {
		k.Logger.Warn("failed to read activity counts: %v", err)
		return nil
	}
	return counts
}

// Start begins serving webhook traffic.
func (k *Kernel) Start() {
	addr := fmt.Sprintf("%s:%d", k.Config.Server.Host, k.Config.Server.Port)
	k.Server.Start(addr)
	k.running = true
	k.Logger.Info("Bridge started: backend=%s marker=%q", k.Backend.Name(), k.Config.Webhook.Marker)
}

// Stop shuts everything down in reverse dependency order: stop accepting
// deliveries, close sessions, then stop the limiter and sinks.
func (k *Kernel) Stop(ctx context.Context) {
	if !k.running {
		return
	}
	k.running = false

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := k.Server.Stop(shutdownCtx); err != nil {
		k.Logger.Warn("webhook server stop: %v", err)
	}

	k.Sessions.Shutdown()
	k.Limiter.Stop()

	if k.Activity != nil {
		if err := k.Activity.Close(); err != nil {
			k.Logger.Warn("activity store close: %v", err)
		}
	}
	k.Logger.Info("Bridge stopped")
}

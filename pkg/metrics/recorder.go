// Package metrics provides Prometheus recording and querying for the bridge
// pipeline: events received, commands executed, sessions live, and tracker
// API throttling.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"issuebridge/pkg/events"
)

// Recorder records pipeline metrics. It implements events.Observer so it can
// be subscribed to the activity bus directly.
type Recorder struct {
	eventsTotal     *prometheus.CounterVec
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	throttleTotal   *prometheus.CounterVec
	apiWaitTime     *prometheus.HistogramVec
}

// NewRecorder registers the bridge metrics on the default registry.
func NewRecorder() *Recorder {
	return NewRecorderWith(prometheus.DefaultRegisterer)
}

// NewRecorderWith registers the bridge metrics on reg. Tests pass a fresh
// registry to avoid duplicate-collector panics.
func NewRecorderWith(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_events_total",
				Help: "Total number of webhook events received by type and action",
			},
			[]string{"type", "action"},
		),
		commandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_commands_total",
				Help: "Total number of commands executed by action, backend, and status",
			},
			[]string{"action", "backend", "status"},
		),
		commandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_command_duration_seconds",
				Help:    "Duration of command executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action", "backend"},
		),
		throttleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_api_throttle_total",
				Help: "Total number of tracker API rate limit throttling events",
			},
			[]string{"operation"},
		),
		apiWaitTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_api_wait_duration_seconds",
				Help:    "Time spent waiting for tracker API rate limit availability",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// OnActivity counts one received event. Satisfies events.Observer.
func (r *Recorder) OnActivity(activity events.Activity) {
	r.eventsTotal.WithLabelValues(activity.Type, activity.Action).Inc()
}

// ObserveCommand records one completed command execution.
func (r *Recorder) ObserveCommand(action, backend string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	r.commandsTotal.WithLabelValues(action, backend, status).Inc()
	r.commandDuration.WithLabelValues(action, backend).Observe(duration.Seconds())
}

// ObserveThrottle records one rate-limit wait. Wire it to the limiter's
// throttle hook.
func (r *Recorder) ObserveThrottle(operation string, wait time.Duration) {
	r.throttleTotal.WithLabelValues(operation).Inc()
	r.apiWaitTime.WithLabelValues(operation).Observe(wait.Seconds())
}

// RegisterSessionGauge exposes a live session count as a gauge backed by fn.
// Registering twice on the same registry is reported as an error rather than
// a panic; the first registration keeps serving.
func RegisterSessionGauge(reg prometheus.Registerer, fn func() int) error {
	err := reg.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "bridge_sessions_active",
			Help: "Number of sessions currently in the active state",
		},
		func() float64 { return float64(fn()) },
	))
	if err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return fmt.Errorf("session gauge already registered: %w", err)
		}
		return fmt.Errorf("failed to register session gauge: %w", err)
	}
	return nil
}

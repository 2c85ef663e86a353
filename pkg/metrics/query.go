package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ActionMetrics is the aggregated execution record for one command action.
type ActionMetrics struct {
	Action      string  `json:"action"`
	Executions  int64   `json:"executions"`
	Failures    int64   `json:"failures"`
	AvgDuration float64 `json:"avg_duration_seconds"`
}

// QueryService reads aggregated bridge metrics back from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service for the given Prometheus address.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetActionMetrics retrieves execution counts and average duration for one
// command action, aggregated across backends.
func (q *QueryService) GetActionMetrics(ctx context.Context, action string) (*ActionMetrics, error) {
	metrics := &ActionMetrics{
		Action: action,
	}

	totalQuery := fmt.Sprintf(`sum(bridge_commands_total{action=%q})`, action)
	totalResult, _, err := q.queryAPI.Query(ctx, totalQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	if vector, ok := totalResult.(model.Vector); ok && len(vector) > 0 {
		metrics.Executions = int64(vector[0].Value)
	}

	failuresQuery := fmt.Sprintf(`sum(bridge_commands_total{action=%q, status="error"})`, action)
	failuresResult, _, err := q.queryAPI.Query(ctx, failuresQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	if vector, ok := failuresResult.(model.Vector); ok && len(vector) > 0 {
		metrics.Failures = int64(vector[0].Value)
	}

	avgQuery := fmt.Sprintf(
		`sum(bridge_command_duration_seconds_sum{action=%q}) / sum(bridge_command_duration_seconds_count{action=%q})`,
		action, action,
	)
	avgResult, _, err := q.queryAPI.Query(ctx, avgQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query average duration: %w", err)
	}
	if vector, ok := avgResult.(model.Vector); ok && len(vector) > 0 {
		metrics.AvgDuration = float64(vector[0].Value)
	}

	return metrics, nil
}

// GetMetricsByAction retrieves per-action metrics for every action the bridge
// has executed.
func (q *QueryService) GetMetricsByAction(ctx context.Context) (map[string]*ActionMetrics, error) {
	result := make(map[string]*ActionMetrics)

	actionsQuery := `group by (action) (bridge_commands_total)`
	actionsResult, _, err := q.queryAPI.Query(ctx, actionsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}

	var actions []string
	if vector, ok := actionsResult.(model.Vector); ok {
		for _, sample := range vector {
			if action, ok := sample.Metric["action"]; ok {
				actions = append(actions, string(action))
			}
		}
	}

	for _, action := range actions {
		metrics, err := q.GetActionMetrics(ctx, action)
		if err != nil {
			return nil, fmt.Errorf("failed to query metrics for action %s: %w", action, err)
		}
		result[action] = metrics
	}

	return result, nil
}

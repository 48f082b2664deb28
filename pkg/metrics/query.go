// Package metrics provides services for querying and aggregating metrics data.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ReportMetrics represents aggregated LLM usage for one report.
type ReportMetrics struct {
	ReportID         string  `json:"report_id"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
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

// GetReportMetrics retrieves aggregated token and cost metrics for a
// report, summed across every agent role that worked on it.
func (q *QueryService) GetReportMetrics(ctx context.Context, reportID string) (*ReportMetrics, error) {
	metrics := &ReportMetrics{
		ReportID: reportID,
	}

	promptTokensQuery := fmt.Sprintf(`sum(llm_tokens_total{report_id=%q, type="prompt"})`, reportID)
	promptResult, _, err := q.queryAPI.Query(ctx, promptTokensQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
		metrics.PromptTokens = int64(vector[0].Value)
	}

	completionTokensQuery := fmt.Sprintf(`sum(llm_tokens_total{report_id=%q, type="completion"})`, reportID)
	completionResult, _, err := q.queryAPI.Query(ctx, completionTokensQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
		metrics.CompletionTokens = int64(vector[0].Value)
	}

	metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

	costQuery := fmt.Sprintf(`sum(llm_costs_total{report_id=%q})`, reportID)
	costResult, _, err := q.queryAPI.Query(ctx, costQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query total cost: %w", err)
	}
	if vector, ok := costResult.(model.Vector); ok && len(vector) > 0 {
		metrics.TotalCost = float64(vector[0].Value)
	}

	return metrics, nil
}

// GetReportMetricsByRole breaks usage down by agent role, showing which
// stage of the pipeline consumed the tokens.
func (q *QueryService) GetReportMetricsByRole(ctx context.Context, reportID string) (map[string]*ReportMetrics, error) {
	result := make(map[string]*ReportMetrics)

	rolesQuery := fmt.Sprintf(`group by (role) (llm_tokens_total{report_id=%q})`, reportID)
	rolesResult, _, err := q.queryAPI.Query(ctx, rolesQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}

	var roles []string
	if vector, ok := rolesResult.(model.Vector); ok {
		for _, sample := range vector {
			if role, ok := sample.Metric["role"]; ok {
				roles = append(roles, string(role))
			}
		}
	}

	for _, role := range roles {
		metrics := &ReportMetrics{
			ReportID: reportID,
		}

		promptQuery := fmt.Sprintf(`sum(llm_tokens_total{report_id=%q, role=%q, type="prompt"})`, reportID, role)
		promptResult, _, err := q.queryAPI.Query(ctx, promptQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query prompt tokens for role %s: %w", role, err)
		}
		if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
			metrics.PromptTokens = int64(vector[0].Value)
		}

		completionQuery := fmt.Sprintf(`sum(llm_tokens_total{report_id=%q, role=%q, type="completion"})`, reportID, role)
		completionResult, _, err := q.queryAPI.Query(ctx, completionQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query completion tokens for role %s: %w", role, err)
		}
		if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
			metrics.CompletionTokens = int64(vector[0].Value)
		}

		metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

		costQuery := fmt.Sprintf(`sum(llm_costs_total{report_id=%q, role=%q})`, reportID, role)
		costResult, _, err := q.queryAPI.Query(ctx, costQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query cost for role %s: %w", role, err)
		}
		if vector, ok := costResult.(model.Vector); ok && len(vector) > 0 {
			metrics.TotalCost = float64(vector[0].Value)
		}

		result[role] = metrics
	}

	return result, nil
}

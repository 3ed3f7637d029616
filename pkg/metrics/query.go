// Package metrics provides Prometheus registration helpers and a query
// service for reading back investigation-scoped token/cost series.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// InvestigationMetrics represents aggregated token and cost usage for one
// investigation, across both the Analyst and Processor roles.
type InvestigationMetrics struct {
	InvestigationID  string  `json:"investigation_id"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
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

// GetInvestigationMetrics retrieves aggregated token and cost metrics for a
// specific investigation. It queries Prometheus's llm_tokens_total/
// llm_cost_usd_total series (emitted by pkg/llmprovider's guardedClient,
// labeled investigation_id) and sums across both the Analyst and Processor
// roles.
func (q *QueryService) GetInvestigationMetrics(ctx context.Context, investigationID string) (*InvestigationMetrics, error) {
	metrics := &InvestigationMetrics{InvestigationID: investigationID}

	promptTokensQuery := fmt.Sprintf(`sum(llm_tokens_total{investigation_id=%q, type="prompt"})`, investigationID)
	promptResult, _, err := q.queryAPI.Query(ctx, promptTokensQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
		metrics.PromptTokens = int64(vector[0].Value)
	}

	completionTokensQuery := fmt.Sprintf(`sum(llm_tokens_total{investigation_id=%q, type="completion"})`, investigationID)
	completionResult, _, err := q.queryAPI.Query(ctx, completionTokensQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
		metrics.CompletionTokens = int64(vector[0].Value)
	}

	metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

	costQuery := fmt.Sprintf(`sum(llm_cost_usd_total{investigation_id=%q})`, investigationID)
	costResult, _, err := q.queryAPI.Query(ctx, costQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query total cost: %w", err)
	}
	if vector, ok := costResult.(model.Vector); ok && len(vector) > 0 {
		metrics.TotalCostUSD = float64(vector[0].Value)
	}

	return metrics, nil
}

// GetInvestigationMetricsByRole retrieves token/cost usage broken down by
// session role (analyst vs. processor) for one investigation, so an
// operator can see which half of the pipeline is driving spend.
func (q *QueryService) GetInvestigationMetricsByRole(ctx context.Context, investigationID string) (map[string]*InvestigationMetrics, error) {
	result := make(map[string]*InvestigationMetrics)

	for _, role := range []string{"analyst", "processor"} {
		m := &InvestigationMetrics{InvestigationID: investigationID}

		promptQuery := fmt.Sprintf(`sum(llm_tokens_total{investigation_id=%q, role=%q, type="prompt"})`, investigationID, role)
		promptResult, _, err := q.queryAPI.Query(ctx, promptQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query prompt tokens for role %s: %w", role, err)
		}
		if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
			m.PromptTokens = int64(vector[0].Value)
		}

		completionQuery := fmt.Sprintf(`sum(llm_tokens_total{investigation_id=%q, role=%q, type="completion"})`, investigationID, role)
		completionResult, _, err := q.queryAPI.Query(ctx, completionQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query completion tokens for role %s: %w", role, err)
		}
		if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
			m.CompletionTokens = int64(vector[0].Value)
		}

		m.TotalTokens = m.PromptTokens + m.CompletionTokens

		costQuery := fmt.Sprintf(`sum(llm_cost_usd_total{investigation_id=%q, role=%q})`, investigationID, role)
		costResult, _, err := q.queryAPI.Query(ctx, costQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query cost for role %s: %w", role, err)
		}
		if vector, ok := costResult.(model.Vector); ok && len(vector) > 0 {
			m.TotalCostUSD = float64(vector[0].Value)
		}

		result[role] = m
	}

	return result, nil
}

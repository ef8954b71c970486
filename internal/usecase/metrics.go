package usecase

import "context"

// MetricsSummary represents aggregated detection insights.
type MetricsSummary struct {
	TotalRequests     int64   `json:"total_requests"`
	RealCount         int64   `json:"real_count"`
	SpoofCount        int64   `json:"spoof_count"`
	FailedRequests    int64   `json:"failed_requests"`
	RealRate          float64 `json:"real_rate"`
	AverageConfidence float64 `json:"average_confidence"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates detection metrics from persisted logs.
func (uc *DetectionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrMetricsUnavailable
	}

	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:     aggregation.TotalCount,
		RealCount:         aggregation.RealCount,
		SpoofCount:        aggregation.SpoofCount,
		FailedRequests:    aggregation.FailedCount,
		AverageConfidence: aggregation.AverageConfidence,
		AverageLatencyMs:  aggregation.AverageLatencyMs,
	}

	if classified := aggregation.RealCount + aggregation.SpoofCount; classified > 0 {
		summary.RealRate = float64(aggregation.RealCount) / float64(classified)
	}

	return summary, nil
}

package executors

import (
	"context"
	"time"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/search"
)

// DefaultAnomaliesIndex holds anomaly records written by the jobs.
const DefaultAnomaliesIndex = ".ml-anomalies-*"

const anomalyTimestampField = "timestamp"

// MachineLearning reads anomaly records above the rule's score threshold.
// Scoring happens elsewhere; only results are consumed.
type MachineLearning struct{}

// NewMachineLearning creates a machine learning executor.
func NewMachineLearning() Executor { return &MachineLearning{} }

// Execute implements Executor.
func (m *MachineLearning) Execute(ctx context.Context, run *Run, tuple models.TimeTuple, emit EmitFunc) (*TupleStats, error) {
	stats := &TupleStats{}
	params := run.Rule.MachineLearning

	index := run.AnomaliesIndex
	if index == "" {
		index = DefaultAnomaliesIndex
	}

	query := map[string]any{
		"bool": map[string]any{
			"filter": []any{
				map[string]any{"term": map[string]any{"result_type": "record"}},
				map[string]any{"terms": map[string]any{"job_id": params.JobIDs}},
				map[string]any{"range": map[string]any{"record_score": map[string]any{"gte": params.AnomalyThreshold}}},
				map[string]any{"range": map[string]any{anomalyTimestampField: map[string]any{
					"gte":    tuple.From.UTC().Format(time.RFC3339Nano),
					"lte":    tuple.To.UTC().Format(time.RFC3339Nano),
					"format": "strict_date_optional_time",
				}}},
			},
		},
	}

	err := pageEvents(ctx, run, search.Request{
		Index:          []string{index},
		Query:          query,
		TimestampField: anomalyTimestampField,
		Limit:          tuple.MaxSignals,
	}, stats, emit)
	return stats, err
}

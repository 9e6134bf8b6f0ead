package executors

import (
	"context"
	"fmt"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/search"
)

// Query searches the rule indices with the rule filter. Each page is a batch.
type Query struct{}

// NewQuery creates a query executor.
func NewQuery() Executor { return &Query{} }

// Execute implements Executor.
func (q *Query) Execute(ctx context.Context, run *Run, tuple models.TimeTuple, emit EmitFunc) (*TupleStats, error) {
	stats := &TupleStats{}
	query, err := eventQuery(run, run.Rule.Filter, tuple)
	if err != nil {
		return stats, fmt.Errorf("failed to build query: %w", err)
	}

	err = pageEvents(ctx, run, search.Request{
		Index:          run.Index,
		Query:          query,
		TimestampField: run.Rule.TimestampField(),
		FallbackField:  run.Rule.TimestampFallback(),
		Limit:          tuple.MaxSignals,
	}, stats, emit)
	return stats, err
}

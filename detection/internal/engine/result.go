package engine

import (
	"errors"
	"time"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/storage"
)

// RunResult accumulates the outcome of a run. Results of single tuples are
// combined with Merge; the zero value is not neutral, use NewRunResult.
type RunResult struct {
	Success         bool
	TuplesSucceeded int
	TuplesFailed    int

	CreatedCount    int
	UpdatedCount    int
	SuppressedCount int
	DuplicateCount  int

	SearchDurations []time.Duration
	BulkDurations   []time.Duration
	Errors          []models.ErrorCount
	Warnings        []string

	LastSeenTimestamp time.Time
}

// NewRunResult returns the neutral element of Merge.
func NewRunResult() RunResult {
	return RunResult{Success: true}
}

// Merge combines two results. Durations are concatenated in order, counts
// summed, success flags AND-ed, errors aggregated by message and status,
// and warnings united keeping first occurrence order. Neither input is
// modified.
func Merge(a, b RunResult) RunResult {
	out := RunResult{
		Success:         a.Success && b.Success,
		TuplesSucceeded: a.TuplesSucceeded + b.TuplesSucceeded,
		TuplesFailed:    a.TuplesFailed + b.TuplesFailed,
		CreatedCount:    a.CreatedCount + b.CreatedCount,
		UpdatedCount:    a.UpdatedCount + b.UpdatedCount,
		SuppressedCount: a.SuppressedCount + b.SuppressedCount,
		DuplicateCount:  a.DuplicateCount + b.DuplicateCount,
		SearchDurations: concat(a.SearchDurations, b.SearchDurations),
		BulkDurations:   concat(a.BulkDurations, b.BulkDurations),
		Errors:          models.MergeErrorCounts(a.Errors, b.Errors),
		Warnings:        union(a.Warnings, b.Warnings),
	}
	out.LastSeenTimestamp = a.LastSeenTimestamp
	if b.LastSeenTimestamp.After(out.LastSeenTimestamp) {
		out.LastSeenTimestamp = b.LastSeenTimestamp
	}
	return out
}

func concat(a, b []time.Duration) []time.Duration {
	if len(a)+len(b) == 0 {
		return nil
	}
	out := make([]time.Duration, 0, len(a)+len(b))
	return append(append(out, a...), b...)
}

func union(a, b []string) []string {
	if len(a)+len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, w := range list {
			if !seen[w] {
				seen[w] = true
				out = append(out, w)
			}
		}
	}
	return out
}

// Warn returns r with warning added.
func (r RunResult) Warn(warning string) RunResult {
	return Merge(r, RunResult{Success: true, Warnings: []string{warning}})
}

// Fail returns r with err recorded as a failed tuple.
func (r RunResult) Fail(err error) RunResult {
	return Merge(r, tupleFailure(err))
}

func tupleFailure(err error) RunResult {
	return RunResult{
		TuplesFailed: 1,
		Errors:       []models.ErrorCount{{Message: err.Error(), Status: errorStatus(err), Count: 1}},
	}
}

func errorStatus(err error) int {
	var re *storage.ResponseError
	if errors.As(err, &re) {
		return re.Status
	}
	return 0
}

// Status derives the final run status. A run fails when no tuple succeeded
// while at least one failed; errors or warnings otherwise make it a partial
// failure.
func (r RunResult) Status() models.ExecutionStatus {
	switch {
	case r.TuplesFailed > 0 && r.TuplesSucceeded == 0:
		return models.StatusFailed
	case !r.Success || len(r.Errors) > 0 || len(r.Warnings) > 0:
		return models.StatusPartialFailure
	default:
		return models.StatusSucceeded
	}
}

// TotalSearch sums the recorded search durations.
func (r RunResult) TotalSearch() time.Duration { return sum(r.SearchDurations) }

// TotalBulk sums the recorded bulk durations.
func (r RunResult) TotalBulk() time.Duration { return sum(r.BulkDurations) }

func sum(ds []time.Duration) time.Duration {
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return total
}

package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/datemath"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

// NewTerms alerts on the first document of each combination of the rule's
// fields that did not occur during the history window.
type NewTerms struct{}

// NewNewTerms creates a new terms executor.
func NewNewTerms() Executor { return &NewTerms{} }

const (
	newTermsAgg = "new_terms"
	firstDocAgg = "first_doc"
)

type candidateTerms struct {
	key   map[string]any
	terms []models.GroupTerm
	first models.Hit
}

// Execute implements Executor.
func (n *NewTerms) Execute(ctx context.Context, run *Run, tuple models.TimeTuple, emit EmitFunc) (*TupleStats, error) {
	stats := &TupleStats{}
	params := run.Rule.NewTerms

	historyStart, err := datemath.Parse(params.HistoryWindowStart, run.Now)
	if err != nil {
		return stats, fmt.Errorf("invalid history_window_start: %w", err)
	}
	if !historyStart.Before(tuple.From) {
		stats.warn("history window start %s is not before the search window; no terms can be new", historyStart.Format(time.RFC3339))
		return stats, nil
	}

	query, err := eventQuery(run, run.Rule.Filter, tuple)
	if err != nil {
		return stats, fmt.Errorf("failed to build query: %w", err)
	}

	var after map[string]any
	emitted := 0
	for emitted < tuple.MaxSignals {
		candidates, next, err := n.candidates(ctx, run, query, after, stats)
		if err != nil {
			return stats, err
		}
		if len(candidates) > 0 {
			seen, err := n.history(ctx, run, candidates, historyStart, tuple.From, stats)
			if err != nil {
				return stats, err
			}

			var batch models.MatchBatch
			for _, c := range candidates {
				if seen[models.Fingerprint(c.key)] {
					continue
				}
				if emitted+len(batch.Events) >= tuple.MaxSignals {
					break
				}
				hit := c.first
				hit.ResolveTimestamp(run.Rule.TimestampField(), run.Rule.TimestampFallback())
				if hit.Source == nil {
					hit.Source = map[string]any{}
				}
				hit.Source["new_terms"] = termValues(c.terms)
				batch.Events = append(batch.Events, hit)
			}
			if len(batch.Events) > 0 {
				emitted += len(batch.Events)
				stats.Matches += len(batch.Events)
				stop, err := emit(ctx, batch)
				if err != nil || stop {
					return stats, err
				}
			}
		}
		if next == nil {
			return stats, nil
		}
		after = next
	}
	return stats, nil
}

// candidates returns one page of term combinations present in the tuple,
// each with its earliest document.
func (n *NewTerms) candidates(ctx context.Context, run *Run, query map[string]any, after map[string]any, stats *TupleStats) ([]candidateTerms, map[string]any, error) {
	fields := run.Rule.NewTerms.Fields
	composite := map[string]any{
		"size":    run.Searcher.PageSize(),
		"sources": compositeSources(fields),
	}
	if after != nil {
		composite["after"] = after
	}

	ts := run.Rule.TimestampField()
	res, err := run.Searcher.Aggregate(ctx, run.Index, map[string]any{
		"query": query,
		"aggs": map[string]any{
			newTermsAgg: map[string]any{
				"composite": composite,
				"aggs": map[string]any{
					firstDocAgg: map[string]any{"top_hits": map[string]any{
						"size":                1,
						"version":             true,
						"seq_no_primary_term": true,
						"sort":                []any{map[string]any{ts: map[string]any{"order": "asc", "unmapped_type": "date"}}},
					}},
				},
			},
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("new terms aggregation failed: %w", err)
	}
	stats.addDurations(res.Took)

	var agg compositeAgg
	if raw, ok := res.Aggregations[newTermsAgg]; ok {
		if err := decodeAgg(raw, &agg); err != nil {
			return nil, nil, fmt.Errorf("failed to decode new terms buckets: %w", err)
		}
	}

	out := make([]candidateTerms, 0, len(agg.Buckets))
	for _, b := range agg.Buckets {
		var key bucketKey
		if err := decodeBucket(b, &key); err != nil {
			return nil, nil, err
		}
		var top struct {
			Hits struct {
				Hits []models.Hit `json:"hits"`
			} `json:"hits"`
		}
		if raw, ok := b[firstDocAgg]; ok {
			if err := decodeAgg(raw, &top); err != nil {
				return nil, nil, fmt.Errorf("failed to decode first document: %w", err)
			}
		}
		if len(top.Hits.Hits) == 0 {
			continue
		}
		out = append(out, candidateTerms{key: key.Key, terms: termsOf(fields, key.Key), first: top.Hits.Hits[0]})
	}

	if agg.AfterKey == nil || len(agg.Buckets) < run.Searcher.PageSize() {
		return out, nil, nil
	}
	return out, agg.AfterKey, nil
}

// history returns the fingerprints of candidate keys seen in [start, end).
func (n *NewTerms) history(ctx context.Context, run *Run, candidates []candidateTerms, start, end time.Time, stats *TupleStats) (map[string]bool, error) {
	fields := run.Rule.NewTerms.Fields

	should := make([]any, 0, len(candidates))
	for _, c := range candidates {
		must := make([]any, 0, len(fields))
		for _, t := range c.terms {
			must = append(must, map[string]any{"term": map[string]any{t.Field: t.Value}})
		}
		should = append(should, map[string]any{"bool": map[string]any{"filter": must}})
	}

	// The history window ends where the tuple starts.
	query, err := eventQuery(run, run.Rule.Filter, models.TimeTuple{From: start, To: end.Add(-time.Millisecond)},
		map[string]any{"bool": map[string]any{"should": should, "minimum_should_match": 1}})
	if err != nil {
		return nil, fmt.Errorf("failed to build history query: %w", err)
	}

	res, err := run.Searcher.Aggregate(ctx, run.Index, map[string]any{
		"query": query,
		"aggs": map[string]any{
			newTermsAgg: map[string]any{"composite": map[string]any{
				"size":    len(candidates),
				"sources": compositeSources(fields),
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("new terms history aggregation failed: %w", err)
	}
	stats.addDurations(res.Took)

	var agg compositeAgg
	if raw, ok := res.Aggregations[newTermsAgg]; ok {
		if err := decodeAgg(raw, &agg); err != nil {
			return nil, fmt.Errorf("failed to decode history buckets: %w", err)
		}
	}
	seen := make(map[string]bool, len(agg.Buckets))
	for _, b := range agg.Buckets {
		var key bucketKey
		if err := decodeBucket(b, &key); err != nil {
			return nil, err
		}
		seen[models.Fingerprint(key.Key)] = true
	}
	return seen, nil
}

func termValues(terms []models.GroupTerm) []any {
	out := make([]any, len(terms))
	for i, t := range terms {
		out[i] = t.Value
	}
	return out
}

package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

// Threshold counts documents per combination of threshold fields with a
// composite aggregation. Buckets reaching the threshold become synthetic
// matches carrying a threshold_result.
type Threshold struct{}

// NewThreshold creates a threshold executor.
func NewThreshold() Executor { return &Threshold{} }

const thresholdAgg = "thresholds"

// Execute implements Executor.
func (t *Threshold) Execute(ctx context.Context, run *Run, tuple models.TimeTuple, emit EmitFunc) (*TupleStats, error) {
	stats := &TupleStats{}
	params := run.Rule.Threshold

	query, err := eventQuery(run, run.Rule.Filter, tuple)
	if err != nil {
		return stats, fmt.Errorf("failed to build query: %w", err)
	}
	subAggs := t.subAggs(run)

	if len(params.Field) == 0 {
		return stats, t.executeUngrouped(ctx, run, tuple, query, subAggs, stats, emit)
	}

	var after map[string]any
	emitted := 0
	for emitted < tuple.MaxSignals {
		composite := map[string]any{
			"size":    run.Searcher.PageSize(),
			"sources": compositeSources(params.Field),
		}
		if after != nil {
			composite["after"] = after
		}
		res, err := run.Searcher.Aggregate(ctx, run.Index, map[string]any{
			"query": query,
			"aggs": map[string]any{
				thresholdAgg: map[string]any{"composite": composite, "aggs": subAggs},
			},
		})
		if err != nil {
			return stats, fmt.Errorf("threshold aggregation failed: %w", err)
		}
		stats.addDurations(res.Took)

		var agg compositeAgg
		if raw, ok := res.Aggregations[thresholdAgg]; ok {
			if err := decodeAgg(raw, &agg); err != nil {
				return stats, fmt.Errorf("failed to decode threshold buckets: %w", err)
			}
		}

		var batch models.MatchBatch
		for _, b := range agg.Buckets {
			if emitted+len(batch.Events) >= tuple.MaxSignals {
				break
			}
			var key bucketKey
			if err := decodeBucket(b, &key); err != nil {
				return stats, err
			}
			hit, ok := t.bucketHit(run, tuple, termsOf(params.Field, key.Key), key.DocCount, b)
			if ok {
				batch.Events = append(batch.Events, hit)
			}
		}

		if len(batch.Events) > 0 {
			emitted += len(batch.Events)
			stats.Matches += len(batch.Events)
			stop, err := emit(ctx, batch)
			if err != nil || stop {
				return stats, err
			}
		}
		if agg.AfterKey == nil || len(agg.Buckets) < run.Searcher.PageSize() {
			return stats, nil
		}
		after = agg.AfterKey
	}
	return stats, nil
}

// executeUngrouped treats all documents of the tuple as one bucket.
func (t *Threshold) executeUngrouped(ctx context.Context, run *Run, tuple models.TimeTuple, query map[string]any, subAggs map[string]any, stats *TupleStats, emit EmitFunc) error {
	res, err := run.Searcher.Aggregate(ctx, run.Index, map[string]any{
		"query":            query,
		"track_total_hits": true,
		"aggs":             subAggs,
	})
	if err != nil {
		return fmt.Errorf("threshold aggregation failed: %w", err)
	}
	stats.addDurations(res.Took)

	hit, ok := t.bucketHit(run, tuple, nil, res.Total, res.Aggregations)
	if !ok || tuple.MaxSignals < 1 {
		return nil
	}
	stats.Matches++
	_, err = emit(ctx, models.MatchBatch{Events: []models.Hit{hit}})
	return err
}

func (t *Threshold) subAggs(run *Run) map[string]any {
	ts := run.Rule.TimestampField()
	aggs := map[string]any{
		"max_timestamp": map[string]any{"max": map[string]any{"field": ts}},
		"min_timestamp": map[string]any{"min": map[string]any{"field": ts}},
	}
	for i, c := range run.Rule.Threshold.Cardinality {
		aggs[cardinalityName(i)] = map[string]any{"cardinality": map[string]any{"field": c.Field}}
	}
	return aggs
}

func cardinalityName(i int) string { return fmt.Sprintf("cardinality_%d", i) }

// bucketHit converts a bucket into a synthetic match, or reports false when
// the bucket is below the threshold or a cardinality condition.
func (t *Threshold) bucketHit(run *Run, tuple models.TimeTuple, terms []models.GroupTerm, count int64, aggs map[string]json.RawMessage) (models.Hit, bool) {
	params := run.Rule.Threshold
	if count < int64(params.Value) {
		return models.Hit{}, false
	}

	var cardinality []map[string]any
	for i, c := range params.Cardinality {
		var v valueAgg
		if raw, ok := aggs[cardinalityName(i)]; ok {
			_ = decodeAgg(raw, &v)
		}
		if v.int() < int64(c.Value) {
			return models.Hit{}, false
		}
		cardinality = append(cardinality, map[string]any{"field": c.Field, "value": v.int()})
	}

	var maxTS, minTS valueAgg
	if raw, ok := aggs["max_timestamp"]; ok {
		_ = decodeAgg(raw, &maxTS)
	}
	if raw, ok := aggs["min_timestamp"]; ok {
		_ = decodeAgg(raw, &minTS)
	}
	last, ok := maxTS.time()
	if !ok {
		last = tuple.To
	}
	first, ok := minTS.time()
	if !ok {
		first = tuple.From
	}

	result := map[string]any{
		"terms": terms,
		"count": count,
		"from":  first.UTC().Format(time.RFC3339Nano),
	}
	if cardinality != nil {
		result["cardinality"] = cardinality
	}
	source := map[string]any{
		models.DefaultTimestampField: last.UTC().Format(time.RFC3339Nano),
		"threshold_result":           result,
	}
	fields := make(map[string][]any, len(terms))
	for _, term := range terms {
		setPath(source, term.Field, term.Value)
		fields[term.Field] = []any{term.Value}
	}

	return models.Hit{
		Index:     strings.Join(run.Index, ","),
		ID:        models.Fingerprint(run.Rule.ID, terms, tuple.From),
		Source:    source,
		Fields:    fields,
		Timestamp: last,
	}, true
}

func decodeBucket(b map[string]json.RawMessage, key *bucketKey) error {
	raw := make(map[string]json.RawMessage, 2)
	raw["key"] = b["key"]
	raw["doc_count"] = b["doc_count"]
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := decodeAgg(data, key); err != nil {
		return fmt.Errorf("failed to decode bucket: %w", err)
	}
	return nil
}

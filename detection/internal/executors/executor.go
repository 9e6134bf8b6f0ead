// Package executors holds one search strategy per rule type. Every executor
// streams its matches for a tuple to the caller in batches.
package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/search"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/translator"
)

// EmitFunc receives match batches in order. Returning stop ends the tuple
// early, for example when the alert budget is spent.
type EmitFunc func(ctx context.Context, batch models.MatchBatch) (stop bool, err error)

// Executor runs one rule type for a single time tuple.
type Executor interface {
	Execute(ctx context.Context, run *Run, tuple models.TimeTuple, emit EmitFunc) (*TupleStats, error)
}

// Run is the per-run context shared by every tuple.
type Run struct {
	Rule *models.Rule
	// Index is the resolved set of indices to search.
	Index []string
	// Exclusions are must_not clauses compiled from exception items.
	Exclusions []map[string]any
	Searcher   *search.Searcher
	Translator *translator.Translator
	Now        time.Time
	Logger     *slog.Logger
	// AnomaliesIndex is read by machine learning rules.
	AnomaliesIndex string
}

// TupleStats reports what an executor did for one tuple.
type TupleStats struct {
	SearchDurations []time.Duration
	Warnings        []string
	// Matches is the number of matches emitted.
	Matches int
}

func (s *TupleStats) addDurations(d ...time.Duration) {
	s.SearchDurations = append(s.SearchDurations, d...)
}

func (s *TupleStats) warn(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

// eventQuery builds the bool query of the rule filter within the tuple.
func eventQuery(run *Run, filter *models.FilterExpr, tuple models.TimeTuple, extra ...map[string]any) (map[string]any, error) {
	return run.Translator.Query(translator.EventQuery{
		Filter:         filter,
		TimestampField: run.Rule.TimestampField(),
		FallbackField:  run.Rule.TimestampFallback(),
		From:           tuple.From,
		To:             tuple.To,
		MustNot:        run.Exclusions,
		Filters:        extra,
	})
}

// pageEvents streams a paged search to emit, one batch per page.
func pageEvents(ctx context.Context, run *Run, req search.Request, stats *TupleStats, emit EmitFunc) error {
	p := run.Searcher.Pager(req)
	defer func() { stats.addDurations(p.Durations()...) }()

	for p.Next(ctx) {
		hits := p.Hits()
		stats.Matches += len(hits)
		stop, err := emit(ctx, models.MatchBatch{Events: hits})
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return p.Err()
}

// decodeAgg decodes an aggregation keeping numbers as json.Number.
func decodeAgg(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// setPath stores value at a dotted path, creating nested objects.
func setPath(obj map[string]any, path string, value any) {
	cur := obj
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] != '.' {
			continue
		}
		key := path[start:i]
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[key] = next
		}
		cur = next
		start = i + 1
	}
	cur[path[start:]] = value
}

// compositeSources builds composite aggregation sources, one per field.
func compositeSources(fields []string) []any {
	sources := make([]any, len(fields))
	for i, f := range fields {
		sources[i] = map[string]any{
			sourceName(i): map[string]any{"terms": map[string]any{"field": f}},
		}
	}
	return sources
}

func sourceName(i int) string { return fmt.Sprintf("f%d", i) }

// termsOf maps a composite key back to group terms in field order.
func termsOf(fields []string, key map[string]any) []models.GroupTerm {
	terms := make([]models.GroupTerm, len(fields))
	for i, f := range fields {
		terms[i] = models.GroupTerm{Field: f, Value: key[sourceName(i)]}
	}
	return terms
}

type compositeAgg struct {
	AfterKey map[string]any               `json:"after_key"`
	Buckets  []map[string]json.RawMessage `json:"buckets"`
}

type bucketKey struct {
	Key      map[string]any `json:"key"`
	DocCount int64          `json:"doc_count"`
}

type valueAgg struct {
	Value         *json.Number `json:"value"`
	ValueAsString string       `json:"value_as_string"`
}

func (v valueAgg) time() (time.Time, bool) {
	if v.ValueAsString != "" {
		if t, ok := models.ParseTimestamp(v.ValueAsString); ok {
			return t, true
		}
	}
	if v.Value != nil {
		return models.ParseTimestamp(*v.Value)
	}
	return time.Time{}, false
}

func (v valueAgg) int() int64 {
	if v.Value == nil {
		return 0
	}
	if n, err := v.Value.Int64(); err == nil {
		return n
	}
	f, _ := v.Value.Float64()
	return int64(f)
}

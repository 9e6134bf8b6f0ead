package executors

import (
	"context"
	"fmt"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/search"
)

// DefaultIndicatorPath is where indicator details live in threat documents.
const DefaultIndicatorPath = "threat.indicator"

// ThreatMatch pages indicators from the threat indices and searches events
// whose fields equal indicator values. Matched events are enriched with
// threat.enrichments.
type ThreatMatch struct{}

// NewThreatMatch creates an indicator match executor.
func NewThreatMatch() Executor { return &ThreatMatch{} }

// Execute implements Executor.
func (t *ThreatMatch) Execute(ctx context.Context, run *Run, tuple models.TimeTuple, emit EmitFunc) (*TupleStats, error) {
	stats := &TupleStats{}
	params := run.Rule.ThreatMatch

	threatQuery := map[string]any{"match_all": map[string]any{}}
	if params.ThreatFilter != nil {
		q, err := run.Translator.Filter(params.ThreatFilter)
		if err != nil {
			return stats, fmt.Errorf("failed to translate threat filter: %w", err)
		}
		threatQuery = q
	}

	indicators := run.Searcher.Pager(search.Request{
		Index:          params.ThreatIndex,
		Query:          threatQuery,
		TimestampField: models.DefaultTimestampField,
	})
	defer func() { stats.addDurations(indicators.Durations()...) }()

	emitted := make(map[string]bool)
	for indicators.Next(ctx) {
		page := indicators.Hits()
		should := t.clauses(params.ThreatMapping, page)
		if len(should) == 0 {
			continue
		}

		query, err := eventQuery(run, run.Rule.Filter, tuple,
			map[string]any{"bool": map[string]any{"should": should, "minimum_should_match": 1}})
		if err != nil {
			return stats, fmt.Errorf("failed to build query: %w", err)
		}

		remaining := tuple.MaxSignals - len(emitted)
		if remaining <= 0 {
			return stats, nil
		}
		events := run.Searcher.Pager(search.Request{
			Index:          run.Index,
			Query:          query,
			TimestampField: run.Rule.TimestampField(),
			FallbackField:  run.Rule.TimestampFallback(),
			Limit:          remaining,
		})
		for events.Next(ctx) {
			var batch models.MatchBatch
			for _, h := range events.Hits() {
				key := h.Index + "/" + h.ID
				if emitted[key] {
					continue
				}
				enrichments := t.enrich(params, &h, page)
				if len(enrichments) == 0 {
					continue
				}
				emitted[key] = true
				h.Source = withEnrichments(h.Source, enrichments)
				batch.Events = append(batch.Events, h)
			}
			if len(batch.Events) == 0 {
				continue
			}
			stats.Matches += len(batch.Events)
			stop, err := emit(ctx, batch)
			if err != nil {
				stats.addDurations(events.Durations()...)
				return stats, err
			}
			if stop {
				stats.addDurations(events.Durations()...)
				return stats, nil
			}
		}
		stats.addDurations(events.Durations()...)
		if err := events.Err(); err != nil {
			return stats, err
		}
	}
	return stats, indicators.Err()
}

// clauses builds one conjunction of term queries per indicator and mapping
// group. Groups whose indicator fields are absent are skipped.
func (t *ThreatMatch) clauses(mapping []models.ThreatMapGroup, indicators []models.Hit) []any {
	var should []any
	for i := range indicators {
		for _, group := range mapping {
			must := make([]any, 0, len(group.Entries))
			for _, entry := range group.Entries {
				values := indicators[i].Values(entry.Value)
				if len(values) == 0 || values[0] == nil {
					must = nil
					break
				}
				must = append(must, map[string]any{"term": map[string]any{entry.Field: values[0]}})
			}
			if len(must) > 0 {
				should = append(should, map[string]any{"bool": map[string]any{"filter": must}})
			}
		}
	}
	return should
}

// enrich returns an enrichment for every indicator of page matching h.
func (t *ThreatMatch) enrich(params *models.ThreatMatchParams, h *models.Hit, page []models.Hit) []any {
	path := params.IndicatorPath
	if path == "" {
		path = DefaultIndicatorPath
	}

	var out []any
	for i := range page {
		ind := &page[i]
		for _, group := range params.ThreatMapping {
			atomic, field, ok := groupMatches(group, h, ind)
			if !ok {
				continue
			}
			var indicator any
			if v := ind.Values(path); len(v) == 1 {
				indicator = v[0]
			}
			out = append(out, map[string]any{
				"indicator": indicator,
				"matched": map[string]any{
					"atomic": atomic,
					"field":  field,
					"id":     ind.ID,
					"index":  ind.Index,
					"type":   "indicator_match_rule",
				},
			})
			break
		}
	}
	return out
}

// groupMatches reports whether every entry of group holds between event and
// indicator, returning the first entry's matched value and field.
func groupMatches(group models.ThreatMapGroup, event, indicator *models.Hit) (string, string, bool) {
	var atomic, field string
	for i, entry := range group.Entries {
		want := indicator.Values(entry.Value)
		if len(want) == 0 || want[0] == nil {
			return "", "", false
		}
		target := models.ValueString(want[0])
		found := false
		for _, v := range event.Values(entry.Field) {
			if v != nil && models.ValueString(v) == target {
				found = true
				break
			}
		}
		if !found {
			return "", "", false
		}
		if i == 0 {
			atomic, field = target, entry.Field
		}
	}
	return atomic, field, len(group.Entries) > 0
}

func withEnrichments(source map[string]any, enrichments []any) map[string]any {
	out := make(map[string]any, len(source)+1)
	for k, v := range source {
		out[k] = v
	}
	threat, _ := out["threat"].(map[string]any)
	merged := make(map[string]any, len(threat)+1)
	for k, v := range threat {
		merged[k] = v
	}
	merged["enrichments"] = enrichments
	out["threat"] = merged
	return out
}

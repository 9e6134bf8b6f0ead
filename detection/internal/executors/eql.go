package executors

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/datemath"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/search"
)

// MaxStepEvents bounds the events fetched for one sequence step.
const MaxStepEvents = 10000

// EQL matches ordered sequences of events. Without sequence steps it
// behaves like a query rule on its filter.
type EQL struct{}

// NewEQL creates a sequence executor.
func NewEQL() Executor { return &EQL{} }

// Execute implements Executor.
func (e *EQL) Execute(ctx context.Context, run *Run, tuple models.TimeTuple, emit EmitFunc) (*TupleStats, error) {
	params := run.Rule.Sequence
	if params == nil || len(params.Steps) == 0 {
		return (&Query{}).Execute(ctx, run, tuple, emit)
	}

	stats := &TupleStats{}
	var maxSpan time.Duration
	if params.MaxSpan != "" {
		d, err := datemath.ParseInterval(params.MaxSpan)
		if err != nil {
			return stats, fmt.Errorf("invalid max_span: %w", err)
		}
		maxSpan = d
	}

	steps := make([][]models.Hit, len(params.Steps))
	for i, step := range params.Steps {
		hits, err := e.fetchStep(ctx, run, tuple, step, stats)
		if err != nil {
			return stats, fmt.Errorf("sequence step %d: %w", i+1, err)
		}
		steps[i] = hits
	}

	sequences := correlate(steps, params.By, maxSpan)
	if len(sequences) > tuple.MaxSignals {
		sequences = sequences[:tuple.MaxSignals]
	}
	if len(sequences) == 0 {
		return stats, nil
	}

	stats.Matches = len(sequences)
	_, err := emit(ctx, models.MatchBatch{Sequences: sequences})
	return stats, err
}

func (e *EQL) fetchStep(ctx context.Context, run *Run, tuple models.TimeTuple, step models.SequenceStep, stats *TupleStats) ([]models.Hit, error) {
	query, err := eventQuery(run, step.Filter, tuple)
	if err != nil {
		return nil, err
	}

	p := run.Searcher.Pager(search.Request{
		Index:          run.Index,
		Query:          query,
		TimestampField: run.Rule.TimestampField(),
		FallbackField:  run.Rule.TimestampFallback(),
		Limit:          MaxStepEvents,
	})
	var hits []models.Hit
	for p.Next(ctx) {
		hits = append(hits, p.Hits()...)
	}
	stats.addDurations(p.Durations()...)
	if err := p.Err(); err != nil {
		return nil, err
	}
	if len(hits) >= MaxStepEvents {
		stats.warn("sequence step returned more than %d events; later events were not correlated", MaxStepEvents)
	}
	return hits, nil
}

// correlate builds sequences greedily in time order. For every first-step
// event, each following step takes the earliest unused event with the same
// join key that is not earlier than the previous one and, with maxSpan set,
// within maxSpan of the first event. Each event joins at most one sequence.
func correlate(steps [][]models.Hit, by []string, maxSpan time.Duration) []models.Sequence {
	if len(steps) == 0 {
		return nil
	}

	type candidate struct {
		hit  *models.Hit
		used bool
	}
	// step -> join key -> events in time order
	index := make([]map[string][]*candidate, len(steps))
	for i, hits := range steps {
		index[i] = make(map[string][]*candidate)
		for j := range hits {
			key, ok := joinKey(&hits[j], by)
			if !ok {
				continue
			}
			index[i][key] = append(index[i][key], &candidate{hit: &hits[j]})
		}
		for _, list := range index[i] {
			sort.SliceStable(list, func(a, b int) bool { return list[a].hit.Timestamp.Before(list[b].hit.Timestamp) })
		}
	}

	keys := make([]string, 0, len(index[0]))
	for k := range index[0] {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []models.Sequence
	for _, key := range keys {
		for _, first := range index[0][key] {
			if first.used {
				continue
			}
			chain := []*candidate{first}
			for step := 1; step < len(steps); step++ {
				prev := chain[len(chain)-1].hit
				var next *candidate
				for _, c := range index[step][key] {
					if c.used || c == chain[len(chain)-1] || c.hit.Timestamp.Before(prev.Timestamp) {
						continue
					}
					if maxSpan > 0 && c.hit.Timestamp.Sub(first.hit.Timestamp) > maxSpan {
						break
					}
					if sameDoc(c.hit, prev) {
						continue
					}
					next = c
					break
				}
				if next == nil {
					chain = nil
					break
				}
				chain = append(chain, next)
			}
			if chain == nil {
				continue
			}

			seq := models.Sequence{Events: make([]models.Hit, len(chain))}
			for i, c := range chain {
				c.used = true
				seq.Events[i] = *c.hit
			}
			out = append(out, seq)
		}
	}

	sort.SliceStable(out, func(a, b int) bool {
		return lastTime(out[a]).Before(lastTime(out[b]))
	})
	return out
}

func sameDoc(a, b *models.Hit) bool {
	return a.Index == b.Index && a.ID == b.ID
}

func lastTime(s models.Sequence) time.Time {
	return s.Events[len(s.Events)-1].Timestamp
}

// joinKey renders the by-field values of an event. Events missing a join
// field cannot join a sequence.
func joinKey(h *models.Hit, by []string) (string, bool) {
	if len(by) == 0 {
		return "", true
	}
	parts := make([]string, len(by))
	for i, f := range by {
		values := h.Values(f)
		if len(values) == 0 || values[0] == nil {
			return "", false
		}
		parts[i] = models.ValueString(values[0])
	}
	return strings.Join(parts, "\x00"), true
}

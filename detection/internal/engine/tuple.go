package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/telhawk-systems/telhawk-detection/common/logging"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/alerts"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/bulk"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/exceptions"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/executors"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/metrics"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/suppression"
)

// runState is the mutable state of one run. It is never shared.
type runState struct {
	rule        *models.Rule
	run         *executors.Run
	exec        executors.Executor
	filter      *exceptions.Filter
	suppression *suppression.Engine
	builder     *alerts.Builder
	writer      *bulk.Writer
	log         *logging.Logger

	// created counts alerts created across all tuples.
	created int
}

// tupleState tracks the budget of the tuple being processed. Every match
// consumes one unit, as a created alert or as a suppressed duplicate.
type tupleState struct {
	tuple      models.TimeTuple
	result     RunResult
	created    int
	suppressed int
}

func (t *tupleState) remaining() int {
	return t.tuple.MaxSignals - t.created - t.suppressed
}

func (s *runState) runTuple(ctx context.Context, tuple models.TimeTuple) RunResult {
	ts := &tupleState{tuple: tuple, result: NewRunResult()}

	stats, err := s.exec.Execute(ctx, s.run, tuple, func(ctx context.Context, batch models.MatchBatch) (bool, error) {
		return s.process(ctx, ts, batch)
	})

	res := ts.result
	if stats != nil {
		res.SearchDurations = append(res.SearchDurations, stats.SearchDurations...)
		for _, w := range stats.Warnings {
			res = res.Warn(w)
		}
	}
	if err != nil {
		s.log.WarnContext(ctx, "tuple failed",
			"from", tuple.From, "to", tuple.To, logging.Error(err))
		return Merge(res, tupleFailure(err))
	}
	res.TuplesSucceeded = 1
	return res
}

// process handles one batch: exceptions, suppression, alert building and
// the bulk write. It asks the executor to stop once the tuple or run budget
// is spent.
func (s *runState) process(ctx context.Context, ts *tupleState, batch models.MatchBatch) (bool, error) {
	res := &ts.result
	if last := latest(batch); last.After(res.LastSeenTimestamp) {
		res.LastSeenTimestamp = last
	}

	filtered, removed, err := s.filter.Apply(ctx, batch)
	if err != nil {
		return false, fmt.Errorf("failed to apply exceptions: %w", err)
	}
	if removed > 0 {
		s.log.DebugContext(ctx, "matches removed by exceptions", logging.Count(removed))
	}

	budget := min(ts.remaining(), s.rule.MaxSignals-s.created)
	if budget <= 0 {
		return true, nil
	}
	filtered = limit(filtered, ts.remaining())

	unsuppressible := filtered
	var created, updated []*suppression.Instance
	suppressed := 0
	if s.suppression != nil {
		sb, err := s.suppression.Process(ctx, ts.tuple, filtered)
		if err != nil {
			return false, err
		}
		unsuppressible = sb.Unsuppressible
		created, updated, suppressed = sb.Create, sb.Update, sb.Suppressed
	}

	var docs []models.Alert
	for i := range unsuppressible.Events {
		docs = append(docs, s.builder.EventAlert(&unsuppressible.Events[i]))
	}
	for i := range unsuppressible.Sequences {
		docs = append(docs, s.builder.SequenceAlerts(&unsuppressible.Sequences[i])...)
	}
	for _, inst := range created {
		docs = append(docs, s.builder.SuppressedAlerts(inst, s.suppression.Mode())...)
	}
	ops := alerts.CreateOps(docs)
	for _, inst := range updated {
		ops = append(ops, alerts.UpdateOp(inst))
	}

	wres, werr := s.writer.Write(ctx, ops, budget)
	for _, inst := range created {
		if wres.Outcome(inst.AlertID) == bulk.OutcomeCreated {
			s.suppression.Committed(inst)
		} else {
			s.suppression.Discard(inst)
		}
	}
	for _, inst := range updated {
		if wres.Outcome(inst.AlertID) == bulk.OutcomeUpdated {
			s.suppression.Updated(inst)
		}
	}

	s.created += wres.Created
	ts.created += wres.Created
	ts.suppressed += suppressed
	res.CreatedCount += wres.Created
	res.UpdatedCount += wres.Updated
	res.SuppressedCount += suppressed
	res.DuplicateCount += wres.Duplicates
	res.BulkDurations = append(res.BulkDurations, wres.Durations...)
	res.Errors = models.MergeErrorCounts(res.Errors, wres.Errors)
	for _, e := range wres.Errors {
		metrics.BulkItemErrors.WithLabelValues(strconv.Itoa(e.Status)).Add(float64(e.Count))
	}
	if wres.Truncated > 0 {
		s.log.DebugContext(ctx, "alerts truncated to budget", logging.Count(wres.Truncated))
	}

	if werr != nil {
		return false, fmt.Errorf("failed to write alerts: %w", werr)
	}
	return s.created >= s.rule.MaxSignals || ts.remaining() <= 0, nil
}

// limit keeps the first n matches of batch, events before sequences.
func limit(batch models.MatchBatch, n int) models.MatchBatch {
	if batch.Len() <= n {
		return batch
	}
	if len(batch.Events) >= n {
		return models.MatchBatch{Events: batch.Events[:n]}
	}
	return models.MatchBatch{
		Events:    batch.Events,
		Sequences: batch.Sequences[:n-len(batch.Events)],
	}
}

func latest(batch models.MatchBatch) (last time.Time) {
	for _, h := range batch.Events {
		if h.Timestamp.After(last) {
			last = h.Timestamp
		}
	}
	for _, seq := range batch.Sequences {
		for _, h := range seq.Events {
			if h.Timestamp.After(last) {
				last = h.Timestamp
			}
		}
	}
	return last
}

// Package planner turns a rule's look-back window and schedule into the
// ordered time tuples a run searches, catching up on missed intervals.
package planner

import (
	"fmt"
	"math"
	"time"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/datemath"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

// MaxCatchupRatio bounds how many intervals a delayed run backfills.
const MaxCatchupRatio = 4

// Params are the planner inputs for one run.
type Params struct {
	From       string
	To         string
	Interval   string
	MaxSignals int
	// PreviousStartedAt is nil for a rule's first run.
	PreviousStartedAt *time.Time
	Now               time.Time
}

// Plan is the planner output.
type Plan struct {
	// Tuples are ordered oldest first; the declared window is last.
	Tuples []models.TimeTuple
	// Gap is the time elapsed beyond the expected schedule, zero if none.
	Gap time.Duration
	// CatchupTuples is the number of tuples added ahead of the declared window.
	CatchupTuples int
	// RemainingGap is the part of Gap no tuple covers.
	RemainingGap time.Duration
	// Degraded is set when catch-up was skipped because the look-back unit
	// is not one of s, m, h.
	Degraded bool
}

// Build computes the tuples for a run. Unparseable date math or intervals
// are returned as errors wrapping datemath.ErrInvalidDateMath or
// datemath.ErrInvalidInterval.
func Build(p Params) (*Plan, error) {
	interval, err := datemath.ParseInterval(p.Interval)
	if err != nil {
		return nil, err
	}
	from, err := datemath.Parse(p.From, p.Now)
	if err != nil {
		return nil, fmt.Errorf("resolve from: %w", err)
	}
	to, err := datemath.Parse(p.To, p.Now)
	if err != nil {
		return nil, fmt.Errorf("resolve to: %w", err)
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: from %s is not before to %s", datemath.ErrInvalidDateMath, p.From, p.To)
	}

	current := models.TimeTuple{From: from, To: to, MaxSignals: p.MaxSignals}
	plan := &Plan{Tuples: []models.TimeTuple{current}}

	gap := Gap(p.Now, p.PreviousStartedAt, interval, from, to)
	if gap <= 0 {
		return plan, nil
	}
	plan.Gap = gap

	if unit, ok := datemath.Unit(p.From); !ok || !catchupUnit(unit) {
		plan.Degraded = true
		plan.RemainingGap = gap
		return plan, nil
	}

	// Whole intervals get full tuples; the rest of the gap, if any, gets a
	// tuple of that length ahead of them with a proportional budget.
	whole := int(gap / interval)
	var rest time.Duration
	if whole >= MaxCatchupRatio {
		whole = MaxCatchupRatio
		plan.RemainingGap = gap - time.Duration(whole)*interval
	} else {
		rest = gap - time.Duration(whole)*interval
	}

	var older []models.TimeTuple
	if rest > 0 {
		edge := from.Add(-time.Duration(whole) * interval)
		fraction := float64(rest) / float64(interval)
		older = append(older, models.TimeTuple{
			From:       edge.Add(-rest),
			To:         edge,
			MaxSignals: max(int(math.Round(float64(p.MaxSignals)*fraction)), 1),
		})
	}
	for i := whole; i >= 1; i-- {
		shift := time.Duration(i) * interval
		older = append(older, models.TimeTuple{
			From:       from.Add(-shift),
			To:         to.Add(-shift),
			MaxSignals: p.MaxSignals,
		})
	}

	plan.CatchupTuples = len(older)
	plan.Tuples = append(older, current)
	return plan, nil
}

// Gap returns now - previousStartedAt - interval - driftTolerance, where the
// drift tolerance is the part of the look-back window exceeding the interval.
// A nil previousStartedAt yields zero.
func Gap(now time.Time, previousStartedAt *time.Time, interval time.Duration, from, to time.Time) time.Duration {
	if previousStartedAt == nil {
		return 0
	}
	drift := to.Sub(from) - interval
	if drift < 0 {
		drift = 0
	}
	return now.Sub(*previousStartedAt) - interval - drift
}

func catchupUnit(unit string) bool {
	switch unit {
	case "s", "m", "h":
		return true
	}
	return false
}

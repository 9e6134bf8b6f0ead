package suppression

import (
	"context"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

// Existing is a suppressed alert already persisted and still open.
type Existing struct {
	AlertID   string
	Start     time.Time
	End       time.Time
	DocsCount int
}

// Store finds persisted suppressed alerts for time-window suppression.
type Store interface {
	// OpenInstances returns, keyed by instance id, the open alerts of the
	// rule created at or after since.
	OpenInstances(ctx context.Context, ruleID, spaceID string, instanceIDs []string, since time.Time) (map[string]Existing, error)
}

// Instance is a suppressed alert being built during a run.
type Instance struct {
	ID    string
	Terms []models.GroupTerm
	Start time.Time
	End   time.Time
	// DocsCount includes documents already persisted.
	DocsCount int
	// Pending counts documents merged since the last flush.
	Pending int

	// Representative match: the first event or sequence of the group.
	Event    *models.Hit
	Sequence *models.Sequence
	// Tuple is the window the instance was first seen in.
	Tuple models.TimeTuple

	// AlertID is set once the alert id is known: from the store for existing
	// alerts, or by the writer for new ones.
	AlertID   string
	Persisted bool
}

// Batch is the outcome of processing one match batch.
type Batch struct {
	// Unsuppressible matches are alerted individually.
	Unsuppressible models.MatchBatch
	// Create lists instances that need a new alert document.
	Create []*Instance
	// Update lists persisted instances that absorbed matches.
	Update []*Instance
	// Suppressed counts matches merged into an instance instead of alerting.
	Suppressed int
}

// Engine holds the suppression state of one run. It is not safe for
// concurrent use and must not be shared between runs.
type Engine struct {
	cfg     *models.Suppression
	ruleID  string
	spaceID string
	store   Store
	now     time.Time

	instances map[string]*Instance
	looked    map[string]bool
}

// New creates the engine for a run. store may be nil for per-execution mode.
func New(cfg *models.Suppression, ruleID, spaceID string, store Store, now time.Time) *Engine {
	return &Engine{
		cfg:       cfg,
		ruleID:    ruleID,
		spaceID:   spaceID,
		store:     store,
		now:       now,
		instances: make(map[string]*Instance),
		looked:    make(map[string]bool),
	}
}

// Partition splits a batch by the missing-fields strategy. With
// doNotSuppress, matches lacking any group-by field are unsuppressible; a
// sequence is unsuppressible when any of its events lacks one.
func (e *Engine) Partition(batch models.MatchBatch) (suppressible, unsuppressible models.MatchBatch) {
	if e.cfg.MissingFields != models.MissingFieldsDoNotSuppress {
		return batch, models.MatchBatch{}
	}
	for i := range batch.Events {
		if _, missing := GroupKey(e.cfg.GroupBy, &batch.Events[i]); missing {
			unsuppressible.Events = append(unsuppressible.Events, batch.Events[i])
		} else {
			suppressible.Events = append(suppressible.Events, batch.Events[i])
		}
	}
	for _, seq := range batch.Sequences {
		if _, missing := GroupKey(e.cfg.GroupBy, sequenceHits(seq)...); missing {
			unsuppressible.Sequences = append(unsuppressible.Sequences, seq)
		} else {
			suppressible.Sequences = append(suppressible.Sequences, seq)
		}
	}
	return suppressible, unsuppressible
}

func sequenceHits(seq models.Sequence) []*models.Hit {
	hits := make([]*models.Hit, len(seq.Events))
	for i := range seq.Events {
		hits[i] = &seq.Events[i]
	}
	return hits
}

type keyed struct {
	id    string
	terms []models.GroupTerm
	ts    time.Time
	event *models.Hit
	seq   *models.Sequence
}

// Process merges the suppressible part of batch into the run's instances.
func (e *Engine) Process(ctx context.Context, tuple models.TimeTuple, batch models.MatchBatch) (*Batch, error) {
	suppressible, unsuppressible := e.Partition(batch)
	out := &Batch{Unsuppressible: unsuppressible}

	matches := make([]keyed, 0, suppressible.Len())
	for i := range suppressible.Events {
		h := &suppressible.Events[i]
		terms, _ := GroupKey(e.cfg.GroupBy, h)
		matches = append(matches, keyed{id: InstanceID(terms, e.ruleID, e.spaceID), terms: terms, ts: h.Timestamp, event: h})
	}
	for i := range suppressible.Sequences {
		seq := &suppressible.Sequences[i]
		terms, _ := GroupKey(e.cfg.GroupBy, sequenceHits(*seq)...)
		ts := seq.Events[len(seq.Events)-1].Timestamp
		matches = append(matches, keyed{id: InstanceID(terms, e.ruleID, e.spaceID), terms: terms, ts: ts, seq: seq})
	}
	if len(matches) == 0 {
		return out, nil
	}

	if err := e.loadExisting(ctx, matches); err != nil {
		return nil, err
	}

	updated := make(map[string]bool)
	for _, m := range matches {
		inst, ok := e.instances[m.id]
		if !ok {
			inst = &Instance{
				ID:        m.id,
				Terms:     m.terms,
				Start:     m.ts,
				End:       m.ts,
				DocsCount: 1,
				Event:     m.event,
				Sequence:  m.seq,
				Tuple:     tuple,
			}
			e.instances[m.id] = inst
			out.Create = append(out.Create, inst)
			continue
		}

		inst.DocsCount++
		if inst.Persisted {
			inst.Pending++
			if !updated[m.id] {
				updated[m.id] = true
				out.Update = append(out.Update, inst)
			}
		}
		if m.ts.After(inst.End) {
			inst.End = m.ts
		}
		if !m.ts.IsZero() && (inst.Start.IsZero() || m.ts.Before(inst.Start)) {
			inst.Start = m.ts
		}
		out.Suppressed++
	}
	return out, nil
}

// loadExisting fetches persisted instances for ids not seen yet in this run,
// in one store call per batch.
func (e *Engine) loadExisting(ctx context.Context, matches []keyed) error {
	window, ok := e.cfg.Mode.(models.TimeWindow)
	if !ok || e.store == nil {
		return nil
	}

	var ids []string
	for _, m := range matches {
		if _, known := e.instances[m.id]; known || e.looked[m.id] {
			continue
		}
		e.looked[m.id] = true
		ids = append(ids, m.id)
	}
	if len(ids) == 0 {
		return nil
	}

	existing, err := e.store.OpenInstances(ctx, e.ruleID, e.spaceID, ids, e.now.Add(-window.Duration))
	if err != nil {
		return fmt.Errorf("failed to load suppressed alerts: %w", err)
	}

	byID := make(map[string]keyed, len(matches))
	for _, m := range matches {
		if _, ok := byID[m.id]; !ok {
			byID[m.id] = m
		}
	}
	for id, ex := range existing {
		m, ok := byID[id]
		if !ok {
			continue
		}
		e.instances[id] = &Instance{
			ID:        id,
			Terms:     m.terms,
			Start:     ex.Start,
			End:       ex.End,
			DocsCount: ex.DocsCount,
			AlertID:   ex.AlertID,
			Persisted: true,
		}
	}
	return nil
}

// Committed records a successful create of inst's alert.
func (e *Engine) Committed(inst *Instance) {
	inst.Persisted = true
	inst.Pending = 0
}

// Updated records that inst's pending documents were written.
func (e *Engine) Updated(inst *Instance) {
	inst.Pending = 0
}

// Discard forgets an instance whose alert could not be created, so later
// matches of the group start a new one.
func (e *Engine) Discard(inst *Instance) {
	if cur, ok := e.instances[inst.ID]; ok && cur == inst {
		delete(e.instances, inst.ID)
	}
}

// Instances returns the number of instances tracked by the run.
func (e *Engine) Instances() int { return len(e.instances) }

// Mode returns the configured suppression mode.
func (e *Engine) Mode() models.SuppressionMode { return e.cfg.Mode }

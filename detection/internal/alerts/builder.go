package alerts

import (
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/bulk"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/suppression"
)

// BuildingBlockDefault marks sequence event alerts.
const BuildingBlockDefault = "default"

// updateScript extends a suppressed alert. It is a no-op on closed alerts.
const updateScript = `if (ctx._source.workflow_status == 'closed') { ctx.op = 'none'; return; }
ctx._source.suppression.docs_count += params.docs_count;
if (ZonedDateTime.parse(ctx._source.suppression.end).toInstant().toEpochMilli() < params.end_ms) { ctx._source.suppression.end = params.end; }`

// Builder creates alert documents for one run. It performs no I/O.
type Builder struct {
	rule        *models.Rule
	executionID string
	now         time.Time
}

// NewBuilder creates a builder. now is stamped as @timestamp on every alert.
func NewBuilder(rule *models.Rule, executionID string, now time.Time) *Builder {
	return &Builder{rule: rule, executionID: executionID, now: now}
}

func (b *Builder) base(id string) models.Alert {
	return models.Alert{
		ID:        id,
		Timestamp: b.now,
		SpaceID:   b.rule.SpaceID,
		Rule: models.AlertRule{
			ID:        b.rule.ID,
			Name:      b.rule.Name,
			Type:      b.rule.Type,
			Version:   b.rule.Version,
			Severity:  b.rule.Severity,
			RiskScore: b.rule.RiskScore,
			Tags:      b.rule.Tags,
		},
		Status:      models.AlertStatusOpen,
		Depth:       1,
		ExecutionID: b.executionID,
	}
}

func ancestor(h *models.Hit) models.Ancestor {
	return models.Ancestor{ID: h.ID, Index: h.Index, Version: h.Version, Type: "event", Depth: 0}
}

func originalTime(h *models.Hit) *time.Time {
	if h.Timestamp.IsZero() {
		return nil
	}
	t := h.Timestamp
	return &t
}

// EventAlert builds the alert for a single event.
func (b *Builder) EventAlert(h *models.Hit) models.Alert {
	a := b.base(EventAlertID(h, b.rule.ID, b.rule.SpaceID))
	a.OriginalTime = originalTime(h)
	a.Ancestors = []models.Ancestor{ancestor(h)}
	a.Reason = b.reason(h)
	a.Source = h.Source
	return a
}

// SequenceAlerts builds the head alert of a sequence followed by one
// building block alert per event, all sharing the head's group id.
func (b *Builder) SequenceAlerts(seq *models.Sequence) []models.Alert {
	headID := SequenceAlertID(seq, b.rule.ID, b.rule.SpaceID)
	head := b.sequenceHead(headID, seq)

	out := make([]models.Alert, 0, len(seq.Events)+1)
	out = append(out, head)
	out = append(out, b.buildingBlocks(headID, seq)...)
	return out
}

func (b *Builder) sequenceHead(id string, seq *models.Sequence) models.Alert {
	a := b.base(id)
	a.GroupID = id
	a.Depth = 2
	last := &seq.Events[len(seq.Events)-1]
	a.OriginalTime = originalTime(last)
	for i := range seq.Events {
		a.Ancestors = append(a.Ancestors, ancestor(&seq.Events[i]))
	}
	a.Reason = fmt.Sprintf("sequence of %d events matched rule %s", len(seq.Events), b.rule.Name)
	a.Source = mergeSources(seq)
	return a
}

func (b *Builder) buildingBlocks(groupID string, seq *models.Sequence) []models.Alert {
	out := make([]models.Alert, 0, len(seq.Events))
	for i := range seq.Events {
		h := &seq.Events[i]
		idx := i
		a := b.base(BuildingBlockID(h, b.rule.ID, b.rule.SpaceID, groupID))
		a.OriginalTime = originalTime(h)
		a.Ancestors = []models.Ancestor{ancestor(h)}
		a.Reason = b.reason(h)
		a.Source = h.Source
		a.GroupID = groupID
		a.GroupIndex = &idx
		a.BuildingBlockType = BuildingBlockDefault
		out = append(out, a)
	}
	return out
}

// mergeSources keeps the fields whose value is the same in every event.
func mergeSources(seq *models.Sequence) map[string]any {
	if len(seq.Events) == 0 {
		return nil
	}
	common := make(map[string]any)
	for k, v := range seq.Events[0].Source {
		same := true
		for _, e := range seq.Events[1:] {
			if models.Fingerprint(e.Source[k]) != models.Fingerprint(v) {
				same = false
				break
			}
		}
		if same {
			common[k] = v
		}
	}
	return common
}

func (b *Builder) reason(h *models.Hit) string {
	if host := h.Values("host.name"); len(host) > 0 && host[0] != nil {
		return fmt.Sprintf("event on %s created alert %s", models.ValueString(host[0]), b.rule.Name)
	}
	return fmt.Sprintf("event created alert %s", b.rule.Name)
}

// SuppressedAlerts builds the alert for a new suppressed instance. For a
// sequence, the suppressed head comes first and its building blocks follow.
// inst.AlertID is set to the head id.
func (b *Builder) SuppressedAlerts(inst *suppression.Instance, mode models.SuppressionMode) []models.Alert {
	id := SuppressedAlertID(inst, mode)
	inst.AlertID = id

	var head models.Alert
	var blocks []models.Alert
	switch {
	case inst.Sequence != nil:
		head = b.sequenceHead(id, inst.Sequence)
		blocks = b.buildingBlocks(id, inst.Sequence)
	case inst.Event != nil:
		head = b.EventAlert(inst.Event)
		head.ID = id
	default:
		head = b.base(id)
	}
	head.Suppression = &models.AlertSuppression{
		InstanceID: inst.ID,
		Terms:      inst.Terms,
		Start:      inst.Start,
		End:        inst.End,
		DocsCount:  inst.DocsCount,
	}
	return append([]models.Alert{head}, blocks...)
}

// CreateOps turns alerts into bulk creates. Only alerts without a building
// block type consume budget.
func CreateOps(alerts []models.Alert) []bulk.Op {
	ops := make([]bulk.Op, len(alerts))
	for i := range alerts {
		ops[i] = bulk.Op{
			Action:  bulk.ActionCreate,
			ID:      alerts[i].ID,
			Doc:     alerts[i],
			Counted: alerts[i].BuildingBlockType == "",
		}
	}
	return ops
}

// UpdateOp extends the persisted alert of inst by its pending documents.
func UpdateOp(inst *suppression.Instance) bulk.Op {
	return bulk.Op{
		Action:          bulk.ActionUpdate,
		ID:              inst.AlertID,
		RetryOnConflict: 3,
		Script: &bulk.Script{
			Source: updateScript,
			Lang:   "painless",
			Params: map[string]any{
				"docs_count": inst.Pending,
				"end":        inst.End.UTC().Format(time.RFC3339Nano),
				"end_ms":     inst.End.UnixMilli(),
			},
		},
	}
}

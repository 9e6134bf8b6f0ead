// Package alerts turns matches and suppressed instances into alert
// documents with deterministic ids.
package alerts

import (
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/suppression"
)

// EventAlertID is the id of the alert for one source document. Re-processing
// the same document version always yields the same id.
func EventAlertID(h *models.Hit, ruleID, spaceID string) string {
	return models.Fingerprint(h.Index, h.ID, h.Version, ruleID+spaceID)
}

// SequenceAlertID is the id of the head alert of a sequence.
func SequenceAlertID(seq *models.Sequence, ruleID, spaceID string) string {
	parts := make([]any, 0, len(seq.Events)*3+1)
	for _, e := range seq.Events {
		parts = append(parts, e.Index, e.ID, e.Version)
	}
	parts = append(parts, ruleID+spaceID)
	return models.Fingerprint(parts...)
}

// BuildingBlockID is the id of the alert for one event of a sequence.
func BuildingBlockID(h *models.Hit, ruleID, spaceID, groupID string) string {
	return models.Fingerprint(h.Index, h.ID, h.Version, ruleID+spaceID, groupID)
}

// SuppressedAlertID is the id of the alert standing for a suppression group.
// Per-execution alerts are scoped to the window they were first seen in;
// time-window alerts are scoped to their first document.
func SuppressedAlertID(inst *suppression.Instance, mode models.SuppressionMode) string {
	if _, ok := mode.(models.TimeWindow); ok {
		if inst.Sequence != nil {
			parts := []any{inst.ID}
			for _, e := range inst.Sequence.Events {
				parts = append(parts, e.Index, e.ID, e.Version)
			}
			return models.Fingerprint(parts...)
		}
		if inst.Event != nil {
			return models.Fingerprint(inst.ID, inst.Event.Index, inst.Event.ID, inst.Event.Version)
		}
	}
	return models.Fingerprint(inst.ID, inst.Tuple.From, inst.Tuple.To)
}

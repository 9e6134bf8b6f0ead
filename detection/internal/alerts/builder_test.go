package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/bulk"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/storage"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/storage/storagetest"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/suppression"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testRule() *models.Rule {
	return &models.Rule{ID: "rule-1", SpaceID: "default", Name: "Suspicious login", Type: models.RuleTypeQuery, Version: 2, Severity: "high", RiskScore: 73}
}

func hit(id string, version int64) models.Hit {
	return models.Hit{
		Index:     "logs-1",
		ID:        id,
		Version:   version,
		Source:    map[string]any{"host": map[string]any{"name": "web-01"}, "user": id},
		Timestamp: now.Add(-time.Minute),
	}
}

func TestEventAlertID_Deterministic(t *testing.T) {
	h := hit("doc-1", 1)
	id := EventAlertID(&h, "rule-1", "default")

	same := hit("doc-1", 1)
	assert.Equal(t, id, EventAlertID(&same, "rule-1", "default"))

	newer := hit("doc-1", 2)
	assert.NotEqual(t, id, EventAlertID(&newer, "rule-1", "default"), "new source version")

	other := hit("doc-1", 1)
	other.Index = "logs-2"
	assert.NotEqual(t, id, EventAlertID(&other, "rule-1", "default"))
	assert.NotEqual(t, id, EventAlertID(&h, "rule-2", "default"))
	assert.NotEqual(t, id, EventAlertID(&h, "rule-1", "other"))
}

func TestEventAlert(t *testing.T) {
	b := NewBuilder(testRule(), "exec-1", now)
	h := hit("doc-1", 1)

	a := b.EventAlert(&h)
	assert.Equal(t, EventAlertID(&h, "rule-1", "default"), a.ID)
	assert.Equal(t, models.AlertStatusOpen, a.Status)
	assert.Equal(t, now, a.Timestamp)
	assert.Equal(t, "exec-1", a.ExecutionID)
	assert.Equal(t, "default", a.SpaceID)
	assert.Equal(t, "Suspicious login", a.Rule.Name)
	require.NotNil(t, a.OriginalTime)
	assert.Equal(t, h.Timestamp, *a.OriginalTime)
	assert.Equal(t, []models.Ancestor{{ID: "doc-1", Index: "logs-1", Version: 1, Type: "event"}}, a.Ancestors)
	assert.Contains(t, a.Reason, "web-01")
	assert.Nil(t, a.Suppression)

	// Building the same alert twice gives the same document.
	assert.Equal(t, a, b.EventAlert(&h))
}

func TestSequenceAlerts(t *testing.T) {
	b := NewBuilder(testRule(), "exec-1", now)
	seq := models.Sequence{Events: []models.Hit{hit("e1", 1), hit("e2", 1), hit("e3", 1)}}

	alerts := b.SequenceAlerts(&seq)
	require.Len(t, alerts, 4)

	head := alerts[0]
	assert.Equal(t, SequenceAlertID(&seq, "rule-1", "default"), head.ID)
	assert.Equal(t, head.ID, head.GroupID)
	assert.Empty(t, head.BuildingBlockType)
	assert.Len(t, head.Ancestors, 3)
	assert.Equal(t, map[string]any{"host": map[string]any{"name": "web-01"}}, head.Source, "only shared fields")

	for i, bb := range alerts[1:] {
		assert.Equal(t, head.ID, bb.GroupID)
		assert.Equal(t, BuildingBlockDefault, bb.BuildingBlockType)
		require.NotNil(t, bb.GroupIndex)
		assert.Equal(t, i, *bb.GroupIndex)
		assert.Equal(t, BuildingBlockID(&seq.Events[i], "rule-1", "default", head.ID), bb.ID)
	}

	ops := CreateOps(alerts)
	require.Len(t, ops, 4)
	assert.True(t, ops[0].Counted)
	assert.False(t, ops[1].Counted)
}

func TestSuppressedAlerts(t *testing.T) {
	b := NewBuilder(testRule(), "exec-1", now)
	h := hit("doc-1", 1)
	tuple := models.TimeTuple{From: now.Add(-6 * time.Minute), To: now}
	inst := &suppression.Instance{
		ID:        "inst-1",
		Terms:     []models.GroupTerm{{Field: "host.name", Value: "web-01"}},
		Start:     now.Add(-5 * time.Minute),
		End:       now.Add(-time.Minute),
		DocsCount: 3,
		Event:     &h,
		Tuple:     tuple,
	}

	perExec := b.SuppressedAlerts(inst, models.PerExecution{})
	require.Len(t, perExec, 1)
	a := perExec[0]
	assert.Equal(t, inst.AlertID, a.ID)
	assert.NotEqual(t, EventAlertID(&h, "rule-1", "default"), a.ID)
	require.NotNil(t, a.Suppression)
	assert.Equal(t, 3, a.Suppression.DocsCount)
	assert.Equal(t, "inst-1", a.Suppression.InstanceID)
	assert.Equal(t, inst.Start, a.Suppression.Start)

	// A later window gives a new per-execution alert.
	next := *inst
	next.Tuple = models.TimeTuple{From: now, To: now.Add(6 * time.Minute)}
	assert.NotEqual(t, a.ID, SuppressedAlertID(&next, models.PerExecution{}))

	// Time-window ids depend on the first document, not the window.
	tw := SuppressedAlertID(inst, models.TimeWindow{Duration: time.Hour})
	assert.Equal(t, tw, SuppressedAlertID(&next, models.TimeWindow{Duration: time.Hour}))
}

func TestSuppressedSequence(t *testing.T) {
	b := NewBuilder(testRule(), "exec-1", now)
	seq := models.Sequence{Events: []models.Hit{hit("e1", 1), hit("e2", 1)}}
	inst := &suppression.Instance{ID: "inst-1", DocsCount: 1, Sequence: &seq}

	alerts := b.SuppressedAlerts(inst, models.TimeWindow{Duration: time.Hour})
	require.Len(t, alerts, 3)
	assert.NotNil(t, alerts[0].Suppression)
	assert.Equal(t, inst.AlertID, alerts[0].GroupID)
	assert.Nil(t, alerts[1].Suppression)
	assert.Equal(t, inst.AlertID, alerts[2].GroupID)
}

func TestUpdateOp(t *testing.T) {
	inst := &suppression.Instance{AlertID: "alert-a", Pending: 4, End: now}
	op := UpdateOp(inst)

	assert.Equal(t, bulk.ActionUpdate, op.Action)
	assert.Equal(t, "alert-a", op.ID)
	assert.Equal(t, 3, op.RetryOnConflict)
	require.NotNil(t, op.Script)
	assert.Equal(t, 4, op.Script.Params["docs_count"])
	assert.Equal(t, now.UnixMilli(), op.Script.Params["end_ms"])
}

func TestWriteAndUpdateRoundTrip(t *testing.T) {
	backend := storagetest.New()
	w := bulk.NewWriter(backend, bulk.Options{Index: "alerts"})
	b := NewBuilder(testRule(), "exec-1", now)
	h := hit("doc-1", 1)
	inst := &suppression.Instance{ID: "inst-1", DocsCount: 1, Start: h.Timestamp, End: h.Timestamp, Event: &h}

	res, err := w.Write(context.Background(), CreateOps(b.SuppressedAlerts(inst, models.PerExecution{})), 10)
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)

	inst.Pending = 2
	inst.End = now
	res, err = w.Write(context.Background(), []bulk.Op{UpdateOp(inst)}, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	doc, ok := backend.Get(inst.AlertID)
	require.True(t, ok)
	supp := doc["suppression"].(map[string]any)
	assert.Equal(t, 3, supp["docs_count"])
	assert.Equal(t, now.Format(time.RFC3339Nano), supp["end"])
}

func TestStore_OpenInstances(t *testing.T) {
	backend := storagetest.New()
	var got *storage.SearchRequest
	backend.SearchFunc = func(req *storage.SearchRequest) (*storage.SearchResponse, error) {
		got = req
		return &storage.SearchResponse{Hits: []models.Hit{
			{ID: "alert-new", Source: map[string]any{"suppression": map[string]any{
				"instance_id": "inst-1", "docs_count": "7",
				"start": "2024-05-01T11:00:00Z", "end": "2024-05-01T11:30:00Z",
			}}},
			{ID: "alert-old", Source: map[string]any{"suppression": map[string]any{
				"instance_id": "inst-1", "docs_count": 2,
			}}},
			{ID: "not-suppressed", Source: map[string]any{}},
		}}, nil
	}
	store := NewStore(backend, "alerts", time.Second)

	out, err := store.OpenInstances(context.Background(), "rule-1", "default", []string{"inst-1", "inst-2"}, now.Add(-time.Hour))
	require.NoError(t, err)

	require.Len(t, out, 1)
	ex := out["inst-1"]
	assert.Equal(t, "alert-new", ex.AlertID)
	assert.Equal(t, 7, ex.DocsCount)
	assert.Equal(t, time.Date(2024, 5, 1, 11, 30, 0, 0, time.UTC), ex.End)

	require.NotNil(t, got)
	assert.Equal(t, []string{"alerts"}, got.Index)
	filters := got.Body["query"].(map[string]any)["bool"].(map[string]any)["filter"].([]any)
	assert.Len(t, filters, 4)

	empty, err := store.OpenInstances(context.Background(), "rule-1", "default", nil, now)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

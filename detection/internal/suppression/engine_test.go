package suppression

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

var (
	now   = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tuple = models.TimeTuple{From: now.Add(-6 * time.Minute), To: now, MaxSignals: 100}
)

func event(id string, ts time.Time, source map[string]any) models.Hit {
	return models.Hit{Index: "logs-1", ID: id, Version: 1, Source: source, Timestamp: ts}
}

func perExecution(groupBy ...string) *models.Suppression {
	return &models.Suppression{GroupBy: groupBy, Mode: models.PerExecution{}, MissingFields: models.MissingFieldsSuppress}
}

func TestProcess_MergesSameGroup(t *testing.T) {
	e := New(perExecution("host", "user"), "rule-1", "default", nil, now)

	batch := models.MatchBatch{Events: []models.Hit{
		event("1", now.Add(-2*time.Minute), map[string]any{"host": "a", "user": "x"}),
		event("2", now.Add(-1*time.Minute), map[string]any{"host": "a", "user": "x"}),
	}}
	out, err := e.Process(context.Background(), tuple, batch)
	require.NoError(t, err)

	require.Len(t, out.Create, 1)
	inst := out.Create[0]
	assert.Equal(t, 2, inst.DocsCount)
	assert.Equal(t, now.Add(-2*time.Minute), inst.Start)
	assert.Equal(t, now.Add(-1*time.Minute), inst.End)
	assert.Equal(t, []models.GroupTerm{{Field: "host", Value: "a"}, {Field: "user", Value: "x"}}, inst.Terms)
	assert.Equal(t, 1, out.Suppressed)
	assert.Zero(t, out.Unsuppressible.Len())
	assert.Empty(t, out.Update)
}

func TestProcess_DoNotSuppressMissing(t *testing.T) {
	cfg := perExecution("user")
	cfg.MissingFields = models.MissingFieldsDoNotSuppress
	e := New(cfg, "rule-1", "default", nil, now)

	batch := models.MatchBatch{Events: []models.Hit{
		event("1", now, map[string]any{"host": "a"}),
		event("2", now, map[string]any{"user": "x"}),
	}}
	out, err := e.Process(context.Background(), tuple, batch)
	require.NoError(t, err)

	require.Len(t, out.Unsuppressible.Events, 1)
	assert.Equal(t, "1", out.Unsuppressible.Events[0].ID)
	require.Len(t, out.Create, 1)
	assert.Equal(t, "2", out.Create[0].Event.ID)
}

func TestProcess_SuppressMissingAsNull(t *testing.T) {
	e := New(perExecution("user"), "rule-1", "default", nil, now)

	batch := models.MatchBatch{Events: []models.Hit{
		event("1", now, map[string]any{"host": "a"}),
		event("2", now, map[string]any{"host": "b", "user": nil}),
	}}
	out, err := e.Process(context.Background(), tuple, batch)
	require.NoError(t, err)

	require.Len(t, out.Create, 1)
	assert.Equal(t, []models.GroupTerm{{Field: "user", Value: nil}}, out.Create[0].Terms)
	assert.Equal(t, 2, out.Create[0].DocsCount)
}

func TestProcess_AcrossPagesUpdatesPersisted(t *testing.T) {
	e := New(perExecution("host"), "rule-1", "default", nil, now)
	ctx := context.Background()

	first, err := e.Process(ctx, tuple, models.MatchBatch{Events: []models.Hit{
		event("1", now.Add(-3*time.Minute), map[string]any{"host": "a"}),
	}})
	require.NoError(t, err)
	require.Len(t, first.Create, 1)
	e.Committed(first.Create[0])

	second, err := e.Process(ctx, tuple, models.MatchBatch{Events: []models.Hit{
		event("2", now.Add(-2*time.Minute), map[string]any{"host": "a"}),
		event("3", now.Add(-1*time.Minute), map[string]any{"host": "a"}),
	}})
	require.NoError(t, err)
	assert.Empty(t, second.Create)
	require.Len(t, second.Update, 1)
	assert.Equal(t, 2, second.Update[0].Pending)
	assert.Equal(t, 3, second.Update[0].DocsCount)
	assert.Equal(t, 2, second.Suppressed)

	e.Updated(second.Update[0])
	assert.Zero(t, second.Update[0].Pending)
}

func TestProcess_Discard(t *testing.T) {
	e := New(perExecution("host"), "rule-1", "default", nil, now)
	ctx := context.Background()

	first, err := e.Process(ctx, tuple, models.MatchBatch{Events: []models.Hit{event("1", now, map[string]any{"host": "a"})}})
	require.NoError(t, err)
	e.Discard(first.Create[0])
	assert.Zero(t, e.Instances())

	second, err := e.Process(ctx, tuple, models.MatchBatch{Events: []models.Hit{event("2", now, map[string]any{"host": "a"})}})
	require.NoError(t, err)
	assert.Len(t, second.Create, 1)
}

type stubStore struct {
	existing map[string]Existing
	calls    int
	gotIDs   []string
	since    time.Time
	err      error
}

func (s *stubStore) OpenInstances(ctx context.Context, ruleID, spaceID string, ids []string, since time.Time) (map[string]Existing, error) {
	s.calls++
	s.gotIDs = append(s.gotIDs, ids...)
	s.since = since
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]Existing)
	for _, id := range ids {
		if ex, ok := s.existing[id]; ok {
			out[id] = ex
		}
	}
	return out, nil
}

func TestProcess_TimeWindowMergesExisting(t *testing.T) {
	cfg := &models.Suppression{GroupBy: []string{"host"}, Mode: models.TimeWindow{Duration: time.Hour}, MissingFields: models.MissingFieldsSuppress}

	existingID := InstanceID([]models.GroupTerm{{Field: "host", Value: "a"}}, "rule-1", "default")
	store := &stubStore{existing: map[string]Existing{
		existingID: {AlertID: "alert-a", Start: now.Add(-30 * time.Minute), End: now.Add(-10 * time.Minute), DocsCount: 4},
	}}
	e := New(cfg, "rule-1", "default", store, now)

	out, err := e.Process(context.Background(), tuple, models.MatchBatch{Events: []models.Hit{
		event("1", now.Add(-2*time.Minute), map[string]any{"host": "a"}),
		event("2", now.Add(-1*time.Minute), map[string]any{"host": "b"}),
		event("3", now.Add(-1*time.Minute), map[string]any{"host": "a"}),
	}})
	require.NoError(t, err)

	assert.Equal(t, 1, store.calls, "one batched lookup")
	assert.Len(t, store.gotIDs, 2)
	assert.Equal(t, now.Add(-time.Hour), store.since)

	require.Len(t, out.Update, 1)
	upd := out.Update[0]
	assert.Equal(t, "alert-a", upd.AlertID)
	assert.Equal(t, 6, upd.DocsCount)
	assert.Equal(t, 2, upd.Pending)
	assert.Equal(t, now.Add(-1*time.Minute), upd.End)
	assert.Equal(t, now.Add(-30*time.Minute), upd.Start)

	require.Len(t, out.Create, 1)
	assert.Equal(t, "b", out.Create[0].Terms[0].Value)
	assert.Equal(t, 2, out.Suppressed)

	// Known ids are not looked up again.
	_, err = e.Process(context.Background(), tuple, models.MatchBatch{Events: []models.Hit{
		event("4", now, map[string]any{"host": "a"}),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls)
}

func TestProcess_StoreError(t *testing.T) {
	cfg := &models.Suppression{GroupBy: []string{"host"}, Mode: models.TimeWindow{Duration: time.Hour}}
	e := New(cfg, "rule-1", "default", &stubStore{err: errors.New("timeout")}, now)

	_, err := e.Process(context.Background(), tuple, models.MatchBatch{Events: []models.Hit{event("1", now, map[string]any{"host": "a"})}})
	assert.ErrorContains(t, err, "timeout")
}

func TestProcess_PerExecutionIgnoresStore(t *testing.T) {
	store := &stubStore{}
	e := New(perExecution("host"), "rule-1", "default", store, now)

	_, err := e.Process(context.Background(), tuple, models.MatchBatch{Events: []models.Hit{event("1", now, map[string]any{"host": "a"})}})
	require.NoError(t, err)
	assert.Zero(t, store.calls)
}

func TestProcess_Sequences(t *testing.T) {
	cfg := perExecution("host", "user")
	cfg.MissingFields = models.MissingFieldsDoNotSuppress
	e := New(cfg, "rule-1", "default", nil, now)

	complete := models.Sequence{Events: []models.Hit{
		event("a1", now.Add(-2*time.Minute), map[string]any{"host": "h1", "user": "u1"}),
		event("a2", now.Add(-1*time.Minute), map[string]any{"host": "h1", "user": "u2"}),
	}}
	partial := models.Sequence{Events: []models.Hit{
		event("b1", now.Add(-2*time.Minute), map[string]any{"host": "h1", "user": "u1"}),
		event("b2", now.Add(-1*time.Minute), map[string]any{"host": "h1"}),
	}}

	out, err := e.Process(context.Background(), tuple, models.MatchBatch{Sequences: []models.Sequence{complete, partial}})
	require.NoError(t, err)

	require.Len(t, out.Unsuppressible.Sequences, 1)
	assert.Equal(t, "b1", out.Unsuppressible.Sequences[0].Events[0].ID)

	require.Len(t, out.Create, 1)
	inst := out.Create[0]
	require.NotNil(t, inst.Sequence)
	assert.Equal(t, []models.GroupTerm{
		{Field: "host", Value: "h1"},
		{Field: "user", Value: []any{"u1", "u2"}},
	}, inst.Terms, "values are unioned across events")
	assert.Equal(t, now.Add(-1*time.Minute), inst.End)
}

func TestGroupKey_OrderIndependent(t *testing.T) {
	faker := gofakeit.New(99)
	for i := 0; i < 50; i++ {
		values := []any{faker.IPv4Address(), faker.IPv4Address(), faker.IPv4Address()}
		shuffled := append([]any(nil), values...)
		faker.ShuffleAnySlice(shuffled)

		user := faker.Username()
		h1 := models.Hit{Source: map[string]any{"source": map[string]any{"ip": values}, "user": user}}
		h2 := models.Hit{Source: map[string]any{"user": user, "source": map[string]any{"ip": shuffled}}}

		k1, _ := GroupKey([]string{"user", "source.ip"}, &h1)
		k2, _ := GroupKey([]string{"source.ip", "user"}, &h2)
		assert.Equal(t, k1, k2)
		assert.Equal(t, InstanceID(k1, "r", "s"), InstanceID(k2, "r", "s"))
	}
}

func TestInstanceID_NumberRepresentation(t *testing.T) {
	a := []models.GroupTerm{{Field: "port", Value: json.Number("443")}}
	b := []models.GroupTerm{{Field: "port", Value: float64(443)}}
	assert.Equal(t, InstanceID(a, "r", "s"), InstanceID(b, "r", "s"))

	assert.NotEqual(t, InstanceID(a, "r", "s"), InstanceID(a, "r2", "s"), "scoped by rule")
	assert.NotEqual(t, InstanceID(a, "r", "s"), InstanceID(a, "r", "s2"), "scoped by space")
}

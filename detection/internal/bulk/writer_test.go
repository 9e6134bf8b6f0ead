package bulk

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/storage/storagetest"
)

func creates(n int) []Op {
	ops := make([]Op, n)
	for i := range ops {
		id := fmt.Sprintf("alert-%d", i+1)
		ops[i] = Op{Action: ActionCreate, ID: id, Doc: map[string]any{"uuid": id}, Counted: true}
	}
	return ops
}

func TestWrite_VersionConflict(t *testing.T) {
	backend := storagetest.New()
	backend.FailIDs = map[string]int{"alert-5": 409}
	w := NewWriter(backend, Options{Index: "alerts", BatchSize: 4})

	res, err := w.Write(context.Background(), creates(10), 100)
	require.NoError(t, err)

	assert.Equal(t, 9, res.Created)
	for i := 1; i <= 10; i++ {
		id := fmt.Sprintf("alert-%d", i)
		if i == 5 {
			assert.Equal(t, OutcomeFailed, res.Outcome(id))
			continue
		}
		assert.Equal(t, OutcomeCreated, res.Outcome(id), id)
		_, ok := backend.Get(id)
		assert.True(t, ok, id)
	}

	require.Len(t, res.Errors, 1)
	assert.Equal(t, models.ErrorCount{Message: "version_conflict_engine_exception", Status: 409, Count: 1}, res.Errors[0])
	assert.Equal(t, 3, backend.BulkCalls, "10 docs in batches of 4")
	assert.Len(t, res.Durations, 3)
}

func TestWrite_ErrorsAggregated(t *testing.T) {
	backend := storagetest.New()
	backend.FailIDs = map[string]int{"alert-2": 409, "alert-3": 409, "alert-4": 429}
	w := NewWriter(backend, Options{Index: "alerts"})

	res, err := w.Write(context.Background(), creates(5), 100)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, []models.ErrorCount{
		{Message: "injected_failure", Status: 429, Count: 1},
		{Message: "version_conflict_engine_exception", Status: 409, Count: 2},
	}, res.Errors)
}

func TestWrite_Truncate(t *testing.T) {
	backend := storagetest.New()
	w := NewWriter(backend, Options{Index: "alerts"})

	ops := []Op{
		{Action: ActionCreate, ID: "head-1", Doc: map[string]any{}, Counted: true},
		{Action: ActionCreate, ID: "bb-1a", Doc: map[string]any{}},
		{Action: ActionCreate, ID: "bb-1b", Doc: map[string]any{}},
		{Action: ActionCreate, ID: "head-2", Doc: map[string]any{}, Counted: true},
		{Action: ActionCreate, ID: "bb-2a", Doc: map[string]any{}},
	}
	res, err := w.Write(context.Background(), ops, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 2, res.Truncated)
	assert.Equal(t, 3, backend.Count())
	assert.Equal(t, OutcomeTruncated, res.Outcome("head-2"))
	assert.Equal(t, OutcomeTruncated, res.Outcome("bb-2a"))
	assert.Equal(t, OutcomeCreated, res.Outcome("bb-1b"))
}

func TestWrite_ZeroBudget(t *testing.T) {
	backend := storagetest.New()
	w := NewWriter(backend, Options{Index: "alerts"})

	res, err := w.Write(context.Background(), creates(3), 0)
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Equal(t, 3, res.Truncated)
	assert.Zero(t, backend.BulkCalls)
}

func TestWrite_Duplicates(t *testing.T) {
	backend := storagetest.New()
	backend.Stored["alert-1"] = map[string]any{}
	w := NewWriter(backend, Options{Index: "alerts"})

	ops := append(creates(3), Op{Action: ActionCreate, ID: "alert-2", Doc: map[string]any{}, Counted: true})
	res, err := w.Write(context.Background(), ops, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 2, res.Duplicates, "existing document and in-batch repeat")
	assert.Empty(t, res.Errors)

	// Writing the same ops again is a no-op.
	res, err = w.Write(context.Background(), creates(3), 10)
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Equal(t, 3, res.Duplicates)
	assert.Equal(t, 1, backend.BulkCalls)
}

func TestWrite_DuplicatesDoNotConsumeBudget(t *testing.T) {
	backend := storagetest.New()
	backend.Stored["alert-1"] = map[string]any{}
	w := NewWriter(backend, Options{Index: "alerts"})

	res, err := w.Write(context.Background(), creates(3), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Zero(t, res.Truncated)
}

func TestWrite_Update(t *testing.T) {
	backend := storagetest.New()
	backend.Stored["supp-1"] = map[string]any{
		"suppression": map[string]any{"docs_count": 3, "end": "2024-05-01T10:00:00Z"},
	}
	w := NewWriter(backend, Options{Index: "alerts"})

	ops := []Op{{
		Action:          ActionUpdate,
		ID:              "supp-1",
		RetryOnConflict: 3,
		Script: &Script{
			Source: "ctx._source.suppression.docs_count += params.docs_count",
			Lang:   "painless",
			Params: map[string]any{"docs_count": 2, "end": "2024-05-01T10:05:00Z", "end_ms": 1714557900000},
		},
	}}
	res, err := w.Write(context.Background(), ops, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	doc, _ := backend.Get("supp-1")
	supp := doc["suppression"].(map[string]any)
	assert.Equal(t, 5, supp["docs_count"])
	assert.Equal(t, "2024-05-01T10:05:00Z", supp["end"])
}

func TestWrite_TransportFailure(t *testing.T) {
	backend := storagetest.New()
	backend.BulkErr = errors.New("connection reset by peer")
	w := NewWriter(backend, Options{Index: "alerts", BatchSize: 2})

	res, err := w.Write(context.Background(), creates(3), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.Zero(t, res.Created)
	assert.Equal(t, OutcomeFailed, res.Outcome("alert-3"))
	assert.Equal(t, 2, backend.BulkCalls, "later batches are still attempted")
}

func TestEncode(t *testing.T) {
	w := NewWriter(storagetest.New(), Options{Index: "alerts"})
	body, err := w.encode([]Op{
		{Action: ActionCreate, ID: "a", Doc: map[string]any{"x": 1}},
		{Action: ActionUpdate, ID: "b", RetryOnConflict: 3, Script: &Script{Source: "s"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"create":{"_index":"alerts","_id":"a"}}
{"x":1}
{"update":{"_index":"alerts","_id":"b","retry_on_conflict":3}}
{"script":{"source":"s"}}
`, string(body))

	_, err = w.encode([]Op{{Action: "delete", ID: "c"}})
	assert.Error(t, err)
}

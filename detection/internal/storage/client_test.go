package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc) *OpenSearch {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	os, err := New(Config{URL: srv.URL})
	require.NoError(t, err)
	return os
}

func infoOr(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":{"number":"2.11.0","distribution":"opensearch"}}`))
			return
		}
		next(w, r)
	}
}

func TestSearch(t *testing.T) {
	var gotBody map[string]any
	backend := newTestBackend(t, infoOr(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/logs-*/_search", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("ignore_unavailable"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		_, _ = w.Write([]byte(`{
			"took": 7, "timed_out": false,
			"_shards": {"failed": 0},
			"hits": {"total": {"value": 2}, "hits": [
				{"_index": "logs-1", "_id": "a", "_version": 3, "_seq_no": 10, "_primary_term": 1,
				 "_source": {"@timestamp": "2024-05-01T10:00:00Z", "bytes": 1714564800000}, "sort": [1714564800000, "a"]},
				{"_index": "logs-1", "_id": "b", "_version": 1,
				 "_source": {"@timestamp": "2024-05-01T10:01:00Z"}, "sort": [1714564860000, "b"]}
			]}
		}`))
	}))

	res, err := backend.Search(context.Background(), &SearchRequest{
		Index:   []string{"logs-*"},
		Body:    map[string]any{"size": 2},
		Timeout: time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, float64(2), gotBody["size"])
	assert.Equal(t, int64(2), res.Total)
	assert.Equal(t, 7*time.Millisecond, res.Took)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "a", res.Hits[0].ID)
	assert.Equal(t, int64(3), res.Hits[0].Version)
	require.NotNil(t, res.Hits[0].SeqNo)
	assert.Equal(t, int64(10), *res.Hits[0].SeqNo)
	// numbers keep full precision
	assert.Equal(t, json.Number("1714564800000"), res.Hits[0].Sort[0])
	assert.Equal(t, json.Number("1714564800000"), res.Hits[0].Source["bytes"])
}

func TestSearch_Error(t *testing.T) {
	backend := newTestBackend(t, infoOr(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"parsing_exception","reason":"unknown query [foo]"},"status":400}`))
	}))

	_, err := backend.Search(context.Background(), &SearchRequest{Index: []string{"logs-*"}, Body: map[string]any{}})
	require.Error(t, err)

	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 400, re.Status)
	assert.Equal(t, "parsing_exception", re.Type)
	assert.Equal(t, "unknown query [foo]", re.Reason)
}

func TestSearch_Timeout(t *testing.T) {
	backend := newTestBackend(t, infoOr(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))

	_, err := backend.Search(context.Background(), &SearchRequest{
		Index:   []string{"logs-*"},
		Body:    map[string]any{},
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestFieldCaps(t *testing.T) {
	backend := newTestBackend(t, infoOr(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/logs-*/_field_caps", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("include_unmapped"))
		_, _ = w.Write([]byte(`{
			"indices": ["logs-1", "logs-2", "logs-3"],
			"fields": {
				"@timestamp": {
					"date": {"type": "date", "indices": ["logs-1", "logs-2"]},
					"unmapped": {"type": "unmapped", "indices": ["logs-3"]}
				},
				"event.ingested": {
					"unmapped": {"type": "unmapped"}
				}
			}
		}`))
	}))

	caps, err := backend.FieldCaps(context.Background(), []string{"logs-*"}, []string{"@timestamp", "event.ingested", "host.name"}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, []string{"logs-1", "logs-2", "logs-3"}, caps.Indices)
	assert.Equal(t, []string{"logs-3"}, caps.MissingIn("@timestamp"))
	assert.Equal(t, []string{"logs-1", "logs-2", "logs-3"}, caps.MissingIn("event.ingested"))
	assert.Equal(t, []string{"logs-1", "logs-2", "logs-3"}, caps.MissingIn("host.name"))
}

func TestBulk(t *testing.T) {
	var lines []string
	backend := newTestBackend(t, infoOr(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_bulk", r.URL.Path)
		assert.Equal(t, "wait_for", r.URL.Query().Get("refresh"))
		data, _ := io.ReadAll(r.Body)
		lines = strings.Split(strings.TrimSpace(string(data)), "\n")

		_, _ = w.Write([]byte(`{"took": 3, "errors": true, "items": [
			{"create": {"_index": "alerts", "_id": "1", "status": 201, "result": "created", "_seq_no": 4, "_primary_term": 1}},
			{"create": {"_index": "alerts", "_id": "2", "status": 409,
				"error": {"type": "version_conflict_engine_exception", "reason": "[2]: version conflict, document already exists"}}},
			{"update": {"_index": "alerts", "_id": "3", "status": 200, "result": "updated"}}
		]}`))
	}))

	body := []byte(`{"create":{"_index":"alerts","_id":"1"}}
{"a":1}
`)
	res, err := backend.Bulk(context.Background(), body, "wait_for", time.Second)
	require.NoError(t, err)
	assert.Len(t, lines, 2)

	require.Len(t, res.Items, 3)
	assert.True(t, res.Errors)
	assert.Equal(t, "create", res.Items[0].Action)
	assert.Equal(t, int64(4), res.Items[0].SeqNo)
	assert.Nil(t, res.Items[0].Error)
	require.NotNil(t, res.Items[1].Error)
	assert.True(t, IsVersionConflict(res.Items[1].Error))
	assert.Equal(t, "update", res.Items[2].Action)
	assert.Equal(t, "updated", res.Items[2].Result)
}

func TestExistingIDs(t *testing.T) {
	backend := newTestBackend(t, infoOr(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/alerts/_mget", r.URL.Path)
		var req struct {
			Docs []map[string]any `json:"docs"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Docs, 2)
		assert.Equal(t, false, req.Docs[0]["_source"])

		_, _ = w.Write([]byte(`{"docs": [
			{"_index": "alerts", "_id": "x", "found": true},
			{"_index": "alerts", "_id": "y", "found": false}
		]}`))
	}))

	found, err := backend.ExistingIDs(context.Background(), "alerts", []string{"x", "y"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"x": true}, found)

	empty, err := backend.ExistingIDs(context.Background(), "alerts", nil, time.Second)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNew_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(Config{URL: srv.URL})
	assert.Error(t, err)
}

func TestDecodeError_PlainBody(t *testing.T) {
	err := decodeError(502, strings.NewReader("bad gateway"))
	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 502, re.Status)
	assert.Equal(t, "bad gateway", re.Reason)
	assert.False(t, IsVersionConflict(err))
}

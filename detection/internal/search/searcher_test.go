package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/storage"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/storage/storagetest"
)

func fakeDataset(seed int64, n int) []models.Hit {
	faker := gofakeit.New(seed)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	docs := make([]models.Hit, n)
	for i := range docs {
		// Few distinct timestamps so the tiebreaker matters.
		ts := base.Add(time.Duration(faker.IntRange(0, 5)) * time.Second)
		docs[i] = models.Hit{
			Index:   "logs-1",
			ID:      faker.UUID(),
			Version: 1,
			Source: map[string]any{
				"@timestamp": ts.Format(time.RFC3339Nano),
				"host":       map[string]any{"name": faker.DomainName()},
			},
			Timestamp: ts,
		}
	}
	return docs
}

func drain(t *testing.T, p *Pager) []models.Hit {
	t.Helper()
	var all []models.Hit
	for p.Next(context.Background()) {
		all = append(all, p.Hits()...)
	}
	require.NoError(t, p.Err())
	return all
}

func TestPager_Completeness(t *testing.T) {
	docs := fakeDataset(42, 137)

	for _, pageSize := range []int{1, 7, 50, 136, 137, 500} {
		backend := storagetest.New()
		backend.Docs = docs
		s := New(backend, Options{PageSize: pageSize})

		all := drain(t, s.Pager(Request{Index: []string{"logs-*"}, TimestampField: "@timestamp"}))

		seen := make(map[string]int)
		for _, h := range all {
			seen[h.ID]++
			assert.False(t, h.Timestamp.IsZero(), "timestamp resolved")
		}
		assert.Len(t, seen, len(docs), "page size %d", pageSize)
		for id, n := range seen {
			assert.Equal(t, 1, n, "document %s visited more than once", id)
		}
	}
}

func TestPager_Limit(t *testing.T) {
	backend := storagetest.New()
	backend.Docs = fakeDataset(7, 100)
	s := New(backend, Options{PageSize: 30})

	p := s.Pager(Request{Index: []string{"logs-*"}, TimestampField: "@timestamp", Limit: 45})
	all := drain(t, p)

	assert.Len(t, all, 45)
	assert.Equal(t, 45, p.Fetched())

	reqs := backend.SearchRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, 30, reqs[0].Body["size"])
	assert.Equal(t, 15, reqs[1].Body["size"])
	assert.NotContains(t, reqs[0].Body, "search_after")
	assert.Contains(t, reqs[1].Body, "search_after")
}

func TestPager_Body(t *testing.T) {
	backend := storagetest.New()
	s := New(backend, Options{PageSize: 10, Tiebreaker: "event.id"})

	query := map[string]any{"match_all": map[string]any{}}
	p := s.Pager(Request{
		Index:          []string{"logs-*"},
		Query:          query,
		TimestampField: "event.ingested",
		FallbackField:  "@timestamp",
	})
	assert.False(t, p.Next(context.Background()))
	require.NoError(t, p.Err())

	reqs := backend.SearchRequests()
	require.Len(t, reqs, 1)
	body := reqs[0].Body
	assert.Equal(t, query, body["query"])
	assert.Equal(t, true, body["seq_no_primary_term"])
	assert.Equal(t, true, body["version"])

	sort := body["sort"].([]any)
	require.Len(t, sort, 3)
	assert.Contains(t, sort[0], "event.ingested")
	assert.Contains(t, sort[1], "@timestamp")
	assert.Contains(t, sort[2], "event.id")
}

func TestPager_Cancelled(t *testing.T) {
	backend := storagetest.New()
	backend.Docs = fakeDataset(1, 20)
	s := New(backend, Options{PageSize: 5})

	ctx, cancel := context.WithCancel(context.Background())
	p := s.Pager(Request{Index: []string{"logs-*"}, TimestampField: "@timestamp"})
	require.True(t, p.Next(ctx))
	cancel()

	assert.False(t, p.Next(ctx))
	assert.ErrorIs(t, p.Err(), context.Canceled)
	assert.Len(t, backend.SearchRequests(), 1)
}

func TestPager_SearchError(t *testing.T) {
	backend := storagetest.New()
	backend.SearchFunc = func(req *storage.SearchRequest) (*storage.SearchResponse, error) {
		return nil, &storage.ResponseError{Status: 400, Type: "parsing_exception", Reason: "bad query"}
	}
	s := New(backend, Options{})

	p := s.Pager(Request{Index: []string{"logs-*"}, TimestampField: "@timestamp"})
	assert.False(t, p.Next(context.Background()))

	var re *storage.ResponseError
	require.True(t, errors.As(p.Err(), &re))
	assert.Equal(t, 400, re.Status)
	assert.False(t, p.Next(context.Background()), "pager stays stopped")
}

func TestPager_TimedOut(t *testing.T) {
	backend := storagetest.New()
	backend.SearchFunc = func(req *storage.SearchRequest) (*storage.SearchResponse, error) {
		return &storage.SearchResponse{TimedOut: true}, nil
	}
	s := New(backend, Options{})

	p := s.Pager(Request{Index: []string{"logs-*"}, TimestampField: "@timestamp"})
	assert.False(t, p.Next(context.Background()))
	assert.ErrorIs(t, p.Err(), ErrTimedOut)
}

func TestResolveIndices(t *testing.T) {
	tests := []struct {
		name      string
		caps      *storage.FieldCaps
		fallback  string
		wantIndex []string
		wantSkip  bool
		warnings  int
	}{
		{
			name:      "all mapped",
			caps:      &storage.FieldCaps{Indices: []string{"logs-1", "logs-2"}, Unmapped: map[string][]string{}},
			wantIndex: []string{"logs-*"},
		},
		{
			name:     "no indices",
			caps:     &storage.FieldCaps{Unmapped: map[string][]string{}},
			wantSkip: true,
			warnings: 1,
		},
		{
			name: "partially mapped",
			caps: &storage.FieldCaps{
				Indices:  []string{"logs-1", "logs-2", "logs-3"},
				Unmapped: map[string][]string{"@timestamp": {"logs-2"}},
			},
			wantIndex: []string{"logs-1", "logs-3"},
			warnings:  1,
		},
		{
			name: "unmapped everywhere",
			caps: &storage.FieldCaps{
				Indices:  []string{"logs-1"},
				Unmapped: map[string][]string{"@timestamp": {"logs-1"}},
			},
			wantSkip: true,
			warnings: 1,
		},
		{
			name: "fallback covers",
			caps: &storage.FieldCaps{
				Indices:  []string{"logs-1", "logs-2"},
				Unmapped: map[string][]string{"@timestamp": {"logs-2"}, "event.ingested": {"logs-1"}},
			},
			fallback:  "event.ingested",
			wantIndex: []string{"logs-*"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := storagetest.New()
			backend.Caps = tt.caps
			s := New(backend, Options{})

			res, err := s.ResolveIndices(context.Background(), []string{"logs-*"}, "@timestamp", tt.fallback)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSkip, res.Skip)
			assert.Len(t, res.Warnings, tt.warnings)
			if !tt.wantSkip {
				assert.Equal(t, tt.wantIndex, res.Index)
			}
		})
	}
}

func TestAggregate(t *testing.T) {
	backend := storagetest.New()
	backend.SearchFunc = func(req *storage.SearchRequest) (*storage.SearchResponse, error) {
		assert.Equal(t, 0, req.Body["size"])
		return &storage.SearchResponse{}, nil
	}
	s := New(backend, Options{})

	_, err := s.Aggregate(context.Background(), []string{"logs-*"}, map[string]any{"aggs": map[string]any{}})
	require.NoError(t, err)
}

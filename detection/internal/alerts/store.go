package alerts

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/storage"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/suppression"
)

// Searcher runs a single search.
type Searcher interface {
	Search(ctx context.Context, req *storage.SearchRequest) (*storage.SearchResponse, error)
}

// Store reads suppressed alerts back from the alerts index.
type Store struct {
	backend Searcher
	index   string
	timeout time.Duration
}

// NewStore creates a store over the alerts index.
func NewStore(backend Searcher, index string, timeout time.Duration) *Store {
	return &Store{backend: backend, index: index, timeout: timeout}
}

// OpenInstances implements suppression.Store. When several open alerts exist
// for one instance the most recently created wins.
func (s *Store) OpenInstances(ctx context.Context, ruleID, spaceID string, instanceIDs []string, since time.Time) (map[string]suppression.Existing, error) {
	out := make(map[string]suppression.Existing)
	if len(instanceIDs) == 0 {
		return out, nil
	}

	query := map[string]any{
		"bool": map[string]any{
			"filter": []any{
				map[string]any{"terms": map[string]any{"suppression.instance_id": instanceIDs}},
				map[string]any{"term": map[string]any{"rule.id": ruleID}},
				map[string]any{"term": map[string]any{"space_id": spaceID}},
				map[string]any{"range": map[string]any{
					"@timestamp": map[string]any{"gte": since.UTC().Format(time.RFC3339Nano), "format": "strict_date_optional_time"},
				}},
			},
			"must_not": []any{
				map[string]any{"term": map[string]any{"workflow_status": string(models.AlertStatusClosed)}},
			},
		},
	}

	res, err := s.backend.Search(ctx, &storage.SearchRequest{
		Index: []string{s.index},
		Body: map[string]any{
			"size":    len(instanceIDs) * 2,
			"query":   query,
			"sort":    []any{map[string]any{"@timestamp": map[string]any{"order": "desc"}}},
			"_source": []string{"uuid", "suppression"},
		},
		Timeout: s.timeout,
	})
	if storage.IsNotFound(err) {
		// First run in the space: the alerts index does not exist yet.
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to search suppressed alerts: %w", err)
	}

	for _, h := range res.Hits {
		supp, _ := h.Source["suppression"].(map[string]any)
		if supp == nil {
			continue
		}
		instanceID, _ := supp["instance_id"].(string)
		if instanceID == "" {
			continue
		}
		if _, ok := out[instanceID]; ok {
			continue
		}
		ex := suppression.Existing{AlertID: h.ID, DocsCount: intValue(supp["docs_count"])}
		ex.Start, _ = models.ParseTimestamp(supp["start"])
		ex.End, _ = models.ParseTimestamp(supp["end"])
		out[instanceID] = ex
	}
	return out, nil
}

func intValue(v any) int {
	n, _ := strconv.Atoi(models.ValueString(v))
	return n
}

var _ suppression.Store = (*Store)(nil)

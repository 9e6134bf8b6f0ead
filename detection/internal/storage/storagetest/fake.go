// Package storagetest provides an in-memory search backend for tests.
package storagetest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/storage"
)

// Backend is a fake search store. Search pages over Docs in
// (timestamp, _id) order unless SearchFunc is set. Bulk writes go to an
// in-memory document map.
type Backend struct {
	mu sync.Mutex

	// Docs are returned by Search. Each hit needs Timestamp set.
	Docs []models.Hit
	// SearchFunc overrides the default paging behaviour.
	SearchFunc func(req *storage.SearchRequest) (*storage.SearchResponse, error)
	// Caps is returned by FieldCaps; nil reports Index as fully mapped.
	Caps  *storage.FieldCaps
	Index []string
	// AlertsIndex routes searches on that index to Stored documents
	// filtered by a suppression.instance_id terms clause.
	AlertsIndex string

	// FailIDs makes bulk operations on these ids fail with the given status.
	// A 409 is reported as a version conflict.
	FailIDs map[string]int
	// BulkErr, when set, is returned by Bulk as a transport error.
	BulkErr error

	Requests  []*storage.SearchRequest
	Stored    map[string]map[string]any
	BulkCalls int
}

// New returns an empty fake.
func New() *Backend {
	return &Backend{Stored: make(map[string]map[string]any)}
}

// Search implements search.Backend.
func (b *Backend) Search(ctx context.Context, req *storage.SearchRequest) (*storage.SearchResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.Requests = append(b.Requests, req)
	fn := b.SearchFunc
	b.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	if b.AlertsIndex != "" && len(req.Index) == 1 && req.Index[0] == b.AlertsIndex {
		return b.searchStored(req), nil
	}
	return b.page(req), nil
}

func (b *Backend) searchStored(req *storage.SearchRequest) *storage.SearchResponse {
	want := make(map[string]bool)
	query, _ := req.Body["query"].(map[string]any)
	boolQuery, _ := query["bool"].(map[string]any)
	filters, _ := boolQuery["filter"].([]any)
	for _, f := range filters {
		terms, _ := f.(map[string]any)["terms"].(map[string]any)
		ids, _ := terms["suppression.instance_id"].([]string)
		for _, id := range ids {
			want[id] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := &storage.SearchResponse{Took: time.Millisecond}
	for id, doc := range b.Stored {
		supp, _ := doc["suppression"].(map[string]any)
		instanceID, _ := supp["instance_id"].(string)
		if !want[instanceID] || doc["workflow_status"] == "closed" {
			continue
		}
		out.Hits = append(out.Hits, models.Hit{Index: b.AlertsIndex, ID: id, Source: doc})
	}
	sort.Slice(out.Hits, func(i, j int) bool { return out.Hits[i].ID < out.Hits[j].ID })
	return out
}

func (b *Backend) page(req *storage.SearchRequest) *storage.SearchResponse {
	b.mu.Lock()
	docs := append([]models.Hit(nil), b.Docs...)
	b.mu.Unlock()

	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].Timestamp.Equal(docs[j].Timestamp) {
			return docs[i].Timestamp.Before(docs[j].Timestamp)
		}
		return docs[i].ID < docs[j].ID
	})

	size := toInt(req.Body["size"])
	start := 0
	if after, ok := req.Body["search_after"].([]any); ok && len(after) == 2 {
		ms := toInt(after[0])
		id, _ := after[1].(string)
		start = sort.Search(len(docs), func(i int) bool {
			t := docs[i].Timestamp.UnixMilli()
			return t > int64(ms) || (t == int64(ms) && docs[i].ID > id)
		})
	}

	end := min(start+size, len(docs))
	out := &storage.SearchResponse{Took: time.Millisecond}
	for _, d := range docs[start:end] {
		d.Sort = []any{int(d.Timestamp.UnixMilli()), d.ID}
		d.Timestamp = time.Time{}
		out.Hits = append(out.Hits, d)
	}
	return out
}

// FieldCaps implements search.Backend.
func (b *Backend) FieldCaps(ctx context.Context, index []string, fields []string, timeout time.Duration) (*storage.FieldCaps, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Caps != nil {
		return b.Caps, nil
	}
	indices := b.Index
	if indices == nil {
		indices = index
	}
	return &storage.FieldCaps{Indices: indices, Unmapped: map[string][]string{}}, nil
}

// Bulk applies create and update actions to Stored. Updates run the
// suppression script semantics: docs_count is incremented and end extended.
func (b *Backend) Bulk(ctx context.Context, body []byte, refresh string, timeout time.Duration) (*storage.BulkResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.BulkCalls++
	if b.BulkErr != nil {
		return nil, b.BulkErr
	}

	res := &storage.BulkResponse{}
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var meta map[string]struct {
			Index string `json:"_index"`
			ID    string `json:"_id"`
		}
		if err := json.Unmarshal(sc.Bytes(), &meta); err != nil {
			return nil, fmt.Errorf("bad action line: %w", err)
		}
		if !sc.Scan() {
			return nil, fmt.Errorf("missing source line")
		}
		var src map[string]any
		if err := json.Unmarshal(sc.Bytes(), &src); err != nil {
			return nil, fmt.Errorf("bad source line: %w", err)
		}

		for action, m := range meta {
			item := storage.BulkItem{Action: action, Index: m.Index, ID: m.ID}
			if status, ok := b.FailIDs[m.ID]; ok {
				item.Status = status
				item.Error = &storage.ResponseError{Status: status, Type: "injected_failure", Reason: "injected failure"}
				if status == 409 {
					item.Error.Type = "version_conflict_engine_exception"
					item.Error.Reason = fmt.Sprintf("[%s]: version conflict, document already exists", m.ID)
				}
				res.Errors = true
				res.Items = append(res.Items, item)
				continue
			}
			switch action {
			case "create":
				if _, exists := b.Stored[m.ID]; exists {
					item.Status = 409
					item.Error = &storage.ResponseError{
						Status: 409,
						Type:   "version_conflict_engine_exception",
						Reason: fmt.Sprintf("[%s]: version conflict, document already exists", m.ID),
					}
					res.Errors = true
				} else {
					b.Stored[m.ID] = src
					item.Status = 201
					item.Result = "created"
				}
			case "update":
				doc, exists := b.Stored[m.ID]
				if !exists {
					item.Status = 404
					item.Error = &storage.ResponseError{Status: 404, Type: "document_missing_exception", Reason: "document missing"}
					res.Errors = true
					break
				}
				applyScript(doc, src)
				item.Status = 200
				item.Result = "updated"
			default:
				return nil, fmt.Errorf("unsupported action %q", action)
			}
			res.Items = append(res.Items, item)
		}
	}
	return res, sc.Err()
}

func applyScript(doc, body map[string]any) {
	script, _ := body["script"].(map[string]any)
	params, _ := script["params"].(map[string]any)
	supp, _ := doc["suppression"].(map[string]any)
	if supp == nil || params == nil {
		return
	}
	supp["docs_count"] = toInt(supp["docs_count"]) + toInt(params["docs_count"])
	end, _ := params["end"].(string)
	cur, _ := supp["end"].(string)
	curTime, err := time.Parse(time.RFC3339Nano, cur)
	if err != nil || int64(toInt(params["end_ms"])) > curTime.UnixMilli() {
		supp["end"] = end
	}
}

// ExistingIDs implements the duplicate lookup against Stored.
func (b *Backend) ExistingIDs(ctx context.Context, index string, ids []string, timeout time.Duration) (map[string]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]bool)
	for _, id := range ids {
		if _, ok := b.Stored[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

// Get returns a stored document.
func (b *Backend) Get(id string) (map[string]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.Stored[id]
	return doc, ok
}

// Count returns the number of stored documents.
func (b *Backend) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Stored)
}

// SearchRequests returns the recorded search requests.
func (b *Backend) SearchRequests() []*storage.SearchRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*storage.SearchRequest(nil), b.Requests...)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

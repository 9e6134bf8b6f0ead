package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// BulkItem is the outcome of one bulk operation.
type BulkItem struct {
	Action      string
	Index       string
	ID          string
	Status      int
	Result      string
	SeqNo       int64
	PrimaryTerm int64
	Error       *ResponseError
}

// BulkResponse is a decoded bulk response, items in request order.
type BulkResponse struct {
	Took   time.Duration
	Errors bool
	Items  []BulkItem
}

type bulkItemBody struct {
	Index       string `json:"_index"`
	ID          string `json:"_id"`
	Status      int    `json:"status"`
	Result      string `json:"result"`
	SeqNo       int64  `json:"_seq_no"`
	PrimaryTerm int64  `json:"_primary_term"`
	Error       *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// Bulk sends an NDJSON body to the bulk API. Item failures are reported in
// the response; only transport and request level failures return an error.
func (o *OpenSearch) Bulk(ctx context.Context, body []byte, refresh string, timeout time.Duration) (*BulkResponse, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	res, err := o.client.Bulk(
		bytes.NewReader(body),
		o.client.Bulk.WithContext(ctx),
		o.client.Bulk.WithRefresh(refresh),
	)
	if err != nil {
		return nil, fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, decodeError(res.StatusCode, res.Body)
	}

	var raw struct {
		Took   int64                        `json:"took"`
		Errors bool                         `json:"errors"`
		Items  []map[string]json.RawMessage `json:"items"`
	}
	if err := decodeJSON(res.Body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode bulk response: %w", err)
	}

	out := &BulkResponse{
		Took:   time.Duration(raw.Took) * time.Millisecond,
		Errors: raw.Errors,
		Items:  make([]BulkItem, 0, len(raw.Items)),
	}
	for _, entry := range raw.Items {
		for action, data := range entry {
			var ib bulkItemBody
			if err := json.Unmarshal(data, &ib); err != nil {
				return nil, fmt.Errorf("failed to decode bulk item: %w", err)
			}
			item := BulkItem{
				Action:      action,
				Index:       ib.Index,
				ID:          ib.ID,
				Status:      ib.Status,
				Result:      ib.Result,
				SeqNo:       ib.SeqNo,
				PrimaryTerm: ib.PrimaryTerm,
			}
			if ib.Error != nil {
				item.Error = &ResponseError{Status: ib.Status, Type: ib.Error.Type, Reason: ib.Error.Reason}
			}
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

// ExistingIDs returns the subset of ids present in index, using the realtime
// multi-get API so documents written moments ago are seen.
func (o *OpenSearch) ExistingIDs(ctx context.Context, index string, ids []string, timeout time.Duration) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(ids) == 0 {
		return found, nil
	}

	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	docs := make([]map[string]any, len(ids))
	for i, id := range ids {
		docs[i] = map[string]any{"_id": id, "_source": false}
	}
	body, err := encodeBody(map[string]any{"docs": docs})
	if err != nil {
		return nil, err
	}

	res, err := o.client.Mget(
		body,
		o.client.Mget.WithContext(ctx),
		o.client.Mget.WithIndex(index),
	)
	if err != nil {
		return nil, fmt.Errorf("mget request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == 404 {
		// alerts index not created yet
		return found, nil
	}
	if res.IsError() {
		return nil, decodeError(res.StatusCode, res.Body)
	}

	var mb struct {
		Docs []struct {
			ID    string `json:"_id"`
			Found bool   `json:"found"`
		} `json:"docs"`
	}
	if err := decodeJSON(res.Body, &mb); err != nil {
		return nil, fmt.Errorf("failed to decode mget response: %w", err)
	}
	for _, d := range mb.Docs {
		if d.Found {
			found[d.ID] = true
		}
	}
	return found, nil
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

// SearchRequest is a single search call.
type SearchRequest struct {
	Index   []string
	Body    map[string]any
	Timeout time.Duration
}

// SearchResponse is the decoded part of a search response the engine uses.
type SearchResponse struct {
	Total         int64
	TimedOut      bool
	Took          time.Duration
	Hits          []models.Hit
	Aggregations  map[string]json.RawMessage
	ShardFailures []ShardFailure
}

// ShardFailure describes a failed shard in an otherwise successful search.
type ShardFailure struct {
	Index  string
	Reason string
}

type searchBody struct {
	Took     int64 `json:"took"`
	TimedOut bool  `json:"timed_out"`
	Shards   struct {
		Failed   int `json:"failed"`
		Failures []struct {
			Index  string `json:"index"`
			Reason struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"reason"`
		} `json:"failures"`
	} `json:"_shards"`
	Hits struct {
		Total *struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []models.Hit `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]json.RawMessage `json:"aggregations"`
}

// Search runs a search with the request timeout applied to the call.
func (o *OpenSearch) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	res, err := o.client.Search(
		o.client.Search.WithContext(ctx),
		o.client.Search.WithIndex(req.Index...),
		o.client.Search.WithBody(body),
		o.client.Search.WithIgnoreUnavailable(true),
		o.client.Search.WithAllowNoIndices(true),
	)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, decodeError(res.StatusCode, res.Body)
	}

	var sb searchBody
	if err := decodeJSON(res.Body, &sb); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	out := &SearchResponse{
		TimedOut:     sb.TimedOut,
		Took:         time.Duration(sb.Took) * time.Millisecond,
		Hits:         sb.Hits.Hits,
		Aggregations: sb.Aggregations,
	}
	if sb.Hits.Total != nil {
		out.Total = sb.Hits.Total.Value
	}
	for _, f := range sb.Shards.Failures {
		out.ShardFailures = append(out.ShardFailures, ShardFailure{
			Index:  f.Index,
			Reason: f.Reason.Type + ": " + f.Reason.Reason,
		})
	}
	return out, nil
}

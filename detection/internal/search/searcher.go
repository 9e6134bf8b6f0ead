// Package search streams matching documents for a time tuple using
// search_after cursors.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/storage"
)

// DefaultTiebreaker is the secondary sort field that makes cursors stable
// when documents share a timestamp.
const DefaultTiebreaker = "_id"

// Backend is the part of the search store the searcher needs.
type Backend interface {
	Search(ctx context.Context, req *storage.SearchRequest) (*storage.SearchResponse, error)
	FieldCaps(ctx context.Context, index []string, fields []string, timeout time.Duration) (*storage.FieldCaps, error)
}

// Options configures a Searcher.
type Options struct {
	PageSize   int
	Timeout    time.Duration
	Tiebreaker string
}

// Searcher issues bounded, cursor-paged searches.
type Searcher struct {
	backend Backend
	opts    Options
}

// New creates a Searcher. Zero options fall back to a page size of 1000,
// a 30s timeout and the _id tiebreaker.
func New(backend Backend, opts Options) *Searcher {
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Tiebreaker == "" {
		opts.Tiebreaker = DefaultTiebreaker
	}
	return &Searcher{backend: backend, opts: opts}
}

// PageSize returns the configured page size.
func (s *Searcher) PageSize() int { return s.opts.PageSize }

// Request describes one paged search.
type Request struct {
	Index          []string
	Query          map[string]any
	TimestampField string
	FallbackField  string
	// Limit caps the number of hits returned over all pages.
	Limit int
	// Source restricts returned _source fields; nil returns the whole document.
	Source any
}

// Pager walks the pages of one request. It is not safe for concurrent use;
// the cursor is sequential.
//
//	p := searcher.Pager(req)
//	for p.Next(ctx) {
//		handle(p.Hits())
//	}
//	if err := p.Err(); err != nil { ... }
type Pager struct {
	s   *Searcher
	req Request

	searchAfter []any
	fetched     int
	done        bool

	hits      []models.Hit
	err       error
	durations []time.Duration
}

// Pager starts a paged search. No request is issued until Next is called.
func (s *Searcher) Pager(req Request) *Pager {
	return &Pager{s: s, req: req}
}

// Next fetches the next page. It returns false when the result set or the
// limit is exhausted, the context is cancelled, or a search fails.
func (p *Pager) Next(ctx context.Context) bool {
	p.hits = nil
	if p.done || p.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		p.err = err
		return false
	}

	size := p.s.opts.PageSize
	if p.req.Limit > 0 {
		remaining := p.req.Limit - p.fetched
		if remaining <= 0 {
			p.done = true
			return false
		}
		size = min(size, remaining)
	}

	res, err := p.s.backend.Search(ctx, &storage.SearchRequest{
		Index:   p.req.Index,
		Body:    p.body(size),
		Timeout: p.s.opts.Timeout,
	})
	if err != nil {
		p.err = fmt.Errorf("search page %d: %w", len(p.durations)+1, err)
		return false
	}
	p.durations = append(p.durations, res.Took)
	if res.TimedOut {
		p.err = fmt.Errorf("search page %d: %w", len(p.durations), ErrTimedOut)
		return false
	}

	if len(res.Hits) == 0 {
		p.done = true
		return false
	}

	hits := res.Hits
	for i := range hits {
		hits[i].ResolveTimestamp(p.req.TimestampField, p.req.FallbackField)
	}
	p.hits = hits
	p.fetched += len(hits)

	last := hits[len(hits)-1].Sort
	if len(hits) < size || len(last) == 0 {
		p.done = true
	} else {
		p.searchAfter = last
	}
	return true
}

// Hits returns the page fetched by the last successful Next.
func (p *Pager) Hits() []models.Hit { return p.hits }

// Err returns the error that stopped paging, if any.
func (p *Pager) Err() error { return p.err }

// Durations returns the backend-reported duration of every page.
func (p *Pager) Durations() []time.Duration { return p.durations }

// Fetched returns the total number of hits returned so far.
func (p *Pager) Fetched() int { return p.fetched }

// ErrTimedOut is returned when the backend reports a timed out search.
var ErrTimedOut = errors.New("search timed out")

func (p *Pager) body(size int) map[string]any {
	sort := []any{
		map[string]any{p.req.TimestampField: map[string]any{"order": "asc", "unmapped_type": "date"}},
	}
	if p.req.FallbackField != "" {
		sort = append(sort, map[string]any{p.req.FallbackField: map[string]any{"order": "asc", "unmapped_type": "date"}})
	}
	sort = append(sort, map[string]any{p.s.opts.Tiebreaker: map[string]any{"order": "asc"}})

	body := map[string]any{
		"size":                size,
		"query":               p.req.Query,
		"sort":                sort,
		"track_total_hits":    false,
		"version":             true,
		"seq_no_primary_term": true,
	}
	if p.req.Source != nil {
		body["_source"] = p.req.Source
	}
	if p.searchAfter != nil {
		body["search_after"] = p.searchAfter
	}
	return body
}

// Aggregate runs a single size-0 search and returns the response.
func (s *Searcher) Aggregate(ctx context.Context, index []string, body map[string]any) (*storage.SearchResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body["size"] = 0
	res, err := s.backend.Search(ctx, &storage.SearchRequest{Index: index, Body: body, Timeout: s.opts.Timeout})
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		return res, ErrTimedOut
	}
	return res, nil
}

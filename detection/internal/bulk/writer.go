// Package bulk writes alert documents in batches with independent
// per-document outcomes.
package bulk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/storage"
)

// Action is a bulk operation type.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Script is a painless update script.
type Script struct {
	Source string         `json:"source"`
	Lang   string         `json:"lang,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Op is one document write. Creates carry Doc; updates carry Script.
type Op struct {
	Action Action
	ID     string
	Doc    any
	Script *Script
	// Counted creates consume the run's alert budget. Building blocks of a
	// sequence follow their head and are not counted.
	Counted bool
	// RetryOnConflict is sent on updates so concurrent writers re-read the
	// document instead of overwriting it.
	RetryOnConflict int
}

// Outcome is the result of a single op.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeTruncated Outcome = "truncated"
	OutcomeFailed    Outcome = "failed"
)

// ItemResult is the outcome of one op.
type ItemResult struct {
	ID      string
	Action  Action
	Outcome Outcome
	Status  int
	Counted bool
	Err     error
}

// Result summarizes a Write call.
type Result struct {
	Items      []ItemResult
	Created    int // counted creates that succeeded
	Updated    int
	Duplicates int
	Truncated  int
	Errors     []models.ErrorCount
	Durations  []time.Duration
}

// Outcome returns the outcome of the op with id, or "" if unknown.
func (r *Result) Outcome(id string) Outcome {
	for i := len(r.Items) - 1; i >= 0; i-- {
		if r.Items[i].ID == id {
			return r.Items[i].Outcome
		}
	}
	return ""
}

// Backend is the bulk part of the search store.
type Backend interface {
	Bulk(ctx context.Context, body []byte, refresh string, timeout time.Duration) (*storage.BulkResponse, error)
	ExistingIDs(ctx context.Context, index string, ids []string, timeout time.Duration) (map[string]bool, error)
}

// Options configures a Writer.
type Options struct {
	Index     string
	BatchSize int
	Timeout   time.Duration
	// Refresh is passed to the bulk API ("false", "true" or "wait_for").
	Refresh string
}

// Writer persists ops. A Writer belongs to one run: it remembers the ids it
// has written so overlapping tuples do not write twice.
type Writer struct {
	backend Backend
	opts    Options
	seen    map[string]struct{}
}

// NewWriter creates a run-scoped writer.
func NewWriter(backend Backend, opts Options) *Writer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Refresh == "" {
		opts.Refresh = "wait_for"
	}
	return &Writer{backend: backend, opts: opts, seen: make(map[string]struct{})}
}

// Write drops creates that already exist, truncates counted creates to
// budget, and sends the rest in batches. Item failures never abort sibling
// items; they are aggregated by message and status. The returned error is
// set when whole batches could not be sent.
func (w *Writer) Write(ctx context.Context, ops []Op, budget int) (*Result, error) {
	res := &Result{}
	if len(ops) == 0 {
		return res, nil
	}

	ops, err := w.dropDuplicates(ctx, ops, res)
	if err != nil {
		return res, err
	}
	ops = truncate(ops, budget, res)

	var batchErrs []error
	for start := 0; start < len(ops); start += w.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+w.opts.BatchSize, len(ops))
		if err := w.send(ctx, ops[start:end], res); err != nil {
			batchErrs = append(batchErrs, err)
		}
	}
	return res, errors.Join(batchErrs...)
}

func (w *Writer) dropDuplicates(ctx context.Context, ops []Op, res *Result) ([]Op, error) {
	var ids []string
	for _, op := range ops {
		if op.Action == ActionCreate {
			if _, ok := w.seen[op.ID]; !ok {
				ids = append(ids, op.ID)
			}
		}
	}

	existing, err := w.backend.ExistingIDs(ctx, w.opts.Index, ids, w.opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing alerts: %w", err)
	}

	out := ops[:0:0]
	batch := make(map[string]struct{})
	for _, op := range ops {
		if op.Action == ActionCreate {
			_, seen := w.seen[op.ID]
			_, dup := batch[op.ID]
			if seen || dup || existing[op.ID] {
				res.Duplicates++
				res.Items = append(res.Items, ItemResult{ID: op.ID, Action: op.Action, Outcome: OutcomeDuplicate, Counted: op.Counted})
				continue
			}
			batch[op.ID] = struct{}{}
		}
		out = append(out, op)
	}
	return out, nil
}

// truncate keeps at most budget counted creates. Once the budget is spent,
// every later create is dropped, including uncounted building blocks.
func truncate(ops []Op, budget int, res *Result) []Op {
	out := ops[:0:0]
	counted := 0
	exhausted := false
	for _, op := range ops {
		if op.Action == ActionCreate {
			if op.Counted && counted >= budget {
				exhausted = true
			}
			if exhausted {
				res.Truncated++
				res.Items = append(res.Items, ItemResult{ID: op.ID, Action: op.Action, Outcome: OutcomeTruncated, Counted: op.Counted})
				continue
			}
			if op.Counted {
				counted++
			}
		}
		out = append(out, op)
	}
	return out
}

func (w *Writer) send(ctx context.Context, ops []Op, res *Result) error {
	body, err := w.encode(ops)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := w.backend.Bulk(ctx, body, w.opts.Refresh, w.opts.Timeout)
	if err != nil {
		res.Durations = append(res.Durations, time.Since(start))
		for _, op := range ops {
			res.Items = append(res.Items, ItemResult{ID: op.ID, Action: op.Action, Outcome: OutcomeFailed, Counted: op.Counted, Err: err})
		}
		return fmt.Errorf("bulk request of %d documents failed: %w", len(ops), err)
	}
	took := resp.Took
	if took == 0 {
		took = time.Since(start)
	}
	res.Durations = append(res.Durations, took)

	if len(resp.Items) != len(ops) {
		return fmt.Errorf("bulk response has %d items for %d operations", len(resp.Items), len(ops))
	}

	var errs []models.ErrorCount
	for i, item := range resp.Items {
		op := ops[i]
		ir := ItemResult{ID: op.ID, Action: op.Action, Status: item.Status, Counted: op.Counted}
		switch {
		case item.Error != nil:
			ir.Outcome = OutcomeFailed
			ir.Err = item.Error
			errs = append(errs, models.ErrorCount{Message: errorMessage(item.Error), Status: item.Status, Count: 1})
		case op.Action == ActionCreate:
			ir.Outcome = OutcomeCreated
			w.seen[op.ID] = struct{}{}
			if op.Counted {
				res.Created++
			}
		default:
			ir.Outcome = OutcomeUpdated
			res.Updated++
		}
		res.Items = append(res.Items, ir)
	}
	res.Errors = models.MergeErrorCounts(res.Errors, errs)
	return nil
}

// errorMessage groups item errors by type; reasons often embed document ids.
func errorMessage(err *storage.ResponseError) string {
	if err.Type != "" {
		return err.Type
	}
	return err.Reason
}

type actionMeta struct {
	Index           string `json:"_index"`
	ID              string `json:"_id"`
	RetryOnConflict int    `json:"retry_on_conflict,omitempty"`
}

func (w *Writer) encode(ops []Op) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range ops {
		meta := actionMeta{Index: w.opts.Index, ID: op.ID}
		var source any
		switch op.Action {
		case ActionCreate:
			source = op.Doc
		case ActionUpdate:
			meta.RetryOnConflict = op.RetryOnConflict
			source = map[string]any{"script": op.Script}
		default:
			return nil, fmt.Errorf("unsupported bulk action %q", op.Action)
		}
		if err := enc.Encode(map[Action]actionMeta{op.Action: meta}); err != nil {
			return nil, fmt.Errorf("failed to encode bulk action: %w", err)
		}
		if err := enc.Encode(source); err != nil {
			return nil, fmt.Errorf("failed to encode document %s: %w", op.ID, err)
		}
	}
	return buf.Bytes(), nil
}

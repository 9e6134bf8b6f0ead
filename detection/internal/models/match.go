package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// TimeTuple is one search window of a run.
type TimeTuple struct {
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	MaxSignals int       `json:"max_signals"`
}

// Hit is a raw match returned by the search backend.
type Hit struct {
	Index       string           `json:"_index"`
	ID          string           `json:"_id"`
	Version     int64            `json:"_version"`
	SeqNo       *int64           `json:"_seq_no,omitempty"`
	PrimaryTerm *int64           `json:"_primary_term,omitempty"`
	Source      map[string]any   `json:"_source"`
	Fields      map[string][]any `json:"fields,omitempty"`
	Sort        []any            `json:"sort,omitempty"`

	// Timestamp is resolved from the rule's timestamp field after the search.
	Timestamp time.Time `json:"-"`
}

// Sequence is an ordered list of events matched by a sequence rule.
// The last event completes the sequence.
type Sequence struct {
	Events []Hit
}

// MatchBatch is one unit of work handed from an executor to the pipeline.
type MatchBatch struct {
	Events    []Hit
	Sequences []Sequence
}

// Len returns the number of matches in the batch; a sequence counts once.
func (b MatchBatch) Len() int {
	return len(b.Events) + len(b.Sequences)
}

// Values returns the values at a dotted field path, reading fields first and
// then _source. Nested objects and arrays of objects are traversed.
func (h *Hit) Values(field string) []any {
	if v, ok := h.Fields[field]; ok && len(v) > 0 {
		return v
	}
	return lookup(h.Source, field)
}

// Has reports whether the field has at least one non-null value.
func (h *Hit) Has(field string) bool {
	for _, v := range h.Values(field) {
		if v != nil {
			return true
		}
	}
	return false
}

func lookup(obj map[string]any, path string) []any {
	if obj == nil {
		return nil
	}
	if v, ok := obj[path]; ok {
		return flatten(v)
	}
	// Try progressively longer prefixes so both "a.b.c" and {"a":{"b.c":..}} resolve.
	for i := 0; i < len(path); i++ {
		if path[i] != '.' {
			continue
		}
		head, rest := path[:i], path[i+1:]
		child, ok := obj[head]
		if !ok {
			continue
		}
		switch c := child.(type) {
		case map[string]any:
			if out := lookup(c, rest); out != nil {
				return out
			}
		case []any:
			var out []any
			for _, el := range c {
				if m, ok := el.(map[string]any); ok {
					out = append(out, lookup(m, rest)...)
				}
			}
			if out != nil {
				return out
			}
		}
	}
	return nil
}

func flatten(v any) []any {
	switch t := v.(type) {
	case nil:
		return []any{nil}
	case []any:
		var out []any
		for _, el := range t {
			out = append(out, flatten(el)...)
		}
		return out
	default:
		return []any{t}
	}
}

// ParseTimestamp converts a document timestamp value into a time.Time.
// Strings are parsed as RFC 3339; numbers are epoch milliseconds.
func ParseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC(), true
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
	case json.Number:
		if ms, err := t.Int64(); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
		if f, err := t.Float64(); err == nil {
			return time.UnixMilli(int64(f)).UTC(), true
		}
	case float64:
		return time.UnixMilli(int64(t)).UTC(), true
	case int64:
		return time.UnixMilli(t).UTC(), true
	case int:
		return time.UnixMilli(int64(t)).UTC(), true
	case time.Time:
		return t.UTC(), true
	}
	return time.Time{}, false
}

// ResolveTimestamp sets h.Timestamp from the first field that yields a value.
func (h *Hit) ResolveTimestamp(fields ...string) bool {
	for _, f := range fields {
		if f == "" {
			continue
		}
		for _, v := range h.Values(f) {
			if ts, ok := ParseTimestamp(v); ok {
				h.Timestamp = ts
				return true
			}
		}
	}
	return false
}

// ValueString renders a field value for comparisons and list lookups.
func ValueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return strings.Trim(string(b), `"`)
	}
}

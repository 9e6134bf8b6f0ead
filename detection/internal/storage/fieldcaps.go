package storage

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// FieldCaps describes which concrete indices map each requested field.
type FieldCaps struct {
	// Indices are the concrete indices matched by the request patterns.
	Indices []string
	// Unmapped maps a field to the indices that do not map it.
	Unmapped map[string][]string
}

// MissingIn returns the indices that do not map field.
func (f *FieldCaps) MissingIn(field string) []string {
	return f.Unmapped[field]
}

type fieldCapsBody struct {
	Indices []string `json:"indices"`
	Fields  map[string]map[string]struct {
		Type    string   `json:"type"`
		Indices []string `json:"indices"`
	} `json:"fields"`
}

// FieldCaps calls the field capabilities API with include_unmapped, so that
// indices lacking a field are reported.
func (o *OpenSearch) FieldCaps(ctx context.Context, index []string, fields []string, timeout time.Duration) (*FieldCaps, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	res, err := o.client.FieldCaps(
		o.client.FieldCaps.WithContext(ctx),
		o.client.FieldCaps.WithIndex(index...),
		o.client.FieldCaps.WithFields(fields...),
		o.client.FieldCaps.WithIncludeUnmapped(true),
		o.client.FieldCaps.WithIgnoreUnavailable(true),
		o.client.FieldCaps.WithAllowNoIndices(true),
	)
	if err != nil {
		return nil, fmt.Errorf("field caps request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, decodeError(res.StatusCode, res.Body)
	}

	var body fieldCapsBody
	if err := decodeJSON(res.Body, &body); err != nil {
		return nil, fmt.Errorf("failed to decode field caps response: %w", err)
	}

	caps := &FieldCaps{
		Indices:  body.Indices,
		Unmapped: make(map[string][]string),
	}
	for _, field := range fields {
		types, ok := body.Fields[field]
		if !ok {
			// no index maps the field at all
			caps.Unmapped[field] = append([]string(nil), body.Indices...)
			continue
		}
		if unmapped, ok := types["unmapped"]; ok {
			missing := unmapped.Indices
			if missing == nil {
				// every index is unmapped when the only type is "unmapped"
				if len(types) == 1 {
					missing = append([]string(nil), body.Indices...)
				}
			}
			sort.Strings(missing)
			caps.Unmapped[field] = missing
		}
	}
	return caps, nil
}

package search

import (
	"context"
	"fmt"
	"strings"
)

// Resolution is the outcome of checking a rule's indices before a search.
type Resolution struct {
	// Index is what the search should target: the original patterns when every
	// index maps the timestamp field, otherwise the concrete indices that do.
	Index    []string
	Warnings []string
	// Skip is set when no index can be searched.
	Skip bool
}

// ResolveIndices checks that the timestamp field exists in the indices
// matched by patterns. Indices lacking it are left out with a warning. When a
// fallback field is set, an index mapping either field is kept.
func (s *Searcher) ResolveIndices(ctx context.Context, patterns []string, timestampField, fallbackField string) (*Resolution, error) {
	fields := []string{timestampField}
	if fallbackField != "" {
		fields = append(fields, fallbackField)
	}

	caps, err := s.backend.FieldCaps(ctx, patterns, fields, s.opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to check timestamp field mappings: %w", err)
	}

	res := &Resolution{Index: patterns}
	if len(caps.Indices) == 0 {
		res.Skip = true
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"Unable to find matching indices for rule. This warning will persist until one of the following index patterns is created: [%s]",
			strings.Join(patterns, ", ")))
		return res, nil
	}

	missing := missingSet(caps.MissingIn(timestampField))
	if fallbackField != "" {
		fallbackMissing := missingSet(caps.MissingIn(fallbackField))
		for idx := range missing {
			if !fallbackMissing[idx] {
				delete(missing, idx)
			}
		}
	}
	if len(missing) == 0 {
		return res, nil
	}

	var skipped, kept []string
	for _, idx := range caps.Indices {
		if missing[idx] {
			skipped = append(skipped, idx)
		} else {
			kept = append(kept, idx)
		}
	}

	fieldNames := timestampField
	if fallbackField != "" {
		fieldNames += " or " + fallbackField
	}
	res.Warnings = append(res.Warnings, fmt.Sprintf(
		"The following indices are missing the timestamp field %q: [%s]",
		fieldNames, strings.Join(skipped, ", ")))

	if len(kept) == 0 {
		res.Skip = true
		res.Index = nil
		return res, nil
	}
	res.Index = kept
	return res, nil
}

func missingSet(indices []string) map[string]bool {
	set := make(map[string]bool, len(indices))
	for _, idx := range indices {
		set[idx] = true
	}
	return set
}

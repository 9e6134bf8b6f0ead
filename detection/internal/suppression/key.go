// Package suppression merges matches that share group-by values into
// suppressed alert instances.
package suppression

import (
	"sort"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

// GroupKey returns the terms of groupBy over hits, sorted by field. Values
// seen across all hits are unioned: a field with no value yields nil, one
// value yields a scalar and several yield a sorted slice. missing reports
// whether any hit lacks any of the fields.
func GroupKey(groupBy []string, hits ...*models.Hit) (terms []models.GroupTerm, missing bool) {
	fields := append([]string(nil), groupBy...)
	sort.Strings(fields)

	terms = make([]models.GroupTerm, 0, len(fields))
	for _, field := range fields {
		seen := make(map[string]any)
		for _, h := range hits {
			found := false
			for _, v := range h.Values(field) {
				if v == nil {
					continue
				}
				found = true
				seen[models.ValueString(v)] = v
			}
			if !found {
				missing = true
			}
		}

		term := models.GroupTerm{Field: field}
		switch len(seen) {
		case 0:
		case 1:
			for _, v := range seen {
				term.Value = v
			}
		default:
			keys := make([]string, 0, len(seen))
			for k := range seen {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			values := make([]any, len(keys))
			for i, k := range keys {
				values[i] = seen[k]
			}
			term.Value = values
		}
		terms = append(terms, term)
	}
	return terms, missing
}

// InstanceID identifies the suppressed alert of a group within a rule and space.
func InstanceID(terms []models.GroupTerm, ruleID, spaceID string) string {
	return models.Fingerprint(normalize(terms), ruleID, spaceID)
}

// normalize renders values as strings so json.Number and float64 inputs of
// the same number hash equally.
func normalize(terms []models.GroupTerm) []models.GroupTerm {
	out := make([]models.GroupTerm, len(terms))
	for i, t := range terms {
		out[i] = models.GroupTerm{Field: t.Field}
		switch v := t.Value.(type) {
		case nil:
		case []any:
			s := make([]string, len(v))
			for j, el := range v {
				s[j] = models.ValueString(el)
			}
			out[i].Value = s
		default:
			out[i].Value = models.ValueString(v)
		}
	}
	return out
}

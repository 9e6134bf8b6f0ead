// Package exceptions removes matches covered by a rule's exception items.
package exceptions

import (
	"context"
	"fmt"
	"sort"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

// ListLookup answers value-list membership questions.
type ListLookup interface {
	IsMember(ctx context.Context, listID, listType, value string) (bool, error)
	// AreMembers returns the subset of values present in the list.
	AreMembers(ctx context.Context, listID, listType string, values []string) (map[string]bool, error)
}

// Filter evaluates exception items against matches in memory.
type Filter struct {
	items []models.ExceptionItem
	lists ListLookup
}

// New prepares a filter for a rule. Items with list entries are dropped,
// with one warning each, when the rule type cannot apply list exceptions.
func New(items []models.ExceptionItem, lists ListLookup, supportsLists bool) (*Filter, []string) {
	var warnings []string
	kept := make([]models.ExceptionItem, 0, len(items))
	for _, item := range items {
		if len(item.Entries) == 0 {
			continue
		}
		if item.HasListEntries() && (!supportsLists || lists == nil) {
			warnings = append(warnings, fmt.Sprintf(
				"Exception item %q uses value lists, which are not supported for this rule type; it was not applied", itemName(item)))
			continue
		}
		kept = append(kept, item)
	}
	return &Filter{items: kept, lists: lists}, warnings
}

func itemName(item models.ExceptionItem) string {
	if item.Name != "" {
		return item.Name
	}
	return item.ID
}

// Items returns the items the filter applies.
func (f *Filter) Items() []models.ExceptionItem { return f.items }

// Empty reports whether there is nothing to filter.
func (f *Filter) Empty() bool { return len(f.items) == 0 }

// Apply returns the matches of batch not covered by any item, and the number
// of matches removed. A sequence is removed when any of its events is covered.
func (f *Filter) Apply(ctx context.Context, batch models.MatchBatch) (models.MatchBatch, int, error) {
	if f.Empty() || batch.Len() == 0 {
		return batch, 0, nil
	}

	hits := make([]*models.Hit, 0, len(batch.Events))
	for i := range batch.Events {
		hits = append(hits, &batch.Events[i])
	}
	for i := range batch.Sequences {
		for j := range batch.Sequences[i].Events {
			hits = append(hits, &batch.Sequences[i].Events[j])
		}
	}

	members, err := f.lookupLists(ctx, hits)
	if err != nil {
		return batch, 0, err
	}

	var out models.MatchBatch
	removed := 0
	for i := range batch.Events {
		if f.covered(&batch.Events[i], members) {
			removed++
			continue
		}
		out.Events = append(out.Events, batch.Events[i])
	}
	for _, seq := range batch.Sequences {
		excluded := false
		for j := range seq.Events {
			if f.covered(&seq.Events[j], members) {
				excluded = true
				break
			}
		}
		if excluded {
			removed++
			continue
		}
		out.Sequences = append(out.Sequences, seq)
	}
	return out, removed, nil
}

type listKey struct {
	id  string
	typ string
}

// lookupLists resolves list membership with one batched call per list.
func (f *Filter) lookupLists(ctx context.Context, hits []*models.Hit) (map[listKey]map[string]bool, error) {
	wanted := make(map[listKey]map[string]struct{})
	for _, item := range f.items {
		for _, e := range item.Entries {
			if e.Type != models.EntryList || e.List == nil {
				continue
			}
			key := listKey{id: e.List.ID, typ: e.List.Type}
			values := wanted[key]
			if values == nil {
				values = make(map[string]struct{})
				wanted[key] = values
			}
			for _, h := range hits {
				for _, v := range h.Values(e.Field) {
					if v != nil {
						values[models.ValueString(v)] = struct{}{}
					}
				}
			}
		}
	}

	members := make(map[listKey]map[string]bool, len(wanted))
	for key, set := range wanted {
		if len(set) == 0 {
			members[key] = nil
			continue
		}
		values := make([]string, 0, len(set))
		for v := range set {
			values = append(values, v)
		}
		sort.Strings(values)

		if len(values) == 1 {
			ok, err := f.lists.IsMember(ctx, key.id, key.typ, values[0])
			if err != nil {
				return nil, fmt.Errorf("value list %s lookup failed: %w", key.id, err)
			}
			members[key] = map[string]bool{values[0]: ok}
			continue
		}

		found, err := f.lists.AreMembers(ctx, key.id, key.typ, values)
		if err != nil {
			return nil, fmt.Errorf("value list %s lookup failed: %w", key.id, err)
		}
		members[key] = found
	}
	return members, nil
}

func (f *Filter) covered(h *models.Hit, members map[listKey]map[string]bool) bool {
	for _, item := range f.items {
		if itemMatches(item, h, members) {
			return true
		}
	}
	return false
}

// itemMatches is true when every entry of the item matches.
func itemMatches(item models.ExceptionItem, h *models.Hit, members map[listKey]map[string]bool) bool {
	for _, e := range item.Entries {
		matched := entryMatches(e, h, members)
		if e.Operator == models.OperatorExcluded {
			matched = !matched
		}
		if !matched {
			return false
		}
	}
	return len(item.Entries) > 0
}

func entryMatches(e models.ExceptionEntry, h *models.Hit, members map[listKey]map[string]bool) bool {
	switch e.Type {
	case models.EntryExists:
		return h.Has(e.Field)
	case models.EntryMatch:
		return anyValue(h, e.Field, func(s string) bool { return s == e.Value })
	case models.EntryMatchAny:
		return anyValue(h, e.Field, func(s string) bool {
			for _, want := range e.Values {
				if s == want {
					return true
				}
			}
			return false
		})
	case models.EntryWildcard:
		return anyValue(h, e.Field, func(s string) bool { return wildcardMatch(e.Value, s) })
	case models.EntryList:
		if e.List == nil {
			return false
		}
		found := members[listKey{id: e.List.ID, typ: e.List.Type}]
		return anyValue(h, e.Field, func(s string) bool { return found[s] })
	default:
		return false
	}
}

type wildcardToken struct {
	r    rune
	kind byte // 0 literal, '*' any run, '?' one rune
}

// wildcardMatch evaluates pattern the way the backend's wildcard query does.
// A * matches any run of runes, path separators included. A backslash only
// escapes a following *, ? or backslash and is literal otherwise.
func wildcardMatch(pattern, s string) bool {
	src := []rune(pattern)
	tokens := make([]wildcardToken, 0, len(src))
	for i := 0; i < len(src); i++ {
		switch c := src[i]; c {
		case '*', '?':
			tokens = append(tokens, wildcardToken{kind: byte(c)})
		case '\\':
			if i+1 < len(src) && (src[i+1] == '*' || src[i+1] == '?' || src[i+1] == '\\') {
				i++
			}
			tokens = append(tokens, wildcardToken{r: src[i]})
		default:
			tokens = append(tokens, wildcardToken{r: c})
		}
	}

	text := []rune(s)
	ti, pi := 0, 0
	star, mark := -1, 0
	for ti < len(text) {
		switch {
		case pi < len(tokens) && tokens[pi].kind == '*':
			star, mark = pi, ti
			pi++
		case pi < len(tokens) && (tokens[pi].kind == '?' || (tokens[pi].kind == 0 && tokens[pi].r == text[ti])):
			pi++
			ti++
		case star >= 0:
			// Let the last * absorb one more rune and retry.
			mark++
			ti = mark
			pi = star + 1
		default:
			return false
		}
	}
	for pi < len(tokens) && tokens[pi].kind == '*' {
		pi++
	}
	return pi == len(tokens)
}

func anyValue(h *models.Hit, field string, pred func(string) bool) bool {
	for _, v := range h.Values(field) {
		if v == nil {
			continue
		}
		if pred(models.ValueString(v)) {
			return true
		}
	}
	return false
}

package translator

import (
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

// Exclusions compiles exception items into must_not clauses. Items with
// value-list entries are skipped; they are evaluated in memory.
func (t *Translator) Exclusions(items []models.ExceptionItem) []map[string]any {
	var out []map[string]any
	for i := range items {
		item := &items[i]
		if item.HasListEntries() || len(item.Entries) == 0 {
			continue
		}
		clauses := make([]any, 0, len(item.Entries))
		ok := true
		for _, e := range item.Entries {
			c, valid := entryClause(e)
			if !valid {
				ok = false
				break
			}
			clauses = append(clauses, c)
		}
		if !ok {
			continue
		}
		out = append(out, map[string]any{"bool": map[string]any{"filter": clauses}})
	}
	return out
}

func entryClause(e models.ExceptionEntry) (map[string]any, bool) {
	field := translateFieldPath(e.Field)

	var clause map[string]any
	switch e.Type {
	case models.EntryMatch:
		clause = term(field, e.Value)
	case models.EntryMatchAny:
		values := make([]any, len(e.Values))
		for i, v := range e.Values {
			values[i] = v
		}
		clause = map[string]any{"terms": map[string]any{field: values}}
	case models.EntryExists:
		clause = map[string]any{"exists": map[string]any{"field": field}}
	case models.EntryWildcard:
		clause = wildcard(field, e.Value)
	default:
		return nil, false
	}

	if e.Operator == models.OperatorExcluded {
		clause = not(clause)
	}
	return clause, true
}

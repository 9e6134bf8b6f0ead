// Package translator converts rule filter expressions and exception items
// into OpenSearch Query DSL.
package translator

import (
	"fmt"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

// Translator converts canonical filters to OpenSearch Query DSL.
type Translator struct{}

// New creates a new translator.
func New() *Translator {
	return &Translator{}
}

// EventQuery describes the event search of one tuple.
type EventQuery struct {
	Filter         *models.FilterExpr
	TimestampField string
	// FallbackField is used for documents lacking TimestampField; empty disables it.
	FallbackField string
	From          time.Time
	To            time.Time
	// MustNot holds exclusion clauses such as compiled exception items.
	MustNot []map[string]any
	// Filters are extra clauses AND-ed into the query.
	Filters []map[string]any
}

// Query builds the bool query for an event search.
func (t *Translator) Query(q EventQuery) (map[string]any, error) {
	filters := []any{t.TimeRange(q.TimestampField, q.FallbackField, q.From, q.To)}

	if q.Filter != nil {
		clause, err := t.Filter(q.Filter)
		if err != nil {
			return nil, fmt.Errorf("failed to translate rule filter: %w", err)
		}
		filters = append(filters, clause)
	}
	for _, f := range q.Filters {
		filters = append(filters, f)
	}

	boolQuery := map[string]any{"filter": filters}
	if len(q.MustNot) > 0 {
		mustNot := make([]any, len(q.MustNot))
		for i, c := range q.MustNot {
			mustNot[i] = c
		}
		boolQuery["must_not"] = mustNot
	}
	return map[string]any{"bool": boolQuery}, nil
}

// TimeRange returns a range clause on field. With a fallback field, documents
// without field are matched on the fallback instead.
func (t *Translator) TimeRange(field, fallback string, from, to time.Time) map[string]any {
	primary := rangeClause(field, from, to)
	if fallback == "" {
		return primary
	}
	return map[string]any{
		"bool": map[string]any{
			"should": []any{
				primary,
				map[string]any{
					"bool": map[string]any{
						"filter":   []any{rangeClause(fallback, from, to)},
						"must_not": []any{map[string]any{"exists": map[string]any{"field": field}}},
					},
				},
			},
			"minimum_should_match": 1,
		},
	}
}

func rangeClause(field string, from, to time.Time) map[string]any {
	return map[string]any{
		"range": map[string]any{
			field: map[string]any{
				"gte":    from.UTC().Format(time.RFC3339Nano),
				"lte":    to.UTC().Format(time.RFC3339Nano),
				"format": "strict_date_optional_time",
			},
		},
	}
}

// Filter converts a FilterExpr to an OpenSearch clause. A nil filter matches all.
func (t *Translator) Filter(filter *models.FilterExpr) (map[string]any, error) {
	if filter == nil {
		return map[string]any{"match_all": map[string]any{}}, nil
	}
	if filter.IsSimpleCondition() {
		return t.translateSimpleCondition(filter)
	}
	if filter.IsCompoundCondition() {
		return t.translateCompoundCondition(filter)
	}
	return nil, fmt.Errorf("invalid filter expression: neither simple nor compound")
}

func (t *Translator) translateSimpleCondition(filter *models.FilterExpr) (map[string]any, error) {
	field := translateFieldPath(filter.Field)

	switch filter.Operator {
	case models.OpEq:
		if shouldUseTermQuery(field, filter.Value) {
			return term(field, filter.Value), nil
		}
		return map[string]any{"match_phrase": map[string]any{field: filter.Value}}, nil

	case models.OpNe:
		inner, err := t.translateSimpleCondition(&models.FilterExpr{Field: filter.Field, Operator: models.OpEq, Value: filter.Value})
		if err != nil {
			return nil, err
		}
		return not(inner), nil

	case models.OpGt, models.OpGte, models.OpLt, models.OpLte:
		return map[string]any{
			"range": map[string]any{
				field: map[string]any{filter.Operator: filter.Value},
			},
		}, nil

	case models.OpIn:
		values, ok := filter.Value.([]any)
		if !ok {
			if s, isStrings := filter.Value.([]string); isStrings {
				values = make([]any, len(s))
				for i, v := range s {
					values[i] = v
				}
			} else {
				values = []any{filter.Value}
			}
		}
		return map[string]any{"terms": map[string]any{field: values}}, nil

	case models.OpContains:
		return wildcard(field, fmt.Sprintf("*%v*", filter.Value)), nil

	case models.OpStartsWith:
		return wildcard(field, fmt.Sprintf("%v*", filter.Value)), nil

	case models.OpEndsWith:
		return wildcard(field, fmt.Sprintf("*%v", filter.Value)), nil

	case models.OpRegex:
		return map[string]any{"regexp": map[string]any{field: filter.Value}}, nil

	case models.OpExists:
		exists := map[string]any{"exists": map[string]any{"field": field}}
		if b, ok := filter.Value.(bool); ok && !b {
			return not(exists), nil
		}
		return exists, nil

	case models.OpCIDR:
		// ip fields accept CIDR notation in term queries
		return term(field, filter.Value), nil

	default:
		return nil, fmt.Errorf("unsupported operator: %s", filter.Operator)
	}
}

func (t *Translator) translateCompoundCondition(filter *models.FilterExpr) (map[string]any, error) {
	switch filter.Type {
	case models.FilterTypeAnd, models.FilterTypeOr:
		clauses := make([]any, len(filter.Conditions))
		for i := range filter.Conditions {
			translated, err := t.Filter(&filter.Conditions[i])
			if err != nil {
				return nil, err
			}
			clauses[i] = translated
		}
		if filter.Type == models.FilterTypeAnd {
			return map[string]any{"bool": map[string]any{"filter": clauses}}, nil
		}
		return map[string]any{
			"bool": map[string]any{
				"should":               clauses,
				"minimum_should_match": 1,
			},
		}, nil

	case models.FilterTypeNot:
		if filter.Condition == nil {
			return nil, fmt.Errorf("NOT filter requires a condition")
		}
		translated, err := t.Filter(filter.Condition)
		if err != nil {
			return nil, err
		}
		return not(translated), nil

	default:
		return nil, fmt.Errorf("unsupported compound filter type: %s", filter.Type)
	}
}

func term(field string, value any) map[string]any {
	return map[string]any{"term": map[string]any{field: value}}
}

func wildcard(field, pattern string) map[string]any {
	return map[string]any{"wildcard": map[string]any{field: map[string]any{"value": pattern}}}
}

func not(clause map[string]any) map[string]any {
	return map[string]any{"bool": map[string]any{"must_not": []any{clause}}}
}

// translateFieldPath strips the leading dot of OCSF style paths.
// Example: ".actor.user.name" -> "actor.user.name"
func translateFieldPath(field string) string {
	return strings.TrimPrefix(field, ".")
}

// shouldUseTermQuery reports whether a field should use exact term matching
// rather than an analyzed match.
func shouldUseTermQuery(field string, value any) bool {
	switch value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
		return true
	}

	for _, suffix := range []string{".ip", "_ip", ".id", "_id", ".uid", "_uid", ".port", "_port", ".code", "_code", ".keyword", ".hash", ".name"} {
		if strings.HasSuffix(field, suffix) {
			return true
		}
	}
	return strings.HasPrefix(field, "event.") || strings.HasPrefix(field, "host.") || strings.HasPrefix(field, "user.")
}

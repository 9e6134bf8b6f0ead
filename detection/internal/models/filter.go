package models

// FilterExpr is either a simple field condition or a compound (and/or/not)
// condition. Rule queries, sequence steps and threat filters share it.
type FilterExpr struct {
	// Simple condition fields
	Field    string `json:"field,omitempty" yaml:"field,omitempty"`
	Operator string `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`

	// Compound condition fields
	Type       string       `json:"type,omitempty" yaml:"type,omitempty"` // "and", "or", "not"
	Conditions []FilterExpr `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Condition  *FilterExpr  `json:"condition,omitempty" yaml:"condition,omitempty"` // for NOT
}

// Supported filter operators
const (
	OpEq         = "eq"
	OpNe         = "ne"
	OpGt         = "gt"
	OpGte        = "gte"
	OpLt         = "lt"
	OpLte        = "lte"
	OpIn         = "in"
	OpContains   = "contains"
	OpStartsWith = "startsWith"
	OpEndsWith   = "endsWith"
	OpRegex      = "regex"
	OpExists     = "exists"
	OpCIDR       = "cidr"
)

// Supported compound filter types
const (
	FilterTypeAnd = "and"
	FilterTypeOr  = "or"
	FilterTypeNot = "not"
)

// IsSimpleCondition returns true if this filter is a simple field condition.
func (f *FilterExpr) IsSimpleCondition() bool {
	return f.Type == "" && f.Field != ""
}

// IsCompoundCondition returns true if this filter is a compound condition.
func (f *FilterExpr) IsCompoundCondition() bool {
	return f.Type != ""
}

package models

// ExceptionListRef points a rule at an exception list.
type ExceptionListRef struct {
	ListID        string `json:"list_id" yaml:"list_id" validate:"required"`
	NamespaceType string `json:"namespace_type,omitempty" yaml:"namespace_type,omitempty" validate:"omitempty,oneof=single agnostic"`
}

// Exception list namespaces. Agnostic lists are shared across spaces.
const (
	NamespaceSingle   = "single"
	NamespaceAgnostic = "agnostic"
)

// ExceptionItem excludes a match when every entry matches it.
type ExceptionItem struct {
	ID      string           `json:"id"`
	ListID  string           `json:"list_id"`
	Name    string           `json:"name"`
	Entries []ExceptionEntry `json:"entries"`
}

// Exception entry types.
const (
	EntryMatch    = "match"
	EntryMatchAny = "match_any"
	EntryExists   = "exists"
	EntryWildcard = "wildcard"
	EntryList     = "list"
)

// Exception entry operators.
const (
	OperatorIncluded = "included"
	OperatorExcluded = "excluded"
)

// ExceptionEntry is a single condition of an exception item.
type ExceptionEntry struct {
	Field    string   `json:"field"`
	Type     string   `json:"type"`
	Operator string   `json:"operator"`
	Value    string   `json:"value,omitempty"`
	Values   []string `json:"values,omitempty"`
	List     *ListRef `json:"list,omitempty"`
}

// ListRef identifies a value list held by the list service.
type ListRef struct {
	ID   string `json:"id"`
	Type string `json:"type"` // keyword, ip, ...
}

// HasListEntries reports whether the item needs value-list lookups.
func (i *ExceptionItem) HasListEntries() bool {
	for _, e := range i.Entries {
		if e.Type == EntryList {
			return true
		}
	}
	return false
}

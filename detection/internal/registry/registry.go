// Package registry maps rule types to their executors and capabilities.
// The engine receives a Registry explicitly; there is no package-level state.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/executors"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

// ErrUnknownRuleType is returned for rule types without a definition.
var ErrUnknownRuleType = errors.New("unknown rule type")

// Definition describes one rule type.
type Definition struct {
	ID   models.RuleType
	Name string
	// Producer is the application that owns alerts of this type. It is the
	// resource checked by authorization together with the rule consumer.
	Producer string
	// SupportsListExceptions is false for aggregation rules whose matches
	// are not source documents; value list entries are skipped for them.
	SupportsListExceptions bool
	SupportsSuppression    bool
	// UsesEventQuery is set when the executor searches the rule indices
	// with the rule filter, so exclusions can be pushed into the query.
	UsesEventQuery bool
	New            func() executors.Executor
}

// Registry is an immutable set of rule type definitions.
type Registry struct {
	defs map[models.RuleType]Definition
}

// New builds a registry. Definitions need an id and an executor factory,
// and ids must be unique.
func New(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[models.RuleType]Definition, len(defs))}
	for _, d := range defs {
		if d.ID == "" || d.New == nil {
			return nil, fmt.Errorf("rule type definition %q is incomplete", d.ID)
		}
		if _, dup := r.defs[d.ID]; dup {
			return nil, fmt.Errorf("rule type %q registered twice", d.ID)
		}
		r.defs[d.ID] = d
	}
	return r, nil
}

// Get returns the definition of a rule type.
func (r *Registry) Get(id models.RuleType) (Definition, error) {
	d, ok := r.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownRuleType, id)
	}
	return d, nil
}

// Types lists the registered rule types in name order.
func (r *Registry) Types() []models.RuleType {
	out := make([]models.RuleType, 0, len(r.defs))
	for id := range r.defs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

const producer = "siem"

// Default returns the built-in rule types.
func Default() *Registry {
	r, err := New(
		Definition{
			ID: models.RuleTypeQuery, Name: "Custom query", Producer: producer,
			SupportsListExceptions: true, SupportsSuppression: true, UsesEventQuery: true,
			New: executors.NewQuery,
		},
		Definition{
			ID: models.RuleTypeThreshold, Name: "Threshold", Producer: producer,
			SupportsListExceptions: false, SupportsSuppression: true, UsesEventQuery: true,
			New: executors.NewThreshold,
		},
		Definition{
			ID: models.RuleTypeEQL, Name: "Event correlation", Producer: producer,
			SupportsListExceptions: true, SupportsSuppression: true, UsesEventQuery: true,
			New: executors.NewEQL,
		},
		Definition{
			ID: models.RuleTypeNewTerms, Name: "New terms", Producer: producer,
			SupportsListExceptions: true, SupportsSuppression: true, UsesEventQuery: true,
			New: executors.NewNewTerms,
		},
		Definition{
			ID: models.RuleTypeThreatMatch, Name: "Indicator match", Producer: producer,
			SupportsListExceptions: true, SupportsSuppression: true, UsesEventQuery: true,
			New: executors.NewThreatMatch,
		},
		Definition{
			ID: models.RuleTypeMachineLearning, Name: "Machine learning", Producer: producer,
			SupportsListExceptions: true, SupportsSuppression: true, UsesEventQuery: false,
			New: executors.NewMachineLearning,
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}

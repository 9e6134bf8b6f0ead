package models

import (
	"fmt"
	"time"
)

// MissingFieldsStrategy decides what happens to matches lacking group-by fields.
type MissingFieldsStrategy string

const (
	// MissingFieldsSuppress groups matches with absent fields under a null value.
	MissingFieldsSuppress MissingFieldsStrategy = "suppress"
	// MissingFieldsDoNotSuppress alerts on such matches individually.
	MissingFieldsDoNotSuppress MissingFieldsStrategy = "doNotSuppress"
)

// SuppressionConfig is the stored form of a rule's suppression settings.
// An absent duration means suppression per rule execution.
type SuppressionConfig struct {
	GroupBy               []string              `json:"group_by" yaml:"group_by" validate:"min=1,max=3,dive,required"`
	Duration              *DurationValue        `json:"duration,omitempty" yaml:"duration,omitempty"`
	MissingFieldsStrategy MissingFieldsStrategy `json:"missing_fields_strategy,omitempty" yaml:"missing_fields_strategy,omitempty"`
}

// DurationValue is a {value, unit} pair with unit one of s, m, h.
type DurationValue struct {
	Value int    `json:"value" yaml:"value"`
	Unit  string `json:"unit" yaml:"unit"`
}

// Duration converts the pair to a time.Duration.
func (d DurationValue) Duration() (time.Duration, error) {
	if d.Value <= 0 {
		return 0, fmt.Errorf("suppression duration must be positive, got %d", d.Value)
	}
	switch d.Unit {
	case "s":
		return time.Duration(d.Value) * time.Second, nil
	case "m":
		return time.Duration(d.Value) * time.Minute, nil
	case "h":
		return time.Duration(d.Value) * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported suppression duration unit %q", d.Unit)
	}
}

// SuppressionMode is either PerExecution or TimeWindow.
type SuppressionMode interface {
	isSuppressionMode()
	String() string
}

// PerExecution merges matches only within a single rule execution.
type PerExecution struct{}

func (PerExecution) isSuppressionMode() {}

func (PerExecution) String() string { return "per_execution" }

// TimeWindow merges matches into alerts created within the last Duration,
// across executions.
type TimeWindow struct {
	Duration time.Duration
}

func (TimeWindow) isSuppressionMode() {}

func (w TimeWindow) String() string { return "time_window(" + w.Duration.String() + ")" }

// Suppression is the resolved configuration used during execution.
type Suppression struct {
	GroupBy       []string
	Mode          SuppressionMode
	MissingFields MissingFieldsStrategy
}

// Resolve converts the stored configuration into its execution form.
func (c *SuppressionConfig) Resolve() (*Suppression, error) {
	if len(c.GroupBy) == 0 {
		return nil, fmt.Errorf("suppression requires at least one group_by field")
	}

	s := &Suppression{
		GroupBy:       append([]string(nil), c.GroupBy...),
		Mode:          PerExecution{},
		MissingFields: c.MissingFieldsStrategy,
	}

	switch c.MissingFieldsStrategy {
	case "":
		s.MissingFields = MissingFieldsSuppress
	case MissingFieldsSuppress, MissingFieldsDoNotSuppress:
	default:
		return nil, fmt.Errorf("unknown missing_fields_strategy %q", c.MissingFieldsStrategy)
	}

	if c.Duration != nil {
		d, err := c.Duration.Duration()
		if err != nil {
			return nil, err
		}
		s.Mode = TimeWindow{Duration: d}
	}
	return s, nil
}

// GroupTerm is one (field, value) pair of a suppression group key. Value is
// nil when the field is absent, a scalar for single values and a sorted
// []any for multi-valued fields.
type GroupTerm struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

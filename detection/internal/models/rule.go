package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// RuleType identifies the execution strategy of a rule.
type RuleType string

const (
	RuleTypeQuery           RuleType = "query"
	RuleTypeThreshold       RuleType = "threshold"
	RuleTypeEQL             RuleType = "eql"
	RuleTypeNewTerms        RuleType = "new_terms"
	RuleTypeThreatMatch     RuleType = "threat_match"
	RuleTypeMachineLearning RuleType = "machine_learning"
)

// IsValid checks if the rule type is known.
func (t RuleType) IsValid() bool {
	switch t {
	case RuleTypeQuery, RuleTypeThreshold, RuleTypeEQL, RuleTypeNewTerms,
		RuleTypeThreatMatch, RuleTypeMachineLearning:
		return true
	default:
		return false
	}
}

// DefaultTimestampField is used when a rule has no timestamp override.
const DefaultTimestampField = "@timestamp"

// Rule is a detection rule definition. It is immutable for the duration of a run.
type Rule struct {
	ID          string   `json:"id" yaml:"id" validate:"required"`
	SpaceID     string   `json:"space_id" yaml:"space_id" validate:"required"`
	Name        string   `json:"name" yaml:"name" validate:"required,max=256"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Type        RuleType `json:"type" yaml:"type" validate:"required"`
	Version     int      `json:"version" yaml:"version" validate:"gte=0"`
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	// Consumer is the application that owns the rule, used for authorization.
	Consumer  string   `json:"consumer" yaml:"consumer"`
	Severity  string   `json:"severity" yaml:"severity" validate:"omitempty,oneof=low medium high critical"`
	RiskScore int      `json:"risk_score" yaml:"risk_score" validate:"gte=0,lte=100"`
	Tags      []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	Index  []string    `json:"index,omitempty" yaml:"index,omitempty" validate:"omitempty,dive,required"`
	Filter *FilterExpr `json:"filter,omitempty" yaml:"filter,omitempty"`

	// From and To are date math expressions such as "now-6m" and "now".
	From     string `json:"from" yaml:"from" validate:"required"`
	To       string `json:"to" yaml:"to" validate:"required"`
	Interval string `json:"interval" yaml:"interval" validate:"required"`
	// MaxSignals is the alert budget of a single run.
	MaxSignals int `json:"max_signals" yaml:"max_signals" validate:"gte=1,lte=10000"`

	TimestampOverride                 string `json:"timestamp_override,omitempty" yaml:"timestamp_override,omitempty"`
	TimestampOverrideFallbackDisabled bool   `json:"timestamp_override_fallback_disabled,omitempty" yaml:"timestamp_override_fallback_disabled,omitempty"`

	ExceptionsList []ExceptionListRef `json:"exceptions_list,omitempty" yaml:"exceptions_list,omitempty" validate:"dive"`
	Suppression    *SuppressionConfig `json:"alert_suppression,omitempty" yaml:"alert_suppression,omitempty"`

	Threshold       *ThresholdParams       `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Sequence        *SequenceParams        `json:"sequence,omitempty" yaml:"sequence,omitempty"`
	NewTerms        *NewTermsParams        `json:"new_terms,omitempty" yaml:"new_terms,omitempty"`
	ThreatMatch     *ThreatMatchParams     `json:"threat_match,omitempty" yaml:"threat_match,omitempty"`
	MachineLearning *MachineLearningParams `json:"machine_learning,omitempty" yaml:"machine_learning,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// TimestampField returns the field searches sort and range on.
func (r *Rule) TimestampField() string {
	if r.TimestampOverride != "" {
		return r.TimestampOverride
	}
	return DefaultTimestampField
}

// TimestampFallback returns the secondary timestamp field, or "" when
// documents lacking the override must not fall back to @timestamp.
func (r *Rule) TimestampFallback() string {
	if r.TimestampOverride == "" || r.TimestampOverride == DefaultTimestampField || r.TimestampOverrideFallbackDisabled {
		return ""
	}
	return DefaultTimestampField
}

// ThresholdParams configures threshold rules.
type ThresholdParams struct {
	Field       []string               `json:"field" yaml:"field"`
	Value       int                    `json:"value" yaml:"value" validate:"gte=1"`
	Cardinality []ThresholdCardinality `json:"cardinality,omitempty" yaml:"cardinality,omitempty" validate:"dive"`
}

// ThresholdCardinality requires at least Value distinct values of Field in a bucket.
type ThresholdCardinality struct {
	Field string `json:"field" yaml:"field" validate:"required"`
	Value int    `json:"value" yaml:"value" validate:"gte=1"`
}

// SequenceParams configures ordered event sequences for eql rules.
type SequenceParams struct {
	// By lists join fields that every event of a sequence must share.
	By      []string       `json:"by,omitempty" yaml:"by,omitempty"`
	MaxSpan string         `json:"max_span,omitempty" yaml:"max_span,omitempty"`
	Steps   []SequenceStep `json:"steps" yaml:"steps" validate:"min=1,dive"`
}

// SequenceStep is one ordered stage of a sequence.
type SequenceStep struct {
	Filter *FilterExpr `json:"filter" yaml:"filter" validate:"required"`
}

// NewTermsParams configures new_terms rules.
type NewTermsParams struct {
	Fields             []string `json:"fields" yaml:"fields" validate:"min=1,max=3,dive,required"`
	HistoryWindowStart string   `json:"history_window_start" yaml:"history_window_start" validate:"required"`
}

// ThreatMatchParams configures indicator match rules.
type ThreatMatchParams struct {
	ThreatIndex   []string         `json:"threat_index" yaml:"threat_index" validate:"min=1,dive,required"`
	ThreatFilter  *FilterExpr      `json:"threat_filter,omitempty" yaml:"threat_filter,omitempty"`
	ThreatMapping []ThreatMapGroup `json:"threat_mapping" yaml:"threat_mapping" validate:"min=1,dive"`
	// IndicatorPath is the object holding indicator details in threat documents.
	IndicatorPath string `json:"threat_indicator_path,omitempty" yaml:"threat_indicator_path,omitempty"`
}

// ThreatMapGroup is a conjunction of entries; groups are OR-ed together.
type ThreatMapGroup struct {
	Entries []ThreatMapEntry `json:"entries" yaml:"entries" validate:"min=1,dive"`
}

// ThreatMapEntry maps an event field to an indicator field.
type ThreatMapEntry struct {
	Field string `json:"field" yaml:"field" validate:"required"`
	Value string `json:"value" yaml:"value" validate:"required"`
}

// MachineLearningParams configures anomaly rules. Anomaly records are
// produced elsewhere and only read here.
type MachineLearningParams struct {
	JobIDs           []string `json:"job_ids" yaml:"job_ids" validate:"min=1,dive,required"`
	AnomalyThreshold float64  `json:"anomaly_threshold" yaml:"anomaly_threshold" validate:"gte=0,lte=100"`
}

var ruleValidator = validator.New()

// ErrInvalidRule wraps every rule validation failure.
var ErrInvalidRule = errors.New("invalid rule")

// Validate checks the rule definition. Failures wrap ErrInvalidRule.
func (r *Rule) Validate() error {
	if err := ruleValidator.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, r.Type)
	}

	switch r.Type {
	case RuleTypeMachineLearning:
		if r.MachineLearning == nil {
			return fmt.Errorf("%w: machine_learning parameters are required", ErrInvalidRule)
		}
	default:
		if len(r.Index) == 0 {
			return fmt.Errorf("%w: index is required for %s rules", ErrInvalidRule, r.Type)
		}
	}

	switch r.Type {
	case RuleTypeThreshold:
		if r.Threshold == nil {
			return fmt.Errorf("%w: threshold parameters are required", ErrInvalidRule)
		}
	case RuleTypeNewTerms:
		if r.NewTerms == nil {
			return fmt.Errorf("%w: new_terms parameters are required", ErrInvalidRule)
		}
	case RuleTypeThreatMatch:
		if r.ThreatMatch == nil {
			return fmt.Errorf("%w: threat_match parameters are required", ErrInvalidRule)
		}
	case RuleTypeEQL:
		if r.Sequence == nil && r.Filter == nil {
			return fmt.Errorf("%w: eql rules need a sequence or a filter", ErrInvalidRule)
		}
	}

	if r.Suppression != nil {
		if _, err := r.Suppression.Resolve(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}
	return nil
}

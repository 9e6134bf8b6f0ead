package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across the detection engine.
const (
	FieldService     = "service"
	FieldComponent   = "component"
	FieldRuleID      = "rule_id"
	FieldRuleType    = "rule_type"
	FieldSpaceID     = "space_id"
	FieldExecutionID = "execution_id"
	FieldIndex       = "index"
	FieldStatus      = "status"
	FieldDuration    = "duration_ms"
	FieldError       = "error"
	FieldCount       = "count"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Component returns a slog attribute naming an internal component.
func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

// RuleID returns a slog attribute for the rule ID.
func RuleID(id string) slog.Attr {
	return slog.String(FieldRuleID, id)
}

// RuleType returns a slog attribute for the rule type.
func RuleType(t string) slog.Attr {
	return slog.String(FieldRuleType, t)
}

// SpaceID returns a slog attribute for the space ID.
func SpaceID(id string) slog.Attr {
	return slog.String(FieldSpaceID, id)
}

// ExecutionID returns a slog attribute for the execution ID.
func ExecutionID(id string) slog.Attr {
	return slog.String(FieldExecutionID, id)
}

// Index returns a slog attribute for an index name or pattern list.
func Index(name string) slog.Attr {
	return slog.String(FieldIndex, name)
}

// Status returns a slog attribute for a run or HTTP status.
func Status(s string) slog.Attr {
	return slog.String(FieldStatus, s)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Count returns a slog attribute for a count.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

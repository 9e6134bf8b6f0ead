package models

import "time"

// ExecutionStatus is the state of a rule run.
type ExecutionStatus string

const (
	StatusPending        ExecutionStatus = "pending"
	StatusRunning        ExecutionStatus = "running"
	StatusSucceeded      ExecutionStatus = "succeeded"
	StatusPartialFailure ExecutionStatus = "partial_failure"
	StatusFailed         ExecutionStatus = "failed"
)

// Final reports whether no further transition can happen.
func (s ExecutionStatus) Final() bool {
	return s == StatusSucceeded || s == StatusPartialFailure || s == StatusFailed
}

// ExecutionMetrics are the counters recorded with a run status.
type ExecutionMetrics struct {
	Tuples           int           `json:"tuples"`
	CatchupTuples    int           `json:"catchup_tuples"`
	TuplesFailed     int           `json:"tuples_failed"`
	AlertsCreated    int           `json:"alerts_created"`
	AlertsUpdated    int           `json:"alerts_updated"`
	AlertsSuppressed int           `json:"alerts_suppressed"`
	Duplicates       int           `json:"duplicates"`
	SearchDuration   time.Duration `json:"search_duration_ns"`
	BulkDuration     time.Duration `json:"bulk_duration_ns"`
	Gap              time.Duration `json:"gap_ns,omitempty"`
	LastSeen         *time.Time    `json:"last_seen,omitempty"`
}

// StatusReport is sent to status sinks on every transition of a run.
type StatusReport struct {
	RuleID      string           `json:"rule_id"`
	SpaceID     string           `json:"space_id"`
	ExecutionID string           `json:"execution_id"`
	Status      ExecutionStatus  `json:"status"`
	Message     string           `json:"message,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Metrics     ExecutionMetrics `json:"metrics"`
	Errors      []ErrorCount     `json:"errors,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
}

// Authorization is the request checked before a rule runs.
type Authorization struct {
	RuleType  RuleType `json:"rule_type"`
	Producer  string   `json:"producer"`
	Consumer  string   `json:"consumer"`
	SpaceID   string   `json:"space_id"`
	Operation string   `json:"operation"`
}

// OperationExecute is the operation authorized for a rule run.
const OperationExecute = "execute"

// AlertsCreated summarizes the alerts written by a run.
type AlertsCreated struct {
	RuleID      string    `json:"rule_id"`
	RuleName    string    `json:"rule_name"`
	SpaceID     string    `json:"space_id"`
	ExecutionID string    `json:"execution_id"`
	Severity    string    `json:"severity,omitempty"`
	Created     int       `json:"created"`
	Updated     int       `json:"updated"`
	Suppressed  int       `json:"suppressed"`
	Timestamp   time.Time `json:"timestamp"`
}

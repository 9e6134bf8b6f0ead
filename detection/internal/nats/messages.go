// Package nats connects the detection engine to NATS: it serves on-demand
// execution requests and publishes alert and status events.
package nats

import "github.com/telhawk-systems/telhawk-detection/detection/internal/models"

// ExecuteRuleRequest is received on detection.jobs.execute to run one rule now.
type ExecuteRuleRequest struct {
	JobID       string `json:"job_id"`
	RuleID      string `json:"rule_id"`
	SpaceID     string `json:"space_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// ExecuteRuleResponse is sent to the request's reply subject when it has one.
type ExecuteRuleResponse struct {
	JobID            string                 `json:"job_id"`
	RuleID           string                 `json:"rule_id"`
	SpaceID          string                 `json:"space_id"`
	ExecutionID      string                 `json:"execution_id,omitempty"`
	Success          bool                   `json:"success"`
	Error            string                 `json:"error,omitempty"`
	Status           models.ExecutionStatus `json:"status,omitempty"`
	AlertsCreated    int                    `json:"alerts_created"`
	AlertsUpdated    int                    `json:"alerts_updated"`
	AlertsSuppressed int                    `json:"alerts_suppressed"`
	Warnings         []string               `json:"warnings,omitempty"`
	TookMs           int64                  `json:"took_ms"`
}

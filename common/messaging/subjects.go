package messaging

// Subject constants for the detection engine.
// Follow the pattern: {domain}.{action}.{resource}
const (
	// SubjectDetectionJobsExecute carries on-demand rule execution requests.
	SubjectDetectionJobsExecute = "detection.jobs.execute"

	// SubjectDetectionAlertsCreated is published after a run persisted new alerts.
	SubjectDetectionAlertsCreated = "detection.alerts.created"

	// SubjectDetectionRulesStatus is published when a run reaches a terminal status.
	SubjectDetectionRulesStatus = "detection.rules.status"
)

// QueueDetectionWorkers is the queue group shared by detection workers.
// Each execution request is processed by one worker.
const QueueDetectionWorkers = "detection-workers"

// RuleStatusSubject returns the status subject scoped to one rule.
// Example: detection.rules.status.abc123
func RuleStatusSubject(ruleID string) string {
	return SubjectDetectionRulesStatus + "." + ruleID
}

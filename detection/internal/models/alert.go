package models

import "time"

// AlertStatus is the workflow status of an alert.
type AlertStatus string

const (
	AlertStatusOpen         AlertStatus = "open"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusClosed       AlertStatus = "closed"
)

// Ancestor references a source document of an alert.
type Ancestor struct {
	ID      string `json:"id"`
	Index   string `json:"index"`
	Version int64  `json:"version,omitempty"`
	Type    string `json:"type"` // event or alert
	Depth   int    `json:"depth"`
}

// AlertRule is the rule snapshot embedded in every alert.
type AlertRule struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      RuleType `json:"type"`
	Version   int      `json:"version"`
	Severity  string   `json:"severity,omitempty"`
	RiskScore int      `json:"risk_score"`
	Tags      []string `json:"tags,omitempty"`
}

// AlertSuppression is present on alerts that stand for a suppression group.
type AlertSuppression struct {
	InstanceID string      `json:"instance_id"`
	Terms      []GroupTerm `json:"terms"`
	Start      time.Time   `json:"start"`
	End        time.Time   `json:"end"`
	DocsCount  int         `json:"docs_count"`
}

// Alert is the document persisted in the alerts index. ID is the document _id.
type Alert struct {
	ID           string            `json:"uuid"`
	Timestamp    time.Time         `json:"@timestamp"`
	SpaceID      string            `json:"space_id"`
	Rule         AlertRule         `json:"rule"`
	Status       AlertStatus       `json:"workflow_status"`
	OriginalTime *time.Time        `json:"original_time,omitempty"`
	Ancestors    []Ancestor        `json:"ancestors"`
	Depth        int               `json:"depth"`
	Reason       string            `json:"reason"`
	ExecutionID  string            `json:"execution_id"`
	Source       map[string]any    `json:"source,omitempty"`
	Suppression  *AlertSuppression `json:"suppression,omitempty"`

	// Sequence linkage: building blocks and their head share GroupID.
	GroupID           string `json:"group_id,omitempty"`
	GroupIndex        *int   `json:"group_index,omitempty"`
	BuildingBlockType string `json:"building_block_type,omitempty"`
}

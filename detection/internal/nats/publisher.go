package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/telhawk-systems/telhawk-detection/common/messaging"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

// Publisher publishes detection events to NATS subjects.
type Publisher struct {
	client messaging.Publisher
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(client messaging.Publisher) *Publisher {
	return &Publisher{client: client}
}

// AlertsCreated publishes the alert summary of a run.
func (p *Publisher) AlertsCreated(ctx context.Context, event models.AlertsCreated) error {
	return p.publish(ctx, messaging.SubjectDetectionAlertsCreated, event)
}

// ReportStatus publishes terminal status reports on the rule's status subject.
func (p *Publisher) ReportStatus(ctx context.Context, report models.StatusReport) error {
	if !report.Status.Final() {
		return nil
	}
	return p.publish(ctx, messaging.RuleStatusSubject(report.RuleID), report)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := p.client.Publish(ctx, subject, bytes); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

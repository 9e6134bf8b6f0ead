package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjects(t *testing.T) {
	subjects := []string{
		SubjectDetectionJobsExecute,
		SubjectDetectionAlertsCreated,
		SubjectDetectionRulesStatus,
	}
	seen := make(map[string]bool)
	for _, s := range subjects {
		assert.Regexp(t, `^detection\.[a-z]+\.[a-z]+$`, s)
		assert.False(t, seen[s], "duplicate subject %s", s)
		seen[s] = true
	}
}

func TestRuleStatusSubject(t *testing.T) {
	assert.Equal(t, "detection.rules.status.rule-1", RuleStatusSubject("rule-1"))
}

func TestMessage_ZeroValue(t *testing.T) {
	var msg Message
	assert.Empty(t, msg.Subject)
	assert.Nil(t, msg.Data)
	assert.Nil(t, msg.Metadata)
	assert.True(t, msg.Timestamp.IsZero())
}

func TestMessage_ExecutionID(t *testing.T) {
	msg := &Message{Metadata: map[string]string{HeaderExecutionID: "exec-1"}}
	assert.Equal(t, "exec-1", msg.ExecutionID())
	assert.Empty(t, (&Message{}).ExecutionID())
}

package logging

import "context"

type contextKey string

const (
	executionIDKey contextKey = "execution_id"
	ruleIDKey      contextKey = "rule_id"
)

// WithExecution stores the execution id of a rule run on ctx.
func WithExecution(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// WithRule stores the rule id on ctx.
func WithRule(ctx context.Context, ruleID string) context.Context {
	return context.WithValue(ctx, ruleIDKey, ruleID)
}

// ExecutionIDFrom returns the execution id stored on ctx, or "".
func ExecutionIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(executionIDKey).(string); ok {
		return v
	}
	return ""
}

// RuleIDFrom returns the rule id stored on ctx, or "".
func RuleIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ruleIDKey).(string); ok {
		return v
	}
	return ""
}

package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-detection/common/logging"
	"github.com/telhawk-systems/telhawk-detection/common/messaging"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/engine"
)

var ErrInvalidRequest = errors.New("invalid execute request")

// Runner runs a stored rule once.
type Runner interface {
	RunRule(ctx context.Context, spaceID, ruleID, executionID string) (*engine.Report, error)
}

// Handler serves execution requests from the detection worker queue.
type Handler struct {
	client       messaging.Client
	runner       Runner
	defaultSpace string
	logger       *logging.Logger
	subs         []messaging.Subscription
}

// NewHandler creates a new NATS message handler.
func NewHandler(client messaging.Client, runner Runner, defaultSpace string, logger *logging.Logger) *Handler {
	return &Handler{
		client:       client,
		runner:       runner,
		defaultSpace: defaultSpace,
		logger:       logger.With(logging.Component("nats")),
	}
}

// Start subscribes to execution requests in the worker queue group.
func (h *Handler) Start() error {
	sub, err := h.client.QueueSubscribe(
		messaging.SubjectDetectionJobsExecute,
		messaging.QueueDetectionWorkers,
		h.handleExecute,
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to execution requests: %w", err)
	}
	h.subs = append(h.subs, sub)

	h.logger.Info("NATS handler started", "subject", messaging.SubjectDetectionJobsExecute)
	return nil
}

// Stop unsubscribes from all subjects.
func (h *Handler) Stop() error {
	for _, sub := range h.subs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("failed to unsubscribe", "subject", sub.Subject(), logging.Error(err))
		}
	}
	h.subs = nil
	h.logger.Info("NATS handler stopped")
	return nil
}

func (h *Handler) handleExecute(ctx context.Context, msg *messaging.Message) error {
	start := time.Now()

	var req ExecuteRuleRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return h.reply(ctx, msg, ExecuteRuleResponse{Error: fmt.Sprintf("%v: %v", ErrInvalidRequest, err)},
			fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	if req.SpaceID == "" {
		req.SpaceID = h.defaultSpace
	}
	if req.ExecutionID == "" {
		req.ExecutionID = msg.ExecutionID()
	}

	resp := ExecuteRuleResponse{JobID: req.JobID, RuleID: req.RuleID, SpaceID: req.SpaceID}
	if req.RuleID == "" {
		resp.Error = ErrInvalidRequest.Error() + ": rule_id is required"
		return h.reply(ctx, msg, resp, ErrInvalidRequest)
	}

	report, err := h.runner.RunRule(ctx, req.SpaceID, req.RuleID, req.ExecutionID)
	resp.TookMs = time.Since(start).Milliseconds()
	if report != nil {
		resp.ExecutionID = report.ExecutionID
		resp.Status = report.Status
		resp.AlertsCreated = report.Result.CreatedCount
		resp.AlertsUpdated = report.Result.UpdatedCount
		resp.AlertsSuppressed = report.Result.SuppressedCount
		resp.Warnings = report.Result.Warnings
	}
	if err != nil {
		resp.Error = err.Error()
		h.logger.WarnContext(ctx, "requested rule run failed",
			logging.RuleID(req.RuleID), logging.SpaceID(req.SpaceID), logging.Error(err))
		return h.reply(ctx, msg, resp, nil)
	}

	resp.Success = true
	h.logger.InfoContext(ctx, "requested rule run finished",
		logging.RuleID(req.RuleID),
		logging.SpaceID(req.SpaceID),
		logging.ExecutionID(resp.ExecutionID),
		logging.Status(string(resp.Status)),
	)
	return h.reply(ctx, msg, resp, nil)
}

// reply answers request/reply callers and returns cause.
func (h *Handler) reply(ctx context.Context, msg *messaging.Message, resp ExecuteRuleResponse, cause error) error {
	if msg.Reply == "" {
		return cause
	}
	if err := h.client.PublishJSON(ctx, msg.Reply, resp); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to send reply: %w", err))
	}
	return cause
}

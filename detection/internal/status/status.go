// Package status fans rule execution status reports out to several sinks.
package status

import (
	"context"
	"errors"
	"log/slog"

	"github.com/telhawk-systems/telhawk-detection/common/logging"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

// Sink receives status transitions of rule runs.
type Sink interface {
	ReportStatus(ctx context.Context, report models.StatusReport) error
}

// Multi reports to every sink. A failing sink does not stop the others;
// their errors are joined.
type Multi []Sink

func NewMulti(sinks ...Sink) Multi {
	var m Multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m Multi) ReportStatus(ctx context.Context, report models.StatusReport) error {
	var errs []error
	for _, s := range m {
		if err := s.ReportStatus(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes final transitions to the logger. Failed runs log at error
// level, partial failures at warn.
type Log struct {
	logger *logging.Logger
}

func NewLog(logger *logging.Logger) *Log {
	return &Log{logger: logger.With(logging.Component("status"))}
}

func (l *Log) ReportStatus(ctx context.Context, report models.StatusReport) error {
	if !report.Status.Final() {
		return nil
	}

	level := slog.LevelInfo
	switch report.Status {
	case models.StatusFailed:
		level = slog.LevelError
	case models.StatusPartialFailure:
		level = slog.LevelWarn
	}

	l.logger.Log(ctx, level, "rule execution finished",
		logging.RuleID(report.RuleID),
		logging.SpaceID(report.SpaceID),
		logging.ExecutionID(report.ExecutionID),
		logging.Status(string(report.Status)),
		slog.String("message", report.Message),
		slog.Int("alerts_created", report.Metrics.AlertsCreated),
		slog.Int("alerts_suppressed", report.Metrics.AlertsSuppressed),
		slog.Int("warnings", len(report.Warnings)),
		slog.Int("errors", len(report.Errors)),
	)
	return nil
}

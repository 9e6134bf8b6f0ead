package commands

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/engine"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one run of a stored rule",
	Long:  "Run a rule once, regardless of its schedule, and print the run result.",
	RunE:  runRule,
}

var (
	runRuleID  string
	runSpaceID string
)

func init() {
	runCmd.Flags().StringVar(&runRuleID, "rule", "", "rule id")
	runCmd.Flags().StringVar(&runSpaceID, "space", "", "space id (default: engine.default_space)")
	_ = runCmd.MarkFlagRequired("rule")
}

// runOutput is the printed summary of a run.
type runOutput struct {
	ExecutionID      string                 `json:"execution_id"`
	Status           models.ExecutionStatus `json:"status"`
	Message          string                 `json:"message,omitempty"`
	Tuples           int                    `json:"tuples"`
	AlertsCreated    int                    `json:"alerts_created"`
	AlertsUpdated    int                    `json:"alerts_updated"`
	AlertsSuppressed int                    `json:"alerts_suppressed"`
	Duplicates       int                    `json:"duplicates"`
	Errors           []models.ErrorCount    `json:"errors,omitempty"`
	Warnings         []string               `json:"warnings,omitempty"`
	Duration         string                 `json:"duration"`
}

func summarize(report *engine.Report) runOutput {
	r := report.Result
	return runOutput{
		ExecutionID:      report.ExecutionID,
		Status:           report.Status,
		Message:          report.Message,
		Tuples:           r.TuplesSucceeded + r.TuplesFailed,
		AlertsCreated:    r.CreatedCount,
		AlertsUpdated:    r.UpdatedCount,
		AlertsSuppressed: r.SuppressedCount,
		Duplicates:       r.DuplicateCount,
		Errors:           r.Errors,
		Warnings:         r.Warnings,
		Duration:         report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond).String(),
	}
}

func runRule(cmd *cobra.Command, _ []string) error {
	if runSpaceID == "" {
		runSpaceID = cfg.Engine.DefaultSpace
	}

	a, err := connect(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	eng, err := a.newEngine(cfg)
	if err != nil {
		return err
	}

	sched := scheduler.New(a.repo, a.repo, eng, scheduler.Config{RunTimeout: cfg.Scheduler.RunTimeout}, logger)
	report, err := sched.RunRule(cmd.Context(), runSpaceID, runRuleID, "")
	if report == nil {
		if err == nil {
			err = errors.New("rule run returned no report")
		}
		return err
	}
	if perr := printJSON(cmd.OutOrStdout(), summarize(report)); perr != nil {
		return perr
	}
	return err
}

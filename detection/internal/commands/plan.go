package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/importer"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/planner"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/repository"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the time windows the next run would search",
	Long: `plan is a dry run of the time-window planner. It reads a stored rule
(--rule) or a rule file (--file) and prints the tuples, the gap and how
much of the gap catch-up covers.`,
	RunE: runPlan,
}

var (
	planRuleID   string
	planSpaceID  string
	planFile     string
	planPrevious string
	planNow      string
)

func init() {
	planCmd.Flags().StringVar(&planRuleID, "rule", "", "stored rule id")
	planCmd.Flags().StringVar(&planSpaceID, "space", "", "space id (default: engine.default_space)")
	planCmd.Flags().StringVar(&planFile, "file", "", "rule file; its first rule is planned")
	planCmd.Flags().StringVar(&planPrevious, "previous-started-at", "", "RFC 3339 start of the previous run (default: from the database, or none)")
	planCmd.Flags().StringVar(&planNow, "now", "", "RFC 3339 time to plan at (default: current time)")
	planCmd.MarkFlagsMutuallyExclusive("rule", "file")
	planCmd.MarkFlagsOneRequired("rule", "file")
}

type planOutput struct {
	RuleID        string             `json:"rule_id"`
	Now           time.Time          `json:"now"`
	Previous      *time.Time         `json:"previous_started_at,omitempty"`
	Tuples        []models.TimeTuple `json:"tuples"`
	CatchupTuples int                `json:"catchup_tuples"`
	Gap           string             `json:"gap"`
	RemainingGap  string             `json:"remaining_gap"`
	Degraded      bool               `json:"degraded,omitempty"`
}

func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return &t, nil
}

func runPlan(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	now := time.Now().UTC()
	if t, err := parseTimeFlag("now", planNow); err != nil {
		return err
	} else if t != nil {
		now = *t
	}
	previous, err := parseTimeFlag("previous-started-at", planPrevious)
	if err != nil {
		return err
	}

	var rule *models.Rule
	if planFile != "" {
		defaults := importer.DefaultDefaults()
		defaults.SpaceID = cfg.Engine.DefaultSpace
		rules, err := importer.LoadFile(planFile, defaults)
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			return fmt.Errorf("%s contains no rules", planFile)
		}
		rule = rules[0]
	} else {
		space := planSpaceID
		if space == "" {
			space = cfg.Engine.DefaultSpace
		}
		repo, err := repository.NewPostgresRepository(ctx, cfg.Database.Postgres.ConnString())
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		defer repo.Close()

		if rule, err = repo.GetRule(ctx, space, planRuleID); err != nil {
			return err
		}
		if previous == nil {
			if previous, err = repo.PreviousStartedAt(ctx, space, planRuleID); err != nil {
				return err
			}
		}
	}

	plan, err := planner.Build(planner.Params{
		From:              rule.From,
		To:                rule.To,
		Interval:          rule.Interval,
		MaxSignals:        rule.MaxSignals,
		PreviousStartedAt: previous,
		Now:               now,
	})
	if err != nil {
		return err
	}

	return printJSON(cmd.OutOrStdout(), planOutput{
		RuleID:        rule.ID,
		Now:           now,
		Previous:      previous,
		Tuples:        plan.Tuples,
		CatchupTuples: plan.CatchupTuples,
		Gap:           plan.Gap.String(),
		RemainingGap:  plan.RemainingGap.String(),
		Degraded:      plan.Degraded,
	})
}

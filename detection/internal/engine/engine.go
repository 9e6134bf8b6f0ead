// Package engine drives rule runs: it plans time tuples, runs the rule's
// executor for each of them and routes matches through exception
// filtering, suppression and alert writing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-detection/common/logging"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/alerts"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/bulk"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/exceptions"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/executors"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/metrics"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/planner"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/registry"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/search"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/suppression"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/translator"
)

// Backend is the search store used for events and alerts.
type Backend interface {
	search.Backend
	bulk.Backend
}

// RuleTypes resolves rule type definitions.
type RuleTypes interface {
	Get(id models.RuleType) (registry.Definition, error)
}

// ExceptionSource loads the exception items of a rule's lists.
type ExceptionSource interface {
	ExceptionItems(ctx context.Context, spaceID string, refs []models.ExceptionListRef) ([]models.ExceptionItem, error)
}

// Authorizer decides whether a rule may run.
type Authorizer interface {
	Authorize(ctx context.Context, req models.Authorization) error
}

// StatusSink records run status transitions.
type StatusSink interface {
	ReportStatus(ctx context.Context, report models.StatusReport) error
}

// AlertNotifier is told about the alerts written by a run.
type AlertNotifier interface {
	AlertsCreated(ctx context.Context, event models.AlertsCreated) error
}

// Locker keeps concurrent runs of the same rule apart.
type Locker interface {
	Acquire(ctx context.Context, spaceID, ruleID string, ttl time.Duration) (release func(context.Context) error, err error)
}

// Deps are the collaborators of an Engine. Backend and RuleTypes are
// required; the others are skipped when nil.
type Deps struct {
	Backend    Backend
	RuleTypes  RuleTypes
	Exceptions ExceptionSource
	Lists      exceptions.ListLookup
	Auth       Authorizer
	Status     StatusSink
	Notifier   AlertNotifier
	Lease      Locker
	Logger     *logging.Logger
}

// Options tune searches and writes.
type Options struct {
	// AlertsIndexPrefix is followed by the space id to name the alerts index.
	AlertsIndexPrefix string
	PageSize          int
	Tiebreaker        string
	SearchTimeout     time.Duration
	BulkTimeout       time.Duration
	BulkBatchSize     int
	Refresh           string
	AnomaliesIndex    string
	LeaseTTL          time.Duration
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// DefaultAlertsIndexPrefix names alerts indices as <prefix><space id>.
const DefaultAlertsIndexPrefix = "telhawk-alerts-"

func (o *Options) setDefaults() {
	if o.AlertsIndexPrefix == "" {
		o.AlertsIndexPrefix = DefaultAlertsIndexPrefix
	}
	if o.SearchTimeout <= 0 {
		o.SearchTimeout = 30 * time.Second
	}
	if o.BulkTimeout <= 0 {
		o.BulkTimeout = 30 * time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 10 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Engine runs rules. It holds no per-run state and is safe for concurrent
// runs of different rules.
type Engine struct {
	deps   Deps
	opts   Options
	logger *logging.Logger
}

// New creates an engine.
func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Backend == nil {
		return nil, errors.New("engine requires a search backend")
	}
	if deps.RuleTypes == nil {
		return nil, errors.New("engine requires a rule type registry")
	}
	opts.setDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{deps: deps, opts: opts, logger: logger.With(logging.Component("engine"))}, nil
}

// Request starts a run.
type Request struct {
	Rule *models.Rule
	// PreviousStartedAt is the start of the previous run, nil for the first.
	PreviousStartedAt *time.Time
	// ExecutionID is generated when empty.
	ExecutionID string
}

// Report is the outcome of a run.
type Report struct {
	ExecutionID string
	Status      models.ExecutionStatus
	Message     string
	Result      RunResult
	Plan        *planner.Plan
	StartedAt   time.Time
	FinishedAt  time.Time
}

// AlertsIndex returns the alerts index of a space.
func (e *Engine) AlertsIndex(spaceID string) string {
	return e.opts.AlertsIndexPrefix + spaceID
}

// Run executes one run of a rule. Tuple and document failures are recorded
// in the report. The error is set when the run could not start (lease
// held), on configuration errors and when authorization or exception
// loading fail; a report is returned whenever the run started.
func (e *Engine) Run(ctx context.Context, req Request) (*Report, error) {
	rule := req.Rule
	if rule == nil {
		return nil, errors.New("no rule to run")
	}

	id := req.ExecutionID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	ctx = logging.WithRule(logging.WithExecution(ctx, id), rule.ID)
	log := e.logger.With(logging.SpaceID(rule.SpaceID), logging.RuleType(string(rule.Type)))

	if e.deps.Lease != nil {
		release, err := e.deps.Lease.Acquire(ctx, rule.SpaceID, rule.ID, e.opts.LeaseTTL)
		if err != nil {
			metrics.RunsSkipped.WithLabelValues("lease").Inc()
			return nil, fmt.Errorf("failed to acquire run lease: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.WarnContext(ctx, "failed to release run lease", logging.Error(err))
			}
		}()
	}

	metrics.RunsInProgress.Inc()
	defer metrics.RunsInProgress.Dec()

	report := &Report{ExecutionID: id, Status: models.StatusPending, StartedAt: e.opts.Now()}
	e.transition(ctx, log, rule, report, models.StatusRunning)
	log.InfoContext(ctx, "rule run started")

	result, plan, runErr := e.execute(ctx, log, rule, req, report)
	report.Result = result
	report.Plan = plan
	report.FinishedAt = e.opts.Now()

	status := result.Status()
	if runErr != nil {
		status = models.StatusFailed
		report.Message = runErr.Error()
	} else {
		report.Message = summary(result)
	}
	e.transition(context.WithoutCancel(ctx), log, rule, report, status)
	e.record(rule, report)

	if e.deps.Notifier != nil && (result.CreatedCount > 0 || result.UpdatedCount > 0) {
		err := e.deps.Notifier.AlertsCreated(context.WithoutCancel(ctx), models.AlertsCreated{
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			SpaceID:     rule.SpaceID,
			ExecutionID: id,
			Severity:    rule.Severity,
			Created:     result.CreatedCount,
			Updated:     result.UpdatedCount,
			Suppressed:  result.SuppressedCount,
			Timestamp:   report.FinishedAt,
		})
		if err != nil {
			log.WarnContext(ctx, "failed to publish alerts created event", logging.Error(err))
		}
	}

	attrs := []any{
		logging.Status(string(status)),
		logging.Duration(report.FinishedAt.Sub(report.StartedAt)),
		"alerts_created", result.CreatedCount,
		"alerts_suppressed", result.SuppressedCount,
		"warnings", len(result.Warnings),
	}
	if runErr != nil {
		log.ErrorContext(ctx, "rule run failed", append(attrs, logging.Error(runErr))...)
	} else {
		log.InfoContext(ctx, "rule run finished", attrs...)
	}
	return report, runErr
}

func (e *Engine) execute(ctx context.Context, log *logging.Logger, rule *models.Rule, req Request, report *Report) (RunResult, *planner.Plan, error) {
	result := NewRunResult()
	now := report.StartedAt

	def, err := e.deps.RuleTypes.Get(rule.Type)
	if err != nil {
		return result, nil, &ConfigError{Err: err}
	}
	if err := rule.Validate(); err != nil {
		return result, nil, &ConfigError{Err: err}
	}

	if e.deps.Auth != nil {
		err := e.deps.Auth.Authorize(ctx, models.Authorization{
			RuleType:  rule.Type,
			Producer:  def.Producer,
			Consumer:  rule.Consumer,
			SpaceID:   rule.SpaceID,
			Operation: models.OperationExecute,
		})
		if err != nil {
			return result, nil, fmt.Errorf("rule run not authorized: %w", err)
		}
	}

	plan, err := planner.Build(planner.Params{
		From:              rule.From,
		To:                rule.To,
		Interval:          rule.Interval,
		MaxSignals:        rule.MaxSignals,
		PreviousStartedAt: req.PreviousStartedAt,
		Now:               now,
	})
	if err != nil {
		return result, nil, &ConfigError{Err: err}
	}
	metrics.CatchupTuples.Add(float64(plan.CatchupTuples))
	if plan.RemainingGap > 0 {
		metrics.GapSeconds.Observe(plan.RemainingGap.Seconds())
		result = result.Warn(fmt.Sprintf("%d ms were not queried between this rule execution and the last execution, so signals may have been missed",
			plan.RemainingGap.Milliseconds()))
	}
	if plan.Degraded {
		log.InfoContext(ctx, "gap catch-up skipped for look-back unit", "from", rule.From)
	}

	var supp *models.Suppression
	if rule.Suppression != nil {
		if !def.SupportsSuppression {
			result = result.Warn(fmt.Sprintf("Alert suppression is not supported for %s rules and was ignored", rule.Type))
		} else if supp, err = rule.Suppression.Resolve(); err != nil {
			return result, plan, configError("invalid alert suppression: %w", err)
		}
	}

	var items []models.ExceptionItem
	if len(rule.ExceptionsList) > 0 && e.deps.Exceptions != nil {
		items, err = e.deps.Exceptions.ExceptionItems(ctx, rule.SpaceID, rule.ExceptionsList)
		if err != nil {
			return result, plan, fmt.Errorf("failed to load exception items: %w", err)
		}
	}
	filter, warnings := exceptions.New(items, e.deps.Lists, def.SupportsListExceptions)
	for _, w := range warnings {
		result = result.Warn(w)
	}

	searcher := search.New(e.deps.Backend, search.Options{
		PageSize:   e.opts.PageSize,
		Timeout:    e.opts.SearchTimeout,
		Tiebreaker: e.opts.Tiebreaker,
	})
	run := &executors.Run{
		Rule:           rule,
		Index:          rule.Index,
		Searcher:       searcher,
		Translator:     translator.New(),
		Now:            now,
		Logger:         log.Logger,
		AnomaliesIndex: e.opts.AnomaliesIndex,
	}
	if def.UsesEventQuery {
		run.Exclusions = run.Translator.Exclusions(filter.Items())

		res, err := searcher.ResolveIndices(ctx, rule.Index, rule.TimestampField(), rule.TimestampFallback())
		if err != nil {
			// Every tuple would search the same indices.
			for range plan.Tuples {
				result = result.Fail(err)
			}
			return result, plan, nil
		}
		for _, w := range res.Warnings {
			result = result.Warn(w)
		}
		if res.Skip {
			return result, plan, nil
		}
		run.Index = res.Index
	}

	index := e.AlertsIndex(rule.SpaceID)
	state := &runState{
		rule:    rule,
		run:     run,
		exec:    def.New(),
		filter:  filter,
		builder: alerts.NewBuilder(rule, report.ExecutionID, now),
		writer: bulk.NewWriter(e.deps.Backend, bulk.Options{
			Index:     index,
			BatchSize: e.opts.BulkBatchSize,
			Timeout:   e.opts.BulkTimeout,
			Refresh:   e.opts.Refresh,
		}),
		log: log,
	}
	if supp != nil {
		store := alerts.NewStore(e.deps.Backend, index, e.opts.SearchTimeout)
		state.suppression = suppression.New(supp, rule.ID, rule.SpaceID, store, now)
	}

	for i, tuple := range plan.Tuples {
		if err := ctx.Err(); err != nil {
			result = result.Fail(fmt.Errorf("%w before tuple %d of %d: %v", ErrRunCancelled, i+1, len(plan.Tuples), err))
			break
		}
		if state.created >= rule.MaxSignals {
			break
		}
		result = Merge(result, state.runTuple(ctx, tuple))
	}
	if state.created >= rule.MaxSignals {
		result = result.Warn(fmt.Sprintf("This rule reached the maximum alert limit of %d for the rule execution. This rule will continue to run as scheduled, but some alerts may not have been created.",
			rule.MaxSignals))
	}
	return result, plan, nil
}

func (e *Engine) transition(ctx context.Context, log *logging.Logger, rule *models.Rule, report *Report, to models.ExecutionStatus) {
	report.Status = to
	if e.deps.Status == nil {
		return
	}

	sr := models.StatusReport{
		RuleID:      rule.ID,
		SpaceID:     rule.SpaceID,
		ExecutionID: report.ExecutionID,
		Status:      to,
		Message:     report.Message,
		StartedAt:   report.StartedAt,
	}
	if to.Final() {
		finished := report.FinishedAt
		sr.FinishedAt = &finished
		sr.Metrics = executionMetrics(report)
		sr.Errors = report.Result.Errors
		sr.Warnings = report.Result.Warnings
	}
	if err := e.deps.Status.ReportStatus(ctx, sr); err != nil {
		log.WarnContext(ctx, "failed to report rule status", logging.Status(string(to)), logging.Error(err))
	}
}

func executionMetrics(report *Report) models.ExecutionMetrics {
	r := report.Result
	m := models.ExecutionMetrics{
		TuplesFailed:     r.TuplesFailed,
		AlertsCreated:    r.CreatedCount,
		AlertsUpdated:    r.UpdatedCount,
		AlertsSuppressed: r.SuppressedCount,
		Duplicates:       r.DuplicateCount,
		SearchDuration:   r.TotalSearch(),
		BulkDuration:     r.TotalBulk(),
	}
	if report.Plan != nil {
		m.Tuples = len(report.Plan.Tuples)
		m.CatchupTuples = report.Plan.CatchupTuples
		m.Gap = report.Plan.Gap
	}
	if !r.LastSeenTimestamp.IsZero() {
		last := r.LastSeenTimestamp
		m.LastSeen = &last
	}
	return m
}

func (e *Engine) record(rule *models.Rule, report *Report) {
	r := report.Result
	metrics.RuleRuns.WithLabelValues(string(rule.Type), string(report.Status)).Inc()
	metrics.RunDuration.WithLabelValues(string(rule.Type)).Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	metrics.TuplesProcessed.WithLabelValues("succeeded").Add(float64(r.TuplesSucceeded))
	metrics.TuplesProcessed.WithLabelValues("failed").Add(float64(r.TuplesFailed))
	for _, d := range r.SearchDurations {
		metrics.SearchDuration.Observe(d.Seconds())
	}
	for _, d := range r.BulkDurations {
		metrics.BulkDuration.Observe(d.Seconds())
	}
	metrics.Alerts.WithLabelValues("created").Add(float64(r.CreatedCount))
	metrics.Alerts.WithLabelValues("updated").Add(float64(r.UpdatedCount))
	metrics.Alerts.WithLabelValues("suppressed").Add(float64(r.SuppressedCount))
	metrics.Alerts.WithLabelValues("duplicate").Add(float64(r.DuplicateCount))
}

func summary(r RunResult) string {
	msg := fmt.Sprintf("created %d alerts, suppressed %d matches", r.CreatedCount, r.SuppressedCount)
	if n := len(r.Errors) + len(r.Warnings); n > 0 {
		msg += fmt.Sprintf(" (%d errors, %d warnings)", len(r.Errors), len(r.Warnings))
	}
	return msg
}

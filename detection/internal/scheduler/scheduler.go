// Package scheduler runs enabled rules when their interval has elapsed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/telhawk-systems/telhawk-detection/common/logging"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/datemath"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/engine"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/metrics"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

// ErrAlreadyRunning is returned when this worker already runs the rule.
var ErrAlreadyRunning = errors.New("rule is already running on this worker")

// RuleStore loads rule definitions.
type RuleStore interface {
	GetRule(ctx context.Context, spaceID, id string) (*models.Rule, error)
	ListEnabledRules(ctx context.Context) ([]*models.Rule, error)
}

// History returns when a rule last started.
type History interface {
	PreviousStartedAt(ctx context.Context, spaceID, ruleID string) (*time.Time, error)
}

// Runner executes one run of a rule.
type Runner interface {
	Run(ctx context.Context, req engine.Request) (*engine.Report, error)
}

// Config tunes polling, concurrency and pacing of rule runs.
type Config struct {
	// PollInterval is how often enabled rules are checked.
	PollInterval time.Duration
	// Concurrency caps runs in flight on this worker.
	Concurrency int
	// StartRate limits run starts per second; zero means unlimited.
	StartRate  float64
	StartBurst int
	// RunTimeout bounds a single run.
	RunTimeout time.Duration
	Now        func() time.Time
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.StartBurst <= 0 {
		c.StartBurst = c.Concurrency
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 5 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Scheduler starts rule runs as their intervals come due.
type Scheduler struct {
	rules   RuleStore
	history History
	runner  Runner
	cfg     Config
	limiter *rate.Limiter
	logger  *logging.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New returns a scheduler with cfg's zero fields set to defaults.
func New(rules RuleStore, history History, runner Runner, cfg Config, logger *logging.Logger) *Scheduler {
	cfg.setDefaults()
	limit := rate.Inf
	if cfg.StartRate > 0 {
		limit = rate.Limit(cfg.StartRate)
	}
	return &Scheduler{
		rules:    rules,
		history:  history,
		runner:   runner,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.StartBurst),
		logger:   logger.With(logging.Component("scheduler")),
		inflight: make(map[string]struct{}),
	}
}

// Due reports whether a rule should run at now given its previous start.
func Due(rule *models.Rule, previousStartedAt *time.Time, now time.Time) (bool, error) {
	interval, err := datemath.ParseInterval(rule.Interval)
	if err != nil {
		return false, err
	}
	if previousStartedAt == nil {
		return true, nil
	}
	return now.Sub(*previousStartedAt) >= interval, nil
}

// Start ticks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"poll_interval", s.cfg.PollInterval.String(),
		"concurrency", s.cfg.Concurrency)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", logging.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs every due rule and waits for the runs to finish. It returns the
// number of runs started. Run failures are logged, not returned.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	rules, err := s.rules.ListEnabledRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list enabled rules: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	started := 0
	for _, rule := range rules {
		prev, err := s.history.PreviousStartedAt(gctx, rule.SpaceID, rule.ID)
		if err != nil {
			metrics.RunsSkipped.WithLabelValues("history").Inc()
			s.logger.Warn("failed to read rule history",
				logging.RuleID(rule.ID), logging.SpaceID(rule.SpaceID), logging.Error(err))
			continue
		}

		due, err := Due(rule, prev, s.cfg.Now())
		if err != nil {
			metrics.RunsSkipped.WithLabelValues("interval").Inc()
			s.logger.Warn("rule has an invalid interval",
				logging.RuleID(rule.ID), logging.SpaceID(rule.SpaceID), logging.Error(err))
			continue
		}
		if !due {
			continue
		}

		if !s.claim(rule) {
			metrics.RunsSkipped.WithLabelValues("inflight").Inc()
			continue
		}
		if err := s.limiter.Wait(gctx); err != nil {
			s.unclaim(rule)
			break
		}

		started++
		g.Go(func() error {
			defer s.unclaim(rule)
			s.run(gctx, rule, prev, "")
			return nil
		})
	}

	_ = g.Wait()
	return started, ctx.Err()
}

// RunRule loads a rule and runs it once, regardless of its schedule.
func (s *Scheduler) RunRule(ctx context.Context, spaceID, ruleID, executionID string) (*engine.Report, error) {
	rule, err := s.rules.GetRule(ctx, spaceID, ruleID)
	if err != nil {
		return nil, err
	}
	prev, err := s.history.PreviousStartedAt(ctx, spaceID, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule history: %w", err)
	}
	if !s.claim(rule) {
		return nil, fmt.Errorf("rule %s: %w", ruleID, ErrAlreadyRunning)
	}
	defer s.unclaim(rule)
	return s.run(ctx, rule, prev, executionID)
}

func (s *Scheduler) run(ctx context.Context, rule *models.Rule, prev *time.Time, executionID string) (*engine.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	report, err := s.runner.Run(ctx, engine.Request{
		Rule:              rule,
		PreviousStartedAt: prev,
		ExecutionID:       executionID,
	})
	if err != nil {
		s.logger.Warn("rule run failed",
			logging.RuleID(rule.ID), logging.SpaceID(rule.SpaceID), logging.Error(err))
	}
	return report, err
}

func key(rule *models.Rule) string {
	return rule.SpaceID + "/" + rule.ID
}

func (s *Scheduler) claim(rule *models.Rule) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[key(rule)]; ok {
		return false
	}
	s.inflight[key(rule)] = struct{}{}
	return true
}

func (s *Scheduler) unclaim(rule *models.Rule) {
	s.mu.Lock()
	delete(s.inflight, key(rule))
	s.mu.Unlock()
}

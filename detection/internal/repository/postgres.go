// Package repository persists rules, exception items and execution status in PostgreSQL.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

var (
	ErrRuleNotFound = errors.New("detection rule not found")
	ErrInvalidRule  = errors.New("invalid detection rule")
)

type Repository interface {
	UpsertRule(ctx context.Context, rule *models.Rule) error
	GetRule(ctx context.Context, spaceID, id string) (*models.Rule, error)
	ListEnabledRules(ctx context.Context) ([]*models.Rule, error)
	SetRuleEnabled(ctx context.Context, spaceID, id string, enabled bool) error
	UpsertExceptionItem(ctx context.Context, spaceID, namespaceType string, item models.ExceptionItem) error
	ExceptionItems(ctx context.Context, spaceID string, refs []models.ExceptionListRef) ([]models.ExceptionItem, error)
	AddListItems(ctx context.Context, listID, listType string, values []string) error
	PreviousStartedAt(ctx context.Context, spaceID, ruleID string) (*time.Time, error)
	ReportStatus(ctx context.Context, report models.StatusReport) error
	ExecutionLog(ctx context.Context, spaceID, ruleID string, limit int) ([]models.StatusReport, error)
	Close()
}

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Pool exposes the connection pool for components sharing the database.
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// UpsertRule stores a rule definition, bumping updated_at.
func (r *PostgresRepository) UpsertRule(ctx context.Context, rule *models.Rule) error {
	if rule == nil || rule.ID == "" || rule.SpaceID == "" {
		return ErrInvalidRule
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	definition, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}

	query := `
		INSERT INTO detection_rules
		(id, space_id, name, rule_type, version, enabled, interval, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (space_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			rule_type = EXCLUDED.rule_type,
			version = EXCLUDED.version,
			enabled = EXCLUDED.enabled,
			interval = EXCLUDED.interval,
			definition = EXCLUDED.definition,
			updated_at = NOW()
	`

	_, err = r.pool.Exec(ctx, query,
		rule.ID,
		rule.SpaceID,
		rule.Name,
		string(rule.Type),
		rule.Version,
		rule.Enabled,
		rule.Interval,
		definition,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert detection rule: %w", err)
	}
	return nil
}

// GetRule retrieves a rule by space and id.
func (r *PostgresRepository) GetRule(ctx context.Context, spaceID, id string) (*models.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		SELECT definition, enabled, updated_at
		FROM detection_rules
		WHERE space_id = $1 AND id = $2
	`

	rule, err := scanRule(r.pool.QueryRow(ctx, query, spaceID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get detection rule: %w", err)
	}
	return rule, nil
}

// ListEnabledRules returns every enabled rule across spaces.
func (r *PostgresRepository) ListEnabledRules(ctx context.Context) ([]*models.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		SELECT definition, enabled, updated_at
		FROM detection_rules
		WHERE enabled
		ORDER BY space_id, id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list detection rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read detection rules: %w", err)
	}
	return rules, nil
}

// SetRuleEnabled toggles a rule without touching its definition otherwise.
func (r *PostgresRepository) SetRuleEnabled(ctx context.Context, spaceID, id string, enabled bool) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		UPDATE detection_rules
		SET enabled = $3,
			definition = jsonb_set(definition, '{enabled}', to_jsonb($3::boolean)),
			updated_at = NOW()
		WHERE space_id = $1 AND id = $2
	`

	tag, err := r.pool.Exec(ctx, query, spaceID, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update detection rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func scanRule(row pgx.Row) (*models.Rule, error) {
	var (
		definition []byte
		enabled    bool
		updatedAt  time.Time
	)
	if err := row.Scan(&definition, &enabled, &updatedAt); err != nil {
		return nil, err
	}

	var rule models.Rule
	if err := json.Unmarshal(definition, &rule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule definition: %w", err)
	}
	rule.Enabled = enabled
	rule.UpdatedAt = updatedAt
	return &rule, nil
}

// UpsertExceptionItem stores an exception item under its list.
func (r *PostgresRepository) UpsertExceptionItem(ctx context.Context, spaceID, namespaceType string, item models.ExceptionItem) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if namespaceType == "" {
		namespaceType = models.NamespaceSingle
	}

	entries, err := json.Marshal(item.Entries)
	if err != nil {
		return fmt.Errorf("failed to marshal exception entries: %w", err)
	}

	query := `
		INSERT INTO exception_items (id, list_id, space_id, namespace_type, name, entries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			list_id = EXCLUDED.list_id,
			space_id = EXCLUDED.space_id,
			namespace_type = EXCLUDED.namespace_type,
			name = EXCLUDED.name,
			entries = EXCLUDED.entries
	`

	_, err = r.pool.Exec(ctx, query, item.ID, item.ListID, spaceID, namespaceType, item.Name, entries)
	if err != nil {
		return fmt.Errorf("failed to upsert exception item: %w", err)
	}
	return nil
}

// ExceptionItems loads the items of the referenced lists. Single-namespace
// lists are scoped to spaceID; agnostic lists are shared by every space.
func (r *PostgresRepository) ExceptionItems(ctx context.Context, spaceID string, refs []models.ExceptionListRef) ([]models.ExceptionItem, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var single, agnostic []string
	for _, ref := range refs {
		if ref.NamespaceType == models.NamespaceAgnostic {
			agnostic = append(agnostic, ref.ListID)
		} else {
			single = append(single, ref.ListID)
		}
	}

	query := `
		SELECT id, list_id, name, entries
		FROM exception_items
		WHERE (list_id = ANY($1) AND space_id = $2 AND namespace_type = 'single')
		   OR (list_id = ANY($3) AND namespace_type = 'agnostic')
		ORDER BY list_id, created_at, id
	`

	rows, err := r.pool.Query(ctx, query, single, spaceID, agnostic)
	if err != nil {
		return nil, fmt.Errorf("failed to query exception items: %w", err)
	}
	defer rows.Close()

	var items []models.ExceptionItem
	for rows.Next() {
		var (
			item    models.ExceptionItem
			entries []byte
		)
		if err := rows.Scan(&item.ID, &item.ListID, &item.Name, &entries); err != nil {
			return nil, fmt.Errorf("failed to scan exception item: %w", err)
		}
		if err := json.Unmarshal(entries, &item.Entries); err != nil {
			return nil, fmt.Errorf("failed to unmarshal exception entries for %s: %w", item.ID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read exception items: %w", err)
	}
	return items, nil
}

// AddListItems inserts values into a value list, ignoring duplicates.
func (r *PostgresRepository) AddListItems(ctx context.Context, listID, listType string, values []string) error {
	if len(values) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	batch := &pgx.Batch{}
	for _, v := range values {
		batch.Queue(`
			INSERT INTO list_items (list_id, type, value) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, listID, listType, v)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert list items: %w", err)
	}
	return nil
}

// PreviousStartedAt returns the start of the last recorded run, nil if the rule never ran.
func (r *PostgresRepository) PreviousStartedAt(ctx context.Context, spaceID, ruleID string) (*time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var startedAt *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT last_started_at FROM rule_execution_status
		WHERE space_id = $1 AND rule_id = $2
	`, spaceID, ruleID).Scan(&startedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get previous execution: %w", err)
	}
	return startedAt, nil
}

// ReportStatus records a status transition. Every transition updates the
// per-rule status row; final transitions are also appended to the log.
func (r *PostgresRepository) ReportStatus(ctx context.Context, report models.StatusReport) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	metrics, errs, warnings, err := marshalReport(report)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO rule_execution_status
		(rule_id, space_id, execution_id, status, message, last_started_at, last_finished_at,
		 metrics, errors, warnings, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (space_id, rule_id) DO UPDATE SET
			execution_id = EXCLUDED.execution_id,
			status = EXCLUDED.status,
			message = EXCLUDED.message,
			last_started_at = EXCLUDED.last_started_at,
			last_finished_at = COALESCE(EXCLUDED.last_finished_at, rule_execution_status.last_finished_at),
			metrics = EXCLUDED.metrics,
			errors = EXCLUDED.errors,
			warnings = EXCLUDED.warnings,
			updated_at = NOW()
	`,
		report.RuleID,
		report.SpaceID,
		report.ExecutionID,
		string(report.Status),
		report.Message,
		report.StartedAt,
		report.FinishedAt,
		metrics,
		errs,
		warnings,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert execution status: %w", err)
	}

	if report.Status.Final() {
		_, err = tx.Exec(ctx, `
			INSERT INTO rule_execution_log
			(rule_id, space_id, execution_id, status, message, started_at, finished_at, metrics, errors, warnings)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			report.RuleID,
			report.SpaceID,
			report.ExecutionID,
			string(report.Status),
			report.Message,
			report.StartedAt,
			report.FinishedAt,
			metrics,
			errs,
			warnings,
		)
		if err != nil {
			return fmt.Errorf("failed to append execution log: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit execution status: %w", err)
	}
	return nil
}

func marshalReport(report models.StatusReport) (metrics, errs, warnings []byte, err error) {
	if metrics, err = json.Marshal(report.Metrics); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	if report.Errors == nil {
		report.Errors = []models.ErrorCount{}
	}
	if errs, err = json.Marshal(report.Errors); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal errors: %w", err)
	}
	if report.Warnings == nil {
		report.Warnings = []string{}
	}
	if warnings, err = json.Marshal(report.Warnings); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal warnings: %w", err)
	}
	return metrics, errs, warnings, nil
}

// ExecutionLog returns the most recent finished executions of a rule, newest first.
func (r *PostgresRepository) ExecutionLog(ctx context.Context, spaceID, ruleID string, limit int) ([]models.StatusReport, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}

	rows, err := r.pool.Query(ctx, `
		SELECT rule_id, space_id, execution_id, status, message, started_at, finished_at,
		       metrics, errors, warnings
		FROM rule_execution_log
		WHERE space_id = $1 AND rule_id = $2
		ORDER BY id DESC
		LIMIT $3
	`, spaceID, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution log: %w", err)
	}
	defer rows.Close()

	var reports []models.StatusReport
	for rows.Next() {
		var (
			report                  models.StatusReport
			status                  string
			startedAt               *time.Time
			metrics, errs, warnings []byte
		)
		if err := rows.Scan(
			&report.RuleID,
			&report.SpaceID,
			&report.ExecutionID,
			&status,
			&report.Message,
			&startedAt,
			&report.FinishedAt,
			&metrics,
			&errs,
			&warnings,
		); err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		report.Status = models.ExecutionStatus(status)
		if startedAt != nil {
			report.StartedAt = *startedAt
		}
		if err := json.Unmarshal(metrics, &report.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
		if err := json.Unmarshal(errs, &report.Errors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal errors: %w", err)
		}
		if err := json.Unmarshal(warnings, &report.Warnings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal warnings: %w", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read execution log: %w", err)
	}
	return reports, nil
}

var _ Repository = (*PostgresRepository)(nil)

package valuelists

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres reads list items from the list_items table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a list lookup on an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// IsMember reports whether value is in the list.
func (p *Postgres) IsMember(ctx context.Context, listID, listType, value string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM list_items WHERE list_id = $1 AND type = $2 AND value = $3
		)
	`, listID, listType, value).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check list membership: %w", err)
	}
	return exists, nil
}

// AreMembers returns the values present in the list.
func (p *Postgres) AreMembers(ctx context.Context, listID, listType string, values []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(values) == 0 {
		return found, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT value FROM list_items
		WHERE list_id = $1 AND type = $2 AND value = ANY($3)
	`, listID, listType, values)
	if err != nil {
		return nil, fmt.Errorf("failed to query list items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan list item: %w", err)
		}
		found[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read list items: %w", err)
	}
	return found, nil
}

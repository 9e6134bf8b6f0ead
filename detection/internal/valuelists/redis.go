// Package valuelists answers value-list membership for list exceptions.
package valuelists

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis stores each list as a set keyed by list id and type.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed list lookup.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func listKey(listID, listType string) string {
	return fmt.Sprintf("valuelist:%s:%s", listID, listType)
}

// IsMember reports whether value is in the list.
func (r *Redis) IsMember(ctx context.Context, listID, listType, value string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, listKey(listID, listType), value).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check list membership: %w", err)
	}
	return ok, nil
}

// AreMembers returns the values present in the list using one SMISMEMBER call.
func (r *Redis) AreMembers(ctx context.Context, listID, listType string, values []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(values) == 0 {
		return found, nil
	}

	members := make([]any, len(values))
	for i, v := range values {
		members[i] = v
	}
	flags, err := r.client.SMIsMember(ctx, listKey(listID, listType), members...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check list membership: %w", err)
	}
	for i, ok := range flags {
		if ok {
			found[values[i]] = true
		}
	}
	return found, nil
}

// Add inserts values into a list.
func (r *Redis) Add(ctx context.Context, listID, listType string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	members := make([]any, len(values))
	for i, v := range values {
		members[i] = v
	}
	if err := r.client.SAdd(ctx, listKey(listID, listType), members...).Err(); err != nil {
		return fmt.Errorf("failed to add list items: %w", err)
	}
	return nil
}

// Package lease keeps at most one run of a rule in flight across workers.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrRunInProgress = errors.New("rule run already in progress")

// releaseScript deletes the key only while it still holds our token, so an
// expired lease taken over by another worker is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements run leases with SET NX PX.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "detection:lease"}
}

func (r *Redis) key(spaceID, ruleID string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, spaceID, ruleID)
}

// Acquire takes the lease for ttl. It returns ErrRunInProgress when another
// holder has it. The returned release func is safe to call after expiry.
func (r *Redis) Acquire(ctx context.Context, spaceID, ruleID string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	key := r.key(spaceID, ruleID)

	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lease: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("failed to release run lease: %w", err)
		}
		return nil
	}
	return release, nil
}

// Noop grants every lease. It is used when Redis is not configured.
type Noop struct{}

func (Noop) Acquire(context.Context, string, string, time.Duration) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

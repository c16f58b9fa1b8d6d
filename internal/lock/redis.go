// Package lock provides the redis leader lock that keeps a deployment at one
// active retry sweeper.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if this instance still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a single-holder lock backed by SET NX EX.
type Redis struct {
	client *redis.Client
	key    string
	token  string
}

func NewRedis(client *redis.Client, key string) *Redis {
	return &Redis{
		client: client,
		key:    key,
		token:  uuid.New().String(),
	}
}

// Acquire attempts to take the lock for ttl. Returns false if another
// instance holds it.
func (l *Redis) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return ok, nil
}

// Release drops the lock if this instance still holds it. Expired locks held
// by other instances are left alone.
func (l *Redis) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

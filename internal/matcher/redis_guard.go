package matcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseLease deletes the lease only if this process still owns it.
var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard takes a short-lived Redis lease on the driver before flipping
// the store flag, so dispatchers in different processes contend on one key.
// The lease expires on its own if a process dies mid-offer; the store flag
// stays authoritative.
type RedisGuard struct {
	client redis.UniversalClient
	next   Guard
	prefix string
	ttl    time.Duration
	token  string
}

func NewRedisGuard(client redis.UniversalClient, next Guard, prefix string, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, next: next, prefix: prefix, ttl: ttl, token: uuid.NewString()}
}

func (g *RedisGuard) key(driverID string) string { return g.prefix + driverID }

func (g *RedisGuard) Reserve(ctx context.Context, driverID string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.key(driverID), g.token, g.ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	reserved, err := g.next.Reserve(ctx, driverID)
	if err != nil || !reserved {
		if lerr := g.dropLease(ctx, driverID); lerr != nil {
			err = errors.Join(err, lerr)
		}
		return false, err
	}
	return true, nil
}

func (g *RedisGuard) Release(ctx context.Context, driverID string) error {
	err := g.next.Release(ctx, driverID)
	return errors.Join(err, g.dropLease(ctx, driverID))
}

func (g *RedisGuard) dropLease(ctx context.Context, driverID string) error {
	return releaseLease.Run(ctx, g.client, []string{g.key(driverID)}, g.token).Err()
}

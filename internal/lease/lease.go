// Package lease elects a single replica to run background jobs.
package lease

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Always is a Leader for single replica deployments.
type Always struct{}

// TryLead always reports leadership.
func (Always) TryLead(context.Context) (bool, error) { return true, nil }

var (
	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

// Redis is a lease held under a Redis key. The holder keeps it by calling
// TryLead more often than the TTL; if it stops, another replica takes over
// once the key expires.
type Redis struct {
	client redis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
}

// NewRedis creates a lease on key with a random owner token.
func NewRedis(client redis.UniversalClient, key string, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		key:    key,
		owner:  uuid.NewString(),
		ttl:    ttl,
	}
}

// TryLead acquires the lease or extends it if already held by this owner.
func (l *Redis) TryLead(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "acquire lease")
	}
	if ok {
		return true, nil
	}

	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, errors.Wrap(err, "renew lease")
	}
	return n == 1, nil
}

// Release gives the lease up if this owner holds it.
func (l *Redis) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil {
		return errors.Wrap(err, "release lease")
	}
	return nil
}

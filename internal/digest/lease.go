package digest

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// minLeaseTTL keeps a tick's lease alive past clock skew between servers.
const minLeaseTTL = time.Minute

// Lease elects one server per scheduled tick.
type Lease interface {
	// Acquire reports whether this caller won key. A won key stays taken
	// for ttl.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisLease is a Lease backed by SET NX on a shared Redis.
type RedisLease struct {
	client redis.UniversalClient
	prefix string
	owner  string
}

// NewRedisLease returns a lease whose keys live under prefix.
func NewRedisLease(client redis.UniversalClient, prefix string) (*RedisLease, error) {
	if client == nil {
		return nil, fmt.Errorf("digest: redis client is required")
	}
	return &RedisLease{client: client, prefix: prefix, owner: uuid.NewString()}, nil
}

// Key returns the Redis key guarding key.
func (l *RedisLease) Key(key string) string {
	return l.prefix + "digest:" + key
}

// Acquire implements Lease.
func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl < minLeaseTTL {
		ttl = minLeaseTTL
	}
	won, err := l.client.SetNX(ctx, l.Key(key), l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("digest: acquire %s: %w", l.Key(key), err)
	}
	return won, nil
}

// tickKey names the lease for one scheduled fire time.
func tickKey(tick time.Time) string {
	return "tick:" + strconv.FormatInt(tick.Unix(), 10)
}

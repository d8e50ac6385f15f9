package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLockTTL bounds how long an orphaned lock can block other holders
// when a process dies without releasing.
const DefaultLockTTL = 30 * time.Second

// Cmdable is the narrow slice of redis commands the lock needs.  It is
// satisfied by *redis.Client and by mocks in unit tests.
type Cmdable interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// ensure that *redis.Client implements the Cmdable interface
var _ Cmdable = (*redis.Client)(nil)

// releaseScript deletes the key only when this instance still owns it, so a
// lock that expired and was re-acquired elsewhere is never released by the
// stale holder.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Redis is a Locker backed by a shared redis instance, usable across
// processes.
type Redis struct {
	client Cmdable
	owner  string
	ttl    time.Duration
}

// ensure that Redis implements the Locker interface
var _ Locker = (*Redis)(nil)

// NewRedis creates a redis-backed Locker.  Each Locker instance gets its own
// owner id so releases cannot free a lock acquired by another instance.
func NewRedis(client Cmdable, ttl time.Duration) (*Redis, error) {
	const op = "lock.NewRedis"
	if client == nil {
		return nil, fmt.Errorf("%s: redis client is nil", op)
	}
	if ttl == 0 {
		ttl = DefaultLockTTL
	}
	owner, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate owner id: %w", op, err)
	}
	return &Redis{
		client: client,
		owner:  owner,
		ttl:    ttl,
	}, nil
}

// AcquireExclusive implements Locker.
func (r *Redis) AcquireExclusive(ctx context.Context, key string) error {
	const op = "lock.(Redis).AcquireExclusive"
	ok, err := r.client.SetNX(ctx, key, r.owner, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return fmt.Errorf("%s: %s: %w", op, key, ErrLockBusy)
	}
	return nil
}

// Release implements Locker.
func (r *Redis) Release(ctx context.Context, key string) error {
	const op = "lock.(Redis).Release"
	if err := r.client.Eval(ctx, releaseScript, []string{key}, r.owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is wrapped in a StoreUnavailable error when a lock could not
// be taken within the configured wait.
var ErrLockTimeout = errors.New("lock wait timed out")

// Unlock releases a lock taken by Locker.Lock.
type Unlock func(ctx context.Context) error

// Locker is a mutual exclusion primitive shared between engine instances.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// Nop is the Locker of a single-instance deployment; the Sequencer already
// serializes batches in process.
type Nop struct{}

func (Nop) Lock(context.Context, string) (Unlock, error) {
	return func(context.Context) error { return nil }, nil
}

// compare-and-delete: only the holder's token releases the key
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisOptions tunes RedisLocker.
type RedisOptions struct {
	Prefix string        // key prefix, default "ledger:lock:"
	TTL    time.Duration // lock expiry guarding against crashed holders
	Wait   time.Duration // how long Lock keeps trying
	Retry  time.Duration // pause between attempts
}

// RedisLocker takes locks with SET NX PX and releases them with a
// compare-and-delete script.
type RedisLocker struct {
	client redis.Cmdable
	opts   RedisOptions
	token  func() string
}

// NewRedisLocker builds a RedisLocker on client.
func NewRedisLocker(client redis.Cmdable, opts RedisOptions) *RedisLocker {
	if opts.Prefix == "" {
		opts.Prefix = "ledger:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Retry <= 0 {
		opts.Retry = 50 * time.Millisecond
	}
	return &RedisLocker{client: client, opts: opts, token: uuid.NewString}
}

// Lock retries until the key is free, ctx ends or the wait elapses. Redis
// failures and wait timeouts are reported as domain.StoreUnavailable.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	k := l.opts.Prefix + key
	token := l.token()
	deadline := time.Now().Add(l.opts.Wait)

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.opts.TTL).Result()
		if err != nil {
			return nil, domain.Unavailable("lock "+key, err)
		}
		if ok {
			return func(ctx context.Context) error {
				if err := l.client.Eval(ctx, unlockScript, []string{k}, token).Err(); err != nil {
					return fmt.Errorf("unlock %s: %w", key, err)
				}
				return nil
			}, nil
		}

		if time.Now().Add(l.opts.Retry).After(deadline) {
			return nil, domain.Unavailable("lock "+key, ErrLockTimeout)
		}
		select {
		case <-time.After(l.opts.Retry):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

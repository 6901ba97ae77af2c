package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Refresh and Release when the lock expired or was taken over.
var ErrNotHeld = errors.New("redis lock not held")

var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker hands out advisory locks keyed by name. A nil Locker grants every lock, so
// single-instance deployments without redis run unchanged.
type Locker struct {
	rdb    goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

func New(rdb goredis.UniversalClient, prefix string, ttl time.Duration) *Locker {
	if rdb == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "job:"
	}
	return &Locker{rdb: rdb, prefix: prefix, ttl: ttl}
}

type Lock struct {
	l     *Locker
	key   string
	token string
}

// Obtain tries once to take the lock. It returns nil, nil when someone else holds it.
func (l *Locker) Obtain(ctx context.Context, name string) (*Lock, error) {
	if l == nil {
		return &Lock{}, nil
	}
	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{l: l, key: key, token: token}, nil
}

func (k *Lock) Refresh(ctx context.Context) error {
	if k == nil || k.l == nil {
		return nil
	}
	n, err := refreshScript.Run(ctx, k.l.rdb, []string{k.key}, k.token, k.l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (k *Lock) Release(ctx context.Context) error {
	if k == nil || k.l == nil {
		return nil
	}
	n, err := releaseScript.Run(ctx, k.l.rdb, []string{k.key}, k.token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (k *Lock) Key() string {
	if k == nil {
		return ""
	}
	return k.key
}

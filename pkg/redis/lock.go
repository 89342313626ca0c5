package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a best-effort single-holder lock backed by SET NX PX. It expires on
// its own after ttl, so a crashed holder never blocks others for long.
type Lock struct {
	rdb   redis.UniversalClient
	key   string
	token string
	ttl   time.Duration
}

func NewLock(rdb redis.UniversalClient, key, token string, ttl time.Duration) *Lock {
	return &Lock{rdb: rdb, key: key, token: token, ttl: ttl}
}

// TryAcquire returns true when the lock was taken (or is already held by
// this token, in which case its ttl is refreshed).
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	holder, err := l.rdb.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if holder != l.token {
		return false, nil
	}
	return true, l.rdb.PExpire(ctx, l.key, l.ttl).Err()
}

func (l *Lock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}

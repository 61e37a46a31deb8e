package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mkotak/algodispatch/internal/domain"
)

// unlockLua deletes the lock key only if its value matches the caller's
// token, so one holder cannot release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RunLock guards live order submission against concurrent engine instances.
// Two processes dispatching against the same broker account would double
// every position, so live mode refuses to start without the lock.
type RunLock struct {
	rdb      *redis.Client
	unlockSc *redis.Script
}

// NewRunLock creates a RunLock backed by the given Client.
func NewRunLock(c *Client) *RunLock {
	return &RunLock{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire attempts to obtain the lock for the given key with the specified
// TTL. On success it returns a release function that is safe to call more
// than once. It returns domain.ErrLockHeld when another instance holds it.
func (rl *RunLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lockKey(key)

	ok, err := rl.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		// Background context so release works even when the caller's
		// context is already cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = rl.unlockSc.Run(unlockCtx, rl.rdb, []string{lk}, token).Err()
	}

	return unlock, nil
}

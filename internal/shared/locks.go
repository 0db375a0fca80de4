package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// OrderLockKey builds redis keys for order critical sections.
func OrderLockKey(orderID int64) string {
	return fmt.Sprintf("orders:order:%d:lock", orderID)
}

// OrderLocker serialises status transitions per order across processes.
// The inventory rows themselves are protected by row locks in Postgres;
// this lock only keeps two administrators from racing the same order
// through overlapping transitions.
type OrderLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewOrderLocker constructs the locker. TTL bounds how long a crashed
// request can keep an order locked.
func NewOrderLocker(client *redis.Client, ttl time.Duration) *OrderLocker {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &OrderLocker{client: client, ttl: ttl}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Acquire takes the lock for orderID and returns a release func. Fails
// with ErrLockHeld when another request owns it.
func (l *OrderLocker) Acquire(ctx context.Context, orderID int64) (func(), error) {
	if l == nil || l.client == nil {
		// Locking is best effort in single-process deployments.
		return func() {}, nil
	}
	key := OrderLockKey(orderID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire order lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, nil
}

// IsLockHeld reports whether err is the lock contention sentinel.
func IsLockHeld(err error) bool {
	return errors.Is(err, ErrLockHeld)
}

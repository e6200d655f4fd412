package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/collab-docs/coderoom/internal/logger"
	"github.com/collab-docs/coderoom/internal/rooms"
)

// ErrLockTimeout is returned when a room lock cannot be acquired in time
var ErrLockTimeout = errors.New("timed out waiting for room lock")

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// enqueueScript takes the next ticket and marks the waiter alive.
// KEYS: ticket, queue, waiter. ARGV: token, waiter ttl ms.
var enqueueScript = redis.NewScript(`
local ticket = redis.call("incr", KEYS[1])
redis.call("zadd", KEYS[2], ticket, ARGV[1])
redis.call("set", KEYS[3], "1", "PX", ARGV[2])
return ticket
`)

// acquireScript grants the lease to the queue head. Heads whose waiter key
// has expired are dropped. Returns 1 when granted, 0 to keep waiting and
// -1 when the token is no longer queued.
// KEYS: queue, lock, waiter, ticket. ARGV: token, lease ms, waiter ttl ms, waiter prefix.
var acquireScript = redis.NewScript(`
if not redis.call("zscore", KEYS[1], ARGV[1]) then
	return -1
end
redis.call("set", KEYS[3], "1", "PX", ARGV[3])
while true do
	local head = redis.call("zrange", KEYS[1], 0, 0)[1]
	if head == ARGV[1] then
		break
	end
	if redis.call("exists", ARGV[4] .. head) == 1 then
		return 0
	end
	redis.call("zrem", KEYS[1], head)
end
if redis.call("exists", KEYS[2]) == 1 then
	return 0
end
redis.call("set", KEYS[2], ARGV[1], "PX", ARGV[2])
redis.call("zrem", KEYS[1], ARGV[1])
redis.call("del", KEYS[3])
if redis.call("zcard", KEYS[1]) == 0 then
	redis.call("del", KEYS[4])
end
return 1
`)

// Locker serializes room mutations across instances. Callers on one
// instance queue on an in-process KeyedLocker; instances then queue on a
// per-room ticket list in Redis, so the lease goes out in arrival order.
// The lease expires a lock whose holder died, and a waiter that stops
// polling is dropped from the queue after waiterTTL.
type Locker struct {
	store     *Store
	local     *rooms.KeyedLocker
	lease     time.Duration
	timeout   time.Duration
	retry     time.Duration
	waiterTTL time.Duration
}

// NewLocker creates a Redis room locker. timeout bounds how long Lock
// waits; the lease expires a lock whose holder died.
func NewLocker(store *Store, timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Locker{
		store:     store,
		local:     rooms.NewKeyedLocker(),
		lease:     2 * timeout,
		timeout:   timeout,
		retry:     10 * time.Millisecond,
		waiterTTL: time.Second,
	}
}

// Lock acquires the room lock
func (l *Locker) Lock(ctx context.Context, roomID string) (context.Context, func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	_, localUnlock, err := l.local.Lock(waitCtx, roomID)
	if err != nil {
		return nil, nil, l.waitError(err)
	}

	token := uuid.New().String()
	if err := l.queue(waitCtx, roomID, token); err != nil {
		localUnlock()
		return nil, nil, err
	}

	key := l.store.lockKey(roomID)
	for {
		granted, err := l.acquire(waitCtx, roomID, token)
		if err != nil && waitCtx.Err() == nil {
			l.abandon(roomID, token)
			localUnlock()
			return nil, nil, fmt.Errorf("redis: failed to acquire lock for room %s: %w", roomID, err)
		}
		if granted {
			break
		}

		select {
		case <-waitCtx.Done():
			l.abandon(roomID, token)
			localUnlock()
			return nil, nil, l.waitError(waitCtx.Err())
		case <-time.After(l.retry):
		}
	}

	return ctx, func() {
		defer localUnlock()
		releaseCtx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.store.client, []string{key}, token).Err(); err != nil {
			logger.Warn("Failed to release lock for room %s: %v", roomID, err)
		}
	}, nil
}

func (l *Locker) queue(ctx context.Context, roomID, token string) error {
	keys := []string{
		l.store.lockTicketKey(roomID),
		l.store.lockQueueKey(roomID),
		l.store.lockWaiterPrefix(roomID) + token,
	}
	if err := enqueueScript.Run(ctx, l.store.client, keys, token, l.waiterTTL.Milliseconds()).Err(); err != nil {
		if ctx.Err() != nil {
			return l.waitError(ctx.Err())
		}
		return fmt.Errorf("redis: failed to queue for lock on room %s: %w", roomID, err)
	}
	return nil
}

// acquire polls once. A waiter dropped from the queue rejoins at the back.
func (l *Locker) acquire(ctx context.Context, roomID, token string) (bool, error) {
	keys := []string{
		l.store.lockQueueKey(roomID),
		l.store.lockKey(roomID),
		l.store.lockWaiterPrefix(roomID) + token,
		l.store.lockTicketKey(roomID),
	}
	res, err := acquireScript.Run(ctx, l.store.client, keys,
		token, l.lease.Milliseconds(), l.waiterTTL.Milliseconds(), l.store.lockWaiterPrefix(roomID)).Int()
	if err != nil {
		return false, err
	}
	switch res {
	case 1:
		return true, nil
	case -1:
		logger.Debug("Lock waiter for room %s was dropped from the queue, rejoining", roomID)
		return false, l.queue(ctx, roomID, token)
	}
	return false, nil
}

// abandon leaves the queue after a failed wait
func (l *Locker) abandon(roomID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	_, err := l.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, l.store.lockQueueKey(roomID), token)
		pipe.Del(ctx, l.store.lockWaiterPrefix(roomID)+token)
		return nil
	})
	if err != nil {
		logger.Warn("Failed to leave lock queue for room %s: %v", roomID, err)
	}
}

func (l *Locker) waitError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrLockTimeout
	}
	return err
}

package rooms

import (
	"context"
	"sync"
)

// KeyedLocker is an in-process Locker. Waiters on the same room are served
// in the order they called Lock; different rooms never wait on each other.
// A waiter whose ctx ends gives up its place in the queue.
type KeyedLocker struct {
	mu    sync.Mutex
	rooms map[string]*roomLock
}

// roomLock is held by one caller; waiters queue behind it
type roomLock struct {
	waiters []chan struct{}
}

// NewKeyedLocker creates an empty locker
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{rooms: make(map[string]*roomLock)}
}

// Lock blocks until the caller holds the room or ctx is done
func (l *KeyedLocker) Lock(ctx context.Context, roomID string) (context.Context, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	l.mu.Lock()
	rl, held := l.rooms[roomID]
	if !held {
		l.rooms[roomID] = &roomLock{}
		l.mu.Unlock()
		return ctx, l.unlocker(roomID), nil
	}
	ready := make(chan struct{})
	rl.waiters = append(rl.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return ctx, l.unlocker(roomID), nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	for i, w := range rl.waiters {
		if w == ready {
			rl.waiters = append(rl.waiters[:i], rl.waiters[i+1:]...)
			l.mu.Unlock()
			return nil, nil, ctx.Err()
		}
	}
	l.mu.Unlock()

	// Ownership was handed over while ctx ended; pass it on.
	l.release(roomID)
	return nil, nil, ctx.Err()
}

func (l *KeyedLocker) unlocker(roomID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(roomID) })
	}
}

// release hands the room to the next waiter, or forgets it
func (l *KeyedLocker) release(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rl := l.rooms[roomID]
	if len(rl.waiters) == 0 {
		delete(l.rooms, roomID)
		return
	}
	next := rl.waiters[0]
	rl.waiters = rl.waiters[1:]
	close(next)
}

// Held returns the number of rooms with a holder
func (l *KeyedLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rooms)
}

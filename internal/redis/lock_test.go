package redis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collab-docs/coderoom/internal/rooms"
)

func TestLockerExcludesConcurrentHolders(t *testing.T) {
	store := newTestStore(t)
	// two instances sharing one Redis
	lockers := []*Locker{NewLocker(store, 2*time.Second), NewLocker(store, 2*time.Second)}

	var (
		wg      sync.WaitGroup
		holders int32
		maxSeen int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(l *Locker) {
			defer wg.Done()
			_, unlock, err := l.Lock(context.Background(), "r1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&holders, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&holders, -1)
			unlock()
		}(lockers[i%2])
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))
}

func TestLockerRoomsAreIndependent(t *testing.T) {
	l := NewLocker(newTestStore(t), time.Second)

	_, unlock1, err := l.Lock(context.Background(), "r1")
	require.NoError(t, err)
	defer unlock1()

	_, unlock2, err := l.Lock(context.Background(), "r2")
	require.NoError(t, err)
	unlock2()
}

func TestLockerTimesOut(t *testing.T) {
	store := newTestStore(t)
	l := NewLocker(store, 50*time.Millisecond)

	_, unlock, err := l.Lock(context.Background(), "r1")
	require.NoError(t, err)
	defer unlock()

	_, _, err = l.Lock(context.Background(), "r1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	other := NewLocker(store, 50*time.Millisecond)
	_, _, err = other.Lock(context.Background(), "r1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	n, err := store.client.ZCard(context.Background(), store.lockQueueKey("r1")).Result()
	require.NoError(t, err)
	assert.Zero(t, n, "timed out waiter left its ticket behind")
}

func TestLockerHonoursCancellation(t *testing.T) {
	l := NewLocker(newTestStore(t), time.Second)

	_, unlock, err := l.Lock(context.Background(), "r1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = l.Lock(ctx, "r1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockTimeout)
}

func TestLockerReturnsCallerContext(t *testing.T) {
	l := NewLocker(newTestStore(t), time.Second)
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")

	locked, unlock, err := l.Lock(ctx, "r1")
	require.NoError(t, err)
	defer unlock()
	assert.Equal(t, "v", locked.Value(key{}))
	assert.NoError(t, locked.Err())
}

func TestLockerReleaseOnlyDropsOwnToken(t *testing.T) {
	store := newTestStore(t)
	l := NewLocker(store, time.Second)
	ctx := context.Background()

	_, unlock, err := l.Lock(ctx, "r1")
	require.NoError(t, err)

	// Simulate lease expiry and takeover by another holder.
	require.NoError(t, store.client.Set(ctx, store.lockKey("r1"), "someone-else", time.Minute).Err())
	unlock()

	val, err := store.client.Get(ctx, store.lockKey("r1")).Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}

func TestLockerLeaseExpires(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewStore(client, "test:", "javascript")

	// the first instance dies holding the lease
	_, _, err := NewLocker(store, 100*time.Millisecond).Lock(context.Background(), "r1")
	require.NoError(t, err)

	mr.FastForward(time.Second)

	_, unlock, err := NewLocker(store, 100*time.Millisecond).Lock(context.Background(), "r1")
	require.NoError(t, err)
	unlock()
}

func TestLockerGrantsInstancesInArrivalOrder(t *testing.T) {
	store := newTestStore(t)
	holder := NewLocker(store, 2*time.Second)
	first := NewLocker(store, 2*time.Second)
	second := NewLocker(store, 2*time.Second)

	_, unlock, err := holder.Lock(context.Background(), "r1")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	wait := func(name string, l *Locker) {
		defer wg.Done()
		_, u, err := l.Lock(context.Background(), "r1")
		if !assert.NoError(t, err) {
			return
		}
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		u()
	}

	wg.Add(2)
	go wait("first", first)
	time.Sleep(30 * time.Millisecond)
	go wait("second", second)
	time.Sleep(30 * time.Millisecond)

	unlock()
	wg.Wait()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestLockerSkipsDeadQueueHead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	// a ticket whose instance stopped polling: no waiter key
	require.NoError(t, store.client.ZAdd(ctx, store.lockQueueKey("r1"), &redis.Z{Score: 0, Member: "gone"}).Err())

	l := NewLocker(store, 500*time.Millisecond)
	_, unlock, err := l.Lock(ctx, "r1")
	require.NoError(t, err)
	unlock()

	n, err := store.client.ZCard(ctx, store.lockQueueKey("r1")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLockerWaitsForLiveQueueHead(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewStore(client, "test:", "javascript")
	ctx := context.Background()
	require.NoError(t, client.ZAdd(ctx, store.lockQueueKey("r1"), &redis.Z{Score: 0, Member: "ahead"}).Err())
	require.NoError(t, client.Set(ctx, store.lockWaiterPrefix("r1")+"ahead", "1", time.Second).Err())

	l := NewLocker(store, 50*time.Millisecond)
	_, _, err := l.Lock(ctx, "r1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	// the waiter ahead stops refreshing its key
	mr.FastForward(2 * time.Second)

	_, unlock, err := l.Lock(ctx, "r1")
	require.NoError(t, err)
	unlock()
}

func TestCoordinatorAppliesQueuedEditsInArrivalOrder(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewStore(client, "test:", "javascript")
	locker := NewLocker(store, 2*time.Second)
	ps := New(context.Background(), client)
	t.Cleanup(func() { _ = ps.Close() })
	coord := rooms.NewCoordinator(store, store.StateStore(), locker, ps, rooms.Options{})

	_, unlock, err := locker.Lock(context.Background(), "room-1")
	require.NoError(t, err)

	const edits = 8
	var (
		wg   sync.WaitGroup
		seqs [edits]uint64
	)
	for i := 0; i < edits; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := coord.UpdateCode(context.Background(), "room-1", "u1", "alice", fmt.Sprint(i))
			if assert.NoError(t, err) {
				seqs[i] = res.Seq
			}
		}(i)
		// let edit i queue before i+1
		time.Sleep(5 * time.Millisecond)
	}

	unlock()
	wg.Wait()

	doc, err := coord.Document(context.Background(), "room-1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, fmt.Sprint(edits-1), doc.Content)
	for i := 1; i < edits; i++ {
		assert.Less(t, seqs[i-1], seqs[i], "edit %d applied before edit %d", i, i-1)
	}
}

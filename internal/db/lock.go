package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collab-docs/coderoom/internal/logger"
	"github.com/collab-docs/coderoom/internal/rooms"
)

// ErrLockTimeout is returned when a room lock cannot be acquired in time
var ErrLockTimeout = errors.New("timed out waiting for room lock")

type lockedConnKey struct{}

// Locker serializes room mutations with session-level advisory locks.
// Each held lock pins one pooled connection until it is released; the
// context returned by Lock carries that connection, so store calls made
// with it run on the session holding the lock instead of competing for
// the pool. Callers on one instance queue on an in-process KeyedLocker
// first, so a room waits on at most one connection per instance.
type Locker struct {
	db      *DB
	local   *rooms.KeyedLocker
	timeout time.Duration
}

// NewLocker creates an advisory room locker
func NewLocker(db *DB, timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Locker{db: db, local: rooms.NewKeyedLocker(), timeout: timeout}
}

// Lock acquires the advisory lock of a room
func (l *Locker) Lock(ctx context.Context, roomID string) (context.Context, func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	_, localUnlock, err := l.local.Lock(waitCtx, roomID)
	if err != nil {
		return nil, nil, l.lockError(waitCtx, roomID, err)
	}

	conn, err := l.db.pool.Acquire(waitCtx)
	if err != nil {
		localUnlock()
		return nil, nil, l.lockError(waitCtx, roomID, err)
	}

	if _, err := conn.Exec(waitCtx, `SELECT pg_advisory_lock(hashtextextended('room:' || $1, 0))`, roomID); err != nil {
		// The lock may have been granted as the wait was cancelled.
		closeCtx, cancelClose := context.WithTimeout(context.Background(), l.timeout)
		conn.Conn().Close(closeCtx)
		cancelClose()
		conn.Release()
		localUnlock()
		return nil, nil, l.lockError(waitCtx, roomID, err)
	}

	locked := context.WithValue(ctx, lockedConnKey{}, conn)
	return locked, func() {
		defer localUnlock()
		unlockCtx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtextextended('room:' || $1, 0))`, roomID); err != nil {
			// Closing the session drops every advisory lock it holds.
			logger.Warn("Failed to release lock for room %s: %v", roomID, err)
			conn.Conn().Close(unlockCtx)
		}
		conn.Release()
	}, nil
}

func (l *Locker) lockError(ctx context.Context, roomID string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrLockTimeout
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("postgres: failed to acquire lock for room %s: %w", roomID, err)
}

// lockedConn returns the connection pinned by Lock, if ctx carries one
func lockedConn(ctx context.Context) (*pgxpool.Conn, bool) {
	conn, ok := ctx.Value(lockedConnKey{}).(*pgxpool.Conn)
	return conn, ok
}

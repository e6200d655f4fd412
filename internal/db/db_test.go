package db

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collab-docs/coderoom/internal/models"
	"github.com/collab-docs/coderoom/internal/rooms"
)

var dbEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// setupTestDB connects to DATABASE_URL or skips the test
func setupTestDB(t *testing.T) *DB {
	return setupTestDBWithPool(t, 0)
}

// setupTestDBWithPool caps the pool at maxConns connections when positive
func setupTestDBWithPool(t *testing.T, maxConns int) *DB {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	if maxConns > 0 {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url = fmt.Sprintf("%s%spool_max_conns=%d", url, sep, maxConns)
	}

	ctx := context.Background()
	database, err := New(ctx, url, "javascript")
	require.NoError(t, err)
	t.Cleanup(database.Close)
	require.NoError(t, database.Migrate(ctx))

	database.now = func() time.Time { return dbEpoch }
	return database
}

// testRoom returns a room id no other test run uses
func testRoom(t *testing.T, database *DB) string {
	t.Helper()
	roomID := "test-" + uuid.New().String()
	t.Cleanup(func() {
		ctx := context.Background()
		_ = database.DeleteRoom(ctx, roomID)
		_ = database.StateStore().DeleteRoom(ctx, roomID)
	})
	return roomID
}

func member(id, name string, at time.Time) models.Collaborator {
	return models.Collaborator{UserID: id, Username: name, JoinedAt: at, LastSeenAt: at}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database := setupTestDB(t)
	assert.NoError(t, database.Migrate(context.Background()))
}

func TestCollaboratorLifecycle(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	roomID := testRoom(t, database)
	later := dbEpoch.Add(time.Minute)

	require.NoError(t, database.UpsertCollaborator(ctx, roomID, member("zed", "Zed", dbEpoch)))
	require.NoError(t, database.UpsertCollaborator(ctx, roomID, member("amy", "Amy", dbEpoch)))
	require.NoError(t, database.UpsertCollaborator(ctx, roomID, member("zed", "", later)))

	got, err := database.ListCollaborators(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "zed", got[0].UserID)
	assert.Equal(t, "Zed", got[0].Username)
	assert.True(t, got[0].JoinedAt.Equal(dbEpoch))
	assert.True(t, got[0].LastSeenAt.Equal(later))
	assert.Equal(t, "amy", got[1].UserID)

	present, err := database.Touch(ctx, roomID, "ghost", later)
	require.NoError(t, err)
	assert.False(t, present)

	rooms, err := database.Rooms(ctx)
	require.NoError(t, err)
	assert.Contains(t, rooms, roomID)

	empty, err := database.RemoveCollaborator(ctx, roomID, "zed")
	require.NoError(t, err)
	assert.False(t, empty)

	empty, err = database.RemoveCollaborator(ctx, roomID, "amy")
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestDocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	state := database.StateStore()
	roomID := testRoom(t, database)

	doc, err := state.GetDocument(ctx, roomID)
	require.NoError(t, err)
	assert.Nil(t, doc)

	require.NoError(t, state.SetLanguage(ctx, roomID, "python"))
	require.NoError(t, state.SetContent(ctx, roomID, "print(1)"))

	doc, err = state.GetDocument(ctx, roomID)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "print(1)", doc.Content)
	assert.Equal(t, "python", doc.Language)
	assert.True(t, doc.UpdatedAt.Equal(dbEpoch))

	for want := uint64(1); want <= 3; want++ {
		seq, err := state.NextSequence(ctx, roomID)
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}

	require.NoError(t, state.DeleteRoom(ctx, roomID))
	doc, err = state.GetDocument(ctx, roomID)
	require.NoError(t, err)
	assert.Nil(t, doc)

	seq, err := state.NextSequence(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestContentCreatesDocumentWithDefaultLanguage(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	state := database.StateStore()
	roomID := testRoom(t, database)

	require.NoError(t, state.SetContent(ctx, roomID, "x"))
	doc, err := state.GetDocument(ctx, roomID)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "javascript", doc.Language)

	rooms, err := state.Rooms(ctx)
	require.NoError(t, err)
	assert.Contains(t, rooms, roomID)
}

func TestAdvisoryLockExcludesHolders(t *testing.T) {
	database := setupTestDB(t)
	roomID := testRoom(t, database)
	// two lockers stand in for two instances sharing the database
	lockers := []*Locker{NewLocker(database, 5*time.Second), NewLocker(database, 5*time.Second)}

	var (
		wg      sync.WaitGroup
		holders int32
		overlap int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(l *Locker) {
			defer wg.Done()
			_, unlock, err := l.Lock(context.Background(), roomID)
			if !assert.NoError(t, err) {
				return
			}
			if atomic.AddInt32(&holders, 1) > 1 {
				atomic.StoreInt32(&overlap, 1)
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&holders, -1)
			unlock()
		}(lockers[i%2])
	}
	wg.Wait()

	assert.Equal(t, int32(0), atomic.LoadInt32(&overlap))
}

func TestAdvisoryLockTimesOut(t *testing.T) {
	database := setupTestDB(t)
	roomID := testRoom(t, database)
	l := NewLocker(database, 100*time.Millisecond)

	_, unlock, err := l.Lock(context.Background(), roomID)
	require.NoError(t, err)
	defer unlock()

	_, _, err = l.Lock(context.Background(), roomID)
	assert.ErrorIs(t, err, ErrLockTimeout)

	_, _, err = NewLocker(database, 100*time.Millisecond).Lock(context.Background(), roomID)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestAdvisoryLockUsesFullWidthKey(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	roomID := testRoom(t, database)

	_, unlock, err := NewLocker(database, time.Second).Lock(ctx, roomID)
	require.NoError(t, err)
	defer unlock()

	// A bigint advisory key is split over classid (high word) and objid.
	var held bool
	err = database.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory' AND objsubid = 1 AND granted
				AND classid::bigint = ((k.h >> 32) & 4294967295)
				AND objid::bigint = (k.h & 4294967295)
		)
		FROM (SELECT hashtextextended('room:' || $1, 0) AS h) k
	`, roomID).Scan(&held)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestLockedContextRunsOnHoldingConnection(t *testing.T) {
	database := setupTestDBWithPool(t, 1)
	roomID := testRoom(t, database)
	l := NewLocker(database, time.Second)

	locked, unlock, err := l.Lock(context.Background(), roomID)
	require.NoError(t, err)
	defer unlock()

	// the only pooled connection is pinned by the lock
	ctx, cancel := context.WithTimeout(locked, 2*time.Second)
	defer cancel()
	state := database.StateStore()
	require.NoError(t, database.UpsertCollaborator(ctx, roomID, member("u1", "Ann", dbEpoch)))
	require.NoError(t, state.SetContent(ctx, roomID, "x"))
	_, err = state.NextSequence(ctx, roomID)
	require.NoError(t, err)
	empty, err := database.RemoveCollaborator(ctx, roomID, "u1")
	require.NoError(t, err)
	assert.True(t, empty)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, string, interface{}) error { return nil }

func TestConcurrentEditsDoNotStarveThePool(t *testing.T) {
	database := setupTestDBWithPool(t, 2)
	roomID := testRoom(t, database)
	coord := rooms.NewCoordinator(database, database.StateStore(), NewLocker(database, 2*time.Second), nopPublisher{}, rooms.Options{})

	const edits = 3
	var wg sync.WaitGroup
	errs := make([]error, edits)
	for i := 0; i < edits; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coord.UpdateCode(context.Background(), roomID, "u1", "Ann", fmt.Sprint(i))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "edit %d", i)
	}
	seq, err := database.StateStore().NextSequence(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, uint64(edits+1), seq)
}

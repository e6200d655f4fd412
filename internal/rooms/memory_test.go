package rooms

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collab-docs/coderoom/internal/models"
)

func TestMemoryRegistryPreservesInsertionOrder(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, reg.UpsertCollaborator(ctx, "r", models.Collaborator{UserID: id, Username: id, JoinedAt: now, LastSeenAt: now}))
	}
	// rejoin must not move "c"
	require.NoError(t, reg.UpsertCollaborator(ctx, "r", models.Collaborator{UserID: "c", Username: "C", JoinedAt: now.Add(time.Hour), LastSeenAt: now.Add(time.Hour)}))

	list, err := reg.ListCollaborators(ctx, "r")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].UserID)
	assert.Equal(t, "C", list[0].Username)
	assert.Equal(t, now, list[0].JoinedAt)
	assert.Equal(t, now.Add(time.Hour), list[0].LastSeenAt)
	assert.Equal(t, "a", list[1].UserID)
	assert.Equal(t, "b", list[2].UserID)
}

func TestMemoryRegistryRemove(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	_ = reg.UpsertCollaborator(ctx, "r", models.Collaborator{UserID: "u1"})
	_ = reg.UpsertCollaborator(ctx, "r", models.Collaborator{UserID: "u2"})

	empty, err := reg.RemoveCollaborator(ctx, "r", "u1")
	require.NoError(t, err)
	assert.False(t, empty)

	empty, err = reg.RemoveCollaborator(ctx, "r", "u2")
	require.NoError(t, err)
	assert.True(t, empty)

	empty, err = reg.RemoveCollaborator(ctx, "missing", "u2")
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestMemoryRegistryListIsSnapshot(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	_ = reg.UpsertCollaborator(ctx, "r", models.Collaborator{UserID: "u1", Username: "Ann"})

	list, _ := reg.ListCollaborators(ctx, "r")
	list[0].Username = "mutated"

	again, _ := reg.ListCollaborators(ctx, "r")
	assert.Equal(t, "Ann", again[0].Username)

	absent, err := reg.ListCollaborators(ctx, "none")
	require.NoError(t, err)
	assert.NotNil(t, absent)
	assert.Empty(t, absent)
}

func TestMemoryRegistryTouch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = reg.UpsertCollaborator(ctx, "r", models.Collaborator{UserID: "u1"})

	ok, err := reg.Touch(ctx, "r", "u1", at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.Touch(ctx, "r", "u2", at)
	require.NoError(t, err)
	assert.False(t, ok)

	list, _ := reg.ListCollaborators(ctx, "r")
	assert.Len(t, list, 1)
	assert.Equal(t, at, list[0].LastSeenAt)
}

func TestMemoryStateStoreFields(t *testing.T) {
	store := NewMemoryStateStore("python")
	ctx := context.Background()

	doc, err := store.GetDocument(ctx, "r")
	require.NoError(t, err)
	assert.Nil(t, doc)

	require.NoError(t, store.SetContent(ctx, "r", "print(1)"))
	doc, _ = store.GetDocument(ctx, "r")
	assert.Equal(t, "print(1)", doc.Content)
	assert.Equal(t, "python", doc.Language)

	require.NoError(t, store.SetLanguage(ctx, "r", "go"))
	doc, _ = store.GetDocument(ctx, "r")
	assert.Equal(t, "print(1)", doc.Content)
	assert.Equal(t, "go", doc.Language)

	require.NoError(t, store.SetLanguage(ctx, "fresh", "java"))
	doc, _ = store.GetDocument(ctx, "fresh")
	assert.Equal(t, "", doc.Content)
	assert.Equal(t, "java", doc.Language)
}

func TestMemoryStateStoreSequenceAndDelete(t *testing.T) {
	store := NewMemoryStateStore("python")
	ctx := context.Background()

	_ = store.SetContent(ctx, "r", "x")
	for want := uint64(1); want <= 3; want++ {
		seq, err := store.NextSequence(ctx, "r")
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}

	require.NoError(t, store.DeleteRoom(ctx, "r"))
	doc, _ := store.GetDocument(ctx, "r")
	assert.Nil(t, doc)

	seq, _ := store.NextSequence(ctx, "r")
	assert.Equal(t, uint64(1), seq)

	rooms, _ := store.Rooms(ctx)
	assert.Empty(t, rooms)
}

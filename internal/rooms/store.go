package rooms

import (
	"context"
	"time"

	"github.com/collab-docs/coderoom/internal/models"
)

// Registry tracks the collaborators present in each room.
// Implementations must be safe for concurrent use; callers serialize
// mutations of a single room through a Locker.
type Registry interface {
	UpsertCollaborator(ctx context.Context, roomID string, c models.Collaborator) error
	// Touch refreshes LastSeenAt of a present collaborator and reports
	// whether it was present. It never inserts.
	Touch(ctx context.Context, roomID, userID string, at time.Time) (bool, error)
	// RemoveCollaborator reports whether the room is empty afterwards.
	RemoveCollaborator(ctx context.Context, roomID, userID string) (bool, error)
	// ListCollaborators returns collaborators in insertion order.
	ListCollaborators(ctx context.Context, roomID string) ([]models.Collaborator, error)
	DeleteRoom(ctx context.Context, roomID string) error
	Rooms(ctx context.Context) ([]string, error)
}

// StateStore holds the shared document of each room.
type StateStore interface {
	// GetDocument returns nil when the room has no document.
	GetDocument(ctx context.Context, roomID string) (*models.Document, error)
	SetContent(ctx context.Context, roomID, content string) error
	SetLanguage(ctx context.Context, roomID, language string) error
	// NextSequence returns the next broadcast sequence number for a room,
	// starting at 1.
	NextSequence(ctx context.Context, roomID string) (uint64, error)
	DeleteRoom(ctx context.Context, roomID string) error
	Rooms(ctx context.Context) ([]string, error)
}

// Locker serializes mutations of a single room. Store calls inside the
// critical section must use the returned context; a backend may bind the
// connection that holds the lock to it.
type Locker interface {
	Lock(ctx context.Context, roomID string) (locked context.Context, unlock func(), err error)
}

// Publisher pushes an event to every subscriber of a fan-out channel.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload interface{}) error
}

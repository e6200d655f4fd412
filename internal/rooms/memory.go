package rooms

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/collab-docs/coderoom/internal/models"
)

// MemoryRegistry is a process-local Registry
type MemoryRegistry struct {
	mu    sync.RWMutex
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	order   []string
	members map[string]*models.Collaborator
}

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{rooms: make(map[string]*memoryRoom)}
}

// UpsertCollaborator inserts a collaborator or refreshes an existing one.
// A rejoin keeps its position and JoinedAt.
func (r *MemoryRegistry) UpsertCollaborator(_ context.Context, roomID string, c models.Collaborator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		room = &memoryRoom{members: make(map[string]*models.Collaborator)}
		r.rooms[roomID] = room
	}

	if existing, ok := room.members[c.UserID]; ok {
		if c.Username != "" {
			existing.Username = c.Username
		}
		existing.LastSeenAt = c.LastSeenAt
		return nil
	}

	entry := c
	room.members[c.UserID] = &entry
	room.order = append(room.order, c.UserID)
	return nil
}

// Touch refreshes a present collaborator's LastSeenAt
func (r *MemoryRegistry) Touch(_ context.Context, roomID, userID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return false, nil
	}
	c, ok := room.members[userID]
	if !ok {
		return false, nil
	}
	c.LastSeenAt = at
	return true, nil
}

// RemoveCollaborator removes a collaborator and reports whether the room is empty
func (r *MemoryRegistry) RemoveCollaborator(_ context.Context, roomID, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return true, nil
	}
	if _, ok := room.members[userID]; ok {
		delete(room.members, userID)
		for i, id := range room.order {
			if id == userID {
				room.order = append(room.order[:i], room.order[i+1:]...)
				break
			}
		}
	}
	return len(room.members) == 0, nil
}

// ListCollaborators returns a snapshot in insertion order
func (r *MemoryRegistry) ListCollaborators(_ context.Context, roomID string) ([]models.Collaborator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return []models.Collaborator{}, nil
	}
	out := make([]models.Collaborator, 0, len(room.order))
	for _, id := range room.order {
		out = append(out, *room.members[id])
	}
	return out, nil
}

// DeleteRoom removes all registry state for a room
func (r *MemoryRegistry) DeleteRoom(_ context.Context, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, roomID)
	return nil
}

// Rooms returns the known room ids, sorted
func (r *MemoryRegistry) Rooms(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.rooms), nil
}

// MemoryStateStore is a process-local StateStore
type MemoryStateStore struct {
	mu              sync.RWMutex
	docs            map[string]*models.Document
	seqs            map[string]uint64
	defaultLanguage string
	now             func() time.Time
}

// NewMemoryStateStore creates an empty store. Documents created by
// SetContent start with defaultLanguage.
func NewMemoryStateStore(defaultLanguage string) *MemoryStateStore {
	return &MemoryStateStore{
		docs:            make(map[string]*models.Document),
		seqs:            make(map[string]uint64),
		defaultLanguage: defaultLanguage,
		now:             time.Now,
	}
}

// GetDocument returns a copy of the room's document, or nil
func (s *MemoryStateStore) GetDocument(_ context.Context, roomID string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[roomID]
	if !ok {
		return nil, nil
	}
	cp := *doc
	return &cp, nil
}

// SetContent overwrites the content, creating the document if needed
func (s *MemoryStateStore) SetContent(_ context.Context, roomID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.document(roomID)
	doc.Content = content
	doc.UpdatedAt = s.now()
	return nil
}

// SetLanguage overwrites the language, creating the document if needed
func (s *MemoryStateStore) SetLanguage(_ context.Context, roomID, language string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.document(roomID)
	doc.Language = language
	doc.UpdatedAt = s.now()
	return nil
}

// document must be called with s.mu held
func (s *MemoryStateStore) document(roomID string) *models.Document {
	doc, ok := s.docs[roomID]
	if !ok {
		doc = &models.Document{Language: s.defaultLanguage}
		s.docs[roomID] = doc
	}
	return doc
}

// NextSequence increments and returns the room's sequence counter
func (s *MemoryStateStore) NextSequence(_ context.Context, roomID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[roomID]++
	return s.seqs[roomID], nil
}

// DeleteRoom removes the document and sequence counter
func (s *MemoryStateStore) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, roomID)
	delete(s.seqs, roomID)
	return nil
}

// Rooms returns the ids of rooms holding a document, sorted
func (s *MemoryStateStore) Rooms(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.docs), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

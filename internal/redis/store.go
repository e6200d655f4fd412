package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/collab-docs/coderoom/internal/models"
)

// Store keeps room rosters and documents in Redis so several control-plane
// instances share one view. It implements rooms.Registry and
// rooms.StateStore; the registry and state halves use disjoint keys.
type Store struct {
	client          *redis.Client
	keyPrefix       string
	defaultLanguage string
	now             func() time.Time
}

// NewStore creates a Redis-backed store
func NewStore(client *redis.Client, keyPrefix, defaultLanguage string) *Store {
	if client == nil {
		panic("redis client cannot be nil for Store")
	}
	if keyPrefix == "" {
		keyPrefix = "coderoom:"
	}
	return &Store{
		client:          client,
		keyPrefix:       keyPrefix,
		defaultLanguage: defaultLanguage,
		now:             time.Now,
	}
}

func (s *Store) roomsKey() string { return s.keyPrefix + "rooms" }

func (s *Store) docsKey() string { return s.keyPrefix + "docs" }

func (s *Store) membersKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:members", s.keyPrefix, roomID)
}

func (s *Store) collabKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:collab", s.keyPrefix, roomID)
}

func (s *Store) orderKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:order", s.keyPrefix, roomID)
}

func (s *Store) docKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:doc", s.keyPrefix, roomID)
}

func (s *Store) seqKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:seq", s.keyPrefix, roomID)
}

func (s *Store) lockKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:lock", s.keyPrefix, roomID)
}

func (s *Store) lockQueueKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:lock:queue", s.keyPrefix, roomID)
}

func (s *Store) lockTicketKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:lock:ticket", s.keyPrefix, roomID)
}

// lockWaiterPrefix is suffixed with a waiter token
func (s *Store) lockWaiterPrefix(roomID string) string {
	return fmt.Sprintf("%sroom:%s:lock:waiter:", s.keyPrefix, roomID)
}

// UpsertCollaborator inserts or refreshes a collaborator. New members are
// scored by a per-room counter so ZRANGE yields insertion order.
func (s *Store) UpsertCollaborator(ctx context.Context, roomID string, c models.Collaborator) error {
	existing, err := s.getCollaborator(ctx, roomID, c.UserID)
	if err != nil {
		return err
	}

	if existing != nil {
		if c.Username != "" {
			existing.Username = c.Username
		}
		existing.LastSeenAt = c.LastSeenAt
		return s.putCollaborator(ctx, roomID, existing)
	}

	order, err := s.client.Incr(ctx, s.orderKey(roomID)).Result()
	if err != nil {
		return fmt.Errorf("redis: failed to allocate position in room %s: %w", roomID, err)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.collabKey(roomID), c.UserID, data)
		pipe.ZAddNX(ctx, s.membersKey(roomID), &redis.Z{Score: float64(order), Member: c.UserID})
		pipe.SAdd(ctx, s.roomsKey(), roomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: failed to add collaborator %s to room %s: %w", c.UserID, roomID, err)
	}
	return nil
}

// Touch refreshes LastSeenAt of a present collaborator
func (s *Store) Touch(ctx context.Context, roomID, userID string, at time.Time) (bool, error) {
	existing, err := s.getCollaborator(ctx, roomID, userID)
	if err != nil || existing == nil {
		return false, err
	}
	existing.LastSeenAt = at
	if err := s.putCollaborator(ctx, roomID, existing); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveCollaborator removes a collaborator and reports whether the room is empty
func (s *Store) RemoveCollaborator(ctx context.Context, roomID, userID string) (bool, error) {
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.membersKey(roomID), userID)
		pipe.HDel(ctx, s.collabKey(roomID), userID)
		card = pipe.ZCard(ctx, s.membersKey(roomID))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis: failed to remove collaborator %s from room %s: %w", userID, roomID, err)
	}
	return card.Val() == 0, nil
}

// ListCollaborators returns collaborators in insertion order
func (s *Store) ListCollaborators(ctx context.Context, roomID string) ([]models.Collaborator, error) {
	ids, err := s.client.ZRange(ctx, s.membersKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to list members of room %s: %w", roomID, err)
	}
	out := make([]models.Collaborator, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	values, err := s.client.HMGet(ctx, s.collabKey(roomID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to load collaborators of room %s: %w", roomID, err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var c models.Collaborator
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("redis: corrupt collaborator %s in room %s: %w", ids[i], roomID, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteRoom removes all registry keys of a room
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.membersKey(roomID), s.collabKey(roomID), s.orderKey(roomID))
		pipe.SRem(ctx, s.roomsKey(), roomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: failed to delete room %s: %w", roomID, err)
	}
	return nil
}

// Rooms returns rooms with a roster, sorted
func (s *Store) Rooms(ctx context.Context) ([]string, error) {
	return s.members(ctx, s.roomsKey())
}

func (s *Store) getCollaborator(ctx context.Context, roomID, userID string) (*models.Collaborator, error) {
	raw, err := s.client.HGet(ctx, s.collabKey(roomID), userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get collaborator %s in room %s: %w", userID, roomID, err)
	}
	var c models.Collaborator
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("redis: corrupt collaborator %s in room %s: %w", userID, roomID, err)
	}
	return &c, nil
}

func (s *Store) putCollaborator(ctx context.Context, roomID string, c *models.Collaborator) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.collabKey(roomID), c.UserID, data).Err(); err != nil {
		return fmt.Errorf("redis: failed to update collaborator %s in room %s: %w", c.UserID, roomID, err)
	}
	return nil
}

func (s *Store) members(ctx context.Context, key string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to read %s: %w", key, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// StateStore returns the document half of the store
func (s *Store) StateStore() *StateStore {
	return &StateStore{s}
}

// StateStore is the rooms.StateStore view of a Store
type StateStore struct {
	*Store
}

const (
	fieldContent   = "content"
	fieldLanguage  = "language"
	fieldUpdatedAt = "updatedAt"
)

// GetDocument returns the room's document, or nil
func (s *StateStore) GetDocument(ctx context.Context, roomID string) (*models.Document, error) {
	fields, err := s.client.HGetAll(ctx, s.docKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get document of room %s: %w", roomID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	doc := &models.Document{
		Content:  fields[fieldContent],
		Language: fields[fieldLanguage],
	}
	if ts := fields[fieldUpdatedAt]; ts != "" {
		doc.UpdatedAt, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("redis: corrupt updatedAt in room %s: %w", roomID, err)
		}
	}
	return doc, nil
}

// SetContent overwrites the content, creating the document with the
// default language if needed
func (s *StateStore) SetContent(ctx context.Context, roomID, content string) error {
	return s.setField(ctx, roomID, fieldContent, content, fieldLanguage, s.defaultLanguage)
}

// SetLanguage overwrites the language, creating the document with empty
// content if needed
func (s *StateStore) SetLanguage(ctx context.Context, roomID, language string) error {
	return s.setField(ctx, roomID, fieldLanguage, language, fieldContent, "")
}

func (s *StateStore) setField(ctx context.Context, roomID, field, value, otherField, otherDefault string) error {
	key := s.docKey(roomID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, otherField, otherDefault)
		pipe.HSet(ctx, key, field, value, fieldUpdatedAt, s.now().UTC().Format(time.RFC3339Nano))
		pipe.SAdd(ctx, s.docsKey(), roomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: failed to set %s of room %s: %w", field, roomID, err)
	}
	return nil
}

// NextSequence increments the room's sequence counter
func (s *StateStore) NextSequence(ctx context.Context, roomID string) (uint64, error) {
	seq, err := s.client.Incr(ctx, s.seqKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to increment sequence of room %s: %w", roomID, err)
	}
	return uint64(seq), nil
}

// DeleteRoom removes the document and sequence counter
func (s *StateStore) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.docKey(roomID), s.seqKey(roomID))
		pipe.SRem(ctx, s.docsKey(), roomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: failed to delete state of room %s: %w", roomID, err)
	}
	return nil
}

// Rooms returns rooms holding a document, sorted
func (s *StateStore) Rooms(ctx context.Context) ([]string, error) {
	return s.members(ctx, s.docsKey())
}

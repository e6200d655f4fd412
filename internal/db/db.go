package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collab-docs/coderoom/internal/models"
)

// DB wraps the database connection pool. It implements rooms.Registry;
// StateStore returns the document half.
type DB struct {
	pool            *pgxpool.Pool
	defaultLanguage string
	now             func() time.Time
}

// New creates a new database connection
func New(ctx context.Context, dbURL, defaultLanguage string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool, defaultLanguage: defaultLanguage, now: time.Now}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	db.pool.Close()
}

// querier is satisfied by the pool and by a single pooled connection
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// q runs on the connection holding the room lock when ctx comes from
// Locker.Lock, and on the pool otherwise.
func (db *DB) q(ctx context.Context) querier {
	if conn, ok := lockedConn(ctx); ok {
		return conn
	}
	return db.pool
}

const schema = `
CREATE TABLE IF NOT EXISTS room_collaborators (
	room_id      TEXT        NOT NULL,
	user_id      TEXT        NOT NULL,
	username     TEXT        NOT NULL DEFAULT '',
	position     BIGSERIAL,
	joined_at    TIMESTAMPTZ NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS room_documents (
	room_id    TEXT        PRIMARY KEY,
	content    TEXT        NOT NULL DEFAULT '',
	language   TEXT        NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS room_sequences (
	room_id TEXT   PRIMARY KEY,
	seq     BIGINT NOT NULL
);
`

// Migrate creates the room tables if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Collaborator operations

// UpsertCollaborator inserts a collaborator or refreshes an existing one,
// keeping its position and join time
func (db *DB) UpsertCollaborator(ctx context.Context, roomID string, c models.Collaborator) error {
	_, err := db.q(ctx).Exec(ctx, `
		INSERT INTO room_collaborators (room_id, user_id, username, joined_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			username = CASE WHEN EXCLUDED.username = '' THEN room_collaborators.username ELSE EXCLUDED.username END,
			last_seen_at = EXCLUDED.last_seen_at
	`, roomID, c.UserID, c.Username, c.JoinedAt, c.LastSeenAt)
	return err
}

// Touch refreshes last_seen_at of a present collaborator
func (db *DB) Touch(ctx context.Context, roomID, userID string, at time.Time) (bool, error) {
	tag, err := db.q(ctx).Exec(ctx, `
		UPDATE room_collaborators SET last_seen_at = $3
		WHERE room_id = $1 AND user_id = $2
	`, roomID, userID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RemoveCollaborator removes a collaborator and reports whether the room is empty
func (db *DB) RemoveCollaborator(ctx context.Context, roomID, userID string) (bool, error) {
	var remaining bool
	err := pgx.BeginFunc(ctx, db.q(ctx), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM room_collaborators WHERE room_id = $1 AND user_id = $2
		`, roomID, userID); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM room_collaborators WHERE room_id = $1)
		`, roomID).Scan(&remaining)
	})
	if err != nil {
		return false, err
	}
	return !remaining, nil
}

// ListCollaborators returns collaborators in insertion order
func (db *DB) ListCollaborators(ctx context.Context, roomID string) ([]models.Collaborator, error) {
	rows, err := db.q(ctx).Query(ctx, `
		SELECT user_id, username, joined_at, last_seen_at
		FROM room_collaborators
		WHERE room_id = $1
		ORDER BY position
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	collaborators := []models.Collaborator{}
	for rows.Next() {
		var c models.Collaborator
		if err := rows.Scan(&c.UserID, &c.Username, &c.JoinedAt, &c.LastSeenAt); err != nil {
			return nil, err
		}
		collaborators = append(collaborators, c)
	}
	return collaborators, rows.Err()
}

// DeleteRoom removes the roster of a room
func (db *DB) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := db.q(ctx).Exec(ctx, `DELETE FROM room_collaborators WHERE room_id = $1`, roomID)
	return err
}

// Rooms returns rooms with a roster, sorted
func (db *DB) Rooms(ctx context.Context) ([]string, error) {
	return db.roomIDs(ctx, `SELECT DISTINCT room_id FROM room_collaborators ORDER BY room_id`)
}

func (db *DB) roomIDs(ctx context.Context, query string) ([]string, error) {
	rows, err := db.q(ctx).Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Document operations

// StateStore returns the document half of the database
func (db *DB) StateStore() *StateStore {
	return &StateStore{db}
}

// StateStore is the rooms.StateStore view of a DB
type StateStore struct {
	*DB
}

// GetDocument retrieves the document of a room
func (s *StateStore) GetDocument(ctx context.Context, roomID string) (*models.Document, error) {
	var doc models.Document
	err := s.q(ctx).QueryRow(ctx, `
		SELECT content, language, updated_at
		FROM room_documents WHERE room_id = $1
	`, roomID).Scan(&doc.Content, &doc.Language, &doc.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// SetContent overwrites the content, creating the document with the
// default language if needed
func (s *StateStore) SetContent(ctx context.Context, roomID, content string) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO room_documents (room_id, content, language, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id) DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at
	`, roomID, content, s.defaultLanguage, s.now())
	return err
}

// SetLanguage overwrites the language, creating the document with empty
// content if needed
func (s *StateStore) SetLanguage(ctx context.Context, roomID, language string) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO room_documents (room_id, content, language, updated_at)
		VALUES ($1, '', $2, $3)
		ON CONFLICT (room_id) DO UPDATE SET language = EXCLUDED.language, updated_at = EXCLUDED.updated_at
	`, roomID, language, s.now())
	return err
}

// NextSequence increments the room's sequence counter
func (s *StateStore) NextSequence(ctx context.Context, roomID string) (uint64, error) {
	var seq int64
	err := s.q(ctx).QueryRow(ctx, `
		INSERT INTO room_sequences (room_id, seq) VALUES ($1, 1)
		ON CONFLICT (room_id) DO UPDATE SET seq = room_sequences.seq + 1
		RETURNING seq
	`, roomID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

// DeleteRoom removes the document and sequence counter of a room
func (s *StateStore) DeleteRoom(ctx context.Context, roomID string) error {
	return pgx.BeginFunc(ctx, s.q(ctx), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM room_documents WHERE room_id = $1`, roomID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM room_sequences WHERE room_id = $1`, roomID)
		return err
	})
}

// Rooms returns rooms holding a document, sorted
func (s *StateStore) Rooms(ctx context.Context) ([]string, error) {
	return s.roomIDs(ctx, `SELECT room_id FROM room_documents ORDER BY room_id`)
}

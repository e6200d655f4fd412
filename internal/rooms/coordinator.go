package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/collab-docs/coderoom/internal/logger"
	"github.com/collab-docs/coderoom/internal/metrics"
	"github.com/collab-docs/coderoom/internal/models"
)

// Options tunes a Coordinator
type Options struct {
	// PresenceTTL is how long a collaborator may go without an event
	// before the sweep evicts it.
	PresenceTTL time.Duration
	// PublishTimeout bounds each publish call.
	PublishTimeout time.Duration
	Now            func() time.Time
}

// Coordinator applies room events to the registry and state store and
// broadcasts the results. It is the only writer of both stores.
//
// Concurrent codeUpdate events resolve last-writer-wins in the order they
// acquire the room lock; there is no merge of concurrent edits. Every
// broadcast carries a per-room sequence number so receivers can drop
// duplicate or reordered deliveries.
type Coordinator struct {
	registry       Registry
	state          StateStore
	locker         Locker
	publisher      Publisher
	presenceTTL    time.Duration
	publishTimeout time.Duration
	now            func() time.Time
}

// Result describes a handled event
type Result struct {
	// Seq is the sequence number of the last broadcast, zero if none.
	Seq        uint64
	Broadcasts int
}

// SweepReport summarizes one presence sweep
type SweepReport struct {
	Rooms   int
	Evicted int
	Closed  int
}

type outgoing struct {
	event   string
	payload interface{}
	seq     uint64
}

// NewCoordinator wires a coordinator from its collaborators
func NewCoordinator(registry Registry, state StateStore, locker Locker, publisher Publisher, opts Options) *Coordinator {
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 45 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		registry:       registry,
		state:          state,
		locker:         locker,
		publisher:      publisher,
		presenceTTL:    opts.PresenceTTL,
		publishTimeout: opts.PublishTimeout,
		now:            opts.Now,
	}
}

// Handle validates and dispatches a room event. A *DeliveryError is
// returned together with a valid Result when the mutation committed but a
// broadcast failed. Events for one room apply in arrival order; a caller
// whose ctx ends while queued gives up its turn and nothing is applied.
func (c *Coordinator) Handle(ctx context.Context, ev models.Event) (Result, error) {
	if strings.TrimSpace(ev.RoomID) == "" {
		metrics.RoomEvent(string(ev.Kind), "invalid")
		return Result{}, ErrRoomIDRequired
	}

	var (
		res Result
		err error
	)
	switch ev.Kind {
	case models.EventJoin:
		res, err = c.Join(ctx, ev.RoomID, ev.UserID, ev.Username)
	case models.EventLeave:
		res, err = c.Leave(ctx, ev.RoomID, ev.UserID)
	case models.EventCodeUpdate:
		res, err = c.UpdateCode(ctx, ev.RoomID, ev.UserID, ev.Username, ev.Data)
	case models.EventLanguageChange:
		res, err = c.ChangeLanguage(ctx, ev.RoomID, ev.UserID, ev.Username, ev.Data)
	case models.EventHeartbeat:
		res, err = c.Heartbeat(ctx, ev.RoomID, ev.UserID)
	default:
		metrics.RoomEvent("unknown", "invalid")
		return Result{}, ErrUnknownEvent
	}

	metrics.RoomEvent(string(ev.Kind), outcome(err))
	return res, err
}

func outcome(err error) string {
	var derr *DeliveryError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &derr):
		return "degraded"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}

// Join adds or refreshes a collaborator. The roster is always broadcast;
// the document is broadcast as roomState only if it existed before the
// join, so the joiner can catch up.
func (c *Coordinator) Join(ctx context.Context, roomID, userID, username string) (Result, error) {
	if userID == "" {
		return Result{}, ErrUserIDRequired
	}

	return c.mutate(ctx, roomID, func(ctx context.Context, now time.Time) ([]outgoing, error) {
		doc, err := c.state.GetDocument(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("get document: %w", err)
		}

		if err := c.registry.UpsertCollaborator(ctx, roomID, models.Collaborator{
			UserID:     userID,
			Username:   username,
			JoinedAt:   now,
			LastSeenAt: now,
		}); err != nil {
			return nil, fmt.Errorf("upsert collaborator: %w", err)
		}

		if doc == nil {
			if err := c.state.SetContent(ctx, roomID, ""); err != nil {
				return nil, fmt.Errorf("create document: %w", err)
			}
		}

		roster, err := c.rosterMessage(ctx, roomID, now)
		if err != nil {
			return nil, err
		}
		out := []outgoing{roster}

		if doc != nil {
			seq, err := c.state.NextSequence(ctx, roomID)
			if err != nil {
				return nil, fmt.Errorf("next sequence: %w", err)
			}
			out = append(out, outgoing{
				event: models.BroadcastRoomState,
				seq:   seq,
				payload: models.RoomStatePayload{
					Content:   doc.Content,
					Language:  doc.Language,
					Seq:       seq,
					Timestamp: now,
				},
			})
		}

		logger.Debug("Collaborator %s joined room %s", userID, roomID)
		return out, nil
	})
}

// Leave removes a collaborator. Leaving a room one is not present in is a
// no-op. When the last collaborator leaves, the room is torn down without
// a broadcast.
func (c *Coordinator) Leave(ctx context.Context, roomID, userID string) (Result, error) {
	return c.mutate(ctx, roomID, func(ctx context.Context, now time.Time) ([]outgoing, error) {
		present, err := c.isPresent(ctx, roomID, userID)
		if err != nil {
			return nil, err
		}
		if !present {
			return nil, nil
		}

		empty, err := c.registry.RemoveCollaborator(ctx, roomID, userID)
		if err != nil {
			return nil, fmt.Errorf("remove collaborator: %w", err)
		}
		logger.Debug("Collaborator %s left room %s", userID, roomID)

		if empty {
			if err := c.teardown(ctx, roomID); err != nil {
				return nil, err
			}
			metrics.RoomClosed("leave")
			return nil, nil
		}

		roster, err := c.rosterMessage(ctx, roomID, now)
		if err != nil {
			return nil, err
		}
		return []outgoing{roster}, nil
	})
}

// UpdateCode replaces the document content wholesale
func (c *Coordinator) UpdateCode(ctx context.Context, roomID, userID, username, content string) (Result, error) {
	return c.mutate(ctx, roomID, func(ctx context.Context, now time.Time) ([]outgoing, error) {
		if err := c.state.SetContent(ctx, roomID, content); err != nil {
			return nil, fmt.Errorf("set content: %w", err)
		}
		if err := c.touch(ctx, roomID, userID, now); err != nil {
			return nil, err
		}
		seq, err := c.state.NextSequence(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("next sequence: %w", err)
		}
		return []outgoing{{
			event: models.BroadcastCodeUpdate,
			seq:   seq,
			payload: models.CodeUpdatePayload{
				UserID:    userID,
				Username:  username,
				Content:   content,
				Seq:       seq,
				Timestamp: now,
			},
		}}, nil
	})
}

// ChangeLanguage replaces the document language
func (c *Coordinator) ChangeLanguage(ctx context.Context, roomID, userID, username, language string) (Result, error) {
	return c.mutate(ctx, roomID, func(ctx context.Context, now time.Time) ([]outgoing, error) {
		if err := c.state.SetLanguage(ctx, roomID, language); err != nil {
			return nil, fmt.Errorf("set language: %w", err)
		}
		if err := c.touch(ctx, roomID, userID, now); err != nil {
			return nil, err
		}
		seq, err := c.state.NextSequence(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("next sequence: %w", err)
		}
		return []outgoing{{
			event: models.BroadcastLanguageChange,
			seq:   seq,
			payload: models.LanguageChangePayload{
				UserID:    userID,
				Username:  username,
				Language:  language,
				Seq:       seq,
				Timestamp: now,
			},
		}}, nil
	})
}

// Heartbeat refreshes a present collaborator without broadcasting
func (c *Coordinator) Heartbeat(ctx context.Context, roomID, userID string) (Result, error) {
	return c.mutate(ctx, roomID, func(ctx context.Context, now time.Time) ([]outgoing, error) {
		return nil, c.touch(ctx, roomID, userID, now)
	})
}

// Collaborators returns the current roster, empty for an unknown room
func (c *Coordinator) Collaborators(ctx context.Context, roomID string) ([]models.Collaborator, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, ErrRoomIDRequired
	}
	return c.registry.ListCollaborators(ctx, roomID)
}

// Document returns the room's document, nil for an unknown room
func (c *Coordinator) Document(ctx context.Context, roomID string) (*models.Document, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, ErrRoomIDRequired
	}
	return c.state.GetDocument(ctx, roomID)
}

// Sweep evicts collaborators whose LastSeenAt is older than the presence
// TTL, as if each had sent leave. Rooms left empty are torn down; other
// affected rooms get a roster broadcast. Documents of rooms without
// collaborators are dropped once they are older than the TTL.
func (c *Coordinator) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	ids, err := c.knownRooms(ctx)
	if err != nil {
		return SweepReport{}, err
	}

	report := SweepReport{Rooms: len(ids)}
	var errs []error
	for _, roomID := range ids {
		evicted, closed, err := c.sweepRoom(ctx, roomID, now)
		report.Evicted += evicted
		if closed {
			report.Closed++
		}
		if err != nil {
			var derr *DeliveryError
			if errors.As(err, &derr) {
				logger.Warn("Sweep broadcast failed for room %s: %v", roomID, err)
				continue
			}
			errs = append(errs, fmt.Errorf("room %s: %w", roomID, err))
		}
	}
	metrics.Evicted(report.Evicted)

	return report, errors.Join(errs...)
}

func (c *Coordinator) sweepRoom(ctx context.Context, roomID string, now time.Time) (evicted int, closed bool, err error) {
	cutoff := now.Add(-c.presenceTTL)

	_, err = c.mutateAt(ctx, roomID, now, func(ctx context.Context, now time.Time) ([]outgoing, error) {
		collaborators, err := c.registry.ListCollaborators(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("list collaborators: %w", err)
		}

		if len(collaborators) == 0 {
			doc, err := c.state.GetDocument(ctx, roomID)
			if err != nil {
				return nil, fmt.Errorf("get document: %w", err)
			}
			if doc != nil && doc.UpdatedAt.Before(cutoff) {
				if err := c.teardown(ctx, roomID); err != nil {
					return nil, err
				}
				closed = true
				metrics.RoomClosed("orphaned")
			}
			return nil, nil
		}

		empty := false
		for _, collab := range collaborators {
			if !collab.LastSeenAt.Before(cutoff) {
				continue
			}
			empty, err = c.registry.RemoveCollaborator(ctx, roomID, collab.UserID)
			if err != nil {
				return nil, fmt.Errorf("remove collaborator: %w", err)
			}
			evicted++
			logger.Info("Evicted stale collaborator %s from room %s (last seen %s)",
				collab.UserID, roomID, collab.LastSeenAt.Format(time.RFC3339))
		}

		if evicted == 0 {
			return nil, nil
		}
		if empty {
			if err := c.teardown(ctx, roomID); err != nil {
				return nil, err
			}
			closed = true
			metrics.RoomClosed("expired")
			return nil, nil
		}

		roster, err := c.rosterMessage(ctx, roomID, now)
		if err != nil {
			return nil, err
		}
		return []outgoing{roster}, nil
	})
	return evicted, closed, err
}

func (c *Coordinator) knownRooms(ctx context.Context) ([]string, error) {
	fromRegistry, err := c.registry.Rooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list registry rooms: %w", err)
	}
	fromState, err := c.state.Rooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list state rooms: %w", err)
	}

	seen := make(map[string]bool, len(fromRegistry)+len(fromState))
	ids := make([]string, 0, len(fromRegistry)+len(fromState))
	for _, id := range append(fromRegistry, fromState...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (c *Coordinator) mutate(ctx context.Context, roomID string, fn func(ctx context.Context, now time.Time) ([]outgoing, error)) (Result, error) {
	return c.mutateAt(ctx, roomID, time.Time{}, fn)
}

// mutateAt runs fn inside the room's critical section, then publishes
// what it produced after the lock is released. A zero at means now.
func (c *Coordinator) mutateAt(ctx context.Context, roomID string, at time.Time, fn func(ctx context.Context, now time.Time) ([]outgoing, error)) (Result, error) {
	locked, unlock, err := c.locker.Lock(ctx, roomID)
	if err != nil {
		return Result{}, fmt.Errorf("lock room %s: %w", roomID, err)
	}
	if at.IsZero() {
		at = c.now()
	}
	out, err := fn(locked, at)
	unlock()
	if err != nil {
		return Result{}, err
	}

	return c.publish(ctx, roomID, out)
}

func (c *Coordinator) publish(ctx context.Context, roomID string, out []outgoing) (Result, error) {
	var (
		res      Result
		firstErr error
	)
	channel := models.RoomChannel(roomID)

	for _, msg := range out {
		res.Seq = msg.seq
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.publishTimeout)
		err := c.publisher.Publish(pubCtx, channel, msg.event, msg.payload)
		cancel()
		metrics.Broadcast(msg.event, err)

		if err != nil {
			logger.Warn("Failed to publish %s to %s: %v", msg.event, channel, err)
			if firstErr == nil {
				firstErr = &DeliveryError{Channel: channel, Event: msg.event, Err: err}
			}
			continue
		}
		res.Broadcasts++
	}
	return res, firstErr
}

func (c *Coordinator) rosterMessage(ctx context.Context, roomID string, now time.Time) (outgoing, error) {
	collaborators, err := c.registry.ListCollaborators(ctx, roomID)
	if err != nil {
		return outgoing{}, fmt.Errorf("list collaborators: %w", err)
	}
	seq, err := c.state.NextSequence(ctx, roomID)
	if err != nil {
		return outgoing{}, fmt.Errorf("next sequence: %w", err)
	}
	return outgoing{
		event: models.BroadcastCollaborators,
		seq:   seq,
		payload: models.CollaboratorsPayload{
			Collaborators: models.Roster(collaborators),
			Seq:           seq,
			Timestamp:     now,
		},
	}, nil
}

func (c *Coordinator) isPresent(ctx context.Context, roomID, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	collaborators, err := c.registry.ListCollaborators(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("list collaborators: %w", err)
	}
	for _, collab := range collaborators {
		if collab.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (c *Coordinator) touch(ctx context.Context, roomID, userID string, now time.Time) error {
	if userID == "" {
		return nil
	}
	if _, err := c.registry.Touch(ctx, roomID, userID, now); err != nil {
		return fmt.Errorf("touch collaborator: %w", err)
	}
	return nil
}

func (c *Coordinator) teardown(ctx context.Context, roomID string) error {
	if err := c.registry.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("delete registry room: %w", err)
	}
	if err := c.state.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("delete room state: %w", err)
	}
	logger.Info("Room %s closed", roomID)
	return nil
}

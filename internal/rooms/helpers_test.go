package rooms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/collab-docs/coderoom/internal/models"
)

type published struct {
	Channel string
	Event   string
	Payload interface{}
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, channel, event string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{Channel: channel, Event: event, Payload: payload})
	return nil
}

func (p *recordingPublisher) list() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]published, len(p.msgs))
	copy(out, p.msgs)
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	p.msgs = nil
	p.mu.Unlock()
}

func (p *recordingPublisher) failWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testRig struct {
	coord     *Coordinator
	registry  *MemoryRegistry
	state     *MemoryStateStore
	publisher *recordingPublisher
	clock     *fakeClock
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	clock := newFakeClock()
	registry := NewMemoryRegistry()
	state := NewMemoryStateStore("javascript")
	state.now = clock.Now
	publisher := &recordingPublisher{}
	coord := NewCoordinator(registry, state, NewKeyedLocker(), publisher, Options{
		PresenceTTL:    30 * time.Second,
		PublishTimeout: time.Second,
		Now:            clock.Now,
	})
	return &testRig{coord: coord, registry: registry, state: state, publisher: publisher, clock: clock}
}

func event(kind models.EventKind, room, user, name, data string) models.Event {
	return models.Event{Kind: kind, RoomID: room, UserID: user, Username: name, Data: data}
}

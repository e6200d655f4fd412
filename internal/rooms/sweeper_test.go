package rooms

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSweeperRunEvictsAndStops(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, _ = rig.coord.Join(ctx, "r1", "u1", "Ann")
	rig.clock.Advance(time.Minute)

	sweeper := NewSweeper(rig.coord, 10*time.Millisecond)
	sweeper.now = rig.clock.Now

	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		rooms, _ := rig.registry.Rooms(context.Background())
		return len(rooms) == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestNewSweeperDefaultsInterval(t *testing.T) {
	s := NewSweeper(nil, 0)
	assert.Equal(t, 15*time.Second, s.interval)
}

package broadcast

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-guard/internal/models"
)

func snapshot(id string, seq uint64) Event {
	return StateEvent(&models.VehicleState{VehicleID: id, Sequence: seq})
}

func alert(id, alertID string) Event {
	return AlertEvent(&models.AlertEvent{ID: alertID, VehicleID: id, Type: models.AlertEmergency})
}

func drain(t *testing.T, s *Session, n int) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out := make([]Event, 0, n)
	for len(out) < n {
		ev, err := s.Next(ctx)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestPublish_ScopedDelivery(t *testing.T) {
	b := NewBroadcaster(Config{QueueSize: 8}, nil)
	fleet := b.Subscribe(Scope{VehicleIDs: []string{"V1"}})
	admin := b.Subscribe(Scope{All: true})

	b.Publish(snapshot("V1", 1))
	b.Publish(snapshot("V2", 1))

	assert.Equal(t, 1, fleet.Pending())
	assert.Equal(t, 2, admin.Pending())

	ev := drain(t, fleet, 1)[0]
	assert.Equal(t, "V1", ev.VehicleID)
	assert.False(t, ev.PublishedAt.IsZero())
}

func TestSubscribe_NoBackfill(t *testing.T) {
	b := NewBroadcaster(Config{QueueSize: 8}, nil)
	b.Publish(snapshot("V1", 1))

	s := b.Subscribe(Scope{All: true})
	assert.Equal(t, 0, s.Pending())

	b.Publish(snapshot("V1", 2))
	ev := drain(t, s, 1)[0]
	assert.Equal(t, uint64(2), ev.State.Sequence)
}

func TestPublish_PerVehicleOrderUnderConcurrency(t *testing.T) {
	const vehicles, perVehicle = 8, 200
	b := NewBroadcaster(Config{QueueSize: vehicles * perVehicle}, nil)
	s := b.Subscribe(Scope{All: true})

	var wg sync.WaitGroup
	for v := 0; v < vehicles; v++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			id := fmt.Sprintf("V%d", v)
			for seq := uint64(1); seq <= perVehicle; seq++ {
				b.Publish(snapshot(id, seq))
			}
		}(v)
	}
	wg.Wait()

	last := map[string]uint64{}
	for _, ev := range drain(t, s, vehicles*perVehicle) {
		assert.Greater(t, ev.State.Sequence, last[ev.VehicleID])
		last[ev.VehicleID] = ev.State.Sequence
	}
	for v := 0; v < vehicles; v++ {
		assert.Equal(t, uint64(perVehicle), last[fmt.Sprintf("V%d", v)])
	}
}

func TestPublish_DropsOldestSnapshotFirst(t *testing.T) {
	b := NewBroadcaster(Config{QueueSize: 3}, nil)
	s := b.Subscribe(Scope{All: true})

	b.Publish(snapshot("V1", 1))
	b.Publish(alert("V1", "A1"))
	b.Publish(snapshot("V1", 2))
	b.Publish(snapshot("V1", 3)) // drops seq 1
	b.Publish(alert("V1", "A2")) // drops seq 2

	events := drain(t, s, 3)
	require.Len(t, events, 3)
	assert.Equal(t, "A1", events[0].Alert.ID)
	assert.Equal(t, uint64(3), events[1].State.Sequence)
	assert.Equal(t, "A2", events[2].Alert.ID)
	assert.NoError(t, s.Err())
}

func TestPublish_DropsIncomingSnapshotWhenQueueHoldsOnlyAlerts(t *testing.T) {
	b := NewBroadcaster(Config{QueueSize: 2}, nil)
	s := b.Subscribe(Scope{All: true})

	b.Publish(alert("V1", "A1"))
	b.Publish(alert("V1", "A2"))
	b.Publish(snapshot("V1", 9))

	assert.NoError(t, s.Err())
	events := drain(t, s, 2)
	assert.Equal(t, KindAlert, events[0].Kind)
	assert.Equal(t, KindAlert, events[1].Kind)
}

func TestPublish_DisconnectsInsteadOfDroppingAlert(t *testing.T) {
	b := NewBroadcaster(Config{QueueSize: 2}, nil)
	s := b.Subscribe(Scope{All: true})
	other := b.Subscribe(Scope{VehicleIDs: []string{"V2"}})

	b.Publish(alert("V1", "A1"))
	b.Publish(alert("V1", "A2"))
	b.Publish(alert("V1", "A3"))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("slow session was not closed")
	}
	assert.ErrorIs(t, s.Err(), ErrSlowConsumer)
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrSlowConsumer)

	assert.NoError(t, other.Err())
	assert.Equal(t, 1, b.SessionCount())
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroadcaster(Config{QueueSize: 4}, nil)
	s := b.Subscribe(Scope{All: true})

	done := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		done <- err
	}()

	b.Unsubscribe(s)
	b.Unsubscribe(s)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrUnsubscribed)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after unsubscribe")
	}

	b.Publish(snapshot("V1", 1))
	assert.Equal(t, 0, b.SessionCount())
	assert.Equal(t, 0, s.Pending())
}

func TestSession_FilterNeverWidensScope(t *testing.T) {
	b := NewBroadcaster(Config{QueueSize: 4}, nil)
	s := b.Subscribe(Scope{VehicleIDs: []string{"V1", "V2"}})

	kept := s.SetFilter([]string{"V2", "V3"})
	assert.Equal(t, []string{"V2"}, kept)

	assert.False(t, s.Interested("V1"))
	assert.True(t, s.Interested("V2"))
	assert.False(t, s.Interested("V3"))

	s.SetFilter(nil)
	assert.True(t, s.Interested("V1"))
	assert.False(t, s.Interested("V3"))
}

func TestSession_NextHonoursContext(t *testing.T) {
	b := NewBroadcaster(Config{QueueSize: 4}, nil)
	s := b.Subscribe(Scope{All: true})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

package livefeed

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(id string, at time.Time) AlertEvent {
	return AlertEvent{AlertID: id, CampaignID: "cmp-1", Metric: "roas", TriggeredAt: at, Badge: true}
}

func TestPublishFansOutPerUser(t *testing.T) {
	hub := NewHub()
	now := time.Now()

	first, backlog, err := hub.Subscribe("user-a")
	require.NoError(t, err)
	assert.Empty(t, backlog)
	defer first.Close()
	second, _, err := hub.Subscribe("user-a")
	require.NoError(t, err)
	defer second.Close()
	other, _, err := hub.Subscribe("user-b")
	require.NoError(t, err)
	defer other.Close()

	hub.Publish("user-a", event("1", now))

	for _, sub := range []*Subscription{first, second} {
		select {
		case got := <-sub.Events():
			assert.Equal(t, "1", got.AlertID)
		case <-time.After(time.Second):
			t.Fatal("expected event")
		}
	}
	select {
	case got := <-other.Events():
		t.Fatalf("unexpected event for other user: %+v", got)
	default:
	}
}

func TestSubscribeReturnsRecentBacklog(t *testing.T) {
	hub := NewHub()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return now }

	hub.Publish("user-a", event("stale", now.Add(-time.Hour)))
	hub.Publish("user-a", event("fresh", now.Add(-time.Minute)))

	sub, backlog, err := hub.Subscribe("user-a")
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, backlog, 1)
	assert.Equal(t, "fresh", backlog[0].AlertID)
}

func TestBacklogIsBounded(t *testing.T) {
	hub := NewHub()
	hub.bufferSize = 3
	now := time.Now()
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		hub.Publish("user-a", event(id, now))
	}

	sub, backlog, err := hub.Subscribe("user-a")
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, backlog, 3)
	assert.Equal(t, "3", backlog[0].AlertID)
	assert.Equal(t, "5", backlog[2].AlertID)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := NewHub()
	hub.subscriberBuffer = 1
	sub, _, err := hub.Subscribe("user-a")
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish("user-a", event("x", time.Now()))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, sub.Events(), 1)
}

func TestCloseUnsubscribes(t *testing.T) {
	hub := NewHub()
	sub, _, err := hub.Subscribe("user-a")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers("user-a"))

	sub.Close()
	sub.Close()
	assert.Zero(t, hub.Subscribers("user-a"))
}

func TestSubscribeRejectsBlankUser(t *testing.T) {
	_, _, err := NewHub().Subscribe("  ")
	assert.ErrorIs(t, err, ErrInvalidUserID)

	var nilHub *Hub
	_, _, err = nilHub.Subscribe("user-a")
	assert.ErrorIs(t, err, ErrHubUnavailable)
}

func TestCloseDropsStreamWithoutLiveBacklog(t *testing.T) {
	hub := NewHub()
	sub, _, err := hub.Subscribe("user-a")
	require.NoError(t, err)
	require.Equal(t, 1, hub.Streams())

	sub.Close()
	assert.Zero(t, hub.Streams())
}

func TestCloseKeepsStreamWithFreshBacklog(t *testing.T) {
	hub := NewHub()
	sub, _, err := hub.Subscribe("user-a")
	require.NoError(t, err)
	hub.Publish("user-a", event("1", time.Now()))

	sub.Close()
	assert.Equal(t, 1, hub.Streams())

	again, backlog, err := hub.Subscribe("user-a")
	require.NoError(t, err)
	defer again.Close()
	require.Len(t, backlog, 1)
	assert.Equal(t, "1", backlog[0].AlertID)
}

func TestPublishPrunesExpiredStreams(t *testing.T) {
	hub := NewHub()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return now }

	for _, user := range []string{"user-a", "user-b", "user-c"} {
		hub.Publish(user, event("1", now))
	}
	listening, _, err := hub.Subscribe("user-c")
	require.NoError(t, err)
	defer listening.Close()
	require.Equal(t, 3, hub.Streams())

	now = now.Add(DefaultBacklogTTL + DefaultPruneInterval)
	hub.Publish("user-d", event("2", now))

	assert.Equal(t, 2, hub.Streams(), "user-c keeps its listener and user-d is fresh")
	assert.Equal(t, 1, hub.Subscribers("user-c"))

	hub.Publish("user-c", event("3", now))
	select {
	case got := <-listening.Events():
		assert.Equal(t, "3", got.AlertID)
	case <-time.After(time.Second):
		t.Fatal("listener lost after prune")
	}
}

func TestPruneWaitsForInterval(t *testing.T) {
	hub := NewHub()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return now }

	hub.Publish("user-a", event("1", now.Add(-time.Hour)))
	hub.Publish("user-b", event("2", now.Add(-time.Hour)))
	assert.Equal(t, 1, hub.Streams(), "the second publish falls inside the prune interval")

	now = now.Add(DefaultPruneInterval)
	hub.Publish("user-c", event("3", now))
	assert.Equal(t, 1, hub.Streams())
}

func TestConcurrentPublishSubscribeAndPrune(t *testing.T) {
	hub := NewHub()
	hub.pruneInterval = 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				sub, _, err := hub.Subscribe("user-a")
				if err != nil {
					t.Error(err)
					return
				}
				hub.Publish("user-a", event("x", time.Now().Add(-time.Hour)))
				sub.Close()
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Subscribers("user-a"))
}

package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case e := <-sub:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// TestPublishReachesAllSubscribers tests fan-out
func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Emit(EventAppRunning, "app-1", "deployed")

	for _, sub := range []Subscriber{s1, s2} {
		e := receive(t, sub)
		assert.Equal(t, EventAppRunning, e.Type)
		assert.Equal(t, "app-1", e.AppID)
		assert.Equal(t, "deployed", e.Message)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}
}

// TestUnsubscribeStopsDelivery tests channel closure on unsubscribe
func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
}

// TestSlowSubscriberDoesNotBlockPublish tests that a stalled subscriber
// neither blocks publishing nor starves other subscribers
func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe() // never drained
	live := b.Subscribe()

	// Overflow the slow subscriber's buffer.
	for i := 0; i < 200; i++ {
		b.Emit(EventJobRetry, "app-1", "again")
	}

	done := make(chan struct{})
	go func() {
		b.Emit(EventAppStopped, "app-2", "final")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The live subscriber eventually sees the final event.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-live:
			if e.Type == EventAppStopped {
				require.Equal(t, "app-2", e.AppID)
				_ = slow
				return
			}
		case <-deadline:
			t.Fatal("final event never delivered")
		}
	}
}

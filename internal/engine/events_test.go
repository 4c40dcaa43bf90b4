package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_FanOut(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	a, unsubA := bus.Subscribe(4)
	b, unsubB := bus.Subscribe(4)
	defer unsubB()

	bus.Publish(Event{Type: EventRunStarted, RunID: "r1"})

	ea := <-a
	eb := <-b
	assert.Equal(t, EventRunStarted, ea.Type)
	assert.Equal(t, "r1", eb.RunID)
	assert.False(t, ea.Time.IsZero(), "publish stamps the time")

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open, "unsubscribe closes the channel")

	bus.Publish(Event{Type: EventRunCompleted})
	assert.Equal(t, EventRunCompleted, (<-b).Type)
}

func TestEventBus_SlowSubscriberDropsEvents(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: EventFileStarted})
	bus.Publish(Event{Type: EventFileCompleted})

	require.Len(t, ch, 1)
	assert.Equal(t, EventFileStarted, (<-ch).Type)
}

func TestEventBus_Close(t *testing.T) {
	bus := NewEventBus()
	ch, unsub := bus.Subscribe(0)
	bus.Close()
	bus.Close()

	_, open := <-ch
	assert.False(t, open)
	unsub()

	late, _ := bus.Subscribe(1)
	_, open = <-late
	assert.False(t, open, "subscribing to a closed bus yields a closed channel")

	bus.Publish(Event{Type: EventRunFailed})

	var nilBus *EventBus
	nilBus.Publish(Event{Type: EventRunFailed})
}

package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanOut(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel2()

	bus.Publish(Event{Type: TypeNewFeedback, AgentID: 1})

	ev1 := <-ch1
	ev2 := <-ch2
	assert.Equal(t, TypeNewFeedback, ev1.Type)
	assert.Equal(t, uint64(1), ev2.AgentID)
	assert.False(t, ev1.At.IsZero(), "publish should stamp the event time")
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	var dropped int
	bus := NewBus(func(Event) { dropped++ })
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Type: TypeNewFeedback})
	bus.Publish(Event{Type: TypeFeedbackRevoked}) // buffer full, dropped

	require.Equal(t, 1, dropped)
	ev := <-ch
	assert.Equal(t, TypeNewFeedback, ev.Type)
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after cancel must not panic.
	bus.Publish(Event{Type: TypeNewFeedback})
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus(nil)
	ch, _ := bus.Subscribe(1)

	bus.Close()
	bus.Close()

	_, ok := <-ch
	require.False(t, ok)
}

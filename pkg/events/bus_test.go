package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	var got []Kind
	sub := bus.Subscribe(func(e Event) { got = append(got, e.Type) })
	defer sub.Close()

	bus.Publish(New(KindToolCall, "conv1", map[string]any{"tool": "list_requirements"}))
	bus.Publish(New(KindToolResult, "conv1", nil))

	assert.Equal(t, []Kind{KindToolCall, KindToolResult}, got)
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	count := 0
	sub := bus.Subscribe(func(Event) { count++ })

	bus.Publish(New(KindDone, "c", nil))
	sub.Close()
	sub.Close() // idempotent
	bus.Publish(New(KindDone, "c", nil))

	assert.Equal(t, 1, count)
}

func TestBusSurvivesPanickingSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Subscribe(func(Event) { panic("boom") }).Close()
	delivered := false
	defer bus.Subscribe(func(Event) { delivered = true }).Close()

	require.NotPanics(t, func() {
		bus.Publish(New(KindError, "c", nil))
	})
	assert.True(t, delivered)
}

func TestNewStampsTimestamp(t *testing.T) {
	e := New(KindLLMRequest, "conv", map[string]any{"size": 12})
	assert.Equal(t, KindLLMRequest, e.Type)
	assert.Equal(t, "conv", e.Channel)
	assert.False(t, e.Timestamp.IsZero())
}

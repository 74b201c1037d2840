package events

import (
	"testing"

	"github.com/dkeye/callconsole/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestPublishInSubscriptionOrder(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.Subscribe(func(domain.Event) { got = append(got, "a") })
	bus.Subscribe(func(domain.Event) { got = append(got, "b") })
	bus.Subscribe(func(domain.Event) { got = append(got, "c") })

	bus.Publish(domain.Event{Kind: domain.EventPlacing})

	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestUnsubscribeDuringDeliveryKeepsInFlightDelivery(t *testing.T) {
	bus := NewBus()
	var got []string
	var unsubB func()
	bus.Subscribe(func(domain.Event) {
		got = append(got, "a")
		unsubB()
	})
	unsubB = bus.Subscribe(func(domain.Event) { got = append(got, "b") })

	bus.Publish(domain.Event{Kind: domain.EventPlacing})
	assert.Equal(t, []string{"a", "b"}, got)

	got = nil
	bus.Publish(domain.Event{Kind: domain.EventPlacing})
	assert.Equal(t, []string{"a"}, got)
}

func TestSubscribeDuringDeliveryStartsWithNextEvent(t *testing.T) {
	bus := NewBus()
	late := 0
	subscribed := false
	bus.Subscribe(func(domain.Event) {
		if !subscribed {
			subscribed = true
			bus.Subscribe(func(domain.Event) { late++ })
		}
	})

	bus.Publish(domain.Event{Kind: domain.EventPlacing})
	assert.Equal(t, 0, late)
	bus.Publish(domain.Event{Kind: domain.EventPlacing})
	assert.Equal(t, 1, late)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus()
	unsub := bus.Subscribe(func(domain.Event) {})
	bus.Subscribe(func(domain.Event) {})
	unsub()
	unsub()
	assert.Equal(t, 1, bus.Len())
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus()
	delivered := false
	bus.Subscribe(func(domain.Event) { panic("boom") })
	bus.Subscribe(func(domain.Event) { delivered = true })

	assert.NotPanics(t, func() { bus.Publish(domain.Event{Kind: domain.EventPlacing}) })
	assert.True(t, delivered)
}

func TestSubscribeKinds(t *testing.T) {
	bus := NewBus()
	var kinds []domain.EventKind
	bus.SubscribeKinds(func(e domain.Event) { kinds = append(kinds, e.Kind) },
		domain.EventTokenExpiring, domain.EventDeviceOffline)

	bus.Publish(domain.Event{Kind: domain.EventPlacing})
	bus.Publish(domain.Event{Kind: domain.EventDeviceOffline})
	bus.Publish(domain.Event{Kind: domain.EventTokenExpiring})

	assert.Equal(t, []domain.EventKind{domain.EventDeviceOffline, domain.EventTokenExpiring}, kinds)
}

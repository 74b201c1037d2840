// Package events delivers domain events from call sessions to observers.
package events

import (
	"slices"
	"sync"

	"github.com/dkeye/callconsole/internal/domain"
	"github.com/rs/zerolog/log"
)

type Handler func(domain.Event)

type subscriber struct {
	id uint64
	h  Handler
}

// Bus publishes synchronously, in subscription order. Events published
// with no subscriber are dropped.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe adds h and returns a func removing it; the func is idempotent.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// SubscribeKinds is Subscribe restricted to the given kinds.
func (b *Bus) SubscribeKinds(h Handler, kinds ...domain.EventKind) (unsubscribe func()) {
	return b.Subscribe(func(e domain.Event) {
		if slices.Contains(kinds, e.Kind) {
			h(e)
		}
	})
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(s subscriber) bool { return s.id == id })
}

// Publish delivers e to a snapshot of the current subscribers, so handlers
// may subscribe or unsubscribe without affecting the in-flight delivery.
func (b *Bus) Publish(e domain.Event) {
	b.mu.RLock()
	snapshot := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, s := range snapshot {
		deliver(s, e)
	}
}

// Len is the number of current subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func deliver(s subscriber, e domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("module", "app.events").
				Str("kind", string(e.Kind)).
				Uint64("subscriber", s.id).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()
	s.h(e)
}

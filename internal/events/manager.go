// Package events is the subscription-lifecycle event bus: C12 publishes a
// SubscriptionEvent whenever a token is added or removed so that
// downstream consumers (cmd/server relays each event onto the message
// bus) can react without polling C3.
package events

import (
	"sync"
	"time"

	"github.com/aristath/streamgate/internal/domain"
	"github.com/rs/zerolog"
)

// Bus fans a SubscriptionEvent out to any number of subscribers. Delivery
// is best-effort: a slow subscriber is dropped from, not allowed to stall,
// the publish call.
type Bus struct {
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[int]chan domain.SubscriptionEvent
	next int
}

// NewBus creates an empty event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:  log.With().Str("component", "event_bus").Logger(),
		subs: make(map[int]chan domain.SubscriptionEvent),
	}
}

// Subscribe registers a new listener with the given buffer size. Call the
// returned cancel func to unregister.
func (b *Bus) Subscribe(buffer int) (<-chan domain.SubscriptionEvent, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan domain.SubscriptionEvent, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish emits a subscription lifecycle event to every listener. A
// listener whose buffer is full is skipped, not blocked on.
func (b *Bus) Publish(ev domain.SubscriptionEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}

	logEvt := b.log.Debug().
		Str("event_type", string(ev.EventType)).
		Uint64("token", ev.InstrumentToken)
	if dropped > 0 {
		logEvt = b.log.Warn().
			Str("event_type", string(ev.EventType)).
			Uint64("token", ev.InstrumentToken).
			Int("dropped_subscribers", dropped)
	}
	logEvt.Msg("subscription event published")
}

// EmitError logs a structured error event, mirroring the teacher's
// error-event convention without a dedicated ErrorOccurred channel — this
// gateway's subscribers only care about subscription lifecycle.
func (b *Bus) EmitError(component string, err error, context map[string]interface{}) {
	b.log.Error().
		Err(err).
		Str("component", component).
		Interface("context", context).
		Msg("component error")
}

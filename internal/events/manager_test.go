package events

import (
	"testing"
	"time"

	"github.com/aristath/streamgate/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewBus(zerolog.Nop())
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(domain.SubscriptionEvent{
		EventType:       domain.EventSubscriptionCreated,
		InstrumentToken: 123,
	})

	select {
	case ev := <-ch:
		assert.Equal(t, uint64(123), ev.InstrumentToken)
		assert.Equal(t, domain.EventSubscriptionCreated, ev.EventType)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected event was not delivered")
	}
}

func TestPublishDropsWithoutBlockingWhenSubscriberBufferFull(t *testing.T) {
	b := NewBus(zerolog.Nop())
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(domain.SubscriptionEvent{EventType: domain.EventSubscriptionCreated, InstrumentToken: 1})

	done := make(chan struct{})
	go func() {
		b.Publish(domain.SubscriptionEvent{EventType: domain.EventSubscriptionCreated, InstrumentToken: 2})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}

	first := <-ch
	assert.Equal(t, uint64(1), first.InstrumentToken)
}

func TestCancelUnsubscribesAndClosesChannel(t *testing.T) {
	b := NewBus(zerolog.Nop())
	ch, cancel := b.Subscribe(1)
	cancel()

	_, ok := <-ch
	require.False(t, ok)
}

// Package batcher implements the publish batcher (C10): a per-channel
// buffer that flushes on a time window or a size cap, whichever comes
// first, handing batches to the bus publisher (C11) without ever
// blocking the producer.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/streamgate/internal/metrics"
	"github.com/rs/zerolog"
)

// FlushFunc is called with one flushed batch and the trigger that caused
// it ("size", "time", or "shutdown"). Items preserve arrival order
// within a single call; ordering across separate flushes or across
// other channels is not guaranteed.
type FlushFunc[T any] func(items []T, trigger string)

// Batcher buffers items of one channel and flushes them on a time
// window or size cap.
type Batcher[T any] struct {
	name    string
	window  time.Duration
	maxSize int
	flush   FlushFunc[T]
	reg     *metrics.Registry
	log     zerolog.Logger

	add  chan T
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Batcher for one output channel. name identifies the
// channel in metrics and logs (e.g. "underlying", "options", "events").
func New[T any](name string, window time.Duration, maxSize int, flush FlushFunc[T], reg *metrics.Registry, log zerolog.Logger) *Batcher[T] {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	return &Batcher[T]{
		name:    name,
		window:  window,
		maxSize: maxSize,
		flush:   flush,
		reg:     reg,
		log:     log.With().Str("component", "publish_batcher").Str("channel", name).Logger(),
		add:     make(chan T, maxSize*2),
		done:    make(chan struct{}),
	}
}

// Add enqueues an item without blocking. It returns false, drops the
// item, and records a batch_overflow metric when the channel's backing
// buffer is full — which happens when the bus publisher is saturated
// and flushes aren't draining the buffer fast enough.
func (b *Batcher[T]) Add(item T) bool {
	select {
	case b.add <- item:
		return true
	default:
		if b.reg != nil {
			b.reg.DroppedTotal.WithLabelValues("batch_overflow").Inc()
		}
		return false
	}
}

// Run drives the flush loop until ctx is cancelled. On cancellation, any
// non-empty buffer is flushed exactly once before Run returns.
func (b *Batcher[T]) Run(ctx context.Context) {
	b.wg.Add(1)
	defer b.wg.Done()
	defer close(b.done)

	var buffer []T
	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case item := <-b.add:
			buffer = append(buffer, item)
			if timer == nil {
				timer = time.NewTimer(b.window)
				timerC = timer.C
			}
			if len(buffer) >= b.maxSize {
				b.doFlush(buffer, "size")
				buffer = nil
				stopTimer()
			}

		case <-timerC:
			if len(buffer) > 0 {
				b.doFlush(buffer, "time")
				buffer = nil
			}
			timer = nil
			timerC = nil

		case <-ctx.Done():
			if len(buffer) > 0 {
				b.doFlush(buffer, "shutdown")
			}
			stopTimer()
			return
		}
	}
}

func (b *Batcher[T]) doFlush(buffer []T, trigger string) {
	if b.reg != nil {
		b.reg.BatchFlushedTotal.WithLabelValues(b.name, trigger).Inc()
	}
	b.log.Debug().Int("size", len(buffer)).Str("trigger", trigger).Msg("flushing batch")
	b.flush(buffer, trigger)
}

// Wait blocks until Run has returned, for orderly shutdown sequencing.
func (b *Batcher[T]) Wait() {
	<-b.done
}

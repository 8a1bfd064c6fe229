// Package bus wraps the NATS message-bus client with the per-publish
// timeout, circuit breaker, and adaptive sampling the publish batcher
// (C10) hands flushed batches to. This is the only package that talks to
// the bus directly; every backpressure signal propagates up by return
// value, never by blocking the caller.
package bus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/aristath/streamgate/internal/metrics"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// ErrCircuitOpen is returned by PublishBatch when the breaker is OPEN; the
// bus was not contacted.
var ErrCircuitOpen = errors.New("bus: circuit open")

// SaturationLevel drives the publisher's adaptive sampling rate.
type SaturationLevel string

const (
	Healthy  SaturationLevel = "healthy"
	Warning  SaturationLevel = "warning"
	Critical SaturationLevel = "critical"
	Overload SaturationLevel = "overload"
)

var samplingRate = map[SaturationLevel]float64{
	Healthy:  1.0,
	Warning:  0.8,
	Critical: 0.5,
	Overload: 0.2,
}

// LevelFor derives a saturation level from the ratio of pending (queued
// but not yet flushed) items to the channel's configured capacity.
func LevelFor(pendingRatio float64) SaturationLevel {
	switch {
	case pendingRatio >= 0.9:
		return Overload
	case pendingRatio >= 0.6:
		return Critical
	case pendingRatio >= 0.3:
		return Warning
	default:
		return Healthy
	}
}

// Config configures a Publisher.
type Config struct {
	URL             string
	PublishTimeout  time.Duration
	CircuitFailures int
	CircuitRecovery time.Duration
	CircuitSuccess  int
}

// natsConn is the subset of *nats.Conn the Publisher needs; an interface
// so tests can substitute a fake instead of dialing a real bus.
type natsConn interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// Publisher is the sole writer to the message bus.
type Publisher struct {
	conn           natsConn
	publishTimeout time.Duration
	breaker        *CircuitBreaker
	reg            *metrics.Registry
	log            zerolog.Logger

	level SaturationLevel
}

// Connect dials the bus and builds a Publisher around it.
func Connect(cfg Config, breakerName string, reg *metrics.Registry, log zerolog.Logger) (*Publisher, error) {
	log = log.With().Str("component", "bus_publisher").Logger()
	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("nats error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = time.Second
	}

	return newPublisher(conn, publishTimeout, breakerName, cfg, reg, log), nil
}

func newPublisher(conn natsConn, publishTimeout time.Duration, breakerName string, cfg Config, reg *metrics.Registry, log zerolog.Logger) *Publisher {
	return &Publisher{
		conn:           conn,
		publishTimeout: publishTimeout,
		breaker:        NewCircuitBreaker(breakerName, cfg.CircuitFailures, cfg.CircuitRecovery, cfg.CircuitSuccess, reg),
		reg:            reg,
		log:            log,
		level:          Healthy,
	}
}

// SetSaturation updates the sampling level from an externally observed
// pending-vs-capacity ratio (the caller, typically the batcher's owner,
// knows its own queue depth and capacity).
func (p *Publisher) SetSaturation(pendingRatio float64) {
	p.level = LevelFor(pendingRatio)
}

// PublishBatch sends a flushed batch of already-serialized payloads to
// subject as one pipelined round trip: each payload is queued with the
// underlying client's async Publish, then a single Flush confirms
// delivery within the configured timeout. Individual payloads are
// randomly dropped per the publisher's current adaptive sampling level.
func (p *Publisher) PublishBatch(ctx context.Context, subject string, payloads [][]byte) error {
	if !p.breaker.Allow() {
		if p.reg != nil {
			p.reg.DroppedTotal.WithLabelValues("circuit_open").Add(float64(len(payloads)))
		}
		return ErrCircuitOpen
	}

	rate := samplingRate[p.level]
	sent := 0
	for _, payload := range payloads {
		if rate < 1.0 && rand.Float64() >= rate {
			if p.reg != nil {
				p.reg.DroppedTotal.WithLabelValues("sampled").Inc()
			}
			continue
		}
		if err := p.conn.Publish(subject, payload); err != nil {
			p.breaker.RecordFailure()
			return fmt.Errorf("bus: publish: %w", err)
		}
		sent++
	}
	if sent == 0 {
		p.breaker.RecordSuccess()
		return nil
	}

	flushCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()
	if err := p.conn.FlushWithContext(flushCtx); err != nil {
		p.breaker.RecordFailure()
		return fmt.Errorf("bus: flush: %w", err)
	}

	p.breaker.RecordSuccess()
	return nil
}

// CircuitState reports the breaker's current state, for /health.
func (p *Publisher) CircuitState() CircuitState {
	return p.breaker.State()
}

// Close closes the underlying connection without draining it first.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

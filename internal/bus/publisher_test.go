package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/streamgate/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNatsConn struct {
	mu          sync.Mutex
	published   [][]byte
	publishErr  error
	flushErr    error
	flushCalled int
}

func (c *fakeNatsConn) Publish(subj string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, data)
	return nil
}

func (c *fakeNatsConn) FlushWithContext(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushCalled++
	return c.flushErr
}

func (c *fakeNatsConn) Close() {}

func newTestPublisher(conn natsConn, reg *metrics.Registry) *Publisher {
	return newPublisher(conn, time.Second, "test-bus", Config{CircuitFailures: 2, CircuitRecovery: time.Hour, CircuitSuccess: 1}, reg, zerolog.Nop())
}

func TestPublishBatchSendsEveryPayloadAtFullSampling(t *testing.T) {
	conn := &fakeNatsConn{}
	p := newTestPublisher(conn, metrics.NewRegistry())

	err := p.PublishBatch(context.Background(), "ticks.NSE", [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)
	assert.Len(t, conn.published, 3)
	assert.Equal(t, 1, conn.flushCalled)
	assert.Equal(t, StateClosed, p.CircuitState())
}

func TestPublishBatchReturnsErrCircuitOpenWithoutTouchingConn(t *testing.T) {
	conn := &fakeNatsConn{}
	p := newTestPublisher(conn, metrics.NewRegistry())

	// Trip the breaker first.
	conn.publishErr = errors.New("boom")
	_ = p.PublishBatch(context.Background(), "ticks.NSE", [][]byte{[]byte("a")})
	_ = p.PublishBatch(context.Background(), "ticks.NSE", [][]byte{[]byte("a")})
	require.Equal(t, StateOpen, p.CircuitState())

	conn.publishErr = nil
	err := p.PublishBatch(context.Background(), "ticks.NSE", [][]byte{[]byte("a")})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Empty(t, conn.published, "circuit-open publish must not reach the connection")
}

func TestPublishBatchRecordsFailureOnPublishError(t *testing.T) {
	conn := &fakeNatsConn{publishErr: errors.New("boom")}
	p := newTestPublisher(conn, metrics.NewRegistry())

	err := p.PublishBatch(context.Background(), "ticks.NSE", [][]byte{[]byte("a")})
	assert.Error(t, err)
	assert.Equal(t, StateClosed, p.CircuitState()) // first failure alone doesn't trip (threshold=2)
}

func TestPublishBatchRecordsFailureOnFlushError(t *testing.T) {
	conn := &fakeNatsConn{flushErr: errors.New("flush boom")}
	p := newTestPublisher(conn, metrics.NewRegistry())

	err := p.PublishBatch(context.Background(), "ticks.NSE", [][]byte{[]byte("a")})
	assert.Error(t, err)
	assert.Len(t, conn.published, 1)
}

func TestPublishBatchSamplesAtReducedRateWhenSaturated(t *testing.T) {
	conn := &fakeNatsConn{}
	reg := metrics.NewRegistry()
	p := newTestPublisher(conn, reg)
	p.SetSaturation(1.0) // overload: sampling rate 0.2

	payloads := make([][]byte, 200)
	for i := range payloads {
		payloads[i] = []byte("x")
	}
	require.NoError(t, p.PublishBatch(context.Background(), "ticks.NSE", payloads))

	assert.Less(t, len(conn.published), len(payloads), "overload sampling should drop some payloads")
	assert.Greater(t, testutil.ToFloat64(reg.DroppedTotal.WithLabelValues("sampled")), float64(0))
}

func TestPublishBatchSkipsFlushWhenEverythingSampledOut(t *testing.T) {
	conn := &fakeNatsConn{}
	p := newTestPublisher(conn, metrics.NewRegistry())
	p.level = Overload
	samplingRate[Overload] = 0 // force every payload to be dropped for this assertion
	defer func() { samplingRate[Overload] = 0.2 }()

	err := p.PublishBatch(context.Background(), "ticks.NSE", [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	assert.Equal(t, 0, conn.flushCalled)
	assert.Equal(t, StateClosed, p.CircuitState())
}

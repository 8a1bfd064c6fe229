package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aristath/streamgate/internal/clients/tradernet"
	"github.com/aristath/streamgate/internal/domain"
	"github.com/aristath/streamgate/internal/gwerrors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id        string
	accountID string

	mu       sync.Mutex
	tokens   map[uint64]struct{}
	closed   bool
	idleFrom time.Time
}

func newFakeConn(id, accountID string) *fakeConn {
	return &fakeConn{id: id, accountID: accountID, tokens: make(map[uint64]struct{}), idleFrom: time.Now()}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Connect(ctx context.Context) error { return nil }

func (c *fakeConn) Subscribe(ctx context.Context, tokens []uint64, mode domain.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tokens {
		c.tokens[t] = struct{}{}
	}
	c.idleFrom = time.Time{}
	return nil
}

func (c *fakeConn) Unsubscribe(ctx context.Context, tokens []uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tokens {
		delete(c.tokens, t)
	}
	if len(c.tokens) == 0 {
		c.idleFrom = time.Now().Add(-time.Hour)
	}
	return nil
}

func (c *fakeConn) TokenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tokens)
}

func (c *fakeConn) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idleFrom
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func testPool(t *testing.T, maxConns, maxTokens int) (*Pool, *int32) {
	var dialCount int32
	dial := func(connID, accountID string, creds tradernet.Credentials, onTick tradernet.TickHandler) StreamConnection {
		dialCount++
		return newFakeConn(connID, accountID)
	}
	creds := func(accountID string) (tradernet.Credentials, bool) {
		return tradernet.Credentials{APIKey: accountID}, true
	}
	p := New(Config{
		MaxConnsPerAccount: maxConns,
		MaxTokensPerConn:   maxTokens,
		ConnectTimeout:     time.Second,
		SubscribeTimeout:   time.Second,
		IdleReapAfter:      10 * time.Millisecond,
	}, dial, creds, func(domain.Tick) bool { return true }, zerolog.Nop())
	return p, &dialCount
}

func TestSubscribeCreatesConnectionsOnDemand(t *testing.T) {
	p, _ := testPool(t, 3, 10)

	tokens := make([]uint64, 25)
	for i := range tokens {
		tokens[i] = uint64(i + 1)
	}

	err := p.Subscribe(context.Background(), "acc-1", tokens, domain.ModeFull)
	require.NoError(t, err)

	assert.Equal(t, 3, p.ConnectionCount("acc-1"))
	used, total := p.Capacity("acc-1")
	assert.Equal(t, 25, used)
	assert.Equal(t, 30, total)
}

func TestSubscribeFillsExistingConnectionsBeforeOpeningNew(t *testing.T) {
	p, dialCount := testPool(t, 3, 10)

	require.NoError(t, p.Subscribe(context.Background(), "acc-1", []uint64{1, 2, 3}, domain.ModeFull))
	assert.Equal(t, int32(1), *dialCount)

	require.NoError(t, p.Subscribe(context.Background(), "acc-1", []uint64{4, 5}, domain.ModeFull))
	assert.Equal(t, int32(1), *dialCount, "second subscribe should reuse the existing connection's free capacity")
	assert.Equal(t, 1, p.ConnectionCount("acc-1"))
}

func TestSubscribeFailsWithLimitErrorWhenCapacityExceeded(t *testing.T) {
	p, _ := testPool(t, 2, 10)

	tokens := make([]uint64, 21)
	for i := range tokens {
		tokens[i] = uint64(i + 1)
	}

	err := p.Subscribe(context.Background(), "acc-1", tokens, domain.ModeFull)
	require.Error(t, err)
	assert.True(t, gwerrors.Is(err, gwerrors.LimitError))
	assert.ErrorIs(t, err, ErrAccountCapacityExceeded)
}

func TestSubscribeFailsWithoutCredentials(t *testing.T) {
	dial := func(connID, accountID string, creds tradernet.Credentials, onTick tradernet.TickHandler) StreamConnection {
		return newFakeConn(connID, accountID)
	}
	p := New(Config{MaxConnsPerAccount: 1, MaxTokensPerConn: 10, ConnectTimeout: time.Second, SubscribeTimeout: time.Second},
		dial, func(string) (tradernet.Credentials, bool) { return tradernet.Credentials{}, false },
		func(domain.Tick) bool { return true }, zerolog.Nop())

	err := p.Subscribe(context.Background(), "acc-unknown", []uint64{1}, domain.ModeFull)
	require.Error(t, err)
	assert.True(t, gwerrors.Is(err, gwerrors.Validation))
}

func TestUnsubscribeReapsEmptyIdleConnection(t *testing.T) {
	p, _ := testPool(t, 3, 10)

	require.NoError(t, p.Subscribe(context.Background(), "acc-1", []uint64{1, 2}, domain.ModeFull))
	require.Equal(t, 1, p.ConnectionCount("acc-1"))

	require.NoError(t, p.Unsubscribe(context.Background(), "acc-1", []uint64{1, 2}))

	assert.Equal(t, 0, p.ConnectionCount("acc-1"))
}

func TestNoConnectionExceedsTokenCapacity(t *testing.T) {
	p, _ := testPool(t, 5, 3000)

	tokens := make([]uint64, 9000)
	for i := range tokens {
		tokens[i] = uint64(i + 1)
	}

	require.NoError(t, p.Subscribe(context.Background(), "acc-1", tokens, domain.ModeFull))
	assert.Equal(t, 3, p.ConnectionCount("acc-1"))
	used, total := p.Capacity("acc-1")
	assert.Equal(t, 9000, used)
	assert.Equal(t, 15000, total)
}

func TestShutdownClosesAllConnections(t *testing.T) {
	p, _ := testPool(t, 3, 10)

	require.NoError(t, p.Subscribe(context.Background(), "acc-1", []uint64{1, 2, 3}, domain.ModeFull))
	require.NoError(t, p.Subscribe(context.Background(), "acc-2", []uint64{1}, domain.ModeFull))

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, 0, p.ConnectionCount("acc-1"))
	assert.Equal(t, 0, p.ConnectionCount("acc-2"))
}

func TestConcurrentSubscribesAreSerialized(t *testing.T) {
	p, _ := testPool(t, 5, 3000)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens := []uint64{uint64(i*2 + 1), uint64(i*2 + 2)}
			if err := p.Subscribe(context.Background(), "acc-1", tokens, domain.ModeFull); err != nil {
				errs <- fmt.Errorf("subscribe: %w", err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	used, _ := p.Capacity("acc-1")
	assert.Equal(t, 20, used)
}

package accounts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aristath/streamgate/internal/gwerrors"
	"github.com/aristath/streamgate/internal/ratelimit"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(ids ...string) *Orchestrator {
	creds := make(map[string]Credentials, len(ids))
	for _, id := range ids {
		creds[id] = Credentials{APIKey: id + "-key", APISecret: id + "-secret"}
	}
	return New(ids, creds, 200*time.Millisecond, nil, zerolog.Nop())
}

func TestBorrowAndRelease(t *testing.T) {
	o := newTestOrchestrator("acc-1")

	lease, err := o.Borrow(context.Background(), "acc-1", ratelimit.ClassSubscribe)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lease.Session.InFlight())

	lease.Release()
	assert.Equal(t, int64(0), lease.Session.InFlight())
}

func TestBorrowUnknownAccount(t *testing.T) {
	o := newTestOrchestrator("acc-1")

	_, err := o.Borrow(context.Background(), "acc-missing", ratelimit.ClassSubscribe)
	require.Error(t, err)
	assert.True(t, gwerrors.Is(err, gwerrors.Validation))
}

func TestBorrowBlocksConcurrentCallersUntilReleased(t *testing.T) {
	o := newTestOrchestrator("acc-1")

	lease, err := o.Borrow(context.Background(), "acc-1", ratelimit.ClassSubscribe)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := o.Borrow(context.Background(), "acc-1", ratelimit.ClassSubscribe)
		assert.NoError(t, err)
	}()

	select {
	case <-done:
		t.Fatal("second borrow should not have succeeded before release")
	case <-time.After(50 * time.Millisecond):
	}

	lease.Release()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("second borrow should have completed after release")
	}
}

func TestBorrowTimesOutWhenHeld(t *testing.T) {
	o := newTestOrchestrator("acc-1")

	lease, err := o.Borrow(context.Background(), "acc-1", ratelimit.ClassSubscribe)
	require.NoError(t, err)
	defer lease.Release()

	_, err = o.Borrow(context.Background(), "acc-1", ratelimit.ClassSubscribe)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLeaseTimeout)
}

func TestBorrowReentrantViaLeaseContext(t *testing.T) {
	o := newTestOrchestrator("acc-1")

	lease, err := o.Borrow(context.Background(), "acc-1", ratelimit.ClassSubscribe)
	require.NoError(t, err)
	defer lease.Release()

	nested, err := o.borrowWithContext(lease.Context(), "acc-1", ratelimit.ClassSubscribe)
	require.NoError(t, err)
	nested.Release()
}

// borrowWithContext is a small test seam: Borrow always takes context.Context,
// so reentrancy is exercised by passing the held lease's own context back in.
func (o *Orchestrator) borrowWithContext(ctx context.Context, accountID string, class ratelimit.EndpointClass) (*Lease, error) {
	return o.Borrow(ctx, accountID, class)
}

type rejectingLimiter struct {
	mu      sync.Mutex
	blocked map[string]bool
}

func (r *rejectingLimiter) TryAcquire(accountID string, _ ratelimit.EndpointClass) ratelimit.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.blocked[accountID] {
		return ratelimit.Decision{OK: false, RetryAfter: time.Second}
	}
	return ratelimit.Decision{OK: true}
}

func TestBorrowWithFailoverSkipsLimitedAccounts(t *testing.T) {
	o := New([]string{"acc-a", "acc-b"}, map[string]Credentials{
		"acc-a": {APIKey: "a"},
		"acc-b": {APIKey: "b"},
	}, 200*time.Millisecond, &rejectingLimiter{blocked: map[string]bool{"acc-a": true}}, zerolog.Nop())

	var used string
	err := o.BorrowWithFailover(context.Background(), "", ratelimit.ClassOrder, func(l *Lease) error {
		used = l.Session.AccountID
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "acc-b", used)
}

func TestBorrowWithFailoverAllLimited(t *testing.T) {
	o := New([]string{"acc-a", "acc-b"}, map[string]Credentials{
		"acc-a": {APIKey: "a"},
		"acc-b": {APIKey: "b"},
	}, 200*time.Millisecond, &rejectingLimiter{blocked: map[string]bool{"acc-a": true, "acc-b": true}}, zerolog.Nop())

	err := o.BorrowWithFailover(context.Background(), "", ratelimit.ClassOrder, func(l *Lease) error {
		t.Fatal("op should never run when every account is limited")
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllAccountsLimited)
}

func TestBorrowWithFailoverStopsOnNonLimitError(t *testing.T) {
	o := newTestOrchestrator("acc-a", "acc-b")

	calls := 0
	err := o.BorrowWithFailover(context.Background(), "", ratelimit.ClassOrder, func(l *Lease) error {
		calls++
		return gwerrors.New(gwerrors.Fatal, assert.AnError)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBorrowWithFailoverPrefersPreferredAccount(t *testing.T) {
	o := newTestOrchestrator("acc-a", "acc-b", "acc-c")

	var used string
	err := o.BorrowWithFailover(context.Background(), "acc-c", ratelimit.ClassOrder, func(l *Lease) error {
		used = l.Session.AccountID
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "acc-c", used)
}

func TestMostAvailablePicksHighestRemainingCapacity(t *testing.T) {
	o := newTestOrchestrator("acc-a", "acc-b", "acc-c")

	best, ok := o.MostAvailable(map[string]int{
		"acc-a": 10,
		"acc-b": 50,
		"acc-c": 25,
	})
	require.True(t, ok)
	assert.Equal(t, "acc-b", best)
}

func TestMostAvailableBreaksTiesByInFlight(t *testing.T) {
	o := newTestOrchestrator("acc-a", "acc-b")

	lease, err := o.Borrow(context.Background(), "acc-a", ratelimit.ClassSubscribe)
	require.NoError(t, err)
	defer lease.Release()

	best, ok := o.MostAvailable(map[string]int{
		"acc-a": 10,
		"acc-b": 10,
	})
	require.True(t, ok)
	assert.Equal(t, "acc-b", best)
}

func TestAccountsReturnsStableSortedOrder(t *testing.T) {
	o := newTestOrchestrator("zz", "aa", "mm")
	assert.Equal(t, []string{"aa", "mm", "zz"}, o.Accounts())
}

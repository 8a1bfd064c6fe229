// Package accounts implements the account orchestrator (C5): session
// leasing with a reentrant, timed mutex per account, plus a failover
// policy that tries a preferred account and then the rest in a stable
// order when a call returns a LimitError.
package accounts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/streamgate/internal/gwerrors"
	"github.com/aristath/streamgate/internal/ratelimit"
	"github.com/aristath/streamgate/internal/reentrant"
	"github.com/rs/zerolog"
)

// ErrLeaseTimeout is returned when a lease could not be acquired within
// the configured timeout.
var ErrLeaseTimeout = fmt.Errorf("accounts: lease acquisition timed out")

// ErrAllAccountsLimited is returned by BorrowWithFailover when every
// account in the stable order returned a LimitError.
var ErrAllAccountsLimited = fmt.Errorf("accounts: all accounts limited")

// Credentials are the opaque broker credentials for one account.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Session is one broker account's runtime state.
type Session struct {
	AccountID   string
	Credentials Credentials
	accessToken string
	tokenMu     sync.RWMutex
	inFlight    atomic.Int64
	lastUsedAt  time.Time
	mu          *reentrant.Mutex
}

// AccessToken returns the current access token (may be rotated in place
// by an external refresher via SetAccessToken).
func (s *Session) AccessToken() string {
	s.tokenMu.RLock()
	defer s.tokenMu.RUnlock()
	return s.accessToken
}

// SetAccessToken rotates the access token in place.
func (s *Session) SetAccessToken(token string) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	s.accessToken = token
}

// InFlight returns the current in-flight operation count, used to break
// ties when choosing a failover target or an assignment target.
func (s *Session) InFlight() int64 {
	return s.inFlight.Load()
}

// Lease is scoped, exclusive access to an account session with guaranteed
// release on all exit paths. Leases are not transferable.
type Lease struct {
	Session *Session
	release func()
	ctx     context.Context
}

// Context returns the lease's context, to pass into any nested Borrow
// calls against the same account (reentrant acquisition).
func (l *Lease) Context() context.Context { return l.ctx }

// Release returns the session to the pool. Safe to call multiple times.
func (l *Lease) Release() {
	if l.release != nil {
		l.release()
		l.release = nil
	}
}

// RateLimiter is the subset of the C4 rate limiter the orchestrator needs.
type RateLimiter interface {
	TryAcquire(accountID string, class ratelimit.EndpointClass) ratelimit.Decision
}

// Orchestrator owns the set of account sessions.
type Orchestrator struct {
	log          zerolog.Logger
	leaseTimeout time.Duration
	limiter      RateLimiter

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string // stable order for failover
}

// New creates an Orchestrator from a set of account credentials.
func New(accountIDs []string, creds map[string]Credentials, leaseTimeout time.Duration, limiter RateLimiter, log zerolog.Logger) *Orchestrator {
	sessions := make(map[string]*Session, len(accountIDs))
	order := make([]string, len(accountIDs))
	copy(order, accountIDs)
	sort.Strings(order)

	for _, id := range accountIDs {
		sessions[id] = &Session{
			AccountID:   id,
			Credentials: creds[id],
			mu:          reentrant.New(),
		}
	}

	return &Orchestrator{
		log:          log.With().Str("component", "account_orchestrator").Logger(),
		leaseTimeout: leaseTimeout,
		limiter:      limiter,
		sessions:     sessions,
		order:        order,
	}
}

// Borrow acquires a scoped, exclusive lease on the named account. It
// blocks up to T_lease and times out with ErrLeaseTimeout.
func (o *Orchestrator) Borrow(ctx context.Context, accountID string, class ratelimit.EndpointClass) (*Lease, error) {
	o.mu.RLock()
	sess, ok := o.sessions[accountID]
	o.mu.RUnlock()
	if !ok {
		return nil, gwerrors.New(gwerrors.Validation, fmt.Errorf("accounts: unknown account %q", accountID))
	}

	if o.limiter != nil {
		if d := o.limiter.TryAcquire(accountID, class); !d.OK {
			return nil, gwerrors.New(gwerrors.LimitError, fmt.Errorf("accounts: rate limited, retry after %s", d.RetryAfter))
		}
	}

	leaseCtx, unlock, err := sess.mu.Lock(ctx, o.leaseTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLeaseTimeout, err)
	}

	sess.inFlight.Add(1)
	sess.lastUsedAt = time.Now()

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		sess.inFlight.Add(-1)
		unlock()
	}

	return &Lease{Session: sess, release: release, ctx: leaseCtx}, nil
}

// BorrowWithFailover tries preferred (if non-empty), then the remaining
// accounts in stable order, calling op with each lease in turn. Failover
// only triggers when op returns a LimitError category; any other error,
// or any success, stops the loop immediately.
func (o *Orchestrator) BorrowWithFailover(ctx context.Context, preferred string, class ratelimit.EndpointClass, op func(*Lease) error) error {
	order := o.failoverOrder(preferred)

	var lastErr error
	for _, accountID := range order {
		lease, err := o.Borrow(ctx, accountID, class)
		if err != nil {
			if gwerrors.Is(err, gwerrors.LimitError) {
				lastErr = err
				continue
			}
			return err
		}

		err = op(lease)
		lease.Release()

		if err == nil {
			return nil
		}
		if !gwerrors.Is(err, gwerrors.LimitError) {
			return err
		}

		o.log.Info().Str("account_id", accountID).Msg("account limited, failing over")
		lastErr = err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("accounts: no accounts configured")
	}
	return fmt.Errorf("%w: %v", ErrAllAccountsLimited, lastErr)
}

func (o *Orchestrator) failoverOrder(preferred string) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if preferred == "" {
		out := make([]string, len(o.order))
		copy(out, o.order)
		return out
	}

	out := make([]string, 0, len(o.order))
	out = append(out, preferred)
	for _, id := range o.order {
		if id != preferred {
			out = append(out, id)
		}
	}
	return out
}

// MostAvailable picks the account with the most remaining subscription
// capacity, ties broken by lowest in-flight count then by account id —
// the rule the streaming orchestrator uses for both startup and
// incremental assignment.
func (o *Orchestrator) MostAvailable(remainingCapacity map[string]int) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var best string
	bestCap := -1
	var bestInFlight int64

	for _, id := range o.order {
		cap := remainingCapacity[id]
		sess := o.sessions[id]
		inFlight := sess.InFlight()

		switch {
		case cap > bestCap:
			best, bestCap, bestInFlight = id, cap, inFlight
		case cap == bestCap && inFlight < bestInFlight:
			best, bestInFlight = id, inFlight
		}
	}
	return best, best != ""
}

// Accounts returns the stable account ID order.
func (o *Orchestrator) Accounts() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, len(o.order))
	copy(out, o.order)
	return out
}

// Package broker implements the broker connection pool (C6): for each
// account, up to M physical stream connections, each capped at K
// subscribed tokens. Every public method that mutates connection state
// takes the pool's reentrant mutex, so a nested call carrying the same
// context re-enters the lock instead of deadlocking.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/streamgate/internal/clients/tradernet"
	"github.com/aristath/streamgate/internal/domain"
	"github.com/aristath/streamgate/internal/gwerrors"
	"github.com/aristath/streamgate/internal/reentrant"
	"github.com/rs/zerolog"
)

// ErrAccountCapacityExceeded is returned when M*K would be exceeded by a
// subscribe request.
var ErrAccountCapacityExceeded = fmt.Errorf("broker: account capacity exceeded")

// CredentialsLookup resolves an account's broker credentials.
type CredentialsLookup func(accountID string) (tradernet.Credentials, bool)

// StreamConnection is the subset of *tradernet.StreamConn the pool needs;
// an interface so tests can substitute a fake transport instead of
// dialing a real broker socket.
type StreamConnection interface {
	ID() string
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, tokens []uint64, mode domain.Mode) error
	Unsubscribe(ctx context.Context, tokens []uint64) error
	TokenCount() int
	IdleSince() time.Time
	Close() error
}

// Dialer creates (but does not connect) a new physical connection for an
// account.
type Dialer func(connID, accountID string, creds tradernet.Credentials, onTick tradernet.TickHandler) StreamConnection

// Pool owns every account's physical stream connections.
type Pool struct {
	log zerolog.Logger

	maxConnsPerAccount int // M
	maxTokensPerConn   int // K
	connectTimeout     time.Duration
	subscribeTimeout   time.Duration
	idleReapAfter      time.Duration

	dial    Dialer
	creds   CredentialsLookup
	onTick  tradernet.TickHandler

	mu         *reentrant.Mutex
	stateMu    sync.RWMutex // protects the accounts map itself (read paths need no reentrant lock)
	accounts   map[string][]StreamConnection
	nextConnID int
}

// Config bundles the pool's tunables.
type Config struct {
	MaxConnsPerAccount int
	MaxTokensPerConn   int
	ConnectTimeout     time.Duration
	SubscribeTimeout   time.Duration
	IdleReapAfter      time.Duration
}

// New creates a connection pool. onTick is called from connection read
// loops and must not block (see tradernet.TickHandler).
func New(cfg Config, dial Dialer, creds CredentialsLookup, onTick tradernet.TickHandler, log zerolog.Logger) *Pool {
	return &Pool{
		log:                log.With().Str("component", "broker_pool").Logger(),
		maxConnsPerAccount: cfg.MaxConnsPerAccount,
		maxTokensPerConn:   cfg.MaxTokensPerConn,
		connectTimeout:     cfg.ConnectTimeout,
		subscribeTimeout:   cfg.SubscribeTimeout,
		idleReapAfter:      cfg.IdleReapAfter,
		dial:               dial,
		creds:              creds,
		onTick:             onTick,
		mu:                 reentrant.New(),
		accounts:           make(map[string][]StreamConnection),
	}
}

// Subscribe distributes tokens across an account's connections, creating
// new ones on demand up to M. It fails with ErrAccountCapacityExceeded if
// M*K would be exceeded; no partial subscription is left behind.
func (p *Pool) Subscribe(ctx context.Context, accountID string, tokens []uint64, mode domain.Mode) error {
	if len(tokens) == 0 {
		return nil
	}

	poolCtx, unlock, err := p.mu.Lock(ctx, p.subscribeTimeout)
	if err != nil {
		return fmt.Errorf("broker: acquire pool lock: %w", err)
	}
	defer unlock()

	conns := p.accounts[accountID]

	total := 0
	for _, c := range conns {
		total += c.TokenCount()
	}
	if total+len(tokens) > p.maxConnsPerAccount*p.maxTokensPerConn {
		return gwerrors.New(gwerrors.LimitError, fmt.Errorf("%w: account %s (want %d more, have %d/%d)",
			ErrAccountCapacityExceeded, accountID, len(tokens), total, p.maxConnsPerAccount*p.maxTokensPerConn))
	}

	remaining := tokens
	for _, c := range conns {
		if len(remaining) == 0 {
			break
		}
		free := p.maxTokensPerConn - c.TokenCount()
		if free <= 0 {
			continue
		}
		batch := remaining
		if len(batch) > free {
			batch = batch[:free]
		}
		if err := c.Subscribe(poolCtx, batch, mode); err != nil {
			return fmt.Errorf("broker: subscribe on %s: %w", c.ID(), err)
		}
		remaining = remaining[len(batch):]
	}

	for len(remaining) > 0 {
		if len(conns) >= p.maxConnsPerAccount {
			return gwerrors.New(gwerrors.Fatal, fmt.Errorf("broker: capacity check passed but no connection slot free for account %s", accountID))
		}

		newConn, err := p.openConnection(poolCtx, accountID)
		if err != nil {
			return fmt.Errorf("broker: open connection for %s: %w", accountID, err)
		}
		conns = append(conns, newConn)
		p.setConns(accountID, conns)

		batch := remaining
		if len(batch) > p.maxTokensPerConn {
			batch = batch[:p.maxTokensPerConn]
		}
		if err := newConn.Subscribe(poolCtx, batch, mode); err != nil {
			return fmt.Errorf("broker: subscribe on new connection: %w", err)
		}
		remaining = remaining[len(batch):]
	}

	return nil
}

// Unsubscribe removes tokens from whichever connections carry them and
// opportunistically reaps connections left empty and idle.
func (p *Pool) Unsubscribe(ctx context.Context, accountID string, tokens []uint64) error {
	if len(tokens) == 0 {
		return nil
	}

	poolCtx, unlock, err := p.mu.Lock(ctx, p.subscribeTimeout)
	if err != nil {
		return fmt.Errorf("broker: acquire pool lock: %w", err)
	}
	defer unlock()

	conns := p.accounts[accountID]
	for _, c := range conns {
		if err := c.Unsubscribe(poolCtx, tokens); err != nil {
			return fmt.Errorf("broker: unsubscribe on %s: %w", c.ID(), err)
		}
	}

	p.reapIdleLocked(accountID)
	return nil
}

// ReapIdle closes and removes connections that are empty and have been
// idle past idleReapAfter. Safe to call periodically from a scheduled
// job; it takes the pool's own lock.
func (p *Pool) ReapIdle(ctx context.Context) error {
	_, unlock, err := p.mu.Lock(ctx, p.subscribeTimeout)
	if err != nil {
		return fmt.Errorf("broker: acquire pool lock: %w", err)
	}
	defer unlock()

	for accountID := range p.accounts {
		p.reapIdleLocked(accountID)
	}
	return nil
}

// reapIdleLocked assumes the pool lock is already held.
func (p *Pool) reapIdleLocked(accountID string) {
	conns := p.accounts[accountID]
	kept := conns[:0]
	for _, c := range conns {
		empty := c.TokenCount() == 0
		idle := time.Since(c.IdleSince()) > p.idleReapAfter
		if empty && idle {
			if err := c.Close(); err != nil {
				p.log.Warn().Err(err).Str("connection_id", c.ID()).Msg("error closing idle connection")
			}
			p.log.Info().Str("connection_id", c.ID()).Str("account_id", accountID).Msg("reaped idle connection")
			continue
		}
		kept = append(kept, c)
	}
	p.setConns(accountID, kept)
}

func (p *Pool) openConnection(ctx context.Context, accountID string) (StreamConnection, error) {
	creds, ok := p.creds(accountID)
	if !ok {
		return nil, gwerrors.New(gwerrors.Validation, fmt.Errorf("no credentials configured for account %s", accountID))
	}

	p.nextConnID++
	connID := fmt.Sprintf("%s-%d", accountID, p.nextConnID)

	conn := p.dial(connID, accountID, creds, p.onTick)

	connectCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()
	if err := conn.Connect(connectCtx); err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *Pool) setConns(accountID string, conns []StreamConnection) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if len(conns) == 0 {
		delete(p.accounts, accountID)
		return
	}
	p.accounts[accountID] = conns
}

// Capacity returns (used, total) token capacity for an account, for the
// streaming orchestrator's assignment algorithm.
func (p *Pool) Capacity(accountID string) (used, total int) {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	for _, c := range p.accounts[accountID] {
		used += c.TokenCount()
	}
	return used, p.maxConnsPerAccount * p.maxTokensPerConn
}

// ConnectionCount returns how many physical connections an account
// currently has open.
func (p *Pool) ConnectionCount(accountID string) int {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return len(p.accounts[accountID])
}

// Shutdown closes every connection across every account.
func (p *Pool) Shutdown(ctx context.Context) error {
	_, unlock, err := p.mu.Lock(ctx, p.subscribeTimeout)
	if err != nil {
		return fmt.Errorf("broker: acquire pool lock: %w", err)
	}
	defer unlock()

	for accountID, conns := range p.accounts {
		for _, c := range conns {
			if err := c.Close(); err != nil {
				p.log.Warn().Err(err).Str("connection_id", c.ID()).Msg("error during shutdown close")
			}
		}
		delete(p.accounts, accountID)
	}
	return nil
}

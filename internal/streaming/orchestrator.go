// Package streaming implements the streaming orchestrator (C12): it
// drives the pipeline's lifecycle, turns durable subscriptions into
// live broker-side subscriptions balanced across accounts, and keeps an
// in-memory per-account token index for O(1) lookup downstream.
package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/streamgate/internal/accounts"
	"github.com/aristath/streamgate/internal/broker"
	"github.com/aristath/streamgate/internal/domain"
	"github.com/aristath/streamgate/internal/events"
	"github.com/aristath/streamgate/internal/registry"
	"github.com/aristath/streamgate/internal/store"
	"github.com/rs/zerolog"
)

// Orchestrator owns subscription-to-account assignment and the
// incremental add/remove/reconcile lifecycle.
type Orchestrator struct {
	subs     *store.SubscriptionStore
	accounts *accounts.Orchestrator
	pool     *broker.Pool
	reg      *registry.Registry
	events   *events.Bus
	log      zerolog.Logger

	reconcileDebounce time.Duration

	// reconcileMu serializes add/remove/reconcile so concurrent callers
	// never race on assignment decisions. Start, Add and Remove hold it
	// across their broker pool calls; Reconcile holds it only for the
	// debounce check.
	reconcileMu sync.Mutex

	assignMu    sync.RWMutex
	assignments map[string]map[uint64]domain.Instrument // account_id -> token -> descriptor

	lastReconcile time.Time
}

// New creates a streaming Orchestrator over its collaborators.
func New(subs *store.SubscriptionStore, acc *accounts.Orchestrator, pool *broker.Pool, reg *registry.Registry, bus *events.Bus, reconcileDebounce time.Duration, log zerolog.Logger) *Orchestrator {
	if reconcileDebounce <= 0 {
		reconcileDebounce = 5 * time.Second
	}
	return &Orchestrator{
		subs:              subs,
		accounts:          acc,
		pool:              pool,
		reg:               reg,
		events:            bus,
		log:               log.With().Str("component", "streaming_orchestrator").Logger(),
		reconcileDebounce: reconcileDebounce,
		assignments:       make(map[string]map[uint64]domain.Instrument),
	}
}

// Start loads active subscriptions, assigns any unassigned ones to the
// account with the most remaining capacity, and instructs the broker
// pool to subscribe every account's assigned tokens. Each account's
// StreamConn read loop (started when the pool opens a connection) is the
// per-account consumer task the tick pipeline runs on; there is no
// separate consumer goroutine here since every connection already reads
// on its own goroutine and invokes the shared onTick callback wired into
// the pool at construction.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	subs, err := o.subs.ListActive()
	if err != nil {
		return fmt.Errorf("streaming: load active subscriptions: %w", err)
	}

	byAccount := make(map[string][]domain.Subscription)
	for _, s := range subs {
		if s.AccountID == nil || *s.AccountID == "" {
			accountID, ok := o.chooseAccount()
			if !ok {
				return fmt.Errorf("streaming: no account available to assign token %d", s.Token)
			}
			if err := o.subs.SetAccount(s.Token, accountID); err != nil {
				return fmt.Errorf("streaming: persist assignment for %d: %w", s.Token, err)
			}
			s.AccountID = &accountID
		}
		byAccount[*s.AccountID] = append(byAccount[*s.AccountID], s)
	}

	for accountID, accountSubs := range byAccount {
		tokens := make([]uint64, 0, len(accountSubs))
		for _, s := range accountSubs {
			tokens = append(tokens, s.Token)
			o.indexAssignment(accountID, s.Token)
		}
		mode := domain.ModeFull
		if len(accountSubs) > 0 {
			mode = accountSubs[0].Mode
		}
		if err := o.pool.Subscribe(ctx, accountID, tokens, mode); err != nil {
			return fmt.Errorf("streaming: subscribe account %s: %w", accountID, err)
		}
	}

	o.log.Info().Int("subscriptions", len(subs)).Int("accounts", len(byAccount)).Msg("streaming orchestrator started")
	return nil
}

// Add persists a new subscription, assigns it to an account with
// capacity, instructs the pool, updates the in-memory index, and emits a
// subscription_created event. This never triggers a full reload. Adding a
// token that is already active and assigned is a no-op.
func (o *Orchestrator) Add(ctx context.Context, token uint64, mode domain.Mode) error {
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	existing, found, err := o.subs.Get(token)
	if err != nil {
		return fmt.Errorf("streaming: lookup subscription %d: %w", token, err)
	}
	if found && existing.Status == domain.SubscriptionActive && existing.AccountID != nil {
		return nil
	}

	accountID, ok := o.chooseAccount()
	if !ok {
		return fmt.Errorf("streaming: no account available to assign token %d", token)
	}

	if err := o.subs.Upsert(domain.Subscription{
		Token:     token,
		Mode:      mode,
		AccountID: &accountID,
		Status:    domain.SubscriptionActive,
	}); err != nil {
		return fmt.Errorf("streaming: persist subscription %d: %w", token, err)
	}

	if err := o.pool.Subscribe(ctx, accountID, []uint64{token}, mode); err != nil {
		return fmt.Errorf("streaming: subscribe %d on %s: %w", token, accountID, err)
	}

	o.indexAssignment(accountID, token)

	o.events.Publish(domain.SubscriptionEvent{
		EventType:       domain.EventSubscriptionCreated,
		InstrumentToken: token,
		Metadata:        map[string]interface{}{"account_id": accountID, "mode": mode},
	})
	return nil
}

// Remove deactivates a subscription and unsubscribes it from its
// assigned account, symmetric to Add.
func (o *Orchestrator) Remove(ctx context.Context, token uint64) error {
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	rec, ok, err := o.subs.Get(token)
	if err != nil {
		return fmt.Errorf("streaming: lookup subscription %d: %w", token, err)
	}
	if !ok {
		return nil
	}

	if err := o.subs.Deactivate(token); err != nil {
		return fmt.Errorf("streaming: deactivate %d: %w", token, err)
	}

	if rec.AccountID != nil {
		if err := o.pool.Unsubscribe(ctx, *rec.AccountID, []uint64{token}); err != nil {
			return fmt.Errorf("streaming: unsubscribe %d from %s: %w", token, *rec.AccountID, err)
		}
		o.removeAssignment(*rec.AccountID, token)
	}

	o.events.Publish(domain.SubscriptionEvent{
		EventType:       domain.EventSubscriptionRemoved,
		InstrumentToken: token,
	})
	return nil
}

// Reconcile recomputes the full assignment diff against the durable
// subscription set and converges the pool to match. Debounced to at
// most once per reconcileDebounce; a call inside the debounce window is
// a no-op.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	o.reconcileMu.Lock()
	if time.Since(o.lastReconcile) < o.reconcileDebounce {
		o.reconcileMu.Unlock()
		return nil
	}
	o.lastReconcile = time.Now()
	o.reconcileMu.Unlock()

	subs, err := o.subs.ListActive()
	if err != nil {
		return fmt.Errorf("streaming: reconcile: load active subscriptions: %w", err)
	}

	desired := make(map[uint64]domain.Subscription, len(subs))
	for _, s := range subs {
		desired[s.Token] = s
	}

	o.assignMu.RLock()
	current := make(map[uint64]string)
	for accountID, tokens := range o.assignments {
		for token := range tokens {
			current[token] = accountID
		}
	}
	o.assignMu.RUnlock()

	for token, accountID := range current {
		if _, stillDesired := desired[token]; !stillDesired {
			if err := o.pool.Unsubscribe(ctx, accountID, []uint64{token}); err != nil {
				o.log.Warn().Err(err).Uint64("token", token).Msg("reconcile: unsubscribe failed")
				continue
			}
			o.removeAssignment(accountID, token)
		}
	}

	for token, sub := range desired {
		if _, assigned := current[token]; assigned {
			continue
		}
		accountID, ok := o.chooseAccount()
		if !ok {
			o.log.Warn().Uint64("token", token).Msg("reconcile: no account available")
			continue
		}
		if err := o.subs.SetAccount(token, accountID); err != nil {
			o.log.Warn().Err(err).Uint64("token", token).Msg("reconcile: persist assignment failed")
			continue
		}
		if err := o.pool.Subscribe(ctx, accountID, []uint64{token}, sub.Mode); err != nil {
			o.log.Warn().Err(err).Uint64("token", token).Msg("reconcile: subscribe failed")
			continue
		}
		o.indexAssignment(accountID, token)
	}

	return nil
}

func (o *Orchestrator) chooseAccount() (string, bool) {
	remaining := make(map[string]int)
	for _, accountID := range o.accounts.Accounts() {
		used, total := o.pool.Capacity(accountID)
		remaining[accountID] = total - used
	}
	return o.accounts.MostAvailable(remaining)
}

func (o *Orchestrator) indexAssignment(accountID string, token uint64) {
	inst, _ := o.reg.Lookup(token)

	o.assignMu.Lock()
	defer o.assignMu.Unlock()
	if o.assignments[accountID] == nil {
		o.assignments[accountID] = make(map[uint64]domain.Instrument)
	}
	o.assignments[accountID][token] = inst
}

func (o *Orchestrator) removeAssignment(accountID string, token uint64) {
	o.assignMu.Lock()
	defer o.assignMu.Unlock()
	if tokens, ok := o.assignments[accountID]; ok {
		delete(tokens, token)
		if len(tokens) == 0 {
			delete(o.assignments, accountID)
		}
	}
}

// AssignedTokens returns the tokens currently assigned to an account.
func (o *Orchestrator) AssignedTokens(accountID string) map[uint64]domain.Instrument {
	o.assignMu.RLock()
	defer o.assignMu.RUnlock()
	out := make(map[uint64]domain.Instrument, len(o.assignments[accountID]))
	for k, v := range o.assignments[accountID] {
		out[k] = v
	}
	return out
}

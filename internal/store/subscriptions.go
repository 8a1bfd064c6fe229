// Package store implements the durable subscription set (C3) and the
// order task rows the executor (C13) reads and writes, over the same
// database/sql handle the teacher's internal/database wraps.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/streamgate/internal/database/repositories"
	"github.com/aristath/streamgate/internal/domain"
)

// SubscriptionStore is CRUD over the durable subscription set. All
// operations are atomic per record; List is a single snapshot query.
// Initialization is idempotent and single-flight guarded.
type SubscriptionStore struct {
	*repositories.BaseRepository
	initOnce sync.Once
	initErr  error
}

// NewSubscriptionStore wraps a *sql.DB for subscription persistence.
func NewSubscriptionStore(db *sql.DB, log zerolog.Logger) *SubscriptionStore {
	return &SubscriptionStore{
		BaseRepository: repositories.NewBase(db, log.With().Str("repo", "subscriptions").Logger()),
	}
}

// Init is idempotent and safe to call from multiple goroutines
// concurrently; only the first caller does the work, the rest wait for it
// and share its result (single-flight).
func (s *SubscriptionStore) Init() error {
	s.initOnce.Do(func() {
		_, s.initErr = s.DB().Exec(`SELECT 1 FROM subscriptions LIMIT 1`)
	})
	return s.initErr
}

// Upsert inserts or updates a subscription record, keyed by token.
func (s *SubscriptionStore) Upsert(rec domain.Subscription) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.DB().Exec(`
		INSERT INTO subscriptions (token, tradingsymbol, segment, mode, status, account_id, created_at, updated_at)
		VALUES (?, '', '', ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			mode = excluded.mode,
			status = excluded.status,
			account_id = excluded.account_id,
			updated_at = excluded.updated_at
	`, rec.Token, rec.Mode, rec.Status, rec.AccountID, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert subscription %d: %w", rec.Token, err)
	}
	return nil
}

// ListActive returns a single snapshot of every subscription with
// status=active.
func (s *SubscriptionStore) ListActive() ([]domain.Subscription, error) {
	rows, err := s.DB().Query(`
		SELECT token, mode, status, account_id, created_at, updated_at
		FROM subscriptions WHERE status = ?`, domain.SubscriptionActive)
	if err != nil {
		return nil, fmt.Errorf("store: list active subscriptions: %w", err)
	}
	defer rows.Close()

	var out []domain.Subscription
	for rows.Next() {
		var rec domain.Subscription
		var accountID sql.NullString
		if err := rows.Scan(&rec.Token, &rec.Mode, &rec.Status, &accountID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan subscription: %w", err)
		}
		if accountID.Valid {
			v := accountID.String
			rec.AccountID = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Deactivate marks a subscription inactive. It does not delete the row,
// so a later re-add can see its history.
func (s *SubscriptionStore) Deactivate(token uint64) error {
	_, err := s.DB().Exec(`UPDATE subscriptions SET status = ?, updated_at = ? WHERE token = ?`,
		domain.SubscriptionInactive, time.Now().UTC(), token)
	if err != nil {
		return fmt.Errorf("store: deactivate %d: %w", token, err)
	}
	return nil
}

// SetAccount assigns (or reassigns) the account owning a subscription's
// streaming capacity.
func (s *SubscriptionStore) SetAccount(token uint64, accountID string) error {
	_, err := s.DB().Exec(`UPDATE subscriptions SET account_id = ?, updated_at = ? WHERE token = ?`,
		accountID, time.Now().UTC(), token)
	if err != nil {
		return fmt.Errorf("store: set account for %d: %w", token, err)
	}
	return nil
}

// Get returns a single subscription record, or (zero, false) if absent.
func (s *SubscriptionStore) Get(token uint64) (domain.Subscription, bool, error) {
	var rec domain.Subscription
	var accountID sql.NullString
	err := s.DB().QueryRow(`
		SELECT token, mode, status, account_id, created_at, updated_at
		FROM subscriptions WHERE token = ?`, token).
		Scan(&rec.Token, &rec.Mode, &rec.Status, &accountID, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Subscription{}, false, nil
	}
	if err != nil {
		return domain.Subscription{}, false, fmt.Errorf("store: get %d: %w", token, err)
	}
	if accountID.Valid {
		v := accountID.String
		rec.AccountID = &v
	}
	return rec, true, nil
}

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/streamgate/internal/database/repositories"
	"github.com/aristath/streamgate/internal/domain"
)

// OrderStore persists order task rows for the executor (C13). Every state
// transition is written through to durable storage; the in-memory index
// the executor keeps is purely a cache over this store.
type OrderStore struct {
	*repositories.BaseRepository
}

// NewOrderStore wraps a *sql.DB for order task persistence.
func NewOrderStore(db *sql.DB, log zerolog.Logger) *OrderStore {
	return &OrderStore{
		BaseRepository: repositories.NewBase(db, log.With().Str("repo", "orders").Logger()),
	}
}

// SubmitPending inserts a new PENDING row for idempotencyKey if none
// exists. If a row already exists it is returned unmodified (the caller
// decides what to do with a non-terminal or terminal existing row) along
// with existed=true.
func (s *OrderStore) SubmitPending(task domain.OrderTask) (existing domain.OrderTask, existed bool, err error) {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.NextAttemptAt = now

	paramsJSON, err := json.Marshal(task.Params)
	if err != nil {
		return domain.OrderTask{}, false, fmt.Errorf("store: marshal params: %w", err)
	}

	_, err = s.DB().Exec(`
		INSERT INTO order_tasks
			(task_id, idempotency_key, operation, params, account_id, status,
			 attempts, max_attempts, next_attempt_at, row_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, 0, ?, ?)
	`, task.TaskID, task.IdempotencyKey, task.Operation, string(paramsJSON), task.AccountID,
		domain.TaskPending, task.MaxAttempts, task.NextAttemptAt, task.CreatedAt, task.UpdatedAt)
	if err == nil {
		return task, false, nil
	}

	// Unique constraint on idempotency_key: someone beat us to it (or a
	// prior submission with the same key is still live / terminal).
	got, found, getErr := s.GetByIdempotencyKey(task.IdempotencyKey)
	if getErr != nil {
		return domain.OrderTask{}, false, fmt.Errorf("store: submit race lookup: %w", getErr)
	}
	if !found {
		return domain.OrderTask{}, false, fmt.Errorf("store: insert failed and row not found: %w", err)
	}
	return got, true, nil
}

// GetByIdempotencyKey looks up a task row by its idempotency key.
func (s *OrderStore) GetByIdempotencyKey(key string) (domain.OrderTask, bool, error) {
	row := s.DB().QueryRow(`
		SELECT task_id, idempotency_key, operation, params, account_id, status,
		       attempts, max_attempts, last_error, result, next_attempt_at, row_version, created_at, updated_at
		FROM order_tasks WHERE idempotency_key = ?`, key)
	return scanTask(row)
}

// Get looks up a task row by task ID.
func (s *OrderStore) Get(taskID string) (domain.OrderTask, bool, error) {
	row := s.DB().QueryRow(`
		SELECT task_id, idempotency_key, operation, params, account_id, status,
		       attempts, max_attempts, last_error, result, next_attempt_at, row_version, created_at, updated_at
		FROM order_tasks WHERE task_id = ?`, taskID)
	return scanTask(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (domain.OrderTask, bool, error) {
	var t domain.OrderTask
	var paramsJSON string
	var lastError, result sql.NullString
	err := row.Scan(&t.TaskID, &t.IdempotencyKey, &t.Operation, &paramsJSON, &t.AccountID, &t.Status,
		&t.Attempts, &t.MaxAttempts, &lastError, &result, &t.NextAttemptAt, &t.RowVersion, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.OrderTask{}, false, nil
	}
	if err != nil {
		return domain.OrderTask{}, false, fmt.Errorf("store: scan order task: %w", err)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &t.Params); err != nil {
		return domain.OrderTask{}, false, fmt.Errorf("store: unmarshal params: %w", err)
	}
	if lastError.Valid {
		v := lastError.String
		t.LastError = &v
	}
	if result.Valid {
		var r domain.OrderResult
		if err := json.Unmarshal([]byte(result.String), &r); err == nil {
			t.Result = &r
		}
	}
	return t, true, nil
}

// ListDue returns PENDING or RETRYING rows whose next_attempt_at has
// arrived, oldest first, capped at limit.
func (s *OrderStore) ListDue(now time.Time, limit int) ([]domain.OrderTask, error) {
	rows, err := s.DB().Query(`
		SELECT task_id, idempotency_key, operation, params, account_id, status,
		       attempts, max_attempts, last_error, result, next_attempt_at, row_version, created_at, updated_at
		FROM order_tasks
		WHERE status IN (?, ?) AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
		LIMIT ?`, domain.TaskPending, domain.TaskRetrying, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list due tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderTask
	for rows.Next() {
		t, ok, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}

// Claim transitions a row to RUNNING iff it is still at expectedVersion,
// atomically bumping row_version (optimistic CAS). Returns false if
// another worker already claimed it.
func (s *OrderStore) Claim(taskID string, expectedVersion int64) (bool, error) {
	res, err := s.DB().Exec(`
		UPDATE order_tasks SET status = ?, row_version = row_version + 1, updated_at = ?
		WHERE task_id = ? AND row_version = ?`,
		domain.TaskRunning, time.Now().UTC(), taskID, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("store: claim %s: %w", taskID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Complete transitions a row to COMPLETED with a result.
func (s *OrderStore) Complete(taskID string, result domain.OrderResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("store: marshal result: %w", err)
	}
	_, err = s.DB().Exec(`
		UPDATE order_tasks SET status = ?, result = ?, row_version = row_version + 1, updated_at = ?
		WHERE task_id = ?`, domain.TaskCompleted, string(resultJSON), time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("store: complete %s: %w", taskID, err)
	}
	return nil
}

// Fail transitions a row directly to FAILED (permanent error).
func (s *OrderStore) Fail(taskID string, cause string) error {
	_, err := s.DB().Exec(`
		UPDATE order_tasks SET status = ?, last_error = ?, row_version = row_version + 1, updated_at = ?
		WHERE task_id = ?`, domain.TaskFailed, cause, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("store: fail %s: %w", taskID, err)
	}
	return nil
}

// RetryOrDeadLetter transitions a row to RETRYING with nextAttempt, unless
// attempts has reached maxAttempts in which case it goes to DEAD_LETTER.
func (s *OrderStore) RetryOrDeadLetter(taskID string, attempts, maxAttempts int, nextAttempt time.Time, cause string) error {
	status := domain.TaskRetrying
	if attempts >= maxAttempts {
		status = domain.TaskDeadLetter
	}
	_, err := s.DB().Exec(`
		UPDATE order_tasks
		SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, row_version = row_version + 1, updated_at = ?
		WHERE task_id = ?`, status, attempts, cause, nextAttempt, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("store: retry/dead-letter %s: %w", taskID, err)
	}
	return nil
}

// DemoteRunningToRetrying is run once at startup: any row left RUNNING by
// a crashed process might have had its side effect already applied, so it
// is demoted to RETRYING with a grace delay rather than re-claimed blind.
func (s *OrderStore) DemoteRunningToRetrying(grace time.Duration) (int64, error) {
	next := time.Now().UTC().Add(grace)
	res, err := s.DB().Exec(`
		UPDATE order_tasks SET status = ?, next_attempt_at = ?, row_version = row_version + 1, updated_at = ?
		WHERE status = ?`, domain.TaskRetrying, next, time.Now().UTC(), domain.TaskRunning)
	if err != nil {
		return 0, fmt.Errorf("store: demote running rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

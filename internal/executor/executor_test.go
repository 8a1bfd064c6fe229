package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/streamgate/internal/accounts"
	"github.com/aristath/streamgate/internal/clients/tradernet"
	"github.com/aristath/streamgate/internal/database"
	"github.com/aristath/streamgate/internal/domain"
	"github.com/aristath/streamgate/internal/metrics"
	"github.com/aristath/streamgate/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, handler http.HandlerFunc) (*Executor, *store.OrderStore) {
	t.Helper()
	return newTestExecutorWithConfig(t, handler, Config{
		WorkerCount:  2,
		PollInterval: 5 * time.Millisecond,
		BatchSize:    10,
		MaxAttempts:  3,
		BaseBackoff:  time.Millisecond,
		MaxBackoff:   10 * time.Millisecond,
		CrashGrace:   time.Millisecond,
		// High enough that max_attempts (not the breaker) decides these
		// tests' terminal state; the breaker's own skip-the-account
		// behavior is covered by TestExecuteSkipsAccountWhileCircuitOpen.
		CircuitFailures: 10,
		CircuitRecovery: time.Hour,
		CircuitSuccess:  1,
	})
}

func newTestExecutorWithConfig(t *testing.T, handler http.HandlerFunc, cfg Config) (*Executor, *store.OrderStore) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	dbPath := filepath.Join(t.TempDir(), "executor_test.db")
	db, err := database.New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	orders := store.NewOrderStore(db.Conn(), zerolog.Nop())
	acc := accounts.New([]string{"acc-1"}, nil, time.Second, nil, zerolog.Nop())
	client := tradernet.NewClient(server.URL, zerolog.Nop())

	exec := New(orders, acc, client, metrics.NewRegistry(), zerolog.Nop(), cfg)
	return exec, orders
}

func waitForTerminal(t *testing.T, exec *Executor, taskID string, timeout time.Duration) domain.OrderTask {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, ok, err := exec.Get(taskID)
		require.NoError(t, err)
		if ok && task.Status.Terminal() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state within %s", taskID, timeout)
	return domain.OrderTask{}
}

func TestSubmitIsIdempotentForIdenticalParams(t *testing.T) {
	exec, _ := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("broker should not be contacted by Submit alone")
	})

	params := domain.OrderParams{Symbol: "INFY", Side: "BUY", Quantity: 10, Price: 1500}
	id1, err := exec.Submit(domain.OpPlace, params, "acc-1")
	require.NoError(t, err)
	id2, err := exec.Submit(domain.OpPlace, params, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestRunCompletesASuccessfulPlaceOrder(t *testing.T) {
	exec, _ := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		resp := tradernet.ServiceResponse{
			Success: true,
			Data:    json.RawMessage(`{"order_id":"B-1","filled_price":1501.5,"status":"FILLED"}`),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	taskID, err := exec.Submit(domain.OpPlace, domain.OrderParams{Symbol: "INFY", Side: "BUY", Quantity: 10, Price: 1500}, "acc-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	go func() {
		_ = exec.Run(ctx)
	}()

	task := waitForTerminal(t, exec, taskID, 400*time.Millisecond)
	cancel()

	assert.Equal(t, domain.TaskCompleted, task.Status)
	require.NotNil(t, task.Result)
	assert.Equal(t, "B-1", task.Result.BrokerOrderID)
}

func TestRunDeadLettersAfterExhaustingAttemptsOnTransientFailure(t *testing.T) {
	exec, _ := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	taskID, err := exec.Submit(domain.OpPlace, domain.OrderParams{Symbol: "TCS", Side: "SELL", Quantity: 5}, "acc-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() {
		_ = exec.Run(ctx)
	}()

	task := waitForTerminal(t, exec, taskID, 900*time.Millisecond)
	assert.Equal(t, domain.TaskDeadLetter, task.Status)
	assert.GreaterOrEqual(t, task.Attempts, 3)
}

func TestRunFailsImmediatelyOnValidationError(t *testing.T) {
	exec, _ := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(tradernet.ServiceResponse{Success: false, Error: strPtr("bad symbol")})
	})

	taskID, err := exec.Submit(domain.OpPlace, domain.OrderParams{Symbol: "???", Side: "BUY", Quantity: 1}, "acc-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go func() {
		_ = exec.Run(ctx)
	}()

	task := waitForTerminal(t, exec, taskID, 250*time.Millisecond)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Equal(t, 0, task.Attempts, "a permanent failure must not consume a retry attempt")
}

func TestBackoffWithFullJitterStaysWithinCap(t *testing.T) {
	base := 10 * time.Millisecond
	max := 200 * time.Millisecond

	d1 := backoffWithFullJitter(1, base, max)
	assert.LessOrEqual(t, d1, base)

	for i := 0; i < 20; i++ {
		d := backoffWithFullJitter(10, base, max)
		assert.LessOrEqual(t, d, max)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}

func TestTaskCacheEvictsOldestBeyondMaxSize(t *testing.T) {
	c := newTaskCache(2)
	c.put("a", domain.OrderTask{TaskID: "a"})
	c.put("b", domain.OrderTask{TaskID: "b"})
	c.put("c", domain.OrderTask{TaskID: "c"})

	_, ok := c.get("a")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.get("c")
	assert.True(t, ok)
}

func TestExecuteSkipsAccountWhileCircuitOpen(t *testing.T) {
	exec, _ := newTestExecutorWithConfig(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, Config{
		WorkerCount:     1,
		PollInterval:    5 * time.Millisecond,
		BatchSize:       10,
		MaxAttempts:     10,
		BaseBackoff:     time.Millisecond,
		MaxBackoff:      time.Millisecond,
		CrashGrace:      time.Millisecond,
		CircuitFailures: 1, // opens on the very first broker failure
		CircuitRecovery: time.Hour,
		CircuitSuccess:  1,
	})

	taskID, err := exec.Submit(domain.OpPlace, domain.OrderParams{Symbol: "WIPRO", Side: "BUY", Quantity: 1}, "acc-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	go func() {
		_ = exec.Run(ctx)
	}()
	<-ctx.Done()
	cancel()
	time.Sleep(20 * time.Millisecond) // let in-flight workers settle after cancellation

	task, ok, err := exec.Get(taskID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.TaskRetrying, task.Status, "the breaker opening should pin the task in RETRYING, not exhaust attempts")
	assert.Equal(t, 1, task.Attempts, "only the attempt that tripped the breaker should have run")
}

func strPtr(s string) *string { return &s }

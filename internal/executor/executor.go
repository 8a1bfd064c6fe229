// Package executor implements the order executor (C13): a durable,
// idempotent task queue with a bounded worker pool, exponential backoff
// with full jitter, a per-account circuit breaker, and a dead letter path
// for tasks that exhaust their attempt budget.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/aristath/streamgate/internal/accounts"
	"github.com/aristath/streamgate/internal/bus"
	"github.com/aristath/streamgate/internal/clients/tradernet"
	"github.com/aristath/streamgate/internal/domain"
	"github.com/aristath/streamgate/internal/gwerrors"
	"github.com/aristath/streamgate/internal/metrics"
	"github.com/aristath/streamgate/internal/ratelimit"
	"github.com/aristath/streamgate/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config bundles the executor's tunables.
type Config struct {
	WorkerCount     int
	PollInterval    time.Duration
	BatchSize       int
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	CrashGrace      time.Duration
	MaxCachedTasks  int
	CircuitFailures int
	CircuitRecovery time.Duration
	CircuitSuccess  int
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	if c.CrashGrace <= 0 {
		c.CrashGrace = 5 * time.Second
	}
	if c.MaxCachedTasks <= 0 {
		c.MaxCachedTasks = 5000
	}
	return c
}

// Executor polls the durable order task queue and runs due tasks against
// the broker under account leases.
type Executor struct {
	orders   *store.OrderStore
	accounts *accounts.Orchestrator
	client   *tradernet.Client
	reg      *metrics.Registry
	log      zerolog.Logger
	cfg      Config

	breakersMu sync.Mutex
	breakers   map[string]*bus.CircuitBreaker

	cache *taskCache
}

// New creates an Executor over its collaborators.
func New(orders *store.OrderStore, acc *accounts.Orchestrator, client *tradernet.Client, reg *metrics.Registry, log zerolog.Logger, cfg Config) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		orders:   orders,
		accounts: acc,
		client:   client,
		reg:      reg,
		log:      log.With().Str("component", "order_executor").Logger(),
		cfg:      cfg,
		breakers: make(map[string]*bus.CircuitBreaker),
		cache:    newTaskCache(cfg.MaxCachedTasks),
	}
}

// IdempotencyKey derives the dedup key for an operation against an
// account: identical (op, params, account) submissions collapse onto the
// same task row.
func IdempotencyKey(op domain.OrderOperation, params domain.OrderParams, accountID string) string {
	paramsJSON, _ := json.Marshal(params)
	h := sha256.Sum256([]byte(string(op) + "|" + accountID + "|" + string(paramsJSON)))
	return hex.EncodeToString(h[:])
}

// Submit enqueues an order task, returning the existing task's ID
// (without re-running it) if an identical submission is already
// non-terminal or already completed.
func (e *Executor) Submit(op domain.OrderOperation, params domain.OrderParams, accountID string) (string, error) {
	key := IdempotencyKey(op, params, accountID)
	task := domain.OrderTask{
		TaskID:         uuid.NewString(),
		IdempotencyKey: key,
		Operation:      op,
		Params:         params,
		AccountID:      accountID,
		MaxAttempts:    e.cfg.MaxAttempts,
	}

	existing, existed, err := e.orders.SubmitPending(task)
	if err != nil {
		return "", fmt.Errorf("executor: submit: %w", err)
	}
	if existed {
		e.log.Debug().Str("task_id", existing.TaskID).Bool("existed", true).Msg("order task deduplicated")
	}
	if e.reg != nil {
		e.reg.OrderTasksTotal.WithLabelValues("submitted").Inc()
	}
	return existing.TaskID, nil
}

// Run recovers crashed RUNNING rows, then starts the poller and worker
// pool. It blocks until ctx is cancelled, draining in-flight tasks before
// returning.
func (e *Executor) Run(ctx context.Context) error {
	demoted, err := e.orders.DemoteRunningToRetrying(e.cfg.CrashGrace)
	if err != nil {
		return fmt.Errorf("executor: crash recovery: %w", err)
	}
	if demoted > 0 {
		e.log.Warn().Int64("rows", demoted).Msg("demoted RUNNING tasks left over from a prior crash")
	}

	tasks := make(chan domain.OrderTask, e.cfg.BatchSize)

	var workers sync.WaitGroup
	for i := 0; i < e.cfg.WorkerCount; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			e.worker(ctx, tasks)
		}()
	}

	e.poll(ctx, tasks)

	close(tasks)
	workers.Wait()
	return nil
}

// poll fetches due tasks on a ticker and claims+dispatches each to the
// worker pool, blocking until ctx is cancelled.
func (e *Executor) poll(ctx context.Context, tasks chan<- domain.OrderTask) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := e.orders.ListDue(time.Now().UTC(), e.cfg.BatchSize)
			if err != nil {
				e.log.Error().Err(err).Msg("poll: list due tasks failed")
				continue
			}
			for _, task := range due {
				if e.breakerFor(task.AccountID).State() == bus.StateOpen {
					continue // skip this account's tasks this round, let other accounts' tasks through
				}
				claimed, err := e.orders.Claim(task.TaskID, task.RowVersion)
				if err != nil {
					e.log.Error().Err(err).Str("task_id", task.TaskID).Msg("claim failed")
					continue
				}
				if !claimed {
					continue // another worker (or process) already claimed it
				}
				select {
				case tasks <- task:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (e *Executor) worker(ctx context.Context, tasks <-chan domain.OrderTask) {
	for {
		select {
		case task, ok := <-tasks:
			if !ok {
				return
			}
			e.execute(ctx, task)
		case <-ctx.Done():
			return
		}
	}
}

// execute runs one claimed task under its account's lease and applies the
// resulting state transition.
func (e *Executor) execute(ctx context.Context, task domain.OrderTask) {
	breaker := e.breakerFor(task.AccountID)

	if !breaker.Allow() {
		e.finishTransient(task, fmt.Errorf("executor: circuit open for account %s", task.AccountID))
		return
	}

	lease, err := e.accounts.Borrow(ctx, task.AccountID, ratelimit.ClassOrder)
	if err != nil {
		// Could not even acquire a lease; treat as transient so the row
		// retries rather than failing permanently on a momentary timeout.
		e.finishTransient(task, err)
		return
	}
	defer lease.Release()

	creds := tradernet.Credentials(lease.Session.Credentials)
	result, err := e.callBroker(lease.Context(), creds, task)
	if err != nil {
		breaker.RecordFailure()
		e.transitionOnError(task, err)
		return
	}
	breaker.RecordSuccess()

	if err := e.orders.Complete(task.TaskID, *result); err != nil {
		e.log.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to persist completion")
		return
	}
	task.Status = domain.TaskCompleted
	task.Result = result
	e.cache.put(task.TaskID, task)
	if e.reg != nil {
		e.reg.OrderTasksTotal.WithLabelValues("completed").Inc()
	}
}

func (e *Executor) callBroker(ctx context.Context, creds tradernet.Credentials, task domain.OrderTask) (*domain.OrderResult, error) {
	req := tradernet.OrderRequest{
		Symbol:   task.Params.Symbol,
		Side:     task.Params.Side,
		Quantity: task.Params.Quantity,
		Price:    task.Params.Price,
		OrderRef: task.Params.OrderRef,
	}

	var (
		dto *tradernet.OrderResult
		err error
	)
	switch task.Operation {
	case domain.OpPlace:
		dto, err = e.client.PlaceOrder(ctx, creds, req)
	case domain.OpModify:
		dto, err = e.client.ModifyOrder(ctx, creds, task.Params.OrderRef, req)
	case domain.OpCancel:
		err = e.client.CancelOrder(ctx, creds, task.Params.OrderRef)
		if err == nil {
			dto = &tradernet.OrderResult{OrderID: task.Params.OrderRef, Status: "CANCELLED"}
		}
	default:
		return nil, gwerrors.New(gwerrors.Validation, fmt.Errorf("executor: unknown operation %q", task.Operation))
	}
	if err != nil {
		return nil, err
	}
	return &domain.OrderResult{
		BrokerOrderID: dto.OrderID,
		FilledPrice:   dto.FilledPrice,
		Status:        dto.Status,
	}, nil
}

// transitionOnError applies the PENDING/RUNNING state machine's error
// branch for a failed attempt: permanent categories fail the task
// immediately, everything else retries with backoff up to max_attempts.
func (e *Executor) transitionOnError(task domain.OrderTask, err error) {
	cat := gwerrors.CategoryOf(err)
	if cat == gwerrors.Validation || cat == gwerrors.Authorization {
		msg := err.Error()
		if ferr := e.orders.Fail(task.TaskID, msg); ferr != nil {
			e.log.Error().Err(ferr).Str("task_id", task.TaskID).Msg("failed to persist FAILED state")
		} else {
			task.Status = domain.TaskFailed
			task.LastError = &msg
			e.cache.put(task.TaskID, task)
		}
		if e.reg != nil {
			e.reg.OrderTasksTotal.WithLabelValues("failed").Inc()
		}
		return
	}

	attempts := task.Attempts + 1
	next := time.Now().UTC().Add(backoffWithFullJitter(attempts, e.cfg.BaseBackoff, e.cfg.MaxBackoff))
	if rerr := e.orders.RetryOrDeadLetter(task.TaskID, attempts, task.MaxAttempts, next, err.Error()); rerr != nil {
		e.log.Error().Err(rerr).Str("task_id", task.TaskID).Msg("failed to persist retry/dead-letter state")
		return
	}
	label := "retrying"
	if attempts >= task.MaxAttempts {
		label = "dead_letter"
	}
	if e.reg != nil {
		e.reg.OrderTasksTotal.WithLabelValues(label).Inc()
	}
}

// finishTransient handles a failure that happened before the broker call
// (lease timeout, circuit open): it counts as a transient attempt without
// bumping the durable attempt counter, since the broker was never
// actually contacted.
func (e *Executor) finishTransient(task domain.OrderTask, err error) {
	next := time.Now().UTC().Add(backoffWithFullJitter(task.Attempts+1, e.cfg.BaseBackoff, e.cfg.MaxBackoff))
	if rerr := e.orders.RetryOrDeadLetter(task.TaskID, task.Attempts, task.MaxAttempts, next, err.Error()); rerr != nil {
		e.log.Error().Err(rerr).Str("task_id", task.TaskID).Msg("failed to persist transient retry")
	}
	if e.reg != nil {
		e.reg.OrderTasksTotal.WithLabelValues("retrying").Inc()
	}
}

func (e *Executor) breakerFor(accountID string) *bus.CircuitBreaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	cb, ok := e.breakers[accountID]
	if !ok {
		cb = bus.NewCircuitBreaker("order_executor_"+accountID, e.cfg.CircuitFailures, e.cfg.CircuitRecovery, e.cfg.CircuitSuccess, e.reg)
		e.breakers[accountID] = cb
	}
	return cb
}

// backoffWithFullJitter computes exponential backoff capped at max, then
// picks a random duration in [0, cap] per the full-jitter strategy (AWS
// architecture blog's "Exponential Backoff And Jitter"): avoids every
// retrying task waking up in lockstep.
func backoffWithFullJitter(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	capped := float64(base) * float64(int64(1)<<uint(attempt-1))
	if capped > float64(max) || capped <= 0 {
		capped = float64(max)
	}
	return time.Duration(rand.Int63n(int64(capped) + 1))
}

// Get rehydrates a task by ID, checking the bounded in-memory cache of
// recently terminal tasks before falling back to durable storage.
func (e *Executor) Get(taskID string) (domain.OrderTask, bool, error) {
	if task, ok := e.cache.get(taskID); ok {
		return task, true, nil
	}
	return e.orders.Get(taskID)
}

// taskCache is a view over recently terminal tasks, bounded at maxSize and
// evicted oldest-inserted first (reads do not refresh an entry's place);
// eviction only drops the in-memory copy, never the durable
// row, so a cache miss simply falls back to a store read.
type taskCache struct {
	mu      sync.Mutex
	maxSize int
	order   []string
	items   map[string]domain.OrderTask
}

func newTaskCache(maxSize int) *taskCache {
	return &taskCache{maxSize: maxSize, items: make(map[string]domain.OrderTask)}
}

func (c *taskCache) put(taskID string, task domain.OrderTask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[taskID]; !exists {
		c.order = append(c.order, taskID)
	}
	c.items[taskID] = task
	for len(c.order) > c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
}

func (c *taskCache) get(taskID string) (domain.OrderTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.items[taskID]
	return t, ok
}

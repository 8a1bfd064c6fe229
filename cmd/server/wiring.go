package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/streamgate/internal/accounts"
	"github.com/aristath/streamgate/internal/batcher"
	"github.com/aristath/streamgate/internal/broker"
	"github.com/aristath/streamgate/internal/bus"
	"github.com/aristath/streamgate/internal/clients/tradernet"
	"github.com/aristath/streamgate/internal/clock"
	"github.com/aristath/streamgate/internal/config"
	"github.com/aristath/streamgate/internal/domain"
	"github.com/aristath/streamgate/internal/events"
	"github.com/aristath/streamgate/internal/metrics"
	"github.com/aristath/streamgate/internal/processor"
	"github.com/aristath/streamgate/internal/registry"
	"github.com/aristath/streamgate/internal/scheduler"
	"github.com/aristath/streamgate/internal/streaming"
	"github.com/aristath/streamgate/internal/validator"
	"github.com/rs/zerolog"
)

// publishJSON builds a batcher.FlushFunc that marshals each item to JSON
// and hands the batch to the bus publisher as one pipelined round trip.
// A circuit-open rejection is already counted by Publisher.PublishBatch
// itself; any other publish/flush failure is counted here as
// dropped_total{reason="publish_failed"} since the whole batch is lost.
func publishJSON[T any](pub *bus.Publisher, subject string, log zerolog.Logger, reg *metrics.Registry) batcher.FlushFunc[T] {
	return func(items []T, trigger string) {
		payloads := make([][]byte, 0, len(items))
		for _, item := range items {
			raw, err := json.Marshal(item)
			if err != nil {
				log.Error().Err(err).Str("subject", subject).Msg("failed to marshal batch item")
				continue
			}
			payloads = append(payloads, raw)
		}
		if len(payloads) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pub.PublishBatch(ctx, subject, payloads); err != nil {
			log.Error().Err(err).Str("subject", subject).Str("trigger", trigger).Int("size", len(payloads)).
				Msg("failed to publish batch")
			if !errors.Is(err, bus.ErrCircuitOpen) && reg != nil {
				reg.DroppedTotal.WithLabelValues("publish_failed").Add(float64(len(payloads)))
			}
		}
	}
}

// newTickHandler wires the validator and processor into the tick
// callback the broker pool invokes from every connection's read loop.
func newTickHandler(instruments *registry.Registry, v *validator.Validator, proc *processor.Processor, reg *metrics.Registry) tradernet.TickHandler {
	return func(tick domain.Tick) bool {
		inst, ok := instruments.Lookup(tick.Token)
		if !ok {
			reg.DroppedTotal.WithLabelValues("unknown_token").Inc()
			return true
		}
		if ok, _ := v.Check(tick, inst); !ok {
			reg.ProcessingErrorsTotal.WithLabelValues("validation").Inc()
			return true
		}
		proc.Process(tick, inst)
		return true
	}
}

// relaySubscriptionEvents drains the streaming orchestrator's lifecycle
// events onto the events publish-batcher channel until ctx is cancelled.
func relaySubscriptionEvents(ctx context.Context, eventBus *events.Bus, eventBatch *batcher.Batcher[domain.SubscriptionEvent]) {
	ch, cancel := eventBus.Subscribe(256)
	defer cancel()
	for {
		select {
		case ev := <-ch:
			eventBatch.Add(ev)
		case <-ctx.Done():
			return
		}
	}
}

type registryRefreshJob struct{ reg *registry.Registry }

func (j *registryRefreshJob) Name() string { return "registry_refresh" }
func (j *registryRefreshJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return j.reg.Refresh(ctx, false)
}

type poolReapJob struct{ pool *broker.Pool }

func (j *poolReapJob) Name() string { return "broker_pool_reap_idle" }
func (j *poolReapJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return j.pool.ReapIdle(ctx)
}

type reconcileJob struct{ orch *streaming.Orchestrator }

func (j *reconcileJob) Name() string { return "streaming_reconcile" }
func (j *reconcileJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return j.orch.Reconcile(ctx)
}

type mockEvictJob struct{ state *streaming.MockState }

func (j *mockEvictJob) Name() string { return "mock_state_evict_expired" }
func (j *mockEvictJob) Run() error {
	j.state.EvictExpired()
	return nil
}

// registerJobs schedules the gateway's background maintenance: instrument
// catalog refresh, idle connection reaping, and a debounced reconcile
// fallback in case an add/remove was missed (e.g. a crash mid-assignment).
func registerJobs(sched *scheduler.Scheduler, instruments *registry.Registry, pool *broker.Pool, streamOrch *streaming.Orchestrator, mockState *streaming.MockState, cfg *config.Config, log zerolog.Logger) {
	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{fmt.Sprintf("@every %s", cfg.RegistryRefreshInterval), &registryRefreshJob{reg: instruments}},
		{"@every 1m0s", &poolReapJob{pool: pool}},
		{fmt.Sprintf("@every %s", cfg.ReconcileDebounce), &reconcileJob{orch: streamOrch}},
	}
	if cfg.EnableMockData {
		jobs = append(jobs, struct {
			schedule string
			job      scheduler.Job
		}{"@every 1m0s", &mockEvictJob{state: mockState}})
	}

	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			log.Error().Err(err).Str("job", j.job.Name()).Msg("failed to register scheduled job")
		}
	}
}

// seedPriceFor picks a plausible starting price for a token that has
// never been seen by the mock state, preferring the instrument's strike
// (options) over a flat fallback.
func seedPriceFor(inst domain.Instrument) float64 {
	if inst.IsOption() && inst.Strike > 0 {
		return inst.Strike
	}
	return 100
}

// runMockFeed synthesizes ticks for every account currently outside
// market hours, substituting them for the broker's real stream. Mode
// switches are atomic per account so a reader never sees a mix of mock
// and live output for the same account.
func runMockFeed(ctx context.Context, cfg *config.Config, calendar *clock.Calendar, acc *accounts.Orchestrator, streamOrch *streaming.Orchestrator, mockState *streaming.MockState, mockMode *streaming.AccountMockMode, onTick tradernet.TickHandler) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			open := calendar.IsOpenNow()
			for _, accountID := range acc.Accounts() {
				mockMode.SetMock(accountID, !open)
				if !mockMode.IsMock(accountID) {
					continue
				}
				for token, inst := range streamOrch.AssignedTokens(accountID) {
					tick := mockState.NextTick(token, seedPriceFor(inst))
					onTick(tick)
				}
			}
		}
	}
}

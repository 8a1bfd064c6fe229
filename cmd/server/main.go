package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/streamgate/internal/accounts"
	"github.com/aristath/streamgate/internal/batcher"
	"github.com/aristath/streamgate/internal/broker"
	"github.com/aristath/streamgate/internal/bus"
	"github.com/aristath/streamgate/internal/clients/tradernet"
	"github.com/aristath/streamgate/internal/clock"
	"github.com/aristath/streamgate/internal/config"
	"github.com/aristath/streamgate/internal/database"
	"github.com/aristath/streamgate/internal/domain"
	"github.com/aristath/streamgate/internal/events"
	"github.com/aristath/streamgate/internal/executor"
	"github.com/aristath/streamgate/internal/metrics"
	"github.com/aristath/streamgate/internal/processor"
	"github.com/aristath/streamgate/internal/ratelimit"
	"github.com/aristath/streamgate/internal/registry"
	"github.com/aristath/streamgate/internal/scheduler"
	"github.com/aristath/streamgate/internal/server"
	"github.com/aristath/streamgate/internal/store"
	"github.com/aristath/streamgate/internal/streaming"
	"github.com/aristath/streamgate/internal/validator"
	"github.com/aristath/streamgate/pkg/logger"
)

// market identifies the exchange the bus channel names are scoped to:
// ticker:<market>:underlying, ticker:<market>:options, ticker:<market>:events.
const market = "NSE"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{Level: "info", Pretty: true}).Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Msg("starting streamgate")

	reg := metrics.NewRegistry()

	db, err := database.New(cfg.StoreDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	subs := store.NewSubscriptionStore(db.Conn(), log)
	if err := subs.Init(); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize subscription store")
	}
	orders := store.NewOrderStore(db.Conn(), log)

	limiter := ratelimit.New(map[ratelimit.EndpointClass]ratelimit.Limits{
		ratelimit.ClassSubscribe:  {BurstTokens: 20, RatePerSecond: 5},
		ratelimit.ClassOrder:      {BurstTokens: 10, RatePerSecond: 2, MaxPerDay: 5000},
		ratelimit.ClassHistorical: {BurstTokens: 5, RatePerSecond: 1},
	})

	accountIDs := make([]string, 0, len(cfg.Accounts))
	restCreds := make(map[string]tradernet.Credentials, len(cfg.Accounts))
	orchestratorCreds := make(map[string]accounts.Credentials, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accountIDs = append(accountIDs, a.ID)
		restCreds[a.ID] = tradernet.Credentials{APIKey: a.APIKey, APISecret: a.APISecret}
		orchestratorCreds[a.ID] = accounts.Credentials{APIKey: a.APIKey, APISecret: a.APISecret}
	}

	acc := accounts.New(accountIDs, orchestratorCreds, cfg.LeaseTimeout, limiter, log)
	restClient := tradernet.NewClient(cfg.BrokerRESTURL, log)

	var loader registry.Loader
	if len(cfg.Accounts) > 0 {
		loader = registry.BrokerLoader(restClient, restCreds[cfg.Accounts[0].ID])
	} else {
		// Mock-only deployment: no broker account to pull a catalog from.
		loader = func(ctx context.Context) (map[uint64]domain.Instrument, error) {
			return map[uint64]domain.Instrument{}, nil
		}
	}
	instruments := registry.New(loader, log)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = instruments.Start(startCtx)
	startCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("instrument registry unavailable at startup")
	}

	calendar, err := clock.New(market, cfg.MarketTimezone, cfg.MarketOpen, cfg.MarketClose, clock.Real{})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid market calendar configuration")
	}

	busPub, err := bus.Connect(bus.Config{
		URL:             cfg.BusURL,
		PublishTimeout:  cfg.PublishTimeout,
		CircuitFailures: cfg.CircuitFailThreshold,
		CircuitRecovery: cfg.CircuitRecovery,
		CircuitSuccess:  cfg.CircuitHalfOpenProbes,
	}, "bus_publisher", reg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to message bus")
	}

	ctx, cancel := context.WithCancel(context.Background())

	underlyingBatch := batcher.New("underlying", cfg.BatchWindow, cfg.BatchMaxSize, publishJSON[domain.UnderlyingBar](busPub, "ticker:"+market+":underlying", log, reg), reg, log)
	optionBatch := batcher.New("options", cfg.BatchWindow, cfg.BatchMaxSize, publishJSON[domain.OptionSnapshot](busPub, "ticker:"+market+":options", log, reg), reg, log)
	eventBatch := batcher.New("events", cfg.BatchWindow, cfg.BatchMaxSize, publishJSON[domain.SubscriptionEvent](busPub, "ticker:"+market+":events", log, reg), reg, log)

	go underlyingBatch.Run(ctx)
	go optionBatch.Run(ctx)
	go eventBatch.Run(ctx)

	proc := processor.New(calendar, clock.Real{}, processor.GreeksParams{
		RiskFreeRate:    cfg.RiskFreeRate,
		DividendYield:   cfg.DividendYield,
		IVMaxIterations: cfg.IVMaxIterations,
		IVTolerance:     cfg.IVTolerance,
	}, reg, log,
		func(bar domain.UnderlyingBar) bool { return underlyingBatch.Add(bar) },
		func(snap domain.OptionSnapshot) bool { return optionBatch.Add(snap) },
	)

	tickValidator := validator.New(validator.Mode(cfg.ValidationMode), log)

	credsLookup := func(accountID string) (tradernet.Credentials, bool) {
		c, ok := restCreds[accountID]
		return c, ok
	}

	onTick := newTickHandler(instruments, tickValidator, proc, reg)

	pool := broker.New(broker.Config{
		MaxConnsPerAccount: cfg.MaxConnectionsPerAccount,
		MaxTokensPerConn:   cfg.MaxTokensPerConnection,
		ConnectTimeout:     cfg.SubscribeTimeout,
		SubscribeTimeout:   cfg.SubscribeTimeout,
		IdleReapAfter:      30 * time.Minute,
	}, func(connID, accountID string, creds tradernet.Credentials, onTick tradernet.TickHandler) broker.StreamConnection {
		return tradernet.NewStreamConn(connID, accountID, creds, cfg.BrokerStreamURL, onTick, log)
	}, credsLookup, onTick, log)

	eventBus := events.NewBus(log)
	go relaySubscriptionEvents(ctx, eventBus, eventBatch)

	streamOrch := streaming.New(subs, acc, pool, instruments, eventBus, cfg.ReconcileDebounce, log)
	if err := streamOrch.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start streaming orchestrator")
	}

	exec := executor.New(orders, acc, restClient, reg, log, executor.Config{
		MaxAttempts:     cfg.ExecutorMaxAttempts,
		MaxCachedTasks:  cfg.ExecutorMaxTasks,
		CircuitFailures: cfg.CircuitFailThreshold,
		CircuitRecovery: cfg.CircuitRecovery,
		CircuitSuccess:  cfg.CircuitHalfOpenProbes,
	})
	go func() {
		if err := exec.Run(ctx); err != nil {
			log.Error().Err(err).Msg("order executor stopped")
		}
	}()

	mockState := streaming.NewMockState(cfg.ExecutorMaxTasks, cfg.MockTokenTTL)
	mockMode := streaming.NewAccountMockMode()

	sched := scheduler.New(log)
	sched.Start()
	registerJobs(sched, instruments, pool, streamOrch, mockState, cfg, log)

	if cfg.EnableMockData {
		go runMockFeed(ctx, cfg, calendar, acc, streamOrch, mockState, mockMode, onTick)
	}

	srv := server.New(server.Config{
		Port:          cfg.Port,
		Log:           log,
		DevMode:       cfg.DevMode,
		DB:            db,
		Subs:          subs,
		Orders:        orders,
		Accounts:      acc,
		Pool:          pool,
		RegistryImpl:  instruments,
		Streaming:     streamOrch,
		Executor:      exec,
		BusPub:        busPub,
		Metrics:       reg,
		APIKeyEnabled: cfg.APIKeyEnabled,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("streamgate started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	sched.Stop()
	cancel() // stops the executor, batchers, event relay, and mock feed
	underlyingBatch.Wait()
	optionBatch.Wait()
	eventBatch.Wait()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shut down broker pool")
	}
	busPub.Close()

	log.Info().Msg("streamgate stopped")
}

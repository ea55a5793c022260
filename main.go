package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"grid-trading-bot/config"
	"grid-trading-bot/internal/allocator"
	"grid-trading-bot/internal/api"
	"grid-trading-bot/internal/cache"
	"grid-trading-bot/internal/coordinator"
	"grid-trading-bot/internal/database"
	"grid-trading-bot/internal/events"
	"grid-trading-bot/internal/exchange"
	"grid-trading-bot/internal/executor"
	"grid-trading-bot/internal/grid"
	"grid-trading-bot/internal/logging"
	"grid-trading-bot/internal/notification"
	"grid-trading-bot/internal/risk"
	"grid-trading-bot/internal/selector"
)

const mockBalanceUSD = 10000

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	if err := logging.Setup(logging.Options{
		Level:  cfg.LoggingConfig.Level,
		Output: cfg.LoggingConfig.Output,
		Pretty: cfg.LoggingConfig.Pretty,
	}); err != nil {
		log.Fatalf("configuring logging: %v", err)
	}
	logger := logging.For("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus := events.NewEventBus()

	notifier := notification.NewManager(cfg.NotificationConfig)
	notifier.ListenEvents(eventBus)

	// Exchange client plus rate limiter when talking to a real exchange.
	var client exchange.Client
	var limiter *exchange.RateLimiter
	if cfg.ExchangeConfig.MockMode {
		mock := exchange.NewMockClient(mockBalanceUSD)
		for _, sym := range cfg.CoordinatorConfig.Pairs {
			mock.SetPrice(sym, 100)
		}
		client = mock
		logger.Warn().Msg("running against the mock exchange, no real orders")
	} else {
		httpClient := exchange.NewHTTPClient(
			cfg.ExchangeConfig.APIKey,
			cfg.ExchangeConfig.SecretKey,
			cfg.ExchangeConfig.BaseURL,
			cfg.ExchangeConfig.MaxWeight,
			cfg.ExchangeConfig.MaxRetries,
		)
		client = httpClient
		limiter = httpClient.Limiter()
	}

	// Market data cache, fed by the websocket stream in live mode.
	marketCache := cache.New(cache.Options{
		MaxEntries:      cfg.CacheConfig.MaxEntries,
		DefaultTTL:      time.Duration(cfg.CacheConfig.DefaultTTLSec) * time.Second,
		RefreshFraction: cfg.CacheConfig.RefreshFraction,
		MinPrefetchHits: int64(cfg.CacheConfig.MinPrefetchHits),
		SweepInterval:   time.Duration(cfg.CacheConfig.SweepIntervalMs) * time.Millisecond,
	})
	marketCache.Start(ctx)
	defer marketCache.Stop()

	// Everything downstream reads market data through the cache, so a
	// streamed tick or one worker's fetch serves every other reader.
	client = cache.NewCachedClient(client, marketCache, cache.ClientTTLs{})

	var stream *exchange.MarketStream
	if !cfg.ExchangeConfig.MockMode && cfg.ExchangeConfig.StreamURL != "" {
		stream = exchange.NewMarketStream(cfg.ExchangeConfig.StreamURL, marketCache)
		stream.Subscribe(cfg.CoordinatorConfig.Pairs...)
		stream.Start(ctx)
		defer stream.Stop()
	}

	// Capital allocation seeded from the exchange balance.
	var totalCapital float64
	if bal, err := client.GetBalance(ctx); err != nil {
		logger.Warn().Err(err).Msg("balance fetch failed, starting with zero capital")
		totalCapital = 0
	} else {
		totalCapital = bal.Available
	}
	alloc := allocator.New(cfg.AllocatorConfig, totalCapital, eventBus)
	logger.Info().Float64("capital", totalCapital).Msg("capital allocator ready")
	go runRebalanceLoop(ctx, cfg.AllocatorConfig, alloc, client, logger)

	// Optional execution report persistence.
	var repo *database.Repository
	if cfg.DatabaseConfig.Enabled {
		db, err := database.New(ctx, cfg.DatabaseConfig.URL)
		if err != nil {
			log.Fatalf("connecting to database: %v", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatalf("running migrations: %v", err)
		}
		repo = database.NewRepository(db)
		repo.ListenFills(eventBus)
	}

	var recorder executor.Recorder
	if repo != nil {
		recorder = repo
	}
	exec := executor.New(client, cfg.ExecutorConfig, recorder)

	riskMgr := risk.NewManager(cfg.RiskConfig, eventBus)

	// Grid state store, mirrored to redis when configured.
	fileStore, err := grid.NewFileStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("opening grid state store: %v", err)
	}
	var store grid.Store = fileStore
	if cfg.RedisConfig.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Addr,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		store = grid.NewMirroredStore(fileStore, rdb)
		logger.Info().Str("addr", cfg.RedisConfig.Addr).Msg("grid state mirrored to redis")
	}

	// Volatility-aware spacing and pair ranking.
	indicators := selector.NewATRIndicators(client, "1h", 24, 0)
	sel := selector.New(client, selector.StaticCandidates{Pairs: cfg.CoordinatorConfig.Pairs}, selector.NeutralSentiment{})

	coord := coordinator.New(
		cfg.CoordinatorConfig, cfg.GridConfig,
		client, alloc, exec, riskMgr, store, eventBus,
		indicators.VolatilityMultiplier, sel,
	)
	coord.Start(ctx)

	// Conditional orders execute through the slippage guard at high urgency.
	conditional := risk.NewConditionalOrderBook(func(o risk.ConditionalOrder) {
		execCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := exec.Execute(execCtx, o.Symbol, o.Side, o.Quantity, executor.UrgencyHigh); err != nil {
			eventBus.PublishError("conditional", "executing conditional order on "+o.Symbol, err)
		}
	}, eventBus)
	snapshots := risk.NewSnapshotSource(client, indicators.VolatilityMultiplier, "1h", 24)
	go runConditionalLoop(ctx, cfg.RiskConfig, conditional, snapshots, logger)

	// Configured pairs start immediately; failures leave the pair to the
	// API or the rotation loop.
	for _, sym := range cfg.CoordinatorConfig.Pairs {
		if err := coord.StartWorker(ctx, sym, exchange.MarketDerivative); err != nil {
			logger.Error().Err(err).Str("symbol", sym).Msg("startup worker launch failed")
		}
	}
	for _, sym := range cfg.CoordinatorConfig.SpotPairs {
		if err := coord.StartWorker(ctx, sym, exchange.MarketSpot); err != nil {
			logger.Error().Err(err).Str("symbol", sym).Msg("startup worker launch failed")
		}
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(cfg.ServerConfig, coord, alloc, exec, marketCache, conditional, limiter, repo)
		if err := server.Start(); err != nil {
			log.Fatalf("starting control API: %v", err)
		}
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if server != nil {
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("control API shutdown failed")
		}
	}
	coord.StopAll(shutdownCtx)
	logger.Info().Msg("shutdown complete")
}

// runRebalanceLoop refreshes total capital from the exchange balance so
// new reservations track deposits, withdrawals and realized PnL.
func runRebalanceLoop(ctx context.Context, cfg config.AllocatorConfig, alloc *allocator.Allocator, client exchange.Client, logger zerolog.Logger) {
	interval := time.Duration(cfg.RebalanceIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		bal, err := client.GetBalance(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("balance refresh failed")
			continue
		}
		alloc.SetTotalCapital(bal.Available)
	}
}

// runConditionalLoop periodically evaluates armed conditional orders
// against fresh market snapshots.
func runConditionalLoop(ctx context.Context, cfg config.RiskConfig, book *risk.ConditionalOrderBook, source *risk.SnapshotSource, logger zerolog.Logger) {
	interval := time.Duration(cfg.ConditionalCheckSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, sym := range book.Symbols() {
			snap, err := source.Snapshot(ctx, sym)
			if err != nil {
				logger.Warn().Err(err).Str("symbol", sym).Msg("snapshot for conditional check failed")
				continue
			}
			book.Evaluate(sym, snap)
		}
	}
}

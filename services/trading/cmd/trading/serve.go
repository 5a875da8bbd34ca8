package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AfshinJalili/tradedesk/libs/cache"
	"github.com/AfshinJalili/tradedesk/libs/health"
	"github.com/AfshinJalili/tradedesk/libs/httpmiddleware"
	"github.com/AfshinJalili/tradedesk/libs/kafka"
	"github.com/AfshinJalili/tradedesk/libs/logging"
	"github.com/AfshinJalili/tradedesk/libs/metrics"
	"github.com/AfshinJalili/tradedesk/libs/trace"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/catalog"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/config"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/feed"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/ledger"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/market"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/positions"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/settlement"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/strategy"
	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	startupTimeout  = 30 * time.Second
	cacheKeyPrefix  = "trading:"
)

// tradingStore is what the process needs from a backing store. Both the
// Postgres store and the in-memory paper store satisfy it.
type tradingStore interface {
	ledger.Store
	positions.Store
	strategy.Store
	settlement.Store
	settlement.OutboxStore
	catalog.InstrumentStore
	catalog.TierStore
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the trading service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	logger := logging.NewLoggerWithFile(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env, logging.FileOptions{Path: cfg.App.LogFile})
	shutdownTracer, err := trace.Init(parent, cfg.App)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	httpMetrics := metrics.NewHTTP(registry)

	ready := health.NewManager(false)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancelStart := context.WithTimeout(ctx, startupTimeout)
	defer cancelStart()

	store, closeStore, err := openStore(startCtx, cfg, ready, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	idemCache, closeCache, err := openCache(startCtx, cfg, ready)
	if err != nil {
		return err
	}
	defer closeCache()

	ledgerSvc, err := ledger.NewService(store, logger, ledger.NewMetrics(registry), ledger.Options{
		AllowNegativeTypes: cfg.Ledger.AllowNegativeTypes,
		Cache:              idemCache,
		CacheTTL:           cfg.Cache.IdempotencyTTL,
		Retry:              ledger.RetryPolicy{Attempts: cfg.Ledger.RetryAttempts, Backoff: cfg.Ledger.RetryBackoff},
	})
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	catalogMetrics := catalog.NewMetrics(registry)
	instruments := catalog.NewInstruments()
	if err := instruments.Load(startCtx, store); err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}
	tiers := catalog.NewTiers()
	if err := tiers.Load(startCtx, store); err != nil {
		return fmt.Errorf("load tiers: %w", err)
	}
	instruments.StartAutoRefresh(ctx, store, cfg.Catalog.RefreshInterval, catalogMetrics, logger)
	tiers.StartAutoRefresh(ctx, store, cfg.Catalog.RefreshInterval, catalogMetrics, logger)

	rates := market.NewSnapshot()
	hub := feed.NewHub(cfg.Positions.TickBuffer, logger, feed.NewMetrics(registry))
	defer hub.Close()

	posEngine := positions.NewEngine(store, ledgerSvc, instruments, rates, logger, positions.NewMetrics(registry), positions.Options{
		DefaultSpreadRate: cfg.Positions.DefaultSpreadRate,
		MaxLeverage: map[storage.AssetClass]decimal.Decimal{
			storage.AssetCrypto: cfg.Positions.MaxLeverageCrypto,
			storage.AssetForex:  cfg.Positions.MaxLeverageForex,
			storage.AssetStock:  cfg.Positions.MaxLeverageStock,
		},
	})
	open, err := posEngine.Load(startCtx)
	if err != nil {
		return err
	}
	logger.Info("open positions loaded", "count", open)

	bots := strategy.NewEngine(store, posEngine, hub, rates, logger, strategy.NewMetrics(registry), strategy.Options{
		GridFeeRate:        cfg.Strategy.GridFeeRate,
		OrderRatePerSecond: cfg.Strategy.OrderRatePerSecond,
		OrderBurst:         cfg.Strategy.OrderBurst,
	})

	settlementMetrics := settlement.NewMetrics(registry)
	settlementSvc := settlement.NewService(store, ledgerSvc, tiers, logger, settlementMetrics, settlement.Options{
		ReferralTopic:   cfg.Kafka.Topics.ReferralRewards,
		ReferralFixed:   cfg.Settlement.ReferralRewardFixed,
		ReferralPercent: cfg.Settlement.ReferralRewardPercent,
	})

	g, gctx := errgroup.WithContext(ctx)

	ticks := hub.SubscribeLatest()
	g.Go(func() error {
		defer ticks.Close()
		return posEngine.Run(gctx, ticks)
	})

	if cfg.Kafka.Enabled {
		if err := runKafka(gctx, g, cfg, store, hub, settlementSvc, settlementMetrics, registry, logger); err != nil {
			return err
		}
	} else {
		logger.Warn("kafka disabled: no price feed and referral rewards stay in the outbox")
	}

	resumed, err := bots.Resume(startCtx)
	if err != nil {
		return fmt.Errorf("resume bots: %w", err)
	}
	logger.Info("bots resumed", "count", resumed)

	httpServer := buildHTTPServer(cfg, ready, registry, httpMetrics, logger)
	g.Go(func() error {
		logger.Info("trading http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	ready.SetReady(true)
	<-gctx.Done()

	logger.Info("shutdown started")
	ready.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := bots.Shutdown(shutdownCtx); err != nil {
		logger.Error("bot shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	stop()
	err = g.Wait()
	logger.Info("shutdown complete")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, ready *health.Manager, logger *slog.Logger) (tradingStore, func(), error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store: balances do not survive a restart")
		return storage.NewMemory(), func() {}, nil
	}
	pool, err := connectDB(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db connection: %w", err)
	}
	pg := storage.New(pool, logger).WithLockTimeout(cfg.DB.LockTimeout)
	ready.AddCheck("postgres", pg.Ping)
	return pg, pool.Close, nil
}

func openCache(ctx context.Context, cfg *config.Config, ready *health.Manager) (cache.Cache, func(), error) {
	if cfg.Cache.Backend != config.CacheRedis {
		return cache.NewMemory(cfg.Cache.MaxEntries, time.Minute), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	rc := cache.NewRedis(client, cacheKeyPrefix)
	if err := rc.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	ready.AddCheck("redis", rc.Ping)
	return rc, func() { _ = client.Close() }, nil
}

// runKafka starts the outbox relay and one consumer group serving both the
// price tick and referral reward topics.
func runKafka(ctx context.Context, g *errgroup.Group, cfg *config.Config, store tradingStore, hub *feed.Hub, svc *settlement.Service, m *settlement.Metrics, registry *prometheus.Registry, logger *slog.Logger) error {
	producer, err := kafka.NewSyncProducer(kafka.ProducerConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
	}, logger, kafka.NewProducerMetrics(registry))
	if err != nil {
		return fmt.Errorf("kafka producer: %w", err)
	}
	consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		_ = producer.Close()
		return fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter).WithRetry(cfg.Kafka.MaxRetries, cfg.Kafka.RetryBackoff)

	relay := settlement.NewRelay(store, producer, producer, logger, m, settlement.RelayOptions{
		PollInterval: cfg.Settlement.OutboxPollInterval,
		BatchSize:    cfg.Settlement.OutboxBatchSize,
		MaxAttempts:  cfg.Settlement.OutboxMaxAttempts,
		BaseBackoff:  cfg.Settlement.OutboxBaseBackoff,
		DLQTopic:     cfg.Kafka.Topics.DeadLetter,
	})

	tickHandler := feed.NewTickConsumer(hub, logger)
	referralHandler := settlement.NewReferralConsumer(svc, logger)
	handler := kafka.HandlerFunc(func(ctx context.Context, msg *sarama.ConsumerMessage) error {
		if msg != nil && strings.EqualFold(msg.Topic, cfg.Kafka.Topics.ReferralRewards) {
			return referralHandler.HandleMessage(ctx, msg)
		}
		return tickHandler.HandleMessage(ctx, msg)
	})
	topics := []string{cfg.Kafka.Topics.PriceTicks, cfg.Kafka.Topics.ReferralRewards}

	g.Go(func() error {
		return relay.Run(ctx)
	})
	g.Go(func() error {
		defer producer.Close()
		defer consumer.Close()
		logger.Info("kafka consumer starting", "topics", topics)
		if err := consumer.Consume(ctx, topics, handler); err != nil && ctx.Err() == nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		return nil
	})
	return nil
}

func connectDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildHTTPServer(cfg *config.Config, ready *health.Manager, registry *prometheus.Registry, httpMetrics *metrics.HTTP, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Metrics(httpMetrics))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

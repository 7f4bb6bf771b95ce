package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pricealerts/internal/alerts"
	"pricealerts/internal/cache"
	"pricealerts/internal/config"
	"pricealerts/internal/database"
	"pricealerts/internal/events"
	"pricealerts/internal/logger"
	"pricealerts/internal/prices"
	"pricealerts/internal/realtime"
	"pricealerts/internal/scheduler"
	"pricealerts/internal/tracing"

	"go.uber.org/zap"
)

// price_processing runs the refresh schedule on its own and hands every
// event to the Redis relay, where the gateways pick it up.
func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	if err := logger.InitLogger(cfg.Env, cfg.LogLevel); err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.InitTracer(ctx, "price-processing", cfg.OTLPEndpoint)
	if err != nil {
		logger.Log.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Log.Error("Failed to shutdown tracer", zap.Error(err))
		}
	}()

	rdb, err := cache.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rdb.Close()

	store, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Log.Fatal("Database connection failed", zap.Error(err))
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Log.Error("Failed to close database", zap.Error(err))
		}
	}()

	notifiers := realtime.Notifiers{cache.NewRelayPublisher(rdb)}
	if cfg.KafkaBrokers != "" {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers)
		if err != nil {
			logger.Log.Fatal("Failed to create Kafka publisher", zap.Error(err))
		}
		defer kp.Close()
		notifiers = append(notifiers, kp)
	}

	priceCache := cache.NewPriceCache(rdb, prices.NewClient(cfg.APIKey), cfg.CoinIDs, cfg.Instance)
	cycle := scheduler.NewCycle(priceCache, alerts.NewEngine(store), notifiers)
	sched := scheduler.New(cfg.RefreshCron, cycle, priceCache)
	if err := sched.Start(ctx); err != nil {
		logger.Log.Fatal("Failed to start scheduler", zap.Error(err))
	}

	logger.Log.Info("Price processing started",
		zap.String("cron", sched.Expr()),
		zap.Strings("coins", cfg.CoinIDs),
	)

	<-ctx.Done()
	logger.Log.Info("Shutting down...")
	sched.Stop()
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricealerts/internal/alerts"
	"pricealerts/internal/cache"
	"pricealerts/internal/config"
	"pricealerts/internal/database"
	"pricealerts/internal/events"
	"pricealerts/internal/handlers"
	"pricealerts/internal/logger"
	"pricealerts/internal/prices"
	"pricealerts/internal/realtime"
	"pricealerts/internal/scheduler"
	"pricealerts/internal/tracing"

	"go.uber.org/zap"
)

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

	shutdown, err := tracing.InitTracer(ctx, "alerts-gateway", cfg.OTLPEndpoint)
	if err != nil {
		logger.Log.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Log.Error("Failed to shutdown tracer", zap.Error(err))
		}
	}()

	// Initialize Redis
	rdb, err := cache.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rdb.Close()

	// Initialize database connection
	store, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Log.Error("Failed to close database", zap.Error(err))
		}
	}()

	client := prices.NewClient(cfg.APIKey)
	priceCache := cache.NewPriceCache(rdb, client, cfg.CoinIDs, cfg.Instance)
	hub := realtime.NewHub()

	// With the relay on, every gateway (this one included) receives events
	// through Redis, so local delivery goes through the subscriber only.
	var notifiers realtime.Notifiers
	if cfg.Relay {
		sub, err := cache.NewRelaySubscriber(ctx, rdb, hub)
		if err != nil {
			logger.Log.Fatal("Failed to subscribe to relay", zap.Error(err))
		}
		defer sub.Close()
		go sub.Run(ctx)
		notifiers = append(notifiers, cache.NewRelayPublisher(rdb))
	} else {
		notifiers = append(notifiers, hub)
	}

	if cfg.KafkaBrokers != "" {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers)
		if err != nil {
			logger.Log.Fatal("Failed to create Kafka publisher", zap.Error(err))
		}
		defer kp.Close()
		notifiers = append(notifiers, kp)
	}

	if cfg.Scheduler {
		cycle := scheduler.NewCycle(priceCache, alerts.NewEngine(store), notifiers)
		sched := scheduler.New(cfg.RefreshCron, cycle, priceCache)
		if err := sched.Start(ctx); err != nil {
			logger.Log.Fatal("Failed to start scheduler", zap.Error(err))
		}
		defer sched.Stop()
	}

	opts := []handlers.Option{
		handlers.WithRealtime(hub),
		handlers.WithEnv(cfg.Env, cfg.Instance),
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, handlers.WithLimiter(handlers.NewRedisLimiter(rdb, cfg.RateLimit)))
	}
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewServer(store, priceCache, opts...).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Log.Info("Alerts service starting",
			zap.String("port", cfg.Port),
			zap.String("instance", cfg.Instance),
			zap.String("env", cfg.Env),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Failed to shutdown HTTP server", zap.Error(err))
	}
}

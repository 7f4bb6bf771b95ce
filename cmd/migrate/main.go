package main

import (
	"context"
	"log"
	"os"
	"time"

	"pricealerts/internal/config"
	"pricealerts/internal/database"
	"pricealerts/internal/logger"

	"go.uber.org/zap"
)

// migrate connects to the configured alert store, which creates the schema
// (Postgres) or indexes (MongoDB) when missing, and exits.
func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}
	if err := logger.InitLogger(cfg.Env, cfg.LogLevel); err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Log.Fatal("Database connection failed", zap.Error(err))
	}
	if err := store.Close(ctx); err != nil {
		logger.Log.Error("Failed to close database", zap.Error(err))
	}

	logger.Log.Info("Alert store is ready")
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"
	"pricealerts/internal/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

const (
	PriceKey = "prices:latest"
	PriceTTL = 50 * time.Second
)

// ErrCorruptSnapshot marks a cached payload that could not be decoded.
var ErrCorruptSnapshot = errors.New("corrupt cached price snapshot")

var (
	cacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"key", "instance"},
	)
	cacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"key", "instance"},
	)
)

func init() {
	prometheus.MustRegister(cacheHitsTotal)
	prometheus.MustRegister(cacheMissesTotal)
}

// NewRedisClient connects to the redis:// URL and pings it.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Log.Info("Redis connection established", zap.String("addr", opts.Addr))
	return client, nil
}

// Fetcher produces a fresh snapshot for the configured coins.
type Fetcher interface {
	Fetch(ctx context.Context, coinIDs []string) (*models.PriceSnapshot, error)
}

// PriceCache keeps the latest snapshot in Redis under a single key.
// It is the only place "current price" reads come from.
type PriceCache struct {
	rdb      *redis.Client
	fetcher  Fetcher
	coinIDs  []string
	instance string
	ttl      time.Duration
}

func NewPriceCache(rdb *redis.Client, fetcher Fetcher, coinIDs []string, instance string) *PriceCache {
	return &PriceCache{
		rdb:      rdb,
		fetcher:  fetcher,
		coinIDs:  coinIDs,
		instance: instance,
		ttl:      PriceTTL,
	}
}

// Put stores snap with the cache TTL, replacing any previous snapshot.
func (c *PriceCache) Put(ctx context.Context, snap *models.PriceSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.rdb.Set(ctx, PriceKey, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache snapshot: %w", err)
	}
	return nil
}

// Get returns the cached snapshot, or nil when it is missing, expired or
// undecodable. An undecodable or timestamp-less entry is deleted.
func (c *PriceCache) Get(ctx context.Context) (*models.PriceSnapshot, error) {
	raw, err := c.rdb.Get(ctx, PriceKey).Bytes()
	if errors.Is(err, redis.Nil) {
		cacheMissesTotal.WithLabelValues(PriceKey, c.instance).Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cached snapshot: %w", err)
	}

	var snap models.PriceSnapshot
	err = json.Unmarshal(raw, &snap)
	if err == nil && snap.Timestamp.IsZero() {
		err = errors.New("snapshot has no timestamp")
	}
	if err != nil {
		logger.Log.Warn("Failed to parse cached price payload, purging cache",
			zap.String("key", PriceKey),
			zap.Error(fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)),
		)
		if delErr := c.rdb.Del(ctx, PriceKey).Err(); delErr != nil {
			logger.Log.Warn("Failed to purge corrupt cache key",
				zap.String("key", PriceKey),
				zap.Error(delErr),
			)
		}
		cacheMissesTotal.WithLabelValues(PriceKey, c.instance).Inc()
		return nil, nil
	}

	cacheHitsTotal.WithLabelValues(PriceKey, c.instance).Inc()
	return &snap, nil
}

// FetchAndCache pulls a fresh snapshot upstream and writes it to the cache.
func (c *PriceCache) FetchAndCache(ctx context.Context) (*models.PriceSnapshot, error) {
	tracer := otel.Tracer(tracing.TracerName)
	ctx, span := tracer.Start(ctx, "cache.FetchAndCache")
	defer span.End()

	snap, err := c.fetcher.Fetch(ctx, c.coinIDs)
	if err != nil {
		logger.Log.Error("Failed to fetch prices", zap.Error(err))
		return nil, err
	}
	if err := c.Put(ctx, snap); err != nil {
		logger.Log.Error("Failed to cache prices", zap.Error(err))
		return nil, err
	}
	return snap, nil
}

// GetOrFetch serves the cached snapshot and falls back to a synchronous
// fetch when the cache is cold, so readers never see empty data.
func (c *PriceCache) GetOrFetch(ctx context.Context) (*models.PriceSnapshot, error) {
	snap, err := c.Get(ctx)
	if err != nil {
		logger.Log.Warn("Price cache read failed, fetching live", zap.Error(err))
	}
	if snap != nil {
		return snap, nil
	}
	return c.FetchAndCache(ctx)
}

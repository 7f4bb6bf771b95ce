package scheduler

import (
	"context"
	"fmt"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"
	"pricealerts/internal/realtime"
	"pricealerts/internal/tracing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// PriceCache is the part of the price cache a cycle drives.
type PriceCache interface {
	FetchAndCache(ctx context.Context) (*models.PriceSnapshot, error)
	Get(ctx context.Context) (*models.PriceSnapshot, error)
}

// Evaluator triggers alerts satisfied by a snapshot.
type Evaluator interface {
	Evaluate(ctx context.Context, snap *models.PriceSnapshot) ([]models.TriggeredAlert, error)
}

// Cycle is one refresh: fetch, cache, broadcast, evaluate, notify.
type Cycle struct {
	cache     PriceCache
	evaluator Evaluator
	notifier  realtime.Notifier
}

func NewCycle(cache PriceCache, evaluator Evaluator, notifier realtime.Notifier) *Cycle {
	return &Cycle{cache: cache, evaluator: evaluator, notifier: notifier}
}

// Run executes the cycle. Notifications go out only for alerts whose
// trigger was persisted; an evaluation error for some alerts still lets
// the others through and is returned afterwards.
func (c *Cycle) Run(ctx context.Context) error {
	tracer := otel.Tracer(tracing.TracerName)
	ctx, span := tracer.Start(ctx, "scheduler.Cycle")
	defer span.End()

	snap, err := c.cache.FetchAndCache(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		return fmt.Errorf("refresh prices: %w", err)
	}
	span.SetAttributes(attribute.Int("prices", len(snap.Items)))

	if err := c.notifier.BroadcastPrices(ctx, snap); err != nil {
		logger.Log.Warn("Price broadcast incomplete", zap.Error(err))
	}

	triggered, evalErr := c.evaluator.Evaluate(ctx, snap)
	for _, t := range triggered {
		if err := c.notifier.NotifyAlert(ctx, t.UserID, t.Notification); err != nil {
			logger.Log.Warn("Alert notification incomplete",
				zap.String("alert_id", t.Notification.AlertID),
				zap.String("user_id", t.UserID),
				zap.Error(err),
			)
		}
	}

	if evalErr != nil {
		span.RecordError(evalErr)
		span.SetStatus(codes.Error, "evaluation failed")
		return fmt.Errorf("evaluate alerts: %w", evalErr)
	}
	return nil
}

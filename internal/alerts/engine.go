package alerts

import (
	"context"
	"fmt"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"
	"pricealerts/internal/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	alertsTriggeredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "alerts_triggered_total",
		Help: "Alerts that transitioned to triggered",
	})
	persistFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "alert_persist_failures_total",
		Help: "Trigger transitions that failed to persist",
	})
)

func init() {
	prometheus.MustRegister(alertsTriggeredTotal)
	prometheus.MustRegister(persistFailuresTotal)
}

// Store is the slice of the alert store the engine needs.
type Store interface {
	// FindPending returns untriggered alerts on any of coinIDs.
	FindPending(ctx context.Context, coinIDs []string) ([]*models.Alert, error)
	// MarkTriggered flips an untriggered alert to triggered at the given
	// time. It returns false when the alert was already triggered or gone.
	MarkTriggered(ctx context.Context, id string, at time.Time) (bool, error)
}

// PersistenceError is reported for each trigger transition that could
// not be written.
type PersistenceError struct {
	AlertID string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist trigger for alert %s: %v", e.AlertID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Engine finds the pending alerts a snapshot satisfies and triggers them.
type Engine struct {
	store Store
	now   func() time.Time
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// WithClock sets the source of trigger timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

type candidate struct {
	alert  *models.Alert
	result models.TriggeredAlert
}

// Evaluate triggers every pending alert satisfied by snap and returns one
// TriggeredAlert per transition that was persisted. Alerts whose write
// fails are left out and reported as *PersistenceError in the returned
// error; the others are still returned.
func (e *Engine) Evaluate(ctx context.Context, snap *models.PriceSnapshot) ([]models.TriggeredAlert, error) {
	tracer := otel.Tracer(tracing.TracerName)
	ctx, span := tracer.Start(ctx, "alerts.Evaluate")
	defer span.End()

	if snap == nil {
		return nil, nil
	}
	coinIDs := snap.CoinIDs()
	if len(coinIDs) == 0 {
		return nil, nil
	}

	pending, err := e.store.FindPending(ctx, coinIDs)
	if err != nil {
		return nil, fmt.Errorf("load pending alerts: %w", err)
	}
	span.SetAttributes(attribute.Int("pending", len(pending)))
	if len(pending) == 0 {
		return nil, nil
	}

	// Duplicate coins should not happen; the last one wins if they do.
	priceMap := make(map[string]decimal.Decimal, len(snap.Items))
	for _, item := range snap.Items {
		priceMap[item.CoinID] = item.PriceUSD
	}

	at := e.now().UTC()
	var hits []candidate
	for _, alert := range pending {
		if alert.IsTriggered {
			continue
		}
		price, ok := priceMap[alert.CoinID]
		if !ok || !alert.Direction.Crossed(price, alert.TargetPrice) {
			continue
		}

		triggered := *alert
		triggered.IsTriggered = true
		triggered.TriggeredAt = &at
		hits = append(hits, candidate{
			alert: &triggered,
			result: models.TriggeredAlert{
				UserID: alert.UserID,
				Notification: models.AlertNotification{
					AlertID:      alert.ID,
					CoinID:       alert.CoinID,
					TargetPrice:  alert.TargetPrice,
					Direction:    alert.Direction,
					CurrentPrice: price,
					TriggeredAt:  at,
				},
			},
		})
	}
	if len(hits) == 0 {
		return nil, nil
	}

	var (
		out  = make([]models.TriggeredAlert, 0, len(hits))
		errs error
	)
	for _, hit := range hits {
		ok, err := e.store.MarkTriggered(ctx, hit.alert.ID, at)
		if err != nil {
			persistFailuresTotal.Inc()
			logger.Log.Error("Failed to persist alert trigger",
				zap.String("alert_id", hit.alert.ID),
				zap.String("user_id", hit.alert.UserID),
				zap.Error(err),
			)
			errs = multierr.Append(errs, &PersistenceError{AlertID: hit.alert.ID, Err: err})
			continue
		}
		if !ok {
			logger.Log.Debug("Alert already triggered elsewhere, skipping notification",
				zap.String("alert_id", hit.alert.ID),
			)
			continue
		}
		out = append(out, hit.result)
	}

	alertsTriggeredTotal.Add(float64(len(out)))
	span.SetAttributes(attribute.Int("triggered", len(out)))
	if len(out) > 0 {
		logger.Log.Info("Triggered alerts", zap.Int("count", len(out)))
	}
	return out, errs
}

// internal/cache/pubsub.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"
	"pricealerts/internal/realtime"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RelayChannel carries pipeline events from refresh workers to gateways.
const RelayChannel = "price_alerts"

const (
	envelopePrices = "prices"
	envelopeAlert  = "alert"
)

type envelope struct {
	Kind         string                    `json:"kind"`
	UserID       string                    `json:"userId,omitempty"`
	Notification *models.AlertNotification `json:"notification,omitempty"`
	Snapshot     *models.PriceSnapshot     `json:"snapshot,omitempty"`
}

// RelayPublisher is a realtime.Notifier that hands events to other
// processes through Redis pub/sub instead of local connections.
type RelayPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewRelayPublisher(rdb *redis.Client) *RelayPublisher {
	return &RelayPublisher{rdb: rdb, channel: RelayChannel}
}

func (p *RelayPublisher) NotifyAlert(ctx context.Context, userID string, n models.AlertNotification) error {
	return p.publish(ctx, envelope{Kind: envelopeAlert, UserID: userID, Notification: &n})
}

func (p *RelayPublisher) BroadcastPrices(ctx context.Context, snap *models.PriceSnapshot) error {
	return p.publish(ctx, envelope{Kind: envelopePrices, Snapshot: snap})
}

func (p *RelayPublisher) publish(ctx context.Context, env envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		logger.Log.Error("Failed to publish to Redis", zap.String("kind", env.Kind), zap.Error(err))
		return fmt.Errorf("publish relay envelope: %w", err)
	}
	return nil
}

// RelaySubscriber replays relayed events into a local notifier.
type RelaySubscriber struct {
	pubsub *redis.PubSub
	target realtime.Notifier
}

// NewRelaySubscriber subscribes to the relay channel and confirms the
// subscription before returning.
func NewRelaySubscriber(ctx context.Context, rdb *redis.Client, target realtime.Notifier) (*RelaySubscriber, error) {
	pubsub := rdb.Subscribe(ctx, RelayChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", RelayChannel, err)
	}

	logger.Log.Info("Subscribed to Redis channel", zap.String("channel", RelayChannel))
	return &RelaySubscriber{pubsub: pubsub, target: target}, nil
}

// Run delivers relayed events until ctx is done or the subscription closes.
func (s *RelaySubscriber) Run(ctx context.Context) {
	logger.Log.Info("Starting to listen for relayed events")

	for {
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			logger.Log.Error("Error receiving message from Redis", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		s.handle(ctx, msg.Payload)
	}
}

func (s *RelaySubscriber) handle(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		logger.Log.Error("Error unmarshaling relay envelope", zap.Error(err))
		return
	}

	var err error
	switch {
	case env.Kind == envelopeAlert && env.Notification != nil:
		err = s.target.NotifyAlert(ctx, env.UserID, *env.Notification)
	case env.Kind == envelopePrices && env.Snapshot != nil:
		err = s.target.BroadcastPrices(ctx, env.Snapshot)
	default:
		logger.Log.Warn("Ignoring unknown relay envelope", zap.String("kind", env.Kind))
		return
	}
	if err != nil {
		logger.Log.Warn("Relayed event partially delivered", zap.String("kind", env.Kind), zap.Error(err))
	}
}

// Close closes the subscription
func (s *RelaySubscriber) Close() error {
	return s.pubsub.Close()
}

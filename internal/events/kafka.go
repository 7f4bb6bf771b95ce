package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const (
	PriceTopic = "price.updates"
	AlertTopic = "alert.triggers"

	flushTimeoutMs = 5000
)

// producer is the slice of *kafka.Producer the publisher needs.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

type alertEvent struct {
	UserID string                   `json:"userId"`
	Alert  models.AlertNotification `json:"alert"`
}

// KafkaPublisher mirrors price snapshots and triggered alerts onto Kafka
// topics for downstream consumers.
type KafkaPublisher struct {
	producer producer
	done     chan struct{}
}

// NewKafkaPublisher connects a producer to a comma separated broker list.
func NewKafkaPublisher(brokers string) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": strings.TrimSpace(brokers),
		"client.id":         "price-alerts",
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newKafkaPublisher(p), nil
}

func newKafkaPublisher(p producer) *KafkaPublisher {
	k := &KafkaPublisher{producer: p, done: make(chan struct{})}
	go k.drainEvents()
	return k
}

// drainEvents logs failed deliveries reported on the producer event channel.
func (k *KafkaPublisher) drainEvents() {
	defer close(k.done)
	for e := range k.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				logger.Log.Error("Kafka delivery failed",
					zap.String("topic", topicOf(ev)),
					zap.Error(ev.TopicPartition.Error),
				)
			}
		case kafka.Error:
			logger.Log.Error("Kafka producer error", zap.Error(ev))
		}
	}
}

func topicOf(m *kafka.Message) string {
	if m.TopicPartition.Topic == nil {
		return ""
	}
	return *m.TopicPartition.Topic
}

func (k *KafkaPublisher) BroadcastPrices(_ context.Context, snap *models.PriceSnapshot) error {
	return k.produce(PriceTopic, nil, snap)
}

// NotifyAlert publishes keyed by user id so one user's alerts stay ordered
// within a partition.
func (k *KafkaPublisher) NotifyAlert(_ context.Context, userID string, n models.AlertNotification) error {
	return k.produce(AlertTopic, []byte(userID), alertEvent{UserID: userID, Alert: n})
}

func (k *KafkaPublisher) produce(topic string, key []byte, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}

	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            key,
		Value:          value,
	}, nil)
	if err != nil {
		return fmt.Errorf("produce %s event: %w", topic, err)
	}
	return nil
}

// Close flushes outstanding messages and shuts the producer down.
func (k *KafkaPublisher) Close() {
	if remaining := k.producer.Flush(flushTimeoutMs); remaining > 0 {
		logger.Log.Warn("Kafka messages left unflushed", zap.Int("remaining", remaining))
	}
	k.producer.Close()
	<-k.done
}

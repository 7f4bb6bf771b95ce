package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Event names on the wire.
const (
	EventConnectionAck  = "connection:ack"
	EventClientRegister = "client:register"
	EventPriceUpdate    = "price:update"
	EventAlertTrigger   = "alert:trigger"
)

var (
	ErrSlowConsumer = errors.New("connection send buffer full")
	ErrConnClosed   = errors.New("connection closed")
)

var (
	connectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections",
		Help: "Live realtime connections",
	})
	droppedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_dropped_messages_total",
			Help: "Messages that could not be queued for a connection",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(connectionsGauge)
	prometheus.MustRegister(droppedMessagesTotal)
}

// Event is one outbound (or inbound) message.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Conn is a live client connection owned by a transport.
type Conn interface {
	ID() string
	Send(Event) error
}

// Notifier delivers pipeline output to clients.
type Notifier interface {
	NotifyAlert(ctx context.Context, userID string, n models.AlertNotification) error
	BroadcastPrices(ctx context.Context, snap *models.PriceSnapshot) error
}

// Notifiers fans each call out to every notifier in order.
type Notifiers []Notifier

func (ns Notifiers) NotifyAlert(ctx context.Context, userID string, n models.AlertNotification) error {
	var err error
	for _, notifier := range ns {
		err = multierr.Append(err, notifier.NotifyAlert(ctx, userID, n))
	}
	return err
}

func (ns Notifiers) BroadcastPrices(ctx context.Context, snap *models.PriceSnapshot) error {
	var err error
	for _, notifier := range ns {
		err = multierr.Append(err, notifier.BroadcastPrices(ctx, snap))
	}
	return err
}

// Hub owns the live connections of one server instance and the registry
// mapping them to users.
type Hub struct {
	registry *Registry

	mu    sync.RWMutex
	conns map[string]Conn
}

func NewHub() *Hub {
	return &Hub{
		registry: NewRegistry(),
		conns:    make(map[string]Conn),
	}
}

func (h *Hub) Registry() *Registry { return h.registry }

// Attach adds conn and registers it for userID (guest when blank).
func (h *Hub) Attach(conn Conn, userID string) string {
	h.mu.Lock()
	h.conns[conn.ID()] = conn
	count := len(h.conns)
	h.mu.Unlock()

	effective := h.registry.Register(conn.ID(), userID)
	connectionsGauge.Set(float64(count))
	logger.Log.Debug("Client connected",
		zap.String("conn_id", conn.ID()),
		zap.String("user_id", effective),
		zap.Int("total_clients", count),
	)
	return effective
}

// Reregister handles a client asking to be bound to another user.
func (h *Hub) Reregister(connID, userID string) bool {
	ok := h.registry.Reregister(connID, userID)
	if ok {
		logger.Log.Debug("Client re-registered",
			zap.String("conn_id", connID),
			zap.String("user_id", userID),
		)
	}
	return ok
}

// Detach forgets the connection.
func (h *Hub) Detach(connID string) {
	h.mu.Lock()
	delete(h.conns, connID)
	count := len(h.conns)
	h.mu.Unlock()

	userID, _ := h.registry.Unregister(connID)
	connectionsGauge.Set(float64(count))
	logger.Log.Debug("Client disconnected",
		zap.String("conn_id", connID),
		zap.String("user_id", userID),
		zap.Int("total_clients", count),
	)
}

// NotifyAlert pushes n to every connection of userID. A user without
// connections is not an error; the notification is dropped.
func (h *Hub) NotifyAlert(_ context.Context, userID string, n models.AlertNotification) error {
	ids := h.registry.ConnectionsFor(userID)
	if len(ids) == 0 {
		logger.Log.Debug("No live connections for user, dropping alert",
			zap.String("user_id", userID),
			zap.String("alert_id", n.AlertID),
		)
		return nil
	}

	event := Event{Name: EventAlertTrigger, Data: n}
	var err error
	for _, id := range ids {
		h.mu.RLock()
		conn, ok := h.conns[id]
		h.mu.RUnlock()
		if !ok {
			continue
		}
		if sendErr := conn.Send(event); sendErr != nil {
			droppedMessagesTotal.WithLabelValues(EventAlertTrigger).Inc()
			logger.Log.Warn("Alert dropped for connection",
				zap.String("conn_id", id),
				zap.String("user_id", userID),
				zap.Error(sendErr),
			)
			err = multierr.Append(err, fmt.Errorf("conn %s: %w", id, sendErr))
		}
	}
	return err
}

// BroadcastPrices pushes the snapshot to every connection regardless of user.
func (h *Hub) BroadcastPrices(_ context.Context, snap *models.PriceSnapshot) error {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	event := Event{Name: EventPriceUpdate, Data: snap}
	dropped := 0
	for _, conn := range conns {
		if err := conn.Send(event); err != nil {
			dropped++
			droppedMessagesTotal.WithLabelValues(EventPriceUpdate).Inc()
		}
	}
	if dropped > 0 {
		logger.Log.Warn("Price update dropped due to slow clients",
			zap.Int("dropped", dropped),
			zap.Int("client_count", len(conns)),
		)
	}
	return nil
}

// bufferedConn queues events for a single writer goroutine. Send never
// blocks: a full buffer drops the event for this connection only.
type bufferedConn struct {
	id        string
	send      chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newBufferedConn(id string, size int) *bufferedConn {
	return &bufferedConn{
		id:   id,
		send: make(chan Event, size),
		done: make(chan struct{}),
	}
}

func (c *bufferedConn) ID() string { return c.id }

func (c *bufferedConn) Send(e Event) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- e:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSlowConsumer
	}
}

func (c *bufferedConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

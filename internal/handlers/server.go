package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"
	"pricealerts/internal/tracing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// AlertStore is the CRUD surface the HTTP layer needs.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	ListAlertsByUser(ctx context.Context, userID string) ([]*models.Alert, error)
	DeleteAlert(ctx context.Context, id, userID string) error
}

// PriceReader serves the latest snapshot, fetching when the cache is cold.
type PriceReader interface {
	GetOrFetch(ctx context.Context) (*models.PriceSnapshot, error)
}

// Realtime carries the push transports mounted next to the API.
type Realtime interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	ServeSSE(w http.ResponseWriter, r *http.Request)
}

type Server struct {
	store    AlertStore
	prices   PriceReader
	realtime Realtime
	limiter  Limiter
	env      string
	instance string
}

type Option func(*Server)

// WithRealtime mounts /ws and /alerts/stream.
func WithRealtime(rt Realtime) Option {
	return func(s *Server) { s.realtime = rt }
}

// WithLimiter rate limits /api/ routes.
func WithLimiter(l Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

func WithEnv(env, instance string) Option {
	return func(s *Server) {
		s.env = env
		s.instance = instance
	}
}

func NewServer(store AlertStore, prices PriceReader, opts ...Option) *Server {
	s := &Server{store: store, prices: prices, env: "development"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the full HTTP handler.
func (s *Server) Routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/prices", s.getPrices)
	api.HandleFunc("GET /api/alerts", s.listAlerts)
	api.HandleFunc("POST /api/alerts", s.createAlert)
	api.HandleFunc("DELETE /api/alerts/{id}", s.deleteAlert)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/api/", rateLimit(s.limiter, api))
	if s.realtime != nil {
		mux.HandleFunc("/ws", s.realtime.ServeWS)
		mux.HandleFunc("GET /alerts/stream", s.realtime.ServeSSE)
	}

	return cors(mux)
}

type messageResponse struct {
	Message string   `json:"message"`
	Issues  []string `json:"issues,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Log.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "env": s.env})
}

func (s *Server) getPrices(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer(tracing.TracerName)
	ctx, span := tracer.Start(r.Context(), "GetPricesHandler")
	defer span.End()

	snap, err := s.prices.GetOrFetch(ctx)
	if err != nil {
		logger.Log.Error("Failed to load prices",
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("instance", s.instance),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"pricealerts/internal/database"
	"pricealerts/internal/logger"
	"pricealerts/internal/models"
	"pricealerts/internal/tracing"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

type CreateAlertRequest struct {
	UserID      string           `json:"userId"`
	CoinID      string           `json:"coinId"`
	TargetPrice decimal.Decimal  `json:"targetPrice"`
	Direction   models.Direction `json:"direction"`
}

type alertResponse struct {
	Alert *models.Alert `json:"alert"`
}

type alertsResponse struct {
	Alerts []*models.Alert `json:"alerts"`
}

func validationFailed(w http.ResponseWriter, issues ...string) {
	writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Validation failed", Issues: issues})
}

func userIDParam(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("userId"))
}

// listAlerts returns the caller's alerts, newest first.
func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer(tracing.TracerName)
	ctx, span := tracer.Start(r.Context(), "ListAlertsHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	userID := userIDParam(r)
	if userID == "" {
		validationFailed(w, "userId is required")
		return
	}

	alerts, err := s.store.ListAlertsByUser(ctx, userID)
	if err != nil {
		logger.Log.Error("Failed to fetch alerts",
			zap.String("trace_id", traceID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "Failed to fetch alerts"})
		return
	}

	writeJSON(w, http.StatusOK, alertsResponse{Alerts: alerts})
}

// createAlert handles creating a new alert
func (s *Server) createAlert(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer(tracing.TracerName)
	ctx, span := tracer.Start(r.Context(), "CreateAlertHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	var req CreateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.Warn("Failed to parse request body",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		validationFailed(w, "invalid request body")
		return
	}

	alert, err := models.NewAlert(req.UserID, req.CoinID, req.TargetPrice, req.Direction)
	if err != nil {
		validationFailed(w, strings.TrimPrefix(err.Error(), models.ErrInvalidAlert.Error()+": "))
		return
	}

	if err := s.store.CreateAlert(ctx, alert); err != nil {
		logger.Log.Error("Failed to create alert",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "Failed to create alert"})
		return
	}

	logger.Log.Info("Alert created",
		zap.String("trace_id", traceID),
		zap.String("alert_id", alert.ID),
		zap.String("user_id", alert.UserID),
		zap.String("coin_id", alert.CoinID),
	)
	writeJSON(w, http.StatusCreated, alertResponse{Alert: alert})
}

// deleteAlert removes an alert owned by the userId query parameter.
func (s *Server) deleteAlert(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer(tracing.TracerName)
	ctx, span := tracer.Start(r.Context(), "DeleteAlertHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()
	alertID := r.PathValue("id")

	userID := userIDParam(r)
	if userID == "" {
		validationFailed(w, "userId is required")
		return
	}

	err := s.store.DeleteAlert(ctx, alertID, userID)
	switch {
	case errors.Is(err, database.ErrAlertNotFound):
		writeJSON(w, http.StatusNotFound, messageResponse{Message: "Alert not found"})
	case err != nil:
		logger.Log.Error("Failed to delete alert",
			zap.String("trace_id", traceID),
			zap.String("alert_id", alertID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "Failed to delete alert"})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

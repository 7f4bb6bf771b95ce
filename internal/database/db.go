package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrAlertNotFound is returned when no alert matches the id (and owner).
var ErrAlertNotFound = errors.New("alert not found")

// Store is the full alert store surface used by the service.
type Store interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	ListAlertsByUser(ctx context.Context, userID string) ([]*models.Alert, error)
	DeleteAlert(ctx context.Context, id, userID string) error
	FindPending(ctx context.Context, coinIDs []string) ([]*models.Alert, error)
	MarkTriggered(ctx context.Context, id string, at time.Time) (bool, error)
	Close(ctx context.Context) error
}

// Open picks the store implementation from the DSN scheme.
func Open(ctx context.Context, dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "mongodb://") || strings.HasPrefix(dsn, "mongodb+srv://") {
		return NewMongoStore(ctx, dsn)
	}
	return NewPostgresStore(ctx, dsn)
}

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	coin_id      TEXT NOT NULL,
	target_price NUMERIC(30, 10) NOT NULL CHECK (target_price > 0),
	direction    TEXT NOT NULL CHECK (direction IN ('above', 'below')),
	is_triggered BOOLEAN NOT NULL DEFAULT FALSE,
	triggered_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	CHECK ((is_triggered AND triggered_at IS NOT NULL) OR (NOT is_triggered AND triggered_at IS NULL))
);
CREATE INDEX IF NOT EXISTS alerts_user_coin_idx ON alerts (user_id, coin_id);
CREATE INDEX IF NOT EXISTS alerts_pending_coin_idx ON alerts (coin_id) WHERE NOT is_triggered;
`

const alertColumns = `id, user_id, coin_id, target_price, direction, is_triggered, triggered_at, created_at, updated_at`

// PostgresStore keeps alerts in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the pool, pings and makes sure the schema exists.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Set connection pool parameters
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	store := NewPostgresStoreFromDB(db)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Log.Info("Database connection established")
	return store, nil
}

// NewPostgresStoreFromDB wraps an already opened pool.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the alerts table and its indexes when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate alerts schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close(context.Context) error {
	return s.db.Close()
}

// CreateAlert inserts a new alert, assigning its id.
func (s *PostgresStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	query := `
		INSERT INTO alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(
		ctx,
		query,
		alert.ID,
		alert.UserID,
		alert.CoinID,
		alert.TargetPrice,
		string(alert.Direction),
		alert.IsTriggered,
		alert.TriggeredAt,
		alert.CreatedAt,
		alert.UpdatedAt,
	)
	if err != nil {
		logger.Log.Error("Failed to create alert in database",
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
		return err
	}

	return nil
}

// ListAlertsByUser retrieves all alerts for a specific user, newest first
func (s *PostgresStore) ListAlertsByUser(ctx context.Context, userID string) ([]*models.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		logger.Log.Error("Failed to query alerts by user ID",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return nil, err
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// DeleteAlert deletes the alert only if it belongs to userID
func (s *PostgresStore) DeleteAlert(ctx context.Context, id, userID string) error {
	query := `DELETE FROM alerts WHERE id = $1 AND user_id = $2`

	result, err := s.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		logger.Log.Error("Failed to delete alert",
			zap.String("alert_id", id),
			zap.Error(err),
		)
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrAlertNotFound
	}

	return nil
}

// FindPending retrieves untriggered alerts on any of the given coins
func (s *PostgresStore) FindPending(ctx context.Context, coinIDs []string) ([]*models.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE coin_id = ANY($1) AND NOT is_triggered
	`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(coinIDs))
	if err != nil {
		logger.Log.Error("Failed to query pending alerts",
			zap.Strings("coin_ids", coinIDs),
			zap.Error(err),
		)
		return nil, err
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// MarkTriggered flips the alert to triggered once; a second call, or a
// concurrent one that lost, reports false.
func (s *PostgresStore) MarkTriggered(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE alerts
		SET is_triggered = TRUE, triggered_at = $2, updated_at = $2
		WHERE id = $1 AND NOT is_triggered
	`

	result, err := s.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

// Helper function to scan alert rows
func scanAlerts(rows *sql.Rows) ([]*models.Alert, error) {
	alerts := []*models.Alert{}

	for rows.Next() {
		var alert models.Alert
		var direction string
		var triggeredAt sql.NullTime

		err := rows.Scan(
			&alert.ID,
			&alert.UserID,
			&alert.CoinID,
			&alert.TargetPrice,
			&direction,
			&alert.IsTriggered,
			&triggeredAt,
			&alert.CreatedAt,
			&alert.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}

		alert.Direction = models.Direction(direction)
		if triggeredAt.Valid {
			val := triggeredAt.Time
			alert.TriggeredAt = &val
		}

		alerts = append(alerts, &alert)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return alerts, nil
}

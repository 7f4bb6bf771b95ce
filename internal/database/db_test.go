package database

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"pricealerts/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{"id", "user_id", "coin_id", "target_price", "direction", "is_triggered", "triggered_at", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func TestCreateAlertAssignsID(t *testing.T) {
	store, mock := newMockStore(t)
	alert, err := models.NewAlert("alice", "bitcoin", decimal.NewFromInt(50000), models.Above)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO alerts")).
		WithArgs(sqlmock.AnyArg(), "alice", "bitcoin", sqlmock.AnyArg(), "above", false, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.CreateAlert(context.Background(), alert))
	assert.NotEmpty(t, alert.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindPendingScansRows(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(columns).
		AddRow("a1", "alice", "bitcoin", "50000.5", "above", false, nil, now, now).
		AddRow("a2", "bob", "ethereum", "3000", "below", false, nil, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE coin_id = ANY($1) AND NOT is_triggered")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(rows)

	alerts, err := store.FindPending(context.Background(), []string{"bitcoin", "ethereum"})
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	assert.Equal(t, "a1", alerts[0].ID)
	assert.True(t, alerts[0].TargetPrice.Equal(decimal.RequireFromString("50000.5")))
	assert.Equal(t, models.Above, alerts[0].Direction)
	assert.Nil(t, alerts[0].TriggeredAt)
	assert.Equal(t, models.Below, alerts[1].Direction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAlertsByUserKeepsTriggeredAt(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1")).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("a1", "alice", "bitcoin", "1", "above", true, now, now, now))

	alerts, err := store.ListAlertsByUser(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].IsTriggered)
	require.NotNil(t, alerts[0].TriggeredAt)
	assert.True(t, now.Equal(*alerts[0].TriggeredAt))
}

func TestListAlertsByUserEmpty(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1")).
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows(columns))

	alerts, err := store.ListAlertsByUser(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, alerts)
	assert.Empty(t, alerts)
}

func TestDeleteAlertIsOwnerScoped(t *testing.T) {
	testCases := []struct {
		name     string
		affected int64
		execErr  error
		expected error
	}{
		{name: "owner deletes", affected: 1},
		{name: "other user gets not found", affected: 0, expected: ErrAlertNotFound},
		{name: "driver error", execErr: errors.New("connection reset"), expected: errors.New("connection reset")},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			exp := mock.ExpectExec(regexp.QuoteMeta("DELETE FROM alerts WHERE id = $1 AND user_id = $2")).
				WithArgs("a1", "alice")
			if tt.execErr != nil {
				exp.WillReturnError(tt.execErr)
			} else {
				exp.WillReturnResult(sqlmock.NewResult(0, tt.affected))
			}

			err := store.DeleteAlert(context.Background(), "a1", "alice")
			if tt.expected == nil {
				assert.NoError(t, err)
			} else {
				assert.EqualError(t, err, tt.expected.Error())
			}
		})
	}
}

func TestMarkTriggeredIsConditional(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	testCases := []struct {
		name     string
		affected int64
		expected bool
	}{
		{name: "first trigger wins", affected: 1, expected: true},
		{name: "already triggered", affected: 0, expected: false},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND NOT is_triggered")).
				WithArgs("a1", at).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			ok, err := store.MarkTriggered(context.Background(), "a1", at)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ok)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMongoDocumentRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	alert := &models.Alert{
		UserID:      "alice",
		CoinID:      "solana",
		TargetPrice: decimal.RequireFromString("123.4567"),
		Direction:   models.Below,
		IsTriggered: true,
		TriggeredAt: &at,
		CreatedAt:   at,
		UpdatedAt:   at,
	}

	doc, err := toDocument(alert)
	require.NoError(t, err)
	back, err := doc.toModel()
	require.NoError(t, err)

	assert.True(t, alert.TargetPrice.Equal(back.TargetPrice))
	assert.Equal(t, alert.Direction, back.Direction)
	assert.Equal(t, alert.TriggeredAt, back.TriggeredAt)
	assert.Equal(t, "alice", back.UserID)
}

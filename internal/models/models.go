package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Prices travel to clients as JSON numbers, not strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// ErrInvalidAlert is wrapped by every validation failure from NewAlert.
var ErrInvalidAlert = errors.New("invalid alert")

// Direction is the side of the target price an alert waits for.
type Direction string

const (
	Above Direction = "above"
	Below Direction = "below"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == Above || d == Below
}

// Crossed reports whether price satisfies the direction against target.
// Both sides are inclusive: landing exactly on the target counts.
func (d Direction) Crossed(price, target decimal.Decimal) bool {
	switch d {
	case Above:
		return price.GreaterThanOrEqual(target)
	case Below:
		return price.LessThanOrEqual(target)
	}
	return false
}

// PriceEntry is the price of a single coin within a snapshot.
type PriceEntry struct {
	CoinID      string           `json:"coinId"`
	PriceUSD    decimal.Decimal  `json:"priceUsd"`
	Change24h   *decimal.Decimal `json:"change24h,omitempty"` // nil when upstream gave no 24h change
	LastUpdated time.Time        `json:"lastUpdated"`
}

// PriceSnapshot is one batch of prices produced by a single fetch.
type PriceSnapshot struct {
	Items     []PriceEntry `json:"items"`
	Timestamp time.Time    `json:"timestamp"`
}

// CoinIDs returns the distinct coin ids present in the snapshot.
func (s *PriceSnapshot) CoinIDs() []string {
	seen := make(map[string]struct{}, len(s.Items))
	ids := make([]string, 0, len(s.Items))
	for _, item := range s.Items {
		if _, ok := seen[item.CoinID]; ok {
			continue
		}
		seen[item.CoinID] = struct{}{}
		ids = append(ids, item.CoinID)
	}
	return ids
}

// Alert represents a price alert for a cryptocurrency
type Alert struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"userId" db:"user_id"`
	CoinID      string          `json:"coinId" db:"coin_id"`
	TargetPrice decimal.Decimal `json:"targetPrice" db:"target_price"`
	Direction   Direction       `json:"direction" db:"direction"`
	IsTriggered bool            `json:"isTriggered" db:"is_triggered"`
	TriggeredAt *time.Time      `json:"triggeredAt,omitempty" db:"triggered_at"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time       `json:"updatedAt" db:"updated_at"`
}

// NewAlert validates the input and returns a pending alert without an id;
// the store assigns one on insert.
func NewAlert(userID, coinID string, target decimal.Decimal, direction Direction) (*Alert, error) {
	userID = strings.TrimSpace(userID)
	coinID = strings.TrimSpace(coinID)

	switch {
	case userID == "":
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidAlert)
	case coinID == "":
		return nil, fmt.Errorf("%w: coinId is required", ErrInvalidAlert)
	case !target.IsPositive():
		return nil, fmt.Errorf("%w: targetPrice must be positive", ErrInvalidAlert)
	case !direction.Valid():
		return nil, fmt.Errorf("%w: direction must be %q or %q", ErrInvalidAlert, Above, Below)
	}

	now := time.Now().UTC()
	return &Alert{
		UserID:      userID,
		CoinID:      coinID,
		TargetPrice: target,
		Direction:   direction,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// AlertNotification is the payload pushed to a user when an alert triggers.
type AlertNotification struct {
	AlertID      string          `json:"alertId"`
	CoinID       string          `json:"coinId"`
	TargetPrice  decimal.Decimal `json:"targetPrice"`
	Direction    Direction       `json:"direction"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	TriggeredAt  time.Time       `json:"triggeredAt"`
}

// TriggeredAlert pairs a notification with the user it must reach.
type TriggeredAlert struct {
	UserID       string
	Notification AlertNotification
}

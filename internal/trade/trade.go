package trade

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction of a position inferred from the signal stream
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Status of a trade. Cancelled is administrative only.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// Trade is a position opened and closed purely by signals, not by a broker.
// Mutable only while open.
type Trade struct {
	ID              string           `json:"id"`
	StrategyID      string           `json:"strategy_id"`
	Symbol          string           `json:"symbol"`
	Direction       Direction        `json:"direction"`
	Status          Status           `json:"status"`
	EntryPrice      decimal.Decimal  `json:"entry_price"`
	EntryTime       time.Time        `json:"entry_time"`
	ExitPrice       *decimal.Decimal `json:"exit_price,omitempty"`
	ExitTime        *time.Time       `json:"exit_time,omitempty"`
	PnLPercent      *decimal.Decimal `json:"pnl_percent,omitempty"`
	OpeningSignalID string           `json:"opening_signal_id"`
	ClosingSignalID *string          `json:"closing_signal_id,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// IsOpen reports whether the trade still accepts transitions.
func (t Trade) IsOpen() bool { return t.Status == StatusOpen }

// Key identifies the single-writer scope of the lifecycle.
type Key struct {
	StrategyID string
	Symbol     string
}

// KeyOf returns the lifecycle key for a trade.
func (t Trade) KeyOf() Key { return Key{StrategyID: t.StrategyID, Symbol: t.Symbol} }

var hundred = decimal.NewFromInt(100)

// PnLPercent is the percentage move from entry to price in the trade's favour:
// long (price-entry)/entry*100, short (entry-price)/entry*100.
func PnLPercent(dir Direction, entry, price decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	move := price.Sub(entry)
	if dir == Short {
		move = entry.Sub(price)
	}
	return move.Div(entry).Mul(hundred).Round(8)
}

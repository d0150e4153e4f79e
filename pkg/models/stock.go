package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// StockUpdate represents a single market tick for a stock symbol
type StockUpdate struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"` // unix micro
	SeqID     int64           `json:"seq_id"`    // monotonic counter per symbol
}

// Time converts the feed timestamp into a time.Time.
func (u StockUpdate) Time() time.Time {
	return time.UnixMicro(u.Timestamp).UTC()
}

// PriceUpdate is a price change for one symbol. It is immutable once published.
type PriceUpdate struct {
	SymbolID  string          `json:"symbol_id"`
	OldPrice  decimal.Decimal `json:"old_price"`
	NewPrice  decimal.Decimal `json:"new_price"`
	Timestamp time.Time       `json:"timestamp"`
}

// WatchlistEvent is broadcast to the watchlist view of every subscriber of a symbol.
type WatchlistEvent struct {
	SymbolID  string          `json:"symbol_id"`
	OldPrice  decimal.Decimal `json:"old_price"`
	NewPrice  decimal.Decimal `json:"new_price"`
	Timestamp time.Time       `json:"timestamp"`
}

// WatchlistEventFrom projects a price update onto the watchlist view.
func WatchlistEventFrom(u PriceUpdate) WatchlistEvent {
	return WatchlistEvent{
		SymbolID:  u.SymbolID,
		OldPrice:  u.OldPrice,
		NewPrice:  u.NewPrice,
		Timestamp: u.Timestamp,
	}
}

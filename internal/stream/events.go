package stream

import (
	"time"

	"github.com/shopspring/decimal"
)

// Typed event records built from raw inbound frames. Each one is routed to
// matching subscriptions and discarded, never persisted. Prices and sizes
// stay decimals end to end so the wire representation is preserved.

type PriceChange struct {
	AssetID   string
	Price     decimal.Decimal
	Timestamp time.Time
	Market    string
}

type BookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

type OrderbookUpdate struct {
	AssetID   string
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp time.Time
}

type OrderUpdate struct {
	OrderID       string
	Status        string
	FilledSize    decimal.Decimal
	RemainingSize decimal.Decimal
	Price         decimal.Decimal
	Side          string
	Timestamp     time.Time
	MarketID      string
}

type TradeUpdate struct {
	TradeID   string
	OrderID   string
	MarketID  string
	Price     decimal.Decimal
	Size      decimal.Decimal
	Side      string
	Timestamp time.Time
}

type MarketResolution struct {
	MarketID  string
	Outcome   string
	Timestamp time.Time
}

// Wire shapes. The venue quotes numeric fields as strings; shopspring's
// decoder accepts both quoted and bare numbers, so these survive either.

type priceChangeWire struct {
	AssetID   string          `json:"asset_id"`
	Price     decimal.Decimal `json:"price"`
	Timestamp string          `json:"timestamp"`
	Market    string          `json:"market"`
}

type orderbookWire struct {
	AssetID   string              `json:"asset_id"`
	Bids      [][]decimal.Decimal `json:"bids"`
	Asks      [][]decimal.Decimal `json:"asks"`
	Timestamp string              `json:"timestamp"`
}

type orderWire struct {
	OrderID       string          `json:"order_id"`
	Status        string          `json:"status"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	RemainingSize decimal.Decimal `json:"remaining_size"`
	Price         decimal.Decimal `json:"price"`
	Side          string          `json:"side"`
	Timestamp     string          `json:"timestamp"`
	MarketID      string          `json:"market_id"`
}

type tradeWire struct {
	TradeID   string          `json:"trade_id"`
	OrderID   string          `json:"order_id"`
	MarketID  string          `json:"market_id"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      string          `json:"side"`
	Timestamp string          `json:"timestamp"`
}

type resolutionWire struct {
	MarketID  string `json:"market_id"`
	Outcome   string `json:"outcome"`
	Timestamp string `json:"timestamp"`
}

// parseTimestamp falls back to the arrival time when the frame carries no
// usable timestamp.
func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Now()
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return time.Now()
}

func parseBookSide(levels [][]decimal.Decimal) []BookLevel {
	out := make([]BookLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		out = append(out, BookLevel{Price: level[0], Size: level[1]})
	}
	return out
}

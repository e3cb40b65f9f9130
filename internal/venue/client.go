// Package venue defines the outbound REST surface toward the prediction
// market and the transport glue that keeps every call inside the rate
// governor. The concrete HTTP client lives with the host; anything built on
// GovernedTransport is throttled by construction.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Market describes one tradeable market.
type Market struct {
	ID          string          `json:"id"`
	Question    string          `json:"question"`
	Active      bool            `json:"active"`
	Closed      bool            `json:"closed"`
	Volume      decimal.Decimal `json:"volume"`
	Liquidity   decimal.Decimal `json:"liquidity"`
	EndDate     time.Time       `json:"end_date"`
	TokenIDs    []string        `json:"token_ids"`
	OutcomeTags []string        `json:"outcomes"`
}

// BookLevel is one price level of an orderbook side.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Orderbook is the full book for one outcome token.
type Orderbook struct {
	TokenID   string      `json:"token_id"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// OrderRequest describes one order to place.
type OrderRequest struct {
	TokenID string          `json:"token_id"`
	Side    string          `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Type    string          `json:"order_type"`
}

// Order is the venue's view of a placed order.
type Order struct {
	ID            string          `json:"id"`
	TokenID       string          `json:"token_id"`
	Side          string          `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	RemainingSize decimal.Decimal `json:"remaining_size"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Position is one open position.
type Position struct {
	MarketID     string          `json:"market_id"`
	TokenID      string          `json:"token_id"`
	Size         decimal.Decimal `json:"size"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	CurrentValue decimal.Decimal `json:"current_value"`
}

// Balance is the account's collateral balance.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Client is the REST surface the host implements against the venue. Every
// implementation is expected to route its HTTP traffic through
// GovernedTransport so the rate governor sees each call.
type Client interface {
	GetMarket(ctx context.Context, marketID string) (*Market, error)
	GetOrderbook(ctx context.Context, tokenID string) (*Orderbook, error)
	PostOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context) error
	GetPositions(ctx context.Context) ([]Position, error)
	GetBalance(ctx context.Context) (*Balance, error)
}

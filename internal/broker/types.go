package broker

import (
	"context"
	"time"
)

// Side is the order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the closing side for an entry side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the broker order type.
type OrderType string

const (
	TypeMarket       OrderType = "market"
	TypeLimit        OrderType = "limit"
	TypeStop         OrderType = "stop"
	TypeTrailingStop OrderType = "trailing_stop"
)

// OrderStatus is the broker-reported order lifecycle state.
type OrderStatus string

const (
	StatusNew           OrderStatus = "new"
	StatusAccepted      OrderStatus = "accepted"
	StatusPartialFill   OrderStatus = "partially_filled"
	StatusFilled        OrderStatus = "filled"
	StatusCanceled      OrderStatus = "canceled"
	StatusExpired       OrderStatus = "expired"
	StatusRejected      OrderStatus = "rejected"
	StatusPendingCancel OrderStatus = "pending_cancel"
	StatusHeld          OrderStatus = "held"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// Order is a broker order.
type Order struct {
	ID            string      `json:"id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Qty           int         `json:"qty,string"`
	FilledQty     int         `json:"filled_qty,string"`
	FilledAvgPx   float64     `json:"filled_avg_price,string"`
	LimitPrice    float64     `json:"limit_price,string"`
	StopPrice     float64     `json:"stop_price,string"`
	TrailAmount   float64     `json:"trail_price,string"`
	Status        OrderStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	FilledAt      *time.Time  `json:"filled_at"`
	Legs          []Order     `json:"legs"`
}

// BracketRequest is a market entry with attached stop-loss and take-profit
// legs, submitted as one atomic unit.
type BracketRequest struct {
	Symbol        string
	Side          Side
	Qty           int
	StopPrice     float64
	TargetPrice   float64
	ClientOrderID string
}

// TrailingStopRequest is a broker-native trailing stop order. Exactly one of
// TrailPercent and TrailAmount must be set; percent wins when both are.
type TrailingStopRequest struct {
	Symbol        string
	Side          Side
	Qty           int
	TrailPercent  float64 // Percent trail, e.g. 1.5 for 1.5%
	TrailAmount   float64 // Dollar trail
	ClientOrderID string
}

// MarketRequest is a plain market order.
type MarketRequest struct {
	Symbol        string
	Side          Side
	Qty           int
	ClientOrderID string
}

// Position is a broker-reported open position.
type Position struct {
	Symbol       string  `json:"symbol"`
	Qty          int     `json:"qty,string"`
	Side         string  `json:"side"` // "long" or "short"
	AvgEntryPx   float64 `json:"avg_entry_price,string"`
	MarketValue  float64 `json:"market_value,string"`
	UnrealizedPL float64 `json:"unrealized_pl,string"`
}

// Account is the broker account snapshot.
type Account struct {
	ID           string  `json:"id"`
	BuyingPower  float64 `json:"buying_power,string"`
	Cash         float64 `json:"cash,string"`
	Equity       float64 `json:"equity,string"`
	DaytradeCount int    `json:"daytrade_count"`
	TradingBlocked bool  `json:"trading_blocked"`
}

// Broker is the typed facade over the brokerage REST API. Every call takes a
// context and honors its deadline; errors are normalized to *Error.
type Broker interface {
	SubmitBracket(ctx context.Context, req BracketRequest) (Order, error)
	SubmitTrailingStop(ctx context.Context, req TrailingStopRequest) (Order, error)
	SubmitMarket(ctx context.Context, req MarketRequest) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	// Cancel is idempotent: canceling an already-terminal order succeeds.
	Cancel(ctx context.Context, orderID string) error
	// ReplaceStop atomically moves a stop order to a new price. When the
	// broker rejects the in-place replace it falls back to cancel-then-
	// resubmit; a failure after the cancel leaves the position unprotected
	// and surfaces as ErrStopGap wrapping the submit error.
	ReplaceStop(ctx context.Context, stopOrderID string, newStopPrice float64) (Order, error)
	// ChildrenOf returns the protective legs attached to an entry order.
	ChildrenOf(ctx context.Context, entryOrderID string) ([]Order, error)
	Positions(ctx context.Context) ([]Position, error)
	GetAccount(ctx context.Context) (Account, error)
}

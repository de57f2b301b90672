// Package orders defines the execution-side client surface and the
// price/quantity arithmetic shared by every implementation.
package orders

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/perprun/perprun/internal/domain"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the closing direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType selects limit or market execution.
type OrderType string

const (
	TypeLimit  OrderType = "Limit"
	TypeMarket OrderType = "Market"
)

// Status is the venue-side order lifecycle state.
type Status string

const (
	StatusNew             Status = "New"
	StatusPartiallyFilled Status = "PartiallyFilled"
	StatusFilled          Status = "Filled"
	StatusCancelled       Status = "Cancelled"
	StatusRejected        Status = "Rejected"
)

// Terminal reports whether the order can no longer change.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Request is a single order submission.
type Request struct {
	Category    domain.Category
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         decimal.Decimal
	Price       decimal.Decimal // ignored for market orders
	PostOnly    bool
	ReduceOnly  bool
	OrderLinkID string
}

// OrderState is the polled view of a placed order.
type OrderState struct {
	OrderID    string
	Status     Status
	AvgPrice   decimal.Decimal
	CumExecQty decimal.Decimal
}

// Client is the execution interface the fast loop drives. Paper and live
// implementations satisfy it identically.
type Client interface {
	PlaceOrder(ctx context.Context, req Request) (orderID string, err error)
	CancelOrder(ctx context.Context, category domain.Category, symbol, orderID string) error
	OrderStatus(ctx context.Context, category domain.Category, symbol, orderID string) (OrderState, error)
	Equity(ctx context.Context) (decimal.Decimal, error)
}

// NewOrderLinkID mints a client order id the venue echoes back, so fills
// remain attributable across reconnects.
func NewOrderLinkID(symbol string) string {
	return fmt.Sprintf("pr-%s-%s", symbol, uuid.NewString()[:8])
}

// QuantizeDown snaps v to the largest step multiple not above it.
func QuantizeDown(v decimal.Decimal, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// QuantizeUp snaps v to the smallest step multiple not below it.
func QuantizeUp(v decimal.Decimal, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}

// MakerPrice computes a post-only limit price offset inside the spread:
// buys bid below best bid, sells ask above best ask, snapped to the tick
// in the passive direction so the venue cannot reject it as crossing.
func MakerPrice(side Side, bid, ask decimal.Decimal, offsetBps int64, tick decimal.Decimal) decimal.Decimal {
	offset := decimal.New(offsetBps, -4)
	if side == SideBuy {
		return QuantizeDown(bid.Mul(decimal.NewFromInt(1).Sub(offset)), tick)
	}
	return QuantizeUp(ask.Mul(decimal.NewFromInt(1).Add(offset)), tick)
}

// PositionQty sizes an order from equity, leverage and price, snapped
// down to the lot step. The zero value comes back when price is zero.
func PositionQty(equity decimal.Decimal, capitalFraction float64, leverage float64, price decimal.Decimal, step decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	notional := equity.
		Mul(decimal.NewFromFloat(capitalFraction)).
		Mul(decimal.NewFromFloat(leverage))
	return QuantizeDown(notional.Div(price), step)
}

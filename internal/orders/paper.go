package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/perprun/perprun/internal/domain"
)

// DefaultPaperFillDelay is how long a simulated limit order rests before
// it fills.
const DefaultPaperFillDelay = time.Second

// Paper is an in-process exchange simulator. Market orders fill at their
// request price immediately; limit orders fill after a fixed delay unless
// cancelled first. Good enough to exercise the whole fast-loop lifecycle
// without touching a venue.
type Paper struct {
	mu        sync.Mutex
	orders    map[string]*paperOrder
	equity    decimal.Decimal
	fillDelay time.Duration
	now       func() time.Time
}

type paperOrder struct {
	req     Request
	id      string
	status  Status
	fillAt  time.Time
	price   decimal.Decimal
	execQty decimal.Decimal
}

// NewPaper creates a simulator holding the given equity.
func NewPaper(equity decimal.Decimal) *Paper {
	return &Paper{
		orders:    make(map[string]*paperOrder),
		equity:    equity,
		fillDelay: DefaultPaperFillDelay,
		now:       time.Now,
	}
}

// SetFillDelay overrides the resting time for limit orders.
func (p *Paper) SetFillDelay(d time.Duration) { p.fillDelay = d }

func (p *Paper) PlaceOrder(_ context.Context, req Request) (string, error) {
	if req.Qty.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("paper: non-positive qty %s", req.Qty)
	}
	if req.Type == TypeLimit && req.Price.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("paper: limit order without price")
	}
	id := "paper-" + uuid.NewString()
	o := &paperOrder{req: req, id: id, price: req.Price}
	switch req.Type {
	case TypeMarket:
		o.status = StatusFilled
		o.execQty = req.Qty
	default:
		o.status = StatusNew
		o.fillAt = p.now().Add(p.fillDelay)
	}
	p.mu.Lock()
	p.orders[id] = o
	p.mu.Unlock()
	log.Debug().Str("symbol", req.Symbol).Str("side", string(req.Side)).
		Str("qty", req.Qty.String()).Str("price", req.Price.String()).
		Str("order_id", id).Bool("reduce_only", req.ReduceOnly).
		Msg("paper order placed")
	return id, nil
}

func (p *Paper) CancelOrder(_ context.Context, _ domain.Category, _ string, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: unknown order %s", orderID)
	}
	p.settle(o)
	if o.status.Terminal() {
		return fmt.Errorf("paper: order %s already %s", orderID, o.status)
	}
	o.status = StatusCancelled
	return nil
}

func (p *Paper) OrderStatus(_ context.Context, _ domain.Category, _ string, orderID string) (OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return OrderState{}, fmt.Errorf("paper: unknown order %s", orderID)
	}
	p.settle(o)
	return OrderState{
		OrderID:    o.id,
		Status:     o.status,
		AvgPrice:   o.price,
		CumExecQty: o.execQty,
	}, nil
}

// settle flips a resting limit order to filled once its delay elapsed.
// Caller holds p.mu.
func (p *Paper) settle(o *paperOrder) {
	if o.status == StatusNew && !o.fillAt.IsZero() && !p.now().Before(o.fillAt) {
		o.status = StatusFilled
		o.execQty = o.req.Qty
	}
}

func (p *Paper) Equity(context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.equity, nil
}

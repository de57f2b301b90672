package orders

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/perprun/perprun/internal/bybit"
	"github.com/perprun/perprun/internal/domain"
)

// transientCodes are venue replies worth exactly one immediate retry at
// the order layer. Anything else bubbles up untouched.
var transientCodes = map[int]struct{}{
	10002: {},
	10006: {},
}

// IsTransient reports whether err carries a retCode from the transient
// set.
func IsTransient(err error) bool {
	var apiErr *bybit.APIError
	if errors.As(err, &apiErr) {
		_, ok := transientCodes[apiErr.Code]
		return ok
	}
	return false
}

// RetryingClient wraps a Client with a single retry on transient venue
// replies. It deliberately does not retry placements whose first attempt
// may have reached the book; the order link id disambiguates those.
type RetryingClient struct {
	inner Client
	pause time.Duration
}

// WithRetry decorates inner with the one-shot transient retry.
func WithRetry(inner Client) *RetryingClient {
	return &RetryingClient{inner: inner, pause: 200 * time.Millisecond}
}

func (c *RetryingClient) once(ctx context.Context, what string, fn func() error) error {
	err := fn()
	if err == nil || !IsTransient(err) {
		return err
	}
	log.Warn().Err(err).Str("op", what).Msg("transient venue reply, retrying once")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.pause):
	}
	return fn()
}

func (c *RetryingClient) PlaceOrder(ctx context.Context, req Request) (string, error) {
	var id string
	err := c.once(ctx, "place", func() error {
		var e error
		id, e = c.inner.PlaceOrder(ctx, req)
		return e
	})
	return id, err
}

func (c *RetryingClient) CancelOrder(ctx context.Context, category domain.Category, symbol, orderID string) error {
	return c.once(ctx, "cancel", func() error {
		return c.inner.CancelOrder(ctx, category, symbol, orderID)
	})
}

func (c *RetryingClient) OrderStatus(ctx context.Context, category domain.Category, symbol, orderID string) (OrderState, error) {
	var st OrderState
	err := c.once(ctx, "status", func() error {
		var e error
		st, e = c.inner.OrderStatus(ctx, category, symbol, orderID)
		return e
	})
	return st, err
}

func (c *RetryingClient) Equity(ctx context.Context) (decimal.Decimal, error) {
	var eq decimal.Decimal
	err := c.once(ctx, "equity", func() error {
		var e error
		eq, e = c.inner.Equity(ctx)
		return e
	})
	return eq, err
}

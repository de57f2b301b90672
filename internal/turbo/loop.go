package turbo

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/perprun/perprun/internal/bus"
	"github.com/perprun/perprun/internal/bybit"
	"github.com/perprun/perprun/internal/config"
	"github.com/perprun/perprun/internal/domain"
	"github.com/perprun/perprun/internal/metrics"
	"github.com/perprun/perprun/internal/orders"
	"github.com/perprun/perprun/internal/stream"
)

// TickerSource is the fused live state the loop reads every tick;
// satisfied by *stream.Store.
type TickerSource interface {
	Snapshot(symbol string) (stream.InstantTicker, bool)
	HasWSData(symbol string) bool
}

// FundingFallback resolves the REST funding snapshot taken at refresh
// time, used when the live stream has not supplied a funding instant yet.
type FundingFallback func(symbol string) (domain.FundingInfo, bool)

// EligibilityCheck reports whether the symbol is still in the active set.
type EligibilityCheck func(symbol string) bool

// VolatilityLookup yields the cached volatility for a symbol; ok=false
// means unknown, which never breaks a filter check.
type VolatilityLookup func(symbol string) (float64, bool)

// LoopDeps carries everything a fast loop needs besides configuration.
type LoopDeps struct {
	Client     orders.Client
	Tickers    TickerSource
	Fallback   FundingFallback
	Eligible   EligibilityCheck
	Volatility VolatilityLookup
	Events     *bus.Bus[stream.Event]
	Instrument bybit.Instrument
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Loop drives one symbol through the funding window: watch, enter, hold
// across the funding instant, exit. A loop is single-goroutine; tick is
// never called concurrently.
type Loop struct {
	cfg      *config.Config
	symbol   string
	category domain.Category
	deps     LoopDeps

	// seed fields from the refresh that armed this loop: countdown is the
	// last resort for the funding instant, score breaks the side tie at
	// neutral funding, turnover backstops the volume re-check.
	seedCountdown string
	seededAt      time.Time
	seedFunding   float64
	seedScore     float64
	seedTurnover  float64

	phase       phase
	side        orders.Side
	qty         decimal.Decimal
	entryReq    decimal.Decimal
	entryFill   decimal.Decimal
	exitReq     decimal.Decimal
	orderID     string
	fundingRate float64
	startedAt   time.Time
	entrySentAt time.Time

	// open reports a filled entry that has not been closed out yet; read
	// by the controller for the open-position cap.
	open atomic.Bool

	// fundingAt is latched at first resolution. The venue rolls
	// nextFundingTime forward the moment a settlement passes, and the
	// loop must keep targeting the instant it was armed for.
	fundingAt time.Time

	cancelAskedAt time.Time
	exitPlacedAt  time.Time
	exitIsMarket  bool
}

// NewLoop arms a fast loop for one active-set candidate.
func NewLoop(cfg *config.Config, category domain.Category, seed domain.Candidate, seededAt time.Time, deps LoopDeps) *Loop {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Loop{
		cfg:           cfg,
		symbol:        seed.Symbol,
		category:      category,
		deps:          deps,
		seedCountdown: seed.FundingIn,
		seededAt:      seededAt,
		seedFunding:   seed.FundingRate,
		seedScore:     seed.Score,
		seedTurnover:  seed.Turnover24h,
		phase:         phaseWatch,
		startedAt:     deps.Now(),
	}
}

// Symbol returns the symbol this loop trades.
func (l *Loop) Symbol() string { return l.symbol }

// fundingInstant resolves the next funding time, preferring live stream
// state, then the refresh-time REST snapshot, then the formatted
// countdown captured when the loop was armed.
func (l *Loop) fundingInstant(now time.Time) (time.Time, bool) {
	if !l.fundingAt.IsZero() {
		return l.fundingAt, true
	}
	if snap, ok := l.deps.Tickers.Snapshot(l.symbol); ok && snap.NextFundingTime != "" {
		if t, ok := domain.NormalizeFundingTime(snap.NextFundingTime); ok {
			l.fundingAt = domain.NextFundingInstant(t, now)
			return l.fundingAt, true
		}
	}
	if info, ok := l.deps.Fallback(l.symbol); ok && info.NextFundingTime != "" {
		if t, ok := domain.NormalizeFundingTime(info.NextFundingTime); ok {
			l.fundingAt = domain.NextFundingInstant(t, now)
			return l.fundingAt, true
		}
	}
	if d, ok := domain.ParseRemaining(l.seedCountdown); ok {
		l.fundingAt = l.seededAt.Add(d)
		return l.fundingAt, true
	}
	return time.Time{}, false
}

// currentFunding picks the freshest funding rate available.
func (l *Loop) currentFunding() float64 {
	if snap, ok := l.deps.Tickers.Snapshot(l.symbol); ok && snap.FundingRate != nil {
		return *snap.FundingRate
	}
	if info, ok := l.deps.Fallback(l.symbol); ok {
		return info.FundingRate
	}
	return l.seedFunding
}

// currentTurnover picks the freshest 24h turnover available.
func (l *Loop) currentTurnover() float64 {
	if snap, ok := l.deps.Tickers.Snapshot(l.symbol); ok && snap.Turnover24h != nil {
		return *snap.Turnover24h
	}
	if info, ok := l.deps.Fallback(l.symbol); ok && info.Turnover24h > 0 {
		return info.Turnover24h
	}
	return l.seedTurnover
}

// book returns the live top of book, if both sides are known.
func (l *Loop) book() (bid, ask decimal.Decimal, ok bool) {
	snap, found := l.deps.Tickers.Snapshot(l.symbol)
	if !found || snap.Bid1Price == nil || snap.Ask1Price == nil {
		return decimal.Zero, decimal.Zero, false
	}
	if *snap.Bid1Price <= 0 || *snap.Ask1Price <= 0 {
		return decimal.Zero, decimal.Zero, false
	}
	return decimal.NewFromFloat(*snap.Bid1Price), decimal.NewFromFloat(*snap.Ask1Price), true
}

// filtersOK re-validates the funding, volume, spread and volatility
// thresholds against live data. An unknown spread only rejects while the
// spread filter is on; unknown volatility never rejects.
func (l *Loop) filtersOK() bool {
	funding := math.Abs(l.currentFunding())
	if l.cfg.FundingMin != nil && funding < *l.cfg.FundingMin {
		return false
	}
	if l.cfg.FundingMax != nil && funding > *l.cfg.FundingMax {
		return false
	}
	if l.cfg.VolumeMinMillions != nil &&
		l.currentTurnover()/1_000_000 < *l.cfg.VolumeMinMillions {
		return false
	}
	if l.cfg.SpreadMax != nil {
		bid, ask, ok := l.book()
		if !ok {
			return false
		}
		bf, _ := bid.Float64()
		af, _ := ask.Float64()
		frac, ok := domain.SpreadFraction(bf, af)
		if !ok || frac > *l.cfg.SpreadMax {
			return false
		}
	}
	if l.cfg.VolatilityMax != nil && l.deps.Volatility != nil {
		if v, ok := l.deps.Volatility(l.symbol); ok && v > *l.cfg.VolatilityMax {
			return false
		}
	}
	return true
}

func (l *Loop) orderEvent(side orders.Side, outcome string) {
	if l.deps.Metrics != nil {
		l.deps.Metrics.OrdersPlaced.WithLabelValues(string(side), outcome).Inc()
	}
}

func (l *Loop) event(name string) {
	if l.deps.Metrics != nil {
		l.deps.Metrics.TurboEvents.WithLabelValues(name).Inc()
	}
}

func (l *Loop) finish(now time.Time, outcome Outcome, err error) *Result {
	l.open.Store(false)
	l.event(string(outcome))
	res := &Result{
		Symbol:      l.symbol,
		Outcome:     outcome,
		Side:        l.side,
		Qty:         l.qty,
		EntryPrice:  l.entryFill,
		FundingRate: l.fundingRate,
		StartedAt:   l.startedAt,
		FinishedAt:  now,
		Err:         err,
	}
	log.Info().Str("symbol", l.symbol).Str("outcome", string(outcome)).
		Err(err).Msg("turbo loop finished")
	return res
}

// tick advances the loop one step. It returns a non-nil Result exactly
// once, when the loop is done.
func (l *Loop) tick(ctx context.Context) *Result {
	now := l.deps.Now()
	fundingAt, ok := l.fundingInstant(now)
	if !ok {
		if l.phase == phaseWatch {
			return l.finish(now, OutcomeNoData, nil)
		}
		// Mid-trade data loss: keep managing the open order on the
		// assumption funding is imminent.
		fundingAt = now
	}
	secs := fundingAt.Sub(now).Seconds()

	if l.cfg.Turbo.TickLogging {
		log.Debug().Str("symbol", l.symbol).Stringer("phase", l.phase).
			Float64("secs_to_funding", secs).Msg("turbo tick")
	}

	switch l.phase {
	case phaseWatch:
		return l.tickWatch(ctx, now, secs)
	case phaseEntry:
		return l.tickEntry(ctx, now, secs)
	case phaseHold:
		return l.tickHold(ctx, now, secs)
	case phaseExit:
		return l.tickExit(ctx, now)
	}
	return l.finish(now, OutcomeError, fmt.Errorf("turbo: invalid phase %d", l.phase))
}

func (l *Loop) tickWatch(ctx context.Context, now time.Time, secs float64) *Result {
	if !l.cfg.Turbo.AllowMidcycleTopNSwitch && l.deps.Eligible != nil && !l.deps.Eligible(l.symbol) {
		return l.finish(now, OutcomeEligibilityLost, nil)
	}
	if secs <= 0 {
		// Funding came and went with no entry placed.
		return l.finish(now, OutcomeSkipped, nil)
	}
	// Live data is mandatory before any order goes out; a symbol whose
	// first streaming tick never arrives inside the wait window is
	// abandoned.
	if !l.deps.Tickers.HasWSData(l.symbol) {
		if l.cfg.Turbo.WSTimeoutSeconds > 0 &&
			now.Sub(l.startedAt) > time.Duration(l.cfg.Turbo.WSTimeoutSeconds)*time.Second {
			l.event("ws_data_timeout")
			return l.finish(now, OutcomeNoData, nil)
		}
		return nil
	}
	if secs > float64(l.cfg.Turbo.EntrySeconds) {
		return nil
	}
	if !l.filtersOK() {
		l.event("entry_filter_reject")
		return nil
	}
	funding := l.currentFunding()
	l.fundingRate = funding
	switch {
	case funding > 0:
		l.side = orders.SideBuy
	case funding < 0:
		l.side = orders.SideSell
	default:
		// Neutral funding: fall back to the sign of the refresh score.
		if l.seedScore > 0 {
			l.side = orders.SideBuy
		} else {
			l.side = orders.SideSell
		}
	}

	bid, ask, ok := l.book()
	if !ok {
		return nil
	}
	price := l.limitPrice(bid, ask)

	equity, err := l.deps.Client.Equity(ctx)
	if err != nil {
		return l.finish(now, OutcomeError, fmt.Errorf("equity: %w", err))
	}
	step := safeDecimal(l.deps.Instrument.QtyStep)
	qty := orders.PositionQty(equity, l.cfg.Positions.CapitalFraction, l.cfg.Positions.Leverage, price, step)
	if minQty := safeDecimal(l.deps.Instrument.MinOrderQty); !minQty.IsZero() && qty.LessThan(minQty) {
		l.event("qty_below_min")
		return l.finish(now, OutcomeSkipped, nil)
	}
	if l.cfg.Positions.MinNotionalUSD > 0 &&
		qty.Mul(price).LessThan(decimal.NewFromFloat(l.cfg.Positions.MinNotionalUSD)) {
		l.event("below_min_notional")
		return l.finish(now, OutcomeSkipped, nil)
	}

	id, err := l.deps.Client.PlaceOrder(ctx, orders.Request{
		Category:    l.category,
		Symbol:      l.symbol,
		Side:        l.side,
		Type:        orders.TypeLimit,
		Qty:         qty,
		Price:       price,
		PostOnly:    l.cfg.Positions.PostOnly,
		OrderLinkID: orders.NewOrderLinkID(l.symbol),
	})
	if err != nil {
		l.orderEvent(l.side, "rejected")
		return l.finish(now, OutcomeError, fmt.Errorf("entry order: %w", err))
	}
	l.orderEvent(l.side, "accepted")
	l.orderID = id
	l.qty = qty
	l.entryReq = price
	l.entrySentAt = now
	l.phase = phaseEntry
	l.event("entry")
	log.Info().Str("symbol", l.symbol).Str("side", string(l.side)).
		Str("qty", qty.String()).Str("price", price.String()).
		Float64("funding", funding).Float64("secs_to_funding", secs).
		Msg("turbo entry placed")
	return nil
}

// limitPrice derives the resting price from the configured policy plus
// the maker offset, snapped passively to the tick.
func (l *Loop) limitPrice(bid, ask decimal.Decimal) decimal.Decimal {
	tick := safeDecimal(l.deps.Instrument.TickSize)
	var base decimal.Decimal
	switch l.cfg.Positions.PricePolicy {
	case "best_ask":
		base = ask
	case "mid":
		base = bid.Add(ask).Div(decimal.NewFromInt(2))
	default: // best_bid
		base = bid
	}
	offset := decimal.New(int64(l.cfg.Positions.MakerOffsetBps), -4)
	if l.side == orders.SideBuy {
		return orders.QuantizeDown(base.Mul(decimal.NewFromInt(1).Sub(offset)), tick)
	}
	return orders.QuantizeUp(base.Mul(decimal.NewFromInt(1).Add(offset)), tick)
}

func (l *Loop) tickEntry(ctx context.Context, now time.Time, secs float64) *Result {
	if !l.cfg.Turbo.AllowMidcycleTopNSwitch && l.deps.Eligible != nil && !l.deps.Eligible(l.symbol) {
		l.cancelQuietly(ctx)
		return l.finish(now, OutcomeEligibilityLost, nil)
	}
	if l.cfg.Turbo.CancelOnFilterBreak && l.cancelAskedAt.IsZero() && !l.filtersOK() {
		l.cancelQuietly(ctx)
		return l.finish(now, OutcomeFilterBreak, nil)
	}

	st, err := l.deps.Client.OrderStatus(ctx, l.category, l.symbol, l.orderID)
	if err != nil {
		return l.finish(now, OutcomeError, fmt.Errorf("entry status: %w", err))
	}
	switch st.Status {
	case orders.StatusFilled:
		l.entryFill = st.AvgPrice
		l.phase = phaseHold
		l.open.Store(true)
		l.event("fill")
		log.Info().Str("symbol", l.symbol).Str("avg_price", st.AvgPrice.String()).
			Msg("turbo entry filled")
		return nil
	case orders.StatusRejected:
		return l.finish(now, OutcomeError, fmt.Errorf("entry rejected"))
	case orders.StatusCancelled:
		return l.finish(now, OutcomeMiss, nil)
	}

	// An unfilled entry is a miss once funding passes or once the miss
	// window since submission elapses, whichever comes first. Cancel,
	// then give the venue a bounded window to confirm (a fill can race
	// the cancel).
	missWindow := time.Duration(l.cfg.Turbo.MissOrderTimeoutS) * time.Second
	if secs <= 0 || now.Sub(l.entrySentAt) > missWindow {
		if l.cancelAskedAt.IsZero() {
			l.cancelQuietly(ctx)
			l.cancelAskedAt = now
			return nil
		}
		if now.Sub(l.cancelAskedAt) >= missWindow {
			return l.finish(now, OutcomeMiss, nil)
		}
	}
	return nil
}

func (l *Loop) cancelQuietly(ctx context.Context) {
	if l.orderID == "" {
		return
	}
	if err := l.deps.Client.CancelOrder(ctx, l.category, l.symbol, l.orderID); err != nil {
		log.Warn().Err(err).Str("symbol", l.symbol).Str("order_id", l.orderID).
			Msg("turbo cancel failed")
	}
}

func (l *Loop) tickHold(ctx context.Context, now time.Time, secs float64) *Result {
	if secs > 0 {
		return nil
	}
	// Funding collected. Close out, or stop here if holding through is
	// configured.
	if !l.cfg.Positions.CloseAtFunding {
		l.event("hold_through")
		return l.finish(now, OutcomeExit, nil)
	}
	return l.placeExit(ctx, now, l.cfg.Positions.ExitOrderType == "market")
}

func (l *Loop) placeExit(ctx context.Context, now time.Time, market bool) *Result {
	req := orders.Request{
		Category:    l.category,
		Symbol:      l.symbol,
		Side:        l.side.Opposite(),
		Qty:         l.qty,
		ReduceOnly:  l.cfg.Positions.ReduceOnlyOnExit,
		OrderLinkID: orders.NewOrderLinkID(l.symbol),
	}
	if market {
		req.Type = orders.TypeMarket
		if bid, ask, ok := l.book(); ok {
			// Reference price for slippage accounting.
			if req.Side == orders.SideSell {
				req.Price = bid
			} else {
				req.Price = ask
			}
		} else {
			req.Price = l.entryFill
		}
	} else {
		bid, ask, ok := l.book()
		if !ok {
			// No book to rest against; degrade to market.
			return l.placeExit(ctx, now, true)
		}
		req.Type = orders.TypeLimit
		req.PostOnly = true
		tick := safeDecimal(l.deps.Instrument.TickSize)
		req.Price = orders.MakerPrice(req.Side, bid, ask, int64(l.cfg.Positions.MakerOffsetBps), tick)
	}

	id, err := l.deps.Client.PlaceOrder(ctx, req)
	if err != nil {
		l.orderEvent(req.Side, "rejected")
		return l.finish(now, OutcomeError, fmt.Errorf("exit order: %w", err))
	}
	l.orderEvent(req.Side, "accepted")
	l.orderID = id
	l.exitReq = req.Price
	l.exitPlacedAt = now
	l.exitIsMarket = market
	l.phase = phaseExit
	l.event("exit_placed")
	return nil
}

func (l *Loop) tickExit(ctx context.Context, now time.Time) *Result {
	st, err := l.deps.Client.OrderStatus(ctx, l.category, l.symbol, l.orderID)
	if err != nil {
		return l.finish(now, OutcomeError, fmt.Errorf("exit status: %w", err))
	}
	switch st.Status {
	case orders.StatusFilled:
		res := l.finish(now, OutcomeExit, nil)
		res.ExitPrice = st.AvgPrice
		res.PricePnL = pnl(l.side, l.entryFill, st.AvgPrice, l.qty)
		// Slippage is adverse fill distance from the requested price.
		slip := st.AvgPrice.Sub(l.exitReq)
		if l.side == orders.SideBuy {
			// Long exits by selling; filling lower is adverse.
			slip = slip.Neg()
		}
		res.Slippage = slip
		log.Info().Str("symbol", l.symbol).
			Str("pnl", res.PricePnL.String()).Str("slippage", res.Slippage.String()).
			Msg("turbo round trip closed")
		return res
	case orders.StatusRejected, orders.StatusCancelled:
		return l.finish(now, OutcomeError, fmt.Errorf("exit order %s", st.Status))
	}

	// A passive exit that will not fill escalates to market after the
	// miss window.
	if !l.exitIsMarket &&
		now.Sub(l.exitPlacedAt) >= time.Duration(l.cfg.Turbo.MissOrderTimeoutS)*time.Second {
		l.cancelQuietly(ctx)
		l.event("exit_escalated")
		return l.placeExit(ctx, now, true)
	}
	return nil
}

// run ticks the loop until it finishes or the context ends. The timer
// guarantees the configured cadence; fresh stream events for the symbol
// wake the loop early, throttled so a busy book cannot outrun the order
// endpoints.
func (l *Loop) run(ctx context.Context) *Result {
	every := time.Duration(l.cfg.Turbo.RefreshMs) * time.Millisecond
	if every <= 0 {
		every = time.Second
	}
	var events <-chan stream.Event
	cancelSub := func() {}
	if l.deps.Events != nil {
		events, cancelSub = l.deps.Events.Subscribe(l.symbol)
	}
	defer cancelSub()

	t := time.NewTicker(every)
	defer t.Stop()
	var lastTick time.Time
	for {
		select {
		case <-ctx.Done():
			if l.phase == phaseEntry || l.phase == phaseExit {
				l.cancelQuietly(context.Background())
			}
			return l.finish(l.deps.Now(), OutcomeError, ctx.Err())
		case <-events:
			if now := l.deps.Now(); now.Sub(lastTick) < every/4 {
				continue
			}
		case <-t.C:
		}
		lastTick = l.deps.Now()
		if res := l.tick(ctx); res != nil {
			return res
		}
	}
}

func safeDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

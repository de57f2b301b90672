package turbo

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/perprun/perprun/internal/orders"
)

// phase is where a fast loop sits in its entry/hold/exit lifecycle.
type phase int

const (
	phaseWatch phase = iota // inside the trigger window, before the entry gate
	phaseEntry              // entry order resting on the book
	phaseHold               // position open, waiting for the funding instant
	phaseExit               // exit order in flight
)

func (p phase) String() string {
	switch p {
	case phaseWatch:
		return "watch"
	case phaseEntry:
		return "entry"
	case phaseHold:
		return "hold"
	case phaseExit:
		return "exit"
	}
	return "unknown"
}

// Outcome names how a fast loop ended. These are also the metric labels.
type Outcome string

const (
	OutcomeExit            Outcome = "funding_done"      // full cycle: entered, held, closed
	OutcomeMiss            Outcome = "miss"              // entry never filled in time
	OutcomeFilterBreak     Outcome = "filter_break"      // thresholds broke while resting
	OutcomeEligibilityLost Outcome = "sortie_conditions" // symbol left the active set
	OutcomeNoData          Outcome = "no_data"           // funding instant or stream unresolvable
	OutcomeSkipped         Outcome = "skipped"           // entry gate declined to trade
	OutcomeError           Outcome = "fatal_error"       // fatal venue or transport error
)

// Result is the terminal report of one fast loop.
type Result struct {
	Symbol     string
	Outcome    Outcome
	Side       orders.Side
	Qty        decimal.Decimal
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	// Slippage is exit fill minus requested exit price, signed from the
	// position's point of view.
	Slippage decimal.Decimal
	// PricePnL is the round-trip price move in quote currency; funding
	// received is tracked separately since it settles out of band.
	PricePnL    decimal.Decimal
	FundingRate float64
	StartedAt   time.Time
	FinishedAt  time.Time
	Err         error
}

// pnl computes the signed price move for a closed round trip.
func pnl(side orders.Side, entry, exit, qty decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if side == orders.SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

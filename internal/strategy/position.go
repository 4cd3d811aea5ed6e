// Package strategy implements the per-bot trading state machine.
//
// Two modes share one state space:
//
//   - spike_fade: enter against detected spikes (upward spike → SHORT,
//     downward → LONG), exit on take-profit, stop-loss, or max-hold.
//
//   - train_of_trade: the cyclic BUY→HOLD→SELL→BUY strategy wherein each
//     phase's exit arms the next phase's entry target explicitly.
//
// The machine is pure state: it consumes price updates and spike signals
// and emits at most one Decision at a time. All exchange I/O lives in the
// executor; the machine's position changes only when the session reports
// a confirmed fill back via OnOpened/OnClosed.
package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trainbot/pkg/types"
)

// State is the strategy phase. has_position and has_target follow from it:
// ARMED has a target, HOLDING has a position and (in train mode) a target,
// EXITING has a position with a close in flight.
type State string

const (
	StateFlat     State = "FLAT"     // no position, no target
	StateArmed    State = "ARMED"    // entry target set
	StateHolding  State = "HOLDING"  // position open
	StateExiting  State = "EXITING"  // close submitted, awaiting settlement
	StateCooldown State = "COOLDOWN" // post-exit dwell
)

// Condition is the trigger comparison of a target. BUY targets use
// at-or-below, SELL targets at-or-above; the pairing is an invariant.
type Condition string

const (
	CondAtOrBelow Condition = "lte" // triggers when price <= target (BUY)
	CondAtOrAbove Condition = "gte" // triggers when price >= target (SELL)
)

// Target is the next intended trade. At most one exists per bot.
type Target struct {
	Action    types.Side `json:"action"`
	Price     float64    `json:"price"`
	Condition Condition  `json:"condition"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
}

// Triggered reports whether the target's condition holds at price.
func (t *Target) Triggered(price float64) bool {
	switch t.Condition {
	case CondAtOrBelow:
		return price <= t.Price
	case CondAtOrAbove:
		return price >= t.Price
	default:
		return false
	}
}

// Position is one open trade. At most one exists per bot; it is created
// only on a confirmed fill and destroyed only on a confirmed close.
type Position struct {
	Side              types.PositionSide `json:"side"`
	EntryPrice        float64            `json:"entry_price"`
	EntryTime         time.Time          `json:"entry_time"`
	AmountUSD         float64            `json:"amount_usd"`
	Shares            float64            `json:"shares"`
	TakeProfitPrice   float64            `json:"take_profit_price"`
	StopLossPrice     float64            `json:"stop_loss_price"`
	Deadline          time.Time          `json:"deadline"`
	PendingSettlement bool               `json:"pending_settlement"`
	EntryOrderID      string             `json:"entry_order_id,omitempty"`
	Simulated         bool               `json:"simulated,omitempty"`
}

// PnL computes realized profit for closing at exitPrice.
//
//	LONG:  pnl = shares·(exit − entry), pct = 100·(exit/entry − 1)
//	SHORT: pnl = shares·(entry − exit), pct = 100·(entry/exit − 1)
//
// Decimal arithmetic keeps the session's running P&L free of float drift.
func (p *Position) PnL(exitPrice float64) (pnlUSD, pnlPct decimal.Decimal) {
	entry := decimal.NewFromFloat(p.EntryPrice)
	exit := decimal.NewFromFloat(exitPrice)
	shares := decimal.NewFromFloat(p.Shares)
	hundred := decimal.NewFromInt(100)

	if entry.IsZero() || exit.IsZero() {
		return decimal.Zero, decimal.Zero
	}

	switch p.Side {
	case types.SHORT:
		pnlUSD = shares.Mul(entry.Sub(exit))
		pnlPct = entry.Div(exit).Sub(decimal.NewFromInt(1)).Mul(hundred)
	default: // LONG
		pnlUSD = shares.Mul(exit.Sub(entry))
		pnlPct = exit.Div(entry).Sub(decimal.NewFromInt(1)).Mul(hundred)
	}
	return pnlUSD.Round(6), pnlPct.Round(4)
}

// Age returns how long the position has been open.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// ExitReason names why a holding position should be closed now, or ""
// if no exit rule applies. Checked in order: take-profit, stop-loss,
// time exit.
func (p *Position) ExitReason(price float64, now time.Time) string {
	switch p.Side {
	case types.SHORT:
		if price <= p.TakeProfitPrice {
			return "take_profit"
		}
		if price >= p.StopLossPrice {
			return "stop_loss"
		}
	default: // LONG
		if price >= p.TakeProfitPrice {
			return "take_profit"
		}
		if price <= p.StopLossPrice {
			return "stop_loss"
		}
	}
	if !now.Before(p.Deadline) {
		return "time_exit"
	}
	return ""
}

// CloseSide returns the order side that closes the position.
func (p *Position) CloseSide() types.Side {
	if p.Side == types.SHORT {
		return types.BUY
	}
	return types.SELL
}

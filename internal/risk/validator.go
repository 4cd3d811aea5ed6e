// Package risk validates trade decisions before they reach the executor.
//
// Validation is a pure function over an input snapshot the session
// assembles up front (counters, balances, book metrics, clock readings),
// so the same snapshot always yields the same verdict regardless of what
// the live market does during evaluation. Checks run in a fixed order and
// the first failure wins.
package risk

import (
	"time"

	"polymarket-trainbot/internal/config"
	"polymarket-trainbot/internal/exchange"
	"polymarket-trainbot/internal/strategy"
	"polymarket-trainbot/pkg/types"
)

// SettlementDelay is the minimum dwell between a confirmed exit and the
// next entry, giving the exchange time to settle the previous fill.
const SettlementDelay = 2 * time.Second

// Rejection reasons, in check order.
const (
	ReasonKillswitch       = "killswitch_active"
	ReasonSessionTradeCap  = "session_trade_cap"
	ReasonSessionLossLimit = "session_loss_limit"
	ReasonDailyLossLimit   = "daily_loss_limit"
	ReasonCooldown         = "cooldown_active"
	ReasonSettlementDelay  = "settlement_delay"
	ReasonPositionOpen     = "position_already_open"
	ReasonBalance          = "insufficient_balance"
	ReasonAllowance        = "insufficient_allowance"
	ReasonNoLiquidity      = "no_liquidity"
	ReasonBidLiquidity     = "insufficient_bid_liquidity"
	ReasonAskLiquidity     = "insufficient_ask_liquidity"
	ReasonSpread           = "spread_too_wide"
	ReasonSlippage         = "slippage_exceeded"
)

// Inputs is the snapshot a decision is validated against. The session
// gathers it once per decision; Validate never performs I/O.
type Inputs struct {
	Now time.Time

	Killswitch bool

	SessionTrades  int
	SessionPnLUSD  float64
	DailyPnLUSD    float64
	LastSignalTime time.Time // last admitted opening decision
	LastExitTime   time.Time // last confirmed close
	HasPosition    bool

	BalanceUSD     float64
	AllowanceUSD   float64
	BalanceKnown   bool // false when no wallet could be queried
	Book           exchange.BookMetrics
	ReferencePrice float64 // stream price the decision was made at

	Bot      config.BotConfig
	Settings config.GlobalSettings
}

// Rejection carries the failed check and a detail for the activity log.
type Rejection struct {
	Reason string
	Detail string
}

func reject(reason, detail string) *Rejection {
	return &Rejection{Reason: reason, Detail: detail}
}

// Validate runs all checks against the snapshot in order and returns the
// first failure, or nil if the decision is admitted. Closing decisions
// skip the entry-only gates (caps, cooldown, settlement delay, balance,
// position guard): an exit must never be trapped behind them.
func Validate(d *strategy.Decision, in Inputs) *Rejection {
	bot := &in.Bot

	if !d.ClosesPosition {
		if in.Killswitch {
			return reject(ReasonKillswitch, "killswitch engaged, rejecting new entries")
		}
		if bot.MaxTradesPerSession > 0 && in.SessionTrades >= bot.MaxTradesPerSession {
			return reject(ReasonSessionTradeCap, "session trade cap reached")
		}
		if bot.SessionLossLimitUSD > 0 && in.SessionPnLUSD <= -bot.SessionLossLimitUSD {
			return reject(ReasonSessionLossLimit, "session loss limit reached")
		}
		if in.Settings.DailyLossLimitUSD > 0 && in.DailyPnLUSD <= -in.Settings.DailyLossLimitUSD {
			return reject(ReasonDailyLossLimit, "daily loss limit reached")
		}
		if !in.LastSignalTime.IsZero() && in.Now.Sub(in.LastSignalTime) < bot.Cooldown() {
			return reject(ReasonCooldown, "cooldown since last entry has not elapsed")
		}
		if !in.LastExitTime.IsZero() && in.Now.Sub(in.LastExitTime) < SettlementDelay {
			return reject(ReasonSettlementDelay, "previous exit still settling")
		}
		if in.HasPosition {
			return reject(ReasonPositionOpen, "a position is already open")
		}
		if in.BalanceKnown {
			if in.BalanceUSD < d.AmountUSD {
				return reject(ReasonBalance, "wallet balance below trade size")
			}
			if in.AllowanceUSD < d.AmountUSD {
				return reject(ReasonAllowance, "exchange allowance below trade size")
			}
		}
	}

	if r := checkBook(d, in); r != nil {
		return r
	}
	return checkSlippage(d, in)
}

// checkBook gates on order-book health: an empty book rejects outright,
// then depth on the side the order would hit, then the relative spread.
// Per-bot overrides win over global settings when set.
func checkBook(d *strategy.Decision, in Inputs) *Rejection {
	book := in.Book
	if book.Empty || book.BestBid <= 0 || book.BestAsk <= 0 {
		return reject(ReasonNoLiquidity, "order book is empty")
	}

	minBid := in.Settings.MinBidLiquidityUSD
	if in.Bot.MinBidLiquidityUSD > 0 {
		minBid = in.Bot.MinBidLiquidityUSD
	}
	minAsk := in.Settings.MinAskLiquidityUSD
	if in.Bot.MinAskLiquidityUSD > 0 {
		minAsk = in.Bot.MinAskLiquidityUSD
	}
	maxSpread := in.Settings.MaxSpreadPct
	if in.Bot.MaxSpreadPct > 0 {
		maxSpread = in.Bot.MaxSpreadPct
	}

	// A BUY consumes asks, a SELL consumes bids.
	if d.Action == types.BUY && book.AskDepthUSD < minAsk {
		return reject(ReasonAskLiquidity, "ask depth below minimum")
	}
	if d.Action == types.SELL && book.BidDepthUSD < minBid {
		return reject(ReasonBidLiquidity, "bid depth below minimum")
	}

	if maxSpread > 0 && book.SpreadPct > maxSpread {
		return reject(ReasonSpread, "spread exceeds maximum")
	}
	return nil
}

// checkSlippage rejects when the touch price the order would cross has
// moved beyond the tolerance from the price the decision was made at.
func checkSlippage(d *strategy.Decision, in Inputs) *Rejection {
	tol := in.Settings.SlippageTolerance
	if tol <= 0 || in.ReferencePrice <= 0 {
		return nil
	}

	touch := in.Book.BestAsk
	if d.Action == types.SELL {
		touch = in.Book.BestBid
	}
	if touch <= 0 {
		return nil
	}

	drift := touch - in.ReferencePrice
	if d.Action == types.SELL {
		drift = in.ReferencePrice - touch
	}
	if drift > in.ReferencePrice*tol {
		return reject(ReasonSlippage, "book moved beyond slippage tolerance")
	}
	return nil
}

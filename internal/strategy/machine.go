package strategy

import (
	"fmt"
	"time"

	"polymarket-trainbot/internal/config"
	"polymarket-trainbot/internal/spike"
	"polymarket-trainbot/pkg/types"
)

// Decision is one intended trade. IDs increase monotonically per bot;
// the executor uses them for idempotency, so re-evaluating the same
// target on a later price update produces a fresh decision, while
// duplicate submission of one decision is a no-op.
type Decision struct {
	ID             uint64             `json:"id"`
	Action         types.Side         `json:"action"`
	AmountUSD      float64            `json:"amount_usd"`
	LimitPrice     float64            `json:"limit_price"` // reference price at decision time
	Reason         string             `json:"reason"`
	OpensSide      types.PositionSide `json:"opens_side,omitempty"` // set when opening
	ClosesPosition bool               `json:"closes_position"`
	Fallback       bool               `json:"fallback_pricing"` // priced while stream was down
	CreatedAt      time.Time          `json:"created_at"`
}

// Machine is the per-bot strategy state machine. It is not goroutine-safe:
// the owning session's decision loop is the only caller.
type Machine struct {
	cfg config.BotConfig

	state    State
	position *Position
	target   *Target

	nextID        uint64
	warmAt        time.Time // first warm price observation (delayed entry)
	entryDone     bool      // immediate/delayed startup entry already fired
	cooldownUntil time.Time
}

// NewMachine creates a machine in FLAT. Recovered positions are never
// re-attached: the operator closes them manually through the API.
func NewMachine(cfg config.BotConfig) *Machine {
	return &Machine{cfg: cfg, state: StateFlat}
}

// State returns the current phase.
func (m *Machine) State() State { return m.state }

// Position returns a copy of the open position, or nil.
func (m *Machine) Position() *Position {
	if m.position == nil {
		return nil
	}
	p := *m.position
	return &p
}

// Target returns a copy of the armed target, or nil.
func (m *Machine) Target() *Target {
	if m.target == nil {
		return nil
	}
	t := *m.target
	return &t
}

// OnPrice evaluates one price update and returns at most one decision.
func (m *Machine) OnPrice(upd types.PriceUpdate, now time.Time) *Decision {
	m.leaveCooldown(now)

	switch m.state {
	case StateFlat:
		return m.evalStartup(upd, now)

	case StateArmed:
		if m.target != nil && m.target.Triggered(upd.Price) {
			return m.targetDecision(upd, now)
		}

	case StateHolding:
		// Risk exits run before target exits, like the live bot: a stop
		// must not wait for the price to revisit the target.
		if reason := m.position.ExitReason(upd.Price, now); reason != "" {
			return m.closeDecision(upd, now, reason)
		}
		if m.target != nil && m.target.Action == m.position.CloseSide() && m.target.Triggered(upd.Price) {
			return m.closeDecision(upd, now, "target_hit")
		}

	case StateExiting, StateCooldown:
		// Observe only.
	}
	return nil
}

// OnSpike handles a detector signal. Only spike_fade bots act on it, and
// only while flat: an upward spike opens SHORT, a downward spike LONG.
func (m *Machine) OnSpike(res spike.Result, upd types.PriceUpdate, now time.Time) *Decision {
	if m.cfg.StrategyMode != config.ModeSpikeFade || !res.Spike {
		return nil
	}
	m.leaveCooldown(now)
	if m.state != StateFlat {
		return nil
	}

	reason := fmt.Sprintf("spike_%.2f%%_%ds", res.MaxChangePct, res.MaxChangeWindowSec)
	if res.Direction == spike.DirectionUp {
		return m.openDecision(upd, now, types.SHORT, types.SELL, reason)
	}
	return m.openDecision(upd, now, types.LONG, types.BUY, reason)
}

// evalStartup handles entry_mode while flat with no target.
func (m *Machine) evalStartup(upd types.PriceUpdate, now time.Time) *Decision {
	if m.warmAt.IsZero() {
		m.warmAt = now
	}

	switch m.cfg.EntryMode {
	case config.EntryImmediateBuy:
		if !m.entryDone {
			m.entryDone = true
			return m.openDecision(upd, now, types.LONG, types.BUY, "immediate_entry")
		}

	case config.EntryDelayedBuy:
		if !m.entryDone && now.Sub(m.warmAt) >= time.Duration(m.cfg.EntryDelaySeconds)*time.Second {
			m.entryDone = true
			return m.openDecision(upd, now, types.LONG, types.BUY, "delayed_entry")
		}

	case config.EntryWaitForSpike:
		// Train bots don't wait for spikes: arm the first buy target off
		// the current price so the cycle can start.
		if m.cfg.StrategyMode == config.ModeTrainOfTrade && m.target == nil {
			m.armBuyTarget(upd.Price, now, "initial_target")
			m.state = StateArmed
		}
	}
	return nil
}

// targetDecision converts a triggered entry target into a decision.
func (m *Machine) targetDecision(upd types.PriceUpdate, now time.Time) *Decision {
	t := m.target
	if t.Action == types.BUY && m.position == nil {
		return m.openDecision(upd, now, types.LONG, types.BUY, t.Reason)
	}
	if t.Action == types.SELL && m.position != nil {
		return m.closeDecision(upd, now, t.Reason)
	}
	return nil
}

func (m *Machine) openDecision(upd types.PriceUpdate, now time.Time, side types.PositionSide, action types.Side, reason string) *Decision {
	m.nextID++
	return &Decision{
		ID:         m.nextID,
		Action:     action,
		AmountUSD:  m.cfg.TradeSizeUSD,
		LimitPrice: upd.Price,
		Reason:     reason,
		OpensSide:  side,
		Fallback:   upd.Fallback,
		CreatedAt:  now,
	}
}

func (m *Machine) closeDecision(upd types.PriceUpdate, now time.Time, reason string) *Decision {
	m.nextID++
	return &Decision{
		ID:             m.nextID,
		Action:         m.position.CloseSide(),
		AmountUSD:      m.position.AmountUSD,
		LimitPrice:     upd.Price,
		Reason:         reason,
		ClosesPosition: true,
		Fallback:       upd.Fallback,
		CreatedAt:      now,
	}
}

// OnSubmitted marks a closing decision in flight.
func (m *Machine) OnSubmitted(d *Decision) {
	if d.ClosesPosition {
		m.state = StateExiting
	}
}

// OnOpened installs the position after a confirmed opening fill and, in
// train mode, arms the exit target at entry·(1+TP/100).
func (m *Machine) OnOpened(d *Decision, result types.OrderResult, now time.Time) {
	entry := result.FillPrice
	// Live fills are provisional until the user channel reports the trade;
	// simulated fills have nothing to settle.
	pos := &Position{
		Side:              d.OpensSide,
		EntryPrice:        entry,
		EntryTime:         now,
		AmountUSD:         d.AmountUSD,
		Shares:            result.FillShares,
		Deadline:          now.Add(m.cfg.MaxHold()),
		EntryOrderID:      result.OrderID,
		Simulated:         result.Simulated,
		PendingSettlement: !result.Simulated,
	}

	tp := m.cfg.TakeProfitPct / 100
	sl := m.cfg.StopLossPct / 100
	if d.OpensSide == types.SHORT {
		pos.TakeProfitPrice = entry * (1 - tp)
		pos.StopLossPrice = entry * (1 + sl)
	} else {
		pos.TakeProfitPrice = entry * (1 + tp)
		pos.StopLossPrice = entry * (1 - sl)
	}

	m.position = pos
	m.state = StateHolding

	if m.cfg.StrategyMode == config.ModeTrainOfTrade && d.OpensSide == types.LONG {
		m.target = &Target{
			Action:    types.SELL,
			Price:     pos.TakeProfitPrice,
			Condition: CondAtOrAbove,
			Reason:    "take_profit_target",
			CreatedAt: now,
		}
	} else {
		m.target = nil
	}
}

// OnClosed clears the position after a confirmed closing fill. Spike-fade
// bots cool down for cooldown_seconds and return to FLAT; train bots arm
// the rebuy target off the exit price and cool down for the rebuy delay.
func (m *Machine) OnClosed(d *Decision, result types.OrderResult, now time.Time) {
	m.position = nil
	m.target = nil

	if m.cfg.StrategyMode == config.ModeTrainOfTrade {
		m.armBuyTarget(result.FillPrice, now, "rebuy_target")
		m.state = StateCooldown
		m.cooldownUntil = now.Add(time.Duration(m.cfg.RebuyDelaySeconds * float64(time.Second)))
		return
	}

	m.state = StateCooldown
	m.cooldownUntil = now.Add(m.cfg.Cooldown())
}

// ConfirmSettlement clears the position's pending flag once the exchange
// reports the fill on the user channel.
func (m *Machine) ConfirmSettlement() {
	if m.position != nil {
		m.position.PendingSettlement = false
	}
}

// OnCloseFailed returns an EXITING machine to HOLDING so exit rules keep
// firing on subsequent updates.
func (m *Machine) OnCloseFailed() {
	if m.state == StateExiting {
		m.state = StateHolding
	}
}

// armBuyTarget sets the next entry target. Immediate rebuy re-enters at
// the reference price itself; wait_for_drop demands a further drop.
func (m *Machine) armBuyTarget(refPrice float64, now time.Time, reason string) {
	price := refPrice
	if reason == "initial_target" || m.cfg.RebuyStrategy == config.RebuyWaitForDrop {
		drop := m.cfg.RebuyDropPct
		if reason == "initial_target" {
			drop = m.cfg.SpikeThresholdPct
		}
		price = refPrice * (1 - drop/100)
	}
	m.target = &Target{
		Action:    types.BUY,
		Price:     price,
		Condition: CondAtOrBelow,
		Reason:    reason,
		CreatedAt: now,
	}
}

// leaveCooldown transitions out of COOLDOWN once the dwell has elapsed:
// to ARMED if a target is waiting, otherwise to FLAT.
func (m *Machine) leaveCooldown(now time.Time) {
	if m.state != StateCooldown || now.Before(m.cooldownUntil) {
		return
	}
	if m.target != nil {
		m.state = StateArmed
	} else {
		m.state = StateFlat
	}
}

// Arm installs a target directly (used when the train cycle starts or the
// operator sets one through the API) and moves FLAT to ARMED.
func (m *Machine) Arm(t Target) {
	m.target = &t
	if m.state == StateFlat {
		m.state = StateArmed
	}
}

// ManualDecision builds an operator-initiated decision. BUY opens LONG
// while flat; SELL closes the open position.
func (m *Machine) ManualDecision(side types.Side, amountUSD float64, upd types.PriceUpdate, now time.Time) (*Decision, error) {
	switch side {
	case types.BUY:
		if m.position != nil {
			return nil, fmt.Errorf("a position is already open")
		}
		if amountUSD <= 0 {
			amountUSD = m.cfg.TradeSizeUSD
		}
		d := m.openDecision(upd, now, types.LONG, types.BUY, "manual_trade")
		d.AmountUSD = amountUSD
		return d, nil
	case types.SELL:
		return m.CloseNow(upd, now, "manual_trade")
	default:
		return nil, fmt.Errorf("unknown side %q", side)
	}
}

// CloseNow builds a closing decision regardless of exit rules. Used by
// the manual close command and the stop-time exit grace.
func (m *Machine) CloseNow(upd types.PriceUpdate, now time.Time, reason string) (*Decision, error) {
	if m.position == nil {
		return nil, fmt.Errorf("no open position")
	}
	return m.closeDecision(upd, now, reason), nil
}

package session

import (
	"context"
	"fmt"
	"math"
	"time"

	"polymarket-trainbot/internal/exchange"
	"polymarket-trainbot/internal/risk"
	"polymarket-trainbot/internal/spike"
	"polymarket-trainbot/internal/strategy"
	"polymarket-trainbot/pkg/types"
)

// Run is the decision loop. It owns all strategy state and exits when
// ctx is cancelled. On exit any in-flight close gets the exit grace to
// land; an open position stays persisted for recovery unless CloseOnStop
// was requested.
func (s *Session) Run(ctx context.Context) {
	s.setStatus(StatusRunning, "")
	s.record(types.ActSystem, "bot started", nil)
	s.logger.Info("session started", "market", s.market.Slug, "dry_run", s.bot.DryRun)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case upd, ok := <-s.feed.Updates():
			if !ok {
				s.fail("price feed closed")
				return
			}
			s.onPrice(ctx, upd)

		case down := <-s.feed.Outages():
			s.onOutage(down)

		case evt, ok := <-s.trades:
			if !ok {
				s.trades = nil
				continue
			}
			s.onTrade(evt)

		case cmd := <-s.commands:
			s.onCommand(ctx, cmd)

		case res := <-s.execCh:
			s.onDispatchResult(res)

		case <-ticker.C:
			s.onTick(ctx)
		}
	}
}

// onPrice handles one feed emission: publish, detect, decide.
func (s *Session) onPrice(ctx context.Context, upd types.PriceUpdate) {
	s.lastUpdate = upd
	s.warm = true

	s.publish(types.EvtPriceUpdate, upd)

	res := spike.Evaluate(s.spikeConfig(), s.ring, upd.Timestamp, upd.Price)
	s.mu.Lock()
	s.lastSpike = res
	s.mu.Unlock()

	if res.Spike {
		s.record(types.ActSpike, fmt.Sprintf("spike detected: %+.2f%% over %ds", res.MaxChangePct, res.MaxChangeWindowSec), map[string]any{
			"max_change_pct": res.MaxChangePct,
			"window_sec":     res.MaxChangeWindowSec,
			"direction":      res.Direction,
		})
		s.publish(types.EvtSpikeDetected, res)
	}
	if res.VolatilityFiltered && math.Abs(res.MaxChangePct) >= s.bot.SpikeThresholdPct {
		s.record(types.ActSpike, fmt.Sprintf("spike %+.2f%% suppressed by volatility filter (cv %.2f%%)", res.MaxChangePct, res.VolatilityCV), map[string]any{
			"max_change_pct":         res.MaxChangePct,
			"volatility_cv":          res.VolatilityCV,
			"is_volatility_filtered": true,
		})
	}

	if s.paused || s.inFlight {
		s.syncView()
		return
	}

	now := time.Now()
	var d *strategy.Decision
	if res.Spike {
		d = s.machine.OnSpike(res, upd, now)
	}
	if d == nil {
		d = s.machine.OnPrice(upd, now)
	}
	if d != nil {
		s.dispatch(ctx, d, upd)
	}
	s.syncView()
}

// onTick advances time-driven transitions (delayed entry, cooldown
// expiry, max-hold exits) when the market is quiet.
func (s *Session) onTick(ctx context.Context) {
	if !s.warm || s.paused || s.inFlight {
		return
	}
	if d := s.machine.OnPrice(s.lastUpdate, time.Now()); d != nil {
		s.dispatch(ctx, d, s.lastUpdate)
		s.syncView()
	}
}

func (s *Session) onOutage(down bool) {
	if down {
		s.record(types.ActSystem, "stream_disconnected", nil)
	} else {
		s.record(types.ActSystem, "stream_reconnected", nil)
	}
}

// dispatch validates and executes a decision off the loop goroutine.
// At most one dispatch is in flight; its outcome returns over execCh.
func (s *Session) dispatch(ctx context.Context, d *strategy.Decision, upd types.PriceUpdate) {
	s.inFlight = true
	s.machine.OnSubmitted(d)

	s.record(types.ActSignal, fmt.Sprintf("decision: %s $%.2f (%s)", d.Action, d.AmountUSD, d.Reason), map[string]any{
		"decision_id": d.ID,
		"side":        d.Action,
		"amount_usd":  d.AmountUSD,
		"price":       d.LimitPrice,
		"fallback":    d.Fallback,
	})

	// Snapshot loop-owned inputs before leaving the goroutine.
	in := risk.Inputs{
		Now:            time.Now(),
		Killswitch:     s.kill.Engaged(),
		SessionTrades:  s.sessionTrades,
		LastSignalTime: s.lastSignalTime,
		LastExitTime:   s.lastExitTime,
		HasPosition:    s.machine.Position() != nil && !d.ClosesPosition,
		ReferencePrice: d.LimitPrice,
		Bot:            s.bot,
		Settings:       s.setting(),
	}
	in.SessionPnLUSD, _ = s.sessionPnL.Float64()
	in.DailyPnLUSD = s.daily.Total(in.Now)

	// A pause or stop cancels an in-flight entry, but a submitted close
	// must be allowed to land: it runs detached, bounded by the exit grace.
	var dctx context.Context
	var cancel context.CancelFunc
	if d.ClosesPosition {
		dctx, cancel = context.WithTimeout(context.Background(), exitGrace)
	} else {
		dctx, cancel = context.WithCancel(ctx)
	}
	s.cancelDispatch = cancel

	// execCh is buffered and at most one dispatch is in flight, so the
	// send never blocks and shutdown can always drain the result.
	go func() {
		defer cancel()
		s.execCh <- s.runDispatch(dctx, d, upd, in)
	}()
}

// runDispatch performs the I/O half of a dispatch: book and balance
// fetches, validation, then order placement. Runs off the loop. Book and
// balance checks run in dry-run too; there a wallet failure only warns,
// since no real funds move.
func (s *Session) runDispatch(ctx context.Context, d *strategy.Decision, upd types.PriceUpdate, in risk.Inputs) dispatchResult {
	out := dispatchResult{decision: d}

	in.Book = s.fetchBookMetrics(ctx, upd)

	if !d.ClosesPosition {
		if auth := s.exec.Auth(); auth != nil {
			balCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			bal, allow, err := s.client.GetBalanceAndAllowance(balCtx, auth)
			cancel()
			if err != nil {
				s.logger.Warn("balance fetch failed", "error", err)
			} else {
				in.BalanceKnown = true
				in.BalanceUSD = bal
				in.AllowanceUSD = allow
			}
		}
	}

	if rej := risk.Validate(d, in); rej != nil {
		if !advisoryInDryRun(s.bot.DryRun, rej) {
			out.rejection = rej
			return out
		}
		out.warning = rej.Reason + ": " + rej.Detail
	}

	out.result = s.exec.Execute(ctx, d, upd.Price)
	return out
}

// advisoryInDryRun reports whether a rejection warns instead of blocking:
// a dry-run trade moves no funds, so wallet checks are advisory there
// while book health still rejects.
func advisoryInDryRun(dryRun bool, rej *risk.Rejection) bool {
	if !dryRun {
		return false
	}
	return rej.Reason == risk.ReasonBalance || rej.Reason == risk.ReasonAllowance
}

// fetchBookMetrics fetches and summarizes the live book. When the fetch
// fails, metrics are synthesized from the stream's best bid/ask so the
// spread and slippage gates stay meaningful; depth is then unknowable and
// reported unbounded.
func (s *Session) fetchBookMetrics(ctx context.Context, upd types.PriceUpdate) exchange.BookMetrics {
	bookCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	book, err := s.client.GetOrderBook(bookCtx, s.TokenID(), 0)
	cancel()
	if err == nil {
		return exchange.ComputeBookMetrics(book)
	}
	s.logger.Warn("book fetch failed, using stream view", "error", err)

	bid, ask := upd.BestBid, upd.BestAsk
	if bid <= 0 || ask <= 0 {
		// Pure last-trade feed: treat the print as the touch.
		bid, ask = upd.Price, upd.Price
	}
	m := exchange.BookMetrics{
		BestBid:     bid,
		BestAsk:     ask,
		BidDepthUSD: math.Inf(1),
		AskDepthUSD: math.Inf(1),
	}
	if bid > 0 {
		m.SpreadPct = 100 * (ask - bid) / bid
	}
	return m
}

// onDispatchResult applies the outcome of a dispatch back to the loop.
// Position state changes only on a confirmed fill.
func (s *Session) onDispatchResult(res dispatchResult) {
	s.inFlight = false
	s.cancelDispatch = nil
	d := res.decision

	if res.warning != "" {
		s.logger.Warn("pre-check downgraded in dry-run", "decision_id", d.ID, "warning", res.warning)
		s.record(types.ActSystem, "dry-run warning: "+res.warning, map[string]any{
			"decision_id": d.ID,
		})
	}

	if res.rejection != nil {
		s.record(types.ActError, "PRE_CHECK_FAILED: "+res.rejection.Reason, map[string]any{
			"decision_id": d.ID,
			"detail":      res.rejection.Detail,
		})
		if d.ClosesPosition {
			s.machine.OnCloseFailed()
		}
		s.syncView()
		return
	}

	switch res.result.Status {
	case types.OrderFilled:
		s.sigFailures = 0
		if d.ClosesPosition {
			s.applyClose(d, res.result)
		} else {
			s.applyOpen(d, res.result)
		}

	default:
		s.record(types.ActError, "order failed: "+res.result.Message, map[string]any{
			"decision_id": d.ID,
			"status":      res.result.Status,
			"reason":      res.result.Reason,
		})
		s.publish(types.EvtError, map[string]any{
			"decision_id": d.ID,
			"message":     res.result.Message,
		})
		if d.ClosesPosition {
			s.machine.OnCloseFailed()
		}
		if res.result.Reason == types.ReasonInvalidSignature {
			s.sigFailures++
			if s.sigFailures >= maxSignatureFailures {
				s.paused = true
				s.fail("repeated invalid_signature rejections, trading suspended")
			}
		}
	}
	s.syncView()
}

// applyOpen installs the position after a confirmed opening fill.
func (s *Session) applyOpen(d *strategy.Decision, r types.OrderResult) {
	now := time.Now()
	s.machine.OnOpened(d, r, now)
	s.sessionTrades++
	s.lastSignalTime = now

	pos := s.machine.Position()

	s.mu.Lock()
	s.settlement.OpenPosition = pos
	s.settlement.TotalTrades++
	rec := s.settlement
	s.mu.Unlock()
	if err := s.store.SaveSettlement(&rec); err != nil {
		s.logger.Error("persist settlement failed", "error", err)
	}

	s.record(types.ActFill, fmt.Sprintf("filled %s %.3f shares @ %.4f", d.Action, r.FillShares, r.FillPrice), map[string]any{
		"decision_id": d.ID,
		"fill_price":  r.FillPrice,
		"shares":      r.FillShares,
		"order_id":    r.OrderID,
		"simulated":   r.Simulated,
	})
	s.publish(types.EvtTradeExecuted, map[string]any{
		"side":       d.Action,
		"amount_usd": d.AmountUSD,
		"fill_price": r.FillPrice,
		"order_id":   r.OrderID,
		"simulated":  r.Simulated,
	})
	s.publish(types.EvtPositionUpdate, pos)
	if t := s.machine.Target(); t != nil {
		s.publish(types.EvtTargetUpdate, t)
	}
}

// applyClose settles the position after a confirmed closing fill.
func (s *Session) applyClose(d *strategy.Decision, r types.OrderResult) {
	now := time.Now()
	pos := s.machine.Position()
	if pos == nil {
		return
	}

	pnlUSD, pnlPct := pos.PnL(r.FillPrice)
	s.machine.OnClosed(d, r, now)
	s.lastExitTime = now

	s.sessionPnL = s.sessionPnL.Add(pnlUSD)
	pnlF, _ := pnlUSD.Float64()
	pctF, _ := pnlPct.Float64()
	s.daily.Add(pnlF, now)

	s.mu.Lock()
	s.settlement.OpenPosition = nil
	s.settlement.RealizedPnLUSD += pnlF
	s.settlement.LastExitTime = now
	if pnlF >= 0 {
		s.settlement.WinningTrades++
	} else {
		s.settlement.LosingTrades++
	}
	rec := s.settlement
	s.mu.Unlock()
	if err := s.store.SaveSettlement(&rec); err != nil {
		s.logger.Error("persist settlement failed", "error", err)
	}

	s.record(types.ActExit, fmt.Sprintf("closed %s @ %.4f (%s)", pos.Side, r.FillPrice, d.Reason), map[string]any{
		"decision_id": d.ID,
		"exit_price":  r.FillPrice,
		"reason":      d.Reason,
		"simulated":   r.Simulated,
	})
	s.record(types.ActPnL, fmt.Sprintf("pnl %+.4f USD (%+.2f%%)", pnlF, pctF), map[string]any{
		"pnl_usd": pnlF,
		"pnl_pct": pctF,
	})
	s.publish(types.EvtPositionClosed, map[string]any{
		"exit_price": r.FillPrice,
		"pnl_usd":    pnlF,
		"pnl_pct":    pctF,
		"reason":     d.Reason,
		"simulated":  r.Simulated,
	})
	if t := s.machine.Target(); t != nil {
		s.publish(types.EvtTargetUpdate, t)
	}
}

// onCommand applies one API command between price updates.
func (s *Session) onCommand(ctx context.Context, cmd command) {
	var err error

	switch cmd.kind {
	case cmdPause:
		s.paused = true
		if s.inFlight && s.cancelDispatch != nil {
			// Abort the retry ladder too; a paused bot must not fill.
			s.cancelDispatch()
		}
		s.setStatus(StatusPaused, "")
		s.record(types.ActSystem, "bot paused", nil)
		s.publish(types.EvtBotPaused, nil)

	case cmdResume:
		s.paused = false
		s.setStatus(StatusRunning, "")
		s.record(types.ActSystem, "bot resumed", nil)
		s.publish(types.EvtBotResumed, nil)

	case cmdManualTrade:
		err = s.manualDecision(ctx, func(now time.Time) (*strategy.Decision, error) {
			return s.machine.ManualDecision(cmd.side, cmd.amount, s.lastUpdate, now)
		})

	case cmdClose:
		err = s.manualDecision(ctx, func(now time.Time) (*strategy.Decision, error) {
			return s.machine.CloseNow(s.lastUpdate, now, "manual_close")
		})

	case cmdSetTarget:
		s.machine.Arm(cmd.target)
		s.record(types.ActConfirm, fmt.Sprintf("target set: %s @ %.4f", cmd.target.Action, cmd.target.Price), nil)
		s.publish(types.EvtTargetUpdate, s.machine.Target())
	}

	s.syncView()
	cmd.reply <- err
}

func (s *Session) manualDecision(ctx context.Context, build func(time.Time) (*strategy.Decision, error)) error {
	if !s.warm {
		return fmt.Errorf("no price observed yet")
	}
	if s.inFlight {
		return fmt.Errorf("another order is in flight")
	}
	d, err := build(time.Now())
	if err != nil {
		return err
	}
	s.dispatch(ctx, d, s.lastUpdate)
	return nil
}

// onTrade applies a user-channel fill confirmation. The synchronous order
// response is provisional until the exchange reports the trade; matching
// is by token, since the session holds at most one position.
func (s *Session) onTrade(evt types.WSTradeEvent) {
	if evt.AssetID != s.TokenID() {
		return
	}
	s.machine.ConfirmSettlement()
	s.record(types.ActConfirm, fmt.Sprintf("trade confirmed: %s %s @ %s", evt.Side, evt.Size, evt.Price), map[string]any{
		"trade_id": evt.ID,
		"price":    evt.Price,
		"size":     evt.Size,
	})
	if pos := s.machine.Position(); pos != nil {
		s.publish(types.EvtPositionUpdate, pos)
	}
	s.syncView()
}

// fail records a fatal session error. The error state sticks through
// shutdown so the dashboard shows why the bot is not trading.
func (s *Session) fail(msg string) {
	s.fatalErr = msg
	s.setStatus(StatusError, msg)
	s.record(types.ActError, msg, nil)
	s.publish(types.EvtError, map[string]any{"message": msg})
}

// shutdown runs after the loop exits. An in-flight dispatch is drained
// first so a close that was already submitted lands within the exit
// grace. The open position is closed only when CloseOnStop was requested
// (killswitch_on_shutdown); a plain stop leaves it persisted for
// recovery.
func (s *Session) shutdown() {
	if s.inFlight {
		select {
		case res := <-s.execCh:
			s.onDispatchResult(res)
		case <-time.After(exitGrace):
			s.record(types.ActError, "in-flight order did not resolve before stop", nil)
		}
	}

	s.mu.RLock()
	closeOnStop := s.closeOnStop
	s.mu.RUnlock()

	if pos := s.machine.Position(); pos != nil {
		if closeOnStop && s.warm {
			s.closeForShutdown()
		} else {
			s.record(types.ActSystem, "position left open for recovery", map[string]any{
				"side":        pos.Side,
				"entry_price": pos.EntryPrice,
				"shares":      pos.Shares,
			})
		}
	}

	if s.fatalErr != "" {
		s.setStatus(StatusError, s.fatalErr)
	} else {
		s.setStatus(StatusStopped, "")
	}
	s.record(types.ActSystem, "bot stopped", nil)
	s.syncView()
}

// closeForShutdown makes one best-effort close within the exit grace.
func (s *Session) closeForShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), exitGrace)
	defer cancel()

	d, err := s.machine.CloseNow(s.lastUpdate, time.Now(), "shutdown_close")
	if err != nil {
		return
	}
	res := s.exec.Execute(ctx, d, s.lastUpdate.Price)
	if res.Status == types.OrderFilled {
		s.applyClose(d, res)
	} else {
		s.record(types.ActError, "failed to close position on shutdown: "+res.Message, nil)
	}
}

func (s *Session) spikeConfig() spike.Config {
	return spike.Config{
		WindowsSeconds:      s.bot.SpikeWindowsSeconds,
		ThresholdPct:        s.bot.SpikeThresholdPct,
		UseVolatilityFilter: s.bot.UseVolatilityFilter,
		MaxVolatilityCV:     s.bot.MaxVolatilityCV,
	}
}

// TokenID returns the outcome token the session trades.
func (s *Session) TokenID() string {
	if s.bot.TokenID != "" {
		return s.bot.TokenID
	}
	if s.bot.OutcomeIndex < len(s.market.TokenIDs) {
		return s.market.TokenIDs[s.bot.OutcomeIndex]
	}
	return ""
}

func (s *Session) publish(evtType string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(types.Event{
		Type:      evtType,
		BotID:     s.bot.ID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

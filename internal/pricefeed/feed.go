// Package pricefeed maintains the current price for one outcome token by
// merging the streaming market feed with a REST poll fallback.
//
// The stream is primary: "last_trade" events carry a price directly, and
// book/price-change events produce one via the exchange pricing rule
// (midpoint when the spread is at most 0.10). The poller runs every 30s
// while the stream is healthy as a cross-check, and every 1s whenever the
// stream is disconnected or silent beyond the staleness threshold, in
// which case polled values are authoritative and updates are tagged
// Fallback.
//
// Every emission gets a strictly increasing sequence number and a
// non-decreasing timestamp (ties are clamped to previous +1ms). Updates
// are deduplicated: a price is emitted only when it differs from the
// previous emission or at least one second has elapsed. Each emission is
// also appended to the bot's history ring.
package pricefeed

import (
	"context"
	"log/slog"
	"time"

	"polymarket-trainbot/internal/history"
	"polymarket-trainbot/pkg/types"
)

const (
	pollIntervalLive     = 30 * time.Second // cross-check cadence while stream is healthy
	pollIntervalFallback = time.Second      // cadence while stream is down or stale
	stalenessThreshold   = 10 * time.Second // stream silence before polls take over
	dedupeInterval       = time.Second      // re-emit unchanged price at most this often
	midpointMaxSpread    = 0.10             // exchange pricing rule cutoff
	updateBufferSize     = 64
)

// Poller is the REST fallback price source.
type Poller interface {
	GetMarketPrice(ctx context.Context, tokenID string) (float64, error)
}

// Feed merges stream and poll sources into one ordered price sequence.
type Feed struct {
	tokenID string
	poller  Poller
	events  <-chan types.MarketEvent
	states  <-chan bool
	ring    *history.Ring

	updates chan types.PriceUpdate
	outages chan bool // true = outage started, false = recovered

	// Owned by the Run goroutine.
	seq             uint64
	lastEmitted     types.PriceUpdate
	warm            bool
	bestBid         float64
	bestAsk         float64
	streamConnected bool
	lastStreamEmit  time.Time
	lastPoll        time.Time
	outageReported  bool

	// Guarded snapshot for Current().
	currentCh chan currentReq

	logger *slog.Logger
}

type currentReq struct {
	reply chan types.PriceUpdate
}

// New creates a price feed for one token. events and states come from the
// exchange market feed; ring receives every emitted sample.
func New(tokenID string, poller Poller, events <-chan types.MarketEvent, states <-chan bool, ring *history.Ring, logger *slog.Logger) *Feed {
	return &Feed{
		tokenID:   tokenID,
		poller:    poller,
		events:    events,
		states:    states,
		ring:      ring,
		updates:   make(chan types.PriceUpdate, updateBufferSize),
		outages:   make(chan bool, 4),
		currentCh: make(chan currentReq),
		logger:    logger.With("component", "pricefeed"),
	}
}

// Updates returns the ordered stream of price updates.
func (f *Feed) Updates() <-chan types.PriceUpdate { return f.updates }

// Outages reports stream outage transitions (true = down, false = back).
// Emitted once per outage.
func (f *Feed) Outages() <-chan bool { return f.outages }

// Current returns the latest emitted update. ok is false until warmup
// (first stream emission or first successful poll).
func (f *Feed) Current(ctx context.Context) (types.PriceUpdate, bool) {
	req := currentReq{reply: make(chan types.PriceUpdate, 1)}
	select {
	case f.currentCh <- req:
	case <-ctx.Done():
		return types.PriceUpdate{}, false
	}
	select {
	case upd := <-req.reply:
		return upd, upd.Seq > 0
	case <-ctx.Done():
		return types.PriceUpdate{}, false
	}
}

// Run merges the sources until ctx is cancelled. Single goroutine; all
// feed state is owned here.
func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(pollIntervalFallback)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-f.events:
			if !ok {
				return
			}
			f.handleMarketEvent(evt)

		case connected := <-f.states:
			f.streamConnected = connected
			if connected {
				if f.outageReported {
					f.outageReported = false
					f.notifyOutage(false)
				}
				f.logger.Info("stream connected", "token", f.tokenID)
			} else {
				f.reportOutageOnce()
			}

		case <-ticker.C:
			f.maybePoll(ctx)

		case req := <-f.currentCh:
			req.reply <- f.lastEmitted
		}
	}
}

func (f *Feed) handleMarketEvent(evt types.MarketEvent) {
	if evt.TokenID != f.tokenID {
		return
	}

	switch evt.Kind {
	case types.EventLastTrade:
		f.emit(evt.Price, evt.Timestamp, types.SourceStream)

	case types.EventBook, types.EventPriceChange:
		if evt.BestBid == f.bestBid && evt.BestAsk == f.bestAsk {
			return
		}
		f.bestBid, f.bestAsk = evt.BestBid, evt.BestAsk
		if evt.BestBid > 0 && evt.BestAsk > 0 && evt.BestAsk-evt.BestBid <= midpointMaxSpread {
			f.emit((evt.BestBid+evt.BestAsk)/2, evt.Timestamp, types.SourceStream)
		}
	}
}

// maybePoll runs the REST fallback. While the stream is healthy the poll
// acts as a slow cross-check; once the stream is silent past the
// staleness threshold, polled values become authoritative.
func (f *Feed) maybePoll(ctx context.Context) {
	streamFresh := f.streamConnected && time.Since(f.lastStreamEmit) < stalenessThreshold

	interval := pollIntervalFallback
	if streamFresh {
		interval = pollIntervalLive
	}
	if time.Since(f.lastPoll) < interval {
		return
	}
	f.lastPoll = time.Now()

	pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	price, err := f.poller.GetMarketPrice(pollCtx, f.tokenID)
	cancel()
	if err != nil {
		f.logger.Debug("poll failed", "token", f.tokenID, "error", err)
		return
	}

	if streamFresh {
		// Stream is authoritative; polled value only seeds warmup.
		if !f.warm {
			f.emit(price, time.Now(), types.SourcePoll)
		}
		return
	}

	f.reportOutageOnce()
	f.emit(price, time.Now(), types.SourcePoll)
}

// emit applies dedupe, sequencing, and timestamp clamping, then publishes.
func (f *Feed) emit(price float64, ts time.Time, source types.PriceSource) {
	if price <= 0 || price >= 1 {
		return
	}

	if f.warm && price == f.lastEmitted.Price && ts.Sub(f.lastEmitted.Timestamp) < dedupeInterval {
		return
	}

	// Back-to-back duplicate timestamps are clamped forward 1ms so
	// consumers always observe a non-decreasing, strictly-ordered series.
	if f.warm && !ts.After(f.lastEmitted.Timestamp) {
		ts = f.lastEmitted.Timestamp.Add(time.Millisecond)
	}

	f.seq++
	upd := types.PriceUpdate{
		Seq:       f.seq,
		Price:     price,
		BestBid:   f.bestBid,
		BestAsk:   f.bestAsk,
		Timestamp: ts,
		Source:    source,
		Fallback:  source == types.SourcePoll && !f.streamFresh(),
	}

	f.lastEmitted = upd
	f.warm = true
	if source == types.SourceStream {
		f.lastStreamEmit = time.Now()
		if f.outageReported {
			f.outageReported = false
			f.notifyOutage(false)
		}
	}

	f.ring.Append(ts, price)

	select {
	case f.updates <- upd:
	default:
		f.logger.Warn("update channel full, dropping price update", "token", f.tokenID, "seq", upd.Seq)
	}
}

func (f *Feed) streamFresh() bool {
	return f.streamConnected && time.Since(f.lastStreamEmit) < stalenessThreshold
}

// reportOutageOnce surfaces a stream outage exactly once per outage.
func (f *Feed) reportOutageOnce() {
	if f.outageReported {
		return
	}
	f.outageReported = true
	f.logger.Warn("stream disconnected, using poll fallback", "token", f.tokenID)
	f.notifyOutage(true)
}

func (f *Feed) notifyOutage(down bool) {
	select {
	case f.outages <- down:
	default:
	}
}

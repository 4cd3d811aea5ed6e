// feed.go implements the WebSocket market and user feeds.
//
// The market feed (public) subscribes by token ID and normalizes the raw
// wire events ("book" snapshots, "price_change" deltas, "last_trade_price"
// prints) into types.MarketEvent values the price feed consumes. The user
// feed (authenticated) subscribes by condition ID and surfaces "trade"
// fills for settlement confirmation.
//
// Both feeds auto-reconnect with exponential backoff bounded by the
// configured min/max, re-subscribe to all tracked IDs on reconnection,
// and report connection transitions on StateChanges() so the price feed
// can switch between stream-primary and poll-fallback modes. A read
// deadline (90s) ensures silent server failures are detected within ~2
// missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-trainbot/pkg/types"
)

const (
	pingInterval    = 50 * time.Second // how often we send PING to keep alive
	readTimeout     = 90 * time.Second // ~2 missed pings triggers reconnect
	writeTimeout    = 10 * time.Second // deadline for outgoing messages
	eventBufferSize = 256              // buffer for normalized market events
	tradeBufferSize = 64               // buffer for user trade events
	stateBufferSize = 4                // buffer for connect/disconnect transitions
)

// Feed manages a single WebSocket connection (market or user channel).
// It handles connection lifecycle, subscription tracking, message
// normalization, and automatic reconnection with exponential backoff.
type Feed struct {
	url         string
	conn        *websocket.Conn
	connMu      sync.Mutex // protects conn reads/writes
	auth        *Auth      // nil for market channel, set for user channel
	channelType string     // "market" or "user"

	backoffMin time.Duration
	backoffMax time.Duration

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // token IDs (market) or condition IDs (user)

	eventCh chan types.MarketEvent // normalized market events
	tradeCh chan types.WSTradeEvent
	stateCh chan bool // true = connected, false = disconnected

	logger *slog.Logger
}

// NewMarketFeed creates a WebSocket feed for the market channel (public).
func NewMarketFeed(wsURL string, backoffMin, backoffMax time.Duration, logger *slog.Logger) *Feed {
	return newFeed(wsURL, nil, "market", backoffMin, backoffMax, logger)
}

// NewUserFeed creates a WebSocket feed for the user channel (authenticated).
func NewUserFeed(wsURL string, auth *Auth, backoffMin, backoffMax time.Duration, logger *slog.Logger) *Feed {
	return newFeed(wsURL, auth, "user", backoffMin, backoffMax, logger)
}

func newFeed(wsURL string, auth *Auth, channelType string, backoffMin, backoffMax time.Duration, logger *slog.Logger) *Feed {
	if backoffMin <= 0 {
		backoffMin = time.Second
	}
	if backoffMax < backoffMin {
		backoffMax = 30 * time.Second
	}
	return &Feed{
		url:         wsURL,
		auth:        auth,
		channelType: channelType,
		backoffMin:  backoffMin,
		backoffMax:  backoffMax,
		subscribed:  make(map[string]bool),
		eventCh:     make(chan types.MarketEvent, eventBufferSize),
		tradeCh:     make(chan types.WSTradeEvent, tradeBufferSize),
		stateCh:     make(chan bool, stateBufferSize),
		logger:      logger.With("component", "ws_"+channelType),
	}
}

// Events returns a read-only channel of normalized market events.
func (f *Feed) Events() <-chan types.MarketEvent { return f.eventCh }

// TradeEvents returns a read-only channel of fill events (user channel).
func (f *Feed) TradeEvents() <-chan types.WSTradeEvent { return f.tradeCh }

// StateChanges reports connection transitions: true on connect, false on
// disconnect. At most one transition of each polarity is buffered.
func (f *Feed) StateChanges() <-chan bool { return f.stateCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := f.backoffMin

	for {
		err := f.connectAndRead(ctx)
		f.notifyState(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > f.backoffMax {
			backoff = f.backoffMax
		}
	}
}

// Subscribe adds token IDs (market channel) or condition IDs (user channel).
func (f *Feed) Subscribe(ctx context.Context, ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()

	msg := types.WSUpdateMsg{Operation: "subscribe"}
	if f.channelType == "market" {
		msg.AssetIDs = ids
	} else {
		msg.Markets = ids
	}
	return f.writeJSON(msg)
}

// Unsubscribe removes IDs from the subscription.
func (f *Feed) Unsubscribe(ctx context.Context, ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		delete(f.subscribed, id)
	}
	f.subscribedMu.Unlock()

	msg := types.WSUpdateMsg{Operation: "unsubscribe"}
	if f.channelType == "market" {
		msg.AssetIDs = ids
	} else {
		msg.Markets = ids
	}
	return f.writeJSON(msg)
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "channel", f.channelType)
	f.notifyState(true)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	if f.channelType == "market" {
		return f.writeJSON(types.WSSubscribeMsg{Type: "market", AssetIDs: ids})
	}

	// User channel requires auth
	return f.writeJSON(types.WSSubscribeMsg{
		Type:    "user",
		Auth:    f.auth.WSAuthPayload(),
		Markets: ids,
	})
}

// dispatchMessage routes one raw wire message. Market-channel events are
// normalized to types.MarketEvent; unparseable prices are dropped rather
// than forwarded as zeros.
func (f *Feed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var evt types.WSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		bid := bestOf(evt.Buys, true)
		ask := bestOf(evt.Sells, false)
		f.emit(types.MarketEvent{
			Kind:      types.EventBook,
			TokenID:   evt.AssetID,
			BestBid:   bid,
			BestAsk:   ask,
			Timestamp: parseWSTimestamp(evt.Timestamp),
		})

	case "price_change":
		var evt types.WSPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		ts := parseWSTimestamp(evt.Timestamp)
		for _, ch := range evt.PriceChanges {
			bid, _ := strconv.ParseFloat(ch.BestBid, 64)
			ask, _ := strconv.ParseFloat(ch.BestAsk, 64)
			if bid == 0 && ask == 0 {
				continue
			}
			f.emit(types.MarketEvent{
				Kind:      types.EventPriceChange,
				TokenID:   ch.AssetID,
				BestBid:   bid,
				BestAsk:   ask,
				Timestamp: ts,
			})
		}

	case "last_trade_price":
		var evt types.WSLastTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal last_trade_price event", "error", err)
			return
		}
		price, err := strconv.ParseFloat(evt.Price, 64)
		if err != nil || price <= 0 {
			return
		}
		f.emit(types.MarketEvent{
			Kind:      types.EventLastTrade,
			TokenID:   evt.AssetID,
			Price:     price,
			Timestamp: parseWSTimestamp(evt.Timestamp),
		})

	case "trade":
		var evt types.WSTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal trade event", "error", err)
			return
		}
		select {
		case f.tradeCh <- evt:
		default:
			f.logger.Warn("trade channel full, dropping event", "id", evt.ID)
		}

	case "tick_size_change", "best_bid_ask", "new_market", "market_resolved", "order":
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (f *Feed) emit(evt types.MarketEvent) {
	select {
	case f.eventCh <- evt:
	default:
		f.logger.Warn("event channel full, dropping event", "token", evt.TokenID, "kind", evt.Kind)
	}
}

// notifyState publishes a connection transition without blocking.
func (f *Feed) notifyState(connected bool) {
	select {
	case f.stateCh <- connected:
	default:
	}
}

// bestOf returns the best price on one book side of a wire snapshot.
// Wire levels are sorted away from the touch; the best level is last.
func bestOf(levels []types.PriceLevel, isBid bool) float64 {
	best := 0.0
	for _, l := range levels {
		p, err := strconv.ParseFloat(l.Price, 64)
		if err != nil || p <= 0 {
			continue
		}
		if best == 0 || (isBid && p > best) || (!isBid && p < best) {
			best = p
		}
	}
	return best
}

// parseWSTimestamp parses the exchange's millisecond-epoch timestamps,
// falling back to the local clock.
func parseWSTimestamp(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}

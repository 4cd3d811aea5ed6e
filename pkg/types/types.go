// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order sides, price
// points, market events, order results, activities, and the WebSocket wire
// payloads of the exchange. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"math/big"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// PositionSide is the direction of an open position. LONG means we bought
// outcome shares expecting the price to rise; SHORT means we sold shares
// expecting it to fall.
type PositionSide string

const (
	LONG  PositionSide = "LONG"
	SHORT PositionSide = "SHORT"
)

// OrderType enumerates the supported order lifecycles. The bot trades
// exclusively FOK so every order outcome is binary: fully filled or killed.
type OrderType string

const (
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill: fill in full immediately or cancel
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. Each market has a
// fixed tick size that determines the minimum price increment and USDC
// amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// ————————————————————————————————————————————————————————————————————————
// Prices
// ————————————————————————————————————————————————————————————————————————

// PricePoint is one timestamped price sample. Prices of binary outcome
// tokens live in (0,1) and settle to 1.00 or 0.00 on resolution.
type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// PriceSource identifies where a price update came from.
type PriceSource string

const (
	SourceStream PriceSource = "stream" // derived from WebSocket market events
	SourcePoll   PriceSource = "poll"   // REST GetMarketPrice fallback
)

// PriceUpdate is one emission of the merged price feed. Seq is strictly
// increasing per bot; Timestamp is non-decreasing (clamped +1ms on ties).
// Fallback is true while the stream is down and polling is authoritative.
type PriceUpdate struct {
	Seq       uint64      `json:"seq"`
	Price     float64     `json:"price"`
	BestBid   float64     `json:"best_bid"`
	BestAsk   float64     `json:"best_ask"`
	Timestamp time.Time   `json:"timestamp"`
	Source    PriceSource `json:"source"`
	Fallback  bool        `json:"fallback"`
}

// ————————————————————————————————————————————————————————————————————————
// Market events (exchange stream, normalized)
// ————————————————————————————————————————————————————————————————————————

// MarketEventKind discriminates normalized market stream events.
type MarketEventKind string

const (
	EventBook        MarketEventKind = "book"         // full book snapshot; BestBid/BestAsk set
	EventPriceChange MarketEventKind = "price_change" // best bid/ask moved
	EventLastTrade   MarketEventKind = "last_trade"   // a trade printed; Price set
)

// MarketEvent is the normalized form of an exchange market-channel message
// for a single outcome token.
type MarketEvent struct {
	Kind      MarketEventKind
	TokenID   string
	Price     float64 // last trade price (EventLastTrade only)
	BestBid   float64
	BestAsk   float64
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketInfo describes one binary market resolved from the Gamma API.
// A binary market has two outcome tokens whose prices sum to ~$1.
type MarketInfo struct {
	ConditionID string   // CTF condition ID (user WS subscription key)
	Slug        string   // human-readable URL slug
	Question    string   // the prediction question
	TokenIDs    []string // CLOB token IDs, index = outcome index
	TickSize    TickSize
	NegRisk     bool
	Active      bool
	Closed      bool
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the high-level order produced by a trade decision.
// The exchange client converts it to a SignedOrder for the CLOB API.
type OrderRequest struct {
	TokenID       string   // outcome token to trade
	Side          Side     // BUY or SELL
	AmountUSD     float64  // notional in USD
	LimitPrice    float64  // limit price in (0,1)
	TickSize      TickSize // market's price granularity (for amount rounding)
	ClientOrderID string   // decision ID, passed through for idempotency
}

// OrderStatus is the terminal classification of a placement attempt.
type OrderStatus string

const (
	OrderFilled    OrderStatus = "filled"    // fully filled (FOK)
	OrderRejected  OrderStatus = "rejected"  // permanent failure, do not retry
	OrderTransient OrderStatus = "transient" // network/5xx/timeout, may retry
)

// RejectReason names a permanent order failure.
type RejectReason string

const (
	ReasonInsufficientBalance   RejectReason = "insufficient_balance"
	ReasonInsufficientAllowance RejectReason = "insufficient_allowance"
	ReasonMarketClosed          RejectReason = "market_closed"
	ReasonNoOrderbook           RejectReason = "no_orderbook"
	ReasonInvalidSignature      RejectReason = "invalid_signature"
	ReasonNotRetryable          RejectReason = "not_retryable"
)

// OrderResult is the outcome of one PlaceOrder call (or a synthesized
// dry-run fill). Position state must only ever change on OrderFilled.
type OrderResult struct {
	Status     OrderStatus  `json:"status"`
	FillPrice  float64      `json:"fill_price,omitempty"`
	FillShares float64      `json:"fill_shares,omitempty"`
	OrderID    string       `json:"order_id,omitempty"`
	Reason     RejectReason `json:"reason,omitempty"`
	Message    string       `json:"message,omitempty"`
	Simulated  bool         `json:"simulated,omitempty"`
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`       // funder/proxy wallet address
	Signer        string        `json:"signer"`      // EOA that signs the order
	Taker         string        `json:"taker"`       // zero address = open order
	TokenID       string        `json:"tokenId"`     // CTF token ID
	MakerAmount   *big.Int      `json:"makerAmount"` // what maker gives (scaled to 1e6)
	TakerAmount   *big.Int      `json:"takerAmount"` // what maker receives (scaled to 1e6)
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`    // unix timestamp as string
	Nonce         string        `json:"nonce"`         // replay protection
	FeeRateBps    string        `json:"feeRateBps"`    // fee in basis points as string
	SignatureType SignatureType `json:"signatureType"` // 0 = EOA
	Signature     string        `json:"signature"`     // EIP-712 signature hex
}

// OrderPayload is the REST API request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`     // API key of the order owner
	OrderType OrderType   `json:"orderType"` // FOK
}

// OrderResponse is the REST API response for a placed order.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // e.g. "matched", "live"
	AvgPrice string `json:"avgPrice,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book.
// Price and Size are strings because the CLOB API returns them as strings
// to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"` // e.g. "0.55"
	Size  string `json:"size"`  // e.g. "100.5"
}

// BookLevel is a parsed order book level.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"` // shares
}

// OrderBook is a parsed point-in-time view of one token's book.
// Bids are sorted descending by price, asks ascending (best first).
type OrderBook struct {
	TokenID   string      `json:"token_id"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// BestBid returns the top bid, or 0 if the side is empty.
func (b *OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the top ask, or 0 if the side is empty.
func (b *OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Hash         string       `json:"hash"`
	Timestamp    string       `json:"timestamp"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	NegRisk      bool         `json:"neg_risk"`
}

// ————————————————————————————————————————————————————————————————————————
// Activities
// ————————————————————————————————————————————————————————————————————————

// ActivityKind classifies entries in a bot's activity log.
type ActivityKind string

const (
	ActSpike    ActivityKind = "spike"
	ActSignal   ActivityKind = "signal"
	ActOrder    ActivityKind = "order"
	ActFill     ActivityKind = "fill"
	ActExit     ActivityKind = "exit"
	ActPnL      ActivityKind = "pnl"
	ActCooldown ActivityKind = "cooldown"
	ActConfirm  ActivityKind = "confirm"
	ActError    ActivityKind = "error"
	ActSystem   ActivityKind = "system"
)

// Activity is one append-only entry in a bot's activity ring. Entries are
// never mutated after emission; the ring prunes oldest-first.
type Activity struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	BotID     string         `json:"bot_id"`
	Kind      ActivityKind   `json:"kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Broadcast events
// ————————————————————————————————————————————————————————————————————————

// Event is the envelope for every frame pushed to dashboard subscribers.
// BotID is empty for global events (settings, killswitch).
type Event struct {
	Type      string    `json:"type"`
	BotID     string    `json:"bot_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Push frame types carried by Event.Type.
const (
	EvtInit           = "init"
	EvtPriceUpdate    = "price_update"
	EvtPositionUpdate = "position_update"
	EvtTargetUpdate   = "target_update"
	EvtSpikeDetected  = "spike_detected"
	EvtActivity       = "activity"
	EvtTradeExecuted  = "trade_executed"
	EvtPositionClosed = "position_closed"
	EvtBotCreated     = "bot_created"
	EvtBotUpdated     = "bot_updated"
	EvtBotDeleted     = "bot_deleted"
	EvtBotStarted     = "bot_started"
	EvtBotStopped     = "bot_stopped"
	EvtBotPaused      = "bot_paused"
	EvtBotResumed     = "bot_resumed"
	EvtSettingsUpdate = "settings_updated"
	EvtKillswitch     = "killswitch"
	EvtError          = "error"
	EvtSubscriberLag  = "subscriber_lagged"
)

// ————————————————————————————————————————————————————————————————————————
// WebSocket wire events (exchange)
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages sent over the exchange
// WebSocket. Market channel: "book", "price_change", "last_trade_price".
// User channel: "trade" (fill confirmation).

// WSBookEvent is a full order book snapshot from the market WS channel.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // always "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"` // condition ID
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"`
	Buys      []PriceLevel `json:"buys"`  // bid levels
	Sells     []PriceLevel `json:"sells"` // ask levels
}

// WSPriceChange is a single level update within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // 0 = level removed
	Side    string `json:"side"`
	BestBid string `json:"best_bid"` // new best bid after this change
	BestAsk string `json:"best_ask"` // new best ask after this change
}

// WSPriceChangeEvent is an incremental book update from the market WS.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSLastTradeEvent reports the most recent trade print for a token.
type WSLastTradeEvent struct {
	EventType string `json:"event_type"` // always "last_trade_price"
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Side      string `json:"side"`
	Timestamp string `json:"timestamp"`
}

// WSTradeEvent is a fill notification from the user WS channel.
type WSTradeEvent struct {
	EventType string `json:"event_type"` // always "trade"
	ID        string `json:"id"`         // trade ID
	Market    string `json:"market"`     // condition ID
	AssetID   string `json:"asset_id"`   // token ID that was traded
	Side      string `json:"side"`
	Size      string `json:"size"`
	Price     string `json:"price"`
	Outcome   string `json:"outcome"`
	Timestamp string `json:"timestamp"`
}

// WSSubscribeMsg is the initial subscription message sent when connecting
// to a WebSocket channel. For user channels, Auth must be provided.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`
	Type     string   `json:"type"`                 // "market" or "user"
	Markets  []string `json:"markets,omitempty"`    // condition IDs (user channel)
	AssetIDs []string `json:"assets_ids,omitempty"` // token IDs (market channel)
}

// WSAuth contains the L2 API credentials for the user WS channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSUpdateMsg subscribes or unsubscribes after the initial connection.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Markets   []string `json:"markets,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}

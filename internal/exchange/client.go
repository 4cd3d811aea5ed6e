// Package exchange implements the exchange adapter: the only module that
// speaks the exchange wire protocol.
//
// The REST client (Client) covers:
//   - ResolveTokenID:         Gamma /events?slug= — market slug → outcome token ID
//   - GetOrderBook:           GET  /book — L2 book for a token
//   - GetMarketPrice:         book midpoint when spread ≤ 0.10, else last trade
//   - GetBalanceAndAllowance: GET  /balance-allowance — wallet USDC state
//   - PlaceOrder:             POST /order — one signed FOK order
//   - DeriveAPIKey:           GET  /auth/derive-api-key — L2 creds from L1 wallet
//
// Requests are rate-limited via per-category TokenBuckets and retried on
// 5xx by resty. Order placement is NOT retried here — the executor owns
// the retry ladder so that transient/permanent classification is visible
// to the strategy layer.
//
// The WebSocket feeds live in feed.go.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-trainbot/internal/config"
	"polymarket-trainbot/pkg/types"
)

// midpointMaxSpread is the exchange's published pricing rule cutoff:
// when best_ask − best_bid ≤ 0.10 the market price is the midpoint,
// otherwise it is the last trade price.
const midpointMaxSpread = 0.10

// resolveCacheTTL bounds how long a slug→token resolution is reused.
const resolveCacheTTL = 10 * time.Minute

// Client is the exchange REST client. It is shared across all bots;
// wallet-specific state (Auth) is passed per call.
type Client struct {
	clob   *resty.Client // CLOB API: books, prices, orders, balances
	gamma  *resty.Client // Gamma API: market metadata
	rl     *RateLimiter
	logger *slog.Logger

	cacheMu sync.Mutex
	cache   map[string]resolvedMarket // slug → resolution with expiry
}

type resolvedMarket struct {
	info    types.MarketInfo
	expires time.Time
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.APIConfig, logger *slog.Logger) *Client {
	clob := resty.New().
		SetBaseURL(cfg.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	gamma := resty.New().
		SetBaseURL(cfg.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Client{
		clob:   clob,
		gamma:  gamma,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "exchange"),
		cache:  make(map[string]resolvedMarket),
	}
}

// gammaEvent is the JSON shape of one Gamma /events entry.
type gammaEvent struct {
	Slug    string        `json:"slug"`
	Markets []gammaMarket `json:"markets"`
}

// gammaMarket is the JSON shape of one market within a Gamma event.
type gammaMarket struct {
	Question              string  `json:"question"`
	ConditionID           string  `json:"conditionId"`
	Slug                  string  `json:"slug"`
	Active                bool    `json:"active"`
	Closed                bool    `json:"closed"`
	AcceptingOrders       bool    `json:"acceptingOrders"`
	ClobTokenIds          string  `json:"clobTokenIds"` // JSON-encoded string array
	NegRisk               bool    `json:"negRisk"`
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
}

// ResolveTokenID resolves a market slug to the outcome token at the given
// index. Results are cached with a TTL so repeated lookups (bot restarts,
// chart requests) don't hammer the Gamma API.
func (c *Client) ResolveTokenID(ctx context.Context, slug string, outcomeIndex int) (types.MarketInfo, string, error) {
	c.cacheMu.Lock()
	if cached, ok := c.cache[slug]; ok && time.Now().Before(cached.expires) {
		c.cacheMu.Unlock()
		return pickToken(cached.info, outcomeIndex)
	}
	c.cacheMu.Unlock()

	var events []gammaEvent
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&events).
		Get("/events")
	if err != nil {
		return types.MarketInfo{}, "", fmt.Errorf("resolve %q: %w", slug, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.MarketInfo{}, "", fmt.Errorf("resolve %q: status %d: %s", slug, resp.StatusCode(), resp.String())
	}
	if len(events) == 0 || len(events[0].Markets) == 0 {
		return types.MarketInfo{}, "", fmt.Errorf("resolve %q: no markets found", slug)
	}

	// Prefer the first market that is live and accepting orders.
	gm := events[0].Markets[0]
	for _, m := range events[0].Markets {
		if m.Active && !m.Closed && m.AcceptingOrders {
			gm = m
			break
		}
	}

	var tokenIDs []string
	if err := json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs); err != nil {
		return types.MarketInfo{}, "", fmt.Errorf("resolve %q: parse token ids: %w", slug, err)
	}

	info := types.MarketInfo{
		ConditionID: gm.ConditionID,
		Slug:        gm.Slug,
		Question:    gm.Question,
		TokenIDs:    tokenIDs,
		TickSize:    tickSizeFromFloat(gm.OrderPriceMinTickSize),
		NegRisk:     gm.NegRisk,
		Active:      gm.Active,
		Closed:      gm.Closed,
	}

	c.cacheMu.Lock()
	c.cache[slug] = resolvedMarket{info: info, expires: time.Now().Add(resolveCacheTTL)}
	c.cacheMu.Unlock()

	c.logger.Info("market resolved",
		"slug", slug,
		"condition_id", info.ConditionID,
		"outcomes", len(tokenIDs),
	)
	return pickToken(info, outcomeIndex)
}

func pickToken(info types.MarketInfo, outcomeIndex int) (types.MarketInfo, string, error) {
	if outcomeIndex < 0 || outcomeIndex >= len(info.TokenIDs) {
		return info, "", fmt.Errorf("outcome index %d out of range (market has %d outcomes)", outcomeIndex, len(info.TokenIDs))
	}
	return info, info.TokenIDs[outcomeIndex], nil
}

func tickSizeFromFloat(t float64) types.TickSize {
	switch t {
	case 0.1:
		return types.Tick01
	case 0.001:
		return types.Tick0001
	case 0.0001:
		return types.Tick00001
	default:
		return types.Tick001
	}
}

// GetOrderBook fetches and parses the order book for a token. Bids come
// back sorted best-first (descending), asks ascending. depth truncates
// each side; depth <= 0 returns the full book.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string, depth int) (*types.OrderBook, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}

	book := &types.OrderBook{
		TokenID:   tokenID,
		Bids:      parseLevels(result.Bids, true),
		Asks:      parseLevels(result.Asks, false),
		Timestamp: time.Now(),
	}
	if depth > 0 {
		if len(book.Bids) > depth {
			book.Bids = book.Bids[:depth]
		}
		if len(book.Asks) > depth {
			book.Asks = book.Asks[:depth]
		}
	}
	return book, nil
}

// parseLevels converts wire levels to floats and orders them best-first.
// The CLOB returns both sides sorted away from the touch, so the best
// level is last; reverse to put it first.
func parseLevels(levels []types.PriceLevel, descending bool) []types.BookLevel {
	out := make([]types.BookLevel, 0, len(levels))
	for _, l := range levels {
		price, err1 := strconv.ParseFloat(l.Price, 64)
		size, err2 := strconv.ParseFloat(l.Size, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, types.BookLevel{Price: price, Size: size})
	}
	if len(out) > 1 {
		needReverse := false
		if descending {
			needReverse = out[0].Price < out[len(out)-1].Price
		} else {
			needReverse = out[0].Price > out[len(out)-1].Price
		}
		if needReverse {
			for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// GetMarketPrice returns the current market price per the exchange's
// published rule: midpoint when the spread is at most 0.10, otherwise the
// last trade price. Returns ErrNoPrice if neither is available.
func (c *Client) GetMarketPrice(ctx context.Context, tokenID string) (float64, error) {
	book, err := c.GetOrderBook(ctx, tokenID, 1)
	if err == nil {
		bid, ask := book.BestBid(), book.BestAsk()
		if bid > 0 && ask > 0 && ask-bid <= midpointMaxSpread {
			return (bid + ask) / 2, nil
		}
	}

	last, lastErr := c.GetLastTradePrice(ctx, tokenID)
	if lastErr == nil && last > 0 {
		return last, nil
	}
	return 0, ErrNoPrice
}

// GetLastTradePrice fetches the most recent trade price for a token.
func (c *Client) GetLastTradePrice(ctx context.Context, tokenID string) (float64, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return 0, err
	}

	var result struct {
		Price string `json:"price"`
	}
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/last-trade-price")
	if err != nil {
		return 0, fmt.Errorf("last trade price: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("last trade price: status %d", resp.StatusCode())
	}

	price, err := strconv.ParseFloat(result.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("last trade price: parse %q: %w", result.Price, err)
	}
	return price, nil
}

// GetBalanceAndAllowance returns the wallet's USDC balance and exchange
// allowance, both in USD.
func (c *Client) GetBalanceAndAllowance(ctx context.Context, auth *Auth) (balance, allowance float64, err error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return 0, 0, err
	}

	path := "/balance-allowance"
	headers, err := auth.L2Headers("GET", path, "")
	if err != nil {
		return 0, 0, fmt.Errorf("l2 headers: %w", err)
	}

	var result struct {
		Balance   string `json:"balance"`
		Allowance string `json:"allowance"`
	}
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"asset_type":     "COLLATERAL",
			"signature_type": strconv.Itoa(int(auth.SignatureType())),
		}).
		SetResult(&result).
		Get(path)
	if err != nil {
		return 0, 0, &TransientError{Err: fmt.Errorf("balance-allowance: %w", err)}
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, 0, &TransientError{Err: fmt.Errorf("balance-allowance: status %d: %s", resp.StatusCode(), resp.String())}
	}

	// Values come back in 6-decimal USDC units.
	balRaw, _ := strconv.ParseFloat(result.Balance, 64)
	allRaw, _ := strconv.ParseFloat(result.Allowance, 64)
	return balRaw / 1e6, allRaw / 1e6, nil
}

// PlaceOrder signs and submits one FOK order. The result is classified:
// OrderFilled (with fill price/shares), OrderRejected (permanent reason,
// never retried) or OrderTransient (the executor may retry).
func (c *Client) PlaceOrder(ctx context.Context, auth *Auth, req types.OrderRequest) types.OrderResult {
	if req.LimitPrice <= 0 || req.LimitPrice >= 1 {
		return types.OrderResult{
			Status:  types.OrderRejected,
			Reason:  types.ReasonNotRetryable,
			Message: fmt.Sprintf("limit price %.4f outside (0,1)", req.LimitPrice),
		}
	}

	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.OrderResult{Status: types.OrderTransient, Message: err.Error()}
	}

	tickSize := req.TickSize
	if tickSize == "" {
		tickSize = types.Tick001
	}
	size := roundDown(req.AmountUSD/req.LimitPrice, 2)
	makerAmt, takerAmt := PriceToAmounts(req.LimitPrice, size, req.Side, tickSize)

	order := types.SignedOrder{
		Maker:         auth.FunderAddress().Hex(),
		Signer:        auth.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       req.TokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Side:          req.Side,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: auth.SignatureType(),
	}
	if err := auth.SignOrder(&order); err != nil {
		return types.OrderResult{
			Status:  types.OrderRejected,
			Reason:  types.ReasonInvalidSignature,
			Message: err.Error(),
		}
	}

	payload := types.OrderPayload{
		Order:     order,
		Owner:     auth.ApiKey(),
		OrderType: types.OrderTypeFOK,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return types.OrderResult{Status: types.OrderRejected, Reason: types.ReasonNotRetryable, Message: err.Error()}
	}
	headers, err := auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return types.OrderResult{Status: types.OrderRejected, Reason: types.ReasonInvalidSignature, Message: err.Error()}
	}

	var result types.OrderResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return types.OrderResult{Status: types.OrderTransient, Message: err.Error()}
	}
	if resp.StatusCode() >= 500 {
		return types.OrderResult{Status: types.OrderTransient, Message: fmt.Sprintf("status %d", resp.StatusCode())}
	}

	if resp.StatusCode() != http.StatusOK || !result.Success {
		msg := result.ErrorMsg
		if msg == "" {
			msg = resp.String()
		}
		if reason, permanent := classifyOrderError(msg); permanent {
			return types.OrderResult{Status: types.OrderRejected, Reason: reason, Message: msg}
		}
		return types.OrderResult{Status: types.OrderTransient, Message: msg}
	}

	fillPrice := req.LimitPrice
	if result.AvgPrice != "" {
		if p, err := strconv.ParseFloat(result.AvgPrice, 64); err == nil && p > 0 {
			fillPrice = p
		}
	}

	return types.OrderResult{
		Status:     types.OrderFilled,
		FillPrice:  fillPrice,
		FillShares: size,
		OrderID:    result.OrderID,
	}
}

// DeriveAPIKey derives L2 API credentials for a wallet via L1 auth and
// installs them on the Auth.
func (c *Client) DeriveAPIKey(ctx context.Context, auth *Auth) (*Credentials, error) {
	headers, err := auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	auth.SetCredentials(result)
	c.logger.Info("API key derived", "address", auth.Address().Hex())
	return &result, nil
}

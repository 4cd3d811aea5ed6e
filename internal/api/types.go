package api

import (
	"polymarket-trainbot/internal/config"
)

// apiError is the structured error body returned by every endpoint.
type apiError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

// botRequest is the create/update payload: a BotConfig plus the
// plaintext wallet secret, which is sealed before persistence and never
// echoed back.
type botRequest struct {
	config.BotConfig
	WalletSecret string `json:"wallet_secret,omitempty"`
	Profile      string `json:"profile,omitempty"`
}

// tradeRequest is the manual trade payload.
type tradeRequest struct {
	Side      string  `json:"side"` // BUY or SELL
	AmountUSD float64 `json:"amount_usd,omitempty"`
}

// targetRequest sets a bot's next target.
type targetRequest struct {
	Action string  `json:"action"` // BUY or SELL
	Price  float64 `json:"price"`
}

// killRequest toggles the killswitch. Engage defaults to true when the
// body is empty.
type killRequest struct {
	Engage *bool `json:"engage,omitempty"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

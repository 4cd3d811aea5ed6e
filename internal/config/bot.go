package config

import (
	"fmt"
	"strings"
	"time"
)

// ExchangeMinTradeUSD is the exchange's minimum order notional.
const ExchangeMinTradeUSD = 1.0

// StrategyMode selects the per-bot trading strategy.
type StrategyMode string

const (
	ModeSpikeFade    StrategyMode = "spike_fade"     // fade detected spikes (up → SHORT, down → LONG)
	ModeTrainOfTrade StrategyMode = "train_of_trade" // cyclic BUY→SELL→BUY with explicit targets
)

// EntryMode selects the startup behavior of a bot.
type EntryMode string

const (
	EntryImmediateBuy EntryMode = "immediate_buy"  // buy on first warm price
	EntryWaitForSpike EntryMode = "wait_for_spike" // stay flat until the detector signals
	EntryDelayedBuy   EntryMode = "delayed_buy"    // wait entry_delay_seconds, then buy
)

// RebuyStrategy selects how the next entry target is placed after an exit.
type RebuyStrategy string

const (
	RebuyImmediate   RebuyStrategy = "immediate"     // rebuy when price revisits the exit level
	RebuyWaitForDrop RebuyStrategy = "wait_for_drop" // rebuy rebuy_drop_pct below the exit level
)

// SignatureMode selects how orders are signed for the wallet.
type SignatureMode string

const (
	SigModeDirect SignatureMode = "direct" // EOA signs and funds
	SigModeProxy  SignatureMode = "proxy"  // EOA signs, funder address holds funds
)

// BotConfig is the persisted configuration of one bot instance. One bot
// watches one outcome token with one wallet. WalletSecretEncrypted is an
// opaque "enc:"-prefixed ciphertext; it is never logged or broadcast.
type BotConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Market binding: either a slug to resolve or a token ID directly.
	MarketSlug   string `json:"market_slug,omitempty"`
	OutcomeIndex int    `json:"outcome_index"`
	TokenID      string `json:"token_id,omitempty"`

	// Wallet binding.
	SignatureMode         SignatureMode `json:"signature_mode"`
	FunderAddress         string        `json:"funder_address,omitempty"`
	WalletSecretEncrypted string        `json:"wallet_secret_encrypted"`

	// Strategy.
	StrategyMode        StrategyMode  `json:"strategy_mode"`
	EntryMode           EntryMode     `json:"entry_mode"`
	EntryDelaySeconds   int           `json:"entry_delay_seconds"`
	SpikeThresholdPct   float64       `json:"spike_threshold_pct"`
	TakeProfitPct       float64       `json:"take_profit_pct"`
	StopLossPct         float64       `json:"stop_loss_pct"`
	MaxHoldSeconds      int           `json:"max_hold_seconds"`
	CooldownSeconds     int           `json:"cooldown_seconds"`
	TradeSizeUSD        float64       `json:"trade_size_usd"`
	MaxBalanceUSD       float64       `json:"max_balance_usd"`
	RebuyStrategy       RebuyStrategy `json:"rebuy_strategy"`
	RebuyDelaySeconds   float64       `json:"rebuy_delay_seconds"`
	RebuyDropPct        float64       `json:"rebuy_drop_pct"`
	MaxTradesPerSession int           `json:"max_trades_per_session"` // 0 = disabled
	SessionLossLimitUSD float64       `json:"session_loss_limit_usd"` // 0 = disabled

	// Spike detection.
	SpikeWindowsSeconds []int   `json:"spike_windows_seconds"`
	UseVolatilityFilter bool    `json:"use_volatility_filter"`
	MaxVolatilityCV     float64 `json:"max_volatility_cv"`

	// Order-book guards (per-bot overrides of global settings; 0 = inherit).
	MinBidLiquidityUSD float64 `json:"min_bid_liquidity_usd,omitempty"`
	MinAskLiquidityUSD float64 `json:"min_ask_liquidity_usd,omitempty"`
	MaxSpreadPct       float64 `json:"max_spread_pct,omitempty"`

	DryRun bool `json:"dry_run"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApplyDefaults fills zero-valued optional fields with working defaults.
func (b *BotConfig) ApplyDefaults() {
	if b.StrategyMode == "" {
		b.StrategyMode = ModeSpikeFade
	}
	if b.EntryMode == "" {
		b.EntryMode = EntryWaitForSpike
	}
	if b.SignatureMode == "" {
		b.SignatureMode = SigModeDirect
	}
	if b.RebuyStrategy == "" {
		b.RebuyStrategy = RebuyImmediate
	}
	if len(b.SpikeWindowsSeconds) == 0 {
		b.SpikeWindowsSeconds = []int{600, 1800, 3600}
	}
	if b.SpikeThresholdPct == 0 {
		b.SpikeThresholdPct = 8.0
	}
	if b.TakeProfitPct == 0 {
		b.TakeProfitPct = 3.0
	}
	if b.StopLossPct == 0 {
		b.StopLossPct = 2.5
	}
	if b.MaxHoldSeconds == 0 {
		b.MaxHoldSeconds = 3600
	}
	if b.CooldownSeconds == 0 {
		b.CooldownSeconds = 120
	}
	if b.TradeSizeUSD == 0 {
		b.TradeSizeUSD = 2.0
	}
	if b.MaxVolatilityCV == 0 {
		b.MaxVolatilityCV = 10.0
	}
}

// Validate checks all required fields and value ranges. A bot with an
// invalid config is placed in the error state and does not start.
func (b *BotConfig) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("name is required")
	}
	if b.MarketSlug == "" && b.TokenID == "" {
		return fmt.Errorf("either market_slug or token_id is required")
	}
	if b.OutcomeIndex < 0 {
		return fmt.Errorf("outcome_index must be >= 0")
	}
	switch b.SignatureMode {
	case SigModeDirect:
	case SigModeProxy:
		if b.FunderAddress == "" {
			return fmt.Errorf("funder_address is required when signature_mode is proxy")
		}
	default:
		return fmt.Errorf("signature_mode must be %q or %q", SigModeDirect, SigModeProxy)
	}
	if b.WalletSecretEncrypted == "" {
		return fmt.Errorf("wallet_secret_encrypted is required")
	}
	switch b.StrategyMode {
	case ModeSpikeFade, ModeTrainOfTrade:
	default:
		return fmt.Errorf("strategy_mode must be %q or %q", ModeSpikeFade, ModeTrainOfTrade)
	}
	switch b.EntryMode {
	case EntryImmediateBuy, EntryWaitForSpike, EntryDelayedBuy:
	default:
		return fmt.Errorf("entry_mode must be one of: immediate_buy, wait_for_spike, delayed_buy")
	}
	switch b.RebuyStrategy {
	case RebuyImmediate, RebuyWaitForDrop:
	default:
		return fmt.Errorf("rebuy_strategy must be %q or %q", RebuyImmediate, RebuyWaitForDrop)
	}
	if b.SpikeThresholdPct <= 0 || b.SpikeThresholdPct >= 100 {
		return fmt.Errorf("spike_threshold_pct must be in (0, 100)")
	}
	if b.TakeProfitPct <= 0 || b.TakeProfitPct >= 100 {
		return fmt.Errorf("take_profit_pct must be in (0, 100)")
	}
	if b.StopLossPct <= 0 || b.StopLossPct >= 100 {
		return fmt.Errorf("stop_loss_pct must be in (0, 100)")
	}
	if b.MaxHoldSeconds <= 0 {
		return fmt.Errorf("max_hold_seconds must be > 0")
	}
	if b.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown_seconds must be >= 0")
	}
	if b.TradeSizeUSD < ExchangeMinTradeUSD {
		return fmt.Errorf("trade_size_usd must be >= $%.2f (exchange minimum)", ExchangeMinTradeUSD)
	}
	if b.MaxBalanceUSD > 0 && b.TradeSizeUSD > b.MaxBalanceUSD {
		return fmt.Errorf("trade_size_usd must be <= max_balance_usd")
	}
	if len(b.SpikeWindowsSeconds) == 0 {
		return fmt.Errorf("spike_windows_seconds must not be empty")
	}
	prev := 0
	for _, w := range b.SpikeWindowsSeconds {
		if w <= 0 {
			return fmt.Errorf("spike_windows_seconds must all be > 0")
		}
		if w <= prev {
			return fmt.Errorf("spike_windows_seconds must be strictly increasing")
		}
		prev = w
	}
	if b.MaxTradesPerSession < 0 || b.SessionLossLimitUSD < 0 {
		return fmt.Errorf("session limits must be >= 0")
	}
	if b.RebuyDropPct < 0 || b.RebuyDropPct >= 100 {
		return fmt.Errorf("rebuy_drop_pct must be in [0, 100)")
	}
	return nil
}

// Redacted returns a copy safe for logging and broadcasting: the wallet
// secret is replaced with a fixed marker.
func (b BotConfig) Redacted() BotConfig {
	if b.WalletSecretEncrypted != "" {
		b.WalletSecretEncrypted = "enc:***"
	}
	return b
}

// MaxHold returns the maximum hold time as a duration.
func (b *BotConfig) MaxHold() time.Duration {
	return time.Duration(b.MaxHoldSeconds) * time.Second
}

// Cooldown returns the post-signal cooldown as a duration.
func (b *BotConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

// HasEncryptedSecret reports whether the wallet secret carries the opaque
// ciphertext prefix written by the external encryption helper.
func (b *BotConfig) HasEncryptedSecret() bool {
	return strings.HasPrefix(b.WalletSecretEncrypted, "enc:")
}

package config

// Profile is a named preset of strategy parameters for a class of market
// conditions. Creating a bot from a profile copies these values into the
// BotConfig; the bot can then be tuned individually.
type Profile struct {
	Name                string        `json:"name"`
	Description         string        `json:"description"`
	SpikeThresholdPct   float64       `json:"spike_threshold_pct"`
	TakeProfitPct       float64       `json:"take_profit_pct"`
	StopLossPct         float64       `json:"stop_loss_pct"`
	TradeSizeUSD        float64       `json:"trade_size_usd"`
	MaxHoldSeconds      int           `json:"max_hold_seconds"`
	CooldownSeconds     int           `json:"cooldown_seconds"`
	UseVolatilityFilter bool          `json:"use_volatility_filter"`
	MaxVolatilityCV     float64       `json:"max_volatility_cv"`
	RebuyDelaySeconds   float64       `json:"rebuy_delay_seconds"`
	RebuyStrategy       RebuyStrategy `json:"rebuy_strategy"`
	RebuyDropPct        float64       `json:"rebuy_drop_pct"`
}

// Profiles returns the built-in trading profiles, keyed by name.
func Profiles() map[string]Profile {
	return map[string]Profile{
		"normal": {
			Name:                "normal",
			Description:         "Balanced settings for general markets",
			SpikeThresholdPct:   8.0,
			TakeProfitPct:       3.0,
			StopLossPct:         2.5,
			TradeSizeUSD:        2.0,
			MaxHoldSeconds:      3600,
			CooldownSeconds:     120,
			UseVolatilityFilter: true,
			MaxVolatilityCV:     10.0,
			RebuyDelaySeconds:   2.0,
			RebuyStrategy:       RebuyImmediate,
			RebuyDropPct:        0.1,
		},
		"live": {
			Name:                "live",
			Description:         "More aggressive for high-volatility live markets",
			SpikeThresholdPct:   5.0,
			TakeProfitPct:       2.0,
			StopLossPct:         1.5,
			TradeSizeUSD:        1.0,
			MaxHoldSeconds:      1800,
			CooldownSeconds:     60,
			UseVolatilityFilter: false, // don't filter in fast-moving markets
			MaxVolatilityCV:     20.0,
			RebuyDelaySeconds:   1.0,
			RebuyStrategy:       RebuyImmediate,
			RebuyDropPct:        0.0,
		},
		"edge": {
			Name:                "edge",
			Description:         "Conservative settings for edge trading",
			SpikeThresholdPct:   12.0,
			TakeProfitPct:       5.0,
			StopLossPct:         3.0,
			TradeSizeUSD:        5.0,
			MaxHoldSeconds:      7200,
			CooldownSeconds:     300,
			UseVolatilityFilter: true,
			MaxVolatilityCV:     5.0,
			RebuyDelaySeconds:   5.0,
			RebuyStrategy:       RebuyWaitForDrop,
			RebuyDropPct:        0.5,
		},
		"custom": {
			Name:                "custom",
			Description:         "Starting point for hand-tuned bots",
			SpikeThresholdPct:   8.0,
			TakeProfitPct:       3.0,
			StopLossPct:         2.5,
			TradeSizeUSD:        2.0,
			MaxHoldSeconds:      3600,
			CooldownSeconds:     120,
			UseVolatilityFilter: true,
			MaxVolatilityCV:     10.0,
			RebuyDelaySeconds:   2.0,
			RebuyStrategy:       RebuyImmediate,
			RebuyDropPct:        0.1,
		},
	}
}

// ApplyProfile copies a profile's strategy parameters into a bot config.
func (b *BotConfig) ApplyProfile(p Profile) {
	b.SpikeThresholdPct = p.SpikeThresholdPct
	b.TakeProfitPct = p.TakeProfitPct
	b.StopLossPct = p.StopLossPct
	b.TradeSizeUSD = p.TradeSizeUSD
	b.MaxHoldSeconds = p.MaxHoldSeconds
	b.CooldownSeconds = p.CooldownSeconds
	b.UseVolatilityFilter = p.UseVolatilityFilter
	b.MaxVolatilityCV = p.MaxVolatilityCV
	b.RebuyDelaySeconds = p.RebuyDelaySeconds
	b.RebuyStrategy = p.RebuyStrategy
	b.RebuyDropPct = p.RebuyDropPct
}

package config

import (
	"strings"
	"testing"
	"time"
)

func validBot() BotConfig {
	b := BotConfig{
		ID:                    "bot-1",
		Name:                  "btc-hourly",
		TokenID:               "7132107",
		WalletSecretEncrypted: "enc:AAAA",
		DryRun:                true,
	}
	b.ApplyDefaults()
	return b
}

func TestValidBotPasses(t *testing.T) {
	t.Parallel()

	b := validBot()
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	var b BotConfig
	b.ApplyDefaults()

	if b.StrategyMode != ModeSpikeFade {
		t.Errorf("strategy mode = %q", b.StrategyMode)
	}
	if b.EntryMode != EntryWaitForSpike {
		t.Errorf("entry mode = %q", b.EntryMode)
	}
	if b.SignatureMode != SigModeDirect {
		t.Errorf("signature mode = %q", b.SignatureMode)
	}
	if len(b.SpikeWindowsSeconds) != 3 {
		t.Errorf("spike windows = %v", b.SpikeWindowsSeconds)
	}
	if b.TradeSizeUSD < ExchangeMinTradeUSD {
		t.Errorf("default trade size %v below exchange minimum", b.TradeSizeUSD)
	}

	// Defaults never clobber explicit values.
	b2 := BotConfig{TakeProfitPct: 7.5, SpikeWindowsSeconds: []int{60}}
	b2.ApplyDefaults()
	if b2.TakeProfitPct != 7.5 || len(b2.SpikeWindowsSeconds) != 1 {
		t.Errorf("defaults overwrote explicit values: %+v", b2)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*BotConfig)
		want   string
	}{
		{"missing name", func(b *BotConfig) { b.Name = "" }, "name"},
		{"no market binding", func(b *BotConfig) { b.TokenID = ""; b.MarketSlug = "" }, "market_slug or token_id"},
		{"negative outcome", func(b *BotConfig) { b.OutcomeIndex = -1 }, "outcome_index"},
		{"proxy without funder", func(b *BotConfig) { b.SignatureMode = SigModeProxy }, "funder_address"},
		{"bad signature mode", func(b *BotConfig) { b.SignatureMode = "magic" }, "signature_mode"},
		{"no wallet secret", func(b *BotConfig) { b.WalletSecretEncrypted = "" }, "wallet_secret_encrypted"},
		{"bad strategy mode", func(b *BotConfig) { b.StrategyMode = "hodl" }, "strategy_mode"},
		{"bad entry mode", func(b *BotConfig) { b.EntryMode = "yolo" }, "entry_mode"},
		{"bad rebuy strategy", func(b *BotConfig) { b.RebuyStrategy = "never" }, "rebuy_strategy"},
		{"threshold too high", func(b *BotConfig) { b.SpikeThresholdPct = 100 }, "spike_threshold_pct"},
		{"zero take profit", func(b *BotConfig) { b.TakeProfitPct = 0 }, "take_profit_pct"},
		{"zero stop loss", func(b *BotConfig) { b.StopLossPct = 0 }, "stop_loss_pct"},
		{"zero max hold", func(b *BotConfig) { b.MaxHoldSeconds = 0 }, "max_hold_seconds"},
		{"negative cooldown", func(b *BotConfig) { b.CooldownSeconds = -1 }, "cooldown_seconds"},
		{"trade below minimum", func(b *BotConfig) { b.TradeSizeUSD = 0.5 }, "trade_size_usd"},
		{"trade above balance cap", func(b *BotConfig) { b.TradeSizeUSD = 10; b.MaxBalanceUSD = 5 }, "max_balance_usd"},
		{"empty windows", func(b *BotConfig) { b.SpikeWindowsSeconds = nil }, "spike_windows_seconds"},
		{"unsorted windows", func(b *BotConfig) { b.SpikeWindowsSeconds = []int{600, 600} }, "strictly increasing"},
		{"negative window", func(b *BotConfig) { b.SpikeWindowsSeconds = []int{-1} }, "> 0"},
		{"negative session cap", func(b *BotConfig) { b.MaxTradesPerSession = -1 }, "session limits"},
		{"rebuy drop out of range", func(b *BotConfig) { b.RebuyDropPct = 100 }, "rebuy_drop_pct"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validBot()
			tt.mutate(&b)
			err := b.Validate()
			if err == nil {
				t.Fatal("invalid config passed validation")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

// The redacted copy is the only form that may be logged or broadcast.
func TestRedactedHidesSecret(t *testing.T) {
	t.Parallel()

	b := validBot()
	b.WalletSecretEncrypted = "enc:supersecret"

	r := b.Redacted()
	if r.WalletSecretEncrypted != "enc:***" {
		t.Errorf("redacted secret = %q", r.WalletSecretEncrypted)
	}
	if b.WalletSecretEncrypted != "enc:supersecret" {
		t.Error("Redacted mutated the original")
	}

	var empty BotConfig
	if empty.Redacted().WalletSecretEncrypted != "" {
		t.Error("empty secret should stay empty")
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()

	b := BotConfig{MaxHoldSeconds: 90, CooldownSeconds: 30}
	if b.MaxHold() != 90*time.Second {
		t.Errorf("MaxHold = %v", b.MaxHold())
	}
	if b.Cooldown() != 30*time.Second {
		t.Errorf("Cooldown = %v", b.Cooldown())
	}
}

func TestHasEncryptedSecret(t *testing.T) {
	t.Parallel()

	b := BotConfig{WalletSecretEncrypted: "enc:AAAA"}
	if !b.HasEncryptedSecret() {
		t.Error("ciphertext not recognized")
	}
	b.WalletSecretEncrypted = "0xdeadbeef"
	if b.HasEncryptedSecret() {
		t.Error("raw value treated as ciphertext")
	}
}

func TestProfilesApply(t *testing.T) {
	t.Parallel()

	profiles := Profiles()
	for _, name := range []string{"normal", "live", "edge", "custom"} {
		if _, ok := profiles[name]; !ok {
			t.Errorf("profile %q missing", name)
		}
	}

	b := validBot()
	b.ApplyProfile(profiles["edge"])
	if b.SpikeThresholdPct != 12.0 || b.RebuyStrategy != RebuyWaitForDrop {
		t.Errorf("edge profile not applied: %+v", b)
	}
	if err := b.Validate(); err != nil {
		t.Errorf("profile-built bot invalid: %v", err)
	}
}

func TestSettingsValidate(t *testing.T) {
	t.Parallel()

	s := DefaultSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	bad := DefaultSettings()
	bad.SlippageTolerance = 1
	if bad.Validate() == nil {
		t.Error("slippage_tolerance = 1 accepted")
	}

	bad = DefaultSettings()
	bad.MaxSpreadPct = 0
	if bad.Validate() == nil {
		t.Error("max_spread_pct = 0 accepted")
	}

	bad = DefaultSettings()
	bad.StreamReconnectMaxSecs = 0.5
	if bad.Validate() == nil {
		t.Error("reconnect max < min accepted")
	}

	bad = DefaultSettings()
	bad.DailyLossLimitUSD = -1
	if bad.Validate() == nil {
		t.Error("negative daily loss limit accepted")
	}
}

func TestReconnectBounds(t *testing.T) {
	t.Parallel()

	s := GlobalSettings{StreamReconnectMinSecs: 1.5, StreamReconnectMaxSecs: 60}
	min, max := s.ReconnectBounds()
	if min != 1500*time.Millisecond || max != time.Minute {
		t.Errorf("bounds = %v, %v", min, max)
	}
}

func TestServerLoadDefaults(t *testing.T) {
	cfg, err := Load("testdata/does-not-exist.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dashboard.Port != 8000 || cfg.API.ChainID != 137 {
		t.Errorf("defaults = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

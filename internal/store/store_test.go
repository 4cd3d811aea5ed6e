package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"polymarket-trainbot/internal/config"
	"polymarket-trainbot/internal/strategy"
	"polymarket-trainbot/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func sampleBot(id string) *config.BotConfig {
	bot := &config.BotConfig{
		ID:                    id,
		Name:                  "btc-hourly",
		TokenID:               "7132107",
		DryRun:                true,
		TradeSizeUSD:          5,
		WalletSecretEncrypted: "enc:AAAA",
	}
	bot.ApplyDefaults()
	return bot
}

func TestBotRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	bot := sampleBot("bot-1")
	if err := s.SaveBot(bot); err != nil {
		t.Fatalf("SaveBot: %v", err)
	}

	got, err := s.LoadBot("bot-1")
	if err != nil {
		t.Fatalf("LoadBot: %v", err)
	}
	if got.Name != bot.Name || got.TokenID != bot.TokenID || got.WalletSecretEncrypted != bot.WalletSecretEncrypted {
		t.Errorf("loaded bot = %+v", got)
	}
}

// Bot files carry wallet ciphertext and must be owner-only.
func TestBotFileOwnerOnly(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.SaveBot(sampleBot("bot-1")); err != nil {
		t.Fatalf("SaveBot: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "bots", "bot-1.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("bot file perm = %o, want 600", perm)
	}
}

func TestLoadBotNotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if _, err := s.LoadBot("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// One corrupt file must not hide the healthy ones.
func TestLoadBotsSkipsCorrupt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.SaveBot(sampleBot("bot-1")); err != nil {
		t.Fatalf("SaveBot: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bots", "bot-2.json"), []byte("{garbage"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	bots, errs := s.LoadBots()
	if len(bots) != 1 || bots[0].ID != "bot-1" {
		t.Errorf("bots = %+v", bots)
	}
	if len(errs) != 1 {
		t.Errorf("errs = %v, want 1 report", errs)
	}
}

func TestDeleteBotKeepsSettlement(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if err := s.SaveBot(sampleBot("bot-1")); err != nil {
		t.Fatalf("SaveBot: %v", err)
	}
	if err := s.SaveSettlement(&SettlementRecord{BotID: "bot-1", RealizedPnLUSD: 1.5}); err != nil {
		t.Fatalf("SaveSettlement: %v", err)
	}

	if err := s.DeleteBot("bot-1"); err != nil {
		t.Fatalf("DeleteBot: %v", err)
	}
	if _, err := s.LoadBot("bot-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("bot still present: %v", err)
	}

	// The settlement record is the P&L audit trail; it outlives the bot.
	rec, err := s.LoadSettlement("bot-1")
	if err != nil {
		t.Fatalf("LoadSettlement after delete: %v", err)
	}
	if rec.RealizedPnLUSD != 1.5 {
		t.Errorf("RealizedPnLUSD = %v, want 1.5", rec.RealizedPnLUSD)
	}

	// Deleting again is a no-op.
	if err := s.DeleteBot("bot-1"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestSettlementRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	exit := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := &SettlementRecord{
		BotID:          "bot-1",
		RealizedPnLUSD: 0.2541,
		TotalTrades:    3,
		WinningTrades:  2,
		LosingTrades:   1,
		LastExitTime:   exit,
		OpenPosition: &strategy.Position{
			Side:       types.LONG,
			EntryPrice: 0.482,
			Shares:     10.373,
			AmountUSD:  5,
		},
	}
	if err := s.SaveSettlement(rec); err != nil {
		t.Fatalf("SaveSettlement: %v", err)
	}
	if rec.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not stamped on save")
	}

	got, err := s.LoadSettlement("bot-1")
	if err != nil {
		t.Fatalf("LoadSettlement: %v", err)
	}
	if got.RealizedPnLUSD != 0.2541 || got.TotalTrades != 3 || !got.LastExitTime.Equal(exit) {
		t.Errorf("loaded = %+v", got)
	}
	if got.OpenPosition == nil || got.OpenPosition.EntryPrice != 0.482 {
		t.Errorf("open position = %+v", got.OpenPosition)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if _, err := s.LoadSettings(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("fresh store settings err = %v, want ErrNotFound", err)
	}

	settings := config.DefaultSettings()
	settings.DailyLossLimitUSD = 25
	if err := s.SaveSettings(&settings); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}

	got, err := s.LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if got.DailyLossLimitUSD != 25 || got.SlippageTolerance != settings.SlippageTolerance {
		t.Errorf("loaded = %+v", got)
	}
}

// Overwrites replace the file wholesale; no temp files linger.
func TestWriteIsAtomicReplace(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bot := sampleBot("bot-1")
	if err := s.SaveBot(bot); err != nil {
		t.Fatalf("SaveBot: %v", err)
	}
	bot.Name = "renamed"
	if err := s.SaveBot(bot); err != nil {
		t.Fatalf("SaveBot overwrite: %v", err)
	}

	got, err := s.LoadBot("bot-1")
	if err != nil {
		t.Fatalf("LoadBot: %v", err)
	}
	if got.Name != "renamed" {
		t.Errorf("name = %q after overwrite", got.Name)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "bots"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "bot-1.json" {
			t.Errorf("unexpected file in bots dir: %s", e.Name())
		}
	}
}

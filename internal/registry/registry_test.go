package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"polymarket-trainbot/internal/config"
	"polymarket-trainbot/internal/exchange"
	"polymarket-trainbot/internal/session"
	"polymarket-trainbot/internal/store"
)

// newTestRegistry builds a registry against a temp store, a dead exchange
// endpoint, no secret key, and the stream disabled.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Server{
		API: config.APIConfig{
			CLOBBaseURL:  "http://127.0.0.1:0",
			GammaBaseURL: "http://127.0.0.1:0",
			ChainID:      137,
		},
	}
	client := exchange.NewClient(cfg.API, logger)

	r := New(context.Background(), cfg, st, client, nil, logger)
	settings := config.DefaultSettings()
	settings.StreamEnabled = false
	r.settings.Store(&settings)
	return r
}

// injectBot registers a bot config directly, bypassing Create's secret
// sealing so tests can shape the wallet state.
func injectBot(r *Registry, bot config.BotConfig) {
	bot.ApplyDefaults()
	r.mu.Lock()
	r.bots[bot.ID] = &bot
	r.mu.Unlock()
}

// A start that fails (no secret key configured, so the wallet cannot be
// decrypted) must surface as the error status, not silently as stopped.
func TestStartFailureSetsErrorStatus(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	injectBot(r, config.BotConfig{
		ID:                    "bot-err",
		Name:                  "live",
		TokenID:               "token-1",
		WalletSecretEncrypted: "enc:AAAA",
	})

	if err := r.Start(context.Background(), "bot-err"); err == nil {
		t.Fatal("start succeeded without a secret key")
	}

	view, err := r.Get("bot-err")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Status != session.StatusError {
		t.Errorf("status = %s, want %s", view.Status, session.StatusError)
	}
}

// The error sticks until the bot starts successfully, then clears.
func TestStartErrorClearsOnSuccessfulStart(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	injectBot(r, config.BotConfig{
		ID:                    "bot-retry",
		Name:                  "live",
		TokenID:               "token-1",
		WalletSecretEncrypted: "enc:AAAA",
	})

	if err := r.Start(context.Background(), "bot-retry"); err == nil {
		t.Fatal("start succeeded without a secret key")
	}
	if view, _ := r.Get("bot-retry"); view.Status != session.StatusError {
		t.Fatalf("status after failed start = %s, want %s", view.Status, session.StatusError)
	}

	// Flip the bot to dry-run; it no longer needs the wallet to start.
	r.mu.Lock()
	r.bots["bot-retry"].DryRun = true
	r.mu.Unlock()

	if err := r.Start(context.Background(), "bot-retry"); err != nil {
		t.Fatalf("dry-run start: %v", err)
	}
	defer r.Stop(context.Background(), "bot-retry")

	view, err := r.Get("bot-retry")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Status == session.StatusError {
		t.Error("error status not cleared by successful start")
	}
}

// Polymarket Trainbot — an automated spike-fade and train-of-trade agent
// for Polymarket binary prediction markets, managed through an HTTP and
// WebSocket dashboard.
//
// Architecture:
//
//	main.go              — entry point: config, wiring, signal handling
//	registry/            — bot CRUD, session lifecycle, settings, event bus
//	session/             — per-bot decision loop over the merged price feed
//	strategy/            — FLAT/ARMED/HOLDING/EXITING/COOLDOWN state machine
//	spike/               — multi-window spike detection with volatility gate
//	pricefeed/           — WebSocket stream merged with REST poll fallback
//	history/             — bounded price ring for detection and charts
//	risk/                — ordered pre-trade checks, killswitch, daily loss
//	executor/            — order placement with retries; dry-run synthesis
//	exchange/            — CLOB/Gamma REST client, EIP-712 auth, WS feeds
//	store/               — atomic JSON persistence (bots, settlements, settings)
//	api/                 — dashboard REST + WebSocket control surface
//
// How it trades:
//
//	A spike-fade bot watches one outcome token and bets against sharp
//	moves: a sudden jump is sold short, a sudden drop is bought, and the
//	position exits on take-profit, stop-loss, or a hold deadline. A
//	train-of-trade bot rides a cycle instead: buy at a target, sell at
//	entry plus take-profit, arm the next buy at the exit level, repeat.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"polymarket-trainbot/internal/api"
	"polymarket-trainbot/internal/config"
	"polymarket-trainbot/internal/exchange"
	"polymarket-trainbot/internal/registry"
	"polymarket-trainbot/internal/secrets"
	"polymarket-trainbot/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.New(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open data dir", "error", err)
		os.Exit(1)
	}

	// Without a master key only dry-run bots can trade; that's a valid
	// deployment, so it's a warning rather than a fatal error.
	box, err := secrets.FromEnv()
	if err != nil {
		logger.Warn("wallet secret key unavailable, live trading disabled", "error", err)
	}

	client := exchange.NewClient(cfg.API, logger)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(rootCtx, cfg, st, client, box, logger)

	apiServer := api.NewServer(cfg.Dashboard, reg, client, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("dashboard server failed", "error", err)
		}
	}()
	logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if reg.Settings().KillswitchOnShutdown {
		reg.SetKillswitch(true)
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop dashboard", "error", err)
	}

	// StopAll waits for each session's exit-grace close attempt.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	reg.StopAll(stopCtx)
	stopCancel()
	cancel()

	logger.Info("shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Package registry manages the set of bots: CRUD over persisted configs,
// session lifecycle (start/stop), global settings, the killswitch, and
// the event bus the dashboard subscribes to.
//
// Config mutations are rejected while a bot is running; the bot must be
// stopped first so a session never observes its config changing under it.
// Settings follow read-copy-update: writers swap a fresh snapshot behind
// an atomic pointer, sessions read one snapshot per decision.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"polymarket-trainbot/internal/config"
	"polymarket-trainbot/internal/exchange"
	"polymarket-trainbot/internal/executor"
	"polymarket-trainbot/internal/history"
	"polymarket-trainbot/internal/pricefeed"
	"polymarket-trainbot/internal/risk"
	"polymarket-trainbot/internal/secrets"
	"polymarket-trainbot/internal/session"
	"polymarket-trainbot/internal/store"
	"polymarket-trainbot/pkg/types"
)

// ErrBotRunning is returned for mutations that require a stopped bot.
var ErrBotRunning = errors.New("bot is running, stop it first")

// ErrNotFound is returned when no bot has the given ID.
var ErrNotFound = errors.New("bot not found")

const stopTimeout = 20 * time.Second

// runner tracks one running session.
type runner struct {
	sess   *session.Session
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry is the root object behind the API.
type Registry struct {
	cfg    *config.Server
	store  *store.Store
	client *exchange.Client
	box    *secrets.Box
	kill   *risk.Killswitch
	daily  *risk.DailyLoss
	bus    *Bus
	logger *slog.Logger

	settings atomic.Pointer[config.GlobalSettings]

	baseCtx context.Context

	mu      sync.Mutex
	bots    map[string]*config.BotConfig
	running map[string]*runner
	errs    map[string]string // last start failure per bot, cleared on success
}

// New loads persisted bots and settings and surfaces any open positions
// left behind by a previous run. box may be nil; then only dry-run bots
// can be created or started.
func New(ctx context.Context, cfg *config.Server, st *store.Store, client *exchange.Client, box *secrets.Box, logger *slog.Logger) *Registry {
	r := &Registry{
		cfg:     cfg,
		store:   st,
		client:  client,
		box:     box,
		kill:    &risk.Killswitch{},
		daily:   &risk.DailyLoss{},
		bus:     NewBus(logger),
		logger:  logger.With("component", "registry"),
		baseCtx: ctx,
		bots:    make(map[string]*config.BotConfig),
		running: make(map[string]*runner),
		errs:    make(map[string]string),
	}

	settings := config.DefaultSettings()
	if saved, err := st.LoadSettings(); err == nil {
		settings = *saved
	} else if !errors.Is(err, store.ErrNotFound) {
		r.logger.Error("load settings failed, using defaults", "error", err)
	}
	r.settings.Store(&settings)

	bots, errs := st.LoadBots()
	for _, err := range errs {
		r.logger.Error("skipping unreadable bot config", "error", err)
	}
	for _, bot := range bots {
		r.bots[bot.ID] = bot
		if rec, err := st.LoadSettlement(bot.ID); err == nil && rec.OpenPosition != nil {
			r.logger.Warn("bot has an open position from a previous run",
				"bot_id", bot.ID,
				"entry_price", rec.OpenPosition.EntryPrice,
				"shares", rec.OpenPosition.Shares)
		}
	}
	r.logger.Info("registry initialized", "bots", len(r.bots))
	return r
}

// Bus returns the broadcast bus.
func (r *Registry) Bus() *Bus { return r.bus }

// Killswitch reports whether the killswitch is engaged.
func (r *Registry) Killswitch() bool { return r.kill.Engaged() }

// SetKillswitch engages or resets the killswitch and broadcasts it.
func (r *Registry) SetKillswitch(engage bool) {
	if engage {
		r.kill.Engage()
		r.logger.Warn("killswitch engaged")
	} else {
		r.kill.Reset()
		r.logger.Info("killswitch reset")
	}
	r.bus.Publish(types.Event{
		Type:      types.EvtKillswitch,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"engaged": engage},
	})
}

// Settings returns the current settings snapshot.
func (r *Registry) Settings() config.GlobalSettings {
	return *r.settings.Load()
}

// UpdateSettings validates, persists, and swaps in new settings.
func (r *Registry) UpdateSettings(s config.GlobalSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := r.store.SaveSettings(&s); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}
	r.settings.Store(&s)
	r.bus.Publish(types.Event{
		Type:      types.EvtSettingsUpdate,
		Timestamp: time.Now().UTC(),
		Data:      s,
	})
	return nil
}

// BotView is one bot as the API lists it.
type BotView struct {
	Bot    config.BotConfig `json:"bot"`
	Status session.Status   `json:"status"`
}

// List returns all bots with their lifecycle status, secrets redacted.
func (r *Registry) List() []BotView {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BotView, 0, len(r.bots))
	for id, bot := range r.bots {
		out = append(out, BotView{Bot: bot.Redacted(), Status: r.statusLocked(id)})
	}
	return out
}

// Get returns one bot with secrets redacted.
func (r *Registry) Get(id string) (BotView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bot, ok := r.bots[id]
	if !ok {
		return BotView{}, ErrNotFound
	}
	return BotView{Bot: bot.Redacted(), Status: r.statusLocked(id)}, nil
}

// Session returns the running session for a bot, if any.
func (r *Registry) Session(id string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.running[id]
	if !ok {
		return nil, false
	}
	return run.sess, true
}

func (r *Registry) statusLocked(id string) session.Status {
	if run, ok := r.running[id]; ok {
		return run.sess.Status()
	}
	if r.errs[id] != "" {
		return session.StatusError
	}
	return session.StatusStopped
}

// Create validates and persists a new bot. walletSecret is the plaintext
// private key; it is sealed before the config ever touches disk. Dry-run
// bots may omit it.
func (r *Registry) Create(bot config.BotConfig, walletSecret string) (config.BotConfig, error) {
	bot.ID = uuid.NewString()
	now := time.Now().UTC()
	bot.CreatedAt = now
	bot.UpdatedAt = now
	bot.ApplyDefaults()

	if err := r.sealSecret(&bot, walletSecret); err != nil {
		return config.BotConfig{}, err
	}
	if err := bot.Validate(); err != nil {
		return config.BotConfig{}, err
	}

	r.mu.Lock()
	r.bots[bot.ID] = &bot
	r.mu.Unlock()

	if err := r.store.SaveBot(&bot); err != nil {
		return config.BotConfig{}, fmt.Errorf("persist bot: %w", err)
	}

	r.publishBot(types.EvtBotCreated, bot)
	r.logger.Info("bot created", "bot_id", bot.ID, "name", bot.Name)
	return bot.Redacted(), nil
}

// Update replaces a stopped bot's config. An empty walletSecret keeps
// the existing ciphertext.
func (r *Registry) Update(id string, bot config.BotConfig, walletSecret string) (config.BotConfig, error) {
	r.mu.Lock()
	existing, ok := r.bots[id]
	if !ok {
		r.mu.Unlock()
		return config.BotConfig{}, ErrNotFound
	}
	if _, running := r.running[id]; running {
		r.mu.Unlock()
		return config.BotConfig{}, ErrBotRunning
	}

	bot.ID = id
	bot.CreatedAt = existing.CreatedAt
	bot.UpdatedAt = time.Now().UTC()
	bot.ApplyDefaults()
	if walletSecret == "" && bot.WalletSecretEncrypted == "" {
		bot.WalletSecretEncrypted = existing.WalletSecretEncrypted
	}
	r.mu.Unlock()

	if err := r.sealSecret(&bot, walletSecret); err != nil {
		return config.BotConfig{}, err
	}
	if err := bot.Validate(); err != nil {
		return config.BotConfig{}, err
	}

	r.mu.Lock()
	r.bots[id] = &bot
	delete(r.errs, id)
	r.mu.Unlock()

	if err := r.store.SaveBot(&bot); err != nil {
		return config.BotConfig{}, fmt.Errorf("persist bot: %w", err)
	}

	r.publishBot(types.EvtBotUpdated, bot)
	return bot.Redacted(), nil
}

// Delete removes a stopped bot's config; its settlement record stays on
// disk. With force, a running bot is stopped first.
func (r *Registry) Delete(ctx context.Context, id string, force bool) error {
	r.mu.Lock()
	_, ok := r.bots[id]
	_, running := r.running[id]
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	if running {
		if !force {
			return ErrBotRunning
		}
		if err := r.Stop(ctx, id); err != nil {
			return fmt.Errorf("stop before delete: %w", err)
		}
	}

	r.mu.Lock()
	delete(r.bots, id)
	delete(r.errs, id)
	r.mu.Unlock()

	if err := r.store.DeleteBot(id); err != nil {
		return err
	}

	r.bus.Publish(types.Event{
		Type:      types.EvtBotDeleted,
		BotID:     id,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"id": id},
	})
	r.logger.Info("bot deleted", "bot_id", id)
	return nil
}

// sealSecret encrypts a plaintext secret into the config. Passing a
// value that is already sealed is accepted as-is.
func (r *Registry) sealSecret(bot *config.BotConfig, walletSecret string) error {
	if walletSecret == "" {
		if bot.WalletSecretEncrypted == "" && bot.DryRun {
			// Dry-run needs no wallet; store a sealed placeholder so
			// validation passes without a real key.
			bot.WalletSecretEncrypted = "enc:unset"
		}
		return nil
	}
	if secrets.IsEncrypted(walletSecret) {
		bot.WalletSecretEncrypted = walletSecret
		return nil
	}
	if r.box == nil {
		return fmt.Errorf("%s is not configured, cannot store wallet secret", secrets.EnvKey)
	}
	sealed, err := r.box.Encrypt(walletSecret)
	if err != nil {
		return fmt.Errorf("seal wallet secret: %w", err)
	}
	bot.WalletSecretEncrypted = sealed
	return nil
}

// Start builds and launches a session for the bot.
func (r *Registry) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	bot, ok := r.bots[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if _, running := r.running[id]; running {
		r.mu.Unlock()
		return fmt.Errorf("bot is already running")
	}
	botCopy := *bot
	r.mu.Unlock()

	deps, feedRun, err := r.assemble(ctx, botCopy)
	if err != nil {
		r.setStartError(id, err)
		return err
	}

	sessCtx, cancel := context.WithCancel(r.baseCtx)
	run := &runner{sess: session.New(deps), cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if _, dup := r.running[id]; dup {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("bot is already running")
	}
	r.running[id] = run
	delete(r.errs, id)
	r.mu.Unlock()

	go feedRun(sessCtx)
	go func() {
		defer close(run.done)
		run.sess.Run(sessCtx)
	}()

	r.publishBot(types.EvtBotStarted, botCopy)
	return nil
}

// setStartError marks a bot errored so the dashboard shows why it would
// not start. Cleared by the next successful start or config update.
func (r *Registry) setStartError(id string, err error) {
	r.mu.Lock()
	r.errs[id] = err.Error()
	r.mu.Unlock()

	r.bus.Publish(types.Event{
		Type:      types.EvtError,
		BotID:     id,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"message": err.Error()},
	})
	r.logger.Error("bot start failed", "bot_id", id, "error", err)
}

// assemble wires the per-bot dependency graph: market resolution, the
// streaming feed, the merged price feed, auth, and the executor.
func (r *Registry) assemble(ctx context.Context, bot config.BotConfig) (session.Deps, func(context.Context), error) {
	settings := r.Settings()

	market, tokenID, err := r.resolveMarket(ctx, bot)
	if err != nil {
		return session.Deps{}, nil, err
	}

	ring := history.NewRing(0)
	minB, maxB := settings.ReconnectBounds()

	var (
		events <-chan types.MarketEvent
		states <-chan bool
		wsFeed *exchange.Feed
	)
	if settings.StreamEnabled {
		wsFeed = exchange.NewMarketFeed(r.cfg.API.WSMarketURL, minB, maxB, r.logger)
		events = wsFeed.Events()
		states = wsFeed.StateChanges()
	}

	feed := pricefeed.New(tokenID, r.client, events, states, ring, r.logger)

	var auth *exchange.Auth
	if !bot.DryRun {
		auth, err = r.buildAuth(ctx, bot)
		if err != nil {
			return session.Deps{}, nil, err
		}
	} else if bot.WalletSecretEncrypted != "" && bot.WalletSecretEncrypted != "enc:unset" && r.box != nil {
		// A dry-run bot with a real wallet still gets auth so the balance
		// pre-check can run; failing that is not fatal in dry-run.
		if auth, err = r.buildAuth(ctx, bot); err != nil {
			r.logger.Warn("dry-run wallet auth unavailable, skipping balance checks",
				"bot_id", bot.ID, "error", err)
			auth = nil
		}
	}

	// Fill confirmations from the authenticated user channel; the session
	// prefers these over the synchronous order response.
	var (
		userFeed *exchange.Feed
		trades   <-chan types.WSTradeEvent
	)
	if auth != nil && settings.StreamEnabled && market.ConditionID != "" {
		userFeed = exchange.NewUserFeed(r.cfg.API.WSUserURL, auth, minB, maxB, r.logger)
		trades = userFeed.TradeEvents()
	}

	exec := executor.New(r.client, auth, tokenID, market.TickSize, bot.DryRun, r.logger)

	deps := session.Deps{
		Bot:      bot,
		Market:   market,
		Client:   r.client,
		Feed:     feed,
		Ring:     ring,
		Exec:     exec,
		Store:    r.store,
		Kill:     r.kill,
		Daily:    r.daily,
		Bus:      r.bus,
		Settings: func() config.GlobalSettings { return r.Settings() },
		Logger:   r.logger,
		Trades:   trades,
	}

	feedRun := func(runCtx context.Context) {
		if wsFeed != nil {
			go func() {
				if err := wsFeed.Run(runCtx); err != nil && runCtx.Err() == nil {
					r.logger.Error("market feed stopped", "bot_id", bot.ID, "error", err)
				}
			}()
			if err := wsFeed.Subscribe(runCtx, []string{tokenID}); err != nil {
				r.logger.Warn("initial subscribe failed, feed will retry", "bot_id", bot.ID, "error", err)
			}
		}
		if userFeed != nil {
			go func() {
				if err := userFeed.Run(runCtx); err != nil && runCtx.Err() == nil {
					r.logger.Error("user feed stopped", "bot_id", bot.ID, "error", err)
				}
			}()
			if err := userFeed.Subscribe(runCtx, []string{market.ConditionID}); err != nil {
				r.logger.Warn("user subscribe failed, feed will retry", "bot_id", bot.ID, "error", err)
			}
		}
		feed.Run(runCtx)
	}
	return deps, feedRun, nil
}

// resolveMarket turns the bot's market binding into a MarketInfo and the
// concrete outcome token ID.
func (r *Registry) resolveMarket(ctx context.Context, bot config.BotConfig) (types.MarketInfo, string, error) {
	if bot.MarketSlug != "" {
		market, tokenID, err := r.client.ResolveTokenID(ctx, bot.MarketSlug, bot.OutcomeIndex)
		if err != nil {
			return types.MarketInfo{}, "", fmt.Errorf("resolve market %q: %w", bot.MarketSlug, err)
		}
		return market, tokenID, nil
	}

	// Direct token binding: minimal market info with the standard tick.
	return types.MarketInfo{
		TokenIDs: []string{bot.TokenID},
		TickSize: types.Tick001,
		Active:   true,
	}, bot.TokenID, nil
}

// buildAuth decrypts the wallet secret and derives L2 API credentials.
func (r *Registry) buildAuth(ctx context.Context, bot config.BotConfig) (*exchange.Auth, error) {
	if r.box == nil {
		return nil, fmt.Errorf("%s is not configured, cannot decrypt wallet secret", secrets.EnvKey)
	}
	privHex, err := r.box.Decrypt(bot.WalletSecretEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt wallet secret: %w", err)
	}

	sigType := types.SigEOA
	if bot.SignatureMode == config.SigModeProxy {
		sigType = types.SigProxy
	}
	auth, err := exchange.NewAuth(privHex, sigType, bot.FunderAddress, r.cfg.API.ChainID)
	if err != nil {
		return nil, fmt.Errorf("init wallet auth: %w", err)
	}

	creds, err := r.client.DeriveAPIKey(ctx, auth)
	if err != nil {
		return nil, fmt.Errorf("derive api credentials: %w", err)
	}
	auth.SetCredentials(*creds)
	return auth, nil
}

// Stop cancels a running session and waits for it to wind down. A plain
// stop leaves any open position persisted for recovery; positions are
// closed on stop only when the session's CloseOnStop was requested.
func (r *Registry) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	run, ok := r.running[id]
	if ok {
		delete(r.running, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("bot is not running")
	}

	run.cancel()
	select {
	case <-run.done:
	case <-time.After(stopTimeout):
		r.logger.Error("session did not stop within timeout", "bot_id", id)
	case <-ctx.Done():
		return ctx.Err()
	}

	r.bus.Publish(types.Event{
		Type:      types.EvtBotStopped,
		BotID:     id,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"id": id},
	})
	return nil
}

// StopAll stops every running bot, in parallel, for process shutdown.
// With killswitch_on_shutdown enabled, each session is asked to close its
// open position best-effort before it stops.
func (r *Registry) StopAll(ctx context.Context) {
	closePositions := r.Settings().KillswitchOnShutdown

	r.mu.Lock()
	ids := make([]string, 0, len(r.running))
	for id, run := range r.running {
		ids = append(ids, id)
		if closePositions {
			run.sess.CloseOnStop()
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.Stop(ctx, id); err != nil {
				r.logger.Error("stop failed during shutdown", "bot_id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

func (r *Registry) publishBot(evtType string, bot config.BotConfig) {
	r.bus.Publish(types.Event{
		Type:      evtType,
		BotID:     bot.ID,
		Timestamp: time.Now().UTC(),
		Data:      bot.Redacted(),
	})
}

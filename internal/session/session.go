// Package session runs one bot: a single-goroutine decision loop that
// consumes the merged price feed, evaluates spike detection and the
// strategy machine, gates decisions through the risk validator, and
// dispatches admitted orders to the executor.
//
// All strategy state is owned by the loop goroutine. Commands from the
// API (pause, resume, manual trade, close, set target) arrive over a
// channel and are applied between price updates, so there is never a
// data race on the machine. Exchange I/O for a decision (book fetch,
// balance fetch, order placement) happens in a dispatch goroutine; its
// outcome returns to the loop over a channel, and at most one dispatch
// is in flight at a time.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polymarket-trainbot/internal/config"
	"polymarket-trainbot/internal/exchange"
	"polymarket-trainbot/internal/executor"
	"polymarket-trainbot/internal/history"
	"polymarket-trainbot/internal/pricefeed"
	"polymarket-trainbot/internal/risk"
	"polymarket-trainbot/internal/spike"
	"polymarket-trainbot/internal/store"
	"polymarket-trainbot/internal/strategy"
	"polymarket-trainbot/pkg/types"
)

const (
	activityCapacity = 1000
	exitGrace        = 15 * time.Second
	tickInterval     = time.Second

	// Consecutive invalid-signature rejections before the session stops
	// trading and reports the error state. Signature failures never heal
	// on their own; the wallet binding is wrong.
	maxSignatureFailures = 3
)

// Status is the lifecycle state of a bot session.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Publisher receives events for dashboard fan-out.
type Publisher interface {
	Publish(evt types.Event)
}

// SettingsSource returns the current global settings snapshot.
type SettingsSource func() config.GlobalSettings

// Deps are the collaborators a session needs. The registry assembles
// them when a bot starts.
type Deps struct {
	Bot      config.BotConfig
	Market   types.MarketInfo
	Client   *exchange.Client
	Feed     *pricefeed.Feed
	Ring     *history.Ring
	Exec     *executor.Executor
	Store    *store.Store
	Kill     *risk.Killswitch
	Daily    *risk.DailyLoss
	Bus      Publisher
	Settings SettingsSource
	Logger   *slog.Logger

	// Trades is the authenticated user-channel fill stream. Nil when the
	// bot trades dry-run or the stream is disabled; exchange trade events
	// take precedence over the synchronous order response for settlement
	// confirmation.
	Trades <-chan types.WSTradeEvent
}

type cmdKind int

const (
	cmdPause cmdKind = iota
	cmdResume
	cmdManualTrade
	cmdClose
	cmdSetTarget
)

type command struct {
	kind   cmdKind
	side   types.Side
	amount float64
	target strategy.Target
	reply  chan error
}

// dispatchResult returns from the dispatch goroutine to the loop.
type dispatchResult struct {
	decision  *strategy.Decision
	rejection *risk.Rejection
	result    types.OrderResult
	warning   string
}

// Session is one running bot.
type Session struct {
	bot    config.BotConfig
	market types.MarketInfo

	machine *strategy.Machine
	feed    *pricefeed.Feed
	ring    *history.Ring
	exec    *executor.Executor
	client  *exchange.Client
	store   *store.Store
	kill    *risk.Killswitch
	daily   *risk.DailyLoss
	bus     Publisher
	setting SettingsSource
	logger  *slog.Logger

	commands chan command
	execCh   chan dispatchResult
	trades   <-chan types.WSTradeEvent

	// Owned by the Run goroutine.
	lastUpdate     types.PriceUpdate
	warm           bool
	paused         bool
	inFlight       bool
	cancelDispatch context.CancelFunc
	sessionTrades  int
	sessionPnL     decimal.Decimal
	lastSignalTime time.Time
	lastExitTime   time.Time
	sigFailures    int
	fatalErr       string

	// Guarded view of loop-owned state, refreshed by syncView.
	mu          sync.RWMutex
	status      Status
	statusErr   string
	closeOnStop bool
	activities  []types.Activity
	settlement  store.SettlementRecord
	lastSpike   spike.Result
	viewState   strategy.State
	viewPos     *strategy.Position
	viewTarget  *strategy.Target
	viewUpdate  types.PriceUpdate
	viewPnL     decimal.Decimal
	viewTrades  int
}

// syncView copies loop-owned state into the guarded view so Snapshot
// never touches the machine concurrently with the loop.
func (s *Session) syncView() {
	s.mu.Lock()
	s.viewState = s.machine.State()
	s.viewPos = s.machine.Position()
	s.viewTarget = s.machine.Target()
	s.viewUpdate = s.lastUpdate
	s.viewPnL = s.sessionPnL
	s.viewTrades = s.sessionTrades
	s.mu.Unlock()
}

// New creates a session in the created state and surfaces any position
// recovered from a previous run as a system activity. Recovered
// positions are never re-opened automatically.
func New(d Deps) *Session {
	s := &Session{
		bot:      d.Bot,
		market:   d.Market,
		machine:  strategy.NewMachine(d.Bot),
		feed:     d.Feed,
		ring:     d.Ring,
		exec:     d.Exec,
		client:   d.Client,
		store:    d.Store,
		kill:     d.Kill,
		daily:    d.Daily,
		bus:      d.Bus,
		setting:  d.Settings,
		logger:   d.Logger.With("component", "session", "bot_id", d.Bot.ID),
		commands: make(chan command, 8),
		execCh:   make(chan dispatchResult, 1),
		trades:   d.Trades,
		status:   StatusCreated,
	}

	if rec, err := d.Store.LoadSettlement(d.Bot.ID); err == nil {
		s.settlement = *rec
		s.sessionPnL = decimal.Zero
		if rec.OpenPosition != nil {
			s.record(types.ActSystem, "recovered-open-position", map[string]any{
				"side":        rec.OpenPosition.Side,
				"entry_price": rec.OpenPosition.EntryPrice,
				"shares":      rec.OpenPosition.Shares,
			})
			s.logger.Warn("found open position from previous run, manual close required",
				"entry_price", rec.OpenPosition.EntryPrice)
		}
	} else {
		s.settlement = store.SettlementRecord{BotID: d.Bot.ID}
	}
	return s
}

// Bot returns the session's config (with the wallet secret redacted).
func (s *Session) Bot() config.BotConfig { return s.bot.Redacted() }

// Status returns the lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) setStatus(st Status, errMsg string) {
	s.mu.Lock()
	s.status = st
	s.statusErr = errMsg
	s.mu.Unlock()
}

// CloseOnStop asks the session to close its open position when it stops.
// The registry sets it before cancelling when killswitch_on_shutdown is
// enabled; a plain stop leaves the position persisted for recovery.
func (s *Session) CloseOnStop() {
	s.mu.Lock()
	s.closeOnStop = true
	s.mu.Unlock()
}

// Pause suspends decision making; price tracking continues.
func (s *Session) Pause(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdPause})
}

// Resume re-enables decision making.
func (s *Session) Resume(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdResume})
}

// ManualTrade requests an operator-initiated order.
func (s *Session) ManualTrade(ctx context.Context, side types.Side, amountUSD float64) error {
	return s.send(ctx, command{kind: cmdManualTrade, side: side, amount: amountUSD})
}

// ClosePosition requests an immediate close of the open position.
func (s *Session) ClosePosition(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdClose})
}

// SetTarget installs an operator-provided target.
func (s *Session) SetTarget(ctx context.Context, t strategy.Target) error {
	return s.send(ctx, command{kind: cmdSetTarget, target: t})
}

func (s *Session) send(ctx context.Context, cmd command) error {
	if s.Status() != StatusRunning && s.Status() != StatusPaused {
		return fmt.Errorf("bot is not running")
	}
	cmd.reply = make(chan error, 1)
	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// record appends an activity to the bounded ring and broadcasts it.
func (s *Session) record(kind types.ActivityKind, msg string, details map[string]any) {
	act := types.Activity{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		BotID:     s.bot.ID,
		Kind:      kind,
		Message:   msg,
		Details:   details,
	}

	s.mu.Lock()
	s.activities = append(s.activities, act)
	if len(s.activities) > activityCapacity {
		s.activities = s.activities[len(s.activities)-activityCapacity:]
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(types.Event{
			Type:      types.EvtActivity,
			BotID:     s.bot.ID,
			Timestamp: act.Timestamp,
			Data:      act,
		})
	}
}

// Activities returns up to limit most recent activities, newest first.
func (s *Session) Activities(limit int) []types.Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.activities)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]types.Activity, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.activities[i])
	}
	return out
}

// SpikeStatus returns the most recent detector evaluation.
func (s *Session) SpikeStatus() spike.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSpike
}

// ChartData returns up to n recent price samples.
func (s *Session) ChartData(n int) []types.PricePoint {
	return s.ring.Recent(n)
}

// Snapshot is the dashboard view of one bot.
type Snapshot struct {
	Bot           config.BotConfig       `json:"bot"`
	Market        types.MarketInfo       `json:"market"`
	Status        Status                 `json:"status"`
	StatusError   string                 `json:"status_error,omitempty"`
	State         strategy.State         `json:"state"`
	Position      *strategy.Position     `json:"position,omitempty"`
	Target        *strategy.Target       `json:"target,omitempty"`
	LastPrice     float64                `json:"last_price"`
	LastPriceTime time.Time              `json:"last_price_time"`
	Fallback      bool                   `json:"fallback_pricing"`
	SessionPnLUSD float64                `json:"session_pnl_usd"`
	SessionTrades int                    `json:"session_trades"`
	Settlement    store.SettlementRecord `json:"settlement"`
}

// Snapshot returns the current dashboard view from the guarded copies
// the loop maintains.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pnl, _ := s.viewPnL.Float64()
	snap := Snapshot{
		Bot:           s.bot.Redacted(),
		Market:        s.market,
		Status:        s.status,
		StatusError:   s.statusErr,
		State:         s.viewState,
		Target:        s.viewTarget,
		LastPrice:     s.viewUpdate.Price,
		LastPriceTime: s.viewUpdate.Timestamp,
		Fallback:      s.viewUpdate.Fallback,
		SessionPnLUSD: pnl,
		SessionTrades: s.viewTrades,
		Settlement:    s.settlement,
	}
	if snap.State == "" {
		snap.State = strategy.StateFlat
	}
	snap.Position = s.viewPos
	return snap
}

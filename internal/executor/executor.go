// Package executor turns admitted decisions into exchange orders.
//
// The executor owns all order placement I/O and its retry timing, keeping
// the session's decision loop free of blocking calls. Transient failures
// (network, 5xx, timeouts) are retried with exponential backoff; permanent
// rejections stop immediately. Each decision ID executes at most once:
// re-submitting a completed decision returns the recorded result.
//
// In dry-run mode no exchange call is made at all; a fill is synthesized
// at the current stream price and marked simulated.
package executor

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"polymarket-trainbot/internal/exchange"
	"polymarket-trainbot/internal/strategy"
	"polymarket-trainbot/pkg/types"
)

const (
	maxAttempts      = 4
	initialBackoff   = 250 * time.Millisecond
	simShareDecimals = 1000 // dry-run share truncation, 3 decimals
)

// Placer is the slice of the exchange client the executor needs.
type Placer interface {
	PlaceOrder(ctx context.Context, auth *exchange.Auth, req types.OrderRequest) types.OrderResult
}

// Executor places orders for one bot.
type Executor struct {
	client   Placer
	auth     *exchange.Auth
	tokenID  string
	tickSize types.TickSize
	dryRun   bool
	logger   *slog.Logger

	mu   sync.Mutex
	done map[uint64]types.OrderResult
}

// New creates an executor. auth may be nil in dry-run mode.
func New(client Placer, auth *exchange.Auth, tokenID string, tickSize types.TickSize, dryRun bool, logger *slog.Logger) *Executor {
	return &Executor{
		client:   client,
		auth:     auth,
		tokenID:  tokenID,
		tickSize: tickSize,
		dryRun:   dryRun,
		logger:   logger.With("component", "executor"),
		done:     make(map[uint64]types.OrderResult),
	}
}

// Auth returns the wallet auth used for placement. Nil in dry-run.
func (e *Executor) Auth() *exchange.Auth { return e.auth }

// Execute places the order for a decision. streamPrice is the current
// merged feed price, used for dry-run fills. Duplicate submissions of the
// same decision ID return the original result without placing again.
func (e *Executor) Execute(ctx context.Context, d *strategy.Decision, streamPrice float64) types.OrderResult {
	e.mu.Lock()
	if res, ok := e.done[d.ID]; ok {
		e.mu.Unlock()
		return res
	}
	e.mu.Unlock()

	var res types.OrderResult
	if e.dryRun {
		res = e.simulate(d, streamPrice)
	} else {
		res = e.place(ctx, d)
	}

	e.mu.Lock()
	e.done[d.ID] = res
	e.mu.Unlock()
	return res
}

// simulate synthesizes a fill at the stream price without touching the
// exchange. Shares are truncated to 3 decimals like the exchange reports.
func (e *Executor) simulate(d *strategy.Decision, streamPrice float64) types.OrderResult {
	if streamPrice <= 0 || streamPrice >= 1 {
		return types.OrderResult{
			Status:    types.OrderRejected,
			Reason:    types.ReasonNotRetryable,
			Message:   "no valid stream price for simulated fill",
			Simulated: true,
		}
	}

	shares := math.Floor(d.AmountUSD/streamPrice*simShareDecimals) / simShareDecimals
	e.logger.Info("simulated fill",
		"decision_id", d.ID,
		"side", d.Action,
		"price", streamPrice,
		"shares", shares)

	return types.OrderResult{
		Status:     types.OrderFilled,
		FillPrice:  streamPrice,
		FillShares: shares,
		OrderID:    "sim-" + strconv.FormatUint(d.ID, 10),
		Simulated:  true,
	}
}

// place submits the order with retries. Only transient outcomes retry;
// the backoff doubles from 250ms per attempt.
func (e *Executor) place(ctx context.Context, d *strategy.Decision) types.OrderResult {
	req := types.OrderRequest{
		TokenID:       e.tokenID,
		Side:          d.Action,
		AmountUSD:     d.AmountUSD,
		LimitPrice:    d.LimitPrice,
		TickSize:      e.tickSize,
		ClientOrderID: strconv.FormatUint(d.ID, 10),
	}

	var res types.OrderResult
	backoff := initialBackoff

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res = e.client.PlaceOrder(ctx, e.auth, req)
		if res.Status != types.OrderTransient {
			return res
		}

		e.logger.Warn("order attempt failed, will retry",
			"decision_id", d.ID,
			"attempt", attempt,
			"error", res.Message)

		if attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			res.Message = ctx.Err().Error()
			return res
		}
		backoff *= 2
	}

	e.logger.Error("order failed after all attempts", "decision_id", d.ID, "error", res.Message)
	return res
}

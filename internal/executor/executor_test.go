package executor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"polymarket-trainbot/internal/exchange"
	"polymarket-trainbot/internal/strategy"
	"polymarket-trainbot/pkg/types"
)

type fakePlacer struct {
	mu      sync.Mutex
	calls   int
	results []types.OrderResult
}

func (f *fakePlacer) PlaceOrder(ctx context.Context, auth *exchange.Auth, req types.OrderRequest) types.OrderResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	f.calls++
	return res
}

func (f *fakePlacer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buyDecision(id uint64) *strategy.Decision {
	return &strategy.Decision{
		ID:         id,
		Action:     types.BUY,
		AmountUSD:  5,
		LimitPrice: 0.50,
		OpensSide:  types.LONG,
		CreatedAt:  time.Now(),
	}
}

func TestDryRunNeverCallsExchange(t *testing.T) {
	t.Parallel()

	placer := &fakePlacer{results: []types.OrderResult{{Status: types.OrderFilled}}}
	e := New(placer, nil, "token", types.Tick001, true, discard())

	res := e.Execute(context.Background(), buyDecision(1), 0.482)

	if placer.callCount() != 0 {
		t.Fatalf("dry-run placed %d real orders", placer.callCount())
	}
	if res.Status != types.OrderFilled || !res.Simulated {
		t.Fatalf("simulated fill = %+v", res)
	}
	if res.FillPrice != 0.482 {
		t.Errorf("fill price = %v, want stream price 0.482", res.FillPrice)
	}
	// floor(5/0.482·1000)/1000 = 10.373
	if res.FillShares != 10.373 {
		t.Errorf("fill shares = %v, want 10.373", res.FillShares)
	}
	if res.OrderID != "sim-1" {
		t.Errorf("order id = %q, want sim-1", res.OrderID)
	}
}

func TestDryRunRejectsInvalidStreamPrice(t *testing.T) {
	t.Parallel()

	e := New(&fakePlacer{}, nil, "token", types.Tick001, true, discard())

	for _, price := range []float64{0, -0.1, 1, 1.5} {
		res := e.Execute(context.Background(), buyDecision(uint64(100+int(price*10))), price)
		if res.Status != types.OrderRejected || res.Reason != types.ReasonNotRetryable {
			t.Errorf("price %v: result = %+v, want permanent rejection", price, res)
		}
	}
}

// A transient first attempt retries and succeeds on the second.
func TestTransientThenFilled(t *testing.T) {
	t.Parallel()

	placer := &fakePlacer{results: []types.OrderResult{
		{Status: types.OrderTransient, Message: "502 bad gateway"},
		{Status: types.OrderFilled, FillPrice: 0.501, FillShares: 9.98, OrderID: "ord-1"},
	}}
	e := New(placer, &exchange.Auth{}, "token", types.Tick001, false, discard())

	res := e.Execute(context.Background(), buyDecision(1), 0.50)

	if placer.callCount() != 2 {
		t.Fatalf("attempts = %d, want 2", placer.callCount())
	}
	if res.Status != types.OrderFilled || res.FillPrice != 0.501 || res.FillShares != 9.98 {
		t.Fatalf("result = %+v", res)
	}
}

func TestPermanentRejectionStopsImmediately(t *testing.T) {
	t.Parallel()

	placer := &fakePlacer{results: []types.OrderResult{
		{Status: types.OrderRejected, Reason: types.ReasonNotRetryable, Message: "invalid order"},
	}}
	e := New(placer, &exchange.Auth{}, "token", types.Tick001, false, discard())

	res := e.Execute(context.Background(), buyDecision(1), 0.50)

	if placer.callCount() != 1 {
		t.Fatalf("attempts = %d, want 1", placer.callCount())
	}
	if res.Status != types.OrderRejected {
		t.Fatalf("result = %+v", res)
	}
}

func TestRetriesExhaust(t *testing.T) {
	t.Parallel()

	placer := &fakePlacer{results: []types.OrderResult{
		{Status: types.OrderTransient, Message: "timeout"},
	}}
	e := New(placer, &exchange.Auth{}, "token", types.Tick001, false, discard())

	res := e.Execute(context.Background(), buyDecision(1), 0.50)

	if placer.callCount() != maxAttempts {
		t.Fatalf("attempts = %d, want %d", placer.callCount(), maxAttempts)
	}
	if res.Status != types.OrderTransient {
		t.Fatalf("result = %+v", res)
	}
}

// Re-submitting a completed decision returns the recorded result without
// touching the exchange again.
func TestIdempotencyPerDecisionID(t *testing.T) {
	t.Parallel()

	placer := &fakePlacer{results: []types.OrderResult{
		{Status: types.OrderFilled, FillPrice: 0.50, FillShares: 10, OrderID: "ord-1"},
	}}
	e := New(placer, &exchange.Auth{}, "token", types.Tick001, false, discard())

	d := buyDecision(7)
	first := e.Execute(context.Background(), d, 0.50)
	second := e.Execute(context.Background(), d, 0.60)

	if placer.callCount() != 1 {
		t.Fatalf("attempts = %d, want 1", placer.callCount())
	}
	if second != first {
		t.Fatalf("replay result %+v differs from original %+v", second, first)
	}

	// A fresh decision ID places again.
	e.Execute(context.Background(), buyDecision(8), 0.50)
	if placer.callCount() != 2 {
		t.Fatalf("attempts = %d, want 2 after new decision", placer.callCount())
	}
}

func TestContextCancelAbortsBackoff(t *testing.T) {
	t.Parallel()

	placer := &fakePlacer{results: []types.OrderResult{
		{Status: types.OrderTransient, Message: "timeout"},
	}}
	e := New(placer, &exchange.Auth{}, "token", types.Tick001, false, discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	res := e.Execute(ctx, buyDecision(1), 0.50)

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancelled execute took %v", elapsed)
	}
	if placer.callCount() != 1 {
		t.Fatalf("attempts = %d, want 1", placer.callCount())
	}
	if res.Status != types.OrderTransient {
		t.Fatalf("result = %+v", res)
	}
}

package pricefeed

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"polymarket-trainbot/internal/history"
	"polymarket-trainbot/pkg/types"
)

var feedT0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type stubPoller struct {
	price float64
	err   error
	calls int
}

func (p *stubPoller) GetMarketPrice(ctx context.Context, tokenID string) (float64, error) {
	p.calls++
	return p.price, p.err
}

func newTestFeed(t *testing.T) *Feed {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New("token-1", &stubPoller{}, nil, nil, history.NewRing(100), logger)
}

func drain(f *Feed) []types.PriceUpdate {
	var out []types.PriceUpdate
	for {
		select {
		case upd := <-f.Updates():
			out = append(out, upd)
		default:
			return out
		}
	}
}

func TestEmitSequencesAndRecords(t *testing.T) {
	t.Parallel()

	f := newTestFeed(t)
	f.emit(0.50, feedT0, types.SourceStream)
	f.emit(0.51, feedT0.Add(time.Second), types.SourceStream)
	f.emit(0.52, feedT0.Add(2*time.Second), types.SourceStream)

	got := drain(f)
	if len(got) != 3 {
		t.Fatalf("emissions = %d, want 3", len(got))
	}
	for i, upd := range got {
		if upd.Seq != uint64(i+1) {
			t.Errorf("seq[%d] = %d, want %d", i, upd.Seq, i+1)
		}
	}
	if f.ring.Len() != 3 {
		t.Errorf("ring samples = %d, want 3", f.ring.Len())
	}
}

func TestEmitRejectsOutOfBoundsPrices(t *testing.T) {
	t.Parallel()

	f := newTestFeed(t)
	for _, p := range []float64{0, -0.2, 1, 1.3} {
		f.emit(p, feedT0, types.SourceStream)
	}
	if got := drain(f); len(got) != 0 {
		t.Fatalf("out-of-bounds prices emitted: %+v", got)
	}
}

// An unchanged price repeats at most once per second.
func TestEmitDedupesUnchangedPrice(t *testing.T) {
	t.Parallel()

	f := newTestFeed(t)
	f.emit(0.50, feedT0, types.SourceStream)
	f.emit(0.50, feedT0.Add(200*time.Millisecond), types.SourceStream)
	f.emit(0.50, feedT0.Add(900*time.Millisecond), types.SourceStream)
	f.emit(0.50, feedT0.Add(1100*time.Millisecond), types.SourceStream)

	got := drain(f)
	if len(got) != 2 {
		t.Fatalf("emissions = %d, want 2 (first + heartbeat)", len(got))
	}

	// A changed price always passes, regardless of spacing.
	f.emit(0.51, feedT0.Add(1150*time.Millisecond), types.SourceStream)
	if got := drain(f); len(got) != 1 {
		t.Fatalf("changed price deduped")
	}
}

// Stale or duplicate source timestamps are clamped forward so the series
// stays strictly ordered.
func TestEmitClampsTimestamps(t *testing.T) {
	t.Parallel()

	f := newTestFeed(t)
	f.emit(0.50, feedT0, types.SourceStream)
	f.emit(0.51, feedT0, types.SourceStream)                   // duplicate ts
	f.emit(0.52, feedT0.Add(-time.Second), types.SourceStream) // regressed ts
	f.emit(0.53, feedT0.Add(5*time.Second), types.SourceStream)

	got := drain(f)
	if len(got) != 4 {
		t.Fatalf("emissions = %d, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Errorf("timestamp[%d] %v not after %v", i, got[i].Timestamp, got[i-1].Timestamp)
		}
	}
	if want := feedT0.Add(time.Millisecond); !got[1].Timestamp.Equal(want) {
		t.Errorf("clamped ts = %v, want %v", got[1].Timestamp, want)
	}
}

func TestLastTradeEventEmits(t *testing.T) {
	t.Parallel()

	f := newTestFeed(t)
	f.handleMarketEvent(types.MarketEvent{
		Kind:      types.EventLastTrade,
		TokenID:   "token-1",
		Price:     0.482,
		Timestamp: feedT0,
	})

	got := drain(f)
	if len(got) != 1 || got[0].Price != 0.482 || got[0].Source != types.SourceStream {
		t.Fatalf("emissions = %+v", got)
	}
}

func TestEventsForOtherTokensIgnored(t *testing.T) {
	t.Parallel()

	f := newTestFeed(t)
	f.handleMarketEvent(types.MarketEvent{
		Kind:      types.EventLastTrade,
		TokenID:   "token-2",
		Price:     0.9,
		Timestamp: feedT0,
	})
	if got := drain(f); len(got) != 0 {
		t.Fatalf("foreign token emitted: %+v", got)
	}
}

// Book events price at the midpoint only while the spread is tight; a
// spread above 0.10 produces no emission.
func TestBookEventMidpointRule(t *testing.T) {
	t.Parallel()

	f := newTestFeed(t)
	f.handleMarketEvent(types.MarketEvent{
		Kind:      types.EventBook,
		TokenID:   "token-1",
		BestBid:   0.48,
		BestAsk:   0.52,
		Timestamp: feedT0,
	})

	got := drain(f)
	if len(got) != 1 || got[0].Price != 0.50 {
		t.Fatalf("midpoint emission = %+v, want price 0.50", got)
	}
	if got[0].BestBid != 0.48 || got[0].BestAsk != 0.52 {
		t.Errorf("quote carried = %v/%v", got[0].BestBid, got[0].BestAsk)
	}

	// Wide spread: remember the quote but emit nothing.
	f.handleMarketEvent(types.MarketEvent{
		Kind:      types.EventPriceChange,
		TokenID:   "token-1",
		BestBid:   0.30,
		BestAsk:   0.55,
		Timestamp: feedT0.Add(time.Second),
	})
	if got := drain(f); len(got) != 0 {
		t.Fatalf("wide spread emitted: %+v", got)
	}
	if f.bestBid != 0.30 || f.bestAsk != 0.55 {
		t.Errorf("quote not retained: %v/%v", f.bestBid, f.bestAsk)
	}

	// Unchanged quote: no re-emission.
	f.handleMarketEvent(types.MarketEvent{
		Kind:      types.EventBook,
		TokenID:   "token-1",
		BestBid:   0.30,
		BestAsk:   0.55,
		Timestamp: feedT0.Add(2 * time.Second),
	})
	if got := drain(f); len(got) != 0 {
		t.Fatalf("unchanged quote emitted: %+v", got)
	}
}

func TestCurrentBeforeWarmup(t *testing.T) {
	t.Parallel()

	f := newTestFeed(t)
	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)
	defer cancel()

	cctx, ccancel := context.WithTimeout(context.Background(), time.Second)
	defer ccancel()
	if _, ok := f.Current(cctx); ok {
		t.Error("Current reported warm before any emission")
	}
}

func TestRunServesCurrentAfterEvent(t *testing.T) {
	t.Parallel()

	events := make(chan types.MarketEvent, 1)
	states := make(chan bool, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := New("token-1", &stubPoller{}, events, states, history.NewRing(100), logger)

	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)
	defer cancel()

	events <- types.MarketEvent{
		Kind:      types.EventLastTrade,
		TokenID:   "token-1",
		Price:     0.482,
		Timestamp: feedT0,
	}

	select {
	case upd := <-f.Updates():
		if upd.Price != 0.482 || upd.Seq != 1 {
			t.Fatalf("update = %+v", upd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update from Run loop")
	}

	cctx, ccancel := context.WithTimeout(context.Background(), time.Second)
	defer ccancel()
	upd, ok := f.Current(cctx)
	if !ok || upd.Price != 0.482 {
		t.Fatalf("Current = %+v ok=%v", upd, ok)
	}
}

func TestOutageTransitionReportedOnce(t *testing.T) {
	t.Parallel()

	f := newTestFeed(t)
	f.reportOutageOnce()
	f.reportOutageOnce()

	select {
	case down := <-f.Outages():
		if !down {
			t.Error("first outage signal should be down=true")
		}
	default:
		t.Fatal("no outage signal")
	}
	select {
	case <-f.Outages():
		t.Fatal("outage reported twice")
	default:
	}

	// A fresh stream emission clears the outage and signals recovery.
	f.streamConnected = true
	f.emit(0.50, feedT0, types.SourceStream)
	select {
	case down := <-f.Outages():
		if down {
			t.Error("recovery signal should be down=false")
		}
	default:
		t.Fatal("no recovery signal")
	}
}

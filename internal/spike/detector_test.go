package spike

import (
	"math"
	"testing"
	"time"

	"polymarket-trainbot/internal/history"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func cfg() Config {
	return Config{
		WindowsSeconds: []int{600},
		ThresholdPct:   3.0,
	}
}

func TestNoSpikeWithoutHistory(t *testing.T) {
	t.Parallel()

	ring := history.NewRing(100)
	res := Evaluate(cfg(), ring, t0, 0.50)
	if res.Spike {
		t.Error("spike signalled with empty history")
	}
	if len(res.Windows) != 0 {
		t.Errorf("windows = %d, want 0", len(res.Windows))
	}
}

func TestDownSpikeDetected(t *testing.T) {
	t.Parallel()

	ring := history.NewRing(100)
	ring.Append(t0, 0.500)
	ring.Append(t0.Add(30*time.Second), 0.500)
	ring.Append(t0.Add(600*time.Second), 0.500)

	now := t0.Add(601 * time.Second)
	res := Evaluate(cfg(), ring, now, 0.482)

	if !res.Spike {
		t.Fatalf("no spike: %+v", res)
	}
	if res.Direction != DirectionDown {
		t.Errorf("direction = %s, want down", res.Direction)
	}
	wantChange := 100 * (0.482 - 0.500) / 0.500 // -3.6
	if math.Abs(res.MaxChangePct-wantChange) > 1e-9 {
		t.Errorf("change = %v, want %v", res.MaxChangePct, wantChange)
	}
}

func TestUpSpikeDetected(t *testing.T) {
	t.Parallel()

	ring := history.NewRing(100)
	ring.Append(t0, 0.600)
	ring.Append(t0.Add(300*time.Second), 0.600)

	res := Evaluate(cfg(), ring, t0.Add(601*time.Second), 0.625)
	if !res.Spike || res.Direction != DirectionUp {
		t.Fatalf("want up spike, got %+v", res)
	}
}

func TestBelowThresholdNoSpike(t *testing.T) {
	t.Parallel()

	ring := history.NewRing(100)
	ring.Append(t0, 0.500)

	res := Evaluate(cfg(), ring, t0.Add(600*time.Second), 0.510) // +2%
	if res.Spike {
		t.Errorf("spike at +2%% with 3%% threshold: %+v", res)
	}
}

// A choppy market suppresses the signal even when a window clears the
// threshold.
func TestVolatilityGateSuppresses(t *testing.T) {
	t.Parallel()

	c := Config{
		WindowsSeconds:      []int{600},
		ThresholdPct:        3.0,
		UseVolatilityFilter: true,
		MaxVolatilityCV:     0.5,
	}

	ring := history.NewRing(1000)
	// Oscillating prices inside the window: high CV.
	for i := 0; i < 60; i++ {
		p := 0.50
		if i%2 == 1 {
			p = 0.54
		}
		ring.Append(t0.Add(time.Duration(i*10)*time.Second), p)
	}

	now := t0.Add(600 * time.Second)
	res := Evaluate(c, ring, now, 0.54) // +8% over window base

	if res.Spike {
		t.Fatalf("spike signalled despite volatility gate: cv=%v", res.VolatilityCV)
	}
	if !res.VolatilityFiltered {
		t.Error("VolatilityFiltered not set")
	}
	if res.VolatilityCV <= c.MaxVolatilityCV {
		t.Errorf("cv = %v, expected above %v", res.VolatilityCV, c.MaxVolatilityCV)
	}
}

func TestCalmMarketPassesVolatilityGate(t *testing.T) {
	t.Parallel()

	c := Config{
		WindowsSeconds:      []int{600},
		ThresholdPct:        3.0,
		UseVolatilityFilter: true,
		MaxVolatilityCV:     10.0,
	}

	ring := history.NewRing(1000)
	for i := 0; i < 60; i++ {
		ring.Append(t0.Add(time.Duration(i*10)*time.Second), 0.50)
	}

	res := Evaluate(c, ring, t0.Add(600*time.Second), 0.54)
	if !res.Spike {
		t.Fatalf("calm market suppressed: %+v", res)
	}
}

// With equal magnitudes across windows, the shorter window wins.
func TestShorterWindowWinsTie(t *testing.T) {
	t.Parallel()

	c := Config{
		WindowsSeconds: []int{60, 600},
		ThresholdPct:   3.0,
	}

	ring := history.NewRing(1000)
	ring.Append(t0, 0.500)                      // base for the 600s window
	ring.Append(t0.Add(540*time.Second), 0.500) // base for the 60s window

	res := Evaluate(c, ring, t0.Add(600*time.Second), 0.520)
	if !res.Spike {
		t.Fatalf("no spike: %+v", res)
	}
	if res.MaxChangeWindowSec != 60 {
		t.Errorf("winning window = %d, want 60", res.MaxChangeWindowSec)
	}
	if len(res.Windows) != 2 {
		t.Errorf("windows evaluated = %d, want 2", len(res.Windows))
	}
}

func TestLargerMagnitudeWinsAcrossWindows(t *testing.T) {
	t.Parallel()

	c := Config{
		WindowsSeconds: []int{60, 600},
		ThresholdPct:   3.0,
	}

	ring := history.NewRing(1000)
	ring.Append(t0, 0.400)                      // 600s base: +30% to 0.52
	ring.Append(t0.Add(540*time.Second), 0.500) // 60s base: +4%

	res := Evaluate(c, ring, t0.Add(600*time.Second), 0.520)
	if res.MaxChangeWindowSec != 600 {
		t.Errorf("winning window = %d, want 600", res.MaxChangeWindowSec)
	}
}

func TestCoefficientOfVariationFewSamples(t *testing.T) {
	t.Parallel()

	ring := history.NewRing(10)
	ring.Append(t0, 0.50)

	samples := ring.SamplesInRange(t0.Add(-time.Minute), t0.Add(time.Minute))
	if cv := coefficientOfVariation(samples); cv != 0 {
		t.Errorf("cv with 1 sample = %v, want 0", cv)
	}
}

// Package spike implements multi-window spike detection with a volatility
// gate.
//
// For each configured lookback window the detector compares the current
// price to the most recent sample at or before the window start and keeps
// the change with the largest magnitude. A high coefficient of variation
// over the shortest window marks the market as choppy and suppresses the
// signal, so the strategy only fades directional moves, not noise.
//
// The detector is stateless: every evaluation reads the history ring
// fresh, so appending samples that don't change the best candidate window
// cannot change the verdict.
package spike

import (
	"math"
	"time"

	"polymarket-trainbot/internal/history"
	"polymarket-trainbot/pkg/types"
)

// Direction of a detected spike.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Config holds the detector parameters for one bot.
type Config struct {
	WindowsSeconds      []int   // lookback windows, strictly increasing
	ThresholdPct        float64 // minimum |change| to signal
	UseVolatilityFilter bool
	MaxVolatilityCV     float64 // CV ceiling over the shortest window
}

// WindowChange is the evaluated change for one window.
type WindowChange struct {
	WindowSec int     `json:"window_sec"`
	BasePrice float64 `json:"base_price"`
	ChangePct float64 `json:"change_pct"`
}

// Result is one detector evaluation. Spike is set iff the worst change
// meets the threshold and the volatility gate passed.
type Result struct {
	Windows            []WindowChange `json:"windows"` // only windows with enough history
	MaxChangePct       float64        `json:"max_change_pct"`
	MaxChangeWindowSec int            `json:"max_change_window_sec"`
	VolatilityCV       float64        `json:"volatility_cv"`
	VolatilityFiltered bool           `json:"is_volatility_filtered"`
	Spike              bool           `json:"spike"`
	Direction          Direction      `json:"direction,omitempty"`
}

// Evaluate runs spike detection against the ring at the given price/time.
// Windows without history are skipped; if no window is evaluable the
// result is empty with Spike=false.
func Evaluate(cfg Config, ring *history.Ring, now time.Time, price float64) Result {
	var res Result

	for _, w := range cfg.WindowsSeconds {
		base, ok := ring.PriceAtOrBefore(now.Add(-time.Duration(w) * time.Second))
		if !ok || base.Price <= 0 {
			continue
		}

		change := 100 * (price - base.Price) / base.Price
		res.Windows = append(res.Windows, WindowChange{
			WindowSec: w,
			BasePrice: base.Price,
			ChangePct: change,
		})

		// Largest magnitude wins; on a tie the shorter window wins, which
		// the strictly-increasing window order gives us for free.
		if math.Abs(change) > math.Abs(res.MaxChangePct) {
			res.MaxChangePct = change
			res.MaxChangeWindowSec = w
		}
	}

	if len(res.Windows) == 0 {
		return res
	}

	if cfg.UseVolatilityFilter && len(cfg.WindowsSeconds) > 0 {
		shortest := cfg.WindowsSeconds[0]
		samples := ring.SamplesInRange(now.Add(-time.Duration(shortest)*time.Second), now)
		res.VolatilityCV = coefficientOfVariation(samples)
		if res.VolatilityCV > cfg.MaxVolatilityCV {
			res.VolatilityFiltered = true
			return res
		}
	}

	if math.Abs(res.MaxChangePct) >= cfg.ThresholdPct {
		res.Spike = true
		if res.MaxChangePct > 0 {
			res.Direction = DirectionUp
		} else {
			res.Direction = DirectionDown
		}
	}
	return res
}

// coefficientOfVariation returns 100·stdev/mean over the sample prices,
// or 0 with fewer than 2 samples.
func coefficientOfVariation(samples []types.PricePoint) float64 {
	if len(samples) < 2 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += s.Price
	}
	mean := sum / float64(len(samples))
	if mean == 0 {
		return 0
	}

	var sq float64
	for _, s := range samples {
		d := s.Price - mean
		sq += d * d
	}
	stdev := math.Sqrt(sq / float64(len(samples)))

	return 100 * stdev / mean
}

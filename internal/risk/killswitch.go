package risk

import (
	"sync"
	"sync/atomic"
	"time"
)

// Killswitch is the process-wide hard stop. Once engaged, every bot's
// validator rejects new entries; exits still go through. Shared by all
// sessions, flipped from the API.
type Killswitch struct {
	engaged atomic.Bool
}

// Engage flips the switch on. Idempotent.
func (k *Killswitch) Engage() { k.engaged.Store(true) }

// Reset flips the switch off.
func (k *Killswitch) Reset() { k.engaged.Store(false) }

// Engaged reports the current state.
func (k *Killswitch) Engaged() bool { return k.engaged.Load() }

// DailyLoss accumulates realized P&L across all bots for the current UTC
// day and rolls over at midnight.
type DailyLoss struct {
	mu    sync.Mutex
	day   string
	total float64
}

// Add records realized P&L at the given time.
func (d *DailyLoss) Add(pnlUSD float64, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roll(now)
	d.total += pnlUSD
}

// Total returns today's realized P&L.
func (d *DailyLoss) Total(now time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roll(now)
	return d.total
}

func (d *DailyLoss) roll(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != d.day {
		d.day = day
		d.total = 0
	}
}

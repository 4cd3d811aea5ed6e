package history

import (
	"testing"
	"time"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fill(r *Ring, prices []float64) {
	for i, p := range prices {
		r.Append(base.Add(time.Duration(i)*time.Second), p)
	}
}

func TestAppendAndLen(t *testing.T) {
	t.Parallel()

	r := NewRing(10)
	if r.Len() != 0 {
		t.Fatalf("new ring Len = %d, want 0", r.Len())
	}

	fill(r, []float64{0.50, 0.51, 0.52})
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}

	last, ok := r.Last()
	if !ok || last.Price != 0.52 {
		t.Fatalf("Last = %+v ok=%v, want price 0.52", last, ok)
	}
}

func TestEvictionKeepsNewest(t *testing.T) {
	t.Parallel()

	r := NewRing(3)
	fill(r, []float64{0.10, 0.20, 0.30, 0.40, 0.50})

	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
	got := r.Recent(3)
	want := []float64{0.30, 0.40, 0.50}
	for i, p := range want {
		if got[i].Price != p {
			t.Errorf("Recent[%d].Price = %v, want %v", i, got[i].Price, p)
		}
	}
}

func TestOutOfOrderTimestampClamped(t *testing.T) {
	t.Parallel()

	r := NewRing(10)
	r.Append(base.Add(10*time.Second), 0.50)
	r.Append(base.Add(5*time.Second), 0.51) // clock stepped backwards

	last, _ := r.Last()
	if last.Timestamp.Before(base.Add(10 * time.Second)) {
		t.Errorf("out-of-order timestamp not clamped: %v", last.Timestamp)
	}
	if last.Price != 0.51 {
		t.Errorf("clamped sample lost its price: %v", last.Price)
	}
}

func TestPriceAtOrBefore(t *testing.T) {
	t.Parallel()

	r := NewRing(100)
	fill(r, []float64{0.40, 0.41, 0.42, 0.43}) // at base+0s..base+3s

	tests := []struct {
		name   string
		target time.Time
		want   float64
		ok     bool
	}{
		{"exact match", base.Add(2 * time.Second), 0.42, true},
		{"between samples", base.Add(2500 * time.Millisecond), 0.42, true},
		{"after newest", base.Add(time.Hour), 0.43, true},
		{"before oldest", base.Add(-time.Second), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.PriceAtOrBefore(tt.target)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got.Price != tt.want {
				t.Errorf("Price = %v, want %v", got.Price, tt.want)
			}
		})
	}
}

func TestPriceAtOrBeforeEmpty(t *testing.T) {
	t.Parallel()

	r := NewRing(10)
	if _, ok := r.PriceAtOrBefore(base); ok {
		t.Error("empty ring returned a sample")
	}
}

func TestSamplesInRange(t *testing.T) {
	t.Parallel()

	r := NewRing(100)
	fill(r, []float64{0.40, 0.41, 0.42, 0.43, 0.44})

	got := r.SamplesInRange(base.Add(time.Second), base.Add(3*time.Second))
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Price != 0.41 || got[2].Price != 0.43 {
		t.Errorf("range = [%v..%v], want [0.41..0.43]", got[0].Price, got[2].Price)
	}

	if s := r.SamplesInRange(base.Add(time.Hour), base.Add(2*time.Hour)); s != nil {
		t.Errorf("out-of-range returned %d samples", len(s))
	}
}

func TestSamplesInRangeAfterWrap(t *testing.T) {
	t.Parallel()

	r := NewRing(4)
	fill(r, []float64{0.10, 0.20, 0.30, 0.40, 0.50, 0.60}) // keeps last 4

	got := r.SamplesInRange(base, base.Add(time.Hour))
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	if got[0].Price != 0.30 || got[3].Price != 0.60 {
		t.Errorf("wrapped range = [%v..%v], want [0.30..0.60]", got[0].Price, got[3].Price)
	}
}

func TestRecentLimits(t *testing.T) {
	t.Parallel()

	r := NewRing(10)
	fill(r, []float64{0.10, 0.20})

	if got := r.Recent(5); len(got) != 2 {
		t.Errorf("Recent(5) len = %d, want 2", len(got))
	}
	if got := r.Recent(0); got != nil {
		t.Errorf("Recent(0) = %v, want nil", got)
	}
}

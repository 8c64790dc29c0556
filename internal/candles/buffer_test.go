package candles

import (
	"testing"
	"time"

	"niftystrategist/pkg/types"
)

var t0 = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

func TestAddTickAggregatesWindow(t *testing.T) {
	t.Parallel()

	b := NewBuffer(5, 200)
	b.AddTick(100, 10, t0)
	b.AddTick(103, 5, t0.Add(time.Minute))
	b.AddTick(99, 5, t0.Add(2*time.Minute))
	b.AddTick(101, 20, t0.Add(4*time.Minute))

	bars := b.Candles()
	if len(bars) != 1 {
		t.Fatalf("len = %d, want 1", len(bars))
	}
	c := bars[0]
	if c.Open != 100 || c.High != 103 || c.Low != 99 || c.Close != 101 {
		t.Fatalf("OHLC = %v/%v/%v/%v, want 100/103/99/101", c.Open, c.High, c.Low, c.Close)
	}
	if c.Volume != 40 {
		t.Fatalf("Volume = %v, want 40", c.Volume)
	}
	if !c.Start.Equal(t0) {
		t.Fatalf("Start = %v, want %v", c.Start, t0)
	}
}

func TestAddTickRollsWindows(t *testing.T) {
	t.Parallel()

	b := NewBuffer(5, 200)
	b.AddTick(100, 1, t0)
	b.AddTick(110, 1, t0.Add(5*time.Minute)) // next window

	bars := b.Candles()
	if len(bars) != 2 {
		t.Fatalf("len = %d, want 2", len(bars))
	}
	if bars[0].Close != 100 || bars[1].Open != 110 {
		t.Fatalf("bars = %+v", bars)
	}
	if got := bars[1].Start; !got.Equal(t0.Add(5 * time.Minute)) {
		t.Fatalf("second bar start = %v", got)
	}
}

func TestLateTickIsDropped(t *testing.T) {
	t.Parallel()

	b := NewBuffer(5, 200)
	b.AddTick(100, 1, t0.Add(5*time.Minute))
	b.AddTick(999, 1, t0) // earlier window

	bars := b.Candles()
	if len(bars) != 1 || bars[0].High == 999 {
		t.Fatalf("late tick mutated the buffer: %+v", bars)
	}
}

func TestSeededBarsAreImmutable(t *testing.T) {
	t.Parallel()

	b := NewBuffer(5, 200)
	b.Seed([]types.HistoricalCandle{
		{Timestamp: t0, Open: 100, High: 105, Low: 95, Close: 102, Volume: 500},
	})

	// A tick landing in the seeded window must not rewrite history.
	b.AddTick(999, 1, t0.Add(time.Minute))

	bars := b.Candles()
	if len(bars) != 1 {
		t.Fatalf("len = %d, want 1", len(bars))
	}
	if bars[0].High != 105 || bars[0].Close != 102 {
		t.Fatalf("seeded bar was mutated: %+v", bars[0])
	}

	// The next window aggregates normally again.
	b.AddTick(110, 1, t0.Add(5*time.Minute))
	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2", b.Len())
	}
}

func TestRingTrimsOldest(t *testing.T) {
	t.Parallel()

	b := NewBuffer(1, 3)
	for i := 0; i < 5; i++ {
		b.AddTick(float64(100+i), 1, t0.Add(time.Duration(i)*time.Minute))
	}

	bars := b.Candles()
	if len(bars) != 3 {
		t.Fatalf("len = %d, want 3", len(bars))
	}
	if bars[0].Open != 102 || bars[2].Open != 104 {
		t.Fatalf("ring kept wrong bars: %+v", bars)
	}
}

func TestCompletedCandlesExcludesFormingBar(t *testing.T) {
	t.Parallel()

	b := NewBuffer(5, 200)
	b.Seed([]types.HistoricalCandle{
		{Timestamp: t0, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
		{Timestamp: t0.Add(5 * time.Minute), Open: 2, High: 2, Low: 2, Close: 2, Volume: 1},
	})

	if got := len(b.CompletedCandles()); got != 2 {
		t.Fatalf("completed after seed = %d, want 2", got)
	}

	// A live tick opens a forming bar that indicators must not see.
	b.AddTick(3, 1, t0.Add(10*time.Minute))
	if got := len(b.CompletedCandles()); got != 2 {
		t.Fatalf("completed with forming tail = %d, want 2", got)
	}
	if got := b.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}
}

func TestCandlesReturnsCopy(t *testing.T) {
	t.Parallel()

	b := NewBuffer(1, 10)
	b.AddTick(100, 1, t0)

	bars := b.Candles()
	bars[0].Close = -1

	if b.Candles()[0].Close != 100 {
		t.Fatal("Candles() exposes interior storage")
	}
}

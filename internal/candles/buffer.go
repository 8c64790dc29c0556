// Package candles aggregates market ticks into fixed-window OHLCV bars and
// computes the indicators the evaluator kernel compares against.
//
// One Buffer exists per (user, instrument, timeframe). It is seeded from a
// historical REST fetch on first subscription and maintained by the incoming
// tick stream. Buffers are owned by the session's dispatcher goroutine and
// are not safe for concurrent use.
package candles

import (
	"time"

	"niftystrategist/pkg/types"
)

// Candle is one OHLCV bar. Start is aligned to the timeframe boundary:
// floor(tick_time / timeframe) * timeframe.
type Candle struct {
	Start  time.Time `json:"start"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Buffer is a bounded ring of bars ordered by start time.
type Buffer struct {
	timeframe  time.Duration
	maxCandles int
	bars       []Candle
	finalBars  int // bars[:finalBars] came from Seed and are immutable
}

// NewBuffer creates a buffer aggregating at the given timeframe, keeping at
// most maxCandles bars.
func NewBuffer(timeframeMinutes, maxCandles int) *Buffer {
	return &Buffer{
		timeframe:  time.Duration(timeframeMinutes) * time.Minute,
		maxCandles: maxCandles,
	}
}

// WindowStart snaps a timestamp to its bar boundary.
func (b *Buffer) WindowStart(ts time.Time) time.Time {
	return ts.Truncate(b.timeframe)
}

// AddTick folds a tick into the buffer: a tick in a new window appends a
// fresh bar, a tick in the current window mutates the in-progress bar.
// Ticks landing in an already-finalized window are dropped (seeded history
// is never rewritten).
func (b *Buffer) AddTick(price, volume float64, ts time.Time) {
	w := b.WindowStart(ts)

	if n := len(b.bars); n > 0 {
		last := &b.bars[n-1]
		switch {
		case w.Equal(last.Start) && n > b.finalBars:
			if price > last.High {
				last.High = price
			}
			if price < last.Low {
				last.Low = price
			}
			last.Close = price
			last.Volume += volume
			return
		case !w.After(last.Start):
			// Late tick into a finalized or out-of-order window.
			return
		}
	}

	b.bars = append(b.bars, Candle{
		Start:  w,
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
		Volume: volume,
	})
	b.trim()
}

// Seed bulk-loads historical bars, ascending by time, to prime indicators.
// Seeded bars are treated as finalized.
func (b *Buffer) Seed(hist []types.HistoricalCandle) {
	for _, h := range hist {
		b.bars = append(b.bars, Candle{
			Start:  b.WindowStart(h.Timestamp),
			Open:   h.Open,
			High:   h.High,
			Low:    h.Low,
			Close:  h.Close,
			Volume: h.Volume,
		})
	}
	b.finalBars = len(b.bars)
	b.trim()
}

func (b *Buffer) trim() {
	if over := len(b.bars) - b.maxCandles; over > 0 {
		b.bars = b.bars[over:]
		b.finalBars -= over
		if b.finalBars < 0 {
			b.finalBars = 0
		}
	}
}

// Candles returns all bars including the in-progress one.
func (b *Buffer) Candles() []Candle {
	out := make([]Candle, len(b.bars))
	copy(out, b.bars)
	return out
}

// CompletedCandles excludes the tail in-progress bar. Indicators should use
// this so a half-formed bar doesn't skew values.
func (b *Buffer) CompletedCandles() []Candle {
	n := len(b.bars)
	if n > b.finalBars {
		n-- // tail bar is still forming
	}
	out := make([]Candle, n)
	copy(out, b.bars[:n])
	return out
}

// Len returns the number of bars currently held.
func (b *Buffer) Len() int { return len(b.bars) }

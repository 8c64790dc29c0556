package candles

import (
	"github.com/markcheno/go-talib"
)

// IndicatorFunc computes a scalar from completed candles. ok is false when
// there is not enough history for the indicator to be meaningful.
type IndicatorFunc func(bars []Candle, params map[string]float64) (value float64, ok bool)

// Indicators is the dispatch table keyed by indicator name. Entries must not
// assume any iteration order over params.
var Indicators = map[string]IndicatorFunc{
	"rsi":           rsi,
	"macd":          macdHistogram,
	"ema_crossover": emaCrossover,
	"volume_spike":  volumeSpike,
}

// Compute evaluates the named indicator over the buffer's completed candles.
func Compute(name string, buf *Buffer, params map[string]float64) (float64, bool) {
	fn, ok := Indicators[name]
	if !ok {
		return 0, false
	}
	return fn(buf.CompletedCandles(), params)
}

func param(params map[string]float64, key string, def int) int {
	if v, ok := params[key]; ok && v > 0 {
		return int(v)
	}
	return def
}

func closes(bars []Candle) []float64 {
	out := make([]float64, len(bars))
	for i, c := range bars {
		out[i] = c.Close
	}
	return out
}

// rsi returns the Relative Strength Index over the configured period
// (default 14).
func rsi(bars []Candle, params map[string]float64) (float64, bool) {
	period := param(params, "period", 14)
	if len(bars) < period+1 {
		return 0, false
	}
	vals := talib.Rsi(closes(bars), period)
	return vals[len(vals)-1], true
}

// macdHistogram returns the latest MACD histogram value (12/26/9).
func macdHistogram(bars []Candle, params map[string]float64) (float64, bool) {
	fast := param(params, "fast", 12)
	slow := param(params, "slow", 26)
	signal := param(params, "signal", 9)
	if len(bars) < slow+signal {
		return 0, false
	}
	_, _, hist := talib.Macd(closes(bars), fast, slow, signal)
	return hist[len(hist)-1], true
}

// emaCrossover returns fast EMA minus slow EMA (default 9/21). Positive
// means the fast average is above the slow one.
func emaCrossover(bars []Candle, params map[string]float64) (float64, bool) {
	fast := param(params, "fast", 9)
	slow := param(params, "slow", 21)
	if fast >= slow {
		fast, slow = slow, fast
	}
	if len(bars) < slow {
		return 0, false
	}
	cl := closes(bars)
	fastVals := talib.Ema(cl, fast)
	slowVals := talib.Ema(cl, slow)
	return fastVals[len(fastVals)-1] - slowVals[len(slowVals)-1], true
}

// volumeSpike returns current bar volume divided by the average volume of
// the preceding lookback bars (default 20). A reading of 3.0 means triple
// the recent average.
func volumeSpike(bars []Candle, params map[string]float64) (float64, bool) {
	lookback := param(params, "lookback", 20)
	if len(bars) < lookback+1 {
		return 0, false
	}
	current := bars[len(bars)-1].Volume
	var sum float64
	for _, c := range bars[len(bars)-1-lookback : len(bars)-1] {
		sum += c.Volume
	}
	avg := sum / float64(lookback)
	if avg == 0 {
		return 0, false
	}
	return current / avg, true
}

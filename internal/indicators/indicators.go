// Package indicators implements the technical indicators used by the entry,
// exit and allocation layers: moving averages, ATR, RSI, volume-weighted
// directional movement (VDX) and log returns.
//
// All functions operate on ordered series and return a slice of the same
// length as the input. The EMA family seeds from the first element rather
// than an SMA warm-up, so early values differ from charting libraries that
// seed differently; everything downstream depends on these exact semantics.
package indicators

import (
	"math"

	"mmengine/pkg/types"
)

// MA computes a simple moving average. At index i the window covers the
// last min(i+1, period) values, so the head of the series is averaged over
// a growing window instead of being dropped.
func MA(xs []float64, period int) []float64 {
	out := make([]float64, len(xs))
	var sum float64
	for i, x := range xs {
		sum += x
		n := period
		if i+1 < period {
			n = i + 1
		} else if i >= period {
			sum -= xs[i-period]
		}
		out[i] = sum / float64(n)
	}
	return out
}

// EMA computes an exponential moving average with smoothing k = 2/(period+1),
// seeded at xs[0].
func EMA(xs []float64, period int) []float64 {
	out := make([]float64, len(xs))
	if len(xs) == 0 {
		return out
	}
	k := 2 / float64(period+1)
	out[0] = xs[0]
	for i := 1; i < len(xs); i++ {
		out[i] = xs[i]*k + out[i-1]*(1-k)
	}
	return out
}

// VolumeEMA computes a volume-weighted EMA: EMA(x*v) / EMA(v), elementwise.
// Indices where the volume EMA is zero yield zero.
func VolumeEMA(xs, vols []float64, period int) []float64 {
	weighted := make([]float64, len(xs))
	for i := range xs {
		weighted[i] = xs[i] * vols[i]
	}
	num := EMA(weighted, period)
	den := EMA(vols, period)
	out := make([]float64, len(xs))
	for i := range out {
		if den[i] != 0 {
			out[i] = num[i] / den[i]
		}
	}
	return out
}

// ATR computes the average true range of a candle series as an EMA of the
// true range. The first true range is simply high-low.
func ATR(candles []types.Candle, period int) []float64 {
	tr := make([]float64, len(candles))
	for i, c := range candles {
		if i == 0 {
			tr[i] = c.High - c.Low
			continue
		}
		prevClose := candles[i-1].Close
		tr[i] = math.Max(c.High-c.Low,
			math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
	}
	return EMA(tr, period)
}

// RSI computes the relative strength index over closes using EMAs of the
// up and down moves. Where the down-move EMA is zero the RSI is 100.
func RSI(candles []types.Candle, period int) []float64 {
	up := make([]float64, len(candles))
	dn := make([]float64, len(candles))
	for i := 1; i < len(candles); i++ {
		delta := candles[i].Close - candles[i-1].Close
		if delta > 0 {
			up[i] = delta
		} else {
			dn[i] = -delta
		}
	}
	upEMA := EMA(up, period)
	dnEMA := EMA(dn, period)
	out := make([]float64, len(candles))
	for i := range out {
		if dnEMA[i] == 0 {
			out[i] = 100
			continue
		}
		rs := upEMA[i] / dnEMA[i]
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// VRSI is a volume-weighted RSI variant: up and down moves are smoothed
// with VolumeEMA instead of EMA.
func VRSI(candles []types.Candle, period int) []float64 {
	up := make([]float64, len(candles))
	dn := make([]float64, len(candles))
	vols := types.Volumes(candles)
	for i := 1; i < len(candles); i++ {
		delta := candles[i].Close - candles[i-1].Close
		if delta > 0 {
			up[i] = delta
		} else {
			dn[i] = -delta
		}
	}
	upEMA := VolumeEMA(up, vols, period)
	dnEMA := VolumeEMA(dn, vols, period)
	out := make([]float64, len(candles))
	for i := range out {
		if dnEMA[i] == 0 {
			out[i] = 100
			continue
		}
		rs := upEMA[i] / dnEMA[i]
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// bullBearPoints derives directional-movement inputs from high/low deltas,
// normalized by the close so markets at different price scales compare.
// A bull point is scored when the high advance dominates the low decline,
// a bear point when the opposite holds.
func bullBearPoints(candles []types.Candle) (bull, bear []float64) {
	bull = make([]float64, len(candles))
	bear = make([]float64, len(candles))
	for i := 1; i < len(candles); i++ {
		c := candles[i]
		if c.Close == 0 {
			continue
		}
		upMove := (c.High - candles[i-1].High) / c.Close
		downMove := (candles[i-1].Low - c.Low) / c.Close
		if upMove > downMove && upMove > 0 {
			bull[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			bear[i] = downMove
		}
	}
	return bull, bear
}

// VDIPlus computes the positive volume-weighted directional indicator.
func VDIPlus(candles []types.Candle, period int) []float64 {
	bull, _ := bullBearPoints(candles)
	return VolumeEMA(bull, types.Volumes(candles), period)
}

// VDIMin computes the negative volume-weighted directional indicator.
func VDIMin(candles []types.Candle, period int) []float64 {
	_, bear := bullBearPoints(candles)
	return VolumeEMA(bear, types.Volumes(candles), period)
}

// VDX computes the volume-weighted directional movement index,
// (vdi+ - vdi-) / (vdi+ + vdi-), in [-1, 1]. Indices with no directional
// movement yield 0.
func VDX(candles []types.Candle, period int) []float64 {
	plus := VDIPlus(candles, period)
	min := VDIMin(candles, period)
	out := make([]float64, len(candles))
	for i := range out {
		den := plus[i] + min[i]
		if den != 0 {
			out[i] = (plus[i] - min[i]) / den
		}
	}
	return out
}

// LogReturns returns ln(close[i]/close[i-1]) with a leading zero.
func LogReturns(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i := 1; i < len(candles); i++ {
		if candles[i-1].Close > 0 && candles[i].Close > 0 {
			out[i] = math.Log(candles[i].Close / candles[i-1].Close)
		}
	}
	return out
}

// Tail returns the last element of a series, 0 for an empty one.
func Tail(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return xs[len(xs)-1]
}

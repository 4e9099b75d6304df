// Package quant implements the quantitative model layer: GBM parameter
// estimation from hourly candles, order-flow dynamics estimation from
// 15m candles, and the Guéant-Lehalle-Fernandez-Tapia optimal quoting
// formulas that turn those parameters into bid/ask distances.
package quant

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat"

	"mmengine/internal/indicators"
	"mmengine/pkg/types"
)

// ErrInsufficientData is returned when fewer candles are available than an
// estimator needs.
var ErrInsufficientData = errors.New("quant: insufficient candle data")

// GBMWindow is the number of hourly candles the GBM estimator expects: one
// week of hours.
const GBMWindow = 24 * 7

// GBMParameters describe a geometric Brownian motion fitted to hourly
// log returns, scaled to daily terms.
type GBMParameters struct {
	Sigma float64 // daily volatility
	Mu    float64 // daily drift
}

// ComputeGBMParameters fits sigma and mu from hourly candles. The returns
// are computed per hour; sigma is scaled by sqrt(24) and mu by 24 with the
// usual Ito correction sigma^2/2.
func ComputeGBMParameters(hourCandles []types.Candle) (GBMParameters, error) {
	if len(hourCandles) < 2 {
		return GBMParameters{}, ErrInsufficientData
	}
	returns := indicators.LogReturns(hourCandles)[1:]

	sigma := stat.StdDev(returns, nil) * math.Sqrt(24)
	mu := stat.Mean(returns, nil)*24 + sigma*sigma/2
	return GBMParameters{Sigma: sigma, Mu: mu}, nil
}

package quant

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"mmengine/pkg/period"
	"mmengine/pkg/types"
)

// Defaults for the market-dynamics estimator.
const (
	// DynamicsWindow is the number of 15m candles the estimator wants.
	DynamicsWindow = 1000
	// spreadPrecision is the fraction of the reference price covered by the
	// price ladder the estimator walks.
	spreadPrecision = 0.03
	// spreadSteps is the number of rungs on that ladder.
	spreadSteps = 100
)

// Dynamics holds the fitted order-arrival parameters for one side of the
// book, from the exponential intensity model lambda(d) = A * exp(-k*d).
type Dynamics struct {
	A float64
	K float64
}

// ComputeMarketDynamicsParameters estimates (A, k) for the buy and the sell
// side from 15m candles.
//
// For every origin candle i in the first half of the series the estimator
// takes mid = (close[i] + close[i+1]) / 2 and walks forward until the price
// has travelled s*deltaP away from mid for each ladder step s: downward
// through the candle lows for the buy side, upward through the highs for
// the sell side. The first-passage times (in days) are aggregated per step;
// log(count/sum) estimates log-lambda at distance s*deltaP, and a linear
// regression log-lambda = b - k*d yields A = exp(b) and k = -slope.
func ComputeMarketDynamicsParameters(candles []types.Candle) (buy, sell Dynamics, err error) {
	n := len(candles)
	if n < 4 {
		return Dynamics{}, Dynamics{}, ErrInsufficientData
	}

	deltaP := candles[0].Open * spreadPrecision / (2 * spreadSteps)
	if deltaP <= 0 {
		return Dynamics{}, Dynamics{}, ErrInsufficientData
	}

	type agg struct {
		sum   [spreadSteps]float64 // summed first-passage times, days
		count [spreadSteps]float64
	}
	var buyAgg, sellAgg agg

	dayMs := float64(period.Day)
	for i := 0; i < n/2; i++ {
		mid := (candles[i].Close + candles[i+1].Close) / 2
		nextBuy, nextSell := 0, 0 // next unpassed ladder step per side
		for j := i + 1; j < n && (nextBuy < spreadSteps || nextSell < spreadSteps); j++ {
			tau := float64(candles[j].Timestamp-candles[i].Timestamp) / dayMs
			if tau <= 0 {
				continue
			}
			for nextBuy < spreadSteps && mid-candles[j].Low > float64(nextBuy+1)*deltaP {
				buyAgg.sum[nextBuy] += tau
				buyAgg.count[nextBuy]++
				nextBuy++
			}
			for nextSell < spreadSteps && candles[j].High-mid > float64(nextSell+1)*deltaP {
				sellAgg.sum[nextSell] += tau
				sellAgg.count[nextSell]++
				nextSell++
			}
		}
	}

	fit := func(a agg) (Dynamics, bool) {
		var xs, ys []float64
		for s := 0; s < spreadSteps; s++ {
			if a.count[s] == 0 || a.sum[s] == 0 {
				continue
			}
			xs = append(xs, float64(s+1)*deltaP)
			ys = append(ys, math.Log(a.count[s]/a.sum[s]))
		}
		if len(xs) < 2 {
			return Dynamics{}, false
		}
		b, slope := stat.LinearRegression(xs, ys, nil, false)
		return Dynamics{A: math.Exp(b), K: -slope}, true
	}

	buyDyn, okBuy := fit(buyAgg)
	sellDyn, okSell := fit(sellAgg)
	if !okBuy || !okSell {
		return Dynamics{}, Dynamics{}, ErrInsufficientData
	}
	return buyDyn, sellDyn, nil
}

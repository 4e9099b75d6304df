package quant

import (
	"math"
)

// QuoteParams collects everything the Guéant-Lehalle-Fernandez-Tapia
// formulas need: the GBM fit, the risk aversion gamma, the per-side
// order-arrival dynamics, and the signed inventory q in unit-inventory
// steps.
type QuoteParams struct {
	Sigma     float64
	Mu        float64
	Gamma     float64
	Buy       Dynamics
	Sell      Dynamics
	Inventory int  // signed inventory, unit steps
	WithDrift bool // include the mu/(gamma*sigma^2) drift term
}

// Quote is the engine-facing result: absolute bid and ask prices around a
// mid price. A zero Quote means the parameters were degenerate and no
// quote should be placed.
type Quote struct {
	Bid float64
	Ask float64
}

// Spread returns ask minus bid; 0 for an empty quote.
func (q Quote) Spread() float64 {
	if q.Bid == 0 && q.Ask == 0 {
		return 0
	}
	return q.Ask - q.Bid
}

// sideTerms computes the closed-form pieces for one book side:
//
//	sqrtTerm = sqrt(sigma^2*gamma / (2*k*A) * (1+gamma/k)^(1+k/gamma))
//	lnTerm   = (1/gamma) * ln(1+gamma/k)
func sideTerms(sigma, gamma float64, d Dynamics) (sqrtTerm, lnTerm float64, ok bool) {
	if sigma <= 0 || gamma <= 0 || d.A <= 0 || d.K <= 0 {
		return 0, 0, false
	}
	ratio := 1 + gamma/d.K
	sqrtTerm = math.Sqrt(sigma * sigma * gamma / (2 * d.K * d.A) *
		math.Pow(ratio, 1+d.K/gamma))
	lnTerm = math.Log(ratio) / gamma
	if math.IsNaN(sqrtTerm) || math.IsInf(sqrtTerm, 0) {
		return 0, 0, false
	}
	return sqrtTerm, lnTerm, true
}

// ComputeSpread returns the optimal bid and ask distances from the mid
// price. Degenerate parameters yield (0, 0, false).
func ComputeSpread(p QuoteParams) (bidDistance, askDistance float64, ok bool) {
	buySqrt, buyLn, okBuy := sideTerms(p.Sigma, p.Gamma, p.Buy)
	sellSqrt, sellLn, okSell := sideTerms(p.Sigma, p.Gamma, p.Sell)
	if !okBuy || !okSell {
		return 0, 0, false
	}

	q := float64(p.Inventory)
	bidMult := (2*q + 1) / 2
	askMult := -(2*q - 1) / 2
	if p.WithDrift {
		drift := p.Mu / (p.Gamma * p.Sigma * p.Sigma)
		bidMult -= drift
		askMult += drift
	}

	bidDistance = buyLn + bidMult*buySqrt
	askDistance = sellLn + askMult*sellSqrt
	return bidDistance, askDistance, true
}

// ComputeQuote converts the optimal distances into absolute prices around
// mid. The safeguard never lets a quote cross the mid price: bid is capped
// at mid and ask floored at mid, so a strongly skewed inventory flattens a
// side instead of crossing.
func ComputeQuote(p QuoteParams, mid float64) Quote {
	bidDist, askDist, ok := ComputeSpread(p)
	if !ok || mid <= 0 {
		return Quote{}
	}
	return Quote{
		Bid: math.Min(mid, mid-bidDist),
		Ask: math.Max(mid, mid+askDist),
	}
}

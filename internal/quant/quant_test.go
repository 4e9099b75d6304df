package quant

import (
	"math"
	"math/rand"
	"testing"

	"mmengine/pkg/period"
	"mmengine/pkg/types"
)

func workingParams(inventory int) QuoteParams {
	return QuoteParams{
		Sigma:     0.05,
		Gamma:     0.1,
		Buy:       Dynamics{A: 10, K: 30},
		Sell:      Dynamics{A: 10, K: 30},
		Inventory: inventory,
	}
}

func TestComputeSpreadSymmetricAtZeroInventory(t *testing.T) {
	t.Parallel()
	bid, ask, ok := ComputeSpread(workingParams(0))
	if !ok {
		t.Fatal("well-formed params must produce a spread")
	}
	if math.Abs(bid-ask) > 1e-12 {
		t.Fatalf("flat inventory should quote symmetrically: bid=%v ask=%v", bid, ask)
	}
	if bid <= 0 {
		t.Fatalf("distances must be positive: %v", bid)
	}
}

func TestComputeSpreadSkewsWithInventory(t *testing.T) {
	t.Parallel()
	bidFlat, askFlat, _ := ComputeSpread(workingParams(0))
	bidLong, askLong, ok := ComputeSpread(workingParams(3))
	if !ok {
		t.Fatal("spread failed")
	}
	// Long inventory backs the bid off and brings the ask in.
	if bidLong <= bidFlat {
		t.Fatalf("long bid distance %v should exceed flat %v", bidLong, bidFlat)
	}
	if askLong >= askFlat {
		t.Fatalf("long ask distance %v should undercut flat %v", askLong, askFlat)
	}

	bidShort, askShort, _ := ComputeSpread(workingParams(-3))
	if bidShort >= bidFlat || askShort <= askFlat {
		t.Fatalf("short inventory should mirror: bid=%v ask=%v", bidShort, askShort)
	}
}

func TestComputeSpreadDriftShiftsBothSides(t *testing.T) {
	t.Parallel()
	p := workingParams(0)
	p.Mu = 0.01
	p.WithDrift = true
	bid, ask, ok := ComputeSpread(p)
	if !ok {
		t.Fatal("spread failed")
	}
	bidFlat, askFlat, _ := ComputeSpread(workingParams(0))
	// Positive drift tightens the bid and relaxes the ask.
	if bid >= bidFlat || ask <= askFlat {
		t.Fatalf("drift did not shift quotes: bid %v->%v ask %v->%v",
			bidFlat, bid, askFlat, ask)
	}
}

func TestComputeQuoteNeverCrossesMid(t *testing.T) {
	t.Parallel()
	const mid = 100.0
	for q := -20; q <= 20; q++ {
		quote := ComputeQuote(workingParams(q), mid)
		if quote.Bid == 0 && quote.Ask == 0 {
			t.Fatalf("inventory %d: no quote", q)
		}
		if quote.Bid > mid || quote.Ask < mid {
			t.Fatalf("inventory %d: quote crosses mid: %+v", q, quote)
		}
	}
}

func TestComputeQuoteDegenerateParams(t *testing.T) {
	t.Parallel()
	cases := []QuoteParams{
		{},
		{Sigma: 0.05, Gamma: 0.1},
		{Sigma: 0.05, Gamma: 0.1, Buy: Dynamics{A: 10, K: 30}}, // sell side missing
		{Sigma: -1, Gamma: 0.1, Buy: Dynamics{A: 10, K: 30}, Sell: Dynamics{A: 10, K: 30}},
	}
	for i, p := range cases {
		if q := ComputeQuote(p, 100); q != (Quote{}) {
			t.Fatalf("case %d: degenerate params produced %+v", i, q)
		}
	}
	if q := ComputeQuote(workingParams(0), 0); q != (Quote{}) {
		t.Fatalf("non-positive mid produced %+v", q)
	}
}

func TestQuoteSpread(t *testing.T) {
	t.Parallel()
	if (Quote{}).Spread() != 0 {
		t.Fatal("empty quote spread should be 0")
	}
	if got := (Quote{Bid: 99, Ask: 101}).Spread(); got != 2 {
		t.Fatalf("spread = %v, want 2", got)
	}
}

// gbmHours synthesizes hourly candles from a GBM path with the given
// hourly drift and volatility.
func gbmHours(n int, hourlyMu, hourlySigma float64, rng *rand.Rand) []types.Candle {
	out := make([]types.Candle, n)
	price := 100.0
	for i := range out {
		r := hourlyMu + hourlySigma*rng.NormFloat64()
		price *= math.Exp(r)
		out[i] = types.Candle{
			Timestamp: int64(i) * period.Hour,
			Open:      price, High: price, Low: price, Close: price, Volume: 10,
		}
	}
	return out
}

func TestComputeGBMParametersRecoversSigma(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	const hourlySigma = 0.01
	candles := gbmHours(5000, 0, hourlySigma, rng)

	got, err := ComputeGBMParameters(candles)
	if err != nil {
		t.Fatal(err)
	}
	want := hourlySigma * math.Sqrt(24)
	if math.Abs(got.Sigma-want) > 0.2*want {
		t.Fatalf("sigma = %v, want ~%v", got.Sigma, want)
	}
	// Zero drift plus the Ito correction: mu settles near sigma^2/2.
	if math.Abs(got.Mu-want*want/2) > 0.05 {
		t.Fatalf("mu = %v, want ~%v", got.Mu, want*want/2)
	}
}

func TestComputeGBMParametersFlatSeries(t *testing.T) {
	t.Parallel()
	candles := make([]types.Candle, 50)
	for i := range candles {
		candles[i] = types.Candle{Timestamp: int64(i) * period.Hour, Close: 100}
	}
	got, err := ComputeGBMParameters(candles)
	if err != nil {
		t.Fatal(err)
	}
	if got.Sigma != 0 || got.Mu != 0 {
		t.Fatalf("flat series should fit zero parameters, got %+v", got)
	}
}

func TestComputeGBMParametersInsufficientData(t *testing.T) {
	t.Parallel()
	if _, err := ComputeGBMParameters([]types.Candle{{Close: 100}}); err != ErrInsufficientData {
		t.Fatalf("err = %v, want ErrInsufficientData", err)
	}
}

// noisyQuarters builds 15m candles oscillating around a level so prices
// regularly trade through ladder steps on both sides.
func noisyQuarters(n int, rng *rand.Rand) []types.Candle {
	out := make([]types.Candle, n)
	price := 100.0
	for i := range out {
		price = 100 * math.Exp(0.02 * rng.NormFloat64())
		out[i] = types.Candle{
			Timestamp: int64(i) * 15 * period.Minute,
			Open:      price, High: price * 1.005, Low: price * 0.995,
			Close: price, Volume: 10,
		}
	}
	return out
}

func TestComputeMarketDynamicsParameters(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(11))
	buy, sell, err := ComputeMarketDynamicsParameters(noisyQuarters(DynamicsWindow, rng))
	if err != nil {
		t.Fatal(err)
	}
	// The intensity model requires positive arrival rates that decay
	// with distance.
	if buy.A <= 0 || buy.K <= 0 {
		t.Fatalf("buy dynamics not positive: %+v", buy)
	}
	if sell.A <= 0 || sell.K <= 0 {
		t.Fatalf("sell dynamics not positive: %+v", sell)
	}
}

func TestComputeMarketDynamicsParametersInsufficientData(t *testing.T) {
	t.Parallel()
	_, _, err := ComputeMarketDynamicsParameters([]types.Candle{{Open: 100}, {Open: 100}})
	if err != ErrInsufficientData {
		t.Fatalf("err = %v, want ErrInsufficientData", err)
	}

	// Flat candles never pass any ladder step.
	flat := make([]types.Candle, 100)
	for i := range flat {
		flat[i] = types.Candle{
			Timestamp: int64(i) * 15 * period.Minute,
			Open:      100, High: 100, Low: 100, Close: 100,
		}
	}
	if _, _, err := ComputeMarketDynamicsParameters(flat); err != ErrInsufficientData {
		t.Fatalf("err = %v, want ErrInsufficientData", err)
	}
}

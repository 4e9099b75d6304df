// Package allocator selects the tradeable market universe for an agent.
// Markets are screened on liquidity, price and data availability; survivors
// get canTrade plus initial trend and price-level readings that the agent's
// entry gate consumes.
package allocator

import (
	"context"
	"log/slog"
	"sort"

	"mmengine/internal/indicators"
	"mmengine/internal/quant"
	"mmengine/internal/strategy"
	"mmengine/pkg/types"
)

// Periods for the initial model readings.
const (
	trendPeriod      = 30
	priceLevelPeriod = 20
	volumeEMAPeriod  = 5
	minDayCandles    = 30
)

// Filters are the universe screening thresholds.
type Filters struct {
	MinimumVolume              float64  // 24h base volume floor
	MinimumAverageVolume       float64  // EMA(5) of daily quote volume floor
	MinimumFiatPrice           float64  // last-price floor
	MaxPercentageHoursNoVolume float64  // tolerated fraction of dead hours
	Blacklist                  []string // markets never traded
}

// FiltersFromOptions pulls the screening thresholds out of the strategy
// options, which carry the persisted per-agent values.
func FiltersFromOptions(o strategy.Options) Filters {
	return Filters{
		MinimumVolume:              o.MinimumVolume,
		MinimumAverageVolume:       o.MinimumAverageVolume,
		MinimumFiatPrice:           o.MinimumFiatPrice,
		MaxPercentageHoursNoVolume: o.MaxPercentageHoursNoVolume,
		Blacklist:                  o.Blacklist,
	}
}

// Candidate bundles the market data one screening decision needs.
type Candidate struct {
	Market string
	Ticker types.Ticker
	Day    []types.Candle // daily candles, oldest first
	Hour   []types.Candle // hourly candles covering the GBM window
}

// Verdict is the screening outcome for one market.
type Verdict struct {
	Market     string
	Tradeable  bool
	Reason     string // first failed filter, "" when tradeable
	Trend      float64
	PriceLevel float64
}

// Screen evaluates one candidate against the filters. Checks are ordered
// cheapest first and stop at the first failure.
func Screen(c Candidate, f Filters) Verdict {
	v := Verdict{Market: c.Market}

	for _, b := range f.Blacklist {
		if b == c.Market {
			v.Reason = "blacklisted"
			return v
		}
	}
	if c.Ticker.BaseVolume < f.MinimumVolume {
		v.Reason = "day volume below minimum"
		return v
	}
	if c.Ticker.Last < f.MinimumFiatPrice {
		v.Reason = "price below minimum"
		return v
	}

	if len(c.Hour) < 2 {
		v.Reason = "no hourly candles"
		return v
	}
	dead := 0
	for _, h := range c.Hour {
		if h.Volume == 0 {
			dead++
		}
	}
	if float64(dead)/float64(len(c.Hour)) > f.MaxPercentageHoursNoVolume {
		v.Reason = "too many dead hours"
		return v
	}
	if _, err := quant.ComputeGBMParameters(c.Hour); err != nil {
		v.Reason = "gbm fit unavailable"
		return v
	}

	if len(c.Day) < minDayCandles {
		v.Reason = "daily history too short"
		return v
	}
	quoteVolumes := make([]float64, len(c.Day))
	for i, d := range c.Day {
		quoteVolumes[i] = d.QuoteVolumeEstimate()
	}
	if indicators.Tail(indicators.EMA(quoteVolumes, volumeEMAPeriod)) < f.MinimumAverageVolume {
		v.Reason = "average quote volume below minimum"
		return v
	}

	v.Tradeable = true
	v.Trend = indicators.Tail(indicators.VDX(c.Day, trendPeriod))
	v.PriceLevel = indicators.Tail(indicators.RSI(c.Day, priceLevelPeriod)) / 100
	return v
}

// DataSource supplies the market data the allocator screens on.
type DataSource interface {
	Markets(ctx context.Context, quote string) ([]string, error)
	FetchTickers(ctx context.Context, markets []string) (map[string]types.Ticker, error)
	FetchOHLCV(ctx context.Context, market, timeframe string, since int64, limit int) ([]types.Candle, error)
}

// Allocator screens an exchange's market universe.
type Allocator struct {
	source DataSource
	logger *slog.Logger
}

// New creates an allocator over a data source.
func New(source DataSource, logger *slog.Logger) *Allocator {
	return &Allocator{source: source, logger: logger.With("component", "allocator")}
}

// ScreenUniverse evaluates every market quoted in the fiat currency and
// returns the verdicts sorted by market name for stable persistence. Markets
// whose candles cannot be fetched are reported as not tradeable rather than
// failing the whole scan.
func (a *Allocator) ScreenUniverse(ctx context.Context, fiatCurrency string, f Filters) ([]Verdict, error) {
	markets, err := a.source.Markets(ctx, fiatCurrency)
	if err != nil {
		return nil, err
	}
	tickers, err := a.source.FetchTickers(ctx, markets)
	if err != nil {
		return nil, err
	}

	verdicts := make([]Verdict, 0, len(markets))
	for _, market := range markets {
		ticker, ok := tickers[market]
		if !ok {
			verdicts = append(verdicts, Verdict{Market: market, Reason: "no ticker"})
			continue
		}

		// Cheap ticker filters run before any candle fetch.
		pre := Screen(Candidate{Market: market, Ticker: ticker, Hour: nil}, f)
		if !pre.Tradeable && pre.Reason != "no hourly candles" {
			verdicts = append(verdicts, pre)
			continue
		}

		hour, err := a.source.FetchOHLCV(ctx, market, "1h", 0, quant.GBMWindow)
		if err != nil || hour == nil {
			a.logger.Warn("hourly candles unavailable", "market", market, "error", err)
			verdicts = append(verdicts, Verdict{Market: market, Reason: "no hourly candles"})
			continue
		}
		day, err := a.source.FetchOHLCV(ctx, market, "1d", 0, 60)
		if err != nil || day == nil {
			a.logger.Warn("daily candles unavailable", "market", market, "error", err)
			verdicts = append(verdicts, Verdict{Market: market, Reason: "daily history too short"})
			continue
		}

		verdicts = append(verdicts, Screen(Candidate{
			Market: market, Ticker: ticker, Day: day, Hour: hour,
		}, f))
	}

	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i].Market < verdicts[j].Market })
	return verdicts, nil
}

// Apply merges the verdicts into an agent's per-market states: survivors
// get canTrade and fresh trend/priceLevel readings, everything else has
// canTrade withdrawn while keeping position state intact.
func Apply(states map[string]types.MarketState, verdicts []Verdict) map[string]types.MarketState {
	if states == nil {
		states = make(map[string]types.MarketState)
	}
	for _, v := range verdicts {
		s, exists := states[v.Market]
		if !v.Tradeable {
			if exists {
				s.Model.CanTrade = false
				states[v.Market] = s
			}
			continue
		}
		s.Model.CanTrade = true
		s.Model.Trend = v.Trend
		s.Model.PriceLevel = v.PriceLevel
		if s.State == "" {
			s.State = types.Idle
		}
		states[v.Market] = s
	}
	return states
}

// Package strategy implements the trading agents: entry gating, exit
// rules, the two-sided market-making core and the per-market state
// machine that ties them together.
//
// Each agent owns one exchange mirror for the duration of a run. A run
// is: BeforeRun (active-market scan, portfolio valuation), then
// RunForMarket for every active market (concurrently), then the
// drawdown check. Per-market state transitions through
// Idle -> TryingToEnter -> HasPosition -> TryingToLeave and back.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"mmengine/internal/indicators"
	"mmengine/internal/mirror"
	"mmengine/internal/quant"
	"mmengine/internal/risk"
	"mmengine/pkg/types"
)

// ErrPaused signals that the agent must not trade until an operator
// clears the pause flag.
var ErrPaused = errors.New("strategy: agent paused")

// ErrNoValuation signals that the portfolio could not be valued this
// tick, so no sizing decision is safe.
var ErrNoValuation = errors.New("strategy: portfolio valuation unavailable")

// trendPeriod and priceLevelPeriod size the indicator windows used to
// initialize a market's trend and price level.
const (
	trendPeriod      = 30
	priceLevelPeriod = 20
)

// CandleSource supplies candles for a market. The engine backs it with
// the exchange client plus the store's candle cache; tests use stubs.
type CandleSource interface {
	Candles(ctx context.Context, market, timeframe string, limit int) ([]types.Candle, error)
}

// Deps are the collaborators an agent needs.
type Deps struct {
	Mirror  *mirror.Exchange
	Candles CandleSource
	Guard   *risk.Guard
	Logger  *slog.Logger
}

// Agent is the market-making strategy bound to one exchange account.
type Agent struct {
	id      string
	name    string
	mirror  *mirror.Exchange
	candles CandleSource
	guard   *risk.Guard
	logger  *slog.Logger
	opts    Options
	now     func() int64

	mu     sync.Mutex
	states map[string]types.MarketState
	total  float64 // fiat valuation from the last BeforeRun
	paused bool
}

// NewAgent builds an agent. opts are merged over the defaults; states
// may carry persisted per-market state from a previous run.
func NewAgent(id, name string, deps Deps, opts Options, states map[string]types.MarketState) *Agent {
	if states == nil {
		states = make(map[string]types.MarketState)
	}
	return &Agent{
		id:      id,
		name:    name,
		mirror:  deps.Mirror,
		candles: deps.Candles,
		guard:   deps.Guard,
		logger:  deps.Logger.With("agent", name),
		opts:    Merge(opts),
		now:     func() int64 { return time.Now().UnixMilli() },
		states:  states,
	}
}

// Name returns the agent's human name.
func (a *Agent) Name() string { return a.name }

// ID returns the agent's persistent id.
func (a *Agent) ID() string { return a.id }

// Paused reports whether the agent is administratively paused.
func (a *Agent) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// SetPaused sets the pause flag; clearing it also resets the drawdown
// guard so the peak re-seeds.
func (a *Agent) SetPaused(p bool) {
	a.mu.Lock()
	a.paused = p
	a.mu.Unlock()
	if !p && a.guard != nil {
		a.guard.Reset(a.name)
	}
}

// State returns a copy of the per-market strategy state for persistence.
func (a *Agent) State() map[string]types.MarketState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]types.MarketState, len(a.states))
	for m, s := range a.states {
		out[m] = s
	}
	return out
}

// ActiveMarkets lists the markets this run will work. Membership is
// sticky: a market stays active while it is tradeable, while we hold a
// position in it, or while orders for it remain open.
func (a *Agent) ActiveMarkets() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for m, s := range a.states {
		if a.marketActiveLocked(m, s) {
			out = append(out, m)
		}
	}
	return out
}

func (a *Agent) marketActiveLocked(market string, s types.MarketState) bool {
	if s.Model.CanTrade {
		return true
	}
	base := a.mirror.Balance(types.BaseCurrency(market))
	if base.Total() >= a.opts.ForMarket(market).MinDealAmount {
		return true
	}
	return len(a.mirror.OpenOrders(market, "")) > 0
}

// BeforeRun refreshes the active-market set and values the portfolio.
// A failed valuation aborts the run: sizing against a partial total
// would misallocate the whole book.
func (a *Agent) BeforeRun(ctx context.Context) error {
	if a.Paused() {
		return ErrPaused
	}

	candidates := a.scanCandidates()
	for _, market := range candidates {
		if err := a.ensureMarketState(ctx, market); err != nil {
			a.logger.Warn("market state init failed", "market", market, "error", err)
		}
	}

	markets := a.ActiveMarkets()
	if !a.mirror.Refresh(ctx, markets) {
		return fmt.Errorf("refresh mirror: %w", ErrNoValuation)
	}

	total, ok := a.mirror.TotalBalance(false)
	if !ok {
		return ErrNoValuation
	}
	a.mu.Lock()
	a.total = total
	a.mu.Unlock()
	return nil
}

// scanCandidates returns markets that are either configured tradeable or
// already carry state.
func (a *Agent) scanCandidates() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for m, p := range a.opts.MarketSettings {
		if p.CanTrade != nil && *p.CanTrade && !seen[m] {
			out = append(out, m)
			seen[m] = true
		}
	}
	for m := range a.states {
		if !seen[m] {
			out = append(out, m)
			seen[m] = true
		}
	}
	return out
}

// ensureMarketState creates or completes the state for a market:
// trend/priceLevel from daily candles when missing, canTrade from the
// configured settings, and an initial equal-weight ratio.
func (a *Agent) ensureMarketState(ctx context.Context, market string) error {
	a.mu.Lock()
	s, exists := a.states[market]
	a.mu.Unlock()

	opts := a.opts.ForMarket(market)
	canTrade := false
	if p, ok := a.opts.MarketSettings[market]; ok && p.CanTrade != nil {
		canTrade = *p.CanTrade
	}

	if !exists || (s.Model.Trend == 0 && s.Model.PriceLevel == 0) {
		day, err := a.candles.Candles(ctx, market, "1d", 60)
		if err != nil {
			return err
		}
		if len(day) < trendPeriod {
			return quant.ErrInsufficientData
		}
		s.Model.Trend = indicators.Tail(indicators.VDX(day, trendPeriod))
		s.Model.PriceLevel = indicators.Tail(indicators.RSI(day, priceLevelPeriod)) / 100
	}
	s.Model.CanTrade = canTrade ||
		(s.Model.Trend >= opts.MinimumTrend && s.Model.PriceLevel < opts.MaximumPriceLevel)
	if s.State == "" {
		s.State = types.Idle
	}

	a.mu.Lock()
	a.states[market] = s
	a.mu.Unlock()
	return nil
}

// marketCtx bundles the per-market inputs one RunForMarket pass uses.
type marketCtx struct {
	market string
	opts   Options
	now    int64
	ticker types.Ticker
	state  types.MarketState
	target float64 // base units the portfolio wants in this market
	day    []types.Candle
	hour   []types.Candle
}

// RunForMarket executes one policy tick for a market.
func (a *Agent) RunForMarket(ctx context.Context, market string) error {
	a.mu.Lock()
	state, ok := a.states[market]
	total := a.total
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("market %s: no state", market)
	}

	// Anything but Idle means orders may be resting; reconcile first.
	if state.State != types.Idle {
		if !a.mirror.Update(ctx, market) {
			return nil
		}
	}

	if err := a.ensureModel(ctx, market, &state); err != nil {
		a.logger.Warn("model unavailable, skipping market", "market", market, "error", err)
		a.putState(market, state)
		return nil
	}

	ticker, ok := a.mirror.Ticker(market)
	if !ok || ticker.Average() <= 0 {
		return nil
	}

	opts := a.opts.ForMarket(market)
	target := a.targetBalance(market, total, state)

	day, err := a.candles.Candles(ctx, market, "1d", 60)
	if err != nil {
		return err
	}
	hour, err := a.candles.Candles(ctx, market, "1h", quant.GBMWindow)
	if err != nil {
		return err
	}

	mc := &marketCtx{
		market: market,
		opts:   opts,
		now:    a.now(),
		ticker: ticker,
		state:  state,
		target: target,
		day:    day,
		hour:   hour,
	}

	switch state.State {
	case types.Idle, types.TryingToEnter:
		err = a.runEntry(ctx, mc)
	case types.HasPosition:
		exited, exitErr := a.runExit(ctx, mc)
		err = exitErr
		if err == nil && !exited {
			err = a.runMaker(ctx, mc)
		}
	case types.TryingToLeave:
		_, err = a.runExit(ctx, mc)
	default:
		err = fmt.Errorf("market %s: unknown state %q", market, state.State)
	}

	a.putState(market, mc.state)
	return err
}

func (a *Agent) putState(market string, s types.MarketState) {
	a.mu.Lock()
	a.states[market] = s
	a.mu.Unlock()
}

// ensureModel fills in the GBM fit and order-flow dynamics when absent.
func (a *Agent) ensureModel(ctx context.Context, market string, s *types.MarketState) error {
	opts := a.opts.ForMarket(market)
	if s.Model.Gamma == 0 {
		s.Model.Gamma = opts.Gamma
	}
	if s.Model.Sigma == 0 {
		hour, err := a.candles.Candles(ctx, market, "1h", quant.GBMWindow)
		if err != nil {
			return err
		}
		gbm, err := quant.ComputeGBMParameters(hour)
		if err != nil {
			return err
		}
		s.Model.Sigma = gbm.Sigma
		s.Model.Mu = gbm.Mu
	}
	if s.Model.ABuy == 0 || s.Model.ASell == 0 {
		quarter, err := a.candles.Candles(ctx, market, "15m", quant.DynamicsWindow)
		if err != nil {
			return err
		}
		buy, sell, err := quant.ComputeMarketDynamicsParameters(quarter)
		if err != nil {
			// The fixed-spread fallback in the maker still works without
			// the dynamics fit.
			a.logger.Debug("dynamics fit unavailable", "market", market, "error", err)
			return nil
		}
		s.Model.ABuy, s.Model.KBuy = buy.A, buy.K
		s.Model.ASell, s.Model.KSell = sell.A, sell.K
	}
	return nil
}

// targetBalance is the base amount this market should hold: its ratio of
// the non-fiat slice of the portfolio, converted at the ticker mid.
func (a *Agent) targetBalance(market string, total float64, s types.MarketState) float64 {
	ratio := s.Ratio
	if ratio <= 0 {
		n := len(a.ActiveMarkets())
		if n == 0 {
			n = 1
		}
		ratio = (1 - a.opts.FiatRatio) / float64(n)
	}
	base, ok := a.mirror.Convert(market, total*(1-a.opts.FiatRatio))
	if !ok {
		return 0
	}
	return ratio * base
}

// AfterRun runs the drawdown guard over the post-run valuation. A trip
// pauses the agent; the caller persists the flag and the event.
func (a *Agent) AfterRun() {
	total, ok := a.mirror.TotalBalance(false)
	if !ok || a.guard == nil {
		return
	}
	if !a.guard.Observe(a.name, total) {
		a.mu.Lock()
		a.paused = true
		a.mu.Unlock()
	}
}

// Run executes one full agent cycle: BeforeRun, all active markets in
// parallel, then the drawdown check.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.BeforeRun(ctx); err != nil {
		return err
	}
	markets := a.ActiveMarkets()

	var wg sync.WaitGroup
	for _, m := range markets {
		wg.Add(1)
		go func(market string) {
			defer wg.Done()
			if err := a.RunForMarket(ctx, market); err != nil {
				a.logger.Warn("market tick failed", "market", market, "error", err)
			}
		}(m)
	}
	wg.Wait()

	a.AfterRun()
	return nil
}

// minDeal is the effective minimum base amount for a market at a price.
func minDeal(opts Options, price float64) float64 {
	md := opts.MinDealAmount
	if opts.MinimumNotionalValue > 0 && price > 0 {
		md = math.Max(md, opts.MinimumNotionalValue/price)
	}
	return md
}

package strategy

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"mmengine/internal/exchange"
	"mmengine/internal/mirror"
	"mmengine/internal/risk"
	"mmengine/pkg/period"
	"mmengine/pkg/types"
)

const market = "BTC/USDT"

// stubCandles serves canned candles per timeframe.
type stubCandles struct {
	byTimeframe map[string][]types.Candle
}

func (s *stubCandles) Candles(ctx context.Context, market, timeframe string, limit int) ([]types.Candle, error) {
	c := s.byTimeframe[timeframe]
	if limit > 0 && len(c) > limit {
		c = c[len(c)-limit:]
	}
	return c, nil
}

// stubClient backs the simulated mirror; only ticker serving matters
// for strategy tests.
type stubClient struct {
	mu      sync.Mutex
	tickers map[string]types.Ticker
}

func newStubClient() *stubClient {
	return &stubClient{tickers: map[string]types.Ticker{}}
}

func (s *stubClient) LoadMarkets(ctx context.Context) error { return nil }

func (s *stubClient) Markets(ctx context.Context, quote string) ([]string, error) {
	return nil, nil
}

func (s *stubClient) MinDealAmount(ctx context.Context, market string) (float64, error) {
	return 0.001, nil
}

func (s *stubClient) FetchBalance(ctx context.Context) (map[string]types.Balance, error) {
	return map[string]types.Balance{}, nil
}

func (s *stubClient) FetchTickers(ctx context.Context, markets []string) (map[string]types.Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickers, nil
}

func (s *stubClient) FetchOrderBook(ctx context.Context, markets []string, depth int) (map[string]types.OrderBook, error) {
	return map[string]types.OrderBook{}, nil
}

func (s *stubClient) FetchTrades(ctx context.Context, markets []string, since int64, limit int) (map[string][]types.Trade, error) {
	return map[string][]types.Trade{}, nil
}

func (s *stubClient) FetchOpenOrders(ctx context.Context, market string) ([]types.Order, error) {
	return nil, nil
}

func (s *stubClient) FetchOHLCV(ctx context.Context, market, timeframe string, since int64, limit int) ([]types.Candle, error) {
	return nil, nil
}

func (s *stubClient) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (string, error) {
	return "remote0000000001", nil
}

func (s *stubClient) CancelOrder(ctx context.Context, order types.Order) error {
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// risingDays builds n daily candles with ~2% daily log returns and flat
// volume, which satisfies the returns and volume clauses of the entry
// gate.
func risingDays(n int) []types.Candle {
	out := make([]types.Candle, n)
	price := 100.0
	for i := range out {
		price *= 1.02
		out[i] = types.Candle{
			Timestamp: int64(i) * period.Day,
			Open:      price / 1.02, High: price * 1.01, Low: price * 0.99,
			Close: price, Volume: 50,
		}
	}
	return out
}

// fallingHours builds hourly candles in a local downtrend so the fast
// EMA sits under the mid EMA.
func fallingHours(n int, start float64) []types.Candle {
	out := make([]types.Candle, n)
	price := start
	for i := range out {
		price *= 0.999
		out[i] = types.Candle{
			Timestamp: int64(i) * period.Hour,
			Open:      price, High: price, Low: price, Close: price, Volume: 10,
		}
	}
	return out
}

func flatHours(n int, price float64) []types.Candle {
	out := make([]types.Candle, n)
	for i := range out {
		out[i] = types.Candle{
			Timestamp: int64(i) * period.Hour,
			Open:      price, High: price, Low: price, Close: price, Volume: 10,
		}
	}
	return out
}

type fixture struct {
	agent  *Agent
	mirror *mirror.Exchange
	client *stubClient
	clock  int64
}

func newFixture(t *testing.T, opts Options, state types.MarketState) *fixture {
	t.Helper()
	client := newStubClient()
	m := mirror.New(mirror.Config{
		Name: "sim", Simulation: true, FiatCurrency: "USDT", Fee: 0.001,
	}, client, testLogger(), nil)

	guard := risk.NewGuard(0.2, testLogger(), nil)
	src := &stubCandles{byTimeframe: map[string][]types.Candle{
		"1d": risingDays(60),
		"1h": fallingHours(24*7, 200),
	}}

	a := NewAgent("id-1", "test-agent", Deps{
		Mirror: m, Candles: src, Guard: guard, Logger: testLogger(),
	}, opts, map[string]types.MarketState{market: state})

	f := &fixture{agent: a, mirror: m, client: client, clock: 100 * period.Day}
	a.now = func() int64 { return f.clock }
	return f
}

func (f *fixture) seedTicker(t *testing.T, bid, ask float64) {
	t.Helper()
	f.client.mu.Lock()
	f.client.tickers[market] = types.Ticker{Bid: bid, Ask: ask, Last: (bid + ask) / 2}
	f.client.mu.Unlock()
	if !f.mirror.SyncTickers(context.Background(), []string{market}) {
		t.Fatal("ticker sync failed")
	}
}

func TestMergeFillsDefaults(t *testing.T) {
	t.Parallel()
	o := Merge(Options{Sigma: 0.2})
	if o.Sigma != 0.2 {
		t.Fatalf("explicit value overwritten: %v", o.Sigma)
	}
	if o.MinimumTrend != 0.1 || o.InventorySteps != 8 || o.CoolOffPeriod != "2h" {
		t.Fatalf("defaults not applied: %+v", o)
	}
}

func TestForMarketOverride(t *testing.T) {
	t.Parallel()
	sigma := 0.5
	o := Merge(Options{MarketSettings: map[string]OptionsPatch{
		market: {Sigma: &sigma},
	}})
	if got := o.ForMarket(market).Sigma; got != 0.5 {
		t.Fatalf("override not applied: %v", got)
	}
	if got := o.ForMarket("ETH/USDT").Sigma; got != 0.05 {
		t.Fatalf("override leaked to other market: %v", got)
	}
}

func TestEntryGateTrendShortCircuits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{}, types.MarketState{})
	mc := &marketCtx{
		market: market,
		opts:   f.agent.opts,
		state:  types.MarketState{Model: types.MarketModel{Trend: 0.05, PriceLevel: 0.3}},
		// No candles: a non-short-circuiting gate would reach for them.
	}
	if f.agent.entryPossible(mc) {
		t.Fatal("trend below minimum must fail the gate")
	}
}

func TestEntryGateFullPass(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{MinDealAmount: 0.01}, types.MarketState{})
	day := risingDays(60)
	lastClose := day[len(day)-2].Close
	bid := lastClose * 0.5

	mc := &marketCtx{
		market: market,
		opts:   f.agent.opts,
		now:    f.clock,
		ticker: types.Ticker{Bid: bid, Ask: bid * 1.01},
		state: types.MarketState{
			Model: types.MarketModel{Trend: 0.5, PriceLevel: 0.3},
		},
		day:  day,
		hour: fallingHours(24*7, bid),
	}
	if !f.agent.entryPossible(mc) {
		t.Fatal("gate should pass with trend, returns, volume, retracement and local setup all favorable")
	}
	if !f.agent.entryPossible(mc) {
		t.Fatal("gate must be idempotent for identical inputs")
	}
}

func TestRunEntryPlacesStickyBuy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{MinDealAmount: 0.01}, types.MarketState{
		State: types.Idle,
		Model: types.MarketModel{Trend: 0.5, PriceLevel: 0.3, CanTrade: true},
	})
	day := risingDays(60)
	bid := day[len(day)-2].Close * 0.5
	f.mirror.Deposit("USDT", 100_000)
	f.seedTicker(t, bid, bid*1.01)

	mc := &marketCtx{
		market: market,
		opts:   f.agent.opts,
		now:    f.clock,
		ticker: types.Ticker{Bid: bid, Ask: bid * 1.01},
		state: types.MarketState{
			State: types.Idle,
			Model: types.MarketModel{Trend: 0.5, PriceLevel: 0.3},
		},
		target: 10,
		day:    day,
		hour:   fallingHours(24*7, bid),
	}
	if err := f.agent.runEntry(context.Background(), mc); err != nil {
		t.Fatal(err)
	}
	if mc.state.State != types.TryingToEnter {
		t.Fatalf("state = %v, want TryingToEnter", mc.state.State)
	}
	open := f.mirror.OpenOrders(market, types.Buy)
	if len(open) != 1 || !open[0].Sticky || open[0].Price != bid {
		t.Fatalf("sticky buy not placed at bid: %+v", open)
	}
	if math.Abs(open[0].Amount-10) > 1e-9 {
		t.Fatalf("entry amount = %v, want target 10", open[0].Amount)
	}
	if mc.state.EntryPrice != bid || mc.state.EntryTimestamp != f.clock {
		t.Fatalf("entry bookkeeping wrong: %+v", mc.state)
	}
}

func TestRunEntryStandsDownWhenGateFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{MinDealAmount: 0.01}, types.MarketState{})
	bid := 100.0
	f.mirror.Deposit("USDT", 10_000)
	f.seedTicker(t, bid, 101)

	// A resting sticky buy from the previous tick.
	_, err := f.mirror.CreateOrder(context.Background(), mirror.CreateOrderOptions{
		Market: market, Type: types.Limit, Side: types.Buy,
		Amount: 1, Price: bid, Sticky: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	mc := &marketCtx{
		market: market,
		opts:   f.agent.opts,
		now:    f.clock,
		ticker: types.Ticker{Bid: bid, Ask: 101},
		state: types.MarketState{
			State: types.TryingToEnter,
			Model: types.MarketModel{Trend: 0.01}, // gate now fails
		},
		target: 10,
	}
	if err := f.agent.runEntry(context.Background(), mc); err != nil {
		t.Fatal(err)
	}
	if mc.state.State != types.Idle {
		t.Fatalf("state = %v, want Idle", mc.state.State)
	}
	if got := f.mirror.OpenOrders(market, ""); len(got) != 0 {
		t.Fatalf("orders not cancelled: %+v", got)
	}
}

func TestExitTakeProfitPlacesStickySell(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{MinDealAmount: 0.01}, types.MarketState{})
	f.mirror.Deposit("BTC", 5)
	day := risingDays(60)
	entry := 100.0
	// RSI of a monotone rise is pinned high and the ask is well past
	// the entry, so the take-profit rule fires.
	ask := entry * 2
	f.seedTicker(t, ask*0.99, ask)

	mc := &marketCtx{
		market: market,
		opts:   f.agent.opts,
		now:    f.clock,
		ticker: types.Ticker{Bid: ask * 0.99, Ask: ask},
		state: types.MarketState{
			State:          types.HasPosition,
			EntryPrice:     entry,
			EntryTimestamp: f.clock - period.Day,
			Model:          types.MarketModel{CanTrade: true},
		},
		day:  day,
		hour: fallingHours(24, ask*2),
	}
	exiting, err := f.agent.runExit(context.Background(), mc)
	if err != nil {
		t.Fatal(err)
	}
	if !exiting || mc.state.State != types.TryingToLeave {
		t.Fatalf("exiting=%v state=%v, want exit in progress", exiting, mc.state.State)
	}
	open := f.mirror.OpenOrders(market, types.Sell)
	if len(open) != 1 || !open[0].Sticky {
		t.Fatalf("sticky sell not placed: %+v", open)
	}
	if math.Abs(open[0].Amount-5) > 1e-9 {
		t.Fatalf("exit should sell the free base, got %v", open[0].Amount)
	}
}

func TestExitReturnsToIdleWhenFlat(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{MinDealAmount: 0.01}, types.MarketState{})

	mc := &marketCtx{
		market: market,
		opts:   f.agent.opts,
		now:    f.clock,
		ticker: types.Ticker{Bid: 100, Ask: 101},
		state: types.MarketState{
			State:      types.TryingToLeave,
			EntryPrice: 90, EntryTimestamp: f.clock - period.Day,
		},
	}
	exiting, err := f.agent.runExit(context.Background(), mc)
	if err != nil {
		t.Fatal(err)
	}
	if exiting || mc.state.State != types.Idle {
		t.Fatalf("flat position should reset to Idle, got exiting=%v state=%v", exiting, mc.state.State)
	}
	if mc.state.EntryPrice != 0 || mc.state.EntryTimestamp != 0 {
		t.Fatalf("entry bookkeeping should clear, got %+v", mc.state)
	}
}

func TestMakerPlacesBothSidesThenHolds(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{MinDealAmount: 0.01}, types.MarketState{})
	f.mirror.Deposit("BTC", 10)
	f.mirror.Deposit("USDT", 100_000)
	f.seedTicker(t, 99, 101)

	mc := &marketCtx{
		market: market,
		opts:   f.agent.opts,
		now:    f.clock,
		ticker: types.Ticker{Bid: 99, Ask: 101, BaseVolume: 10_000},
		state: types.MarketState{
			State: types.HasPosition,
			Model: types.MarketModel{Sigma: 0.05, CanTrade: true},
		},
		target: 10,
		hour:   flatHours(24*7, 100),
	}
	if err := f.agent.runMaker(context.Background(), mc); err != nil {
		t.Fatal(err)
	}
	buys := f.mirror.OpenOrders(market, types.Buy)
	sells := f.mirror.OpenOrders(market, types.Sell)
	if len(buys) != 1 || len(sells) != 1 {
		t.Fatalf("want one quote per side, got %d buys %d sells", len(buys), len(sells))
	}
	mid := 100.0
	if buys[0].Price >= mid || sells[0].Price <= mid {
		t.Fatalf("quotes cross the mid: bid=%v ask=%v", buys[0].Price, sells[0].Price)
	}

	// Same inputs again: both sides resting, the maker must not churn.
	before := buys[0].ID + sells[0].ID
	if err := f.agent.runMaker(context.Background(), mc); err != nil {
		t.Fatal(err)
	}
	buys = f.mirror.OpenOrders(market, types.Buy)
	sells = f.mirror.OpenOrders(market, types.Sell)
	if len(buys) != 1 || len(sells) != 1 || buys[0].ID+sells[0].ID != before {
		t.Fatal("maker replaced resting orders without a mismatch")
	}
}

func TestMakerCoolOffCapsBid(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{MinDealAmount: 0.01}, types.MarketState{})
	opts := f.agent.opts

	// A sell filled moments ago at the 99 bid.
	f.mirror.Deposit("BTC", 1)
	f.seedTicker(t, 99, 101)
	if _, err := f.mirror.CreateOrder(context.Background(), mirror.CreateOrderOptions{
		Market: market, Type: types.Market, Side: types.Sell, Amount: 1,
	}); err != nil {
		t.Fatal(err)
	}

	mc := &marketCtx{
		market: market, opts: opts, now: time.Now().UnixMilli(),
		state: types.MarketState{Model: types.MarketModel{Sigma: 0.05}},
	}
	bid, ask := f.agent.coolOffCaps(mc, 99.9, 101)
	want := 99 * (1 - opts.MinNextQuoteDifference)
	if bid > want+1e-9 {
		t.Fatalf("bid %v not capped below recent sell price, want <= %v", bid, want)
	}
	if ask != 101 {
		t.Fatalf("ask moved without a recent buy: %v", ask)
	}
}

func TestAfterRunPausesOnDrawdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{}, types.MarketState{})
	f.mirror.Deposit("USDT", 1000)
	f.agent.AfterRun() // peak seeds at 1000

	// Portfolio falls 30%.
	f.mirror.Deposit("USDT", -300)
	f.agent.AfterRun()

	if !f.agent.Paused() {
		t.Fatal("drawdown past the cap must pause the agent")
	}
	if err := f.agent.BeforeRun(context.Background()); err != ErrPaused {
		t.Fatalf("BeforeRun = %v, want ErrPaused", err)
	}
}

func TestUnpauseResetsGuard(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{}, types.MarketState{})
	f.mirror.Deposit("USDT", 1000)
	f.agent.AfterRun()
	f.mirror.Deposit("USDT", -300)
	f.agent.AfterRun()
	if !f.agent.Paused() {
		t.Fatal("agent should be paused")
	}

	f.agent.SetPaused(false)
	// The remaining 700 re-seeds the peak instead of re-tripping.
	f.agent.AfterRun()
	if f.agent.Paused() {
		t.Fatal("guard must re-seed after an operator unpause")
	}
}

func TestRunWhilePausedReturnsErrPaused(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{}, types.MarketState{})
	f.agent.SetPaused(true)
	if err := f.agent.Run(context.Background()); err != ErrPaused {
		t.Fatalf("Run = %v, want ErrPaused", err)
	}
}

func TestRegistryBuildsAgent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{}, types.MarketState{})
	s, err := New("marketmaker", "id-2", "other", Deps{
		Mirror: f.mirror, Candles: &stubCandles{}, Logger: testLogger(),
	}, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.Name() != "other" {
		t.Fatalf("name = %q", s.Name())
	}
	if _, err := New("nope", "x", "y", Deps{}, Options{}, nil); err == nil {
		t.Fatal("unknown strategy must error")
	}
}

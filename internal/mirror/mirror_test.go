package mirror

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"mmengine/internal/exchange"
	"mmengine/internal/metrics"
	"mmengine/pkg/period"
	"mmengine/pkg/types"
)

// fakeClient is an in-memory exchange.Client for mirror tests.
type fakeClient struct {
	mu         sync.Mutex
	balances   map[string]types.Balance
	tickers    map[string]types.Ticker
	books      map[string]types.OrderBook
	openOrders []types.Order
	candles    map[string][]types.Candle
	nextID     string
	created    []exchange.CreateOrderRequest
	cancelled  []string
	fetchErr   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		balances: map[string]types.Balance{},
		tickers:  map[string]types.Ticker{},
		books:    map[string]types.OrderBook{},
		candles:  map[string][]types.Candle{},
		nextID:   "remote0000000001",
	}
}

func (f *fakeClient) LoadMarkets(ctx context.Context) error { return nil }

func (f *fakeClient) Markets(ctx context.Context, quote string) ([]string, error) {
	return nil, nil
}

func (f *fakeClient) MinDealAmount(ctx context.Context, market string) (float64, error) {
	return 0.001, nil
}

func (f *fakeClient) FetchBalance(ctx context.Context) (map[string]types.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]types.Balance, len(f.balances))
	for k, v := range f.balances {
		out[k] = v
	}
	return out, f.fetchErr
}

func (f *fakeClient) FetchTickers(ctx context.Context, markets []string) (map[string]types.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickers, f.fetchErr
}

func (f *fakeClient) FetchOrderBook(ctx context.Context, markets []string, depth int) (map[string]types.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.books, f.fetchErr
}

func (f *fakeClient) FetchTrades(ctx context.Context, markets []string, since int64, limit int) (map[string][]types.Trade, error) {
	return map[string][]types.Trade{}, nil
}

func (f *fakeClient) FetchOpenOrders(ctx context.Context, market string) ([]types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []types.Order
	for _, o := range f.openOrders {
		if market == "" || o.Market == market {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeClient) FetchOHLCV(ctx context.Context, market, timeframe string, since int64, limit int) ([]types.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candles[market], nil
}

func (f *fakeClient) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return f.nextID, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, order types.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, order.ID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSimMirror(t *testing.T, cfg Config, client exchange.Client) *Exchange {
	t.Helper()
	if cfg.FiatCurrency == "" {
		cfg.FiatCurrency = "USDT"
	}
	cfg.Simulation = true
	return New(cfg, client, testLogger(), nil)
}

func setClock(e *Exchange, ms int64) { e.now = func() int64 { return ms } }

func seedTicker(e *Exchange, market string, bid, ask float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickers[market] = types.Ticker{Bid: bid, Ask: ask, Last: (bid + ask) / 2}
}

func TestCreateLimitBuyReservesQuote(t *testing.T) {
	t.Parallel()
	e := newSimMirror(t, Config{Fee: 0.001}, newFakeClient())
	seedTicker(e, "BTC/USDT", 100, 101)
	e.Deposit("USDT", 1000)

	o, err := e.CreateOrder(context.Background(), CreateOrderOptions{
		Market: "BTC/USDT", Type: types.Limit, Side: types.Buy,
		Amount: 5, Price: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if o.Amount != 5 || o.Price != 100 {
		t.Fatalf("got amount=%v price=%v", o.Amount, o.Price)
	}

	b := e.Balance("USDT")
	if b.Free != 500 || b.Used != 500 {
		t.Fatalf("quote balance after reserve: free=%v used=%v", b.Free, b.Used)
	}

	if err := e.CancelOrder(context.Background(), o.ID); err != nil {
		t.Fatal(err)
	}
	b = e.Balance("USDT")
	if b.Free != 1000 || b.Used != 0 {
		t.Fatalf("quote balance after cancel: free=%v used=%v", b.Free, b.Used)
	}
}

func TestCreateOrderCapsAmountToSpendable(t *testing.T) {
	t.Parallel()
	e := newSimMirror(t, Config{Reserves: map[string]float64{"USDT": 200}}, newFakeClient())
	seedTicker(e, "ETH/USDT", 10, 10.1)
	e.Deposit("USDT", 500)

	// Asks for 100 ETH at 10 = 1000 USDT, only 300 spendable.
	o, err := e.CreateOrder(context.Background(), CreateOrderOptions{
		Market: "ETH/USDT", Type: types.Limit, Side: types.Buy,
		Amount: 100, Price: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if o.Amount != 30 {
		t.Fatalf("amount not capped to spendable: %v", o.Amount)
	}
	if got := e.Balance("USDT").Free; got != 200 {
		t.Fatalf("reserve was spent: free=%v", got)
	}
}

func TestCreateOrderRejectsWhenBroke(t *testing.T) {
	t.Parallel()
	e := newSimMirror(t, Config{}, newFakeClient())
	seedTicker(e, "BTC/USDT", 100, 101)

	_, err := e.CreateOrder(context.Background(), CreateOrderOptions{
		Market: "BTC/USDT", Type: types.Limit, Side: types.Buy, Amount: 1, Price: 100,
	})
	if err != ErrInvalidOrder {
		t.Fatalf("want ErrInvalidOrder, got %v", err)
	}
}

func TestMarketOrderSettlesWithFeeAndSlippage(t *testing.T) {
	t.Parallel()
	e := newSimMirror(t, Config{Fee: 0.001}, newFakeClient())
	seedTicker(e, "BTC/USDT", 99, 100)
	e.Deposit("USDT", 1000)

	o, err := e.CreateOrder(context.Background(), CreateOrderOptions{
		Market: "BTC/USDT", Type: types.Market, Side: types.Buy, Amount: 10, Sticky: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if o.Sticky {
		t.Fatal("market order must not be sticky")
	}
	if o.Price != 100 {
		t.Fatalf("market buy should price at ask, got %v", o.Price)
	}
	if o.Status != types.StatusClosed || o.Remaining != 0 {
		t.Fatalf("market order not closed: %+v", o)
	}

	wantBTC := 10 * (1 - 0.001) * (1 - marketSlippage)
	if got := e.Balance("BTC").Free; math.Abs(got-wantBTC) > 1e-9 {
		t.Fatalf("base credited %v, want %v", got, wantBTC)
	}
	if got := e.Balance("USDT").Free; got != 0 {
		t.Fatalf("quote not fully withdrawn: %v", got)
	}
}

func TestForceAutoCancelRejectsUnbudgetedOrders(t *testing.T) {
	t.Parallel()
	e := newSimMirror(t, Config{ForceAutoCancel: true}, newFakeClient())
	seedTicker(e, "BTC/USDT", 100, 101)
	e.Deposit("USDT", 1000)

	_, err := e.CreateOrder(context.Background(), CreateOrderOptions{
		Market: "BTC/USDT", Type: types.Limit, Side: types.Buy, Amount: 1, Price: 100,
	})
	if err != ErrAutoCancelRequired {
		t.Fatalf("want ErrAutoCancelRequired, got %v", err)
	}
}

func TestLockdownBlocksMutations(t *testing.T) {
	t.Parallel()
	e := newSimMirror(t, Config{}, newFakeClient())
	seedTicker(e, "BTC/USDT", 100, 101)
	e.Deposit("USDT", 1000)
	e.SetLockdown(true)

	if _, err := e.CreateOrder(context.Background(), CreateOrderOptions{
		Market: "BTC/USDT", Type: types.Limit, Side: types.Buy, Amount: 1, Price: 100,
	}); err != ErrLockdown {
		t.Fatalf("create: want ErrLockdown, got %v", err)
	}
	if ok := e.Update(context.Background(), ""); ok {
		t.Fatal("update must report false under lockdown")
	}
}

func TestSimulatedFillConservesValue(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	e := newSimMirror(t, Config{Fee: 0.002}, client)
	setClock(e, 1_000)
	seedTicker(e, "BTC/USDT", 100, 101)
	e.Deposit("USDT", 1000)

	o, err := e.CreateOrder(context.Background(), CreateOrderOptions{
		Market: "BTC/USDT", Type: types.Limit, Side: types.Buy, Amount: 4, Price: 100,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Candle trades through the bid after the order was placed.
	client.candles["BTC/USDT"] = []types.Candle{
		{Timestamp: 2_000, Open: 101, High: 102, Low: 99, Close: 100, Volume: 10},
	}
	setClock(e, 3_000)
	if ok := e.Update(context.Background(), "BTC/USDT"); !ok {
		t.Fatal("update failed")
	}

	got, ok := e.Order(o.ID)
	if !ok || got.Status != types.StatusClosed || got.Filled != 4 {
		t.Fatalf("order not filled: %+v", got)
	}
	if btc := e.Balance("BTC").Free; math.Abs(btc-4*(1-0.002)) > 1e-9 {
		t.Fatalf("base credited %v", btc)
	}
	usdt := e.Balance("USDT")
	if usdt.Free != 600 || usdt.Used != 0 {
		t.Fatalf("quote after fill: %+v", usdt)
	}
}

func TestSimulatedFillRequiresTradeThrough(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	e := newSimMirror(t, Config{}, client)
	setClock(e, 1_000)
	seedTicker(e, "BTC/USDT", 100, 101)
	e.Deposit("USDT", 1000)

	o, _ := e.CreateOrder(context.Background(), CreateOrderOptions{
		Market: "BTC/USDT", Type: types.Limit, Side: types.Buy, Amount: 1, Price: 100,
	})

	// Low touches but never crosses the bid; no volume case too.
	client.candles["BTC/USDT"] = []types.Candle{
		{Timestamp: 2_000, Open: 101, High: 102, Low: 100, Close: 101, Volume: 10},
	}
	e.Update(context.Background(), "BTC/USDT")
	if got, _ := e.Order(o.ID); got.Status != types.StatusOpen {
		t.Fatalf("order filled on a touch: %+v", got)
	}

	client.candles["BTC/USDT"] = []types.Candle{
		{Timestamp: 2_500, Open: 101, High: 102, Low: 99, Close: 101, Volume: 0},
	}
	e.Update(context.Background(), "BTC/USDT")
	if got, _ := e.Order(o.ID); got.Status != types.StatusOpen {
		t.Fatalf("order filled on a zero-volume candle: %+v", got)
	}
}

func TestAutoCancelByAge(t *testing.T) {
	t.Parallel()
	e := newSimMirror(t, Config{}, newFakeClient())
	setClock(e, 1_000)
	seedTicker(e, "BTC/USDT", 100, 101)
	e.Deposit("USDT", 1000)

	o, _ := e.CreateOrder(context.Background(), CreateOrderOptions{
		Market: "BTC/USDT", Type: types.Limit, Side: types.Buy,
		Amount: 1, Price: 100, AutoCancel: period.Minute,
	})

	setClock(e, 1_000+period.Minute+1)
	e.Update(context.Background(), "BTC/USDT")

	if got, _ := e.Order(o.ID); got.Status != types.StatusClosed {
		t.Fatalf("aged order not cancelled: %+v", got)
	}
	if e.Balance("USDT").Free != 1000 {
		t.Fatalf("funds not released: %+v", e.Balance("USDT"))
	}
}

func TestAutoCancelAtPriceLevel(t *testing.T) {
	t.Parallel()
	e := newSimMirror(t, Config{}, newFakeClient())
	seedTicker(e, "BTC/USDT", 100, 101)
	e.Deposit("USDT", 1000)

	o, _ := e.CreateOrder(context.Background(), CreateOrderOptions{
		Market: "BTC/USDT", Type: types.Limit, Side: types.Buy,
		Amount: 1, Price: 100, AutoCancelAtPriceLevel: 110,
	})

	// Market ran away: ask above the level means the entry is stale.
	seedTicker(e, "BTC/USDT", 111, 112)
	e.Update(context.Background(), "BTC/USDT")

	if got, _ := e.Order(o.ID); got.Status != types.StatusClosed {
		t.Fatalf("order not cancelled above price level: %+v", got)
	}
}

func TestStickyOrderStepsBackWhenAloneAtBest(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	e := newSimMirror(t, Config{}, client)
	seedTicker(e, "BTC/USDT", 100, 101)
	e.Deposit("USDT", 10_000)

	o, _ := e.CreateOrder(context.Background(), CreateOrderOptions{
		Market: "BTC/USDT", Type: types.Limit, Side: types.Buy,
		Amount: 5, Price: 100, Sticky: true,
	})

	// Our 5 BTC are the entire best level; second level sits at 99.5.
	client.books["BTC/USDT"] = types.OrderBook{
		Bids: []types.BookLevel{{Price: 100, Amount: 5}, {Price: 99.5, Amount: 8}},
		Asks: []types.BookLevel{{Price: 101, Amount: 3}},
	}
	e.Update(context.Background(), "BTC/USDT")

	open := e.OpenOrders("BTC/USDT", types.Buy)
	if len(open) != 1 {
		t.Fatalf("want 1 open order, got %d", len(open))
	}
	if open[0].Price != 99.5 {
		t.Fatalf("sticky order should step back to 99.5, got %v", open[0].Price)
	}
	if open[0].ID == o.ID {
		t.Fatal("reprice must replace the order, not mutate it")
	}
	if _, ok := e.Order(o.ID); ok {
		t.Fatal("repriced order must leave no cancel record")
	}
}

func TestStickyOrderChasesBest(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	e := newSimMirror(t, Config{}, client)
	seedTicker(e, "BTC/USDT", 100, 101)
	e.Deposit("USDT", 10_000)

	e.CreateOrder(context.Background(), CreateOrderOptions{
		Market: "BTC/USDT", Type: types.Limit, Side: types.Buy,
		Amount: 2, Price: 99, Sticky: true,
	})

	client.books["BTC/USDT"] = types.OrderBook{
		Bids: []types.BookLevel{{Price: 100, Amount: 7}, {Price: 99, Amount: 2}},
		Asks: []types.BookLevel{{Price: 101, Amount: 3}},
	}
	e.Update(context.Background(), "BTC/USDT")

	open := e.OpenOrders("BTC/USDT", types.Buy)
	if len(open) != 1 || open[0].Price != 100 {
		t.Fatalf("sticky order should chase the best bid, got %+v", open)
	}
}

func TestSyncOrdersAssumesMissingOrdersFilled(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	cfg := Config{FiatCurrency: "USDT"}
	e := New(cfg, client, testLogger(), nil)
	seedTicker(e, "BTC/USDT", 100, 101)
	e.Deposit("USDT", 1000)

	o, err := e.CreateOrder(context.Background(), CreateOrderOptions{
		Market: "BTC/USDT", Type: types.Limit, Side: types.Buy, Amount: 1, Price: 100,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Venue no longer lists it and we never cancelled: assume filled.
	if ok := e.SyncOrders(context.Background(), "BTC/USDT"); !ok {
		t.Fatal("sync should succeed with matching counts")
	}
	got, _ := e.Order(o.ID)
	if got.Status != types.StatusClosed || got.Filled != got.Amount {
		t.Fatalf("missing order not assumed filled: %+v", got)
	}
}

func TestSyncOrdersRestoresWronglyAssumedFill(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	e := New(Config{FiatCurrency: "USDT"}, client, testLogger(), nil)
	seedTicker(e, "BTC/USDT", 100, 101)
	e.Deposit("USDT", 1000)

	o, _ := e.CreateOrder(context.Background(), CreateOrderOptions{
		Market: "BTC/USDT", Type: types.Limit, Side: types.Buy, Amount: 1, Price: 100,
	})
	e.SyncOrders(context.Background(), "BTC/USDT") // assumed filled

	// The venue reports it open again: a paging glitch, not a fill.
	client.openOrders = []types.Order{{
		ID: o.ID, Market: "BTC/USDT", Type: types.Limit, Side: types.Buy,
		Price: 100, Amount: 1, Remaining: 1, Status: types.StatusOpen,
	}}
	if ok := e.SyncOrders(context.Background(), "BTC/USDT"); !ok {
		t.Fatal("restore sync should succeed")
	}
	open := e.OpenOrders("BTC/USDT", "")
	if len(open) != 1 || open[0].ID != o.ID || open[0].Status != types.StatusOpen {
		t.Fatalf("order not restored: %+v", open)
	}
}

func TestSyncOrdersAdoptsThenCancelsZombies(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	e := New(Config{FiatCurrency: "USDT"}, client, testLogger(), nil)

	client.openOrders = []types.Order{{
		ID: "stranger00000001", Market: "BTC/USDT", Type: types.Limit,
		Side: types.Buy, Price: 90, Amount: 1, Remaining: 1,
	}}

	// First pass adopts the stranger.
	if ok := e.SyncOrders(context.Background(), "BTC/USDT"); !ok {
		t.Fatal("adoption pass should report parity")
	}
	open := e.OpenOrders("BTC/USDT", "")
	if len(open) != 1 || !open[0].Adopted {
		t.Fatalf("stranger not adopted: %+v", open)
	}

	// Second pass cancels it and reports a mismatch until the venue
	// confirms.
	if ok := e.SyncOrders(context.Background(), "BTC/USDT"); ok {
		t.Fatal("zombie cleanup pass must report mismatch")
	}
	if len(client.cancelled) != 1 || client.cancelled[0] != "stranger00000001" {
		t.Fatalf("zombie not cancelled remotely: %v", client.cancelled)
	}
	if got := e.OpenOrders("BTC/USDT", ""); len(got) != 0 {
		t.Fatalf("zombie still tracked locally: %+v", got)
	}
}

func TestSyncOrdersForceAutoCancelKillsStrangers(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	e := New(Config{FiatCurrency: "USDT", ForceAutoCancel: true}, client, testLogger(), nil)

	client.openOrders = []types.Order{{
		ID: "stranger00000002", Market: "BTC/USDT", Type: types.Limit,
		Side: types.Sell, Price: 120, Amount: 1, Remaining: 1,
	}}
	if ok := e.SyncOrders(context.Background(), "BTC/USDT"); ok {
		t.Fatal("cleanup pass must report mismatch")
	}
	if len(client.cancelled) != 1 {
		t.Fatalf("stranger not cancelled: %v", client.cancelled)
	}
	if got := e.OpenOrders("BTC/USDT", ""); len(got) != 0 {
		t.Fatalf("stranger adopted despite forceAutoCancel: %+v", got)
	}
}

func TestTotalBalanceValuesAcrossTickers(t *testing.T) {
	t.Parallel()
	e := newSimMirror(t, Config{}, newFakeClient())
	seedTicker(e, "BTC/USDT", 100, 101)
	e.Deposit("USDT", 500)
	e.Deposit("BTC", 2)

	total, ok := e.TotalBalance(false)
	if !ok || total != 700 {
		t.Fatalf("total = %v ok=%v, want 700", total, ok)
	}
}

func TestTotalBalanceInverseTickerFallback(t *testing.T) {
	t.Parallel()
	e := newSimMirror(t, Config{}, newFakeClient())
	// Only the inverse market exists: USDT/EUR with ask 1.25.
	seedTicker(e, "USDT/EUR", 1.2, 1.25)
	e.Deposit("EUR", 100)

	total, ok := e.TotalBalance(false)
	if !ok || math.Abs(total-80) > 1e-9 {
		t.Fatalf("total = %v ok=%v, want 80 via inverse ticker", total, ok)
	}
}

func TestTotalBalanceFailsOnUnpriceableHolding(t *testing.T) {
	t.Parallel()
	e := newSimMirror(t, Config{}, newFakeClient())
	e.Deposit("XYZ", 10)

	if _, ok := e.TotalBalance(false); ok {
		t.Fatal("unpriceable holding must fail the valuation, not skip it")
	}
}

func TestTotalBalanceReserveMask(t *testing.T) {
	t.Parallel()
	e := newSimMirror(t, Config{Reserves: map[string]float64{"USDT": 300}}, newFakeClient())
	e.Deposit("USDT", 1000)

	masked, _ := e.TotalBalance(false)
	full, _ := e.TotalBalance(true)
	if masked != 700 || full != 1000 {
		t.Fatalf("masked=%v full=%v", masked, full)
	}
}

func TestPurgeDropsOldHistory(t *testing.T) {
	t.Parallel()
	e := newSimMirror(t, Config{}, newFakeClient())
	setClock(e, 1_000)
	seedTicker(e, "BTC/USDT", 100, 101)
	e.Deposit("USDT", 1000)

	o, _ := e.CreateOrder(context.Background(), CreateOrderOptions{
		Market: "BTC/USDT", Type: types.Limit, Side: types.Buy, Amount: 1, Price: 100,
	})
	e.CancelOrder(context.Background(), o.ID)

	setClock(e, 1_000+8*period.Day)
	e.Update(context.Background(), "BTC/USDT")

	if _, ok := e.Order(o.ID); ok {
		t.Fatal("week-old cancelled order should be purged")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	e := newSimMirror(t, Config{Reserves: map[string]float64{"USDT": 50}}, newFakeClient())
	seedTicker(e, "BTC/USDT", 100, 101)
	e.Deposit("USDT", 1000)
	o, _ := e.CreateOrder(context.Background(), CreateOrderOptions{
		Market: "BTC/USDT", Type: types.Limit, Side: types.Buy, Amount: 1, Price: 100,
	})

	snap := e.Snapshot()

	restored := newSimMirror(t, Config{Reserves: map[string]float64{"USDT": 50}}, newFakeClient())
	restored.Restore(snap)

	if got := restored.Balance("USDT"); got.Used != 100 || got.Locked != 50 {
		t.Fatalf("restored balance: %+v", got)
	}
	open := restored.OpenOrders("BTC/USDT", "")
	if len(open) != 1 || open[0].ID != o.ID {
		t.Fatalf("restored orders: %+v", open)
	}
}

func TestEventsEmitted(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var events []string
	sink := func(ev Event) {
		mu.Lock()
		events = append(events, ev.Type)
		mu.Unlock()
	}
	client := newFakeClient()
	e := New(Config{Simulation: true, FiatCurrency: "USDT"}, client, testLogger(), sink)
	setClock(e, 1_000)
	seedTicker(e, "BTC/USDT", 100, 101)
	e.Deposit("USDT", 1000)

	e.CreateOrder(context.Background(), CreateOrderOptions{
		Market: "BTC/USDT", Type: types.Limit, Side: types.Buy, Amount: 1, Price: 100,
	})
	client.candles["BTC/USDT"] = []types.Candle{
		{Timestamp: 2_000, Open: 101, High: 102, Low: 99, Close: 100, Volume: 5},
	}
	setClock(e, 3_000)
	e.Update(context.Background(), "BTC/USDT")

	mu.Lock()
	defer mu.Unlock()
	want := []string{EventLimitOrderCreated, EventLimitOrderFulfilled}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestSyncFailuresCounted(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	client.fetchErr = errors.New("venue unreachable")
	e := New(Config{Name: "flaky", FiatCurrency: "USDT"}, client, testLogger(), nil)

	before := testutil.ToFloat64(metrics.SyncFailures.WithLabelValues("flaky", "balance"))
	if e.SyncBalance(context.Background()) {
		t.Fatal("balance sync against a dead venue must fail")
	}
	if got := testutil.ToFloat64(metrics.SyncFailures.WithLabelValues("flaky", "balance")); got != before+1 {
		t.Fatalf("balance sync failures = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(metrics.SyncFailures.WithLabelValues("flaky", "orders"))
	if e.SyncOrders(context.Background(), "BTC/USDT") {
		t.Fatal("order sync against a dead venue must fail")
	}
	if got := testutil.ToFloat64(metrics.SyncFailures.WithLabelValues("flaky", "orders")); got != before+1 {
		t.Fatalf("order sync failures = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(metrics.SyncFailures.WithLabelValues("flaky", "ticker"))
	if e.SyncTickers(context.Background(), []string{"BTC/USDT"}) {
		t.Fatal("ticker sync against a dead venue must fail")
	}
	if got := testutil.ToFloat64(metrics.SyncFailures.WithLabelValues("flaky", "ticker")); got != before+1 {
		t.Fatalf("ticker sync failures = %v, want %v", got, before+1)
	}
}

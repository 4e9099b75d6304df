// Package mirror maintains the local state of one exchange account: the
// balances, tickers, order books, recent trades and the full order
// lifecycle. The remote exchange is the source of truth; the mirror
// reconciles against it every update cycle and layers the engine's own
// bookkeeping on top: reservation accounting, sticky-order repricing,
// auto-cancel rules, and a simulation mode that fills limit orders from
// candles instead of a live venue.
//
// A mirror instance is owned by a single agent run. Within a run,
// per-market work may touch it concurrently, so all state is guarded by
// one mutex; across runs state is carried through persistence snapshots,
// never by sharing a live mirror.
package mirror

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"mmengine/internal/exchange"
	"mmengine/pkg/period"
	"mmengine/pkg/types"
)

// Mirror-level errors.
var (
	// ErrLockdown is returned by every mutating entry point while the
	// administrative circuit breaker is on.
	ErrLockdown = errors.New("mirror: lockdown active")
	// ErrReconciliationMismatch reports an open-order count disagreement
	// with the remote after a sync pass.
	ErrReconciliationMismatch = errors.New("mirror: open order count mismatch")
	// ErrOrderNotOpen is returned when cancelling an order that is not open.
	ErrOrderNotOpen = errors.New("mirror: order not open")
	// ErrInvalidOrder is returned for non-positive amounts or prices.
	ErrInvalidOrder = errors.New("mirror: invalid order")
	// ErrAutoCancelRequired is returned when the exchange forces an
	// auto-cancel budget on every order and none was given.
	ErrAutoCancelRequired = errors.New("mirror: auto-cancel required")
)

// Event names emitted through the sink.
const (
	EventLimitOrderCreated    = "limit_order_created"
	EventMarketOrderCreated   = "market_order_created"
	EventLimitOrderCancelled  = "limit_order_cancelled"
	EventMarketOrderCancelled = "market_order_cancelled"
	EventLimitOrderFulfilled  = "limit_order_fulfilled"
)

// Event is a structured notification persisted by the caller and fanned
// out to the admin stream.
type Event struct {
	Type      string         `json:"type"`
	Exchange  string         `json:"exchange"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventSink receives mirror events. Must not block.
type EventSink func(Event)

// Config is the static configuration of a mirror.
type Config struct {
	Name            string             // exchange name, used in events
	Simulation      bool               // fill orders locally from candles
	Fee             float64            // taker/maker fee rate, e.g. 0.001
	FiatCurrency    string             // quote side for portfolio accounting
	ForceAutoCancel bool               // reject orders without an auto-cancel budget
	MaxSyncAge      int64              // ms before cached remote data is stale
	Reserves        map[string]float64 // per-currency amounts that must not be spent
	MinDealAmounts  map[string]float64 // per-market overrides of the venue minimum
	PurgeAfter      int64              // ms to keep closed/cancelled orders, default 7d
}

// Exchange is the state mirror for one exchange account.
type Exchange struct {
	cfg    Config
	client exchange.Client
	logger *slog.Logger
	sink   EventSink

	// now is the clock in ms; replaced in tests.
	now func() int64

	mu        sync.Mutex
	lockdown  bool
	balances  map[string]*types.Balance
	open      map[string]*types.Order
	closed    map[string]*types.Order
	cancelled map[string]*types.Order
	tickers   map[string]types.Ticker
	books     map[string]types.OrderBook
	trades    map[string][]types.Trade
	lastSync  map[string]int64 // "<kind>:<market>" -> ms timestamp
}

// New creates a mirror over the given client. A nil sink drops events.
func New(cfg Config, client exchange.Client, logger *slog.Logger, sink EventSink) *Exchange {
	if cfg.PurgeAfter <= 0 {
		cfg.PurgeAfter = 7 * period.Day
	}
	if sink == nil {
		sink = func(Event) {}
	}
	return &Exchange{
		cfg:       cfg,
		client:    client,
		logger:    logger.With("component", "mirror", "exchange", cfg.Name),
		sink:      sink,
		now:       func() int64 { return time.Now().UnixMilli() },
		balances:  make(map[string]*types.Balance),
		open:      make(map[string]*types.Order),
		closed:    make(map[string]*types.Order),
		cancelled: make(map[string]*types.Order),
		tickers:   make(map[string]types.Ticker),
		books:     make(map[string]types.OrderBook),
		trades:    make(map[string][]types.Trade),
		lastSync:  make(map[string]int64),
	}
}

// SetLockdown flips the administrative circuit breaker.
func (e *Exchange) SetLockdown(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lockdown = on
}

// Lockdown reports whether the circuit breaker is on.
func (e *Exchange) Lockdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lockdown
}

// Simulation reports whether the mirror fills orders locally.
func (e *Exchange) Simulation() bool { return e.cfg.Simulation }

// FiatCurrency returns the portfolio accounting currency.
func (e *Exchange) FiatCurrency() string { return e.cfg.FiatCurrency }

// Fee returns the configured fee rate.
func (e *Exchange) Fee() float64 { return e.cfg.Fee }

// reserveOf returns the configured reserve for a currency.
func (e *Exchange) reserveOf(cur string) float64 {
	return e.cfg.Reserves[cur]
}

// MinDealAmount returns the minimum order amount for a market: the
// configured override if present, else the venue minimum.
func (e *Exchange) MinDealAmount(ctx context.Context, market string) float64 {
	if v, ok := e.cfg.MinDealAmounts[market]; ok {
		return v
	}
	v, err := e.client.MinDealAmount(ctx, market)
	if err != nil {
		return 0
	}
	return v
}

// balance returns the balance entry for a currency, creating it lazily
// with the configured reserve. Caller holds e.mu.
func (e *Exchange) balance(cur string) *types.Balance {
	b, ok := e.balances[cur]
	if !ok {
		b = &types.Balance{Locked: e.reserveOf(cur)}
		e.balances[cur] = b
	}
	return b
}

// Balance returns a copy of the currency's balance with the reserve mask
// applied by the type's accessors.
func (e *Exchange) Balance(cur string) types.Balance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.balance(cur)
}

// Balance accounting primitives. Callers hold e.mu.

func (e *Exchange) deposit(cur string, amount float64) {
	e.balance(cur).Free += amount
}

func (e *Exchange) withdraw(cur string, amount float64) {
	e.balance(cur).Free -= amount
}

func (e *Exchange) withdrawFromUsed(cur string, amount float64) {
	e.balance(cur).Used -= amount
}

// reserve moves free into used, clamped so the configured reserve is
// never spent.
func (e *Exchange) reserve(cur string, amount float64) {
	b := e.balance(cur)
	room := b.Free - e.reserveOf(cur)
	if room < 0 {
		room = 0
	}
	if amount > room {
		amount = room
	}
	b.Free -= amount
	b.Used += amount
}

// release moves used back into free, clamped to what is actually used.
func (e *Exchange) release(cur string, amount float64) {
	b := e.balance(cur)
	if amount > b.Used {
		amount = b.Used
	}
	b.Free += amount
	b.Used -= amount
}

// Ticker returns the cached ticker for a market.
func (e *Exchange) Ticker(market string) (types.Ticker, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tickers[market]
	return t, ok
}

// OrderBook returns the cached depth snapshot for a market.
func (e *Exchange) OrderBook(market string) (types.OrderBook, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[market]
	return b, ok
}

// Trades returns the cached recent trades for a market.
func (e *Exchange) Trades(market string) []types.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.Trade(nil), e.trades[market]...)
}

// OpenOrders returns copies of open orders, optionally filtered by market
// ("" = all) and side ("" = both).
func (e *Exchange) OpenOrders(market string, side types.Side) []types.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []types.Order
	for _, o := range e.open {
		if (market == "" || o.Market == market) && (side == "" || o.Side == side) {
			out = append(out, *o)
		}
	}
	return out
}

// LastClosedOrder returns the most recently closed order for a market and
// side, ok=false when none exists.
func (e *Exchange) LastClosedOrder(market string, side types.Side) (types.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var best *types.Order
	for _, o := range e.closed {
		if o.Market != market || o.Side != side {
			continue
		}
		if best == nil || o.TimestampClosed > best.TimestampClosed {
			best = o
		}
	}
	if best == nil {
		return types.Order{}, false
	}
	return *best, true
}

// Order returns a copy of any tracked order by id, searching open, closed
// and cancelled sets in that sequence.
func (e *Exchange) Order(id string) (types.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, set := range []map[string]*types.Order{e.open, e.closed, e.cancelled} {
		if o, ok := set[id]; ok {
			return *o, true
		}
	}
	return types.Order{}, false
}

func (e *Exchange) emit(evtType string, data map[string]any) {
	e.sink(Event{
		Type:      evtType,
		Exchange:  e.cfg.Name,
		Timestamp: e.now(),
		Data:      data,
	})
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newOrderID generates a 16-character lowercase alphanumeric id for
// simulated or not-yet-confirmed orders.
func newOrderID() string {
	buf := make([]byte, 16)
	for i := range buf {
		buf[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return string(buf)
}

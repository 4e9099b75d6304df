// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: orders, tickers,
// candles, balances, order books and per-market strategy state. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"math"
	"strings"
)

// Side represents the direction of an order. The literals match what spot
// exchanges expect on the wire.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates supported order kinds.
type OrderType string

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
)

// OrderStatus is the lifecycle state of an order. Cancelled orders keep
// their last status; membership in the cancelled set is tracked separately
// by the exchange mirror.
type OrderStatus string

const (
	StatusOpen   OrderStatus = "open"
	StatusClosed OrderStatus = "closed"
)

// AgentState is the per-market position of the trading agent's policy
// state machine.
type AgentState string

const (
	Idle          AgentState = "idle"
	TryingToEnter AgentState = "tryingToEnter"
	HasPosition   AgentState = "hasPosition"
	TryingToLeave AgentState = "tryingToLeave"
)

// Order is a spot order as tracked by the exchange mirror. Identity fields
// are set once at creation; Status, Filled, Remaining and TimestampClosed
// change over the order's life.
//
// The auto-cancel fields and Sticky are control flags interpreted by the
// mirror's update cycle, not by the remote exchange:
//
//   - AutoCancel: cancel once the order is older than this many ms (0 = never).
//   - AutoCancelAtFillPercentage: cancel once Filled/Amount reaches this (0,1].
//   - AutoCancelAtPriceLevel: for a buy, cancel when the best ask rises above
//     the level; for a sell, when the best bid falls below it.
//   - Sticky: keep the order at the top of its book side by cancel+replace.
type Order struct {
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"` // creation time, ms since epoch
	Market    string      `json:"market"`    // "BASE/QUOTE"
	Type      OrderType   `json:"type"`
	Side      Side        `json:"side"`
	Price     float64     `json:"price"`
	Amount    float64     `json:"amount"`
	Fee       float64     `json:"fee"`
	Status    OrderStatus `json:"status"`
	Filled    float64     `json:"filled"`
	Remaining float64     `json:"remaining"`
	// TimestampClosed is set when the order transitions to closed.
	TimestampClosed int64 `json:"timestampClosed,omitempty"`

	AutoCancel                 int64   `json:"autoCancel,omitempty"`
	AutoCancelAtFillPercentage float64 `json:"autoCancelAtFillPercentage,omitempty"`
	AutoCancelAtPriceLevel     float64 `json:"autoCancelAtPriceLevel,omitempty"`
	Sticky                     bool    `json:"sticky"`

	// Adopted marks an order picked up from the remote exchange without any
	// local metadata. Adopted orders are treated as zombies by reconciliation
	// and cancelled on the next pass.
	Adopted bool `json:"adopted,omitempty"`
}

// Base returns the base currency of the order's market ("BTC" for "BTC/USDT").
func (o Order) Base() string { return BaseCurrency(o.Market) }

// Quote returns the quote currency of the order's market.
func (o Order) Quote() string { return QuoteCurrency(o.Market) }

// Age returns the order age in ms at the given time.
func (o Order) Age(nowMs int64) int64 { return nowMs - o.Timestamp }

// FillFraction returns Filled/Amount, 0 for a zero-amount order.
func (o Order) FillFraction() float64 {
	if o.Amount <= 0 {
		return 0
	}
	return o.Filled / o.Amount
}

// BaseCurrency extracts the base side of a "BASE/QUOTE" market symbol.
func BaseCurrency(market string) string {
	if i := strings.IndexByte(market, '/'); i >= 0 {
		return market[:i]
	}
	return market
}

// QuoteCurrency extracts the quote side of a "BASE/QUOTE" market symbol.
func QuoteCurrency(market string) string {
	if i := strings.IndexByte(market, '/'); i >= 0 {
		return market[i+1:]
	}
	return ""
}

// Ticker is a point-in-time top-of-book summary for one market.
type Ticker struct {
	Timestamp   int64   `json:"timestamp"` // ms since epoch
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	Last        float64 `json:"last"`
	BaseVolume  float64 `json:"baseVolume"`
	QuoteVolume float64 `json:"quoteVolume"`
}

// Average returns the bid/ask midpoint.
func (t Ticker) Average() float64 { return (t.Bid + t.Ask) / 2 }

// Spread returns ask minus bid.
func (t Ticker) Spread() float64 { return t.Ask - t.Bid }

// Candle is an immutable OHLCV row.
type Candle struct {
	Timestamp int64   `json:"timestamp"` // bucket open time, ms since epoch
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// QuoteVolumeEstimate approximates the candle's quote-denominated volume as
// volume times the OHLC average price.
func (c Candle) QuoteVolumeEstimate() float64 {
	return c.Volume * (c.Open + c.High + c.Low + c.Close) / 4
}

// Balance holds the raw per-currency amounts. Free and Used come from the
// remote exchange (or simulation); Locked is the configured reserve the
// strategy layer must not spend. The exchange mirror exposes the masked
// view: spendable = max(0, Free - Locked).
type Balance struct {
	Free   float64 `json:"free"`
	Used   float64 `json:"used"`
	Locked float64 `json:"locked"`
}

// Spendable returns free balance after masking the locked reserve.
func (b Balance) Spendable() float64 {
	return math.Max(0, b.Free-b.Locked)
}

// Total returns spendable plus used.
func (b Balance) Total() float64 {
	return b.Spendable() + b.Used
}

// BookLevel is a single price level of an order book side.
type BookLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBook is a depth snapshot: bids sorted descending by price, asks
// ascending.
type OrderBook struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}

// BestBid returns the top bid level, ok=false on an empty side.
func (b OrderBook) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, ok=false on an empty side.
func (b OrderBook) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// Trade is a public trade print for a market.
type Trade struct {
	Timestamp int64   `json:"timestamp"`
	Side      Side    `json:"side"`
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
}

// MarketModel carries the per-market quantitative model parameters used by
// the quoting layer. Sigma/Mu come from the GBM estimator, the A/K pairs
// from the market-dynamics estimator, Trend and PriceLevel from the
// indicator layer.
type MarketModel struct {
	Sigma      float64 `json:"sigma"`
	Mu         float64 `json:"mu"`
	Gamma      float64 `json:"gamma"`
	ABuy       float64 `json:"aBuy"`
	KBuy       float64 `json:"kBuy"`
	ASell      float64 `json:"aSell"`
	KSell      float64 `json:"kSell"`
	Trend      float64 `json:"trend"`
	PriceLevel float64 `json:"priceLevel"`
	CanTrade   bool    `json:"canTrade"`
}

// MarketState is the persisted per-market slice of an agent's strategy
// state.
type MarketState struct {
	Ratio          float64     `json:"ratio"` // portfolio weight
	EntryPrice     float64     `json:"entryPrice"`
	EntryTimestamp int64       `json:"entryTimestamp"` // ms since epoch
	State          AgentState  `json:"state"`
	Model          MarketModel `json:"model"`
}

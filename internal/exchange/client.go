// Package exchange implements the port to the remote spot exchange.
//
// Client is the narrow interface the rest of the engine programs against:
// market metadata, balances, tickers, order books, trades, OHLCV, and order
// placement/cancellation. The REST adapter (RESTClient) is the production
// implementation; tests substitute fakes.
//
// Adapter contract, independent of venue:
//   - prices and amounts are rounded to the market's native precision
//     BEFORE submission;
//   - FetchOpenOrders pages to completion so reconciliation can compare
//     full sets;
//   - FetchOHLCV fails soft: rate limiting and unknown markets return
//     (nil, nil) and the caller must handle the absence.
package exchange

import (
	"context"

	"mmengine/pkg/types"
)

// MarketInfo is the venue metadata for one trading pair.
type MarketInfo struct {
	Symbol          string  // "BASE/QUOTE"
	PricePrecision  int     // decimals for prices
	AmountPrecision int     // decimals for amounts
	MinAmount       float64 // minimum deal amount in base units
}

// CreateOrderRequest is the adapter-facing order submission.
type CreateOrderRequest struct {
	Market string
	Type   types.OrderType
	Side   types.Side
	Amount float64
	Price  float64 // ignored for market orders
}

// Client is the remote-exchange port. All methods honor ctx cancellation
// and surface failures through the package's error taxonomy.
type Client interface {
	// LoadMarkets refreshes the symbol metadata cache. Safe to call
	// repeatedly; the daemon schedules it every 24h.
	LoadMarkets(ctx context.Context) error

	// Markets lists "BASE/QUOTE" symbols, optionally filtered to a quote
	// currency.
	Markets(ctx context.Context, quote string) ([]string, error)

	// MinDealAmount returns the venue's minimum order amount for a market.
	MinDealAmount(ctx context.Context, market string) (float64, error)

	// FetchBalance returns free/used amounts per currency.
	FetchBalance(ctx context.Context) (map[string]types.Balance, error)

	// FetchTickers returns tickers for the given markets, or for every
	// market when the slice is empty.
	FetchTickers(ctx context.Context, markets []string) (map[string]types.Ticker, error)

	// FetchOrderBook returns depth snapshots. depth <= 0 means venue
	// default.
	FetchOrderBook(ctx context.Context, markets []string, depth int) (map[string]types.OrderBook, error)

	// FetchTrades returns recent public trades per market since the given
	// ms timestamp (0 = venue default window).
	FetchTrades(ctx context.Context, markets []string, since int64, limit int) (map[string][]types.Trade, error)

	// FetchOpenOrders returns all open orders, optionally for one market,
	// paged to completion.
	FetchOpenOrders(ctx context.Context, market string) ([]types.Order, error)

	// FetchOHLCV returns candles for a timeframe ("1m", "15m", "1h", "1d").
	// since = 0 with a limit returns the most recent rows. Fails soft.
	FetchOHLCV(ctx context.Context, market, timeframe string, since int64, limit int) ([]types.Candle, error)

	// CreateOrder submits an order and returns the remote id.
	CreateOrder(ctx context.Context, req CreateOrderRequest) (string, error)

	// CancelOrder cancels by order. The full order is passed because some
	// venues require (id, market, side) to cancel.
	CancelOrder(ctx context.Context, order types.Order) error
}

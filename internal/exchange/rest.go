package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"mmengine/pkg/types"
)

// RESTConfig configures the REST adapter.
type RESTConfig struct {
	BaseURL     string
	APIKey      string
	APISecret   string
	RateLimit   float64       // order requests per second
	HTTPTimeout time.Duration // per-request timeout, default 10s
}

// RESTClient talks to the spot exchange gateway over its JSON REST API.
// It wraps a resty client with retry on 5xx, per-category token buckets,
// and HMAC-SHA256 request signing for private endpoints. Market metadata
// is cached by LoadMarkets and refreshed daily by the scheduler.
type RESTClient struct {
	http   *resty.Client
	secret []byte
	rl     *RateLimiter
	logger *slog.Logger

	mu        sync.RWMutex
	markets   map[string]MarketInfo // symbol -> metadata
	refreshed time.Time
}

// NewRESTClient creates the adapter. LoadMarkets must be called before the
// metadata-dependent operations (MinDealAmount, order rounding).
func NewRESTClient(cfg RESTConfig, logger *slog.Logger) *RESTClient {
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-KEY", cfg.APIKey)

	return &RESTClient{
		http:    httpClient,
		secret:  []byte(cfg.APISecret),
		rl:      NewRateLimiter(cfg.RateLimit),
		logger:  logger.With("component", "exchange"),
		markets: make(map[string]MarketInfo),
	}
}

// sign adds the HMAC-SHA256 signature headers private endpoints require.
func (c *RESTClient) sign(req *resty.Request, payload string) *resty.Request {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(ts + payload))
	return req.
		SetHeader("X-TIMESTAMP", ts).
		SetHeader("X-SIGNATURE", hex.EncodeToString(mac.Sum(nil)))
}

// checkStatus maps HTTP status codes onto the package error taxonomy.
func checkStatus(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrNetwork, err)
	}
	switch {
	case resp.StatusCode() == http.StatusOK:
		return nil
	case resp.StatusCode() == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", op, ErrRateLimited)
	case resp.StatusCode() == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrMarketUnknown)
	default:
		return fmt.Errorf("%s: %w: status %d: %s", op, ErrBadResponse, resp.StatusCode(), resp.String())
	}
}

// Wire DTOs. Prices and amounts come back as strings to preserve decimal
// precision.

type marketDTO struct {
	Symbol          string  `json:"symbol"`
	PricePrecision  int     `json:"pricePrecision"`
	AmountPrecision int     `json:"amountPrecision"`
	MinAmount       float64 `json:"minAmount"`
}

type balanceDTO struct {
	Currency string  `json:"currency"`
	Free     float64 `json:"free"`
	Used     float64 `json:"used"`
}

type tickerDTO struct {
	Symbol      string  `json:"symbol"`
	Timestamp   int64   `json:"timestamp"`
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	Last        float64 `json:"last"`
	BaseVolume  float64 `json:"baseVolume"`
	QuoteVolume float64 `json:"quoteVolume"`
}

type bookDTO struct {
	Symbol string       `json:"symbol"`
	Bids   [][2]float64 `json:"bids"` // [price, amount], best first
	Asks   [][2]float64 `json:"asks"`
}

type tradeDTO struct {
	Timestamp int64   `json:"timestamp"`
	Side      string  `json:"side"`
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
}

type orderDTO struct {
	ID        string  `json:"id"`
	Timestamp int64   `json:"timestamp"`
	Symbol    string  `json:"symbol"`
	Type      string  `json:"type"`
	Side      string  `json:"side"`
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
	Filled    float64 `json:"filled"`
	Remaining float64 `json:"remaining"`
	Fee       float64 `json:"fee"`
	Status    string  `json:"status"`
}

type candleDTO [6]float64 // [timestamp, open, high, low, close, volume]

// LoadMarkets refreshes the symbol metadata cache.
func (c *RESTClient) LoadMarkets(ctx context.Context) error {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return err
	}

	var page []marketDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&page).
		Get("/v1/markets")
	if err := checkStatus("load markets", resp, err); err != nil {
		return err
	}

	markets := make(map[string]MarketInfo, len(page))
	for _, m := range page {
		markets[m.Symbol] = MarketInfo{
			Symbol:          m.Symbol,
			PricePrecision:  m.PricePrecision,
			AmountPrecision: m.AmountPrecision,
			MinAmount:       m.MinAmount,
		}
	}

	c.mu.Lock()
	c.markets = markets
	c.refreshed = time.Now()
	c.mu.Unlock()

	c.logger.Info("markets loaded", "count", len(markets))
	return nil
}

// Markets lists symbols, optionally filtered to a quote currency.
func (c *RESTClient) Markets(_ context.Context, quote string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.markets) == 0 {
		return nil, fmt.Errorf("markets: %w: metadata not loaded", ErrBadResponse)
	}

	var out []string
	for sym := range c.markets {
		if quote == "" || types.QuoteCurrency(sym) == quote {
			out = append(out, sym)
		}
	}
	return out, nil
}

// MinDealAmount returns the venue minimum order amount for a market.
func (c *RESTClient) MinDealAmount(_ context.Context, market string) (float64, error) {
	c.mu.RLock()
	info, ok := c.markets[market]
	c.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("min deal amount %s: %w", market, ErrMarketUnknown)
	}
	return info.MinAmount, nil
}

// FetchBalance returns free/used amounts per currency.
func (c *RESTClient) FetchBalance(ctx context.Context) (map[string]types.Balance, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var rows []balanceDTO
	resp, err := c.sign(c.http.R(), "").
		SetContext(ctx).
		SetResult(&rows).
		Get("/v1/balances")
	if err := checkStatus("fetch balance", resp, err); err != nil {
		return nil, err
	}

	out := make(map[string]types.Balance, len(rows))
	for _, r := range rows {
		out[r.Currency] = types.Balance{Free: r.Free, Used: r.Used}
	}
	return out, nil
}

// FetchTickers returns tickers for the given markets via the venue's batch
// endpoint.
func (c *RESTClient) FetchTickers(ctx context.Context, markets []string) (map[string]types.Ticker, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.http.R().SetContext(ctx)
	if len(markets) > 0 {
		req.SetQueryParam("symbols", strings.Join(markets, ","))
	}
	var rows []tickerDTO
	resp, err := req.SetResult(&rows).Get("/v1/tickers")
	if err := checkStatus("fetch tickers", resp, err); err != nil {
		return nil, err
	}

	out := make(map[string]types.Ticker, len(rows))
	for _, r := range rows {
		out[r.Symbol] = types.Ticker{
			Timestamp:   r.Timestamp,
			Bid:         r.Bid,
			Ask:         r.Ask,
			Last:        r.Last,
			BaseVolume:  r.BaseVolume,
			QuoteVolume: r.QuoteVolume,
		}
	}
	return out, nil
}

// FetchOrderBook returns depth snapshots, fanned out per market in
// parallel since the venue has no batch depth endpoint.
func (c *RESTClient) FetchOrderBook(ctx context.Context, markets []string, depth int) (map[string]types.OrderBook, error) {
	out := make(map[string]types.OrderBook, len(markets))
	var mu sync.Mutex
	var wg sync.WaitGroup
	errCh := make(chan error, len(markets))

	for _, market := range markets {
		wg.Add(1)
		go func(market string) {
			defer wg.Done()
			if err := c.rl.Data.Wait(ctx); err != nil {
				errCh <- err
				return
			}
			req := c.http.R().
				SetContext(ctx).
				SetQueryParam("symbol", market)
			if depth > 0 {
				req.SetQueryParam("depth", strconv.Itoa(depth))
			}
			var dto bookDTO
			resp, err := req.SetResult(&dto).Get("/v1/depth")
			if err := checkStatus("fetch order book "+market, resp, err); err != nil {
				errCh <- err
				return
			}
			book := types.OrderBook{
				Bids: make([]types.BookLevel, len(dto.Bids)),
				Asks: make([]types.BookLevel, len(dto.Asks)),
			}
			for i, l := range dto.Bids {
				book.Bids[i] = types.BookLevel{Price: l[0], Amount: l[1]}
			}
			for i, l := range dto.Asks {
				book.Asks[i] = types.BookLevel{Price: l[0], Amount: l[1]}
			}
			mu.Lock()
			out[market] = book
			mu.Unlock()
		}(market)
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return nil, err
	}
	return out, nil
}

// FetchTrades returns recent public trades per market.
func (c *RESTClient) FetchTrades(ctx context.Context, markets []string, since int64, limit int) (map[string][]types.Trade, error) {
	out := make(map[string][]types.Trade, len(markets))
	for _, market := range markets {
		if err := c.rl.Data.Wait(ctx); err != nil {
			return nil, err
		}
		req := c.http.R().
			SetContext(ctx).
			SetQueryParam("symbol", market)
		if since > 0 {
			req.SetQueryParam("since", strconv.FormatInt(since, 10))
		}
		if limit > 0 {
			req.SetQueryParam("limit", strconv.Itoa(limit))
		}
		var rows []tradeDTO
		resp, err := req.SetResult(&rows).Get("/v1/trades")
		if err := checkStatus("fetch trades "+market, resp, err); err != nil {
			return nil, err
		}
		trades := make([]types.Trade, len(rows))
		for i, r := range rows {
			trades[i] = types.Trade{
				Timestamp: r.Timestamp,
				Side:      types.Side(r.Side),
				Price:     r.Price,
				Amount:    r.Amount,
			}
		}
		out[market] = trades
	}
	return out, nil
}

// FetchOpenOrders returns open orders, paging to completion so callers can
// compare full sets during reconciliation.
func (c *RESTClient) FetchOpenOrders(ctx context.Context, market string) ([]types.Order, error) {
	const pageSize = 100
	var out []types.Order
	offset := 0

	for {
		if err := c.rl.Data.Wait(ctx); err != nil {
			return nil, err
		}
		req := c.sign(c.http.R(), "").
			SetContext(ctx).
			SetQueryParam("status", "open").
			SetQueryParam("limit", strconv.Itoa(pageSize)).
			SetQueryParam("offset", strconv.Itoa(offset))
		if market != "" {
			req.SetQueryParam("symbol", market)
		}
		var page []orderDTO
		resp, err := req.SetResult(&page).Get("/v1/orders")
		if err := checkStatus("fetch open orders", resp, err); err != nil {
			return nil, err
		}
		for _, dto := range page {
			out = append(out, orderFromDTO(dto))
		}
		if len(page) < pageSize {
			return out, nil
		}
		offset += pageSize
	}
}

// FetchOHLCV returns candles. Per the port contract it fails soft: rate
// limiting and unknown markets yield (nil, nil).
func (c *RESTClient) FetchOHLCV(ctx context.Context, market, timeframe string, since int64, limit int) ([]types.Candle, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", market).
		SetQueryParam("timeframe", timeframe)
	if since > 0 {
		req.SetQueryParam("since", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	var rows []candleDTO
	resp, err := req.SetResult(&rows).Get("/v1/ohlcv")
	if err := checkStatus("fetch ohlcv "+market, resp, err); err != nil {
		if errorsIsAny(err, ErrRateLimited, ErrMarketUnknown) {
			c.logger.Warn("ohlcv unavailable", "market", market, "timeframe", timeframe, "error", err)
			return nil, nil
		}
		return nil, err
	}

	candles := make([]types.Candle, len(rows))
	for i, r := range rows {
		candles[i] = types.Candle{
			Timestamp: int64(r[0]),
			Open:      r[1],
			High:      r[2],
			Low:       r[3],
			Close:     r[4],
			Volume:    r[5],
		}
	}
	return candles, nil
}

// CreateOrder submits an order with price and amount rounded to the
// market's native precision, and returns the remote id.
func (c *RESTClient) CreateOrder(ctx context.Context, reqOrder CreateOrderRequest) (string, error) {
	if err := c.rl.Orders.Wait(ctx); err != nil {
		return "", err
	}

	c.mu.RLock()
	info, ok := c.markets[reqOrder.Market]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("create order %s: %w", reqOrder.Market, ErrMarketUnknown)
	}

	amount := roundTo(reqOrder.Amount, info.AmountPrecision)
	body := map[string]any{
		"symbol": reqOrder.Market,
		"type":   string(reqOrder.Type),
		"side":   string(reqOrder.Side),
		"amount": amount,
	}
	if reqOrder.Type == types.Limit {
		body["price"] = roundTo(reqOrder.Price, info.PricePrecision)
	}

	var result struct {
		ID string `json:"id"`
	}
	resp, err := c.sign(c.http.R(), reqOrder.Market).
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/v1/orders")
	if err := checkStatus("create order "+reqOrder.Market, resp, err); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("create order %s: %w: empty order id", reqOrder.Market, ErrBadResponse)
	}
	return result.ID, nil
}

// CancelOrder cancels by (id, market, side); the venue requires all three.
func (c *RESTClient) CancelOrder(ctx context.Context, order types.Order) error {
	if err := c.rl.Orders.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.sign(c.http.R(), order.ID).
		SetContext(ctx).
		SetQueryParam("symbol", order.Market).
		SetQueryParam("side", string(order.Side)).
		Delete("/v1/orders/" + order.ID)
	return checkStatus("cancel order "+order.ID, resp, err)
}

func orderFromDTO(dto orderDTO) types.Order {
	status := types.StatusOpen
	if dto.Status == string(types.StatusClosed) {
		status = types.StatusClosed
	}
	return types.Order{
		ID:        dto.ID,
		Timestamp: dto.Timestamp,
		Market:    dto.Symbol,
		Type:      types.OrderType(dto.Type),
		Side:      types.Side(dto.Side),
		Price:     dto.Price,
		Amount:    dto.Amount,
		Filled:    dto.Filled,
		Remaining: dto.Remaining,
		Fee:       dto.Fee,
		Status:    status,
	}
}

// roundTo rounds half-even to the given number of decimals via decimal
// arithmetic, avoiding float drift at venue precision boundaries.
func roundTo(v float64, decimals int) float64 {
	f, _ := decimal.NewFromFloat(v).Round(int32(decimals)).Float64()
	return f
}

func errorsIsAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

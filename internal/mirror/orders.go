package mirror

import (
	"context"
	"fmt"
	"math"
	"sync"

	"mmengine/internal/exchange"
	"mmengine/pkg/types"
)

// marketSlippage is the adverse price adjustment applied to simulated
// market orders.
const marketSlippage = 0.01

// CreateOrderOptions describes an order to place. Zero values pick the
// documented defaults: price from the cached ticker, fill percentage 1,
// price level +Inf for buys and 0 for sells.
type CreateOrderOptions struct {
	Market                     string
	Type                       types.OrderType
	Side                       types.Side
	Amount                     float64
	Price                      float64
	AutoCancel                 int64 // ms until the order is cancelled, 0 = never
	AutoCancelAtFillPercentage float64
	AutoCancelAtPriceLevel     float64
	Sticky                     bool
}

// CreateOrder places an order on the mirrored account. The amount is
// capped to spendable funds; orders below validity thresholds return
// ErrInvalidOrder. In simulation mode the order book is never touched:
// limit orders reserve funds and wait for candle-driven fills, market
// orders settle immediately with fee and slippage applied.
func (e *Exchange) CreateOrder(ctx context.Context, opts CreateOrderOptions) (*types.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lockdown {
		return nil, ErrLockdown
	}
	if e.cfg.ForceAutoCancel && opts.AutoCancel <= 0 {
		return nil, ErrAutoCancelRequired
	}

	ticker, ok := e.tickers[opts.Market]
	if !ok {
		return nil, fmt.Errorf("create order %s: no ticker cached", opts.Market)
	}

	price := opts.Price
	if opts.Type == types.Market {
		// Market orders execute at the touch; sticky makes no sense.
		opts.Sticky = false
		if opts.Side == types.Buy {
			price = ticker.Ask
		} else {
			price = ticker.Bid
		}
	} else if price <= 0 {
		if opts.Side == types.Buy {
			price = ticker.Bid
		} else {
			price = ticker.Ask
		}
	}

	base := types.BaseCurrency(opts.Market)
	quote := types.QuoteCurrency(opts.Market)

	amount := opts.Amount
	if opts.Side == types.Buy {
		free := e.balance(quote).Spendable()
		cost := math.Min(price*amount, free)
		amount = cost / price
	} else {
		amount = math.Min(e.balance(base).Spendable(), amount)
	}
	if amount <= 0 || price <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, ErrInvalidOrder
	}

	fillPct := opts.AutoCancelAtFillPercentage
	if fillPct <= 0 {
		fillPct = 1
	}
	priceLevel := opts.AutoCancelAtPriceLevel
	if priceLevel <= 0 {
		if opts.Side == types.Buy {
			priceLevel = math.Inf(1)
		} else {
			priceLevel = 0
		}
	}

	order := &types.Order{
		ID:                         newOrderID(),
		Timestamp:                  e.now(),
		Market:                     opts.Market,
		Type:                       opts.Type,
		Side:                       opts.Side,
		Price:                      price,
		Amount:                     amount,
		Status:                     types.StatusOpen,
		Remaining:                  amount,
		AutoCancel:                 opts.AutoCancel,
		AutoCancelAtFillPercentage: fillPct,
		AutoCancelAtPriceLevel:     priceLevel,
		Sticky:                     opts.Sticky,
	}

	if !e.cfg.Simulation {
		id, err := e.client.CreateOrder(ctx, exchange.CreateOrderRequest{
			Market: opts.Market,
			Type:   opts.Type,
			Side:   opts.Side,
			Amount: amount,
			Price:  price,
		})
		if err != nil {
			e.logger.Error("create order failed",
				"market", opts.Market, "side", opts.Side, "type", opts.Type,
				"amount", amount, "price", price, "error", err)
			return nil, nil
		}
		order.ID = id
	}

	switch opts.Type {
	case types.Limit:
		if opts.Side == types.Buy {
			e.reserve(quote, amount*price)
		} else {
			e.reserve(base, amount)
		}
		e.open[order.ID] = order
		e.emit(EventLimitOrderCreated, orderEventData(order))

	case types.Market:
		if opts.Side == types.Buy {
			e.withdraw(quote, amount*price)
			e.deposit(base, amount*(1-e.cfg.Fee)*(1-marketSlippage))
		} else {
			e.withdraw(base, amount)
			e.deposit(quote, amount*price*(1-e.cfg.Fee)*(1-marketSlippage))
		}
		order.Status = types.StatusClosed
		order.Filled = amount
		order.Remaining = 0
		order.Fee = amount * price * e.cfg.Fee
		order.TimestampClosed = e.now()
		e.closed[order.ID] = order
		e.emit(EventMarketOrderCreated, orderEventData(order))

	default:
		return nil, fmt.Errorf("create order: unknown type %q", opts.Type)
	}

	out := *order
	return &out, nil
}

// CancelOrder cancels an open order, releases its reserved funds and
// records it in the cancelled set; partially filled orders additionally
// keep a closed record of the filled part.
func (e *Exchange) CancelOrder(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelOrderLocked(ctx, id)
}

func (e *Exchange) cancelOrderLocked(ctx context.Context, id string) error {
	if e.lockdown {
		return ErrLockdown
	}
	order, ok := e.open[id]
	if !ok {
		return ErrOrderNotOpen
	}

	if !e.cfg.Simulation {
		if err := e.client.CancelOrder(ctx, *order); err != nil {
			e.logger.Error("cancel order failed", "id", id, "market", order.Market, "error", err)
			return err
		}
	}

	if order.Side == types.Buy {
		e.release(types.QuoteCurrency(order.Market), order.Remaining*order.Price)
	} else {
		e.release(types.BaseCurrency(order.Market), order.Remaining)
	}

	order.Status = types.StatusClosed
	order.TimestampClosed = e.now()
	delete(e.open, id)
	e.cancelled[id] = order

	if order.Filled > 0 {
		// The filled part is a real trade; keep it visible to the
		// strategy's last-closed-order lookups.
		part := *order
		e.closed[id] = &part
	}

	e.emit(EventLimitOrderCancelled, orderEventData(order))
	return nil
}

// CancelAllOrders cancels every open order matching the market ("" = all)
// and side ("" = both), issuing the per-order cancellations in parallel.
// The first error is returned after all attempts complete.
func (e *Exchange) CancelAllOrders(ctx context.Context, market string, side types.Side) error {
	e.mu.Lock()
	var ids []string
	for id, o := range e.open {
		if (market == "" || o.Market == market) && (side == "" || o.Side == side) {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := e.CancelOrder(ctx, id); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return firstErr
}

func orderEventData(o *types.Order) map[string]any {
	return map[string]any{
		"id":     o.ID,
		"market": o.Market,
		"side":   string(o.Side),
		"type":   string(o.Type),
		"price":  o.Price,
		"amount": o.Amount,
		"filled": o.Filled,
		"sticky": o.Sticky,
	}
}

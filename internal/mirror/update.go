package mirror

import (
	"context"
	"math"

	"mmengine/pkg/types"
)

// Update runs one maintenance cycle for a market ("" = every market with
// open orders): reconcile with the remote, fill simulated orders from the
// latest candle, enforce auto-cancel rules, reprice sticky orders and
// purge stale history. Returns false when the cycle could not establish a
// trustworthy view and the caller should skip trading this tick.
func (e *Exchange) Update(ctx context.Context, market string) bool {
	if e.Lockdown() {
		return false
	}
	if !e.SyncOrders(ctx, market) {
		return false
	}
	if e.cfg.Simulation {
		e.fulfillLimitOrders(ctx, market)
	}
	e.autoCancelOrders(ctx, market)
	e.updateStickyOrders(ctx, market)
	e.purgeOrderList()
	return true
}

// fulfillLimitOrders settles simulated limit orders against the most
// recent 1m candle of each market. A buy fills when the candle traded
// below its price, a sell when it traded above; the candle must be newer
// than the order and carry volume. Fills are all or nothing.
func (e *Exchange) fulfillLimitOrders(ctx context.Context, market string) {
	e.mu.Lock()
	markets := make(map[string]bool)
	for _, o := range e.open {
		if o.Type == types.Limit && (market == "" || o.Market == market) {
			markets[o.Market] = true
		}
	}
	e.mu.Unlock()

	for m := range markets {
		candles, err := e.client.FetchOHLCV(ctx, m, "1m", 0, 1)
		if err != nil || len(candles) == 0 {
			continue
		}
		e.settleAgainstCandle(m, candles[len(candles)-1])
	}
}

func (e *Exchange) settleAgainstCandle(market string, candle types.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, o := range e.open {
		if o.Market != market || o.Type != types.Limit {
			continue
		}
		if o.Timestamp >= candle.Timestamp || candle.Volume <= 0 {
			continue
		}
		filled := (o.Side == types.Buy && candle.Low < o.Price) ||
			(o.Side == types.Sell && candle.High > o.Price)
		if !filled {
			continue
		}

		base := types.BaseCurrency(market)
		quote := types.QuoteCurrency(market)
		if o.Side == types.Buy {
			e.withdrawFromUsed(quote, o.Amount*o.Price)
			e.deposit(base, o.Amount*(1-e.cfg.Fee))
		} else {
			e.withdrawFromUsed(base, o.Amount)
			e.deposit(quote, o.Amount*o.Price*(1-e.cfg.Fee))
		}

		o.Status = types.StatusClosed
		o.Filled = o.Amount
		o.Remaining = 0
		o.Fee = o.Amount * o.Price * e.cfg.Fee
		o.TimestampClosed = e.now()
		delete(e.open, id)
		e.closed[id] = o
		e.emit(EventLimitOrderFulfilled, orderEventData(o))
	}
}

// autoCancelOrders cancels open orders that exceeded their age budget,
// reached their fill percentage, or whose market moved past the
// configured price level.
func (e *Exchange) autoCancelOrders(ctx context.Context, market string) {
	e.mu.Lock()
	var ids []string
	for id, o := range e.open {
		if market != "" && o.Market != market {
			continue
		}
		if e.shouldAutoCancel(o) {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.CancelOrder(ctx, id); err != nil {
			e.logger.Warn("auto-cancel failed", "id", id, "error", err)
		}
	}
}

// shouldAutoCancel evaluates the three cancellation triggers. Caller
// holds e.mu.
func (e *Exchange) shouldAutoCancel(o *types.Order) bool {
	if o.AutoCancel > 0 && e.now()-o.Timestamp > o.AutoCancel {
		return true
	}
	if o.AutoCancelAtFillPercentage > 0 && o.FillFraction() >= o.AutoCancelAtFillPercentage {
		return true
	}
	ticker, ok := e.tickers[o.Market]
	if !ok {
		return false
	}
	if o.Side == types.Buy {
		return !math.IsInf(o.AutoCancelAtPriceLevel, 1) && ticker.Ask > o.AutoCancelAtPriceLevel
	}
	return o.AutoCancelAtPriceLevel > 0 && ticker.Bid < o.AutoCancelAtPriceLevel
}

// updateStickyOrders keeps sticky orders pinned to the top of the book.
// An order alone at the best level steps back to the second level so it
// stops outbidding itself; otherwise it moves to the best level. Repricing
// is a cancel-and-replace that carries over the remaining auto-cancel
// budget and the unfilled amount.
func (e *Exchange) updateStickyOrders(ctx context.Context, market string) {
	e.mu.Lock()
	var sticky []types.Order
	for _, o := range e.open {
		if o.Sticky && (market == "" || o.Market == market) {
			sticky = append(sticky, *o)
		}
	}
	e.mu.Unlock()
	if len(sticky) == 0 {
		return
	}

	markets := make(map[string]bool)
	for _, o := range sticky {
		markets[o.Market] = true
	}
	names := make([]string, 0, len(markets))
	for m := range markets {
		names = append(names, m)
	}
	if !e.SyncOrderBook(ctx, names) {
		return
	}

	for _, o := range sticky {
		e.mu.Lock()
		book, ok := e.books[o.Market]
		e.mu.Unlock()
		if !ok {
			continue
		}
		target, ok := stickyTarget(o, book)
		if !ok || target == o.Price {
			continue
		}
		e.repriceStickyOrder(ctx, o, target)
	}
}

// stickyTarget picks the price a sticky order should sit at given the
// current book.
func stickyTarget(o types.Order, book types.OrderBook) (float64, bool) {
	var levels []types.BookLevel
	if o.Side == types.Buy {
		levels = book.Bids
	} else {
		levels = book.Asks
	}
	if len(levels) == 0 {
		return 0, false
	}
	best := levels[0]
	// The order alone at the top of the book: step back behind the next
	// level instead of competing with itself.
	if o.Price == best.Price && o.Remaining >= best.Amount {
		if len(levels) < 2 {
			return o.Price, true
		}
		return levels[1].Price, true
	}
	return best.Price, true
}

func (e *Exchange) repriceStickyOrder(ctx context.Context, o types.Order, target float64) {
	if err := e.CancelOrder(ctx, o.ID); err != nil {
		e.logger.Warn("sticky reprice cancel failed", "id", o.ID, "error", err)
		return
	}
	// A reprice is not a cancellation; drop the cancel record. The closed
	// record of any partial fill stays.
	e.mu.Lock()
	delete(e.cancelled, o.ID)
	e.mu.Unlock()

	budget := o.AutoCancel
	if budget > 0 {
		budget -= e.now() - o.Timestamp
		if budget <= 0 {
			return
		}
	}
	if o.Remaining <= e.MinDealAmount(ctx, o.Market) {
		return
	}

	if _, err := e.CreateOrder(ctx, CreateOrderOptions{
		Market:                     o.Market,
		Type:                       types.Limit,
		Side:                       o.Side,
		Amount:                     o.Remaining,
		Price:                      target,
		AutoCancel:                 budget,
		AutoCancelAtFillPercentage: o.AutoCancelAtFillPercentage,
		AutoCancelAtPriceLevel:     o.AutoCancelAtPriceLevel,
		Sticky:                     true,
	}); err != nil {
		e.logger.Warn("sticky reprice replace failed", "id", o.ID, "market", o.Market, "error", err)
	}
}

// purgeOrderList drops closed and cancelled orders older than the
// retention window.
func (e *Exchange) purgeOrderList() {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := e.now() - e.cfg.PurgeAfter
	for _, set := range []map[string]*types.Order{e.closed, e.cancelled} {
		for id, o := range set {
			ts := o.TimestampClosed
			if ts == 0 {
				ts = o.Timestamp
			}
			if ts < cutoff {
				delete(set, id)
			}
		}
	}
}

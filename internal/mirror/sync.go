package mirror

import (
	"context"

	"mmengine/internal/metrics"
	"mmengine/pkg/types"
)

// sync cache kinds for staleness tracking.
const (
	syncKindBalance = "balance"
	syncKindTicker  = "ticker"
	syncKindBook    = "book"
	syncKindTrades  = "trades"
)

// stale reports whether a cached item is older than MaxSyncAge. Caller
// holds e.mu. MaxSyncAge <= 0 means every read is fresh enough.
func (e *Exchange) stale(kind, market string) bool {
	if e.cfg.MaxSyncAge <= 0 {
		return e.lastSync[kind+":"+market] == 0
	}
	return e.now()-e.lastSync[kind+":"+market] > e.cfg.MaxSyncAge
}

func (e *Exchange) markSynced(kind, market string) {
	e.lastSync[kind+":"+market] = e.now()
}

// SyncBalance overlays the remote free/used amounts onto the mirror.
// Currencies the remote does not report keep their local entries, which
// is what carries simulated funds across syncs.
func (e *Exchange) SyncBalance(ctx context.Context) bool {
	if e.cfg.Simulation {
		return true
	}
	remote, err := e.client.FetchBalance(ctx)
	if err != nil {
		e.logger.Warn("balance sync failed", "error", err)
		metrics.SyncFailures.WithLabelValues(e.cfg.Name, syncKindBalance).Inc()
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for cur, rb := range remote {
		b := e.balance(cur)
		b.Free = rb.Free
		b.Used = rb.Used
	}
	e.markSynced(syncKindBalance, "")
	return true
}

// SyncTickers refreshes the ticker cache for the given markets (empty =
// every market), skipping the fetch entirely when the cache is fresh.
func (e *Exchange) SyncTickers(ctx context.Context, markets []string) bool {
	e.mu.Lock()
	need := false
	if len(markets) == 0 {
		need = e.stale(syncKindTicker, "")
	} else {
		for _, m := range markets {
			if e.stale(syncKindTicker, m) {
				need = true
				break
			}
		}
	}
	e.mu.Unlock()
	if !need {
		return true
	}

	remote, err := e.client.FetchTickers(ctx, markets)
	if err != nil {
		e.logger.Warn("ticker sync failed", "markets", len(markets), "error", err)
		metrics.SyncFailures.WithLabelValues(e.cfg.Name, syncKindTicker).Inc()
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for m, t := range remote {
		e.tickers[m] = t
		e.markSynced(syncKindTicker, m)
	}
	if len(markets) == 0 {
		e.markSynced(syncKindTicker, "")
	}
	return true
}

// SyncOrderBook refreshes depth snapshots for the given markets.
func (e *Exchange) SyncOrderBook(ctx context.Context, markets []string) bool {
	remote, err := e.client.FetchOrderBook(ctx, markets, 0)
	if err != nil {
		e.logger.Warn("order book sync failed", "markets", len(markets), "error", err)
		metrics.SyncFailures.WithLabelValues(e.cfg.Name, syncKindBook).Inc()
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for m, b := range remote {
		e.books[m] = b
		e.markSynced(syncKindBook, m)
	}
	return true
}

// SyncTrades refreshes the recent public trades for the given markets.
func (e *Exchange) SyncTrades(ctx context.Context, markets []string, since int64, limit int) bool {
	remote, err := e.client.FetchTrades(ctx, markets, since, limit)
	if err != nil {
		e.logger.Warn("trades sync failed", "markets", len(markets), "error", err)
		metrics.SyncFailures.WithLabelValues(e.cfg.Name, syncKindTrades).Inc()
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for m, t := range remote {
		e.trades[m] = t
		e.markSynced(syncKindTrades, m)
	}
	return true
}

// SyncOrders reconciles local open orders with the remote venue. Local
// orders missing remotely are assumed fulfilled; remote orders missing
// locally are restored from history, adopted, or cancelled depending on
// what is known about them. Returns false when the reconciled view still
// disagrees with the remote, in which case the caller must not trade and
// should retry next tick.
func (e *Exchange) SyncOrders(ctx context.Context, market string) bool {
	if e.cfg.Simulation {
		return true
	}

	remote, err := e.client.FetchOpenOrders(ctx, market)
	if err != nil {
		e.logger.Warn("order sync failed", "market", market, "error", err)
		metrics.SyncFailures.WithLabelValues(e.cfg.Name, "orders").Inc()
		return false
	}
	remoteByID := make(map[string]types.Order, len(remote))
	for _, r := range remote {
		remoteByID[r.ID] = r
	}

	e.mu.Lock()

	// Pass 1: local open orders vs remote. An open order the venue no
	// longer reports, and that we did not cancel ourselves, has been
	// filled while we were not looking.
	var fulfilled []*types.Order
	for id, o := range e.open {
		if market != "" && o.Market != market {
			continue
		}
		if r, ok := remoteByID[id]; ok {
			o.Filled = r.Filled
			o.Remaining = r.Remaining
			if r.Fee > 0 {
				o.Fee = r.Fee
			}
			continue
		}
		if _, wasCancelled := e.cancelled[id]; wasCancelled {
			delete(e.open, id)
			continue
		}
		o.Status = types.StatusClosed
		o.Filled = o.Amount
		o.Remaining = 0
		o.TimestampClosed = e.now()
		delete(e.open, id)
		e.closed[id] = o
		fulfilled = append(fulfilled, o)
	}

	// Pass 2: remote orders unknown locally. History means a wrongly
	// assumed fill: restore it. Otherwise the order predates this mirror;
	// adopt it so it shows up in accounting, unless the account policy is
	// to run only auto-cancelled orders, in which case kill it remotely.
	var toCancel []types.Order
	justAdopted := make(map[string]bool)
	for id, r := range remoteByID {
		if _, ok := e.open[id]; ok {
			continue
		}
		if prev, ok := e.closed[id]; ok {
			prev.Status = types.StatusOpen
			prev.Filled = r.Filled
			prev.Remaining = r.Remaining
			prev.TimestampClosed = 0
			delete(e.closed, id)
			e.open[id] = prev
			continue
		}
		if e.cfg.ForceAutoCancel {
			toCancel = append(toCancel, r)
			continue
		}
		adopted := r
		adopted.Adopted = true
		adopted.Status = types.StatusOpen
		e.open[id] = &adopted
		justAdopted[id] = true
	}

	// Pass 3: orders adopted on an earlier pass are zombies by now; cancel
	// them remotely and drop them. They carry no reservation accounting to
	// unwind. Fresh adoptions get one pass of grace so a racing local
	// create is not killed.
	var zombies []types.Order
	for id, o := range e.open {
		if o.Adopted && !justAdopted[id] && (market == "" || o.Market == market) {
			zombies = append(zombies, *o)
			delete(e.open, id)
		}
	}

	localCount := 0
	for _, o := range e.open {
		if market == "" || o.Market == market {
			localCount++
		}
	}
	e.mu.Unlock()

	for _, o := range fulfilled {
		e.emit(EventLimitOrderFulfilled, orderEventData(o))
	}
	for _, r := range toCancel {
		if err := e.client.CancelOrder(ctx, r); err != nil {
			e.logger.Warn("cancel of unknown remote order failed", "id", r.ID, "error", err)
		}
	}
	for _, z := range zombies {
		if err := e.client.CancelOrder(ctx, z); err != nil {
			e.logger.Warn("zombie order cancel failed", "id", z.ID, "error", err)
		}
	}

	// Zombies and force-cancelled strangers still count on the remote
	// side of this snapshot, so a tick that cleaned any up reports a
	// mismatch and trading waits for the venue to confirm.
	if localCount != len(remote) {
		e.logger.Warn("order reconciliation mismatch",
			"market", market, "local", localCount, "remote", len(remote),
			"error", ErrReconciliationMismatch)
		return false
	}
	return true
}

// Refresh brings balances and tickers up to date for the given markets,
// honoring the staleness window. It is the cheap per-tick precursor to
// Update.
func (e *Exchange) Refresh(ctx context.Context, markets []string) bool {
	e.mu.Lock()
	balanceStale := e.stale(syncKindBalance, "")
	e.mu.Unlock()
	ok := true
	if balanceStale {
		ok = e.SyncBalance(ctx)
	}
	return e.SyncTickers(ctx, markets) && ok
}

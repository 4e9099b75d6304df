package mirror

// Deposit credits free funds to a currency. Used to seed simulated
// accounts; in live mode the next balance sync overwrites it.
func (e *Exchange) Deposit(cur string, amount float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deposit(cur, amount)
}

// TotalBalance values the account in the fiat currency using cached
// tickers. includeReserve counts locked funds; currencies restricts the
// valuation to the given set (empty = all). ok is false when a held
// currency cannot be priced, which callers must treat as "no number", not
// zero: trading on a partial total would misallocate.
func (e *Exchange) TotalBalance(includeReserve bool, currencies ...string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wanted := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		wanted[c] = true
	}

	total := 0.0
	for cur, b := range e.balances {
		if len(wanted) > 0 && !wanted[cur] {
			continue
		}
		amount := b.Spendable() + b.Used
		if includeReserve {
			amount = b.Free + b.Used
		}
		if amount <= 0 {
			continue
		}
		if cur == e.cfg.FiatCurrency {
			total += amount
			continue
		}
		if t, ok := e.tickers[cur+"/"+e.cfg.FiatCurrency]; ok && t.Bid > 0 {
			total += amount * t.Bid
			continue
		}
		// No direct market; try the inverse pair.
		if t, ok := e.tickers[e.cfg.FiatCurrency+"/"+cur]; ok && t.Ask > 0 {
			total += amount / t.Ask
			continue
		}
		return 0, false
	}
	return total, true
}

// Convert prices an amount of fiat in the base currency of a market using
// the cached ticker mid. ok is false without a ticker.
func (e *Exchange) Convert(market string, fiatAmount float64) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tickers[market]
	if !ok || t.Average() <= 0 {
		return 0, false
	}
	return fiatAmount / t.Average(), true
}

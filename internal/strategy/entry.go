package strategy

import (
	"context"
	"math"

	"mmengine/internal/indicators"
	"mmengine/internal/mirror"
	"mmengine/pkg/types"
)

// runEntry drives the Idle/TryingToEnter side of the state machine. A
// resting sticky buy is kept only while the entry conditions still hold;
// otherwise the market is abandoned back to Idle. With no position and
// no resting order, a passing gate places one sticky buy at the bid.
func (a *Agent) runEntry(ctx context.Context, mc *marketCtx) error {
	openBuys := a.mirror.OpenOrders(mc.market, types.Buy)
	hasSticky := false
	for _, o := range openBuys {
		if o.Sticky {
			hasSticky = true
			break
		}
	}

	if hasSticky {
		if !a.entryPossible(mc) {
			if err := a.mirror.CancelAllOrders(ctx, mc.market, ""); err != nil {
				return err
			}
			mc.state.State = types.Idle
			a.logger.Info("entry conditions gone, standing down", "market", mc.market)
			return nil
		}
		mc.state.State = types.TryingToEnter
		return nil
	}

	base := a.mirror.Balance(types.BaseCurrency(mc.market))
	md := minDeal(mc.opts, mc.ticker.Bid)
	if base.Total() >= md {
		// Already holding; entry has nothing to do.
		mc.state.State = types.HasPosition
		if mc.state.EntryPrice == 0 {
			a.backfillEntry(mc)
		}
		return nil
	}

	if mc.target <= 0 || !a.canEnterMoreMarkets(mc.market) || !a.entryPossible(mc) {
		mc.state.State = types.Idle
		return nil
	}

	amount := math.Max(0, mc.target-base.Total())
	quote := a.mirror.Balance(types.QuoteCurrency(mc.market))
	if mc.ticker.Bid > 0 {
		amount = math.Min(amount, quote.Spendable()/mc.ticker.Bid)
	}
	if amount < md {
		return nil
	}

	if err := a.mirror.CancelAllOrders(ctx, mc.market, ""); err != nil {
		return err
	}
	order, err := a.mirror.CreateOrder(ctx, mirror.CreateOrderOptions{
		Market:                     mc.market,
		Type:                       types.Limit,
		Side:                       types.Buy,
		Amount:                     amount,
		Price:                      mc.ticker.Bid,
		AutoCancel:                 mc.opts.OrderTTLMs(),
		AutoCancelAtFillPercentage: mc.opts.FillPercentage,
		Sticky:                     true,
	})
	if err != nil {
		return err
	}
	if order == nil {
		// Placement failed remotely; retry next tick.
		return nil
	}

	mc.state.State = types.TryingToEnter
	mc.state.EntryPrice = order.Price
	mc.state.EntryTimestamp = mc.now
	a.logger.Info("entry order placed",
		"market", mc.market, "amount", order.Amount, "price", order.Price)
	return nil
}

// canEnterMoreMarkets caps how many markets may hold positions at once.
func (a *Agent) canEnterMoreMarkets(market string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	inMarket := 0
	for m, s := range a.states {
		if m == market {
			continue
		}
		if s.State == types.HasPosition || s.State == types.TryingToEnter ||
			s.State == types.TryingToLeave {
			inMarket++
		}
	}
	return inMarket < a.opts.MaxActiveMarkets
}

// backfillEntry recovers entry price and time from the last closed buy,
// falling back to the current market when history is gone.
func (a *Agent) backfillEntry(mc *marketCtx) {
	if last, ok := a.mirror.LastClosedOrder(mc.market, types.Buy); ok {
		mc.state.EntryPrice = last.Price
		mc.state.EntryTimestamp = last.TimestampClosed
		return
	}
	mc.state.EntryPrice = mc.ticker.Average()
	mc.state.EntryTimestamp = mc.now
}

// entryPossible evaluates the entry gate. Clauses are ordered cheapest
// first and short-circuit.
func (a *Agent) entryPossible(mc *marketCtx) bool {
	opts := mc.opts

	if mc.state.Model.Trend < opts.MinimumTrend {
		return false
	}
	if mc.state.Model.PriceLevel > opts.MaximumPriceLevel {
		return false
	}
	if len(mc.day) < 2 {
		return false
	}

	// Returns over full days only: the forming candle is dropped.
	settled := mc.day[:len(mc.day)-1]
	returns := indicators.LogReturns(settled)
	maReturns := indicators.MA(returns, opts.MinimumReturnsPeriod)
	if indicators.Tail(maReturns) < opts.MinimumReturns {
		return false
	}

	p := opts.MinimumReturnsPeriod
	if len(returns) < p {
		return false
	}
	strong := 0
	for _, r := range returns[len(returns)-p:] {
		if r >= opts.MinimumReturns {
			strong++
		}
	}
	if strong < p/3 {
		return false
	}

	volumes := make([]float64, len(settled))
	for i, c := range settled {
		volumes[i] = c.Volume
	}
	maVol := indicators.MA(volumes, opts.MAPeriodVolume)
	if indicators.Tail(volumes) < indicators.Tail(maVol) {
		return false
	}

	// Retracement: the bid sits below the daily EMA by at least one
	// ATR multiple.
	closes := make([]float64, len(mc.day))
	for i, c := range mc.day {
		closes[i] = c.Close
	}
	emaRetr := indicators.Tail(indicators.EMA(closes, opts.EMAPeriodDailyRetracement))
	atr := indicators.Tail(indicators.ATR(mc.day, opts.EMAPeriodDaily))
	if mc.ticker.Bid >= emaRetr-atr*opts.ATRRetracementMultiplier {
		return false
	}

	// Local hourly setup: fast EMA under the mid EMA.
	hourCloses := make([]float64, len(mc.hour))
	for i, c := range mc.hour {
		hourCloses[i] = c.Close
	}
	fast := indicators.Tail(indicators.EMA(hourCloses, opts.EMAPeriodFast))
	midEMA := indicators.Tail(indicators.EMA(hourCloses, opts.EMAPeriodMid))
	if fast >= midEMA {
		return false
	}

	return a.tradeVolumeBalance(mc) >= 0
}

// tradeVolumeBalance computes (buy-sell)/(buy+sell) over the recent
// public trades; no trades reads as balanced.
func (a *Agent) tradeVolumeBalance(mc *marketCtx) float64 {
	since := mc.now - mc.opts.VolumeBalanceMs()
	var buy, sell float64
	for _, t := range a.mirror.Trades(mc.market) {
		if t.Timestamp < since {
			continue
		}
		if t.Side == types.Buy {
			buy += t.Amount
		} else {
			sell += t.Amount
		}
	}
	if buy+sell == 0 {
		return 0
	}
	return (buy - sell) / (buy + sell)
}

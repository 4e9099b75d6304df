package strategy

import (
	"context"
	"math"

	"mmengine/internal/indicators"
	"mmengine/internal/mirror"
	"mmengine/pkg/types"
)

// runExit drives the HasPosition/TryingToLeave side of the state
// machine. Returns true when an exit is in progress (a sticky sell is
// resting or was just placed), so the maker knows to stand aside.
func (a *Agent) runExit(ctx context.Context, mc *marketCtx) (bool, error) {
	base := a.mirror.Balance(types.BaseCurrency(mc.market))
	if base.Total() <= minDeal(mc.opts, mc.ticker.Ask) {
		// Position is gone; the market returns to Idle.
		if mc.state.State == types.TryingToLeave {
			mc.state.State = types.Idle
			mc.state.EntryPrice = 0
			mc.state.EntryTimestamp = 0
			a.logger.Info("position closed", "market", mc.market)
		}
		return false, nil
	}

	if mc.state.EntryPrice == 0 || mc.state.EntryTimestamp == 0 {
		a.backfillEntry(mc)
	}

	openSells := a.mirror.OpenOrders(mc.market, types.Sell)
	hasSticky := false
	for _, o := range openSells {
		if o.Sticky {
			hasSticky = true
			break
		}
	}

	needed := a.exitNeeded(mc)

	if hasSticky {
		if !needed && mc.state.Model.CanTrade {
			if err := a.mirror.CancelAllOrders(ctx, mc.market, ""); err != nil {
				return true, err
			}
			mc.state.State = types.HasPosition
			a.logger.Info("exit conditions gone, resuming", "market", mc.market)
			return false, nil
		}
		mc.state.State = types.TryingToLeave
		return true, nil
	}

	if !needed {
		return false, nil
	}

	if err := a.mirror.CancelAllOrders(ctx, mc.market, ""); err != nil {
		return true, err
	}
	amount := a.mirror.Balance(types.BaseCurrency(mc.market)).Spendable()
	order, err := a.mirror.CreateOrder(ctx, mirror.CreateOrderOptions{
		Market:                     mc.market,
		Type:                       types.Limit,
		Side:                       types.Sell,
		Amount:                     amount,
		Price:                      mc.ticker.Ask,
		AutoCancel:                 mc.opts.OrderTTLMs(),
		AutoCancelAtFillPercentage: mc.opts.FillPercentage,
		Sticky:                     true,
	})
	if err != nil {
		return true, err
	}
	if order != nil {
		a.logger.Info("exit order placed",
			"market", mc.market, "amount", order.Amount, "price", order.Price)
	}
	mc.state.State = types.TryingToLeave
	return true, nil
}

// exitNeeded is the exit trigger: any of the take-profit rules, the
// return-based rule, or (opt-in) the trailing stop.
func (a *Agent) exitNeeded(mc *marketCtx) bool {
	if a.takeProfitExitPossible(mc) {
		return true
	}
	if a.returnBasedExitPossible(mc) {
		return true
	}
	if mc.opts.UseTrailingStop && a.stopPriceReached(mc) {
		return true
	}
	return false
}

// takeProfitExitPossible fires on an overbought RSI above the entry, or
// when the ask has run an ATR multiple past the entry price.
func (a *Agent) takeProfitExitPossible(mc *marketCtx) bool {
	if len(mc.day) == 0 {
		return false
	}
	rsi := indicators.Tail(indicators.RSI(mc.day, 14))
	if rsi >= mc.opts.TakeProfitRSIThreshold &&
		mc.ticker.Ask > mc.state.EntryPrice*(1+mc.opts.MinNextQuoteDifference) {
		return true
	}
	atr := indicators.Tail(indicators.ATR(mc.day, 20))
	return mc.ticker.Ask >= mc.state.EntryPrice+mc.opts.TakeProfitATRMultiplier*atr
}

// returnBasedExitPossible fires when the position has aged past the
// configured holding period, daily returns have flattened, and the price
// has consolidated back above the slow hourly EMA.
func (a *Agent) returnBasedExitPossible(mc *marketCtx) bool {
	if mc.now < mc.state.EntryTimestamp+mc.opts.ReturnBasedExitAfterMs() {
		return false
	}
	if len(mc.day) < 2 || len(mc.hour) == 0 {
		return false
	}
	returns := indicators.LogReturns(mc.day)
	if indicators.Tail(indicators.MA(returns, mc.opts.MAPeriodReturns)) > mc.opts.ReturnThreshold {
		return false
	}
	hourCloses := make([]float64, len(mc.hour))
	for i, c := range mc.hour {
		hourCloses[i] = c.Close
	}
	emaSlow := indicators.Tail(indicators.EMA(hourCloses, mc.opts.EMAPeriodSlow))
	return mc.ticker.Average() > emaSlow
}

// stopPriceReached implements the trailing stop: the stop trails the
// highest close since entry by an ATR multiple, and fires when the ask
// falls through it.
func (a *Agent) stopPriceReached(mc *marketCtx) bool {
	stop := a.computeStopPrice(mc)
	if stop <= 0 {
		return false
	}
	return mc.ticker.Ask < stop
}

func (a *Agent) computeStopPrice(mc *marketCtx) float64 {
	if len(mc.day) == 0 || mc.state.EntryTimestamp == 0 {
		return 0
	}
	high := 0.0
	for _, c := range mc.day {
		if c.Timestamp >= mc.state.EntryTimestamp {
			high = math.Max(high, c.Close)
		}
	}
	if high == 0 {
		high = mc.state.EntryPrice
	}
	atr := indicators.Tail(indicators.ATR(mc.day, 20))
	return high - atr*mc.opts.VolatilityMultiplier
}

package strategy

import (
	"context"
	"math"
	"sync"

	"mmengine/internal/indicators"
	"mmengine/internal/mirror"
	"mmengine/internal/quant"
	"mmengine/pkg/types"
)

// runMaker quotes both sides of the book around the mid, skewed by the
// inventory offset. With a full dynamics fit the optimal distances come
// from the Guéant-Lehalle-Fernandez-Tapia formulas; otherwise a fixed
// plus volatility-proportional spread is used. Orders are only touched
// when the resting state disagrees with what the sizing allows.
func (a *Agent) runMaker(ctx context.Context, mc *marketCtx) error {
	if mc.target <= 0 {
		return nil
	}

	openBuys := a.mirror.OpenOrders(mc.market, types.Buy)
	openSells := a.mirror.OpenOrders(mc.market, types.Sell)
	if len(openBuys) > 0 && len(openSells) > 0 {
		return nil
	}

	mid := mc.ticker.Average()
	if mid <= 0 {
		return nil
	}

	base := a.mirror.Balance(types.BaseCurrency(mc.market))
	quote := a.mirror.Balance(types.QuoteCurrency(mc.market))
	offset := (base.Total() - mc.target) / mc.target

	bid, ask := a.quotePrices(mc, mid, offset)
	if bid <= 0 || ask <= 0 {
		return nil
	}

	bid, ask = a.coolOffCaps(mc, bid, ask)

	buyAmount, sellAmount := a.dealAmounts(mc, mid)

	mdBuy := minDeal(mc.opts, bid)
	mdSell := minDeal(mc.opts, ask)
	if bid > 0 {
		buyAmount = math.Min(buyAmount, quote.Spendable()/bid)
	}
	sellAmount = math.Min(sellAmount, base.Spendable())

	canBuy := buyAmount >= mdBuy
	canSell := sellAmount >= mdSell

	// The book already matches the plan: leave resting orders alone so
	// they keep their queue position.
	if (len(openBuys) > 0) == canBuy && (len(openSells) > 0) == canSell {
		return nil
	}

	if err := a.mirror.CancelAllOrders(ctx, mc.market, ""); err != nil {
		return err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	place := func(side types.Side, amount, price float64) {
		defer wg.Done()
		_, err := a.mirror.CreateOrder(ctx, mirror.CreateOrderOptions{
			Market:                     mc.market,
			Type:                       types.Limit,
			Side:                       side,
			Amount:                     amount,
			Price:                      price,
			AutoCancel:                 mc.opts.OrderTTLMs(),
			AutoCancelAtFillPercentage: mc.opts.FillPercentage,
		})
		if err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}
	}
	if canBuy {
		wg.Add(1)
		go place(types.Buy, buyAmount, bid)
	}
	if canSell {
		wg.Add(1)
		go place(types.Sell, sellAmount, ask)
	}
	wg.Wait()

	if firstErr == nil && (canBuy || canSell) {
		a.logger.Info("quotes refreshed", "market", mc.market,
			"bid", bid, "ask", ask, "buy", canBuy, "sell", canSell)
	}
	return firstErr
}

// quotePrices computes the bid and ask. The optimal-quoting path maps
// the fractional inventory offset onto signed unit steps; the fallback
// widens a fixed spread by the offset and a risk-aversion correction.
func (a *Agent) quotePrices(mc *marketCtx, mid, offset float64) (bid, ask float64) {
	m := mc.state.Model

	if m.ABuy > 0 && m.KBuy > 0 && m.ASell > 0 && m.KSell > 0 && m.Sigma > 0 {
		inv := int(math.Round(offset * mc.opts.InventorySteps))
		q := quant.ComputeQuote(quant.QuoteParams{
			Sigma:     m.Sigma,
			Mu:        m.Mu,
			Gamma:     m.Gamma,
			Buy:       quant.Dynamics{A: m.ABuy, K: m.KBuy},
			Sell:      quant.Dynamics{A: m.ASell, K: m.KSell},
			Inventory: inv,
			WithDrift: m.Mu != 0,
		}, mid)
		if q.Bid > 0 && q.Ask > 0 {
			return a.riskAversion(mc, q.Bid, q.Ask, offset)
		}
	}

	sigma := m.Sigma
	if sigma <= 0 {
		sigma = mc.opts.Sigma
	}
	s := mc.opts.SpreadFixedTerm + mc.opts.SpreadSigmaMultiplier*sigma
	bid = mid - mid*s*(1+offset)/2
	ask = mid + mid*s*(1-offset)/2
	return a.riskAversion(mc, bid, ask, offset)
}

// riskAversion pushes the overweight side away from the mid.
func (a *Agent) riskAversion(mc *marketCtx, bid, ask, offset float64) (float64, float64) {
	sigma := mc.state.Model.Sigma
	if sigma <= 0 {
		sigma = mc.opts.Sigma
	}
	rac := math.Exp(math.Ln2*math.Abs(offset)) * mc.opts.RiskAversionCorrection * sigma
	if offset > 0 {
		bid *= 1 - rac
	} else {
		ask *= 1 + rac
	}
	return bid, ask
}

// coolOffCaps keeps fresh quotes from trading straight back through a
// recent fill: after a sell, the next bid stays below that sell; after a
// buy, the next ask stays above that buy.
func (a *Agent) coolOffCaps(mc *marketCtx, bid, ask float64) (float64, float64) {
	coolOff := mc.opts.CoolOffMs()
	if last, ok := a.mirror.LastClosedOrder(mc.market, types.Sell); ok &&
		mc.now-last.TimestampClosed < coolOff {
		bid = math.Min(bid, last.Price*(1-mc.opts.MinNextQuoteDifference))
	}
	if last, ok := a.mirror.LastClosedOrder(mc.market, types.Buy); ok &&
		mc.now-last.TimestampClosed < coolOff {
		ask = math.Max(ask, last.Price*(1+mc.opts.MinNextQuoteDifference))
	}
	return bid, ask
}

// dealAmounts sizes the two quotes: an inventory step capped by a share
// of the day's traded volume, then skewed away from the stretched side
// of the trading range.
func (a *Agent) dealAmounts(mc *marketCtx, mid float64) (buy, sell float64) {
	deal := mc.target / mc.opts.InventorySteps
	if volCap := mc.opts.TradeVolumeCap * mc.ticker.BaseVolume; volCap > 0 {
		deal = math.Min(deal, volCap)
	}

	buy, sell = deal, deal
	if len(mc.hour) == 0 {
		return buy, sell
	}
	hourCloses := make([]float64, len(mc.hour))
	for i, c := range mc.hour {
		hourCloses[i] = c.Close
	}
	emaSlow := indicators.Tail(indicators.EMA(hourCloses, mc.opts.EMAPeriodSlow))
	if emaSlow <= 0 {
		return buy, sell
	}

	p := mid/emaSlow - 1
	if p > 0 {
		buy = deal * math.Exp(-p*mc.opts.DynamicAmountDropoff)
	} else if p < 0 {
		sell = deal * math.Exp(p*mc.opts.DynamicAmountDropoff)
	}
	return buy, sell
}

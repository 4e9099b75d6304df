package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mmengine/internal/allocator"
	"mmengine/internal/api"
	"mmengine/internal/config"
	"mmengine/internal/exchange"
	"mmengine/internal/metrics"
	"mmengine/internal/mirror"
	"mmengine/internal/risk"
	"mmengine/internal/store"
	"mmengine/internal/strategy"
	"mmengine/pkg/period"
	"mmengine/pkg/types"
)

// persistAttempts bounds the optimistic-concurrency retry loop when
// saving versioned records.
const persistAttempts = 3

// processAgentUpdate runs one full update cycle for the agent named in
// the payload: restore the mirror, drive the strategy, persist the
// results.
func (e *Engine) processAgentUpdate(ctx context.Context, data string) error {
	var p jobPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}

	rec, err := e.store.LoadAgent(p.AgentID)
	if err != nil {
		return err
	}
	if rec.Paused {
		e.logger.Debug("agent paused, skipping run", "agent", rec.Name)
		return nil
	}

	client, ok := e.cache.Get(rec.Exchange)
	if !ok {
		return fmt.Errorf("agent %s: exchange %q not configured", rec.Name, rec.Exchange)
	}
	excfg := e.cfg.Exchanges[rec.Exchange]
	ac := e.agentConfig(rec.Name)

	m := mirror.New(mirrorConfig(rec.Exchange, excfg), client, e.logger, e.sinkFor(rec.Exchange))
	exrec, err := e.store.LoadExchange(rec.Exchange)
	switch {
	case err == nil:
		var snap mirror.Snapshot
		if uerr := json.Unmarshal([]byte(exrec.State), &snap); uerr != nil {
			return fmt.Errorf("decode mirror snapshot %s: %w", rec.Exchange, uerr)
		}
		m.Restore(snap)
	case errors.Is(err, store.ErrNotFound):
		exrec = &store.ExchangeRecord{Name: rec.Exchange}
	default:
		return err
	}

	states, err := rec.MarketStates()
	if err != nil {
		return err
	}

	guard := e.guardFor(rec.Name, ac.MaxDrawdown, rec.PeakValue)
	deps := strategy.Deps{
		Mirror:  m,
		Candles: e.candleSource(rec.Exchange, client),
		Guard:   guard,
		Logger:  e.logger,
	}
	strat, err := strategy.New(rec.Strategy, rec.ID, rec.Name, deps, ac.Options, states)
	if err != nil {
		return err
	}

	runErr := e.runStrategy(ctx, strat)

	if total, ok := m.TotalBalance(false); ok {
		metrics.PortfolioValue.WithLabelValues(rec.Name, rec.Exchange).Set(total)
	}
	metrics.OpenOrders.WithLabelValues(rec.Exchange).Set(float64(len(m.OpenOrders("", ""))))
	metrics.ActiveMarkets.WithLabelValues(rec.Name).Set(float64(len(strat.ActiveMarkets())))

	// Persist what happened even when the run errored: orders may have
	// been placed before the failure.
	if err := e.persistExchange(exrec, m.Snapshot()); err != nil {
		return err
	}
	rec.PeakValue = guard.Peak(rec.Name)
	if err := e.persistAgent(rec, strat.State(), strat.Paused()); err != nil {
		return err
	}
	if strat.Paused() {
		now := time.Now().UnixMilli()
		total, _ := m.TotalBalance(false)
		data := map[string]any{
			"agent":        rec.Name,
			"peak":         rec.PeakValue,
			"currentTotal": total,
		}
		raw, _ := json.Marshal(data)
		if aerr := e.store.AppendEvent(&store.EventRow{
			Type:      risk.EventMaxDrawdownReached,
			Exchange:  rec.Exchange,
			Timestamp: now,
			Data:      string(raw),
		}); aerr != nil {
			e.logger.Warn("event append failed", "type", risk.EventMaxDrawdownReached, "error", aerr)
		}
		e.publishEvent(api.Event{
			Type:      risk.EventMaxDrawdownReached,
			Exchange:  rec.Exchange,
			Timestamp: now,
			Data:      data,
		})
	}
	return runErr
}

// runStrategy executes one full cycle, treating an administrative pause
// as a clean no-op rather than a job failure.
func (e *Engine) runStrategy(ctx context.Context, strat strategy.Strategy) error {
	if err := strat.Run(ctx); err != nil {
		if errors.Is(err, strategy.ErrPaused) {
			return nil
		}
		return err
	}
	return nil
}

// processAllocatorScan re-screens the market universe for one agent and
// merges the verdicts into its per-market state.
func (e *Engine) processAllocatorScan(ctx context.Context, data string) error {
	var p jobPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}

	rec, err := e.store.LoadAgent(p.AgentID)
	if err != nil {
		return err
	}
	client, ok := e.cache.Get(rec.Exchange)
	if !ok {
		return fmt.Errorf("agent %s: exchange %q not configured", rec.Name, rec.Exchange)
	}
	excfg := e.cfg.Exchanges[rec.Exchange]
	ac := e.agentConfig(rec.Name)

	alloc := allocator.New(client, e.logger)
	filters := allocator.FiltersFromOptions(strategy.Merge(ac.Options))
	verdicts, err := alloc.ScreenUniverse(ctx, excfg.FiatCurrency, filters)
	if err != nil {
		return err
	}

	states, err := rec.MarketStates()
	if err != nil {
		return err
	}
	next := allocator.Apply(states, verdicts)
	if err := e.persistAgent(rec, next, rec.Paused); err != nil {
		return err
	}

	tradeable := 0
	for _, v := range verdicts {
		if v.Tradeable {
			tradeable++
		}
	}
	e.logger.Info("universe screened",
		"agent", rec.Name, "markets", len(verdicts), "tradeable", tradeable)
	return nil
}

// mirrorConfig maps an exchange config block onto mirror settings.
func mirrorConfig(name string, ex config.ExchangeConfig) mirror.Config {
	var maxSyncAge int64
	if ex.MaxSyncAge != "" {
		maxSyncAge, _ = period.ToMs(ex.MaxSyncAge)
	}
	return mirror.Config{
		Name:            name,
		Simulation:      ex.Simulation,
		Fee:             ex.Fee,
		FiatCurrency:    ex.FiatCurrency,
		ForceAutoCancel: ex.ForceAutoCancel,
		MaxSyncAge:      maxSyncAge,
		Reserves:        ex.Reserves,
		MinDealAmounts:  ex.MinDealAmounts,
	}
}

// persistExchange saves a mirror snapshot, absorbing version conflicts
// by reloading the current version and re-writing. The snapshot is the
// authoritative post-run state, so last-writer-wins is the right merge.
func (e *Engine) persistExchange(rec *store.ExchangeRecord, snap mirror.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode mirror snapshot: %w", err)
	}
	rec.State = string(raw)

	for attempt := 0; attempt < persistAttempts; attempt++ {
		err = e.store.SaveExchange(rec)
		if !errors.Is(err, store.ErrStaleEntity) {
			return err
		}
		fresh, lerr := e.store.LoadExchange(rec.Name)
		if lerr != nil {
			return lerr
		}
		rec.Version = fresh.Version
	}
	return err
}

// persistAgent saves per-market strategy state and the pause flag with
// the same conflict-absorbing retry.
func (e *Engine) persistAgent(rec *store.AgentRecord, states map[string]types.MarketState, paused bool) error {
	if err := rec.SetMarketStates(states); err != nil {
		return err
	}
	rec.Paused = paused

	var err error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		err = e.store.SaveAgent(rec)
		if !errors.Is(err, store.ErrStaleEntity) {
			return err
		}
		fresh, lerr := e.store.LoadAgent(rec.ID)
		if lerr != nil {
			return lerr
		}
		rec.Version = fresh.Version
	}
	return err
}

// candleSource backs the strategy's candle needs with the exchange
// client, writing through to the store's cache so rate-limited or
// offline stretches can still serve recent history.
type candleSource struct {
	exchange string
	client   exchange.Client
	store    *store.Store
	engine   *Engine
}

func (e *Engine) candleSource(name string, client exchange.Client) strategy.CandleSource {
	return &candleSource{exchange: name, client: client, store: e.store, engine: e}
}

func (c *candleSource) Candles(ctx context.Context, market, timeframe string, limit int) ([]types.Candle, error) {
	tfMs, err := period.ToMs(timeframe)
	if err != nil {
		return nil, err
	}
	since := time.Now().UnixMilli() - int64(limit)*tfMs

	fetched, err := c.client.FetchOHLCV(ctx, market, timeframe, since, limit)
	if err != nil {
		return nil, err
	}
	if len(fetched) > 0 {
		if uerr := c.store.UpsertCandles(c.exchange, market, timeframe, fetched); uerr != nil {
			c.engine.logger.Warn("candle cache write failed",
				"market", market, "timeframe", timeframe, "error", uerr)
		}
		return fetched, nil
	}
	// Soft failure upstream (rate limit, unknown market): fall back to
	// whatever the cache still holds.
	return c.store.LoadCandles(c.exchange, market, timeframe, since, limit)
}

// sinkFor builds the mirror event sink for an exchange: append to the
// event log, bump the counters, fan out to the admin stream.
func (e *Engine) sinkFor(name string) mirror.EventSink {
	return func(evt mirror.Event) {
		raw, err := json.Marshal(evt.Data)
		if err != nil {
			raw = []byte("{}")
		}
		if aerr := e.store.AppendEvent(&store.EventRow{
			Type:      evt.Type,
			Exchange:  evt.Exchange,
			Timestamp: evt.Timestamp,
			Data:      string(raw),
		}); aerr != nil {
			e.logger.Warn("event append failed", "type", evt.Type, "error", aerr)
		}

		switch evt.Type {
		case mirror.EventLimitOrderCreated, mirror.EventMarketOrderCreated:
			side, _ := evt.Data["side"].(string)
			typ, _ := evt.Data["type"].(string)
			metrics.OrdersCreated.WithLabelValues(evt.Exchange, side, typ).Inc()
		case mirror.EventLimitOrderCancelled, mirror.EventMarketOrderCancelled:
			reason, _ := evt.Data["reason"].(string)
			if reason == "" {
				reason = "requested"
			}
			metrics.OrdersCancelled.WithLabelValues(evt.Exchange, reason).Inc()
		case mirror.EventLimitOrderFulfilled:
			metrics.OrdersFilled.WithLabelValues(evt.Exchange).Inc()
		}

		e.publishEvent(api.Event{
			Type:      evt.Type,
			Exchange:  evt.Exchange,
			Timestamp: evt.Timestamp,
			Data:      evt.Data,
		})
	}
}

func (e *Engine) publishEvent(evt api.Event) {
	e.mu.Lock()
	pub := e.publish
	e.mu.Unlock()
	if pub != nil {
		pub(evt)
	}
}

// Package engine wires the daemon together: it owns the store, the
// exchange clients, the job orchestrator and the maintenance scheduler,
// and it executes agent update cycles and allocator scans as background
// jobs.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mmengine/internal/api"
	"mmengine/internal/config"
	"mmengine/internal/exchange"
	"mmengine/internal/jobs"
	"mmengine/internal/risk"
	"mmengine/internal/store"
	"mmengine/pkg/period"
)

// Job names on the shared queue.
const (
	jobAgentUpdate   = "tradingagent:update"
	jobAllocatorScan = "allocator:scan"
)

// allocatorScanInterval is how often the market universe is re-screened.
const allocatorScanInterval = 24 * time.Hour

// defaultMaxDrawdown pauses an agent that lost a fifth of its peak value.
const defaultMaxDrawdown = 0.2

// jobPayload is the data attached to agent-scoped jobs.
type jobPayload struct {
	AgentID string `json:"agent_id"`
}

func agentPayload(id string) string {
	raw, _ := json.Marshal(jobPayload{AgentID: id})
	return string(raw)
}

// Engine is the daemon core. One process runs one engine; several engine
// processes may share a store, coordinating through the job queue's
// atomic claims and the records' optimistic versioning.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	cache  *exchange.Cache
	orch   *jobs.Orchestrator
	cron   *cron.Cron

	mu      sync.Mutex
	guards  map[string]*risk.Guard // agent name -> drawdown guard
	publish func(api.Event)
}

// New builds the engine: opens the store, connects the configured
// exchanges and registers the job processors. Start launches the loops.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	cache := exchange.NewCache()
	for name, ex := range cfg.Exchanges {
		client := exchange.NewRESTClient(exchange.RESTConfig{
			BaseURL:   ex.BaseURL,
			APIKey:    ex.APIKey,
			APISecret: ex.APISecret,
			RateLimit: ex.RateLimit,
		}, logger.With("exchange", name))
		if err := cache.Register(name, client); err != nil {
			return nil, err
		}
	}

	orch := jobs.New(st, logger)
	poll, _ := period.ToMs(cfg.Jobs.PollInterval)
	lock, _ := period.ToMs(cfg.Jobs.LockLifetime)
	orch.Configure(time.Duration(poll)*time.Millisecond, time.Duration(lock)*time.Millisecond)

	e := &Engine{
		cfg:    cfg,
		logger: logger.With("component", "engine"),
		store:  st,
		cache:  cache,
		orch:   orch,
		cron:   cron.New(),
		guards: make(map[string]*risk.Guard),
	}
	orch.Define(jobAgentUpdate, e.processAgentUpdate)
	orch.Define(jobAllocatorScan, e.processAllocatorScan)
	return e, nil
}

// SetPublisher installs the admin stream fan-out. Called before Start
// when the admin server is enabled.
func (e *Engine) SetPublisher(fn func(api.Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publish = fn
}

// Start loads market metadata, seeds agents and their schedules from the
// config, and launches the orchestrator and the maintenance scheduler.
func (e *Engine) Start(ctx context.Context) error {
	for _, name := range e.cache.Names() {
		client, _ := e.cache.Get(name)
		if err := client.LoadMarkets(ctx); err != nil {
			return fmt.Errorf("load markets for %s: %w", name, err)
		}
	}

	if err := e.seedAgents(); err != nil {
		return err
	}

	if _, err := e.cron.AddFunc("@every 24h", e.maintenance); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	e.cron.Start()
	e.orch.Start(ctx)
	e.logger.Info("engine started", "exchanges", e.cache.Names())
	return nil
}

// Stop drains the background loops and closes the store.
func (e *Engine) Stop() error {
	<-e.cron.Stop().Done()
	e.orch.Stop()
	e.logger.Info("engine stopped")
	return e.store.Close()
}

// seedAgents creates store records for configured agents that do not
// exist yet and declares their repeating jobs. Existing records keep
// their persisted state; only the schedule is (idempotently) re-declared.
func (e *Engine) seedAgents() error {
	recs, err := e.store.ListAgents()
	if err != nil {
		return err
	}
	byName := make(map[string]*store.AgentRecord, len(recs))
	for i := range recs {
		byName[recs[i].Name] = &recs[i]
	}

	for _, ac := range e.cfg.Agents {
		rec, ok := byName[ac.Name]
		if !ok {
			rec = &store.AgentRecord{
				Name:     ac.Name,
				Exchange: ac.Exchange,
				Strategy: ac.Strategy,
			}
			if err := e.store.CreateAgent(rec); err != nil {
				return err
			}
			e.logger.Info("agent created", "agent", ac.Name, "exchange", ac.Exchange)
		}

		interval, err := period.ToMs(ac.Interval)
		if err != nil {
			return fmt.Errorf("agent %s: interval: %w", ac.Name, err)
		}
		payload := agentPayload(rec.ID)
		if err := e.orch.CreateRepeatingJob(jobAgentUpdate, payload,
			time.Duration(interval)*time.Millisecond); err != nil {
			return err
		}
		if err := e.orch.CreateRepeatingJob(jobAllocatorScan, payload, allocatorScanInterval); err != nil {
			return err
		}
	}
	return nil
}

// agentConfig returns the config block for an agent name. Agents that
// were removed from the config but still exist in the store run with
// defaults.
func (e *Engine) agentConfig(name string) config.AgentConfig {
	for _, ac := range e.cfg.Agents {
		if ac.Name == name {
			return ac
		}
	}
	return config.AgentConfig{Name: name}
}

// guardFor returns the in-memory drawdown guard for an agent, creating
// it on first use. peak seeds the high-water mark from the persisted
// record so a fall that spans a process restart still trips.
func (e *Engine) guardFor(name string, maxDrawdown, peak float64) *risk.Guard {
	if maxDrawdown <= 0 {
		maxDrawdown = defaultMaxDrawdown
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.guards[name]
	if !ok {
		g = risk.NewGuard(maxDrawdown, e.logger, nil)
		if peak > 0 {
			g.Observe(name, peak)
		}
		e.guards[name] = g
	}
	return g
}

// maintenance refreshes market metadata and prunes the candle cache and
// the event log.
func (e *Engine) maintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for _, name := range e.cache.Names() {
		client, _ := e.cache.Get(name)
		if err := client.LoadMarkets(ctx); err != nil {
			e.logger.Warn("market metadata refresh failed", "exchange", name, "error", err)
		}
	}

	now := time.Now().UnixMilli()
	if err := e.store.PurgeCandles(now - 30*period.Day); err != nil {
		e.logger.Warn("candle purge failed", "error", err)
	}
	if err := e.store.PurgeEvents(now - 7*period.Day); err != nil {
		e.logger.Warn("event purge failed", "error", err)
	}
}

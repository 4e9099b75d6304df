package strategy

import (
	"context"
	"fmt"
	"sync"

	"mmengine/pkg/types"
)

// Strategy is the interface the engine drives. Agent is the only
// implementation today; the registry exists so alternative policies can
// be added without touching the engine.
type Strategy interface {
	Name() string
	// Run executes one full cycle: BeforeRun, every active market, the
	// post-run checks.
	Run(ctx context.Context) error
	BeforeRun(ctx context.Context) error
	RunForMarket(ctx context.Context, market string) error
	AfterRun()
	ActiveMarkets() []string
	Paused() bool
	State() map[string]types.MarketState
}

// Constructor builds a strategy instance for an agent.
type Constructor func(id, name string, deps Deps, opts Options, states map[string]types.MarketState) Strategy

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register adds a named strategy constructor. Called from init or
// startup wiring; duplicate names panic because they are programming
// errors.
func Register(name string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("strategy %q registered twice", name))
	}
	registry[name] = c
}

// New instantiates a registered strategy by name.
func New(strategyName, id, agentName string, deps Deps, opts Options, states map[string]types.MarketState) (Strategy, error) {
	registryMu.RLock()
	c, ok := registry[strategyName]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", strategyName)
	}
	return c(id, agentName, deps, opts, states), nil
}

// Names lists the registered strategies.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	return out
}

func init() {
	Register("marketmaker", func(id, name string, deps Deps, opts Options, states map[string]types.MarketState) Strategy {
		return NewAgent(id, name, deps, opts, states)
	})
}

// Package risk enforces portfolio-level protection for trading agents.
//
// The drawdown guard tracks the high-water mark of each agent's portfolio
// value. When the value falls more than the configured fraction below the
// peak, the guard trips: the agent is paused and an event is emitted so
// an operator has to look before trading resumes. A tripped guard stays
// tripped until it is reset explicitly; drawdowns are exactly the
// situation in which automated recovery is least trustworthy.
package risk

import (
	"log/slog"
	"sync"

	"mmengine/internal/metrics"
)

// EventMaxDrawdownReached is emitted once when a guard trips.
const EventMaxDrawdownReached = "max_drawdown_reached"

// DefaultMaxDrawdown pauses an agent after a 20% fall from peak.
const DefaultMaxDrawdown = 0.2

// TripFunc is called once when the guard trips, with the peak and
// current portfolio values.
type TripFunc func(agent string, peak, value float64)

// Guard is the per-agent drawdown monitor.
type Guard struct {
	maxDrawdown float64
	logger      *slog.Logger
	onTrip      TripFunc

	mu      sync.Mutex
	peaks   map[string]float64
	tripped map[string]bool
}

// NewGuard creates a guard. maxDrawdown <= 0 selects the default; a nil
// trip callback only logs.
func NewGuard(maxDrawdown float64, logger *slog.Logger, onTrip TripFunc) *Guard {
	if maxDrawdown <= 0 {
		maxDrawdown = DefaultMaxDrawdown
	}
	if onTrip == nil {
		onTrip = func(string, float64, float64) {}
	}
	return &Guard{
		maxDrawdown: maxDrawdown,
		logger:      logger.With("component", "risk"),
		onTrip:      onTrip,
		peaks:       make(map[string]float64),
		tripped:     make(map[string]bool),
	}
}

// Observe records a portfolio valuation for an agent and returns true
// when the agent may keep trading. The first observation seeds the peak.
func (g *Guard) Observe(agent string, value float64) bool {
	g.mu.Lock()

	if g.tripped[agent] {
		g.mu.Unlock()
		return false
	}
	if value <= 0 {
		// A zero or failed valuation is noise, not a drawdown.
		g.mu.Unlock()
		return true
	}

	peak := g.peaks[agent]
	if value > peak {
		g.peaks[agent] = value
		peak = value
	}

	drawdown := (peak - value) / peak
	metrics.Drawdown.WithLabelValues(agent).Set(drawdown)

	if drawdown <= g.maxDrawdown {
		g.mu.Unlock()
		return true
	}

	g.tripped[agent] = true
	g.mu.Unlock()

	g.logger.Error("max drawdown reached, pausing agent",
		"agent", agent, "peak", peak, "value", value, "drawdown", drawdown)
	g.onTrip(agent, peak, value)
	return false
}

// Tripped reports whether an agent's guard has fired.
func (g *Guard) Tripped(agent string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped[agent]
}

// Reset clears the trip and re-seeds the peak from the next observation.
// Called when an operator unpauses the agent.
func (g *Guard) Reset(agent string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tripped, agent)
	delete(g.peaks, agent)
	g.logger.Info("drawdown guard reset", "agent", agent)
}

// Peak returns the recorded high-water mark for an agent.
func (g *Guard) Peak(agent string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peaks[agent]
}

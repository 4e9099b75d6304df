package engine

import (
	"context"

	"mmengine/internal/api"
)

// Agents lists snapshots of every agent in the store for the admin API.
func (e *Engine) Agents(ctx context.Context) ([]api.AgentSnapshot, error) {
	recs, err := e.store.ListAgents()
	if err != nil {
		return nil, err
	}
	out := make([]api.AgentSnapshot, 0, len(recs))
	for _, r := range recs {
		states, err := r.MarketStates()
		if err != nil {
			return nil, err
		}
		out = append(out, api.AgentSnapshot{
			ID:       r.ID,
			Name:     r.Name,
			Exchange: r.Exchange,
			Strategy: r.Strategy,
			Paused:   r.Paused,
			Markets:  states,
		})
	}
	return out, nil
}

// TriggerRun enqueues a one-shot update for an agent. The agent must
// exist; store.ErrNotFound propagates so the API can answer 404.
func (e *Engine) TriggerRun(ctx context.Context, agentID string) error {
	if _, err := e.store.LoadAgent(agentID); err != nil {
		return err
	}
	return e.orch.CreateJob(jobAgentUpdate, agentPayload(agentID))
}

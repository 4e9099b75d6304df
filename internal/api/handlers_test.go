package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"mmengine/internal/store"
	"mmengine/pkg/types"
)

type fakeProvider struct {
	agents    []AgentSnapshot
	triggered []string
}

func (f *fakeProvider) Agents(ctx context.Context) ([]AgentSnapshot, error) {
	return f.agents, nil
}

func (f *fakeProvider) TriggerRun(ctx context.Context, agentID string) error {
	if agentID == "missing" {
		return fmt.Errorf("load agent: %w", store.ErrNotFound)
	}
	f.triggered = append(f.triggered, agentID)
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeProvider, *httptest.Server) {
	t.Helper()
	provider := &fakeProvider{
		agents: []AgentSnapshot{{
			ID: "a1", Name: "main", Exchange: "kraken", Strategy: "marketmaker",
			Markets: map[string]types.MarketState{
				"BTC/USDT": {State: types.HasPosition},
			},
		}},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(Config{Port: 0}, provider, logger)
	srv := httptest.NewServer(s.server.Handler)
	t.Cleanup(srv.Close)
	return s, provider, srv
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	_, _, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestHandleAgents(t *testing.T) {
	t.Parallel()
	_, _, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/agents")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var agents []AgentSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		t.Fatal(err)
	}
	if len(agents) != 1 || agents[0].ID != "a1" {
		t.Fatalf("agents = %+v", agents)
	}
	if agents[0].Markets["BTC/USDT"].State != types.HasPosition {
		t.Fatalf("market state missing: %+v", agents[0].Markets)
	}
}

func TestHandleRun(t *testing.T) {
	t.Parallel()
	_, provider, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/agents/a1/run", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if len(provider.triggered) != 1 || provider.triggered[0] != "a1" {
		t.Fatalf("triggered = %v", provider.triggered)
	}

	resp, err = http.Post(srv.URL+"/api/agents/missing/run", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleRunRejectsGet(t *testing.T) {
	t.Parallel()
	_, _, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/agents/a1/run")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		allowed []string
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			allowed: []string{"https://dash.example.com"},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			allowed: []string{"https://dash.example.com"},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://mm.internal:8080",
			reqHost: "mm.internal:8080",
			want:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.allowed, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

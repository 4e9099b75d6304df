// mmengined — a market-making daemon for crypto spot exchanges using
// Guéant–Lehalle–Fernandez-Tapia optimal quoting.
//
// Architecture:
//
//	main.go              — CLI entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires store → exchanges → agents, owns the job queue and scheduler
//	strategy/agent.go    — per-market state machine: entry gating, exits, the two-sided maker core
//	quant/quote.go       — closed-form bid/ask offsets from volatility, inventory and order-flow fits
//	allocator/           — screens the market universe and allocates agents onto tradeable pairs
//	mirror/              — local state mirror of one exchange account with simulation fills
//	exchange/rest.go     — signed REST adapter with rate limiting and precision rounding
//	jobs/jobs.go         — database-backed job queue shared by cooperating engine processes
//	store/store.go       — SQLite persistence: snapshots, agent state, candles, events, jobs
//	api/server.go        — admin HTTP surface: health, metrics, snapshots, websocket event stream
//
// How it makes money:
//
//	Each agent quotes both sides of a spot market, bid below and ask above
//	the mid. When both fill it earns the spread. The quoting model skews
//	prices against accumulated inventory so the book mean-reverts toward
//	its target allocation, and a drawdown guard pauses the agent when the
//	portfolio falls too far from its peak.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"mmengine/internal/api"
	"mmengine/internal/config"
	"mmengine/internal/engine"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

func main() {
	// A missing .env is fine; it only exists in development setups.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "mmengined",
		Short:         "Market-making daemon for crypto spot exchanges",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	root.PersistentFlags().StringP("config", "c", "configs/config.yaml", "path to the config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	var apiServer *api.Server
	if cfg.Admin.Enabled {
		apiServer = api.NewServer(api.Config{
			Port:           cfg.Admin.Port,
			AllowedOrigins: cfg.Admin.AllowedOrigins,
		}, eng, logger)
		eng.SetPublisher(apiServer.Publish)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("admin server failed", "error", err)
			}
		}()
		logger.Info("admin server enabled", "url", fmt.Sprintf("http://localhost:%d", cfg.Admin.Port))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	logger.Info("market-making daemon started",
		"version", version,
		"exchanges", len(cfg.Exchanges),
		"agents", len(cfg.Agents),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop admin server", "error", err)
		}
	}
	cancel()
	return eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

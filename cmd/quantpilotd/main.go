// QuantPilot — a multi-strategy algorithmic trading daemon.
//
// Architecture:
//
//	main.go                   — entry point: loads config, starts strategies, waits for SIGINT/SIGTERM
//	agent/orchestrator.go     — session registry and per-instance strategy loops
//	coordinator/coordinator.go — one decision cycle: features → compose → execute → apply → record
//	composer/grid.go          — rule-based grid composer with TP/SL and LLM parameter advisor
//	composer/llm.go           — plan-proposing LLM composer over the same normalization guardrails
//	features/pipeline.go      — concurrent candle/snapshot/image feature fan-out
//	portfolio/service.go      — cash, positions, PnL; LIVE reconciliation against the venue
//	gateway/paper.go, live.go — simulated and venue-backed execution
//	exchange/rest.go          — rate-limited REST venue adapter with session TTL + re-login
//	history/recorder.go       — per-strategy decision ring and rolling trade digest
//	stream/server.go          — WebSocket event stream and control command intake
//	store/store.go            — JSON file persistence for trades and portfolio snapshots
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quantpilot/internal/agent"
	"quantpilot/internal/config"
	"quantpilot/internal/llm"
	"quantpilot/internal/store"
	"quantpilot/internal/stream"
	"quantpilot/pkg/types"
)

const defaultSession = "default"

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("QP_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var llmClient llm.Client
	if cfg.LLM.BaseURL != "" && cfg.LLM.APIKey != "" {
		llmClient = llm.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.CallTimeout, logger)
	} else {
		logger.Warn("no LLM configured; only grid strategies without an advisor will run")
	}

	hub := stream.NewHub(logger)
	factory := agent.NewRuntimeFactory(cfg, llmClient, st, logger)
	orchestrator := agent.New(factory, hub, logger)

	var streamServer *stream.Server
	if cfg.Stream.Enabled {
		streamServer = stream.NewServer(cfg.Stream.Port, hub, func(text string) {
			orchestrator.HandleCommand(defaultSession, text)
		}, logger)
		go func() {
			if err := streamServer.Start(); err != nil {
				logger.Error("stream server failed", "error", err)
			}
		}()
		logger.Info("stream started", "url", fmt.Sprintf("ws://localhost:%d/ws", cfg.Stream.Port))
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — all strategies forced to VIRTUAL execution")
	}

	ctx := context.Background()
	requests, err := loadStrategies()
	if err != nil {
		logger.Error("failed to load strategies", "error", err)
		os.Exit(1)
	}
	for _, req := range requests {
		id, err := orchestrator.Start(ctx, defaultSession, req)
		if err != nil {
			logger.Error("strategy rejected", "error", err, "name", req.TradingConfig.StrategyName)
			continue
		}
		logger.Info("strategy started",
			"instance_id", id,
			"name", req.TradingConfig.StrategyName,
			"mode", req.ExchangeConfig.TradingMode,
			"symbols", req.DedupSymbols(),
		)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	orchestrator.Shutdown(shutdownCtx)

	if streamServer != nil {
		if err := streamServer.Stop(); err != nil {
			logger.Error("failed to stop stream server", "error", err)
		}
	}
}

// loadStrategies reads the strategy creation requests from the JSON file
// named by QP_STRATEGIES (default configs/strategies.json).
func loadStrategies() ([]types.UserRequest, error) {
	path := "configs/strategies.json"
	if p := os.Getenv("QP_STRATEGIES"); p != "" {
		path = p
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategies: %w", err)
	}
	// Unknown fields are rejected so a typoed knob fails loudly instead of
	// silently running with defaults.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var requests []types.UserRequest
	if err := dec.Decode(&requests); err != nil {
		return nil, fmt.Errorf("%s: parse strategies: %w", types.ErrKindInput, err)
	}
	return requests, nil
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

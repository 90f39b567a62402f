package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"quantpilot/pkg/types"
)

func writeStrategies(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategies.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write strategies file: %v", err)
	}
	t.Setenv("QP_STRATEGIES", path)
}

func TestLoadStrategiesValidFile(t *testing.T) {
	writeStrategies(t, `[
		{
			"llm_model_config": {"provider": "openai", "model_id": "gpt-4o"},
			"exchange_config": {"exchange_id": "sim", "trading_mode": "VIRTUAL", "market_type": "DERIVATIVE"},
			"trading_config": {
				"strategy_name": "btc-swing",
				"symbols": ["BTC/USDT:USDT"],
				"initial_capital": 10000,
				"decide_interval": 300,
				"max_positions": 3,
				"max_leverage": 5,
				"risk_per_trade": 0.02,
				"take_profit_pct": 6,
				"stop_loss_pct": -3
			}
		}
	]`)

	requests, err := loadStrategies()
	if err != nil {
		t.Fatalf("load strategies: %v", err)
	}
	if len(requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(requests))
	}
	req := requests[0]
	if req.TradingConfig.StrategyName != "btc-swing" {
		t.Fatalf("strategy_name = %q", req.TradingConfig.StrategyName)
	}
	if req.ExchangeConfig.TradingMode != types.ModeVirtual {
		t.Fatalf("trading_mode = %q", req.ExchangeConfig.TradingMode)
	}
	if req.TradingConfig.StopLossPct != -3 {
		t.Fatalf("stop_loss_pct = %v, want -3", req.TradingConfig.StopLossPct)
	}
}

// A typoed knob must fail the load instead of silently running with the
// default value for the field the author meant.
func TestLoadStrategiesRejectsUnknownFields(t *testing.T) {
	writeStrategies(t, `[
		{
			"exchange_config": {"exchange_id": "sim", "trading_mode": "VIRTUAL", "market_type": "DERIVATIVE"},
			"trading_config": {
				"symbols": ["BTC/USDT:USDT"],
				"decide_interval": 300,
				"max_positions": 3,
				"max_leverage": 5,
				"take_profit_pcnt": 6
			}
		}
	]`)

	_, err := loadStrategies()
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), string(types.ErrKindInput)) {
		t.Fatalf("error = %v, want %s kind", err, types.ErrKindInput)
	}
	if !strings.Contains(err.Error(), "take_profit_pcnt") {
		t.Fatalf("error = %v, want offending field named", err)
	}
}

func TestLoadStrategiesMissingFile(t *testing.T) {
	t.Setenv("QP_STRATEGIES", filepath.Join(t.TempDir(), "absent.json"))
	if _, err := loadStrategies(); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

package stream

import (
	"encoding/json"
	"testing"

	"quantpilot/pkg/types"
)

func TestComponentEventWrapsContentAsJSONString(t *testing.T) {
	t.Parallel()
	chart := [][]any{
		{"Time", "model-a"},
		{"2025-10-21 10:00:00", 100000.0},
	}
	evt := ComponentEvent(ComponentLineChart, chart)
	if evt.EventType != EventComponent {
		t.Fatalf("event_type = %q", evt.EventType)
	}

	var payload struct {
		ComponentType string `json:"component_type"`
		Content       string `json:"content"`
	}
	if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ComponentType != ComponentLineChart {
		t.Fatalf("component_type = %q", payload.ComponentType)
	}

	// Content is itself a JSON string of the 2D array.
	var rows [][]any
	if err := json.Unmarshal([]byte(payload.Content), &rows); err != nil {
		t.Fatalf("content is not valid JSON: %v", err)
	}
	if len(rows) != 2 || rows[0][0] != "Time" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestStatusEventPayload(t *testing.T) {
	t.Parallel()
	evt := StatusEvent("s-1", types.StatusRunning)

	var payload map[string]string
	if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["strategy_id"] != "s-1" || payload["status"] != "RUNNING" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestTradeEventRoundTrip(t *testing.T) {
	t.Parallel()
	trade := types.TradeHistoryEntry{
		TradeID: "t-1", StrategyID: "s-1",
		Instrument: types.InstrumentRef{Symbol: "BTC/USDT", ExchangeID: "sim"},
		Side:       types.BUY, Quantity: 1.5, AvgExecPrice: 100, TradeTS: 42,
	}
	evt := TradeEvent(trade)

	var got types.TradeHistoryEntry
	if err := json.Unmarshal(evt.PayloadJSON, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.TradeID != "t-1" || got.Quantity != 1.5 || got.Instrument.Symbol != "BTC/USDT" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

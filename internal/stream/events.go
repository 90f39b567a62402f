// Package stream carries a strategy runtime's event feed to WebSocket
// clients. Each runtime produces a linear sequence of events; the hub
// broadcasts them and the server exposes the /ws endpoint.
package stream

import (
	"encoding/json"

	"quantpilot/pkg/types"
)

// Event types emitted by a strategy runtime.
const (
	EventStrategyStatus  = "strategy_status"
	EventUpdateTrade     = "update_trade"
	EventUpdateSummary   = "update_strategy_summary"
	EventUpdatePortfolio = "update_portfolio"
	EventMessageChunk    = "message_chunk"
	EventComponent       = "component_generator"
	EventDone            = "done"
)

// Component types carried inside component_generator events.
const (
	ComponentCardPush  = "filtered_card_push_notification"
	ComponentLineChart = "filtered_line_chart"
	ComponentStatus    = "status"
	ComponentTrade     = "update_trade"
	ComponentSummary   = "update_strategy_summary"
	ComponentPortfolio = "update_portfolio"
)

// StreamEvent is the wire format for every event: a type tag plus the
// payload pre-serialized to JSON.
type StreamEvent struct {
	EventType   string          `json:"event_type"`
	PayloadJSON json.RawMessage `json:"payload_json"`
}

// componentPayload wraps a component event; Content is itself a JSON
// string of the component-specific payload.
type componentPayload struct {
	ComponentType string `json:"component_type"`
	Content       string `json:"content"`
}

func newEvent(eventType string, payload any) StreamEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{}`)
	}
	return StreamEvent{EventType: eventType, PayloadJSON: data}
}

// StatusEvent reports a strategy status transition.
func StatusEvent(strategyID string, status types.StrategyStatus) StreamEvent {
	return newEvent(EventStrategyStatus, map[string]any{
		"strategy_id": strategyID,
		"status":      status,
	})
}

// TradeEvent carries one full trade entry.
func TradeEvent(trade types.TradeHistoryEntry) StreamEvent {
	return newEvent(EventUpdateTrade, trade)
}

// SummaryEvent carries a full strategy summary.
func SummaryEvent(summary types.StrategySummary) StreamEvent {
	return newEvent(EventUpdateSummary, summary)
}

// PortfolioEvent carries a full portfolio view.
func PortfolioEvent(view types.PortfolioView) StreamEvent {
	return newEvent(EventUpdatePortfolio, view)
}

// MessageEvent carries user-facing text.
func MessageEvent(text string) StreamEvent {
	return newEvent(EventMessageChunk, map[string]string{"text": text})
}

// ComponentEvent wraps a typed UI component; content is serialized to a
// JSON string per the component contract.
func ComponentEvent(componentType string, content any) StreamEvent {
	data, err := json.Marshal(content)
	if err != nil {
		data = []byte(`{}`)
	}
	return newEvent(EventComponent, componentPayload{
		ComponentType: componentType,
		Content:       string(data),
	})
}

// DoneEvent is the terminal marker of a runtime's event sequence.
func DoneEvent() StreamEvent {
	return newEvent(EventDone, map[string]any{})
}

// Emitter is the capability the orchestrator uses to publish events.
// The hub satisfies it; tests substitute a recording fake.
type Emitter interface {
	Emit(evt StreamEvent)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(evt StreamEvent)

func (f EmitterFunc) Emit(evt StreamEvent) { f(evt) }

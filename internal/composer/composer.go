// Package composer turns a compose context into normalized trade
// instructions. Two variants share the contract: the grid composer is
// rule-based over discrete price-grid crossings, the LLM composer asks a
// model for a structured plan. Both feed their raw plans through the same
// normalization guardrails before anything reaches the gateway.
package composer

import (
	"context"

	"quantpilot/pkg/types"
)

// Composer is the single capability both variants implement.
type Composer interface {
	Compose(ctx context.Context, cc types.ComposeContext) (types.ComposeResult, error)
}

// PlanItem is one raw per-symbol proposal before normalization.
// TargetQty is the signed desired position; CloseQty is set instead for
// partial closes (units to shave off the current position).
type PlanItem struct {
	Instrument types.InstrumentRef `json:"instrument"`
	Action     types.Action        `json:"action"`
	TargetQty  float64             `json:"target_qty"`
	CloseQty   float64             `json:"close_qty,omitempty"`
	Leverage   float64             `json:"leverage,omitempty"`
	Confidence float64             `json:"confidence,omitempty"`
	Rationale  string              `json:"rationale,omitempty"`
}

// Plan is the raw composer output handed to Normalize.
type Plan struct {
	Items      []PlanItem `json:"items"`
	Rationale  string     `json:"rationale,omitempty"`
	ShouldStop bool       `json:"should_stop,omitempty"`
}

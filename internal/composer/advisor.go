package composer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"quantpilot/internal/llm"
	"quantpilot/pkg/types"
)

// Advice is the advisor's parameter proposal. Zero fields mean "keep the
// current value"; everything is clamped before application.
type Advice struct {
	StepPct      float64 `json:"step_pct,omitempty"`
	MaxSteps     int     `json:"max_steps,omitempty"`
	BaseFraction float64 `json:"base_fraction,omitempty"`
	GridLowerPct float64 `json:"grid_lower_pct,omitempty"`
	GridUpperPct float64 `json:"grid_upper_pct,omitempty"`
	GridCount    int     `json:"grid_count,omitempty"`
	Rationale    string  `json:"rationale,omitempty"`
}

// DefaultAdvisorRefresh is the minimum interval between advisor calls.
const DefaultAdvisorRefresh = 300 * time.Second

// ParamAdvisor asks an LLM to re-tune grid parameters from current market
// and portfolio state.
type ParamAdvisor struct {
	client  llm.Client
	modelID string
	refresh time.Duration
	logger  *slog.Logger
}

// NewParamAdvisor creates an advisor; refresh <= 0 uses the default cadence.
func NewParamAdvisor(client llm.Client, modelID string, refresh time.Duration, logger *slog.Logger) *ParamAdvisor {
	if refresh <= 0 {
		refresh = DefaultAdvisorRefresh
	}
	return &ParamAdvisor{
		client:  client,
		modelID: modelID,
		refresh: refresh,
		logger:  logger.With("component", "grid-advisor"),
	}
}

// RefreshInterval returns the advisor cadence.
func (a *ParamAdvisor) RefreshInterval() time.Duration { return a.refresh }

const advisorSystemPrompt = `You are a quantitative trading assistant tuning a grid trading strategy.
Given portfolio state and a market snapshot, propose grid parameters.
Reply with a single JSON object:
{"step_pct": <float>, "max_steps": <int>, "base_fraction": <float>,
 "grid_lower_pct": <float>, "grid_upper_pct": <float>, "grid_count": <int>,
 "rationale": "<one paragraph>"}
Omit any field you do not want to change. step_pct is a fraction (0.005 = 0.5%).`

// Advise calls the model and parses its parameter proposal.
func (a *ParamAdvisor) Advise(ctx context.Context, cc types.ComposeContext) (Advice, error) {
	user, err := advisorUserPrompt(cc)
	if err != nil {
		return Advice{}, fmt.Errorf("advisor prompt: %w", err)
	}

	reply, err := a.client.Complete(ctx, a.modelID, advisorSystemPrompt, user)
	if err != nil {
		return Advice{}, fmt.Errorf("advisor call: %w", err)
	}
	raw, err := llm.ExtractJSON(reply)
	if err != nil {
		return Advice{}, fmt.Errorf("advisor reply: %w", err)
	}
	var advice Advice
	if err := json.Unmarshal(raw, &advice); err != nil {
		return Advice{}, fmt.Errorf("advisor reply: %w", err)
	}
	a.logger.Debug("advice received",
		"step_pct", advice.StepPct, "max_steps", advice.MaxSteps,
		"grid_count", advice.GridCount,
	)
	return advice, nil
}

func advisorUserPrompt(cc types.ComposeContext) (string, error) {
	payload := map[string]any{
		"portfolio": cc.Portfolio,
		"market":    cc.MarketFeatures(),
		"digest":    cc.Digest,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

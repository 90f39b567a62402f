package composer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"quantpilot/internal/llm"
	"quantpilot/pkg/types"
)

// llmFailedRationale is returned whenever the model call or its reply
// cannot produce a valid plan; the cycle continues with no instructions.
const llmFailedRationale = "LLM call failed"

// LLMConfig assembles the LLM composer's dependencies.
type LLMConfig struct {
	Client         llm.Client
	ModelID        string
	StrategyPrompt string
	MarketType     types.MarketType
	Normalize      NormalizeOptions // ComposeID is filled per cycle
}

// LLMComposer asks a model for a structured trade plan each cycle and runs
// it through the shared normalization guardrails.
type LLMComposer struct {
	cfg    LLMConfig
	logger *slog.Logger
}

// NewLLMComposer builds an LLM-backed composer.
func NewLLMComposer(cfg LLMConfig, logger *slog.Logger) *LLMComposer {
	return &LLMComposer{cfg: cfg, logger: logger.With("component", "llm-composer")}
}

const composerSystemPrompt = `You are a trading strategy making one decision cycle.
Given the portfolio, market features, recent trade digest, and constraints,
reply with a single JSON object:
{"items": [{"instrument": {"symbol": "<symbol>"}, "action": "OPEN_LONG|OPEN_SHORT|CLOSE_LONG|CLOSE_SHORT|FLAT|NOOP",
            "target_qty": <signed float>, "leverage": <float>, "confidence": <0..1>, "rationale": "<short>"}],
 "rationale": "<overall reasoning>"}
target_qty is the desired signed position after the trade. Use NOOP to hold.`

// Compose builds the prompt, calls the model, and normalizes the plan. A
// model failure degrades to an empty plan; the error is absorbed here.
func (c *LLMComposer) Compose(ctx context.Context, cc types.ComposeContext) (types.ComposeResult, error) {
	plan, err := c.propose(ctx, cc)
	if err != nil {
		c.logger.Warn("plan proposal failed", "error", err)
		return types.ComposeResult{Rationale: llmFailedRationale}, nil
	}

	opts := c.cfg.Normalize
	opts.ComposeID = cc.ComposeID
	if cc.Constraints != nil {
		if cc.Constraints.MaxPositions > 0 {
			opts.MaxPositions = cc.Constraints.MaxPositions
		}
		if cc.Constraints.MaxPositionQty > 0 {
			opts.MaxPositionQty = cc.Constraints.MaxPositionQty
		}
	}
	instructions, notes := Normalize(plan, cc.Portfolio, cc.MarketFeatures(), opts)

	rationale := plan.Rationale
	if len(notes) > 0 {
		rationale = strings.TrimSpace(rationale + "\n" + strings.Join(notes, "\n"))
	}
	return types.ComposeResult{
		Instructions: instructions,
		Rationale:    rationale,
		ShouldStop:   plan.ShouldStop,
	}, nil
}

func (c *LLMComposer) propose(ctx context.Context, cc types.ComposeContext) (Plan, error) {
	user, err := composerUserPrompt(c.cfg.StrategyPrompt, cc)
	if err != nil {
		return Plan{}, fmt.Errorf("prompt: %w", err)
	}
	reply, err := c.cfg.Client.Complete(ctx, c.cfg.ModelID, composerSystemPrompt, user)
	if err != nil {
		return Plan{}, err
	}
	raw, err := llm.ExtractJSON(reply)
	if err != nil {
		return Plan{}, err
	}
	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return Plan{}, fmt.Errorf("plan schema: %w", err)
	}
	return c.validate(plan, cc), nil
}

// validate drops malformed items and normalizes symbols; a plan is never
// rejected wholesale for one bad item.
func (c *LLMComposer) validate(plan Plan, cc types.ComposeContext) Plan {
	out := Plan{Rationale: plan.Rationale, ShouldStop: plan.ShouldStop}
	for _, item := range plan.Items {
		if item.Instrument.Symbol == "" {
			continue
		}
		item.Instrument.Symbol = types.NormalizeSymbol(item.Instrument.Symbol, c.cfg.MarketType)
		switch item.Action {
		case types.ActionOpenLong, types.ActionOpenShort, types.ActionCloseLong,
			types.ActionCloseShort, types.ActionFlat, types.ActionNoop:
		default:
			c.logger.Warn("dropping plan item with unknown action", "action", item.Action, "symbol", item.Instrument.Symbol)
			continue
		}
		if item.Confidence < 0 || item.Confidence > 1 {
			item.Confidence = 0
		}
		out.Items = append(out.Items, item)
	}
	return out
}

func composerUserPrompt(strategyPrompt string, cc types.ComposeContext) (string, error) {
	payload := map[string]any{
		"strategy":  strategyPrompt,
		"portfolio": cc.Portfolio,
		"market":    cc.MarketFeatures(),
		"features":  cc.Features,
		"digest":    cc.Digest,
	}
	if cc.Constraints != nil {
		payload["constraints"] = cc.Constraints
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

package composer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"quantpilot/pkg/types"
)

// GridParams tune the grid composer. They may be refreshed at runtime by
// the parameter advisor, subject to the clamps in applyAdvice.
type GridParams struct {
	StepPct      float64 `json:"step_pct"`
	MaxSteps     int     `json:"max_steps"`
	BaseFraction float64 `json:"base_fraction"`
	GridLowerPct float64 `json:"grid_lower_pct,omitempty"`
	GridUpperPct float64 `json:"grid_upper_pct,omitempty"`
	GridCount    int     `json:"grid_count,omitempty"`
}

// DefaultGridParams returns the baseline grid tuning.
func DefaultGridParams() GridParams {
	return GridParams{StepPct: 0.005, MaxSteps: 3, BaseFraction: 0.08}
}

const (
	minStepPct    = 0.003
	minZonePct    = 0.10
	maxCountDelta = 2
)

// GridConfig assembles everything the grid composer needs at construction.
type GridConfig struct {
	Symbols    []string
	MarketType types.MarketType
	Params     GridParams
	Trading    types.TradingConfig
	Normalize  NormalizeOptions // ComposeID is filled per cycle
	Advisor    *ParamAdvisor    // optional
}

type tpTrack struct {
	partialClosed bool
	peakPnL       float64
}

// GridComposer adds and reduces positions on discrete price-grid crossings,
// with take-profit / stop-loss rules evaluated first each cycle. Per-symbol
// stop-loss blacklisting and partial take-profit tracking persist across
// cycles of the same strategy.
type GridComposer struct {
	cfg    GridConfig
	params GridParams
	logger *slog.Logger

	cycle         int
	stopped       map[string]bool
	tracking      map[string]*tpTrack
	prevPrice     map[string]float64
	lastAdviceTS  int64
	adviceApplied bool
	pendingAdvice *Advice
}

// NewGridComposer builds a grid composer; zero params fall back to defaults.
func NewGridComposer(cfg GridConfig, logger *slog.Logger) *GridComposer {
	params := cfg.Params
	if params.StepPct <= 0 {
		params.StepPct = DefaultGridParams().StepPct
	}
	if params.MaxSteps <= 0 {
		params.MaxSteps = DefaultGridParams().MaxSteps
	}
	if params.BaseFraction <= 0 {
		params.BaseFraction = DefaultGridParams().BaseFraction
	}
	return &GridComposer{
		cfg:       cfg,
		params:    params,
		logger:    logger.With("component", "grid-composer"),
		stopped:   make(map[string]bool),
		tracking:  make(map[string]*tpTrack),
		prevPrice: make(map[string]float64),
	}
}

// StoppedSymbols returns the symbols blacklisted by stop-loss.
func (g *GridComposer) StoppedSymbols() []string {
	out := make([]string, 0, len(g.stopped))
	for s := range g.stopped {
		out = append(out, s)
	}
	return out
}

// Params returns the currently applied tuning.
func (g *GridComposer) Params() GridParams { return g.params }

// Compose evaluates TP/SL rules first, then grid crossings, and runs the
// result through the shared normalization guardrails.
func (g *GridComposer) Compose(ctx context.Context, cc types.ComposeContext) (types.ComposeResult, error) {
	defer func() { g.cycle++ }()

	market := cc.MarketFeatures()

	// With nothing held and no cash there is nothing to decide; skip the
	// advisor call entirely.
	if len(cc.Portfolio.Positions) == 0 && cc.Portfolio.BuyingPower < 1 {
		return types.ComposeResult{Rationale: "no positions and no buying power"}, nil
	}

	var rationale []string
	if note := g.maybeAdvise(ctx, cc, market); note != "" {
		rationale = append(rationale, note)
	}

	plan := Plan{}
	for _, symbol := range g.cfg.Symbols {
		if g.stopped[symbol] {
			continue
		}
		price, ok := types.LastPrice(market, symbol)
		if !ok || price <= 0 {
			continue
		}

		pos, held := cc.Portfolio.Positions[symbol]
		if held && math.Abs(pos.Quantity) > g.cfg.Normalize.QuantityPrecision {
			if item, note, handled := g.evalTPSL(symbol, pos, price, &plan); handled {
				if item != nil {
					plan.Items = append(plan.Items, *item)
				}
				if note != "" {
					rationale = append(rationale, note)
				}
				g.prevPrice[symbol] = price
				continue
			}
		}

		if item, note := g.evalGrid(symbol, pos, held, price, cc.Portfolio.TotalValue); item != nil {
			plan.Items = append(plan.Items, *item)
			if note != "" {
				rationale = append(rationale, note)
			}
		}
		g.prevPrice[symbol] = price
	}

	opts := g.cfg.Normalize
	opts.ComposeID = cc.ComposeID
	instructions, notes := Normalize(plan, cc.Portfolio, market, opts)
	rationale = append(rationale, notes...)

	return types.ComposeResult{
		Instructions: instructions,
		Rationale:    strings.Join(rationale, "\n"),
		ShouldStop:   plan.ShouldStop,
	}, nil
}

// evalTPSL applies the take-profit / stop-loss chain for one held position.
// handled=true means the grid rules must not run for this symbol this cycle.
func (g *GridComposer) evalTPSL(symbol string, pos types.PositionSnapshot, price float64, plan *Plan) (*PlanItem, string, bool) {
	avg := pos.AvgPrice
	if avg <= 0 {
		return nil, "", false
	}
	move := (price - avg) / avg * 100
	if pos.Quantity < 0 {
		move = -move
	}
	pnl := move * math.Max(1, pos.Leverage)

	closeAction := types.ActionCloseLong
	if pos.Quantity < 0 {
		closeAction = types.ActionCloseShort
	}
	absQty := math.Abs(pos.Quantity)
	tc := g.cfg.Trading
	tr := g.tracking[symbol]

	switch {
	case tc.PartialTPEnabled && (tr == nil || !tr.partialClosed) && tc.PartialTPThresholdPct > 0 && pnl >= tc.PartialTPThresholdPct:
		g.tracking[symbol] = &tpTrack{partialClosed: true, peakPnL: pnl}
		note := fmt.Sprintf("%s: partial take profit at %.2f%% pnl, closing %.0f%% of position", symbol, pnl, tc.PartialTPCloseRatio*100)
		return &PlanItem{
			Instrument: instrumentFor(pos, symbol),
			Action:     closeAction,
			CloseQty:   absQty * tc.PartialTPCloseRatio,
			Leverage:   pos.Leverage,
			Rationale:  note,
		}, note, true

	case tr != nil && tr.partialClosed:
		tr.peakPnL = math.Max(tr.peakPnL, pnl)
		if tc.TrailingStopDrawdownPct > 0 && tr.peakPnL-pnl >= tc.TrailingStopDrawdownPct {
			delete(g.tracking, symbol)
			note := fmt.Sprintf("%s: trailing stop, pnl %.2f%% fell %.2f%% off peak %.2f%%", symbol, pnl, tr.peakPnL-pnl, tr.peakPnL)
			return &PlanItem{
				Instrument: instrumentFor(pos, symbol),
				Action:     closeAction,
				Leverage:   pos.Leverage,
				Rationale:  note,
			}, note, true
		}
		// Tracking owns the symbol until it resolves; the grid stays quiet.
		return nil, "", true

	case tc.TakeProfitPct > 0 && pnl >= tc.TakeProfitPct:
		delete(g.tracking, symbol)
		note := fmt.Sprintf("%s: take profit at %.2f%% pnl", symbol, pnl)
		return &PlanItem{
			Instrument: instrumentFor(pos, symbol),
			Action:     closeAction,
			Leverage:   pos.Leverage,
			Rationale:  note,
		}, note, true

	case tc.StopLossPct != 0 && pnl <= tc.StopLossPct:
		g.stopped[symbol] = true
		plan.ShouldStop = true
		delete(g.tracking, symbol)
		note := fmt.Sprintf("%s: Stop Loss triggered at %.2f%% pnl, symbol blacklisted", symbol, pnl)
		g.logger.Warn("stop loss triggered", "symbol", symbol, "pnl_pct", pnl)
		return &PlanItem{
			Instrument: instrumentFor(pos, symbol),
			Action:     closeAction,
			Leverage:   pos.Leverage,
			Rationale:  note,
		}, note, true
	}
	return nil, "", false
}

// evalGrid produces at most one grid add/reduce/open item for a symbol.
func (g *GridComposer) evalGrid(symbol string, pos types.PositionSnapshot, held bool, price, equity float64) (*PlanItem, string) {
	prev := g.prevPrice[symbol]
	if prev <= 0 {
		// First observation of this symbol; establish the reference price.
		return nil, ""
	}

	baseQty := equity * g.params.BaseFraction / price
	if f, ok := g.cfg.Normalize.Filters[symbol]; ok && f.MinNotional > 0 && baseQty*price < f.MinNotional {
		baseQty = f.MinNotional / price
	}
	if baseQty <= 0 {
		return nil, ""
	}
	lev := math.Max(1, g.cfg.Trading.MaxLeverage)

	if !held || math.Abs(pos.Quantity) <= g.cfg.Normalize.QuantityPrecision {
		if price <= prev*(1-g.params.StepPct) {
			note := fmt.Sprintf("%s: price %.4f crossed one grid below %.4f, opening long", symbol, price, prev)
			return &PlanItem{
				Instrument: types.InstrumentRef{Symbol: symbol},
				Action:     types.ActionOpenLong,
				TargetQty:  baseQty,
				Leverage:   lev,
				Rationale:  note,
			}, note
		}
		if g.cfg.MarketType == types.MarketDerivative && price >= prev*(1+g.params.StepPct) {
			note := fmt.Sprintf("%s: price %.4f crossed one grid above %.4f, opening short", symbol, price, prev)
			return &PlanItem{
				Instrument: types.InstrumentRef{Symbol: symbol},
				Action:     types.ActionOpenShort,
				TargetQty:  -baseQty,
				Leverage:   lev,
				Rationale:  note,
			}, note
		}
		return nil, ""
	}

	avg := pos.AvgPrice
	if avg <= 0 {
		return nil, ""
	}
	// Outside a configured zone the grid is inert.
	if g.params.GridLowerPct > 0 && g.params.GridUpperPct > 0 {
		if price < avg*(1-g.params.GridLowerPct) || price > avg*(1+g.params.GridUpperPct) {
			return nil, fmt.Sprintf("%s: price %.4f outside grid zone, holding", symbol, price)
		}
	}

	deltaIdx := g.gridIndex(price, avg) - g.gridIndex(prev, avg)
	if deltaIdx == 0 {
		return nil, ""
	}
	steps := math.Min(math.Abs(float64(deltaIdx)), float64(g.params.MaxSteps))
	long := pos.Quantity > 0

	// Longs buy dips and trim rips; shorts mirror.
	addSide := deltaIdx < 0
	if !long {
		addSide = deltaIdx > 0
	}

	if addSide {
		add := baseQty * steps
		target := pos.Quantity + add
		action := types.ActionOpenLong
		if !long {
			target = pos.Quantity - add
			action = types.ActionOpenShort
		}
		note := fmt.Sprintf("%s: grid crossed %d step(s), adding %.6f", symbol, deltaIdx, add)
		return &PlanItem{
			Instrument: instrumentFor(pos, symbol),
			Action:     action,
			TargetQty:  target,
			Leverage:   math.Max(1, pos.Leverage),
			Rationale:  note,
		}, note
	}

	reduce := math.Min(math.Abs(pos.Quantity), baseQty*steps)
	action := types.ActionCloseLong
	if !long {
		action = types.ActionCloseShort
	}
	note := fmt.Sprintf("%s: grid crossed %d step(s), reducing %.6f", symbol, deltaIdx, reduce)
	return &PlanItem{
		Instrument: instrumentFor(pos, symbol),
		Action:     action,
		CloseQty:   reduce,
		Leverage:   math.Max(1, pos.Leverage),
		Rationale:  note,
	}, note
}

func (g *GridComposer) gridIndex(price, avg float64) int {
	return int(math.Floor((price/avg - 1) / g.params.StepPct))
}

// maybeAdvise refreshes and conditionally applies advisor parameters.
func (g *GridComposer) maybeAdvise(ctx context.Context, cc types.ComposeContext, market map[string]types.FeatureVector) string {
	adv := g.cfg.Advisor
	if adv == nil {
		return ""
	}

	now := types.NowMS()
	due := g.cycle == 0 || !g.adviceApplied ||
		now-g.lastAdviceTS >= adv.RefreshInterval().Milliseconds()
	if due {
		advice, err := adv.Advise(ctx, cc)
		if err != nil {
			g.logger.Warn("grid advisor failed", "error", err)
		} else {
			g.pendingAdvice = &advice
			g.lastAdviceTS = now
			g.adviceApplied = false
		}
	}

	if g.pendingAdvice == nil || g.adviceApplied {
		return ""
	}
	if g.cycle != 0 && maxAbsChangePct(market) < 0.01 {
		return ""
	}

	note := g.applyAdvice(*g.pendingAdvice)
	g.adviceApplied = true
	return note
}

// applyAdvice clamps and installs advisor parameters.
func (g *GridComposer) applyAdvice(a Advice) string {
	p := g.params

	if a.StepPct > 0 {
		p.StepPct = math.Max(minStepPct, a.StepPct)
	}
	if a.MaxSteps > 0 {
		p.MaxSteps = a.MaxSteps
	}
	if p.MaxSteps < 1 {
		p.MaxSteps = 1
	}
	if a.BaseFraction > 0 {
		p.BaseFraction = a.BaseFraction
	}
	if a.GridLowerPct > 0 {
		p.GridLowerPct = math.Max(minZonePct, a.GridLowerPct)
	}
	if a.GridUpperPct > 0 {
		p.GridUpperPct = math.Max(minZonePct, a.GridUpperPct)
	}
	if a.GridCount > 0 {
		// Bound per-update movement to damp oscillation.
		count := a.GridCount
		if g.params.GridCount > 0 {
			lo, hi := g.params.GridCount-maxCountDelta, g.params.GridCount+maxCountDelta
			count = int(math.Max(float64(lo), math.Min(float64(hi), float64(count))))
		}
		if count < 1 {
			count = 1
		}
		p.GridCount = count
		if p.GridLowerPct > 0 && p.GridUpperPct > 0 {
			p.StepPct = math.Max(minStepPct, (p.GridLowerPct+p.GridUpperPct)/float64(count))
			p.MaxSteps = count
		}
	}

	g.params = p
	g.logger.Info("grid params updated",
		"step_pct", p.StepPct, "max_steps", p.MaxSteps,
		"base_fraction", p.BaseFraction, "grid_count", p.GridCount,
	)
	if a.Rationale != "" {
		return "grid advisor: " + a.Rationale
	}
	return fmt.Sprintf("grid advisor: step_pct=%.4f max_steps=%d base_fraction=%.3f", p.StepPct, p.MaxSteps, p.BaseFraction)
}

// maxAbsChangePct scans the snapshot group for the largest |change_pct|.
func maxAbsChangePct(market map[string]types.FeatureVector) float64 {
	var max float64
	for _, fv := range market {
		if v, ok := fv.Num("change_pct"); ok {
			max = math.Max(max, math.Abs(v))
		}
	}
	return max
}

func instrumentFor(pos types.PositionSnapshot, symbol string) types.InstrumentRef {
	if pos.Instrument.Symbol != "" {
		return pos.Instrument
	}
	return types.InstrumentRef{Symbol: symbol}
}

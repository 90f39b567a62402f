// Package coordinator drives one strategy's decision cycle: features,
// compose, execute, apply, summarize, record. Each RunOnce call is one
// cycle; cycles of one strategy never overlap. Recoverable failures
// (market data, LLM, venue, reconciliation) degrade gracefully inside the
// cycle; only cancellation and programmer errors propagate out.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"

	"quantpilot/internal/composer"
	"quantpilot/internal/exchange"
	"quantpilot/internal/features"
	"quantpilot/internal/gateway"
	"quantpilot/internal/history"
	"quantpilot/internal/portfolio"
	"quantpilot/internal/store"
	"quantpilot/pkg/types"
)

const closeEpsilon = 1e-12

// Config identifies the strategy a coordinator drives.
type Config struct {
	StrategyID        string
	StrategyName      string
	ModelProvider     string
	ModelID           string
	ExchangeID        string
	Mode              types.TradingMode
	MarketType        types.MarketType
	Symbols           []string
	InitialCapital    float64
	QuantityPrecision float64
}

// Coordinator owns one strategy's pipeline wiring and cycle state.
type Coordinator struct {
	cfg       Config
	pipeline  *features.Pipeline
	composer  composer.Composer
	gateway   gateway.ExecutionGateway
	portfolio *portfolio.Service
	recorder  *history.Recorder
	digests   *history.DigestBuilder
	adapter   exchange.Adapter // LIVE reconciliation; nil in VIRTUAL
	store     *store.Store     // optional persistence
	logger    *slog.Logger

	cycleIndex  int
	realizedPnL float64
	trades      []types.TradeHistoryEntry

	closeOnce sync.Once
	closeErr  error
}

// Deps wires a coordinator's collaborators.
type Deps struct {
	Pipeline  *features.Pipeline
	Composer  composer.Composer
	Gateway   gateway.ExecutionGateway
	Portfolio *portfolio.Service
	Recorder  *history.Recorder
	Digests   *history.DigestBuilder
	Adapter   exchange.Adapter
	Store     *store.Store
}

// New creates a coordinator for one strategy.
func New(cfg Config, deps Deps, logger *slog.Logger) *Coordinator {
	if cfg.QuantityPrecision <= 0 {
		cfg.QuantityPrecision = types.DefaultQuantityPrecision
	}
	return &Coordinator{
		cfg:       cfg,
		pipeline:  deps.Pipeline,
		composer:  deps.Composer,
		gateway:   deps.Gateway,
		portfolio: deps.Portfolio,
		recorder:  deps.Recorder,
		digests:   deps.Digests,
		adapter:   deps.Adapter,
		store:     deps.Store,
		logger:    logger.With("component", "coordinator", "strategy_id", cfg.StrategyID),
	}
}

// CycleIndex returns the number of completed cycles.
func (c *Coordinator) CycleIndex() int { return c.cycleIndex }

// Trades returns all trade entries created so far, newest last.
func (c *Coordinator) Trades() []types.TradeHistoryEntry {
	out := make([]types.TradeHistoryEntry, len(c.trades))
	copy(out, c.trades)
	return out
}

// RunOnce executes exactly one decision cycle.
func (c *Coordinator) RunOnce(ctx context.Context) (types.DecisionCycleResult, error) {
	composeID := uuid.NewString()
	ts := types.NowMS()

	var cycleWarnings []string

	view := c.portfolio.GetView()
	if c.cfg.Mode == types.ModeLive {
		var warn string
		view, warn = c.reconcile(ctx, view)
		if warn != "" {
			cycleWarnings = append(cycleWarnings, warn)
		}
	}

	featureList := c.pipeline.Build(ctx)
	if len(featureList) == 0 {
		cycleWarnings = append(cycleWarnings, fmt.Sprintf("- [%s] no market features this cycle", types.ErrKindData))
	}
	market := types.SnapshotFeatures(featureList)
	digest := c.digests.Build()

	cc := types.ComposeContext{
		TS:         ts,
		ComposeID:  composeID,
		StrategyID: c.cfg.StrategyID,
		Features:   featureList,
		Portfolio:  view,
		Digest:     digest,
	}
	composed, err := c.composer.Compose(ctx, cc)
	if err != nil {
		if ctx.Err() != nil {
			return types.DecisionCycleResult{}, ctx.Err()
		}
		c.logger.Warn("compose failed, continuing with empty plan", "error", err)
		composed = types.ComposeResult{Rationale: fmt.Sprintf("[%s] compose failed: %v", types.ErrKindCompose, err)}
	}

	results := c.gateway.Execute(ctx, composed.Instructions, market)

	rationale := composed.Rationale
	warnings := append(cycleWarnings, executionWarnings(results)...)
	if len(warnings) > 0 {
		rationale = strings.TrimSpace(rationale + "\n\nExecution Warnings:\n" + strings.Join(warnings, "\n"))
	}

	trades := c.convertFills(view, results, ts)
	c.applyFills(results, market)

	afterView := c.portfolio.GetView()
	summary := c.buildSummary(trades, afterView)

	c.recorder.Record(types.RecordFeatures, composeID, featureList)
	c.recorder.Record(types.RecordCompose, composeID, composed)
	c.recorder.Record(types.RecordInstructions, composeID, composed.Instructions)
	c.recorder.Record(types.RecordExecution, composeID, history.ExecutionPayload{Results: results, Trades: trades})

	if composed.ShouldStop {
		summary.Status = types.StatusStopped
		reason := types.StopReasonNormalExit
		if strings.Contains(rationale, "Stop Loss") {
			reason = types.StopReasonStopLoss
		}
		if summary.Metadata == nil {
			summary.Metadata = make(map[string]string)
		}
		summary.Metadata["stop_reason"] = string(reason)
		summary.Metadata["stop_reason_detail"] = firstLine(rationale)
	}

	c.persist(trades, afterView)
	c.cycleIndex++

	return types.DecisionCycleResult{
		ComposeID:    composeID,
		CycleIndex:   c.cycleIndex - 1,
		TS:           ts,
		Instructions: composed.Instructions,
		Results:      results,
		Trades:       trades,
		Summary:      summary,
		Portfolio:    afterView,
		Rationale:    rationale,
		ShouldStop:   composed.ShouldStop,
	}, nil
}

// reconcile overwrites the cached view with exchange truth. A fetch failure
// keeps the cached view and surfaces a cycle warning; the cycle continues.
func (c *Coordinator) reconcile(ctx context.Context, cached types.PortfolioView) (types.PortfolioView, string) {
	balance, err := c.adapter.FetchBalance(ctx)
	if err != nil {
		c.logger.Warn("balance fetch failed, using cached view", "error", err)
		return cached, fmt.Sprintf("- [%s] balance fetch failed: %v", types.ErrKindReconcile, err)
	}
	var positions []types.VenuePosition
	if c.cfg.MarketType == types.MarketDerivative {
		positions, err = c.adapter.FetchPositions(ctx, c.cfg.Symbols)
		if err != nil {
			c.logger.Warn("position fetch failed, using cached view", "error", err)
			return cached, fmt.Sprintf("- [%s] position fetch failed: %v", types.ErrKindReconcile, err)
		}
	}
	c.portfolio.ReconcileLive(balance, positions)
	return c.portfolio.GetView(), ""
}

// convertFills turns filled results into trade entries, detecting closes
// against the pre-apply position state. Rejected and errored results never
// produce trades.
func (c *Coordinator) convertFills(before types.PortfolioView, results []types.TxResult, ts int64) []types.TradeHistoryEntry {
	prev := make(map[string]types.PositionSnapshot, len(before.Positions))
	for symbol, pos := range before.Positions {
		prev[symbol] = pos
	}

	var out []types.TradeHistoryEntry
	for _, r := range results {
		if !r.Filled() {
			continue
		}
		entry := c.oneTrade(prev, r, ts)
		out = append(out, entry)
		c.trades = append(c.trades, entry)

		// Track the projected position so a second fill on the same
		// symbol in this cycle sees the updated state.
		pos := prev[r.Instrument.Symbol]
		signed := r.FilledQty
		if r.Side == types.SELL {
			signed = -signed
		}
		newQty := pos.Quantity + signed
		switch {
		case pos.Quantity == 0 || (pos.Quantity > 0) == (signed > 0):
			total := math.Abs(pos.Quantity) + r.FilledQty
			if pos.Quantity == 0 {
				pos.AvgPrice = r.AvgExecPrice
				pos.EntryTS = ts
			} else if total > 0 {
				pos.AvgPrice = (pos.AvgPrice*math.Abs(pos.Quantity) + r.AvgExecPrice*r.FilledQty) / total
			}
		case (newQty > 0) != (pos.Quantity > 0) && math.Abs(newQty) > closeEpsilon:
			pos.AvgPrice = r.AvgExecPrice
			pos.EntryTS = ts
		}
		pos.Quantity = newQty
		pos.Instrument = r.Instrument
		prev[r.Instrument.Symbol] = pos
	}
	return out
}

// oneTrade builds a single trade entry per the close-detection rules.
func (c *Coordinator) oneTrade(prev map[string]types.PositionSnapshot, r types.TxResult, ts int64) types.TradeHistoryEntry {
	symbol := r.Instrument.Symbol
	pos := prev[symbol]
	prevQty := pos.Quantity
	qty := r.FilledQty

	entry := types.TradeHistoryEntry{
		TradeID:       uuid.NewString(),
		ComposeID:     instructionComposeID(r.InstructionID),
		InstructionID: r.InstructionID,
		StrategyID:    c.cfg.StrategyID,
		Instrument:    r.Instrument,
		Side:          r.Side,
		Quantity:      qty,
		AvgExecPrice:  r.AvgExecPrice,
		TradeTS:       ts,
		Leverage:      math.Max(1, r.Leverage),
		FeeCost:       r.FeeCost,
	}
	// Trade direction follows the position it touches: a fill against an
	// existing position inherits its side, a fill from flat opens in the
	// fill's own direction.
	switch {
	case prevQty > 0:
		entry.Type = types.TradeLong
	case prevQty < 0:
		entry.Type = types.TradeShort
	case r.Side == types.BUY:
		entry.Type = types.TradeLong
	default:
		entry.Type = types.TradeShort
	}

	opposes := (prevQty > 0 && r.Side == types.SELL) || (prevQty < 0 && r.Side == types.BUY)
	closeUnits := 0.0
	if opposes {
		closeUnits = math.Min(qty, math.Abs(prevQty))
	}

	switch {
	case closeUnits > 0 && closeUnits >= math.Abs(prevQty)-closeEpsilon:
		// Full close, possibly with overshoot: the entry covers only the
		// closed units; any leftover opens the opposite side in the
		// portfolio without its own history entry.
		entry.Quantity = closeUnits
		entry.EntryPrice = pos.AvgPrice
		entry.EntryTS = pos.EntryTS
		entry.ExitPrice = r.AvgExecPrice
		entry.ExitTS = ts
		if pos.EntryTS > 0 {
			entry.HoldingMS = ts - pos.EntryTS
		}
		entry.NotionalEntry = closeUnits * pos.AvgPrice
		entry.NotionalExit = closeUnits * r.AvgExecPrice
		entry.RealizedPnL = directionalPnL(prevQty, pos.AvgPrice, r.AvgExecPrice, closeUnits) - r.FeeCost
		if entry.NotionalEntry > 0 {
			entry.RealizedPnLPct = entry.RealizedPnL / entry.NotionalEntry
		}

	case closeUnits > 0:
		// Partial reduce: its own trade entry, plus an annotation on the
		// most recent open trade for this symbol.
		entry.EntryPrice = pos.AvgPrice
		entry.ExitPrice = r.AvgExecPrice
		entry.NotionalEntry = closeUnits * pos.AvgPrice
		entry.NotionalExit = closeUnits * r.AvgExecPrice
		entry.RealizedPnL = directionalPnL(prevQty, pos.AvgPrice, r.AvgExecPrice, closeUnits) - r.FeeCost
		if entry.NotionalEntry > 0 {
			entry.RealizedPnLPct = entry.RealizedPnL / entry.NotionalEntry
		}
		c.annotateLastOpen(symbol, entry.TradeID, r.AvgExecPrice, closeUnits, ts)

	default:
		// Pure open or same-direction increase: the fee is the immediate cost.
		entry.EntryPrice = r.AvgExecPrice
		entry.EntryTS = ts
		entry.NotionalEntry = qty * r.AvgExecPrice
		entry.RealizedPnL = -r.FeeCost
	}
	return entry
}

// annotateLastOpen back-fills exit fields on the most recent open-direction
// trade for a symbol when a partial reduce pairs against it.
func (c *Coordinator) annotateLastOpen(symbol, exitTradeID string, exitPrice, closeUnits float64, ts int64) {
	for i := len(c.trades) - 1; i >= 0; i-- {
		t := &c.trades[i]
		if t.Instrument.Symbol != symbol || t.ExitTS != 0 {
			continue
		}
		t.ExitPrice = exitPrice
		t.ExitTS = ts
		if t.EntryTS > 0 {
			t.HoldingMS = ts - t.EntryTS
		}
		t.NotionalExit = closeUnits * exitPrice
		if t.Note != "" {
			t.Note += ";"
		}
		t.Note += "paired_exit_of:" + exitTradeID
		return
	}
}

// applyFills forwards the raw fills (full quantities, not close-detected
// entries) to the portfolio so overshoot leftovers open correctly.
func (c *Coordinator) applyFills(results []types.TxResult, market map[string]types.FeatureVector) {
	var fills []types.TradeHistoryEntry
	for _, r := range results {
		if !r.Filled() {
			continue
		}
		fills = append(fills, types.TradeHistoryEntry{
			TradeID:      r.InstructionID,
			Instrument:   r.Instrument,
			Side:         r.Side,
			Quantity:     r.FilledQty,
			AvgExecPrice: r.AvgExecPrice,
			FeeCost:      r.FeeCost,
			TradeTS:      types.NowMS(),
			Leverage:     math.Max(1, r.Leverage),
		})
	}
	if len(fills) > 0 {
		c.portfolio.ApplyTrades(fills, market)
	} else {
		c.portfolio.MarkToMarket(market)
	}
}

// buildSummary computes the per-cycle strategy rollup.
func (c *Coordinator) buildSummary(trades []types.TradeHistoryEntry, view types.PortfolioView) types.StrategySummary {
	for _, t := range trades {
		c.realizedPnL += t.RealizedPnL
	}

	equity := view.TotalValue
	unrealized := view.TotalUnrealizedPnL
	if equity == 0 {
		equity = c.cfg.InitialCapital + c.realizedPnL
	}

	summary := types.StrategySummary{
		StrategyID:    c.cfg.StrategyID,
		Name:          c.cfg.StrategyName,
		ModelProvider: c.cfg.ModelProvider,
		ModelID:       c.cfg.ModelID,
		ExchangeID:    c.cfg.ExchangeID,
		Mode:          c.cfg.Mode,
		Status:        types.StatusRunning,
		RealizedPnL:   c.realizedPnL,
		UnrealizedPnL: unrealized,
		TotalValue:    equity,
		LastUpdatedTS: types.NowMS(),
	}
	if equity > 0 {
		summary.UnrealizedPnLPct = unrealized / equity * 100
		pct := (c.realizedPnL + unrealized) / equity
		summary.PnLPct = &pct
	}
	return summary
}

// CloseAllPositions emits reduce-only MARKET closes for every open
// position, applies the fills, and returns the resulting trade entries.
func (c *Coordinator) CloseAllPositions(ctx context.Context) ([]types.TradeHistoryEntry, error) {
	view := c.portfolio.GetView()
	if len(view.Positions) == 0 {
		return nil, nil
	}

	composeID := uuid.NewString()
	ts := types.NowMS()
	featureList := c.pipeline.Build(ctx)
	market := types.SnapshotFeatures(featureList)

	var instructions []types.TradeInstruction
	for symbol, pos := range view.Positions {
		if math.Abs(pos.Quantity) <= c.cfg.QuantityPrecision {
			continue
		}
		side := types.SELL
		action := types.ActionCloseLong
		if pos.Quantity < 0 {
			side = types.BUY
			action = types.ActionCloseShort
		}
		instructions = append(instructions, types.TradeInstruction{
			InstructionID:  fmt.Sprintf("%s:%s:%d", composeID, symbol, len(instructions)),
			ComposeID:      composeID,
			Instrument:     pos.Instrument,
			Action:         action,
			Side:           side,
			Quantity:       math.Abs(pos.Quantity),
			PriceMode:      types.PriceModeMarket,
			MaxSlippageBps: composer.DefaultSlippageBps,
			Leverage:       math.Max(1, pos.Leverage),
			Meta: types.InstructionMeta{
				Rationale:  "close all positions",
				ReduceOnly: true,
				CurrentQty: pos.Quantity,
				Action:     action,
			},
		})
	}
	if len(instructions) == 0 {
		return nil, nil
	}

	results := c.gateway.Execute(ctx, instructions, market)
	trades := c.convertFills(view, results, ts)
	c.applyFills(results, market)

	c.recorder.Record(types.RecordExecution, composeID, history.ExecutionPayload{Results: results, Trades: trades})
	c.persist(trades, c.portfolio.GetView())
	c.logger.Info("closed all positions", "count", len(trades))
	return trades, nil
}

// Close releases gateway and pipeline resources. Idempotent.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.gateway.Close()
		if err := c.pipeline.Close(); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// persist pushes trades and the portfolio snapshot to storage, best-effort.
func (c *Coordinator) persist(trades []types.TradeHistoryEntry, view types.PortfolioView) {
	if c.store == nil {
		return
	}
	for _, t := range trades {
		if err := c.store.SaveTrade(t); err != nil {
			c.logger.Warn("trade persist failed", "trade_id", t.TradeID, "error", err)
		}
	}
	if err := c.store.SavePortfolioSnapshot(view); err != nil {
		c.logger.Warn("portfolio persist failed", "error", err)
	}
}

func executionWarnings(results []types.TxResult) []string {
	var out []string
	for _, r := range results {
		var kind types.ErrorKind
		switch r.Status {
		case types.TxRejected:
			kind = types.ErrKindExecutionRejected
		case types.TxError:
			kind = types.ErrKindExecutionError
		default:
			continue
		}
		out = append(out, fmt.Sprintf("- [%s] %s %s: %s", kind, r.Instrument.Symbol, r.Side, r.Reason))
	}
	return out
}

// directionalPnL computes realized PnL for closed units, sign-flipped for
// shorts.
func directionalPnL(prevQty, entry, exit, closedUnits float64) float64 {
	if prevQty > 0 {
		return (exit - entry) * closedUnits
	}
	return (entry - exit) * closedUnits
}

// instructionComposeID recovers the compose ID prefix from an instruction
// ID of the form "<compose_id>:<symbol>:<index>".
func instructionComposeID(instructionID string) string {
	if i := strings.Index(instructionID, ":"); i > 0 {
		return instructionID[:i]
	}
	return instructionID
}

// firstLine trims a rationale down to its first line for compact metadata.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

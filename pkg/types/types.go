// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the platform — instruments,
// candles, feature vectors, portfolio snapshots, trade instructions and
// results, history records, and strategy summaries. It has no dependencies
// on internal packages, so it can be imported by any layer.
package types

import (
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Action is the high-level intent behind a trade instruction.
type Action string

const (
	ActionOpenLong   Action = "OPEN_LONG"
	ActionOpenShort  Action = "OPEN_SHORT"
	ActionCloseLong  Action = "CLOSE_LONG"
	ActionCloseShort Action = "CLOSE_SHORT"
	ActionFlat       Action = "FLAT"
	ActionNoop       Action = "NOOP"
)

// PriceMode selects how an instruction is priced at the venue.
type PriceMode string

const (
	PriceModeMarket PriceMode = "MARKET"
	PriceModeLimit  PriceMode = "LIMIT"
)

// TxStatus is the outcome of executing one instruction.
// FILLED and PARTIAL imply filled_qty > 0; REJECTED and ERROR mean the
// instruction produced no fill and never creates a trade record.
type TxStatus string

const (
	TxFilled   TxStatus = "FILLED"
	TxPartial  TxStatus = "PARTIAL"
	TxRejected TxStatus = "REJECTED"
	TxError    TxStatus = "ERROR"
)

// TradingMode selects whether the gateway talks to a real venue or
// simulates fills locally.
type TradingMode string

const (
	ModeLive    TradingMode = "LIVE"
	ModeVirtual TradingMode = "VIRTUAL"
)

// MarketType distinguishes spot accounts from leveraged derivative accounts.
type MarketType string

const (
	MarketSpot       MarketType = "SPOT"
	MarketDerivative MarketType = "DERIVATIVE"
)

// TradeType is the direction of a held position.
type TradeType string

const (
	TradeLong  TradeType = "LONG"
	TradeShort TradeType = "SHORT"
)

// StrategyStatus is the lifecycle state of one strategy runtime.
type StrategyStatus string

const (
	StatusRunning StrategyStatus = "RUNNING"
	StatusStopped StrategyStatus = "STOPPED"
	StatusError   StrategyStatus = "ERROR"
)

// RecordKind tags the four history records appended per decision cycle.
type RecordKind string

const (
	RecordFeatures     RecordKind = "features"
	RecordCompose      RecordKind = "compose"
	RecordInstructions RecordKind = "instructions"
	RecordExecution    RecordKind = "execution"
)

// ErrorKind classifies failures surfaced through events and summaries.
// It never drives control flow via string matching.
type ErrorKind string

const (
	ErrKindInput             ErrorKind = "INPUT"
	ErrKindData              ErrorKind = "DATA"
	ErrKindCompose           ErrorKind = "COMPOSE"
	ErrKindExecutionRejected ErrorKind = "EXECUTION_REJECTED"
	ErrKindExecutionError    ErrorKind = "EXECUTION_ERROR"
	ErrKindReconcile         ErrorKind = "RECONCILE"
	ErrKindFatal             ErrorKind = "FATAL"
)

// StopReason records why a runtime stopped, written into summary metadata.
type StopReason string

const (
	StopReasonStopLoss   StopReason = "STOP_LOSS"
	StopReasonNormalExit StopReason = "NORMAL_EXIT"
)

// ————————————————————————————————————————————————————————————————————————
// Instruments & market data
// ————————————————————————————————————————————————————————————————————————

// InstrumentRef identifies one tradeable instrument on one venue.
// Symbol is canonical "BASE/QUOTE", or "BASE/QUOTE:SETTLE" for derivatives.
// Immutable after construction.
type InstrumentRef struct {
	Symbol     string `json:"symbol"`
	ExchangeID string `json:"exchange_id"`
}

// NormalizeSymbol converts external symbol formats to the canonical form:
// "-" collapses to "/", and derivatives get ":QUOTE" appended when the
// settle suffix is missing. Idempotent: normalizing twice is a no-op.
func NormalizeSymbol(raw string, marketType MarketType) string {
	s := strings.ReplaceAll(strings.TrimSpace(raw), "-", "/")
	if marketType == MarketDerivative && !strings.Contains(s, ":") {
		if i := strings.Index(s, "/"); i >= 0 {
			s = s + ":" + s[i+1:]
		}
	}
	return s
}

// BaseQuote splits a canonical symbol into base and quote currencies.
// The settle suffix, if any, is dropped.
func BaseQuote(symbol string) (base, quote string) {
	s := symbol
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, "/"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// Candle is one OHLCV bar for an instrument at a fixed interval.
type Candle struct {
	TS         int64         `json:"ts_ms"`
	Instrument InstrumentRef `json:"instrument"`
	Open       float64       `json:"open"`
	High       float64       `json:"high"`
	Low        float64       `json:"low"`
	Close      float64       `json:"close"`
	Volume     float64       `json:"volume"`
	Interval   string        `json:"interval"`
}

// Ticker is a point-in-time market snapshot for one instrument.
type Ticker struct {
	Instrument   InstrumentRef `json:"instrument"`
	TS           int64         `json:"ts_ms"`
	Last         float64       `json:"last"`
	Open         float64       `json:"open"`
	Volume       float64       `json:"volume"`
	ChangePct    float64       `json:"change_pct"`
	OpenInterest float64       `json:"open_interest,omitempty"`
	FundingRate  float64       `json:"funding_rate,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Features
// ————————————————————————————————————————————————————————————————————————

// Feature vector provenance groups carried under MetaGroupBy.
const (
	MetaGroupBy         = "group_by"
	GroupMarketSnapshot = "market_snapshot"
	GroupImageAnalysis  = "image_analysis"
	GroupCandlePrefix   = "candle:" // full value is "candle:<interval>"
)

// FeatureVector is one row of computed features. Values hold numbers or
// strings keyed by feature name; Meta must carry a "group_by" key
// identifying provenance.
type FeatureVector struct {
	TS         int64          `json:"ts_ms"`
	Instrument *InstrumentRef `json:"instrument,omitempty"`
	Values     map[string]any `json:"values"`
	Meta       map[string]any `json:"meta"`
}

// Group returns the provenance group of this vector, or "" when absent.
func (fv FeatureVector) Group() string {
	if fv.Meta == nil {
		return ""
	}
	g, _ := fv.Meta[MetaGroupBy].(string)
	return g
}

// Num returns a numeric value by key, with ok=false for missing or
// non-numeric entries.
func (fv FeatureVector) Num(key string) (float64, bool) {
	v, ok := fv.Values[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio
// ————————————————————————————————————————————————————————————————————————

// PositionSnapshot is one held position. Quantity is signed: positive for
// long, negative for short. A position whose |quantity| falls at or below
// the configured quantity precision is considered closed and may be removed.
type PositionSnapshot struct {
	Instrument       InstrumentRef `json:"instrument"`
	Quantity         float64       `json:"quantity"`
	AvgPrice         float64       `json:"avg_price"`
	MarkPrice        float64       `json:"mark_price,omitempty"`
	UnrealizedPnL    float64       `json:"unrealized_pnl"`
	UnrealizedPnLPct float64       `json:"unrealized_pnl_pct,omitempty"`
	Leverage         float64       `json:"leverage"`
	Notional         float64       `json:"notional,omitempty"`
	EntryTS          int64         `json:"entry_ts,omitempty"`
	TradeType        TradeType     `json:"trade_type"`
}

// PortfolioView is a consistent snapshot of one strategy's account.
//
// Invariants: for derivative accounts TotalValue == AccountBalance +
// TotalUnrealizedPnL; for spot, TotalValue == Cash + Σ(|qty|·mark_price).
// AccountBalance holds total equity for derivatives; wallet balance is not
// surfaced separately.
type PortfolioView struct {
	TS                 int64                       `json:"ts_ms"`
	StrategyID         string                      `json:"strategy_id"`
	Cash               float64                     `json:"cash"`
	AccountBalance     float64                     `json:"account_balance"`
	BuyingPower        float64                     `json:"buying_power"`
	FreeCash           float64                     `json:"free_cash"`
	Positions          map[string]PositionSnapshot `json:"positions"`
	TotalValue         float64                     `json:"total_value"`
	TotalUnrealizedPnL float64                     `json:"total_unrealized_pnl"`
	AvailableCash      float64                     `json:"available_cash"`
}

// Clone returns a deep copy safe to hand outside the owning service.
func (pv PortfolioView) Clone() PortfolioView {
	out := pv
	out.Positions = make(map[string]PositionSnapshot, len(pv.Positions))
	for k, v := range pv.Positions {
		out.Positions[k] = v
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Instructions & execution results
// ————————————————————————————————————————————————————————————————————————

// InstructionMeta carries normalization provenance and execution hints.
type InstructionMeta struct {
	Rationale          string  `json:"rationale,omitempty"`
	ReduceOnly         bool    `json:"reduceOnly,omitempty"`
	RequestedTargetQty float64 `json:"requested_target_qty,omitempty"`
	CurrentQty         float64 `json:"current_qty,omitempty"`
	FinalTargetQty     float64 `json:"final_target_qty,omitempty"`
	Action             Action  `json:"action,omitempty"`
	Confidence         float64 `json:"confidence,omitempty"`
}

// TradeInstruction is one normalized order request emitted by a composer.
// Instructions are idempotent by InstructionID.
type TradeInstruction struct {
	InstructionID  string          `json:"instruction_id"`
	ComposeID      string          `json:"compose_id"`
	Instrument     InstrumentRef   `json:"instrument"`
	Action         Action          `json:"action"`
	Side           Side            `json:"side"`
	Quantity       float64         `json:"quantity"`
	PriceMode      PriceMode       `json:"price_mode"`
	LimitPrice     float64         `json:"limit_price,omitempty"`
	MaxSlippageBps float64         `json:"max_slippage_bps"`
	Leverage       float64         `json:"leverage,omitempty"`
	Meta           InstructionMeta `json:"meta"`
}

// TxResult is the per-instruction execution outcome, 1:1 by InstructionID.
type TxResult struct {
	InstructionID string         `json:"instruction_id"`
	Instrument    InstrumentRef  `json:"instrument"`
	Side          Side           `json:"side"`
	RequestedQty  float64        `json:"requested_qty"`
	FilledQty     float64        `json:"filled_qty"`
	AvgExecPrice  float64        `json:"avg_exec_price,omitempty"`
	FeeCost       float64        `json:"fee_cost,omitempty"`
	Status        TxStatus       `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	Leverage      float64        `json:"leverage,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// Filled reports whether this result produced a fill.
func (r TxResult) Filled() bool {
	return (r.Status == TxFilled || r.Status == TxPartial) && r.FilledQty > 0
}

// ————————————————————————————————————————————————————————————————————————
// Trade history
// ————————————————————————————————————————————————————————————————————————

// TradeHistoryEntry is one executed trade. Created only for fills; ExitTS is
// set only when the entry fully closes a prior position.
type TradeHistoryEntry struct {
	TradeID        string        `json:"trade_id"`
	ComposeID      string        `json:"compose_id"`
	InstructionID  string        `json:"instruction_id"`
	StrategyID     string        `json:"strategy_id"`
	Instrument     InstrumentRef `json:"instrument"`
	Side           Side          `json:"side"`
	Type           TradeType     `json:"type"`
	Quantity       float64       `json:"quantity"`
	EntryPrice     float64       `json:"entry_price,omitempty"`
	AvgExecPrice   float64       `json:"avg_exec_price"`
	ExitPrice      float64       `json:"exit_price,omitempty"`
	NotionalEntry  float64       `json:"notional_entry,omitempty"`
	NotionalExit   float64       `json:"notional_exit,omitempty"`
	EntryTS        int64         `json:"entry_ts,omitempty"`
	ExitTS         int64         `json:"exit_ts,omitempty"`
	TradeTS        int64         `json:"trade_ts"`
	HoldingMS      int64         `json:"holding_ms,omitempty"`
	UnrealizedPnL  float64       `json:"unrealized_pnl"`
	RealizedPnL    float64       `json:"realized_pnl"`
	RealizedPnLPct float64       `json:"realized_pnl_pct,omitempty"`
	Leverage       float64       `json:"leverage"`
	FeeCost        float64       `json:"fee_cost,omitempty"`
	Note           string        `json:"note,omitempty"`
}

// HistoryRecord is one entry in the per-strategy decision history ring.
// Four records (features, compose, instructions, execution) share a
// ReferenceID equal to the cycle's compose ID. Never mutated after append.
type HistoryRecord struct {
	TS          int64      `json:"ts_ms"`
	Kind        RecordKind `json:"kind"`
	ReferenceID string     `json:"reference_id"`
	Payload     any        `json:"payload"`
}

// DigestEntry aggregates executed trades for one instrument.
type DigestEntry struct {
	TradeCount  int     `json:"trade_count"`
	RealizedPnL float64 `json:"realized_pnl"`
	LastTradeTS int64   `json:"last_trade_ts,omitempty"`
}

// TradeDigest is the rolling per-instrument aggregate consumed by composers.
type TradeDigest struct {
	TS           int64                  `json:"ts_ms"`
	ByInstrument map[string]DigestEntry `json:"by_instrument"`
}

// ————————————————————————————————————————————————————————————————————————
// Strategy summary & compose context
// ————————————————————————————————————————————————————————————————————————

// StrategySummary is the per-strategy rollup emitted after every cycle.
type StrategySummary struct {
	StrategyID       string            `json:"strategy_id"`
	Name             string            `json:"name"`
	ModelProvider    string            `json:"model_provider"`
	ModelID          string            `json:"model_id"`
	ExchangeID       string            `json:"exchange_id"`
	Mode             TradingMode       `json:"mode"`
	Status           StrategyStatus    `json:"status"`
	RealizedPnL      float64           `json:"realized_pnl"`
	UnrealizedPnL    float64           `json:"unrealized_pnl"`
	UnrealizedPnLPct float64           `json:"unrealized_pnl_pct,omitempty"`
	PnLPct           *float64          `json:"pnl_pct,omitempty"`
	TotalValue       float64           `json:"total_value"`
	LastUpdatedTS    int64             `json:"last_updated_ts"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// ComposeConstraints bound what a composer may propose.
type ComposeConstraints struct {
	MaxPositions   int     `json:"max_positions,omitempty"`
	MaxLeverage    float64 `json:"max_leverage,omitempty"`
	MaxPositionQty float64 `json:"max_position_qty,omitempty"`
	RiskPerTrade   float64 `json:"risk_per_trade,omitempty"`
}

// ComposeContext is the input handed to every Composer.Compose call.
type ComposeContext struct {
	TS          int64               `json:"ts"`
	ComposeID   string              `json:"compose_id"`
	StrategyID  string              `json:"strategy_id"`
	Features    []FeatureVector     `json:"features"`
	Portfolio   PortfolioView       `json:"portfolio"`
	Digest      TradeDigest         `json:"digest"`
	Constraints *ComposeConstraints `json:"constraints,omitempty"`
}

// MarketFeatures extracts the market_snapshot subset, keyed by symbol.
func (cc ComposeContext) MarketFeatures() map[string]FeatureVector {
	return SnapshotFeatures(cc.Features)
}

// SnapshotFeatures filters feature vectors down to the market_snapshot
// group, keyed by canonical symbol. Used for pricing.
func SnapshotFeatures(features []FeatureVector) map[string]FeatureVector {
	out := make(map[string]FeatureVector)
	for _, fv := range features {
		if fv.Group() == GroupMarketSnapshot && fv.Instrument != nil {
			out[fv.Instrument.Symbol] = fv
		}
	}
	return out
}

// LastPrice returns the market_snapshot last price for a symbol.
func LastPrice(market map[string]FeatureVector, symbol string) (float64, bool) {
	fv, ok := market[symbol]
	if !ok {
		return 0, false
	}
	return fv.Num("price.last")
}

// ComposeResult is what a composer returns for one cycle.
type ComposeResult struct {
	Instructions []TradeInstruction `json:"instructions"`
	Rationale    string             `json:"rationale"`
	ShouldStop   bool               `json:"should_stop"`
}

// DecisionCycleResult summarizes one completed coordinator cycle.
type DecisionCycleResult struct {
	ComposeID    string              `json:"compose_id"`
	CycleIndex   int                 `json:"cycle_index"`
	TS           int64               `json:"ts_ms"`
	Instructions []TradeInstruction  `json:"instructions"`
	Results      []TxResult          `json:"results"`
	Trades       []TradeHistoryEntry `json:"trades"`
	Summary      StrategySummary     `json:"summary"`
	Portfolio    PortfolioView       `json:"portfolio"`
	Rationale    string              `json:"rationale"`
	ShouldStop   bool                `json:"should_stop"`
}

// ————————————————————————————————————————————————————————————————————————
// Exchange adapter wire types
// ————————————————————————————————————————————————————————————————————————

// Balance is the account state reported by an exchange adapter.
type Balance struct {
	FreeCash    float64 `json:"free_cash"`
	TotalEquity float64 `json:"total_equity"`
	FreeMargin  float64 `json:"free_margin"`
}

// VenuePosition is an open position as reported by the venue (derivatives).
type VenuePosition struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"` // signed: +long / -short
	AvgPrice      float64 `json:"avg_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Leverage      float64 `json:"leverage"`
	Notional      float64 `json:"notional"`
}

// VenueOrder is the order request handed to an exchange adapter.
type VenueOrder struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	PriceMode  PriceMode `json:"price_mode"`
	Quantity   float64   `json:"quantity"`
	LimitPrice float64   `json:"limit_price,omitempty"`
	ReduceOnly bool      `json:"reduce_only,omitempty"`
	Leverage   float64   `json:"leverage,omitempty"`
}

// VenueOrderResult is the venue's response to CreateOrder.
type VenueOrderResult struct {
	OrderID      string  `json:"order_id"`
	FilledQty    float64 `json:"filled_qty"`
	AvgExecPrice float64 `json:"avg_exec_price"`
	FeeCost      float64 `json:"fee_cost"`
	Status       string  `json:"status"` // venue-native status string
}

// VenueFilters are the per-instrument order constraints enforced during
/// normalization: quantization step, minimum quantity/notional, caps.
type VenueFilters struct {
	QuantityPrecision float64 `json:"quantity_precision"`
	QuantityStep      float64 `json:"quantity_step"`
	MinTradeQty       float64 `json:"min_trade_qty"`
	MinNotional       float64 `json:"min_notional"`
	MaxOrderQty       float64 `json:"max_order_qty"`
	MaxPositionQty    float64 `json:"max_position_qty"`
}

// DefaultQuantityPrecision is used when a venue reports no filter data.
const DefaultQuantityPrecision = 1e-8

// ————————————————————————————————————————————————————————————————————————
// User request (strategy creation)
// ————————————————————————————————————————————————————————————————————————

// LLMModelConfig selects the model backing the LLM composer and advisor.
type LLMModelConfig struct {
	Provider string `json:"provider"`
	ModelID  string `json:"model_id"`
	APIKey   string `json:"api_key,omitempty"`
}

// ExchangeConfig selects the venue and trading mode for one strategy.
type ExchangeConfig struct {
	ExchangeID  string      `json:"exchange_id"`
	TradingMode TradingMode `json:"trading_mode"`
	MarketType  MarketType  `json:"market_type"`
}

// TradingConfig tunes per-strategy behavior. PnL thresholds are leveraged
// percentage points (TakeProfitPct 20 means +20%; StopLossPct is negative).
type TradingConfig struct {
	StrategyName            string   `json:"strategy_name,omitempty"`
	Symbols                 []string `json:"symbols"`
	InitialCapital          float64  `json:"initial_capital,omitempty"`
	DecideInterval          int      `json:"decide_interval"` // seconds between cycles
	MaxPositions            int      `json:"max_positions"`
	MaxLeverage             float64  `json:"max_leverage"`
	RiskPerTrade            float64  `json:"risk_per_trade"`
	TakeProfitPct           float64  `json:"take_profit_pct"`
	StopLossPct             float64  `json:"stop_loss_pct"`
	PartialTPEnabled        bool     `json:"partial_tp_enabled"`
	PartialTPThresholdPct   float64  `json:"partial_tp_threshold_pct"`
	PartialTPCloseRatio     float64  `json:"partial_tp_close_ratio"`
	TrailingStopDrawdownPct float64  `json:"trailing_stop_drawdown_pct"`
}

// UserRequest is the JSON document that creates one strategy runtime.
type UserRequest struct {
	LLMModelConfig LLMModelConfig `json:"llm_model_config"`
	ExchangeConfig ExchangeConfig `json:"exchange_config"`
	TradingConfig  TradingConfig  `json:"trading_config"`
}

// DedupSymbols returns the request's symbols with duplicates removed,
// preserving first-seen order, each normalized for the request's market type.
func (r UserRequest) DedupSymbols() []string {
	seen := make(map[string]bool, len(r.TradingConfig.Symbols))
	out := make([]string, 0, len(r.TradingConfig.Symbols))
	for _, raw := range r.TradingConfig.Symbols {
		s := NormalizeSymbol(raw, r.ExchangeConfig.MarketType)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// NowMS returns the current wall-clock time in integer milliseconds.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

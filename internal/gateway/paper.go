package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"quantpilot/pkg/types"
)

// PaperGateway simulates execution for VIRTUAL mode. Each instruction is
// priced from the market_snapshot feature group, pushed through a slippage
// model in the taker direction, and charged a configurable fee.
type PaperGateway struct {
	feeRate decimal.Decimal
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewPaperGateway creates a paper gateway with the given taker fee rate
// (fraction of notional, default 0).
func NewPaperGateway(feeRate float64, logger *slog.Logger) *PaperGateway {
	return &PaperGateway{
		feeRate: decimal.NewFromFloat(feeRate),
		logger:  logger.With("component", "paper-gateway"),
	}
}

// Execute fills every priceable instruction at the slipped snapshot price.
// Instructions with no snapshot price are rejected with reason "no_price".
func (g *PaperGateway) Execute(ctx context.Context, instructions []types.TradeInstruction, market map[string]types.FeatureVector) []types.TxResult {
	results := make([]types.TxResult, len(instructions))
	for i, ins := range instructions {
		results[i] = g.executeOne(ins, market)
	}
	return results
}

func (g *PaperGateway) executeOne(ins types.TradeInstruction, market map[string]types.FeatureVector) types.TxResult {
	base := types.TxResult{
		InstructionID: ins.InstructionID,
		Instrument:    ins.Instrument,
		Side:          ins.Side,
		RequestedQty:  ins.Quantity,
		Leverage:      ins.Leverage,
	}

	last, ok := types.LastPrice(market, ins.Instrument.Symbol)
	if !ok || last <= 0 {
		base.Status = types.TxRejected
		base.Reason = ReasonNoPrice
		return base
	}

	// Taker slippage: buys pay up, sells hit down.
	slip := ins.MaxSlippageBps / 10000.0
	execPrice := last
	if ins.Side == types.BUY {
		execPrice = last * (1 + slip)
	} else {
		execPrice = last * (1 - slip)
	}

	notional := decimal.NewFromFloat(execPrice).
		Mul(decimal.NewFromFloat(ins.Quantity)).
		Abs()
	fee, _ := notional.Mul(g.feeRate).Float64()

	base.Status = types.TxFilled
	base.FilledQty = ins.Quantity
	base.AvgExecPrice = execPrice
	base.FeeCost = fee

	g.logger.Debug("paper fill",
		"instruction_id", ins.InstructionID,
		"symbol", ins.Instrument.Symbol,
		"side", ins.Side,
		"qty", ins.Quantity,
		"exec_price", execPrice,
		"fee", fee,
	)
	return base
}

// Close is a no-op for the paper gateway. Idempotent.
func (g *PaperGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"quantpilot/internal/exchange"
	"quantpilot/pkg/types"
)

// LiveGateway forwards instructions to a venue adapter. Orders fan out
// concurrently but results are index-addressed so the output slice matches
// the input order exactly.
type LiveGateway struct {
	adapter exchange.Adapter
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewLiveGateway wraps an exchange adapter for real execution.
func NewLiveGateway(adapter exchange.Adapter, logger *slog.Logger) *LiveGateway {
	return &LiveGateway{
		adapter: adapter,
		logger:  logger.With("component", "live-gateway"),
	}
}

// Execute submits every instruction to the venue. A venue error yields an
// ERROR result; a venue-side rejection yields REJECTED; a short fill yields
// PARTIAL. The market snapshot is unused here, pricing is the venue's job.
func (g *LiveGateway) Execute(ctx context.Context, instructions []types.TradeInstruction, market map[string]types.FeatureVector) []types.TxResult {
	results := make([]types.TxResult, len(instructions))

	var wg sync.WaitGroup
	for i, ins := range instructions {
		wg.Add(1)
		go func(i int, ins types.TradeInstruction) {
			defer wg.Done()
			results[i] = g.executeOne(ctx, ins)
		}(i, ins)
	}
	wg.Wait()
	return results
}

func (g *LiveGateway) executeOne(ctx context.Context, ins types.TradeInstruction) types.TxResult {
	res := types.TxResult{
		InstructionID: ins.InstructionID,
		Instrument:    ins.Instrument,
		Side:          ins.Side,
		RequestedQty:  ins.Quantity,
		Leverage:      ins.Leverage,
	}

	order := types.VenueOrder{
		Symbol:     ins.Instrument.Symbol,
		Side:       ins.Side,
		PriceMode:  ins.PriceMode,
		Quantity:   ins.Quantity,
		LimitPrice: ins.LimitPrice,
		ReduceOnly: ins.Meta.ReduceOnly,
		Leverage:   ins.Leverage,
	}

	vr, err := g.adapter.CreateOrder(ctx, order)
	if err != nil {
		g.logger.Error("order failed",
			"instruction_id", ins.InstructionID,
			"symbol", ins.Instrument.Symbol,
			"error", err,
		)
		res.Status = types.TxError
		res.Reason = err.Error()
		return res
	}

	res.FilledQty = vr.FilledQty
	res.AvgExecPrice = vr.AvgExecPrice
	res.FeeCost = vr.FeeCost

	switch {
	case strings.EqualFold(vr.Status, "REJECTED"):
		res.Status = types.TxRejected
		res.Reason = "venue rejected order"
		res.FilledQty = 0
	case vr.FilledQty <= 0:
		res.Status = types.TxRejected
		res.Reason = "no fill"
	case vr.FilledQty < ins.Quantity:
		res.Status = types.TxPartial
	default:
		res.Status = types.TxFilled
	}

	g.logger.Info("order result",
		"instruction_id", ins.InstructionID,
		"symbol", ins.Instrument.Symbol,
		"status", res.Status,
		"filled", res.FilledQty,
		"price", res.AvgExecPrice,
	)
	return res
}

// Close closes the underlying adapter exactly once.
func (g *LiveGateway) Close() error {
	g.closeOnce.Do(func() {
		g.closeErr = g.adapter.Close()
	})
	return g.closeErr
}

package composer

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"quantpilot/pkg/types"
)

// DefaultSlippageBps is applied when the normalization options leave the
// slippage budget unset.
const DefaultSlippageBps = 25

// NormalizeOptions bounds what the shared guardrails let through.
type NormalizeOptions struct {
	ComposeID         string
	MaxPositions      int
	MaxPositionQty    float64
	SlippageBps       float64
	QuantityPrecision float64
	Filters           map[string]types.VenueFilters
}

// Normalize converts a raw plan into executable instructions.
//
// A projected positions map, seeded from the portfolio and updated as
// instructions are emitted, keeps multi-item plans consistent: a later item
// sees the position state earlier items will have produced. Items that fail
// a guardrail are skipped with a human-readable note; notes are appended to
// the plan rationale by the caller.
func Normalize(plan Plan, portfolio types.PortfolioView, market map[string]types.FeatureVector, opts NormalizeOptions) ([]types.TradeInstruction, []string) {
	if opts.SlippageBps <= 0 {
		opts.SlippageBps = DefaultSlippageBps
	}
	if opts.QuantityPrecision <= 0 {
		opts.QuantityPrecision = types.DefaultQuantityPrecision
	}

	projected := make(map[string]float64, len(portfolio.Positions))
	active := 0
	for symbol, pos := range portfolio.Positions {
		projected[symbol] = pos.Quantity
		if math.Abs(pos.Quantity) > opts.QuantityPrecision {
			active++
		}
	}

	var (
		instructions []types.TradeInstruction
		notes        []string
	)

	for _, item := range plan.Items {
		symbol := item.Instrument.Symbol
		currentQty := projected[symbol]

		target, ok := resolveTarget(item, currentQty, opts)
		if !ok {
			continue
		}

		delta := target - currentQty
		if math.Abs(delta) <= opts.QuantityPrecision {
			continue
		}

		isNewPosition := math.Abs(currentQty) <= opts.QuantityPrecision
		if isNewPosition && opts.MaxPositions > 0 && active >= opts.MaxPositions {
			notes = append(notes, fmt.Sprintf("%s: skipped, max positions (%d) reached", symbol, opts.MaxPositions))
			continue
		}

		quantity := math.Abs(delta)
		side := types.BUY
		if delta < 0 {
			side = types.SELL
		}

		price, _ := types.LastPrice(market, symbol)
		quantity, reason := applyFilters(quantity, price, opts.Filters[symbol])
		if reason != "" {
			notes = append(notes, fmt.Sprintf("%s: skipped, %s", symbol, reason))
			continue
		}
		// Re-sign the filtered quantity into the final target.
		if side == types.SELL {
			target = currentQty - quantity
		} else {
			target = currentQty + quantity
		}

		projected[symbol] = target
		switch {
		case isNewPosition && math.Abs(target) > opts.QuantityPrecision:
			active++
		case !isNewPosition && math.Abs(target) <= opts.QuantityPrecision:
			active--
		}

		reduceOnly := math.Abs(target) < math.Abs(currentQty) && !crossesZero(currentQty, target)

		instructions = append(instructions, types.TradeInstruction{
			InstructionID:  fmt.Sprintf("%s:%s:%d", opts.ComposeID, symbol, len(instructions)),
			ComposeID:      opts.ComposeID,
			Instrument:     item.Instrument,
			Action:         item.Action,
			Side:           side,
			Quantity:       quantity,
			PriceMode:      types.PriceModeMarket,
			MaxSlippageBps: opts.SlippageBps,
			Leverage:       math.Max(1, item.Leverage),
			Meta: types.InstructionMeta{
				Rationale:          item.Rationale,
				ReduceOnly:         reduceOnly,
				RequestedTargetQty: item.TargetQty,
				CurrentQty:         currentQty,
				FinalTargetQty:     target,
				Action:             item.Action,
				Confidence:         item.Confidence,
			},
		})
	}
	return instructions, notes
}

// resolveTarget maps the item's action onto a signed target quantity.
func resolveTarget(item PlanItem, currentQty float64, opts NormalizeOptions) (float64, bool) {
	switch item.Action {
	case types.ActionNoop:
		return currentQty, true
	case types.ActionFlat:
		return 0, true
	case types.ActionCloseLong, types.ActionCloseShort:
		if item.CloseQty > 0 {
			// Partial close: shave CloseQty units toward zero.
			closed := math.Min(item.CloseQty, math.Abs(currentQty))
			if currentQty > 0 {
				return currentQty - closed, true
			}
			return currentQty + closed, true
		}
		return 0, true
	default:
		target := item.TargetQty
		if opts.MaxPositionQty > 0 {
			target = math.Max(-opts.MaxPositionQty, math.Min(opts.MaxPositionQty, target))
		}
		return target, true
	}
}

// applyFilters runs the venue order filters in their mandated order:
// max order cap, step quantization (down), min quantity, min notional.
// An empty reason means the quantity passed.
func applyFilters(quantity, price float64, f types.VenueFilters) (float64, string) {
	if f.MaxOrderQty > 0 && quantity > f.MaxOrderQty {
		quantity = f.MaxOrderQty
	}
	if f.QuantityStep > 0 {
		step := decimal.NewFromFloat(f.QuantityStep)
		q := decimal.NewFromFloat(quantity).Div(step).Floor().Mul(step)
		quantity, _ = q.Float64()
	}
	if quantity <= 0 {
		return 0, "quantity quantized to zero"
	}
	if f.MinTradeQty > 0 && quantity < f.MinTradeQty {
		return 0, fmt.Sprintf("quantity %.8f below min trade qty %.8f", quantity, f.MinTradeQty)
	}
	if f.MinNotional > 0 && price > 0 && quantity*price < f.MinNotional {
		return 0, fmt.Sprintf("notional %.4f below min notional %.4f", quantity*price, f.MinNotional)
	}
	return quantity, ""
}

func crossesZero(from, to float64) bool {
	return (from > 0 && to < 0) || (from < 0 && to > 0)
}

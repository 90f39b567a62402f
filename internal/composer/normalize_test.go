package composer

import (
	"math"
	"strings"
	"testing"

	"quantpilot/pkg/types"
)

func marketOf(prices map[string]float64) map[string]types.FeatureVector {
	out := make(map[string]types.FeatureVector, len(prices))
	for symbol, last := range prices {
		inst := types.InstrumentRef{Symbol: symbol, ExchangeID: "sim"}
		out[symbol] = types.FeatureVector{
			Instrument: &inst,
			Values:     map[string]any{"price.last": last},
			Meta:       map[string]any{types.MetaGroupBy: types.GroupMarketSnapshot},
		}
	}
	return out
}

func viewWith(positions map[string]float64) types.PortfolioView {
	view := types.PortfolioView{Positions: map[string]types.PositionSnapshot{}}
	for symbol, qty := range positions {
		view.Positions[symbol] = types.PositionSnapshot{
			Instrument: types.InstrumentRef{Symbol: symbol, ExchangeID: "sim"},
			Quantity:   qty,
			AvgPrice:   100,
		}
	}
	return view
}

func openItem(symbol string, target float64) PlanItem {
	return PlanItem{
		Instrument: types.InstrumentRef{Symbol: symbol, ExchangeID: "sim"},
		Action:     types.ActionOpenLong,
		TargetQty:  target,
		Leverage:   1,
	}
}

func TestNormalizeSkipsSubPrecisionDelta(t *testing.T) {
	t.Parallel()
	opts := NormalizeOptions{ComposeID: "c-1", QuantityPrecision: 0.001}

	// Delta at precision is skipped; double the precision executes.
	ins, _ := Normalize(Plan{Items: []PlanItem{openItem("BTC/USDT", 1.0005)}},
		viewWith(map[string]float64{"BTC/USDT": 1.0}),
		marketOf(map[string]float64{"BTC/USDT": 100}), opts)
	if len(ins) != 0 {
		t.Fatalf("sub-precision delta emitted: %+v", ins)
	}

	ins, _ = Normalize(Plan{Items: []PlanItem{openItem("BTC/USDT", 1.002)}},
		viewWith(map[string]float64{"BTC/USDT": 1.0}),
		marketOf(map[string]float64{"BTC/USDT": 100}), opts)
	if len(ins) != 1 {
		t.Fatalf("2x precision delta must execute, got %d", len(ins))
	}
}

func TestNormalizeMaxPositionsBoundary(t *testing.T) {
	t.Parallel()
	opts := NormalizeOptions{ComposeID: "c-1", MaxPositions: 2}
	view := viewWith(map[string]float64{"BTC/USDT": 1, "ETH/USDT": 5})
	market := marketOf(map[string]float64{"BTC/USDT": 100, "ETH/USDT": 100, "SOL/USDT": 100})

	// A third open is skipped; a close of a held position is accepted.
	plan := Plan{Items: []PlanItem{
		openItem("SOL/USDT", 10),
		{Instrument: types.InstrumentRef{Symbol: "ETH/USDT", ExchangeID: "sim"}, Action: types.ActionFlat},
	}}
	ins, notes := Normalize(plan, view, market, opts)
	if len(ins) != 1 {
		t.Fatalf("expected only the close, got %d instructions", len(ins))
	}
	if ins[0].Instrument.Symbol != "ETH/USDT" || ins[0].Side != types.SELL {
		t.Fatalf("instruction = %+v", ins[0])
	}
	if len(notes) == 0 || !strings.Contains(notes[0], "max positions") {
		t.Fatalf("notes = %v, want max positions skip", notes)
	}
}

func TestNormalizeVenueFilterOrder(t *testing.T) {
	t.Parallel()
	opts := NormalizeOptions{
		ComposeID: "c-1",
		Filters: map[string]types.VenueFilters{
			"BTC/USDT": {MaxOrderQty: 5, QuantityStep: 0.1, MinTradeQty: 0.5, MinNotional: 10},
		},
	}
	market := marketOf(map[string]float64{"BTC/USDT": 100})

	// 7.26 requested: capped to 5, quantized stays 5.0.
	ins, _ := Normalize(Plan{Items: []PlanItem{openItem("BTC/USDT", 7.26)}},
		viewWith(nil), market, opts)
	if len(ins) != 1 || math.Abs(ins[0].Quantity-5) > 1e-9 {
		t.Fatalf("instructions = %+v, want qty 5", ins)
	}

	// 0.377 quantizes down to 0.3, below min trade qty 0.5: skipped.
	ins, notes := Normalize(Plan{Items: []PlanItem{openItem("BTC/USDT", 0.377)}},
		viewWith(nil), market, opts)
	if len(ins) != 0 {
		t.Fatalf("expected skip, got %+v", ins)
	}
	if len(notes) == 0 || !strings.Contains(notes[0], "min trade qty") {
		t.Fatalf("notes = %v", notes)
	}
}

func TestNormalizeMinNotionalSkip(t *testing.T) {
	t.Parallel()
	opts := NormalizeOptions{
		ComposeID: "c-1",
		Filters:   map[string]types.VenueFilters{"ETH/USDT": {MinNotional: 5}},
	}
	ins, notes := Normalize(Plan{Items: []PlanItem{openItem("ETH/USDT", 0.0001)}},
		viewWith(nil), marketOf(map[string]float64{"ETH/USDT": 2000}), opts)
	if len(ins) != 0 {
		t.Fatalf("expected min-notional skip, got %+v", ins)
	}
	if len(notes) == 0 || !strings.Contains(notes[0], "min notional") {
		t.Fatalf("notes = %v", notes)
	}
}

func TestNormalizeInstructionIDsAndProjection(t *testing.T) {
	t.Parallel()
	opts := NormalizeOptions{ComposeID: "abc", SlippageBps: 25}
	market := marketOf(map[string]float64{"BTC/USDT": 100, "ETH/USDT": 100})

	plan := Plan{Items: []PlanItem{
		openItem("BTC/USDT", 2),
		openItem("ETH/USDT", 3),
		// A second item on BTC must see the projected quantity (2), so a
		// target of 2 is a no-op.
		openItem("BTC/USDT", 2),
	}}
	ins, _ := Normalize(plan, viewWith(nil), market, opts)
	if len(ins) != 2 {
		t.Fatalf("expected 2 instructions, got %d", len(ins))
	}
	if ins[0].InstructionID != "abc:BTC/USDT:0" || ins[1].InstructionID != "abc:ETH/USDT:1" {
		t.Fatalf("ids = %q, %q", ins[0].InstructionID, ins[1].InstructionID)
	}
	for _, in := range ins {
		if in.MaxSlippageBps != 25 || in.PriceMode != types.PriceModeMarket {
			t.Fatalf("instruction defaults wrong: %+v", in)
		}
	}
}

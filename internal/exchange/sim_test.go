package exchange

import (
	"context"
	"testing"

	"quantpilot/pkg/types"
)

func tickerFor(symbol string, last float64) types.Ticker {
	return types.Ticker{
		Instrument: types.InstrumentRef{Symbol: symbol},
		TS:         types.NowMS(),
		Last:       last,
		Open:       last,
		Volume:     1000,
	}
}

func venueOrder(symbol string, qty float64) types.VenueOrder {
	return types.VenueOrder{
		Symbol:    symbol,
		Side:      types.BUY,
		PriceMode: types.PriceModeMarket,
		Quantity:  qty,
	}
}

func TestSimAdapterCandleLimit(t *testing.T) {
	t.Parallel()
	sim := NewSimAdapter("sim")
	series := make([]types.Candle, 10)
	for i := range series {
		series[i] = types.Candle{TS: int64(i), Close: float64(i), Interval: "1h"}
	}
	sim.SetCandles("BTC/USDT", "1h", series)

	got, err := sim.FetchOHLCV(context.Background(), "BTC/USDT", "1h", 3)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 3 || got[0].TS != 7 || got[2].TS != 9 {
		t.Fatalf("expected last 3 candles, got %+v", got)
	}
}

func TestSimAdapterFiltersDefault(t *testing.T) {
	t.Parallel()
	sim := NewSimAdapter("sim")
	f, err := sim.Filters(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("filters: %v", err)
	}
	if f.QuantityPrecision != types.DefaultQuantityPrecision {
		t.Fatalf("expected default precision, got %v", f.QuantityPrecision)
	}
}

func TestSimAdapterPositionsFilter(t *testing.T) {
	t.Parallel()
	sim := NewSimAdapter("sim")
	sim.SetPosition(types.VenuePosition{Symbol: "BTC/USDT:USDT", Quantity: 1})
	sim.SetPosition(types.VenuePosition{Symbol: "ETH/USDT:USDT", Quantity: -2})

	got, err := sim.FetchPositions(context.Background(), []string{"ETH/USDT:USDT"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 1 || got[0].Symbol != "ETH/USDT:USDT" {
		t.Fatalf("expected ETH position only, got %+v", got)
	}
}

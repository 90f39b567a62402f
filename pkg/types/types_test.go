package types

import (
	"encoding/json"
	"testing"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := []struct {
		raw    string
		market MarketType
		want   string
	}{
		{"BTC-USDT", MarketSpot, "BTC/USDT"},
		{"BTC/USDT", MarketSpot, "BTC/USDT"},
		{"BTC-USDT", MarketDerivative, "BTC/USDT:USDT"},
		{"BTC/USDT:USDT", MarketDerivative, "BTC/USDT:USDT"},
		{"  ETH-USD ", MarketSpot, "ETH/USD"},
		{"ETH/USD", MarketDerivative, "ETH/USD:USD"},
	}
	for _, c := range cases {
		got := NormalizeSymbol(c.raw, c.market)
		if got != c.want {
			t.Errorf("NormalizeSymbol(%q, %s) = %q, want %q", c.raw, c.market, got, c.want)
		}
	}
}

func TestNormalizeSymbolIdempotent(t *testing.T) {
	for _, raw := range []string{"BTC-USDT", "BTC/USDT", "SOL-USDC", "BTC/USDT:USDT"} {
		for _, mt := range []MarketType{MarketSpot, MarketDerivative} {
			once := NormalizeSymbol(raw, mt)
			twice := NormalizeSymbol(once, mt)
			if once != twice {
				t.Errorf("normalize not idempotent for %q/%s: %q != %q", raw, mt, once, twice)
			}
		}
	}
}

func TestBaseQuote(t *testing.T) {
	base, quote := BaseQuote("BTC/USDT:USDT")
	if base != "BTC" || quote != "USDT" {
		t.Fatalf("BaseQuote = %q/%q, want BTC/USDT", base, quote)
	}
}

func TestDedupSymbolsPreservesOrder(t *testing.T) {
	req := UserRequest{
		ExchangeConfig: ExchangeConfig{MarketType: MarketSpot},
		TradingConfig: TradingConfig{
			Symbols: []string{"ETH-USDT", "BTC/USDT", "ETH/USDT", "BTC-USDT", "SOL/USDT"},
		},
	}
	got := req.DedupSymbols()
	want := []string{"ETH/USDT", "BTC/USDT", "SOL/USDT"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestTxResultFilled(t *testing.T) {
	cases := []struct {
		status TxStatus
		qty    float64
		want   bool
	}{
		{TxFilled, 1, true},
		{TxPartial, 0.5, true},
		{TxPartial, 0, false},
		{TxRejected, 1, false},
		{TxError, 0, false},
	}
	for _, c := range cases {
		r := TxResult{Status: c.status, FilledQty: c.qty}
		if r.Filled() != c.want {
			t.Errorf("Filled() for %s/%v = %v, want %v", c.status, c.qty, r.Filled(), c.want)
		}
	}
}

func TestSnapshotFeatures(t *testing.T) {
	inst := InstrumentRef{Symbol: "BTC/USDT", ExchangeID: "sim"}
	features := []FeatureVector{
		{Instrument: &inst, Values: map[string]any{"close": 100.0}, Meta: map[string]any{MetaGroupBy: "candle:1h"}},
		{Instrument: &inst, Values: map[string]any{"price.last": 101.5}, Meta: map[string]any{MetaGroupBy: GroupMarketSnapshot}},
		{Values: map[string]any{"report_markdown": "all clear"}, Meta: map[string]any{MetaGroupBy: GroupImageAnalysis}},
	}

	market := SnapshotFeatures(features)
	if len(market) != 1 {
		t.Fatalf("expected 1 market feature, got %d", len(market))
	}
	px, ok := LastPrice(market, "BTC/USDT")
	if !ok || px != 101.5 {
		t.Fatalf("LastPrice = %v/%v, want 101.5", px, ok)
	}
	if _, ok := LastPrice(market, "ETH/USDT"); ok {
		t.Fatal("expected no price for unknown symbol")
	}
}

// Serialize/deserialize round-trips must be exact for core entities.
func TestCoreEntityJSONRoundTrip(t *testing.T) {
	entry := TradeHistoryEntry{
		TradeID:       "t-1",
		ComposeID:     "c-1",
		InstructionID: "c-1:BTC/USDT:0",
		StrategyID:    "s-1",
		Instrument:    InstrumentRef{Symbol: "BTC/USDT:USDT", ExchangeID: "binance"},
		Side:          SELL,
		Type:          TradeLong,
		Quantity:      1.5,
		EntryPrice:    100,
		AvgExecPrice:  110,
		ExitPrice:     110,
		NotionalEntry: 150,
		EntryTS:       1000,
		ExitTS:        2000,
		TradeTS:       2000,
		HoldingMS:     1000,
		RealizedPnL:   15,
		Leverage:      3,
	}
	var back TradeHistoryEntry
	roundTrip(t, entry, &back)
	if back != entry {
		t.Fatalf("trade entry round trip mismatch: %+v != %+v", back, entry)
	}

	view := PortfolioView{
		TS:         123,
		StrategyID: "s-1",
		Cash:       5000,
		Positions: map[string]PositionSnapshot{
			"BTC/USDT": {
				Instrument: InstrumentRef{Symbol: "BTC/USDT", ExchangeID: "binance"},
				Quantity:   0.5, AvgPrice: 100, MarkPrice: 105,
				UnrealizedPnL: 2.5, Leverage: 1, TradeType: TradeLong,
			},
		},
		TotalValue: 5052.5,
	}
	var viewBack PortfolioView
	roundTrip(t, view, &viewBack)
	if viewBack.TS != view.TS || viewBack.Positions["BTC/USDT"] != view.Positions["BTC/USDT"] {
		t.Fatalf("portfolio view round trip mismatch")
	}

	summary := StrategySummary{
		StrategyID: "s-1", Name: "grid", ModelProvider: "openai", ModelID: "gpt",
		ExchangeID: "binance", Mode: ModeVirtual, Status: StatusRunning,
		RealizedPnL: 10, TotalValue: 10010, LastUpdatedTS: 99,
		Metadata: map[string]string{"stop_reason": "NORMAL_EXIT"},
	}
	var sumBack StrategySummary
	roundTrip(t, summary, &sumBack)
	if sumBack.StrategyID != summary.StrategyID || sumBack.Metadata["stop_reason"] != "NORMAL_EXIT" {
		t.Fatalf("summary round trip mismatch")
	}
}

func roundTrip(t *testing.T, in any, out any) {
	t.Helper()
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}

package features

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"quantpilot/internal/config"
	"quantpilot/internal/datasource"
	"quantpilot/internal/exchange"
	"quantpilot/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seedSim(t *testing.T) *exchange.SimAdapter {
	t.Helper()
	sim := exchange.NewSimAdapter("sim")
	inst := types.InstrumentRef{Symbol: "BTC/USDT", ExchangeID: "sim"}
	series := make([]types.Candle, 30)
	for i := range series {
		series[i] = types.Candle{
			TS: int64(i * 60000), Instrument: inst,
			Open: 100, High: 101, Low: 99, Close: 100 + float64(i)*0.5,
			Volume: 10, Interval: "1h",
		}
	}
	sim.SetCandles("BTC/USDT", "1h", series)
	sim.SetTicker(types.Ticker{
		Instrument: inst, TS: 99, Last: 114.5, Open: 100, Volume: 500, ChangePct: 0.145,
	})
	return sim
}

func TestPipelineBuildJoinsSources(t *testing.T) {
	t.Parallel()
	sim := seedSim(t)
	market := datasource.NewMarketSource(sim, []string{"BTC/USDT"}, quietLogger())
	p := NewPipeline(market, []config.CandleConfig{{Interval: "1h", Lookback: 30}}, nil, nil, quietLogger())

	if err := p.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	out := p.Build(context.Background())
	var candle, snapshot int
	for _, fv := range out {
		switch fv.Group() {
		case "candle:1h":
			candle++
			if _, ok := fv.Num("close"); !ok {
				t.Error("candle vector missing close")
			}
			if _, ok := fv.Num("sma"); !ok {
				t.Error("candle vector missing sma for 30-bar lookback")
			}
			if _, ok := fv.Num("rsi"); !ok {
				t.Error("candle vector missing rsi for 30-bar lookback")
			}
		case types.GroupMarketSnapshot:
			snapshot++
			px, ok := fv.Num("price.last")
			if !ok || px != 114.5 {
				t.Errorf("snapshot price.last = %v/%v", px, ok)
			}
		}
	}
	if candle != 1 || snapshot != 1 {
		t.Fatalf("expected 1 candle + 1 snapshot vector, got %d/%d", candle, snapshot)
	}
}

func TestPipelineFailedSourceYieldsEmptySubset(t *testing.T) {
	t.Parallel()
	sim := seedSim(t)
	market := datasource.NewMarketSource(sim, []string{"BTC/USDT"}, quietLogger())
	// The 5m series was never seeded; that source must fail quietly.
	p := NewPipeline(market, []config.CandleConfig{
		{Interval: "1h", Lookback: 30},
		{Interval: "5m", Lookback: 48},
	}, nil, nil, quietLogger())

	out := p.Build(context.Background())
	for _, fv := range out {
		if fv.Group() == "candle:5m" {
			t.Fatal("expected no vectors for the failed 5m source")
		}
	}
	if len(out) == 0 {
		t.Fatal("healthy sources must still contribute")
	}
}

func TestPipelineOpenCloseIdempotent(t *testing.T) {
	t.Parallel()
	sim := seedSim(t)
	market := datasource.NewMarketSource(sim, []string{"BTC/USDT"}, quietLogger())
	p := NewPipeline(market, nil, nil, nil, quietLogger())

	for i := 0; i < 2; i++ {
		if err := p.Open(context.Background()); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := p.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
}

func TestCandleComputerChangePct(t *testing.T) {
	t.Parallel()
	inst := types.InstrumentRef{Symbol: "ETH/USDT", ExchangeID: "sim"}
	series := map[string][]types.Candle{
		"ETH/USDT": {
			{Instrument: inst, Close: 200, Interval: "5m"},
			{Instrument: inst, Close: 210, Interval: "5m"},
		},
	}
	out := CandleComputer{Interval: "5m"}.Compute(1, series)
	if len(out) != 1 {
		t.Fatalf("expected one vector, got %d", len(out))
	}
	change, ok := out[0].Num("change_pct")
	if !ok || change < 0.0499 || change > 0.0501 {
		t.Fatalf("change_pct = %v/%v, want 0.05", change, ok)
	}
	if out[0].Group() != "candle:5m" {
		t.Fatalf("group = %q", out[0].Group())
	}
}

package store

import (
	"testing"

	"quantpilot/pkg/types"
)

func TestSaveAndLoadTrades(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	trades := []types.TradeHistoryEntry{
		{TradeID: "t-2", StrategyID: "s-1", TradeTS: 200, Quantity: 1},
		{TradeID: "t-1", StrategyID: "s-1", TradeTS: 100, Quantity: 2},
	}
	for _, tr := range trades {
		if err := s.SaveTrade(tr); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := s.LoadTrades()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].TradeID != "t-1" || got[1].TradeID != "t-2" {
		t.Fatalf("trades = %+v, want t-1 then t-2 by timestamp", got)
	}
}

func TestSaveTradeIdempotentByID(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.SaveTrade(types.TradeHistoryEntry{TradeID: "t-1", Quantity: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveTrade(types.TradeHistoryEntry{TradeID: "t-1", Quantity: 5}); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, err := s.LoadTrades()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].Quantity != 5 {
		t.Fatalf("trades = %+v, want single overwritten record", got)
	}
}

func TestPortfolioSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	old := types.PortfolioView{StrategyID: "s-1", TS: 100, TotalValue: 9000}
	cur := types.PortfolioView{StrategyID: "s-1", TS: 200, TotalValue: 10000}
	for _, v := range []types.PortfolioView{old, cur} {
		if err := s.SavePortfolioSnapshot(v); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := s.LoadLatestPortfolio("s-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || got.TS != 200 || got.TotalValue != 10000 {
		t.Fatalf("latest = %+v, want the ts=200 snapshot", got)
	}

	none, err := s.LoadLatestPortfolio("missing")
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nil for unknown strategy, got %+v", none)
	}
}

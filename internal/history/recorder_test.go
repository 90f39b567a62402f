package history

import (
	"fmt"
	"testing"

	"quantpilot/pkg/types"
)

func TestRecorderEvictsOldestAtCapacity(t *testing.T) {
	t.Parallel()
	r := NewRecorder(3)
	for i := 0; i < 5; i++ {
		r.Record(types.RecordFeatures, fmt.Sprintf("c-%d", i), nil)
	}

	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
	snap := r.Snapshot()
	want := []string{"c-2", "c-3", "c-4"}
	for i, rec := range snap {
		if rec.ReferenceID != want[i] {
			t.Fatalf("snapshot[%d] = %s, want %s", i, rec.ReferenceID, want[i])
		}
	}
}

func TestRecorderSnapshotOrderedOldestFirst(t *testing.T) {
	t.Parallel()
	r := NewRecorder(10)
	kinds := []types.RecordKind{
		types.RecordFeatures, types.RecordCompose,
		types.RecordInstructions, types.RecordExecution,
	}
	for _, k := range kinds {
		r.Record(k, "c-1", nil)
	}

	snap := r.Snapshot()
	if len(snap) != 4 {
		t.Fatalf("len = %d, want 4", len(snap))
	}
	for i, rec := range snap {
		if rec.Kind != kinds[i] {
			t.Fatalf("snapshot[%d].Kind = %s, want %s", i, rec.Kind, kinds[i])
		}
		if rec.ReferenceID != "c-1" {
			t.Fatalf("reference_id = %s, want shared c-1", rec.ReferenceID)
		}
	}
}

func TestLastByKindFiltersAndLimits(t *testing.T) {
	t.Parallel()
	r := NewRecorder(20)
	for i := 0; i < 6; i++ {
		r.Record(types.RecordFeatures, fmt.Sprintf("f-%d", i), nil)
		r.Record(types.RecordExecution, fmt.Sprintf("e-%d", i), nil)
	}

	got := r.LastByKind(types.RecordExecution, 3)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	want := []string{"e-3", "e-4", "e-5"}
	for i, rec := range got {
		if rec.ReferenceID != want[i] {
			t.Fatalf("got[%d] = %s, want %s", i, rec.ReferenceID, want[i])
		}
	}
}

func TestDigestAggregatesPerInstrument(t *testing.T) {
	t.Parallel()
	r := NewRecorder(200)
	inst := func(sym string) types.InstrumentRef {
		return types.InstrumentRef{Symbol: sym, ExchangeID: "sim"}
	}

	r.Record(types.RecordExecution, "c-1", ExecutionPayload{
		Trades: []types.TradeHistoryEntry{
			{Instrument: inst("BTC/USDT"), RealizedPnL: 10, TradeTS: 100},
			{Instrument: inst("ETH/USDT"), RealizedPnL: -3, TradeTS: 100},
		},
	})
	r.Record(types.RecordExecution, "c-2", ExecutionPayload{
		Trades: []types.TradeHistoryEntry{
			{Instrument: inst("BTC/USDT"), RealizedPnL: -4, TradeTS: 200},
		},
	})

	digest := NewDigestBuilder(r, 50).Build()
	btc := digest.ByInstrument["BTC/USDT"]
	if btc.TradeCount != 2 || btc.RealizedPnL != 6 || btc.LastTradeTS != 200 {
		t.Fatalf("btc digest = %+v", btc)
	}
	eth := digest.ByInstrument["ETH/USDT"]
	if eth.TradeCount != 1 || eth.RealizedPnL != -3 {
		t.Fatalf("eth digest = %+v", eth)
	}
}

func TestDigestWindowExcludesOlderRecords(t *testing.T) {
	t.Parallel()
	r := NewRecorder(200)
	inst := types.InstrumentRef{Symbol: "BTC/USDT", ExchangeID: "sim"}

	// 3 execution records; a window of 2 must drop the first.
	for i := 0; i < 3; i++ {
		r.Record(types.RecordExecution, fmt.Sprintf("c-%d", i), ExecutionPayload{
			Trades: []types.TradeHistoryEntry{{Instrument: inst, RealizedPnL: 1, TradeTS: int64(i)}},
		})
	}

	digest := NewDigestBuilder(r, 2).Build()
	btc := digest.ByInstrument["BTC/USDT"]
	if btc.TradeCount != 2 || btc.RealizedPnL != 2 {
		t.Fatalf("digest = %+v, want 2 trades from window", btc)
	}
}

package features

import (
	"quantpilot/pkg/types"
)

// SnapshotComputer turns tickers into the market_snapshot feature group
// that prices instructions downstream.
type SnapshotComputer struct{}

// Compute produces one vector per symbol with the pricing keys the
// gateway and composers rely on.
func (SnapshotComputer) Compute(ts int64, tickers map[string]types.Ticker) []types.FeatureVector {
	out := make([]types.FeatureVector, 0, len(tickers))
	for _, t := range tickers {
		values := map[string]any{
			"price.last": t.Last,
			"price.open": t.Open,
			"volume":     t.Volume,
			"change_pct": t.ChangePct,
		}
		if t.OpenInterest > 0 {
			values["open_interest"] = t.OpenInterest
		}
		if t.FundingRate != 0 {
			values["funding_rate"] = t.FundingRate
		}
		inst := t.Instrument
		out = append(out, types.FeatureVector{
			TS:         ts,
			Instrument: &inst,
			Values:     values,
			Meta:       map[string]any{types.MetaGroupBy: types.GroupMarketSnapshot},
		})
	}
	return out
}

// Package features transforms raw market inputs into per-instrument
// feature vectors and runs the per-cycle pipeline that fans fetches out
// and joins them into one coherent list.
//
// Three computers exist:
//
//   - CandleComputer:   per-interval candle features (close, volume,
//     change_pct, plus SMA/RSI indicator columns when the lookback allows)
//   - SnapshotComputer: point-in-time snapshot per symbol (price.last,
//     price.open, volume, change_pct, open interest, funding)
//   - ImageComputer:    MLLM analysis of a dashboard screenshot
//
// Any individual source failure yields an empty sub-list for that source
// but never aborts the cycle.
package features

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"quantpilot/pkg/types"
)

const (
	smaPeriod = 20
	rsiPeriod = 14
)

// CandleComputer derives features from one interval's candle series.
type CandleComputer struct {
	Interval string
}

// Compute produces one feature vector per symbol. The defaults are the
// latest close, volume, and close-over-previous-close change; indicator
// columns are added when the series is long enough for their period.
func (c CandleComputer) Compute(ts int64, series map[string][]types.Candle) []types.FeatureVector {
	out := make([]types.FeatureVector, 0, len(series))
	for _, candles := range series {
		if len(candles) == 0 {
			continue
		}
		last := candles[len(candles)-1]
		values := map[string]any{
			"close":  last.Close,
			"volume": last.Volume,
		}
		if len(candles) >= 2 {
			prev := candles[len(candles)-2].Close
			if prev > 0 {
				values["change_pct"] = (last.Close - prev) / prev
			}
		}

		closes := make([]float64, len(candles))
		for i, cd := range candles {
			closes[i] = cd.Close
		}
		if len(closes) > smaPeriod {
			sma := talib.Sma(closes, smaPeriod)
			values["sma"] = sma[len(sma)-1]
		}
		if len(closes) > rsiPeriod {
			rsi := talib.Rsi(closes, rsiPeriod)
			values["rsi"] = rsi[len(rsi)-1]
		}

		inst := last.Instrument
		out = append(out, types.FeatureVector{
			TS:         ts,
			Instrument: &inst,
			Values:     values,
			Meta: map[string]any{
				types.MetaGroupBy: fmt.Sprintf("%s%s", types.GroupCandlePrefix, c.Interval),
				"interval":        c.Interval,
				"lookback":        len(candles),
			},
		})
	}
	return out
}

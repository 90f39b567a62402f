package history

import (
	"quantpilot/pkg/types"
)

// DefaultDigestWindow is how many execution records feed the digest.
const DefaultDigestWindow = 50

// DigestBuilder aggregates recent executed trades per instrument.
type DigestBuilder struct {
	recorder *Recorder
	window   int
}

// NewDigestBuilder builds digests over the last window execution records.
func NewDigestBuilder(recorder *Recorder, window int) *DigestBuilder {
	if window <= 0 {
		window = DefaultDigestWindow
	}
	return &DigestBuilder{recorder: recorder, window: window}
}

// Build aggregates trade count, realized PnL, and last trade timestamp per
// instrument from the most recent execution records. Instruments with no
// trades in the window are absent from the result.
func (b *DigestBuilder) Build() types.TradeDigest {
	digest := types.TradeDigest{
		TS:           types.NowMS(),
		ByInstrument: make(map[string]types.DigestEntry),
	}

	for _, rec := range b.recorder.LastByKind(types.RecordExecution, b.window) {
		payload, ok := rec.Payload.(ExecutionPayload)
		if !ok {
			continue
		}
		for _, trade := range payload.Trades {
			symbol := trade.Instrument.Symbol
			entry := digest.ByInstrument[symbol]
			entry.TradeCount++
			entry.RealizedPnL += trade.RealizedPnL
			if trade.TradeTS > entry.LastTradeTS {
				entry.LastTradeTS = trade.TradeTS
			}
			digest.ByInstrument[symbol] = entry
		}
	}
	return digest
}

// Package gateway translates trade instructions into execution results.
//
// Two variants implement the same contract: the paper gateway simulates
// fills locally from market snapshot prices (slippage + fee model), and
// the live gateway forwards orders to an exchange adapter. Both return
// results 1:1 with the input instructions, matched by instruction ID and
// preserving input order even when execution fans out.
package gateway

import (
	"context"

	"quantpilot/pkg/types"
)

// ExecutionGateway accepts a batch of instructions and returns matching
// results, one per instruction, in input order.
type ExecutionGateway interface {
	Execute(ctx context.Context, instructions []types.TradeInstruction, market map[string]types.FeatureVector) []types.TxResult

	// Close releases venue resources. Idempotent.
	Close() error
}

// Rejection reasons shared by both variants.
const (
	ReasonNoPrice = "no_price"
)

// Package exchange implements the venue adapter contract and its concrete
// implementations:
//
//   - Adapter:     the interface every venue integration satisfies
//   - RESTAdapter: resty-based client for a Binance-style REST API with
//     token-bucket rate limiting, session TTL, and one re-login retry
//   - SimAdapter:  in-memory venue used by VIRTUAL mode and tests
//
// Every call takes a context and respects its deadline. Adapters are held
// per strategy and must be closed when the runtime ends.
package exchange

import (
	"context"

	"quantpilot/pkg/types"
)

// Adapter is the exchange-facing contract consumed by data sources, the
// live gateway, and LIVE reconciliation.
type Adapter interface {
	// FetchBalance returns account cash/equity/margin.
	FetchBalance(ctx context.Context) (types.Balance, error)

	// FetchPositions returns open positions for the given symbols.
	// Derivative venues only; spot adapters return an empty slice.
	FetchPositions(ctx context.Context, symbols []string) ([]types.VenuePosition, error)

	// FetchTicker returns the latest market snapshot for one symbol.
	FetchTicker(ctx context.Context, symbol string) (types.Ticker, error)

	// FetchOHLCV returns up to limit most recent candles for one symbol.
	FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)

	// CreateOrder submits one order and returns the venue's fill report.
	CreateOrder(ctx context.Context, order types.VenueOrder) (types.VenueOrderResult, error)

	// Filters returns the order constraints for one symbol.
	Filters(ctx context.Context, symbol string) (types.VenueFilters, error)

	// Close releases the adapter's resources. Idempotent.
	Close() error
}

// Package datasource fetches raw inputs for the features pipeline: candle
// series and point-in-time snapshots from the exchange adapter, plus an
// optional dashboard screenshot for image analysis.
//
// Sources are cheap handles around shared clients; Open and Close are
// idempotent and called once per runtime lifetime.
package datasource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"quantpilot/internal/exchange"
	"quantpilot/pkg/types"
)

// MarketSource fetches candles and tickers for a fixed symbol set.
type MarketSource struct {
	adapter exchange.Adapter
	symbols []string
	logger  *slog.Logger

	mu     sync.Mutex
	opened bool
}

// NewMarketSource creates a market data source over an exchange adapter.
func NewMarketSource(adapter exchange.Adapter, symbols []string, logger *slog.Logger) *MarketSource {
	return &MarketSource{
		adapter: adapter,
		symbols: symbols,
		logger:  logger.With("component", "market-source"),
	}
}

// Open is idempotent; the adapter is managed by the caller.
func (s *MarketSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	return nil
}

// Close is idempotent and does not close the shared adapter.
func (s *MarketSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	return nil
}

// Candles fetches one interval's candles for every symbol. A symbol failure
// is logged and skipped; the remaining symbols still contribute.
func (s *MarketSource) Candles(ctx context.Context, interval string, lookback int) (map[string][]types.Candle, error) {
	out := make(map[string][]types.Candle, len(s.symbols))
	var firstErr error
	for _, symbol := range s.symbols {
		series, err := s.adapter.FetchOHLCV(ctx, symbol, interval, lookback)
		if err != nil {
			s.logger.Warn("candle fetch failed", "symbol", symbol, "interval", interval, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out[symbol] = series
	}
	if len(out) == 0 && firstErr != nil {
		return nil, fmt.Errorf("candles %s: %w", interval, firstErr)
	}
	return out, nil
}

// Tickers fetches the latest snapshot for every symbol.
func (s *MarketSource) Tickers(ctx context.Context) (map[string]types.Ticker, error) {
	out := make(map[string]types.Ticker, len(s.symbols))
	var firstErr error
	for _, symbol := range s.symbols {
		t, err := s.adapter.FetchTicker(ctx, symbol)
		if err != nil {
			s.logger.Warn("ticker fetch failed", "symbol", symbol, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out[symbol] = t
	}
	if len(out) == 0 && firstErr != nil {
		return nil, fmt.Errorf("tickers: %w", firstErr)
	}
	return out, nil
}

// Symbols returns the configured symbol set.
func (s *MarketSource) Symbols() []string {
	return s.symbols
}

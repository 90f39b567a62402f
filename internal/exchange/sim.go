package exchange

import (
	"context"
	"fmt"
	"sync"

	"quantpilot/pkg/types"
)

// SimAdapter is an in-memory venue used by VIRTUAL mode and tests. Prices,
// candles, balances, and positions are seeded by the caller; orders fill
// instantly at the seeded last price.
type SimAdapter struct {
	mu         sync.RWMutex
	exchangeID string
	balance    types.Balance
	tickers    map[string]types.Ticker
	candles    map[string][]types.Candle // key: symbol+"|"+interval
	positions  map[string]types.VenuePosition
	filters    map[string]types.VenueFilters
	orderSeq   int
	closed     bool
}

// NewSimAdapter creates an empty simulated venue.
func NewSimAdapter(exchangeID string) *SimAdapter {
	return &SimAdapter{
		exchangeID: exchangeID,
		tickers:    make(map[string]types.Ticker),
		candles:    make(map[string][]types.Candle),
		positions:  make(map[string]types.VenuePosition),
		filters:    make(map[string]types.VenueFilters),
	}
}

// SetBalance seeds the account balance.
func (s *SimAdapter) SetBalance(b types.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = b
}

// SetTicker seeds the latest snapshot for a symbol.
func (s *SimAdapter) SetTicker(t types.Ticker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Instrument.ExchangeID = s.exchangeID
	s.tickers[t.Instrument.Symbol] = t
}

// SetCandles seeds a candle series for a symbol and interval.
func (s *SimAdapter) SetCandles(symbol, interval string, candles []types.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[symbol+"|"+interval] = candles
}

// SetPosition seeds a venue-side position (derivatives).
func (s *SimAdapter) SetPosition(p types.VenuePosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.Symbol] = p
}

// RemovePosition drops a venue-side position.
func (s *SimAdapter) RemovePosition(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, symbol)
}

// SetFilters seeds order constraints for a symbol.
func (s *SimAdapter) SetFilters(symbol string, f types.VenueFilters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters[symbol] = f
}

func (s *SimAdapter) FetchBalance(ctx context.Context) (types.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance, nil
}

func (s *SimAdapter) FetchPositions(ctx context.Context, symbols []string) ([]types.VenuePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		want[sym] = true
	}
	var out []types.VenuePosition
	for sym, p := range s.positions {
		if len(symbols) == 0 || want[sym] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *SimAdapter) FetchTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickers[symbol]
	if !ok {
		return types.Ticker{}, fmt.Errorf("sim: no ticker for %s", symbol)
	}
	return t, nil
}

func (s *SimAdapter) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series, ok := s.candles[symbol+"|"+interval]
	if !ok {
		return nil, fmt.Errorf("sim: no candles for %s %s", symbol, interval)
	}
	if limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}
	out := make([]types.Candle, len(series))
	copy(out, series)
	return out, nil
}

func (s *SimAdapter) CreateOrder(ctx context.Context, order types.VenueOrder) (types.VenueOrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickers[order.Symbol]
	if !ok {
		return types.VenueOrderResult{Status: "REJECTED"}, fmt.Errorf("sim: no price for %s", order.Symbol)
	}
	s.orderSeq++
	return types.VenueOrderResult{
		OrderID:      fmt.Sprintf("sim-%d", s.orderSeq),
		FilledQty:    order.Quantity,
		AvgExecPrice: t.Last,
		Status:       "FILLED",
	}, nil
}

func (s *SimAdapter) Filters(ctx context.Context, symbol string) (types.VenueFilters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f, ok := s.filters[symbol]; ok {
		return f, nil
	}
	return types.VenueFilters{QuantityPrecision: types.DefaultQuantityPrecision}, nil
}

func (s *SimAdapter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

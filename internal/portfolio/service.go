// Package portfolio maintains one strategy's cash, positions, and PnL.
//
// The service owns the mutable PortfolioView; all reads go through GetView
// (a deep copy) and all writes happen inside ApplyTrades or the LIVE
// reconciliation entry points. A single mutex is sufficient because writes
// only originate from the coordinator's single-threaded cycle.
//
// Position quantities are signed: positive for long, negative for short.
// A position whose |quantity| falls at or below the quantity precision is
// removed. Average entry prices are maintained with the weighted-average
// rule on same-direction adds; crossing zero re-opens the opposite
// direction at the execution price.
package portfolio

import (
	"log/slog"
	"math"
	"sync"

	"quantpilot/pkg/types"
)

// Service is the in-memory portfolio for one strategy.
type Service struct {
	mu sync.Mutex

	strategyID string
	exchangeID string
	marketType types.MarketType
	mode       types.TradingMode

	qtyPrecision   float64
	initialCapital float64

	view   types.PortfolioView
	logger *slog.Logger
}

// Options configures a new portfolio service.
type Options struct {
	StrategyID        string
	ExchangeID        string
	MarketType        types.MarketType
	Mode              types.TradingMode
	InitialCapital    float64
	QuantityPrecision float64
}

// NewService creates a portfolio seeded with the initial capital.
func NewService(opts Options, logger *slog.Logger) *Service {
	if opts.QuantityPrecision <= 0 {
		opts.QuantityPrecision = types.DefaultQuantityPrecision
	}
	s := &Service{
		strategyID:     opts.StrategyID,
		exchangeID:     opts.ExchangeID,
		marketType:     opts.MarketType,
		mode:           opts.Mode,
		qtyPrecision:   opts.QuantityPrecision,
		initialCapital: opts.InitialCapital,
		logger:         logger.With("component", "portfolio", "strategy_id", opts.StrategyID),
	}
	s.view = types.PortfolioView{
		StrategyID:     opts.StrategyID,
		Cash:           opts.InitialCapital,
		AccountBalance: opts.InitialCapital,
		BuyingPower:    math.Max(0, opts.InitialCapital),
		FreeCash:       opts.InitialCapital,
		AvailableCash:  opts.InitialCapital,
		Positions:      make(map[string]types.PositionSnapshot),
		TotalValue:     opts.InitialCapital,
	}
	return s
}

// QuantityPrecision returns the closed-position threshold.
func (s *Service) QuantityPrecision() float64 { return s.qtyPrecision }

// GetView returns a consistent deep-copy snapshot with a refreshed timestamp.
func (s *Service) GetView() types.PortfolioView {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view.TS = types.NowMS()
	if s.mode == types.ModeVirtual && s.marketType == types.MarketSpot {
		s.view.BuyingPower = math.Max(0, s.view.Cash)
	}
	return s.view.Clone()
}

// ApplyTrades applies executed trades transactionally, pricing marks from
// the market_snapshot feature group.
func (s *Service) ApplyTrades(trades []types.TradeHistoryEntry, market map[string]types.FeatureVector) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, trade := range trades {
		s.applyOneLocked(trade)
	}
	s.recomputeLocked(market)
}

func (s *Service) applyOneLocked(trade types.TradeHistoryEntry) {
	symbol := trade.Instrument.Symbol
	pos, exists := s.view.Positions[symbol]
	if !exists {
		pos = types.PositionSnapshot{
			Instrument: trade.Instrument,
			Leverage:   math.Max(1, trade.Leverage),
		}
	}

	qty := trade.Quantity
	price := trade.AvgExecPrice
	notional := qty * price
	signed := qty
	if trade.Side == types.SELL {
		signed = -qty
	}

	prevQty := pos.Quantity
	newQty := prevQty + signed

	switch {
	case prevQty == 0 || sameSign(prevQty, signed):
		// Open or same-direction add: weighted-average the entry.
		total := math.Abs(prevQty) + qty
		if total > 0 {
			pos.AvgPrice = (pos.AvgPrice*math.Abs(prevQty) + price*qty) / total
		}
		if prevQty == 0 {
			pos.AvgPrice = price
			pos.EntryTS = trade.TradeTS
		}
	case math.Abs(newQty) <= s.qtyPrecision:
		// Full close.
		newQty = 0
		pos.AvgPrice = 0
		pos.EntryTS = 0
	case sameSign(newQty, prevQty):
		// Partial reduce: entry price unchanged.
	default:
		// Crossed zero: leftover opens the opposite direction.
		pos.AvgPrice = price
		pos.EntryTS = trade.TradeTS
	}

	pos.Quantity = newQty
	if trade.Leverage >= 1 {
		pos.Leverage = trade.Leverage
	}
	if pos.Quantity >= 0 {
		pos.TradeType = types.TradeLong
	} else {
		pos.TradeType = types.TradeShort
	}

	// Cash: buys spend notional + fee, sells receive notional - fee.
	if trade.Side == types.BUY {
		s.view.Cash -= notional + trade.FeeCost
	} else {
		s.view.Cash += notional - trade.FeeCost
	}
	if s.mode == types.ModeVirtual && s.marketType == types.MarketSpot && s.view.Cash < 0 {
		s.logger.Warn("spot cash went negative, clamping", "cash", s.view.Cash)
		s.view.Cash = 0
	}

	if math.Abs(pos.Quantity) <= s.qtyPrecision {
		delete(s.view.Positions, symbol)
	} else {
		s.view.Positions[symbol] = pos
	}
}

// recomputeLocked refreshes mark prices, per-position PnL, and the view
// totals from the latest market snapshot.
func (s *Service) recomputeLocked(market map[string]types.FeatureVector) {
	var totalUnrealized, grossValue float64

	for symbol, pos := range s.view.Positions {
		if px, ok := types.LastPrice(market, symbol); ok {
			pos.MarkPrice = px
		}
		mark := pos.MarkPrice
		if mark <= 0 {
			mark = pos.AvgPrice
		}
		pos.Notional = math.Abs(pos.Quantity) * mark
		pos.UnrealizedPnL = (mark - pos.AvgPrice) * pos.Quantity
		entryNotional := math.Abs(pos.Quantity) * pos.AvgPrice
		if entryNotional > 0 {
			pos.UnrealizedPnLPct = pos.UnrealizedPnL / entryNotional * 100 * math.Max(1, pos.Leverage)
		}
		s.view.Positions[symbol] = pos

		totalUnrealized += pos.UnrealizedPnL
		grossValue += pos.Notional
	}

	s.view.TotalUnrealizedPnL = totalUnrealized

	switch s.marketType {
	case types.MarketDerivative:
		if s.mode == types.ModeVirtual {
			// Virtual derivative wallet: cash plus cost basis returned on close.
			balance := s.view.Cash
			for _, pos := range s.view.Positions {
				balance += pos.Quantity * pos.AvgPrice
			}
			s.view.AccountBalance = balance
			s.view.BuyingPower = math.Max(0, balance)
			s.view.FreeCash = s.view.BuyingPower
		}
		s.view.TotalValue = s.view.AccountBalance + totalUnrealized
	default:
		s.view.TotalValue = s.view.Cash + grossValue
		if s.mode == types.ModeVirtual {
			s.view.AccountBalance = s.view.TotalValue - totalUnrealized
			s.view.BuyingPower = math.Max(0, s.view.Cash)
			s.view.FreeCash = s.view.Cash
		}
	}
	s.view.AvailableCash = s.view.BuyingPower
}

// MarkToMarket refreshes marks and totals without applying trades.
func (s *Service) MarkToMarket(market map[string]types.FeatureVector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputeLocked(market)
}

// ReconcileLive overwrites the local view with authoritative exchange data.
//
// For SPOT accounts the balance's free cash becomes the account balance and
// buying power; position lots are tracked locally and left untouched.
// For DERIVATIVE accounts total equity becomes the account
// balance and free margin the buying power; venue positions replace local
// ones keyed by canonical symbol, and local positions the venue no longer
// reports are marked closed.
func (s *Service) ReconcileLive(balance types.Balance, venuePositions []types.VenuePosition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.marketType {
	case types.MarketSpot:
		s.view.AccountBalance = balance.FreeCash
		s.view.BuyingPower = math.Max(0, balance.FreeCash)
		s.view.Cash = balance.FreeCash
		s.view.FreeCash = balance.FreeCash
	case types.MarketDerivative:
		s.view.AccountBalance = balance.TotalEquity
		s.view.BuyingPower = balance.FreeMargin
		s.view.FreeCash = balance.FreeMargin
	}

	// Spot venues report balances only, never a position list; local lots
	// stay authoritative and must survive reconciliation untouched.
	if s.marketType == types.MarketSpot {
		s.reconcileTotalsLocked()
		return
	}

	seen := make(map[string]bool, len(venuePositions))
	for _, vp := range venuePositions {
		symbol := types.NormalizeSymbol(vp.Symbol, s.marketType)
		seen[symbol] = true

		pos, exists := s.view.Positions[symbol]
		if exists && math.Abs(pos.Quantity-vp.Quantity) > s.qtyPrecision {
			s.logger.Warn("position drift reconciled from exchange",
				"symbol", symbol,
				"local_qty", pos.Quantity,
				"exchange_qty", vp.Quantity,
			)
		}
		if !exists {
			pos = types.PositionSnapshot{
				Instrument: types.InstrumentRef{Symbol: symbol, ExchangeID: s.exchangeID},
			}
		}
		pos.Quantity = vp.Quantity
		pos.AvgPrice = vp.AvgPrice
		pos.MarkPrice = vp.MarkPrice
		pos.UnrealizedPnL = vp.UnrealizedPnL
		pos.Leverage = math.Max(1, vp.Leverage)
		pos.Notional = vp.Notional
		if pos.Notional == 0 {
			pos.Notional = math.Abs(vp.Quantity) * vp.MarkPrice
		}
		if pos.EntryTS == 0 {
			pos.EntryTS = types.NowMS()
		}
		if vp.Quantity >= 0 {
			pos.TradeType = types.TradeLong
		} else {
			pos.TradeType = types.TradeShort
		}
		entryNotional := math.Abs(vp.Quantity) * vp.AvgPrice
		if entryNotional > 0 {
			pos.UnrealizedPnLPct = vp.UnrealizedPnL / entryNotional * 100 * pos.Leverage
		}
		s.view.Positions[symbol] = pos
	}

	// Local positions the exchange no longer reports are closed.
	for symbol, pos := range s.view.Positions {
		if seen[symbol] {
			continue
		}
		if math.Abs(pos.Quantity) > s.qtyPrecision {
			s.logger.Warn("local position absent on exchange, marking closed", "symbol", symbol)
		}
		delete(s.view.Positions, symbol)
	}

	s.reconcileTotalsLocked()
}

// reconcileTotalsLocked refreshes the view totals from the positions held
// after a reconciliation pass.
func (s *Service) reconcileTotalsLocked() {
	var totalUnrealized float64
	for _, pos := range s.view.Positions {
		totalUnrealized += pos.UnrealizedPnL
	}
	s.view.TotalUnrealizedPnL = totalUnrealized
	if s.marketType == types.MarketDerivative {
		s.view.TotalValue = s.view.AccountBalance + totalUnrealized
	} else {
		gross := 0.0
		for _, pos := range s.view.Positions {
			gross += pos.Notional
		}
		s.view.TotalValue = s.view.Cash + gross
	}
	s.view.AvailableCash = s.view.BuyingPower
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

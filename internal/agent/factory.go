package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"quantpilot/internal/composer"
	"quantpilot/internal/config"
	"quantpilot/internal/coordinator"
	"quantpilot/internal/datasource"
	"quantpilot/internal/exchange"
	"quantpilot/internal/features"
	"quantpilot/internal/gateway"
	"quantpilot/internal/history"
	"quantpilot/internal/llm"
	"quantpilot/internal/portfolio"
	"quantpilot/internal/store"
	"quantpilot/pkg/types"
)

// RuntimeFactory wires the full per-strategy stack from the daemon config:
// exchange adapter, features pipeline, composer, gateway, portfolio,
// history, and persistence.
type RuntimeFactory struct {
	cfg    *config.Config
	llm    llm.Client
	store  *store.Store
	logger *slog.Logger
}

// NewRuntimeFactory creates the production factory. The LLM client and
// store may be nil; the composer then falls back to grid-without-advisor
// and persistence is skipped.
func NewRuntimeFactory(cfg *config.Config, llmClient llm.Client, st *store.Store, logger *slog.Logger) *RuntimeFactory {
	return &RuntimeFactory{cfg: cfg, llm: llmClient, store: st, logger: logger}
}

// Build assembles one strategy runtime.
func (f *RuntimeFactory) Build(ctx context.Context, strategyID string, req types.UserRequest) (*Runtime, error) {
	symbols := req.DedupSymbols()
	marketType := req.ExchangeConfig.MarketType
	mode := req.ExchangeConfig.TradingMode
	if f.cfg.DryRun {
		mode = types.ModeVirtual
	}

	adapter, err := f.buildAdapter(mode, req)
	if err != nil {
		return nil, err
	}

	marketSource := datasource.NewMarketSource(adapter, symbols, f.logger)
	pipeline := features.NewPipeline(
		marketSource,
		f.cfg.Features.Candles,
		f.screenshotSource(),
		f.imageComputer(req),
		f.logger,
	)
	if err := pipeline.Open(ctx); err != nil {
		return nil, fmt.Errorf("open pipeline: %w", err)
	}

	filters := make(map[string]types.VenueFilters, len(symbols))
	for _, symbol := range symbols {
		vf, err := adapter.Filters(ctx, symbol)
		if err != nil {
			f.logger.Warn("filter fetch failed, using defaults", "symbol", symbol, "error", err)
			vf = types.VenueFilters{QuantityPrecision: types.DefaultQuantityPrecision}
		}
		filters[symbol] = vf
	}

	port := portfolio.NewService(portfolio.Options{
		StrategyID:     strategyID,
		ExchangeID:     req.ExchangeConfig.ExchangeID,
		MarketType:     marketType,
		Mode:           mode,
		InitialCapital: req.TradingConfig.InitialCapital,
	}, f.logger)

	recorder := history.NewRecorder(f.cfg.Runtime.HistoryCap)
	digests := history.NewDigestBuilder(recorder, f.cfg.Runtime.DigestWindow)

	var gw gateway.ExecutionGateway
	if mode == types.ModeLive {
		gw = gateway.NewLiveGateway(adapter, f.logger)
	} else {
		gw = gateway.NewPaperGateway(f.cfg.Exchange.FeeRate, f.logger)
	}

	comp := f.buildComposer(req, symbols, marketType, filters)

	coord := coordinator.New(coordinator.Config{
		StrategyID:     strategyID,
		StrategyName:   req.TradingConfig.StrategyName,
		ModelProvider:  req.LLMModelConfig.Provider,
		ModelID:        req.LLMModelConfig.ModelID,
		ExchangeID:     req.ExchangeConfig.ExchangeID,
		Mode:           mode,
		MarketType:     marketType,
		Symbols:        symbols,
		InitialCapital: req.TradingConfig.InitialCapital,
	}, coordinator.Deps{
		Pipeline:  pipeline,
		Composer:  comp,
		Gateway:   gw,
		Portfolio: port,
		Recorder:  recorder,
		Digests:   digests,
		Adapter:   adapter,
		Store:     f.store,
	}, f.logger)

	return &Runtime{Coordinator: coord, Portfolio: port}, nil
}

// buildAdapter selects the venue client: the REST adapter for LIVE mode,
// the in-memory simulator otherwise.
func (f *RuntimeFactory) buildAdapter(mode types.TradingMode, req types.UserRequest) (exchange.Adapter, error) {
	if mode != types.ModeLive {
		return exchange.NewSimAdapter(req.ExchangeConfig.ExchangeID), nil
	}
	if f.cfg.Exchange.APIKey == "" || f.cfg.Exchange.Secret == "" {
		return nil, fmt.Errorf("LIVE mode requires exchange credentials")
	}
	return exchange.NewRESTAdapter(req.ExchangeConfig.ExchangeID, f.cfg.Exchange, f.cfg.Runtime.SessionTTL, f.logger), nil
}

// buildComposer picks the composer variant. A strategy whose name contains
// "grid", or a request with no model configured, runs the grid composer;
// everything else runs the LLM composer.
func (f *RuntimeFactory) buildComposer(req types.UserRequest, symbols []string, marketType types.MarketType, filters map[string]types.VenueFilters) composer.Composer {
	normalize := composer.NormalizeOptions{
		MaxPositions:   req.TradingConfig.MaxPositions,
		MaxPositionQty: 0,
		SlippageBps:    f.cfg.Runtime.DefaultSlippageBps,
		Filters:        filters,
	}

	name := strings.ToLower(req.TradingConfig.StrategyName)
	useGrid := req.LLMModelConfig.ModelID == "" || strings.Contains(name, "grid")
	if useGrid {
		var advisor *composer.ParamAdvisor
		if f.llm != nil && req.LLMModelConfig.ModelID != "" {
			advisor = composer.NewParamAdvisor(f.llm, req.LLMModelConfig.ModelID, f.cfg.Runtime.AdvisorRefresh, f.logger)
		}
		return composer.NewGridComposer(composer.GridConfig{
			Symbols:    symbols,
			MarketType: marketType,
			Params:     composer.DefaultGridParams(),
			Trading:    req.TradingConfig,
			Normalize:  normalize,
			Advisor:    advisor,
		}, f.logger)
	}

	return composer.NewLLMComposer(composer.LLMConfig{
		Client:         f.llm,
		ModelID:        req.LLMModelConfig.ModelID,
		StrategyPrompt: req.TradingConfig.StrategyName,
		MarketType:     marketType,
		Normalize:      normalize,
	}, f.logger)
}

func (f *RuntimeFactory) screenshotSource() *datasource.ScreenshotSource {
	if f.cfg.Features.ScreenshotURL == "" {
		return nil
	}
	src, err := datasource.NewScreenshotSource(f.cfg.Features.ScreenshotURL, f.cfg.LLM.CallTimeout, f.logger)
	if err != nil {
		f.logger.Warn("screenshot source disabled", "error", err)
		return nil
	}
	return src
}

func (f *RuntimeFactory) imageComputer(req types.UserRequest) *features.ImageComputer {
	if f.llm == nil || req.LLMModelConfig.ModelID == "" || f.cfg.Features.ScreenshotURL == "" {
		return nil
	}
	return features.NewImageComputer(f.llm, req.LLMModelConfig.ModelID)
}

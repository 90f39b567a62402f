package features

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"quantpilot/internal/config"
	"quantpilot/internal/datasource"
	"quantpilot/pkg/types"
)

// Pipeline fans out every configured fetch concurrently and joins the
// resulting feature vectors for one cycle. Failures per source are logged
// and swallowed; Build never aborts the cycle.
type Pipeline struct {
	market     *datasource.MarketSource
	candleCfgs []config.CandleConfig
	screenshot *datasource.ScreenshotSource // nil when image analysis disabled
	image      *ImageComputer               // nil when image analysis disabled
	snapshot   SnapshotComputer
	logger     *slog.Logger

	mu     sync.Mutex
	opened bool
}

// NewPipeline wires the pipeline. Screenshot and image may be nil: the
// image branch is feature-gated and simply skipped when absent.
func NewPipeline(
	market *datasource.MarketSource,
	candleCfgs []config.CandleConfig,
	screenshot *datasource.ScreenshotSource,
	image *ImageComputer,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		market:     market,
		candleCfgs: candleCfgs,
		screenshot: screenshot,
		image:      image,
		logger:     logger.With("component", "features"),
	}
}

// Open is idempotent, called once per runtime lifetime.
func (p *Pipeline) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opened {
		return nil
	}
	if err := p.market.Open(ctx); err != nil {
		return err
	}
	p.opened = true
	return nil
}

// Close is idempotent.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return nil
	}
	p.opened = false
	return p.market.Close()
}

// Build runs every configured fetch concurrently and joins the results.
// Returned vectors are ordered by group then symbol so one cycle's output
// is deterministic.
func (p *Pipeline) Build(ctx context.Context) []types.FeatureVector {
	ts := types.NowMS()

	var mu sync.Mutex
	var out []types.FeatureVector
	add := func(vectors []types.FeatureVector) {
		mu.Lock()
		out = append(out, vectors...)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, cc := range p.candleCfgs {
		cc := cc
		g.Go(func() error {
			series, err := p.market.Candles(gctx, cc.Interval, cc.Lookback)
			if err != nil {
				p.logger.Warn("candle source failed", "interval", cc.Interval, "error", err)
				return nil
			}
			add(CandleComputer{Interval: cc.Interval}.Compute(ts, series))
			return nil
		})
	}

	g.Go(func() error {
		tickers, err := p.market.Tickers(gctx)
		if err != nil {
			p.logger.Warn("snapshot source failed", "error", err)
			return nil
		}
		add(p.snapshot.Compute(ts, tickers))
		return nil
	})

	if p.screenshot != nil && p.image != nil {
		g.Go(func() error {
			png, err := p.screenshot.Capture(gctx)
			if err != nil {
				p.logger.Warn("screenshot capture failed", "error", err)
				return nil
			}
			vectors, err := p.image.Compute(gctx, ts, png)
			if err != nil {
				p.logger.Warn("image analysis failed", "error", err)
				return nil
			}
			add(vectors)
			return nil
		})
	}

	// Sub-tasks swallow their own errors; Wait only observes ctx cancellation.
	_ = g.Wait()

	sort.SliceStable(out, func(i, j int) bool {
		gi, gj := out[i].Group(), out[j].Group()
		if gi != gj {
			return gi < gj
		}
		var si, sj string
		if out[i].Instrument != nil {
			si = out[i].Instrument.Symbol
		}
		if out[j].Instrument != nil {
			sj = out[j].Instrument.Symbol
		}
		return si < sj
	})
	return out
}

package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"quantpilot/internal/config"
	"quantpilot/pkg/types"
)

// RESTAdapter talks to a Binance-style venue REST API.
//
// The venue issues short-lived session tokens. The adapter enforces a
// session TTL and a per-call timeout, and retries each call exactly once
// after a re-login when the venue reports a non-zero error code or the
// call times out.
type RESTAdapter struct {
	http       *resty.Client
	exchangeID string
	apiKey     string
	secret     string
	ttl        time.Duration
	timeout    time.Duration
	logger     *slog.Logger

	rl *RateLimiter

	sessionMu   sync.Mutex
	sessionTok  string
	sessionBorn time.Time

	closed bool
}

// NewRESTAdapter creates a live venue adapter from daemon config.
func NewRESTAdapter(exchangeID string, cfg config.ExchangeConfig, ttl time.Duration, logger *slog.Logger) *RESTAdapter {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.CallTimeout).
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &RESTAdapter{
		http:       httpClient,
		exchangeID: exchangeID,
		apiKey:     cfg.APIKey,
		secret:     cfg.Secret,
		ttl:        ttl,
		timeout:    cfg.CallTimeout,
		rl:         NewRateLimiter(),
		logger:     logger.With("component", "exchange", "exchange_id", exchangeID),
	}
}

// apiError is the venue's error envelope. Code 0 means success.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e apiError) ok() bool { return e.Code == 0 }

// session acquires or refreshes the venue session token.
func (a *RESTAdapter) session(ctx context.Context) (string, error) {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()

	if a.sessionTok != "" && time.Since(a.sessionBorn) < a.ttl {
		return a.sessionTok, nil
	}
	return a.loginLocked(ctx)
}

// relogin drops the cached token and forces a fresh login.
func (a *RESTAdapter) relogin(ctx context.Context) (string, error) {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	a.sessionTok = ""
	return a.loginLocked(ctx)
}

func (a *RESTAdapter) loginLocked(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	var result struct {
		apiError
		Token string `json:"token"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", a.apiKey).
		SetHeader("X-SIGNATURE", a.sign("login"+ts)).
		SetHeader("X-TIMESTAMP", ts).
		SetResult(&result).
		Post("/api/v1/session")
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || !result.ok() {
		return "", fmt.Errorf("login: status %d code %d: %s", resp.StatusCode(), result.Code, result.Msg)
	}
	a.sessionTok = result.Token
	a.sessionBorn = time.Now()
	a.logger.Debug("session refreshed")
	return a.sessionTok, nil
}

func (a *RESTAdapter) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// call issues one authenticated request with the single re-login retry the
// venue session model requires. Each attempt gets its own deadline so a
// first attempt that burns the whole timeout cannot starve the retry.
func (a *RESTAdapter) call(ctx context.Context, build func(r *resty.Request) (*resty.Response, error), env *apiError) error {
	tok, err := a.session(ctx)
	if err != nil {
		return err
	}

	do := func(token string) (*resty.Response, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		r := a.http.R().SetContext(attemptCtx).SetHeader("X-SESSION", token)
		return build(r)
	}

	resp, err := do(tok)
	needRetry := err != nil || (env != nil && !env.ok())
	if needRetry && ctx.Err() != nil {
		return ctx.Err()
	}
	if needRetry {
		tok, lerr := a.relogin(ctx)
		if lerr != nil {
			if err != nil {
				return err
			}
			return fmt.Errorf("venue error code %d: %s", env.Code, env.Msg)
		}
		*env = apiError{}
		resp, err = do(tok)
	}
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
	if env != nil && !env.ok() {
		return fmt.Errorf("venue error code %d: %s", env.Code, env.Msg)
	}
	return nil
}

// FetchBalance returns account cash, equity, and free margin.
func (a *RESTAdapter) FetchBalance(ctx context.Context) (types.Balance, error) {
	if err := a.rl.Account.Wait(ctx); err != nil {
		return types.Balance{}, err
	}
	var result struct {
		apiError
		FreeCash    float64 `json:"free_cash"`
		TotalEquity float64 `json:"total_equity"`
		FreeMargin  float64 `json:"free_margin"`
	}
	err := a.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&result).Get("/api/v1/account/balance")
	}, &result.apiError)
	if err != nil {
		return types.Balance{}, fmt.Errorf("fetch balance: %w", err)
	}
	return types.Balance{
		FreeCash:    result.FreeCash,
		TotalEquity: result.TotalEquity,
		FreeMargin:  result.FreeMargin,
	}, nil
}

// FetchPositions returns open derivative positions for the given symbols.
func (a *RESTAdapter) FetchPositions(ctx context.Context, symbols []string) ([]types.VenuePosition, error) {
	if err := a.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		apiError
		Positions []struct {
			Symbol        string  `json:"symbol"`
			Quantity      float64 `json:"quantity"`
			AvgPrice      float64 `json:"avg_price"`
			MarkPrice     float64 `json:"mark_price"`
			UnrealizedPnL float64 `json:"unrealized_pnl"`
			Leverage      float64 `json:"leverage"`
			Notional      float64 `json:"notional"`
		} `json:"positions"`
	}
	err := a.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		req := r.SetResult(&result)
		for _, s := range symbols {
			req.SetQueryParam("symbols", s)
		}
		return req.Get("/api/v1/account/positions")
	}, &result.apiError)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	out := make([]types.VenuePosition, 0, len(result.Positions))
	for _, p := range result.Positions {
		out = append(out, types.VenuePosition{
			Symbol:        p.Symbol,
			Quantity:      p.Quantity,
			AvgPrice:      p.AvgPrice,
			MarkPrice:     p.MarkPrice,
			UnrealizedPnL: p.UnrealizedPnL,
			Leverage:      p.Leverage,
			Notional:      p.Notional,
		})
	}
	return out, nil
}

// FetchTicker returns the latest market snapshot for one symbol.
func (a *RESTAdapter) FetchTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	if err := a.rl.Market.Wait(ctx); err != nil {
		return types.Ticker{}, err
	}
	var result struct {
		apiError
		TS           int64   `json:"ts"`
		Last         float64 `json:"last"`
		Open         float64 `json:"open"`
		Volume       float64 `json:"volume"`
		OpenInterest float64 `json:"open_interest"`
		FundingRate  float64 `json:"funding_rate"`
	}
	err := a.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("symbol", symbol).SetResult(&result).Get("/api/v1/market/ticker")
	}, &result.apiError)
	if err != nil {
		return types.Ticker{}, fmt.Errorf("fetch ticker %s: %w", symbol, err)
	}
	t := types.Ticker{
		Instrument:   types.InstrumentRef{Symbol: symbol, ExchangeID: a.exchangeID},
		TS:           result.TS,
		Last:         result.Last,
		Open:         result.Open,
		Volume:       result.Volume,
		OpenInterest: result.OpenInterest,
		FundingRate:  result.FundingRate,
	}
	if t.Open > 0 {
		t.ChangePct = (t.Last - t.Open) / t.Open
	}
	return t, nil
}

// FetchOHLCV returns up to limit most recent candles.
func (a *RESTAdapter) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	if err := a.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		apiError
		// Each row: [ts_ms, open, high, low, close, volume]
		Candles [][]float64 `json:"candles"`
	}
	err := a.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetQueryParam("symbol", symbol).
			SetQueryParam("interval", interval).
			SetQueryParam("limit", strconv.Itoa(limit)).
			SetResult(&result).
			Get("/api/v1/market/klines")
	}, &result.apiError)
	if err != nil {
		return nil, fmt.Errorf("fetch ohlcv %s %s: %w", symbol, interval, err)
	}
	inst := types.InstrumentRef{Symbol: symbol, ExchangeID: a.exchangeID}
	out := make([]types.Candle, 0, len(result.Candles))
	for _, row := range result.Candles {
		if len(row) < 6 {
			continue
		}
		out = append(out, types.Candle{
			TS:         int64(row[0]),
			Instrument: inst,
			Open:       row[1],
			High:       row[2],
			Low:        row[3],
			Close:      row[4],
			Volume:     row[5],
			Interval:   interval,
		})
	}
	return out, nil
}

// CreateOrder submits one order. Market orders by default; limit orders when
// the instruction carries a limit price. ReduceOnly is passed through so
// closes can never flip a position.
func (a *RESTAdapter) CreateOrder(ctx context.Context, order types.VenueOrder) (types.VenueOrderResult, error) {
	if err := a.rl.Order.Wait(ctx); err != nil {
		return types.VenueOrderResult{}, err
	}
	var result struct {
		apiError
		OrderID      string  `json:"order_id"`
		FilledQty    float64 `json:"filled_qty"`
		AvgExecPrice float64 `json:"avg_exec_price"`
		FeeCost      float64 `json:"fee_cost"`
		Status       string  `json:"status"`
	}
	err := a.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(order).SetResult(&result).Post("/api/v1/orders")
	}, &result.apiError)
	if err != nil {
		return types.VenueOrderResult{}, err
	}
	return types.VenueOrderResult{
		OrderID:      result.OrderID,
		FilledQty:    result.FilledQty,
		AvgExecPrice: result.AvgExecPrice,
		FeeCost:      result.FeeCost,
		Status:       result.Status,
	}, nil
}

// Filters returns the order constraints for one symbol.
func (a *RESTAdapter) Filters(ctx context.Context, symbol string) (types.VenueFilters, error) {
	if err := a.rl.Market.Wait(ctx); err != nil {
		return types.VenueFilters{}, err
	}
	var result struct {
		apiError
		QuantityPrecision float64 `json:"quantity_precision"`
		QuantityStep      float64 `json:"quantity_step"`
		MinTradeQty       float64 `json:"min_trade_qty"`
		MinNotional       float64 `json:"min_notional"`
		MaxOrderQty       float64 `json:"max_order_qty"`
	}
	err := a.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("symbol", symbol).SetResult(&result).Get("/api/v1/market/filters")
	}, &result.apiError)
	if err != nil {
		return types.VenueFilters{}, fmt.Errorf("fetch filters %s: %w", symbol, err)
	}
	f := types.VenueFilters{
		QuantityPrecision: result.QuantityPrecision,
		QuantityStep:      result.QuantityStep,
		MinTradeQty:       result.MinTradeQty,
		MinNotional:       result.MinNotional,
		MaxOrderQty:       result.MaxOrderQty,
	}
	if f.QuantityPrecision <= 0 {
		f.QuantityPrecision = types.DefaultQuantityPrecision
	}
	return f, nil
}

// Close invalidates the session. Idempotent.
func (a *RESTAdapter) Close() error {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.sessionTok = ""
	return nil
}

package market

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"upbit-trading-bot/internal/upbit"
)

// CandleWindow is the number of recent candles retained per market.
const CandleWindow = 200

// APIErrorRecorder receives a tick for every failed exchange call. The global
// circuit breaker implements it.
type APIErrorRecorder interface {
	RecordAPIError()
}

// Adapter pulls market data from the exchange, normalizes market codes and
// keeps a rolling in-memory candle window per market. Candles are never
// mutated after insertion; readers get copies.
type Adapter struct {
	client   upbit.Client
	recorder APIErrorRecorder

	mu      sync.RWMutex
	windows map[string][]upbit.Candle
}

// NewAdapter creates an adapter. recorder may be nil.
func NewAdapter(client upbit.Client, recorder APIErrorRecorder) *Adapter {
	return &Adapter{
		client:   client,
		recorder: recorder,
		windows:  make(map[string][]upbit.Candle),
	}
}

func (a *Adapter) recordError(err error) {
	if a.recorder != nil {
		a.recorder.RecordAPIError()
	}
	log.Warn().Err(err).Msg("market data fetch failed")
}

// Candles fetches the latest minute candles for a market, merges them into
// the retained window and returns a copy of the window, oldest first.
func (a *Adapter) Candles(ctx context.Context, code string) ([]upbit.Candle, error) {
	mkt := Normalize(code)

	fresh, err := a.client.GetCandles(ctx, mkt, 1, CandleWindow)
	if err != nil {
		a.recordError(err)
		// Serve the cached window when the exchange is briefly unreachable.
		if cached := a.cachedCandles(mkt); len(cached) > 0 {
			return cached, nil
		}
		return nil, fmt.Errorf("candles %s: %w", mkt, err)
	}

	a.mu.Lock()
	a.windows[mkt] = mergeCandles(a.windows[mkt], fresh)
	a.mu.Unlock()

	return a.cachedCandles(mkt), nil
}

func (a *Adapter) cachedCandles(mkt string) []upbit.Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	window := a.windows[mkt]
	out := make([]upbit.Candle, len(window))
	copy(out, window)
	return out
}

// mergeCandles folds fresh candles into the window by timestamp, keeping the
// most recent CandleWindow entries. Existing entries are never rewritten.
func mergeCandles(window, fresh []upbit.Candle) []upbit.Candle {
	if len(window) == 0 {
		out := make([]upbit.Candle, len(fresh))
		copy(out, fresh)
		return out
	}

	last := window[len(window)-1].Timestamp
	for _, c := range fresh {
		if c.Timestamp.After(last) {
			window = append(window, c)
			last = c.Timestamp
		}
	}
	if len(window) > CandleWindow {
		window = window[len(window)-CandleWindow:]
	}
	return window
}

// LastPrice returns the last trade price for a market.
func (a *Adapter) LastPrice(ctx context.Context, code string) (decimal.Decimal, error) {
	mkt := Normalize(code)
	ticker, err := a.client.GetTicker(ctx, mkt)
	if err != nil {
		a.recordError(err)
		return decimal.Zero, fmt.Errorf("ticker %s: %w", mkt, err)
	}
	return ticker.TradePrice, nil
}

// Orderbook returns the current book for a market.
func (a *Adapter) Orderbook(ctx context.Context, code string) (*upbit.Orderbook, error) {
	mkt := Normalize(code)
	ob, err := a.client.GetOrderbook(ctx, mkt)
	if err != nil {
		a.recordError(err)
		return nil, fmt.Errorf("orderbook %s: %w", mkt, err)
	}
	return ob, nil
}

// Balances returns the account balances.
func (a *Adapter) Balances(ctx context.Context) ([]upbit.Balance, error) {
	balances, err := a.client.GetBalances(ctx)
	if err != nil {
		a.recordError(err)
		return nil, fmt.Errorf("balances: %w", err)
	}
	return balances, nil
}

// BalanceOf returns the balance line for one currency, zero-valued when the
// account holds none.
func (a *Adapter) BalanceOf(ctx context.Context, currency string) (upbit.Balance, error) {
	balances, err := a.Balances(ctx)
	if err != nil {
		return upbit.Balance{}, err
	}
	for _, b := range balances {
		if b.Currency == currency {
			return b, nil
		}
	}
	return upbit.Balance{Currency: currency}, nil
}

// Volatility1m returns the standard deviation of 1-minute returns over the
// cached window, as a percentage. Zero when fewer than 2 candles are cached.
func (a *Adapter) Volatility1m(code string) float64 {
	candles := a.cachedCandles(Normalize(code))
	return Volatility(candles)
}

// Volatility computes the stddev of close-to-close returns, in percent.
func Volatility(candles []upbit.Candle) float64 {
	if len(candles) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev <= 0 {
			continue
		}
		returns = append(returns, (candles[i].Close-prev)/prev*100)
	}
	if len(returns) == 0 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance)
}

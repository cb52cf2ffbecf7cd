package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upbit-trading-bot/internal/upbit"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"KRW-BTC", "KRW-BTC"},
		{"krw-btc", "KRW-BTC"},
		{" KRW-BTC ", "KRW-BTC"},
		{"BTC/KRW", "KRW-BTC"},
		{"btc/krw", "KRW-BTC"},
		{"KRWBTC", "KRW-BTC"},
		{"btckrw", "KRW-BTC"},
		{"USDTXRP", "USDT-XRP"},
		{"ETHBTC", "BTC-ETH"},
		{"DOGE", "DOGE"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(tc.in), "Normalize(%q)", tc.in)
	}
}

func TestBaseAndQuoteCurrency(t *testing.T) {
	assert.Equal(t, "BTC", BaseCurrency("KRW-BTC"))
	assert.Equal(t, "KRW", QuoteCurrency("KRW-BTC"))
	assert.Equal(t, "DOGE", BaseCurrency("DOGE"))
}

func minuteCandles(n int, start time.Time) []upbit.Candle {
	out := make([]upbit.Candle, n)
	for i := range out {
		out[i] = upbit.Candle{
			Market:    "KRW-BTC",
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      100, High: 101, Low: 99, Close: 100,
			Volume: 10,
		}
	}
	return out
}

func TestCandlesMergeIntoWindow(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	mock := upbit.NewMockClient()
	mock.Candles["KRW-BTC"] = minuteCandles(3, base)
	a := NewAdapter(mock, nil)

	got, err := a.Candles(ctx, "KRW-BTC")
	require.NoError(t, err)
	assert.Len(t, got, 3)

	// A new candle appears; older duplicates are not re-added.
	mock.Candles["KRW-BTC"] = minuteCandles(4, base)
	got, err = a.Candles(ctx, "KRW-BTC")
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.True(t, got[3].Timestamp.After(got[2].Timestamp))
}

func TestCandlesServeCacheOnFetchFailure(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	mock := upbit.NewMockClient()
	mock.Candles["KRW-BTC"] = minuteCandles(3, base)
	a := NewAdapter(mock, nil)

	_, err := a.Candles(ctx, "KRW-BTC")
	require.NoError(t, err)

	mock.Err = errors.New("exchange down")
	got, err := a.Candles(ctx, "KRW-BTC")
	require.NoError(t, err, "the cached window bridges brief outages")
	assert.Len(t, got, 3)
}

type errCounter struct{ n int }

func (c *errCounter) RecordAPIError() { c.n++ }

func TestFetchFailuresFeedErrorRecorder(t *testing.T) {
	ctx := context.Background()
	mock := upbit.NewMockClient()
	mock.Err = errors.New("exchange down")
	counter := &errCounter{}
	a := NewAdapter(mock, counter)

	_, err := a.Candles(ctx, "KRW-BTC")
	assert.Error(t, err)
	assert.Equal(t, 1, counter.n)
}

func TestBalanceOfMissingCurrencyIsZero(t *testing.T) {
	ctx := context.Background()
	mock := upbit.NewMockClient()
	a := NewAdapter(mock, nil)

	b, err := a.BalanceOf(ctx, "XRP")
	require.NoError(t, err)
	assert.Equal(t, "XRP", b.Currency)
	assert.True(t, b.Available.IsZero())
}

func TestVolatility(t *testing.T) {
	flat := minuteCandles(10, time.Now())
	assert.Zero(t, Volatility(flat))

	// Alternating +1%/-1% closes: every return is about 1% in magnitude.
	candles := minuteCandles(11, time.Now())
	for i := range candles {
		if i%2 == 0 {
			candles[i].Close = 100
		} else {
			candles[i].Close = 101
		}
	}
	v := Volatility(candles)
	assert.Greater(t, v, 0.9)
	assert.Less(t, v, 1.1)

	assert.Zero(t, Volatility(nil))
	assert.Zero(t, Volatility(candles[:1]))
}

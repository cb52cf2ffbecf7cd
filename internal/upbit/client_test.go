package upbit

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccessKey = "test-access-key"
	testSecretKey = "test-secret-key"
)

// verifyAuth parses the Bearer JWT off a request and checks the claims the
// exchange validates: access_key, a nonce and the SHA512 query hash.
func verifyAuth(t *testing.T, r *http.Request) {
	t.Helper()

	header := r.Header.Get("Authorization")
	require.True(t, len(header) > 7 && header[:7] == "Bearer ", "missing bearer token")

	token, err := jwt.Parse(header[7:], func(tok *jwt.Token) (interface{}, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return []byte(testSecretKey), nil
	})
	require.NoError(t, err)
	require.True(t, token.Valid)

	claims, ok := token.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, testAccessKey, claims["access_key"])
	assert.NotEmpty(t, claims["nonce"])

	if r.URL.RawQuery == "" {
		assert.Nil(t, claims["query_hash"])
		return
	}
	sum := sha512.Sum512([]byte(r.URL.RawQuery))
	assert.Equal(t, hex.EncodeToString(sum[:]), claims["query_hash"])
	assert.Equal(t, "SHA512", claims["query_hash_alg"])
}

func newTestClient(handler http.HandlerFunc) (*RESTClient, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewRESTClient(testAccessKey, testSecretKey, srv.URL), srv
}

func TestGetCandlesReturnsOldestFirst(t *testing.T) {
	var gotPath, gotQuery string
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		// Upbit replies newest first.
		fmt.Fprint(w, `[
			{"market":"KRW-BTC","candle_date_time_utc":"2026-03-02T09:02:00","opening_price":101,"high_price":102,"low_price":100,"trade_price":101.5,"candle_acc_trade_volume":12},
			{"market":"KRW-BTC","candle_date_time_utc":"2026-03-02T09:01:00","opening_price":100,"high_price":101,"low_price":99,"trade_price":101,"candle_acc_trade_volume":10}
		]`)
	})
	defer srv.Close()

	candles, err := client.GetCandles(context.Background(), "KRW-BTC", 1, 2)
	require.NoError(t, err)

	assert.Equal(t, "/v1/candles/minutes/1", gotPath)
	assert.Equal(t, "count=2&market=KRW-BTC", gotQuery)

	require.Len(t, candles, 2)
	assert.True(t, candles[0].Timestamp.Before(candles[1].Timestamp))
	assert.Equal(t, 101.0, candles[0].Close)
	assert.Equal(t, 101.5, candles[1].Close)
	assert.Equal(t, 12.0, candles[1].Volume)
	assert.Equal(t, "KRW-BTC", candles[0].Market)
}

func TestGetBalancesSignsRequest(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		verifyAuth(t, r)
		assert.Equal(t, "/v1/accounts", r.URL.Path)
		fmt.Fprint(w, `[{"currency":"KRW","balance":"1000000","locked":"0","avg_buy_price":"0"}]`)
	})
	defer srv.Close()

	balances, err := client.GetBalances(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "KRW", balances[0].Currency)
	assert.True(t, balances[0].Available.Equal(decimal.NewFromInt(1000000)))
}

func TestPlaceOrderEncodesByOrdType(t *testing.T) {
	var gotMethod string
	var gotQuery map[string][]string
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		verifyAuth(t, r)
		gotMethod = r.Method
		gotQuery = r.URL.Query()
		fmt.Fprint(w, `{"uuid":"ord-1","market":"KRW-BTC","side":"bid","ord_type":"limit","state":"wait","price":"100000","volume":"0.5","executed_volume":"0"}`)
	})
	defer srv.Close()

	order, err := client.PlaceOrder(context.Background(), OrderRequest{
		Market:     "KRW-BTC",
		Side:       SideBid,
		OrdType:    OrdTypeLimit,
		Price:      decimal.NewFromInt(100000),
		Volume:     decimal.RequireFromString("0.5"),
		Identifier: "client-1",
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, []string{"100000"}, gotQuery["price"])
	assert.Equal(t, []string{"0.5"}, gotQuery["volume"])
	assert.Equal(t, []string{"client-1"}, gotQuery["identifier"])
	assert.Equal(t, "ord-1", order.UUID)
	assert.Equal(t, StateWait, order.State)
}

func TestPlaceMarketBuySendsAmountAsPrice(t *testing.T) {
	var gotQuery map[string][]string
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		fmt.Fprint(w, `{"uuid":"ord-2","state":"wait"}`)
	})
	defer srv.Close()

	_, err := client.PlaceOrder(context.Background(), OrderRequest{
		Market:  "KRW-BTC",
		Side:    SideBid,
		OrdType: OrdTypePrice,
		Amount:  decimal.NewFromInt(50000),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"50000"}, gotQuery["price"])
	assert.NotContains(t, gotQuery, "volume")
}

func TestPlaceOrderRejectsUnknownOrdType(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	defer srv.Close()

	_, err := client.PlaceOrder(context.Background(), OrderRequest{
		Market:  "KRW-BTC",
		Side:    SideBid,
		OrdType: "stop",
	})
	assert.Error(t, err)
}

func TestAPIErrorCarriesExchangeCode(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"name":"insufficient_funds_bid","message":"주문가능한 금액(KRW)이 부족합니다."}}`)
	})
	defer srv.Close()

	_, err := client.PlaceOrder(context.Background(), OrderRequest{
		Market:  "KRW-BTC",
		Side:    SideBid,
		OrdType: OrdTypePrice,
		Amount:  decimal.NewFromInt(50000),
	})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "insufficient_funds_bid", apiErr.Name)
	assert.True(t, IsRejection(err))
}

func TestServerErrorIsNotARejection(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer srv.Close()

	_, err := client.GetBalances(context.Background())
	require.Error(t, err)
	assert.False(t, IsRejection(err))
	assert.False(t, IsRejection(errors.New("dial tcp: timeout")))
}

func TestCancelOrderUsesDelete(t *testing.T) {
	var gotMethod string
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		verifyAuth(t, r)
		gotMethod = r.Method
		assert.Equal(t, "/v1/order", r.URL.Path)
		assert.Equal(t, "ord-1", r.URL.Query().Get("uuid"))
		fmt.Fprint(w, `{"uuid":"ord-1","state":"cancel","executed_volume":"0.1"}`)
	})
	defer srv.Close()

	order, err := client.CancelOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, StateCancel, order.State)
	assert.True(t, order.ExecutedVolume.Equal(decimal.RequireFromString("0.1")))
}

func TestAvgFillPriceWeightsTrades(t *testing.T) {
	o := &Order{
		Price: decimal.NewFromInt(100),
		Trades: []OrderTrade{
			{Price: decimal.NewFromInt(100), Volume: decimal.NewFromInt(1), Funds: decimal.NewFromInt(100)},
			{Price: decimal.NewFromInt(110), Volume: decimal.NewFromInt(3), Funds: decimal.NewFromInt(330)},
		},
	}
	assert.True(t, o.AvgFillPrice().Equal(decimal.RequireFromString("107.5")))

	empty := &Order{Price: decimal.NewFromInt(100)}
	assert.True(t, empty.AvgFillPrice().Equal(decimal.NewFromInt(100)))
}

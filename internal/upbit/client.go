// Package upbit is the REST adapter for the Upbit spot exchange. It covers the
// public quotation endpoints (candles, ticker, orderbook) and the JWT-signed
// exchange endpoints (accounts, orders).
//
// The client owns rate-limit back-pressure: a token bucket sized to the
// exchange's published limits delays callers instead of failing them. All
// methods honor the context deadline; callers set a deadline on every call.
package upbit

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Client is the exchange interface consumed by the rest of the system.
// RESTClient implements it; tests substitute mocks.
type Client interface {
	GetCandles(ctx context.Context, market string, unit, count int) ([]Candle, error)
	GetTicker(ctx context.Context, market string) (*Ticker, error)
	GetOrderbook(ctx context.Context, market string) (*Orderbook, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetOrder(ctx context.Context, uuid string) (*Order, error)
	CancelOrder(ctx context.Context, uuid string) (*Order, error)
}

// RESTClient talks to the Upbit REST API. Safe for concurrent use.
type RESTClient struct {
	accessKey  string
	secretKey  string
	baseURL    string
	httpClient *http.Client

	// Upbit allows 10 req/s on quotation and 8 req/s on exchange endpoints;
	// one conservative bucket covers both.
	limiter *rate.Limiter
}

var _ Client = (*RESTClient)(nil)

// NewRESTClient creates a client for the given credentials and base URL.
func NewRESTClient(accessKey, secretKey, baseURL string) *RESTClient {
	return &RESTClient{
		accessKey:  accessKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(8), 8),
	}
}

type candlePayload struct {
	Market       string  `json:"market"`
	CandleTimeUTC string `json:"candle_date_time_utc"`
	Opening      float64 `json:"opening_price"`
	High         float64 `json:"high_price"`
	Low          float64 `json:"low_price"`
	Trade        float64 `json:"trade_price"`
	Volume       float64 `json:"candle_acc_trade_volume"`
}

// GetCandles fetches up to count minute candles and returns them oldest first.
func (c *RESTClient) GetCandles(ctx context.Context, market string, unit, count int) ([]Candle, error) {
	params := url.Values{}
	params.Set("market", market)
	params.Set("count", strconv.Itoa(count))

	var payload []candlePayload
	path := fmt.Sprintf("/v1/candles/minutes/%d", unit)
	if err := c.get(ctx, path, params, false, &payload); err != nil {
		return nil, err
	}

	// Upbit returns newest first.
	candles := make([]Candle, len(payload))
	for i, p := range payload {
		ts, err := time.Parse("2006-01-02T15:04:05", p.CandleTimeUTC)
		if err != nil {
			return nil, fmt.Errorf("parse candle timestamp %q: %w", p.CandleTimeUTC, err)
		}
		candles[len(payload)-1-i] = Candle{
			Market:    p.Market,
			Timestamp: ts.UTC(),
			Open:      p.Opening,
			High:      p.High,
			Low:       p.Low,
			Close:     p.Trade,
			Volume:    p.Volume,
		}
	}
	return candles, nil
}

// GetTicker fetches the last-trade snapshot for a market.
func (c *RESTClient) GetTicker(ctx context.Context, market string) (*Ticker, error) {
	params := url.Values{}
	params.Set("markets", market)

	var tickers []Ticker
	if err := c.get(ctx, "/v1/ticker", params, false, &tickers); err != nil {
		return nil, err
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("upbit: no ticker for %s", market)
	}
	return &tickers[0], nil
}

// GetOrderbook fetches the current top of book for a market.
func (c *RESTClient) GetOrderbook(ctx context.Context, market string) (*Orderbook, error) {
	params := url.Values{}
	params.Set("markets", market)

	var books []Orderbook
	if err := c.get(ctx, "/v1/orderbook", params, false, &books); err != nil {
		return nil, err
	}
	if len(books) == 0 {
		return nil, fmt.Errorf("upbit: no orderbook for %s", market)
	}
	return &books[0], nil
}

// GetBalances fetches all account balances.
func (c *RESTClient) GetBalances(ctx context.Context) ([]Balance, error) {
	var balances []Balance
	if err := c.get(ctx, "/v1/accounts", nil, true, &balances); err != nil {
		return nil, err
	}
	return balances, nil
}

// PlaceOrder submits an order. The request's Identifier is the client
// idempotency token; reusing one is rejected by the exchange.
func (c *RESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	params := url.Values{}
	params.Set("market", req.Market)
	params.Set("side", req.Side)
	params.Set("ord_type", req.OrdType)
	if req.Identifier != "" {
		params.Set("identifier", req.Identifier)
	}
	switch req.OrdType {
	case OrdTypeLimit:
		params.Set("price", req.Price.String())
		params.Set("volume", req.Volume.String())
	case OrdTypePrice:
		params.Set("price", req.Amount.String())
	case OrdTypeMarket:
		params.Set("volume", req.Volume.String())
	default:
		return nil, fmt.Errorf("upbit: unknown ord_type %q", req.OrdType)
	}

	var order Order
	if err := c.do(ctx, http.MethodPost, "/v1/orders", params, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrder fetches a single order with its trades.
func (c *RESTClient) GetOrder(ctx context.Context, id string) (*Order, error) {
	params := url.Values{}
	params.Set("uuid", id)

	var order Order
	if err := c.get(ctx, "/v1/order", params, true, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// CancelOrder requests cancellation and returns the order's state at the
// moment of cancellation.
func (c *RESTClient) CancelOrder(ctx context.Context, id string) (*Order, error) {
	params := url.Values{}
	params.Set("uuid", id)

	var order Order
	if err := c.do(ctx, http.MethodDelete, "/v1/order", params, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *RESTClient) get(ctx context.Context, path string, params url.Values, signed bool, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if signed {
		token, err := c.authToken(params)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.send(req, out)
}

func (c *RESTClient) do(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	token, err := c.authToken(params)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.send(req, out)
}

func (c *RESTClient) send(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upbit request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("upbit read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var wrapper struct {
			Error struct {
				Name    string `json:"name"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(body, &wrapper)
		return &APIError{
			Status:  resp.StatusCode,
			Name:    wrapper.Error.Name,
			Message: wrapper.Error.Message,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("upbit parse response: %w", err)
	}
	return nil
}

// authToken builds the JWT the exchange expects: HS256-signed claims carrying
// the access key, a uuid nonce and, when a query is present, the SHA512 hash
// of the url-encoded query string.
func (c *RESTClient) authToken(params url.Values) (string, error) {
	claims := jwt.MapClaims{
		"access_key": c.accessKey,
		"nonce":      uuid.NewString(),
	}
	if len(params) > 0 {
		hash := sha512.Sum512([]byte(params.Encode()))
		claims["query_hash"] = hex.EncodeToString(hash[:])
		claims["query_hash_alg"] = "SHA512"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(c.secretKey))
	if err != nil {
		return "", fmt.Errorf("sign auth token: %w", err)
	}
	return signed, nil
}

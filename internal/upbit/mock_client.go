package upbit

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MockClient is an in-memory Client for tests and dry runs. Orders fill
// immediately at the configured price unless FillRate or HoldOrders say
// otherwise.
type MockClient struct {
	mu sync.Mutex

	Candles    map[string][]Candle
	Tickers    map[string]*Ticker
	Orderbooks map[string]*Orderbook
	Balances   []Balance

	// FillRate scales executed volume on fills; 1.0 fills fully.
	FillRate float64
	// HoldOrders leaves placed orders in the wait state until released.
	HoldOrders bool

	Orders map[string]*Order

	// Err, when set, is returned by every call.
	Err error
}

var _ Client = (*MockClient)(nil)

// NewMockClient creates an empty mock with full fills.
func NewMockClient() *MockClient {
	return &MockClient{
		Candles:    make(map[string][]Candle),
		Tickers:    make(map[string]*Ticker),
		Orderbooks: make(map[string]*Orderbook),
		Orders:     make(map[string]*Order),
		FillRate:   1.0,
	}
}

func (m *MockClient) GetCandles(_ context.Context, market string, _, count int) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	candles := m.Candles[market]
	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	out := make([]Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (m *MockClient) GetTicker(_ context.Context, market string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	t, ok := m.Tickers[market]
	if !ok {
		return nil, fmt.Errorf("mock: no ticker for %s", market)
	}
	cp := *t
	return &cp, nil
}

func (m *MockClient) GetOrderbook(_ context.Context, market string) (*Orderbook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	ob, ok := m.Orderbooks[market]
	if !ok {
		return nil, fmt.Errorf("mock: no orderbook for %s", market)
	}
	cp := *ob
	return &cp, nil
}

func (m *MockClient) GetBalances(_ context.Context) ([]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]Balance, len(m.Balances))
	copy(out, m.Balances)
	return out, nil
}

func (m *MockClient) PlaceOrder(_ context.Context, req OrderRequest) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	price := req.Price
	volume := req.Volume
	if req.OrdType == OrdTypePrice {
		// Market buy by notional: fill at the book's best ask.
		if ob, ok := m.Orderbooks[req.Market]; ok && len(ob.Units) > 0 {
			price = ob.Units[0].AskPrice
		}
		if price.IsPositive() {
			volume = req.Amount.Div(price)
		}
	}
	if req.OrdType == OrdTypeMarket {
		if ob, ok := m.Orderbooks[req.Market]; ok && len(ob.Units) > 0 {
			price = ob.Units[0].BidPrice
		}
	}

	order := &Order{
		UUID:    uuid.NewString(),
		Market:  req.Market,
		Side:    req.Side,
		OrdType: req.OrdType,
		State:   StateWait,
		Price:   price,
		Volume:  volume,
	}
	if !m.HoldOrders {
		fillRate := decimal.NewFromFloat(m.FillRate)
		order.State = StateDone
		order.ExecutedVolume = volume.Mul(fillRate)
		order.PaidFee = price.Mul(order.ExecutedVolume).Mul(decimal.NewFromFloat(0.0005))
		order.Trades = []OrderTrade{{
			Price:  price,
			Volume: order.ExecutedVolume,
			Funds:  price.Mul(order.ExecutedVolume),
		}}
	}
	m.Orders[order.UUID] = order
	cp := *order
	return &cp, nil
}

func (m *MockClient) GetOrder(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	o, ok := m.Orders[id]
	if !ok {
		return nil, &APIError{Status: 404, Name: "order_not_found", Message: "order not found"}
	}
	cp := *o
	return &cp, nil
}

func (m *MockClient) CancelOrder(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	o, ok := m.Orders[id]
	if !ok {
		return nil, &APIError{Status: 404, Name: "order_not_found", Message: "order not found"}
	}
	if o.State == StateWait {
		o.State = StateCancel
	}
	cp := *o
	return &cp, nil
}

// FindOrder returns the id of the first order with the given ord_type, empty
// when none exists. Lets tests release a specific order mid-flight.
func (m *MockClient) FindOrder(ordType string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range m.Orders {
		if o.OrdType == ordType {
			return id
		}
	}
	return ""
}

// Release fills a held order with the given rate, for wait-loop tests.
func (m *MockClient) Release(id string, fillRate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[id]
	if !ok || o.State != StateWait {
		return
	}
	o.State = StateDone
	o.ExecutedVolume = o.Volume.Mul(decimal.NewFromFloat(fillRate))
	o.Trades = []OrderTrade{{
		Price:  o.Price,
		Volume: o.ExecutedVolume,
		Funds:  o.Price.Mul(o.ExecutedVolume),
	}}
}

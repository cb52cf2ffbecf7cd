package upbit

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order sides and types as the exchange spells them.
const (
	SideBid = "bid" // buy
	SideAsk = "ask" // sell

	OrdTypeLimit  = "limit"
	OrdTypePrice  = "price"  // market buy, specified by quote amount
	OrdTypeMarket = "market" // market sell, specified by volume

	StateWait   = "wait"
	StateDone   = "done"
	StateCancel = "cancel"
)

// Candle is a single minute candle, oldest-first in slices returned by the
// client. OHLCV is float64: candles feed indicator math, not order placement.
type Candle struct {
	Market    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Ticker is the last-trade snapshot for a market.
type Ticker struct {
	Market     string          `json:"market"`
	TradePrice decimal.Decimal `json:"trade_price"`
	Timestamp  int64           `json:"timestamp"`
}

// OrderbookUnit is one price level on each side of the book.
type OrderbookUnit struct {
	AskPrice decimal.Decimal `json:"ask_price"`
	BidPrice decimal.Decimal `json:"bid_price"`
	AskSize  decimal.Decimal `json:"ask_size"`
	BidSize  decimal.Decimal `json:"bid_size"`
}

// Orderbook is the top of book for a market, best level first.
type Orderbook struct {
	Market       string          `json:"market"`
	TotalAskSize decimal.Decimal `json:"total_ask_size"`
	TotalBidSize decimal.Decimal `json:"total_bid_size"`
	Units        []OrderbookUnit `json:"orderbook_units"`
}

// BestAsk returns the best ask price, or zero when the book is empty.
func (ob *Orderbook) BestAsk() decimal.Decimal {
	if len(ob.Units) == 0 {
		return decimal.Zero
	}
	return ob.Units[0].AskPrice
}

// BestBid returns the best bid price, or zero when the book is empty.
func (ob *Orderbook) BestBid() decimal.Decimal {
	if len(ob.Units) == 0 {
		return decimal.Zero
	}
	return ob.Units[0].BidPrice
}

// Mid returns the book midpoint, or zero when the book is empty.
func (ob *Orderbook) Mid() decimal.Decimal {
	if len(ob.Units) == 0 {
		return decimal.Zero
	}
	two := decimal.NewFromInt(2)
	return ob.Units[0].AskPrice.Add(ob.Units[0].BidPrice).Div(two)
}

// Balance is one currency line of the account.
type Balance struct {
	Currency    string          `json:"currency"`
	Available   decimal.Decimal `json:"balance"`
	Locked      decimal.Decimal `json:"locked"`
	AvgBuyPrice decimal.Decimal `json:"avg_buy_price"`
}

// OrderRequest describes an order to place. For OrdTypePrice only Amount is
// set; for OrdTypeMarket only Volume; limit orders set Price and Volume.
type OrderRequest struct {
	Market     string
	Side       string // SideBid or SideAsk
	OrdType    string
	Price      decimal.Decimal
	Volume     decimal.Decimal
	Amount     decimal.Decimal // quote notional, market buys only
	Identifier string          // client idempotency token, unique per order
}

// OrderTrade is one fill of an order.
type OrderTrade struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	Funds  decimal.Decimal `json:"funds"`
}

// Order is the exchange's view of an order.
type Order struct {
	UUID           string          `json:"uuid"`
	Market         string          `json:"market"`
	Side           string          `json:"side"`
	OrdType        string          `json:"ord_type"`
	State          string          `json:"state"`
	Price          decimal.Decimal `json:"price"`
	Volume         decimal.Decimal `json:"volume"`
	ExecutedVolume decimal.Decimal `json:"executed_volume"`
	PaidFee        decimal.Decimal `json:"paid_fee"`
	Trades         []OrderTrade    `json:"trades"`
	CreatedAt      time.Time       `json:"-"`
}

// AvgFillPrice returns the volume-weighted fill price, falling back to the
// order's limit price when no per-trade data is present.
func (o *Order) AvgFillPrice() decimal.Decimal {
	var funds, volume decimal.Decimal
	for _, t := range o.Trades {
		funds = funds.Add(t.Funds)
		volume = volume.Add(t.Volume)
	}
	if volume.IsPositive() {
		return funds.Div(volume)
	}
	return o.Price
}

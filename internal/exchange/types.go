package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Side is the order direction
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the subset of order types the engine submits
type OrderType string

const (
	OrderTypeMarket        OrderType = "MARKET"
	OrderTypeLimit         OrderType = "LIMIT"
	OrderTypeStopLossLimit OrderType = "STOP_LOSS_LIMIT"
)

var (
	ErrSymbolNotFound = errors.New("symbol not found")
	ErrNoCredentials  = errors.New("no exchange credentials for user")
)

// Ticker is the latest price snapshot for a symbol
type Ticker struct {
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"lastPrice"`
	BidPrice  float64 `json:"bidPrice"`
	AskPrice  float64 `json:"askPrice"`
}

// Level is one price level of an order book
type Level struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Orderbook holds the top levels of both sides
type Orderbook struct {
	Symbol string  `json:"symbol"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// BestBid returns the top bid, or false if the side is empty
func (o *Orderbook) BestBid() (Level, bool) {
	if o == nil || len(o.Bids) == 0 {
		return Level{}, false
	}
	return o.Bids[0], true
}

// BestAsk returns the top ask, or false if the side is empty
func (o *Orderbook) BestAsk() (Level, bool) {
	if o == nil || len(o.Asks) == 0 {
		return Level{}, false
	}
	return o.Asks[0], true
}

// Balance of one asset
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Account lists balances
type Account struct {
	Balances []Balance `json:"balances"`
}

// Total returns free plus locked for asset, and whether the asset was present.
func (a *Account) Total(asset string) (float64, bool) {
	if a == nil {
		return 0, false
	}
	for _, b := range a.Balances {
		if strings.EqualFold(b.Asset, asset) {
			return b.Free + b.Locked, true
		}
	}
	return 0, false
}

// OrderRequest is what the engine asks the connector to place
type OrderRequest struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price,omitempty"`
	StopPrice     float64   `json:"stopPrice,omitempty"`
	ClientOrderID string    `json:"clientOrderId,omitempty"`
}

// Validate checks fields the exchange would reject anyway
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("invalid side %q", r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	switch r.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if r.Price <= 0 {
			return fmt.Errorf("limit order requires a price")
		}
	case OrderTypeStopLossLimit:
		if r.Price <= 0 || r.StopPrice <= 0 {
			return fmt.Errorf("stop loss limit order requires price and stop price")
		}
	default:
		return fmt.Errorf("unsupported order type %q", r.Type)
	}
	return nil
}

// OrderResult is the exchange's answer to a placed order
type OrderResult struct {
	OrderID       string                 `json:"orderId"`
	ClientOrderID string                 `json:"clientOrderId"`
	Status        string                 `json:"status"`
	FillPrice     float64                `json:"fillPrice"`
	Quantity      float64                `json:"quantity"`
	Raw           map[string]interface{} `json:"raw,omitempty"`
}

// Connector is the exchange capability the engine trades through.
// Implementations own their retry and rate limiting.
type Connector interface {
	Name() string
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetOrderbook(ctx context.Context, symbol string, depth int) (*Orderbook, error)
	GetAccount(ctx context.Context) (*Account, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
}

// Provider hands out the connector bound to a user's credentials
type Provider interface {
	ForUser(ctx context.Context, userID string) (Connector, error)
}

// ClientOrderID builds a deterministic client order id for one leg of a trade,
// so a retried submission cannot create a second order.
func ClientOrderID(tradeID, leg string) string {
	id := strings.ReplaceAll(tradeID, "-", "")
	if len(id) > 24 {
		id = id[:24]
	}
	return "at" + id + leg
}

package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const binanceTestnetURL = "https://testnet.binance.vision"

// BinanceConfig configures a spot connector for one account
type BinanceConfig struct {
	APIKey         string
	SecretKey      string
	BaseURL        string
	TestNet        bool
	HTTPTimeout    time.Duration
	RequestsPerSec float64
	Burst          int
	MaxRetries     int
}

// BinanceConnector trades Binance spot through go-binance.
type BinanceConnector struct {
	client   *binance.Client
	throttle *throttle
	logger   zerolog.Logger

	rules sync.Map // symbol -> symbolRules
}

type symbolRules struct {
	stepSize decimal.Decimal
	tickSize decimal.Decimal
}

// NewBinanceConnector creates a connector bound to one set of credentials
func NewBinanceConnector(cfg BinanceConfig, logger zerolog.Logger) *BinanceConnector {
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	switch {
	case cfg.TestNet:
		client.BaseURL = binanceTestnetURL
	case cfg.BaseURL != "":
		client.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}

	return &BinanceConnector{
		client:   client,
		throttle: newThrottle(cfg.RequestsPerSec, cfg.Burst, cfg.MaxRetries),
		logger:   logger.With().Str("component", "binance-connector").Logger(),
	}
}

func (c *BinanceConnector) Name() string { return "binance" }

// GetTicker returns last price and top of book
func (c *BinanceConnector) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var (
		prices []*binance.SymbolPrice
		books  []*binance.BookTicker
	)
	err := c.throttle.do(ctx, isTransient, func(ctx context.Context) error {
		var err error
		prices, err = c.client.NewListPricesService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get price for %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, ErrSymbolNotFound)
	}

	t := &Ticker{Symbol: symbol, LastPrice: parseFloat(prices[0].Price)}

	err = c.throttle.do(ctx, isTransient, func(ctx context.Context) error {
		var err error
		books, err = c.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
		return err
	})
	if err == nil && len(books) > 0 {
		t.BidPrice = parseFloat(books[0].BidPrice)
		t.AskPrice = parseFloat(books[0].AskPrice)
	}
	return t, nil
}

// GetOrderbook returns the top depth levels of the book
func (c *BinanceConnector) GetOrderbook(ctx context.Context, symbol string, depth int) (*Orderbook, error) {
	if depth <= 0 {
		depth = 5
	}
	var res *binance.DepthResponse
	err := c.throttle.do(ctx, isTransient, func(ctx context.Context) error {
		var err error
		res, err = c.client.NewDepthService().Symbol(symbol).Limit(depth).Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get order book for %s: %w", symbol, err)
	}

	ob := &Orderbook{Symbol: symbol}
	for _, b := range res.Bids {
		ob.Bids = append(ob.Bids, Level{Price: parseFloat(b.Price), Quantity: parseFloat(b.Quantity)})
	}
	for _, a := range res.Asks {
		ob.Asks = append(ob.Asks, Level{Price: parseFloat(a.Price), Quantity: parseFloat(a.Quantity)})
	}
	return ob, nil
}

// GetAccount returns spot balances
func (c *BinanceConnector) GetAccount(ctx context.Context) (*Account, error) {
	var res *binance.Account
	err := c.throttle.do(ctx, isTransient, func(ctx context.Context) error {
		var err error
		res, err = c.client.NewGetAccountService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	acct := &Account{}
	for _, b := range res.Balances {
		free, locked := parseFloat(b.Free), parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		acct.Balances = append(acct.Balances, Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return acct, nil
}

// PlaceOrder submits an order. Only failures that never reached the exchange
// are retried, always with the same client order id.
func (c *BinanceConnector) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	rules := c.symbolRules(ctx, req.Symbol)

	svc := c.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderType(req.Type)).
		Quantity(formatStep(req.Quantity, rules.stepSize))
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	switch req.Type {
	case OrderTypeLimit:
		svc = svc.TimeInForce(binance.TimeInForceTypeGTC).Price(formatStep(req.Price, rules.tickSize))
	case OrderTypeStopLossLimit:
		svc = svc.TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatStep(req.Price, rules.tickSize)).
			StopPrice(formatStep(req.StopPrice, rules.tickSize))
	}

	var res *binance.CreateOrderResponse
	err := c.throttle.do(ctx, isTransientTransport, func(ctx context.Context) error {
		var err error
		res, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to place %s %s order for %s: %w", req.Type, req.Side, req.Symbol, err)
	}

	c.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Int64("order_id", res.OrderID).
		Str("status", string(res.Status)).
		Msg("order placed")

	return &OrderResult{
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Status:        string(res.Status),
		FillPrice:     fillPrice(res),
		Quantity:      parseFloat(res.ExecutedQuantity),
		Raw: map[string]interface{}{
			"orderId":             res.OrderID,
			"clientOrderId":       res.ClientOrderID,
			"status":              string(res.Status),
			"price":               res.Price,
			"origQty":             res.OrigQuantity,
			"executedQty":         res.ExecutedQuantity,
			"cummulativeQuoteQty": res.CummulativeQuoteQuantity,
			"transactTime":        res.TransactTime,
			"fills":               len(res.Fills),
		},
	}, nil
}

// symbolRules fetches LOT_SIZE and PRICE_FILTER once per symbol. A failed
// lookup falls back to 8 decimal places.
func (c *BinanceConnector) symbolRules(ctx context.Context, symbol string) symbolRules {
	if v, ok := c.rules.Load(symbol); ok {
		return v.(symbolRules)
	}

	fallback := symbolRules{stepSize: decimal.New(1, -8), tickSize: decimal.New(1, -8)}

	var info *binance.ExchangeInfo
	err := c.throttle.do(ctx, isTransient, func(ctx context.Context) error {
		var err error
		info, err = c.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil || info == nil || len(info.Symbols) == 0 {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("exchange info unavailable, using default precision")
		return fallback
	}

	rules := fallback
	s := info.Symbols[0]
	if lot := s.LotSizeFilter(); lot != nil {
		if step, err := decimal.NewFromString(lot.StepSize); err == nil && step.IsPositive() {
			rules.stepSize = step
		}
	}
	if pf := s.PriceFilter(); pf != nil {
		if tick, err := decimal.NewFromString(pf.TickSize); err == nil && tick.IsPositive() {
			rules.tickSize = tick
		}
	}
	c.rules.Store(symbol, rules)
	return rules
}

// formatStep rounds v down to a multiple of step.
func formatStep(v float64, step decimal.Decimal) string {
	d := decimal.NewFromFloat(v)
	if step.IsPositive() {
		d = d.Div(step).Floor().Mul(step)
	}
	return d.String()
}

// fillPrice is the quantity-weighted average of the fills, or the quote/base
// ratio when the response carries no fills.
func fillPrice(res *binance.CreateOrderResponse) float64 {
	notional, qty := decimal.Zero, decimal.Zero
	for _, f := range res.Fills {
		p, errP := decimal.NewFromString(f.Price)
		q, errQ := decimal.NewFromString(f.Quantity)
		if errP != nil || errQ != nil {
			continue
		}
		notional = notional.Add(p.Mul(q))
		qty = qty.Add(q)
	}
	if qty.IsPositive() {
		return notional.Div(qty).InexactFloat64()
	}

	quote, errQ := decimal.NewFromString(res.CummulativeQuoteQuantity)
	base, errB := decimal.NewFromString(res.ExecutedQuantity)
	if errQ == nil && errB == nil && base.IsPositive() {
		return quote.Div(base).InexactFloat64()
	}
	return parseFloat(res.Price)
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

var _ Connector = (*BinanceConnector)(nil)

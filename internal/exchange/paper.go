package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
)

// PaperConnector simulates an exchange account in memory. Market orders fill
// at the last price and move the quote balance; resting orders are only recorded.
type PaperConnector struct {
	mu         sync.RWMutex
	quoteAsset string
	balances   map[string]float64
	prices     map[string]float64
	depth      float64
	orders     []OrderRequest
	seen       map[string]*OrderResult
	nextID     atomic.Int64
}

// NewPaperConnector creates a paper account holding equity in quoteAsset.
func NewPaperConnector(quoteAsset string, equity float64) *PaperConnector {
	return &PaperConnector{
		quoteAsset: quoteAsset,
		balances:   map[string]float64{quoteAsset: equity},
		prices: map[string]float64{
			"BTCUSDT": 104500.00,
			"ETHUSDT": 3900.00,
			"BNBUSDT": 710.00,
			"SOLUSDT": 220.00,
			"XRPUSDT": 2.35,
		},
		depth: 1000,
		seen:  make(map[string]*OrderResult),
	}
}

func (p *PaperConnector) Name() string { return "paper" }

// SetPrice sets the simulated last price of symbol
func (p *PaperConnector) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

// SetDepth sets the quantity shown on each side of the simulated book; zero empties it.
func (p *PaperConnector) SetDepth(qty float64) {
	p.mu.Lock()
	p.depth = qty
	p.mu.Unlock()
}

// Orders returns every order submitted so far
func (p *PaperConnector) Orders() []OrderRequest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]OrderRequest, len(p.orders))
	copy(out, p.orders)
	return out
}

func (p *PaperConnector) GetTicker(_ context.Context, symbol string) (*Ticker, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrSymbolNotFound)
	}
	return &Ticker{Symbol: symbol, LastPrice: price, BidPrice: price * 0.9999, AskPrice: price * 1.0001}, nil
}

func (p *PaperConnector) GetOrderbook(_ context.Context, symbol string, depth int) (*Orderbook, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrSymbolNotFound)
	}
	ob := &Orderbook{Symbol: symbol}
	if p.depth <= 0 {
		return ob, nil
	}
	for i := 0; i < depth; i++ {
		step := float64(i+1) * 0.0001
		ob.Bids = append(ob.Bids, Level{Price: price * (1 - step), Quantity: p.depth})
		ob.Asks = append(ob.Asks, Level{Price: price * (1 + step), Quantity: p.depth})
	}
	return ob, nil
}

func (p *PaperConnector) GetAccount(_ context.Context) (*Account, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	acct := &Account{}
	for asset, amount := range p.balances {
		acct.Balances = append(acct.Balances, Balance{Asset: asset, Free: amount})
	}
	return acct, nil
}

func (p *PaperConnector) PlaceOrder(_ context.Context, req OrderRequest) (*OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.ClientOrderID != "" {
		if prev, ok := p.seen[req.ClientOrderID]; ok {
			return prev, nil
		}
	}

	price, ok := p.prices[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("%s: %w", req.Symbol, ErrSymbolNotFound)
	}

	res := &OrderResult{
		OrderID:       strconv.FormatInt(p.nextID.Add(1), 10),
		ClientOrderID: req.ClientOrderID,
		Status:        "NEW",
		Quantity:      req.Quantity,
		FillPrice:     req.Price,
	}

	if req.Type == OrderTypeMarket {
		notional := req.Quantity * price
		if req.Side == SideBuy {
			if p.balances[p.quoteAsset] < notional {
				return nil, fmt.Errorf("insufficient %s balance", p.quoteAsset)
			}
			p.balances[p.quoteAsset] -= notional
		} else {
			p.balances[p.quoteAsset] += notional
		}
		res.Status = "FILLED"
		res.FillPrice = price
	}
	res.Raw = map[string]interface{}{"paper": true, "status": res.Status, "price": res.FillPrice}

	p.orders = append(p.orders, req)
	if req.ClientOrderID != "" {
		p.seen[req.ClientOrderID] = res
	}
	return res, nil
}

var _ Connector = (*PaperConnector)(nil)

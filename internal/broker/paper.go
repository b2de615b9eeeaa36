package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"consensus-trading-bot/internal/logging"
)

// PaperBroker fills every order instantly at the quoted price without
// touching an exchange. Quotes and candles are delegated to a real
// market data source when one is supplied, or served from seeded values
// in tests.
type PaperBroker struct {
	marketData Broker // optional read-only source for quotes/candles
	logger     *logging.Logger

	mu     sync.Mutex
	quotes map[string]*Quote
	orders []*OrderResult
}

// NewPaperBroker creates a dry-run broker. marketData may be nil.
func NewPaperBroker(marketData Broker) *PaperBroker {
	return &PaperBroker{
		marketData: marketData,
		logger:     logging.WithComponent("paper-broker"),
		quotes:     make(map[string]*Quote),
	}
}

func (p *PaperBroker) Name() string {
	return "paper"
}

// SeedQuote injects a quote for symbols with no market data source
func (p *PaperBroker) SeedQuote(q *Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[q.Symbol] = q
}

// Orders returns every simulated fill so far
func (p *PaperBroker) Orders() []*OrderResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*OrderResult, len(p.orders))
	copy(out, p.orders)
	return out
}

func (p *PaperBroker) PlaceOrder(ctx context.Context, symbol string, side Side, quantity float64, price *float64) (*OrderResult, error) {
	fillPrice := 0.0
	if price != nil {
		fillPrice = *price
	} else {
		quote, err := p.GetQuote(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("paper fill needs a quote for %s: %w", symbol, err)
		}
		fillPrice = quote.LastPrice
	}

	result := &OrderResult{
		OrderID:        "paper-" + uuid.New().String(),
		Symbol:         symbol,
		Side:           side,
		FilledPrice:    fillPrice,
		FilledQuantity: quantity,
	}

	p.mu.Lock()
	p.orders = append(p.orders, result)
	p.mu.Unlock()

	p.logger.Info("Paper order filled",
		"symbol", symbol, "side", string(side), "price", fillPrice, "quantity", quantity)

	return result, nil
}

func (p *PaperBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	if p.marketData != nil {
		return p.marketData.GetQuote(ctx, symbol)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.quotes[symbol]; ok {
		return q, nil
	}
	return nil, fmt.Errorf("no quote available for %s", symbol)
}

func (p *PaperBroker) GetHistoricalCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if p.marketData != nil {
		return p.marketData.GetHistoricalCandles(ctx, symbol, interval, limit)
	}
	return nil, fmt.Errorf("no candle data available for %s", symbol)
}

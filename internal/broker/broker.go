// Package broker abstracts order placement and market data behind one
// interface so the execution gate never talks to an exchange directly.
package broker

import "context"

// Side is the order direction
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderResult is the acknowledgment of a placed order
type OrderResult struct {
	OrderID        string  `json:"order_id"`
	Symbol         string  `json:"symbol"`
	Side           Side    `json:"side"`
	FilledPrice    float64 `json:"filled_price"`
	FilledQuantity float64 `json:"filled_quantity"`
}

// Quote is a 24h market snapshot for one symbol
type Quote struct {
	Symbol       string  `json:"symbol"`
	LastPrice    float64 `json:"last_price"`
	ChangePct24h float64 `json:"change_pct_24h"`
	High24h      float64 `json:"high_24h"`
	Low24h       float64 `json:"low_24h"`
	Volume24h    float64 `json:"volume_24h"`
}

// Candle is one OHLCV bar
type Candle struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// Broker is the exchange contract consumed by the execution gate.
// Price may be nil for market orders.
type Broker interface {
	PlaceOrder(ctx context.Context, symbol string, side Side, quantity float64, price *float64) (*OrderResult, error)
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetHistoricalCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	Name() string
}

package broker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/adshao/go-binance/v2"

	"consensus-trading-bot/internal/logging"
)

// BinanceBroker places real spot orders through the Binance REST API
type BinanceBroker struct {
	client *binance.Client
	logger *logging.Logger
}

// NewBinanceBroker creates a Binance-backed broker. Testnet mode flips
// the package-level endpoint before the client is constructed.
func NewBinanceBroker(apiKey, secretKey string, testnet bool) *BinanceBroker {
	binance.UseTestnet = testnet
	return &BinanceBroker{
		client: binance.NewClient(apiKey, secretKey),
		logger: logging.WithComponent("binance-broker"),
	}
}

func (b *BinanceBroker) Name() string {
	return "binance"
}

func (b *BinanceBroker) PlaceOrder(ctx context.Context, symbol string, side Side, quantity float64, price *float64) (*OrderResult, error) {
	sideType := binance.SideTypeBuy
	if side == SideSell {
		sideType = binance.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(sideType).
		Quantity(strconv.FormatFloat(quantity, 'f', -1, 64))

	if price != nil {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(strconv.FormatFloat(*price, 'f', -1, 64))
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance order failed: %w", err)
	}

	filledPrice, filledQty := fillSummary(order)

	b.logger.Info("Binance order placed",
		"symbol", symbol, "side", string(side), "order_id", order.OrderID,
		"filled_price", filledPrice, "filled_quantity", filledQty)

	return &OrderResult{
		OrderID:        strconv.FormatInt(order.OrderID, 10),
		Symbol:         symbol,
		Side:           side,
		FilledPrice:    filledPrice,
		FilledQuantity: filledQty,
	}, nil
}

// fillSummary averages the fill legs of an order acknowledgment
func fillSummary(order *binance.CreateOrderResponse) (float64, float64) {
	var totalQty, totalCost float64
	for _, fill := range order.Fills {
		price, _ := strconv.ParseFloat(fill.Price, 64)
		qty, _ := strconv.ParseFloat(fill.Quantity, 64)
		totalQty += qty
		totalCost += price * qty
	}
	if totalQty == 0 {
		qty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
		price, _ := strconv.ParseFloat(order.Price, 64)
		return price, qty
	}
	return totalCost / totalQty, totalQty
}

func (b *BinanceBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	stats, err := b.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get quote for %s: %w", symbol, err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("no quote returned for %s", symbol)
	}

	s := stats[0]
	lastPrice, _ := strconv.ParseFloat(s.LastPrice, 64)
	changePct, _ := strconv.ParseFloat(s.PriceChangePercent, 64)
	high, _ := strconv.ParseFloat(s.HighPrice, 64)
	low, _ := strconv.ParseFloat(s.LowPrice, 64)
	volume, _ := strconv.ParseFloat(s.Volume, 64)

	return &Quote{
		Symbol:       symbol,
		LastPrice:    lastPrice,
		ChangePct24h: changePct,
		High24h:      high,
		Low24h:       low,
		Volume24h:    volume,
	}, nil
}

func (b *BinanceBroker) GetHistoricalCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get candles for %s: %w", symbol, err)
	}

	candles := make([]Candle, 0, len(klines))
	for _, k := range klines {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closeP, _ := strconv.ParseFloat(k.Close, 64)
		volume, _ := strconv.ParseFloat(k.Volume, 64)
		candles = append(candles, Candle{
			OpenTime: k.OpenTime,
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closeP,
			Volume:   volume,
		})
	}

	return candles, nil
}

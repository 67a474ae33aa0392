package exchange

import (
	"context"

	"tradeflow/models"
)

// BookHandler receives a full replacement snapshot on every depth update.
type BookHandler func(models.OrderBookSnapshot)

// CandleHandler receives closed candles from the kline stream.
type CandleHandler func(models.Candle)

// OrderEventHandler receives execution updates from the user-data stream.
type OrderEventHandler func(models.OrderEvent)

// Subscription is a handle on a running stream. Done is closed when the
// stream terminates for any reason; the owning gateway is responsible
// for resubscribing.
type Subscription interface {
	Done() <-chan struct{}
	Stop()
}

// Client is the capability surface of the exchange consumed by the
// trading core. Implementations own request signing, framing and
// payload parsing; consumers only see typed records.
type Client interface {
	// GetBook fetches a top-of-book snapshot via REST.
	GetBook(ctx context.Context, symbol string, limit int) (*models.OrderBookSnapshot, error)
	// GetKlines fetches the most recent closed candles via REST.
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)

	SubscribeDepth(symbol string, levels int, onBook BookHandler, onErr func(error)) (Subscription, error)
	SubscribeCandles(symbol, interval string, onCandle CandleHandler, onErr func(error)) (Subscription, error)
	SubscribeUserEvents(ctx context.Context, onEvent OrderEventHandler, onErr func(error)) (Subscription, error)

	GetBalances(ctx context.Context) ([]models.AssetBalance, error)
	GetPositions(ctx context.Context, symbol string) ([]models.PositionInfo, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderRecord, error)
	GetTrades(ctx context.Context, symbol string, limit int) ([]models.TradeFill, error)

	PlaceOrder(ctx context.Context, intent models.OrderIntent, clientOrderID string) (*models.OrderRecord, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderRecord, error)

	// GetInstrumentFilters is consumed once at startup for price and
	// quantity rounding.
	GetInstrumentFilters(ctx context.Context, symbol string) (*models.InstrumentFilters, error)
	// KeepAliveUserStream extends the user-data stream session.
	KeepAliveUserStream(ctx context.Context) error
}

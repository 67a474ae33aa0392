package oms

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	appconfig "tradeflow/config"
	"tradeflow/exchange"
	"tradeflow/models"
)

// seqClient records the order of exchange calls so tests can assert the
// cancel-before-place discipline.
type seqClient struct {
	mu    sync.Mutex
	calls []string

	open      []models.OrderRecord
	cancelErr error
	placed    []models.OrderIntent
	placeErr  error
	status    models.OrderStatus
}

func (c *seqClient) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *seqClient) sequence() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *seqClient) GetBook(ctx context.Context, symbol string, limit int) (*models.OrderBookSnapshot, error) {
	return nil, fmt.Errorf("not implemented")
}

func (c *seqClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	return nil, nil
}

func (c *seqClient) SubscribeDepth(symbol string, levels int, onBook exchange.BookHandler, onErr func(error)) (exchange.Subscription, error) {
	return nil, fmt.Errorf("not implemented")
}

func (c *seqClient) SubscribeCandles(symbol, interval string, onCandle exchange.CandleHandler, onErr func(error)) (exchange.Subscription, error) {
	return nil, fmt.Errorf("not implemented")
}

func (c *seqClient) SubscribeUserEvents(ctx context.Context, onEvent exchange.OrderEventHandler, onErr func(error)) (exchange.Subscription, error) {
	return nil, fmt.Errorf("not implemented")
}

func (c *seqClient) GetBalances(ctx context.Context) ([]models.AssetBalance, error) {
	return nil, nil
}

func (c *seqClient) GetPositions(ctx context.Context, symbol string) ([]models.PositionInfo, error) {
	return nil, nil
}

func (c *seqClient) GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderRecord, error) {
	c.record("get_open_orders")
	return c.open, nil
}

func (c *seqClient) GetTrades(ctx context.Context, symbol string, limit int) ([]models.TradeFill, error) {
	return nil, nil
}

func (c *seqClient) PlaceOrder(ctx context.Context, intent models.OrderIntent, clientOrderID string) (*models.OrderRecord, error) {
	c.record("place")
	if c.placeErr != nil {
		return nil, c.placeErr
	}
	c.mu.Lock()
	c.placed = append(c.placed, intent)
	c.mu.Unlock()
	return &models.OrderRecord{
		Symbol:        intent.Symbol,
		OrderID:       int64(len(c.placed)),
		ClientOrderID: clientOrderID,
		Side:          intent.Side,
		Type:          intent.Type,
		Price:         intent.Price,
		Quantity:      intent.Quantity,
		Status:        models.OrderStatusNew,
	}, nil
}

func (c *seqClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	c.record(fmt.Sprintf("cancel_%d", orderID))
	return c.cancelErr
}

func (c *seqClient) GetOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderRecord, error) {
	c.record("get_order")
	status := c.status
	if status == "" {
		status = models.OrderStatusFilled
	}
	return &models.OrderRecord{Symbol: symbol, OrderID: orderID, Status: status}, nil
}

func (c *seqClient) GetInstrumentFilters(ctx context.Context, symbol string) (*models.InstrumentFilters, error) {
	return &models.InstrumentFilters{
		Symbol:            symbol,
		TickSize:          0.01,
		StepSize:          0.001,
		PricePrecision:    2,
		QuantityPrecision: 3,
	}, nil
}

func (c *seqClient) KeepAliveUserStream(ctx context.Context) error { return nil }

func omsConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Exchange.Symbol = "ETHUSDT"
	cfg.Orders.TimeInForce = "GTC"
	cfg.Orders.LimitSettleWait = time.Millisecond
	cfg.Orders.MarketSettleWait = time.Millisecond
	return cfg
}

func newStartedCoordinator(t *testing.T, client *seqClient) *Coordinator {
	t.Helper()
	c := NewCoordinator(omsConfig(), client)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	return c
}

func TestCancelBeforePlace(t *testing.T) {
	client := &seqClient{
		open: []models.OrderRecord{
			{Symbol: "ETHUSDT", OrderID: 7},
			{Symbol: "ETHUSDT", OrderID: 9},
		},
	}
	c := newStartedCoordinator(t, client)

	_, err := c.PlaceManagedOrder(context.Background(), models.OrderIntent{
		Side: models.SideBuy, Type: models.OrderTypeLimit, Quantity: 0.1, Price: 2500.0,
	})
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}

	seq := client.sequence()
	placeAt := -1
	lastCancel := -1
	for i, call := range seq {
		switch {
		case call == "place":
			placeAt = i
		case call == "cancel_7" || call == "cancel_9":
			lastCancel = i
		}
	}
	if placeAt < 0 || lastCancel < 0 {
		t.Fatalf("missing calls in sequence %v", seq)
	}
	if lastCancel > placeAt {
		t.Fatalf("order placed before all cancels attempted: %v", seq)
	}
}

func TestNoOpenOrdersIsSuccess(t *testing.T) {
	client := &seqClient{}
	c := newStartedCoordinator(t, client)

	rec, err := c.PlaceManagedOrder(context.Background(), models.OrderIntent{
		Side: models.SideSell, Type: models.OrderTypeLimit, Quantity: 0.1, Price: 2500.0,
	})
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if rec.Status != models.OrderStatusFilled {
		t.Fatalf("unexpected settled status %v", rec.Status)
	}
}

func TestCancelFailureDoesNotBlockPlacement(t *testing.T) {
	client := &seqClient{
		open:      []models.OrderRecord{{Symbol: "ETHUSDT", OrderID: 3}},
		cancelErr: fmt.Errorf("unknown order"),
	}
	c := newStartedCoordinator(t, client)

	if _, err := c.PlaceManagedOrder(context.Background(), models.OrderIntent{
		Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: 0.5,
	}); err != nil {
		t.Fatalf("place failed: %v", err)
	}

	found := false
	for _, call := range client.sequence() {
		if call == "place" {
			found = true
		}
	}
	if !found {
		t.Fatal("placement must proceed despite cancel failure")
	}
}

func TestPriceAndQuantityRounding(t *testing.T) {
	client := &seqClient{}
	c := newStartedCoordinator(t, client)

	if _, err := c.PlaceManagedOrder(context.Background(), models.OrderIntent{
		Side: models.SideBuy, Type: models.OrderTypeLimit, Quantity: 0.10049, Price: 2500.018,
	}); err != nil {
		t.Fatalf("place failed: %v", err)
	}

	client.mu.Lock()
	placed := client.placed[0]
	client.mu.Unlock()

	if diff := placed.Price - 2500.02; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("price not rounded to tick: %v", placed.Price)
	}
	if diff := placed.Quantity - 0.1; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("quantity not rounded to step: %v", placed.Quantity)
	}
}

func TestPlaceErrorSurfaces(t *testing.T) {
	client := &seqClient{placeErr: fmt.Errorf("insufficient margin")}
	c := newStartedCoordinator(t, client)

	if _, err := c.PlaceManagedOrder(context.Background(), models.OrderIntent{
		Side: models.SideBuy, Type: models.OrderTypeLimit, Quantity: 0.1, Price: 2500.0,
	}); err == nil {
		t.Fatal("expected placement error to surface")
	}
}

func TestRoundToStep(t *testing.T) {
	cases := []struct {
		value, step, want float64
	}{
		{2500.018, 0.01, 2500.02},
		{0.10049, 0.001, 0.1},
		{1.5, 0, 1.5},
		{2499.994, 0.01, 2499.99},
	}
	for _, tc := range cases {
		got := roundToStep(tc.value, tc.step)
		if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("roundToStep(%v, %v) = %v, want %v", tc.value, tc.step, got, tc.want)
		}
	}
}

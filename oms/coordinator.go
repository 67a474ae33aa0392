package oms

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "tradeflow/config"
	"tradeflow/exchange"
	"tradeflow/logger"
	"tradeflow/models"
)

// Coordinator executes one cancel+place+wait cycle per call. It cancels
// every open order for the instrument, submits the new order rounded to
// the instrument's tick and step, waits a fixed settling interval and
// returns the refreshed order state. Retrying toward a fill is the
// caller's job.
type Coordinator struct {
	config  *appconfig.Config
	client  exchange.Client
	log     *logger.Log
	symbol  string
	filters models.InstrumentFilters

	// mu serializes managed cycles so cancel and place from different
	// initiators never interleave.
	mu sync.Mutex
}

// NewCoordinator creates a coordinator for the configured instrument.
func NewCoordinator(cfg *appconfig.Config, client exchange.Client) *Coordinator {
	return &Coordinator{
		config: cfg,
		client: client,
		log:    logger.GetLogger(),
		symbol: cfg.Exchange.Symbol,
	}
}

// Start fetches the instrument's tick and step filters, consumed once
// for all subsequent rounding.
func (c *Coordinator) Start(ctx context.Context) error {
	filters, err := c.client.GetInstrumentFilters(ctx, c.symbol)
	if err != nil {
		return fmt.Errorf("failed to load instrument filters for %s: %w", c.symbol, err)
	}
	c.filters = *filters

	c.log.WithComponent("order_coordinator").WithFields(logger.Fields{
		"symbol":    c.symbol,
		"tick_size": filters.TickSize,
		"step_size": filters.StepSize,
	}).Info("instrument filters loaded")
	return nil
}

// Filters returns the instrument filters loaded at Start.
func (c *Coordinator) Filters() models.InstrumentFilters {
	return c.filters
}

// PlaceManagedOrder runs one managed cycle for the intent. Cancellation
// failures are logged and do not block the placement. The returned
// record carries the post-settle status; a non-FILLED result is not an
// error, the caller re-evaluates and retries on its own cadence.
func (c *Coordinator) PlaceManagedOrder(ctx context.Context, intent models.OrderIntent) (*models.OrderRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.log.WithComponent("order_coordinator").WithFields(logger.Fields{
		"symbol":   c.symbol,
		"side":     intent.Side,
		"type":     intent.Type,
		"quantity": intent.Quantity,
	})

	c.cancelAllOpen(ctx, log)

	rounded := intent
	rounded.Symbol = c.symbol
	rounded.Quantity = roundToStep(intent.Quantity, c.filters.StepSize)
	if intent.Type == models.OrderTypeLimit {
		rounded.Price = roundToStep(intent.Price, c.filters.TickSize)
	}

	clientOrderID := uuid.NewString()
	record, err := c.client.PlaceOrder(ctx, rounded, clientOrderID)
	if err != nil {
		log.WithError(err).Error("failed to place order")
		return nil, err
	}

	log.WithFields(logger.Fields{
		"order_id":        record.OrderID,
		"client_order_id": clientOrderID,
		"price":           rounded.Price,
	}).Info("order placed")
	logger.IncrementOrderPlaced()

	c.settle(ctx, rounded.Type)

	refreshed, err := c.client.GetOrder(ctx, c.symbol, record.OrderID)
	if err != nil {
		log.WithError(err).Warn("failed to refresh order status after settle")
		return record, nil
	}

	log.WithFields(logger.Fields{
		"order_id":     refreshed.OrderID,
		"status":       refreshed.Status,
		"executed_qty": refreshed.ExecutedQty,
	}).Info("managed order settled")
	return refreshed, nil
}

// cancelAllOpen best-effort cancels every open order for the
// instrument. No open orders is success. Fetch or cancel failures are
// logged and placement proceeds anyway.
func (c *Coordinator) cancelAllOpen(ctx context.Context, log *logger.Entry) {
	open, err := c.client.GetOpenOrders(ctx, c.symbol)
	if err != nil {
		log.WithError(err).Warn("failed to fetch open orders before placement")
		return
	}
	if len(open) == 0 {
		log.Debug("no open orders to cancel")
		return
	}

	for _, order := range open {
		if err := c.client.CancelOrder(ctx, c.symbol, order.OrderID); err != nil {
			log.WithError(err).WithFields(logger.Fields{"order_id": order.OrderID}).Warn("failed to cancel open order")
			continue
		}
		log.WithFields(logger.Fields{"order_id": order.OrderID}).Info("canceled open order")
		logger.IncrementOrderCanceled()
	}
}

func (c *Coordinator) settle(ctx context.Context, orderType models.OrderType) {
	wait := c.config.Orders.LimitSettleWait
	if orderType == models.OrderTypeMarket {
		wait = c.config.Orders.MarketSettleWait
	}
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

// roundToStep snaps a value to the nearest multiple of step.
func roundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Round(value/step) * step
}

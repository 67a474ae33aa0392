package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	appconfig "tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
	"tradeflow/position"
)

// BookSource supplies the latest top-of-book snapshot.
type BookSource interface {
	CurrentBook() (models.OrderBookSnapshot, bool)
}

// PnlSource supplies the latest realized PnL.
type PnlSource interface {
	RealizedPnl() float64
}

// OrderPlacer executes one managed cancel+place+wait cycle.
type OrderPlacer interface {
	PlaceManagedOrder(ctx context.Context, intent models.OrderIntent) (*models.OrderRecord, error)
}

// SnapshotSink receives one risk record per evaluation cycle.
type SnapshotSink interface {
	LogRiskSnapshot(models.RiskSnapshot)
}

// Controller evaluates the position against the configured thresholds
// on a fixed cadence and de-risks through the order placer. Escalation
// tiers are checked in a fixed order each cycle: portfolio notional,
// direct loss, profit booking, drawdown, then the wider aggressive
// stop.
type Controller struct {
	config  *appconfig.Config
	store   *position.Store
	books   BookSource
	pnl     PnlSource
	orders  OrderPlacer
	sink    SnapshotSink
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	symbol  string
	peakPnl float64

	flagMu   sync.RWMutex
	riskFlag bool
}

// NewController wires the controller against its collaborators. sink
// may be nil when snapshot persistence is disabled.
func NewController(cfg *appconfig.Config, store *position.Store, books BookSource, pnl PnlSource, orders OrderPlacer, sink SnapshotSink) *Controller {
	return &Controller{
		config:   cfg,
		store:    store,
		books:    books,
		pnl:      pnl,
		orders:   orders,
		sink:     sink,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		symbol:   cfg.Exchange.Symbol,
		riskFlag: true,
	}
}

// Start launches the periodic evaluation worker.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("risk controller already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	c.log.WithComponent("risk_controller").WithFields(logger.Fields{
		"symbol":       c.symbol,
		"interval":     c.config.Risk.Interval,
		"max_notional": c.config.Risk.MaxNotional,
	}).Info("starting risk controller")

	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop waits for the evaluation worker to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.log.WithComponent("risk_controller").Info("stopping risk controller")
	c.wg.Wait()
	c.log.WithComponent("risk_controller").Info("risk controller stopped")
}

// RiskEnabled reports whether the controller is idle. It is false while
// a liquidation is in progress.
func (c *Controller) RiskEnabled() bool {
	c.flagMu.RLock()
	defer c.flagMu.RUnlock()
	return c.riskFlag
}

func (c *Controller) setRiskFlag(v bool) {
	c.flagMu.Lock()
	c.riskFlag = v
	c.flagMu.Unlock()
}

func (c *Controller) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Risk.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.evaluate(c.ctx)
		}
	}
}

// evaluate runs one risk cycle against the current position, entry
// price and book.
func (c *Controller) evaluate(ctx context.Context) {
	log := c.log.WithComponent("risk_controller")

	info, ok := c.store.Snapshot()
	if !ok {
		log.Debug("position not yet known, skipping risk cycle")
		return
	}
	pos := info.PositionAmt
	entry := info.EntryPrice

	book, ok := c.books.CurrentBook()
	if !ok {
		log.Warn("order book unavailable, skipping risk cycle")
		return
	}
	bid, bidOK := book.BestBid()
	ask, askOK := book.BestAsk()
	if !bidOK || !askOK {
		log.Warn("book has an empty side, skipping risk cycle")
		return
	}

	var unrealized float64
	if pos > 0 {
		unrealized = pos * (bid.Price - entry)
	} else {
		unrealized = pos * (entry - ask.Price)
	}
	realized := c.pnl.RealizedPnl()

	log.WithFields(logger.Fields{
		"position":   pos,
		"entry":      entry,
		"unrealized": unrealized,
		"realized":   realized,
	}).Info("risk cycle")

	if c.sink != nil {
		c.sink.LogRiskSnapshot(models.RiskSnapshot{
			Timestamp:     time.Now().UTC(),
			Position:      pos,
			UnrealizedPnl: unrealized,
			EntryPrice:    entry,
			RealizedPnl:   realized,
		})
	}

	cfg := c.config.Risk
	absPos := math.Abs(pos)

	if math.Abs(pos*entry) > cfg.MaxNotional {
		log.WithFields(logger.Fields{
			"notional": math.Abs(pos * entry),
			"max":      cfg.MaxNotional,
		}).Warn("notional limit exceeded, liquidating half the position")
		c.liquidate(ctx, 0.5, cfg.Aggressiveness)
	}

	lossFloor := -cfg.MaxDirectLoss * entry * absPos
	if unrealized < lossFloor && absPos > cfg.MinExposure {
		log.WithFields(logger.Fields{
			"unrealized": unrealized,
			"floor":      lossFloor,
		}).Warn("direct loss stop hit, liquidating the full position")
		c.liquidate(ctx, 1.0, cfg.Aggressiveness)
	} else if unrealized > cfg.TakeProfitPnl {
		log.WithFields(logger.Fields{
			"unrealized": unrealized,
			"target":     cfg.TakeProfitPnl,
		}).Warn("take profit reached, booking half the position")
		c.liquidate(ctx, 0.5, cfg.Aggressiveness)
	}

	if realized >= c.peakPnl {
		c.peakPnl = realized
	}
	if realized > cfg.DrawdownActivationPnl && c.peakPnl > 0 {
		if realized/c.peakPnl <= 1-cfg.MaxDrawdown {
			log.WithFields(logger.Fields{
				"realized": realized,
				"peak":     c.peakPnl,
			}).Warn("max drawdown exceeded, liquidating half the position")
			c.liquidate(ctx, 0.5, cfg.Aggressiveness)
		}
	}

	if unrealized < 3*lossFloor {
		log.WithFields(logger.Fields{
			"unrealized": unrealized,
			"floor":      3 * lossFloor,
		}).Warn("aggressive stop hit, liquidating the full position deep in the book")
		c.liquidate(ctx, 1.0, cfg.AggressiveStopLevel)
	}
}

// liquidate repeatedly quotes a reducing limit order priced between the
// touch prices, weighted by aggressiveness (0 passive, 1 crossing the
// spread). The position is re-read from the store every iteration and
// the loop exits once it falls below the residual-flat threshold or a
// fill is confirmed.
func (c *Controller) liquidate(ctx context.Context, ratio, aggressiveness float64) {
	log := c.log.WithComponent("risk_controller").WithFields(logger.Fields{
		"operation": "liquidate",
		"ratio":     ratio,
	})

	c.setRiskFlag(false)
	defer c.setRiskFlag(true)
	logger.IncrementLiquidation()

	for {
		if ctx.Err() != nil {
			return
		}

		info, ok := c.store.Snapshot()
		if !ok {
			log.Warn("position unknown during liquidation, stopping")
			return
		}
		pos := info.PositionAmt
		if math.Abs(pos) <= c.config.Risk.ResidualFlat {
			log.WithFields(logger.Fields{"position": pos}).Info("position sufficiently reduced")
			return
		}

		book, bookOK := c.books.CurrentBook()
		if bookOK {
			bid, bidOK := book.BestBid()
			ask, askOK := book.BestAsk()
			if bidOK && askOK {
				var price float64
				var side models.Side
				if pos > 0 {
					// Work down from the ask toward the bid.
					side = models.SideSell
					price = ask.Price - aggressiveness*(ask.Price-bid.Price)
				} else {
					side = models.SideBuy
					price = bid.Price + aggressiveness*(ask.Price-bid.Price)
				}

				record, err := c.orders.PlaceManagedOrder(ctx, models.OrderIntent{
					Symbol:   c.symbol,
					Side:     side,
					Type:     models.OrderTypeLimit,
					Quantity: math.Abs(pos) * ratio,
					Price:    price,
				})
				if err != nil {
					log.WithError(err).Warn("liquidation order failed, requoting")
				} else {
					log.WithFields(logger.Fields{
						"position": pos,
						"price":    price,
						"status":   record.Status,
					}).Warn("liquidation order settled")
					if record.Status == models.OrderStatusFilled {
						if after, ok := c.store.Snapshot(); ok {
							log.WithFields(logger.Fields{"position": after.PositionAmt}).Info("position after liquidation")
						}
						return
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.Risk.RequoteDelay):
		}
	}
}

// FlattenAtMarket bypasses the requote loop and sends a single market
// order sized to fully flatten the current position.
func (c *Controller) FlattenAtMarket(ctx context.Context) error {
	info, ok := c.store.Snapshot()
	if !ok {
		return fmt.Errorf("position unknown, cannot flatten")
	}
	pos := info.PositionAmt
	if math.Abs(pos) <= c.config.Risk.ResidualFlat {
		return nil
	}

	side := models.SideSell
	if pos < 0 {
		side = models.SideBuy
	}

	c.setRiskFlag(false)
	defer c.setRiskFlag(true)
	logger.IncrementLiquidation()

	c.log.WithComponent("risk_controller").WithFields(logger.Fields{
		"position": pos,
		"side":     side,
	}).Warn("flattening position at market")

	_, err := c.orders.PlaceManagedOrder(ctx, models.OrderIntent{
		Symbol:   c.symbol,
		Side:     side,
		Type:     models.OrderTypeMarket,
		Quantity: math.Abs(pos),
	})
	return err
}

package trader

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
	"tradeflow/signal"
)

// BookSource supplies the latest top-of-book snapshot.
type BookSource interface {
	CurrentBook() (models.OrderBookSnapshot, bool)
}

// PnlSource supplies the latest realized PnL.
type PnlSource interface {
	RealizedPnl() float64
}

// OrderExecutor runs managed order cycles and exposes the instrument
// filters loaded at startup.
type OrderExecutor interface {
	PlaceManagedOrder(ctx context.Context, intent models.OrderIntent) (*models.OrderRecord, error)
	Filters() models.InstrumentFilters
}

// Supervisor is the top-level trading loop: it drains the signal queue,
// enforces the single-instrument position limit and works each signal
// one tick inside the touch until it fills or the book goes away. A
// failed iteration is logged and the loop continues.
type Supervisor struct {
	config  *appconfig.Config
	engine  *signal.Engine
	store   *position.Store
	books   BookSource
	pnl     PnlSource
	orders  OrderExecutor
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	symbol string
}

// NewSupervisor wires the supervisor against its collaborators.
func NewSupervisor(cfg *appconfig.Config, engine *signal.Engine, store *position.Store, books BookSource, pnl PnlSource, orders OrderExecutor) *Supervisor {
	return &Supervisor{
		config: cfg,
		engine: engine,
		store:  store,
		books:  books,
		pnl:    pnl,
		orders: orders,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
		symbol: cfg.Exchange.Symbol,
	}
}

// Start launches the trading loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("trading supervisor already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	s.log.WithComponent("trading_supervisor").WithFields(logger.Fields{
		"symbol":       s.symbol,
		"max_position": s.config.Trading.MaxPosition,
	}).Info("starting trading supervisor")

	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop waits for the trading loop to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.log.WithComponent("trading_supervisor").Info("stopping trading supervisor")
	s.wg.Wait()
	s.log.WithComponent("trading_supervisor").Info("trading supervisor stopped")
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	log := s.log.WithComponent("trading_supervisor")

	for {
		sig, err := s.engine.Generate(s.ctx)
		if err != nil {
			return
		}

		pos, _ := s.store.Snapshot()
		log.WithFields(logger.Fields{
			"side":     sig.Side,
			"quantity": sig.Quantity,
			"position": pos.PositionAmt,
			"realized": s.pnl.RealizedPnl(),
		}).Info("working signal")

		if sig.Quantity <= 0 {
			continue
		}

		s.workSignal(sig, log)
	}
}

// workSignal loops one signal until a fill is confirmed or the book
// becomes unavailable. The position limit is re-checked every iteration
// against the store.
func (s *Supervisor) workSignal(sig signal.Signal, log *logger.Entry) {
	limit := s.config.Trading.MaxPosition
	tick := s.orders.Filters().TickSize

	for {
		if s.ctx.Err() != nil {
			return
		}

		book, ok := s.books.CurrentBook()
		if !ok {
			log.Warn("order book unavailable, abandoning signal")
			return
		}
		bid, bidOK := book.BestBid()
		ask, askOK := book.BestAsk()
		if !bidOK || !askOK {
			log.Warn("book has an empty side, abandoning signal")
			return
		}

		pos, _ := s.store.Snapshot()
		current := pos.PositionAmt

		var intent models.OrderIntent
		switch {
		case current >= limit:
			if sig.Side == models.SideSell {
				log.WithFields(logger.Fields{"position": current}).Info("long limit exceeded, reduce order allowed")
				intent = s.limitIntent(models.SideSell, sig.Quantity, ask.Price)
			} else {
				qty := math.Abs(current-limit) + s.config.Trading.ReduceBuffer
				log.WithFields(logger.Fields{"position": current, "quantity": qty}).Warn("long limit exceeded, proactively reducing")
				intent = s.limitIntent(models.SideSell, qty, ask.Price-tick)
			}
		case current <= -limit:
			if sig.Side == models.SideBuy {
				log.WithFields(logger.Fields{"position": current}).Info("short limit exceeded, reduce order allowed")
				intent = s.limitIntent(models.SideBuy, sig.Quantity, bid.Price)
			} else {
				qty := math.Abs(current+limit) + s.config.Trading.ReduceBuffer
				log.WithFields(logger.Fields{"position": current, "quantity": qty}).Warn("short limit exceeded, proactively reducing")
				intent = s.limitIntent(models.SideBuy, qty, bid.Price+tick)
			}
		default:
			// One tick inside the touch for queue priority.
			if sig.Side == models.SideBuy {
				intent = s.limitIntent(models.SideBuy, sig.Quantity, bid.Price+tick)
			} else {
				intent = s.limitIntent(models.SideSell, sig.Quantity, ask.Price-tick)
			}
		}

		record, err := s.orders.PlaceManagedOrder(s.ctx, intent)
		if err != nil {
			log.WithError(err).Warn("managed order failed, retrying signal")
		} else if record.Status == models.OrderStatusFilled {
			log.WithFields(logger.Fields{
				"order_id": record.OrderID,
				"price":    intent.Price,
			}).Info("signal filled")
			return
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.config.Trading.RetryDelay):
		}
	}
}

func (s *Supervisor) limitIntent(side models.Side, quantity, price float64) models.OrderIntent {
	return models.OrderIntent{
		Symbol:   s.symbol,
		Side:     side,
		Type:     models.OrderTypeLimit,
		Quantity: quantity,
		Price:    price,
	}
}

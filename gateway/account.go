package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	appconfig "tradeflow/config"
	"tradeflow/exchange"
	"tradeflow/logger"
	"tradeflow/models"
	"tradeflow/position"
)

// AccountGateway mirrors account state from the exchange through a set
// of independent polling loops plus the user-data event stream. Each
// loop survives any individual failure: errors are logged and the next
// iteration proceeds, so one degraded feed never takes down the rest.
type AccountGateway struct {
	config  *appconfig.Config
	client  exchange.Client
	store   *position.Store
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	symbol  string
	limiter *rate.Limiter

	stateMu     sync.RWMutex
	balances    []models.AssetBalance
	realizedPnl float64
	openOrders  []models.OrderRecord
	trades      []models.TradeFill

	pnlSubs       []func(realized float64, balances []models.AssetBalance)
	positionSubs  []func(models.PositionInfo)
	openOrderSubs []func([]models.OrderRecord)
	tradeSubs     []func([]models.TradeFill)
	executionSubs []exchange.OrderEventHandler
}

// NewAccountGateway creates a gateway that publishes position updates
// into the given store.
func NewAccountGateway(cfg *appconfig.Config, client exchange.Client, store *position.Store) *AccountGateway {
	return &AccountGateway{
		config:  cfg,
		client:  client,
		store:   store,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
		symbol:  cfg.Exchange.Symbol,
		limiter: rate.NewLimiter(rate.Limit(cfg.Account.PnlRateLimit.RequestsPerSecond), cfg.Account.PnlRateLimit.BurstSize),
	}
}

// SubscribePnl registers a callback for each balance refresh. Register
// before Start. Callbacks run synchronously in registration order.
func (g *AccountGateway) SubscribePnl(fn func(realized float64, balances []models.AssetBalance)) {
	g.pnlSubs = append(g.pnlSubs, fn)
}

// SubscribePosition registers a callback for each position refresh.
func (g *AccountGateway) SubscribePosition(fn func(models.PositionInfo)) {
	g.positionSubs = append(g.positionSubs, fn)
}

// SubscribeOpenOrders registers a callback for each open-order refresh.
func (g *AccountGateway) SubscribeOpenOrders(fn func([]models.OrderRecord)) {
	g.openOrderSubs = append(g.openOrderSubs, fn)
}

// SubscribeTrades registers a callback for each trade-history refresh.
func (g *AccountGateway) SubscribeTrades(fn func([]models.TradeFill)) {
	g.tradeSubs = append(g.tradeSubs, fn)
}

// SubscribeExecutions registers a callback for order lifecycle events
// from the user-data stream.
func (g *AccountGateway) SubscribeExecutions(fn exchange.OrderEventHandler) {
	g.executionSubs = append(g.executionSubs, fn)
}

// Start launches the polling loops, the stream keepalive, and the
// user-data event stream.
func (g *AccountGateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return fmt.Errorf("account gateway already running")
	}
	g.running = true
	g.ctx = ctx
	g.mu.Unlock()

	log := g.log.WithComponent("account_gateway").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"symbol":        g.symbol,
		"poll_interval": g.config.Account.PollInterval,
	}).Info("starting account gateway")

	g.wg.Add(5)
	go g.pnlLoop()
	go g.positionLoop()
	go g.openOrdersLoop()
	go g.tradesLoop()
	go g.executionLoop()

	log.Info("account gateway started successfully")
	return nil
}

// Stop waits for all loops to exit. Cancel the Start context first.
func (g *AccountGateway) Stop() {
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()

	g.log.WithComponent("account_gateway").Info("stopping account gateway")
	g.wg.Wait()
	g.log.WithComponent("account_gateway").Info("account gateway stopped")
}

// RealizedPnl returns the latest realized PnL, the signed sum of the
// per-asset PnL contributions from the last balance refresh.
func (g *AccountGateway) RealizedPnl() float64 {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.realizedPnl
}

// PositionInfo returns the latest position from the store. ok is false
// until the first successful position refresh.
func (g *AccountGateway) PositionInfo() (models.PositionInfo, bool) {
	return g.store.Snapshot()
}

// Balances returns the balances from the last refresh.
func (g *AccountGateway) Balances() []models.AssetBalance {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	out := make([]models.AssetBalance, len(g.balances))
	copy(out, g.balances)
	return out
}

// OpenOrders returns the open orders from the last refresh.
func (g *AccountGateway) OpenOrders() []models.OrderRecord {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	out := make([]models.OrderRecord, len(g.openOrders))
	copy(out, g.openOrders)
	return out
}

// TradeHistory returns the recent fills from the last refresh.
func (g *AccountGateway) TradeHistory() []models.TradeFill {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	out := make([]models.TradeFill, len(g.trades))
	copy(out, g.trades)
	return out
}

// pnlLoop refreshes balances continuously, paced only by the rate
// limiter so realized PnL stays as fresh as the request budget allows.
func (g *AccountGateway) pnlLoop() {
	defer g.wg.Done()

	log := g.log.WithComponent("account_gateway").WithFields(logger.Fields{"worker": "pnl"})

	for {
		if err := g.limiter.Wait(g.ctx); err != nil {
			return
		}

		balances, err := g.client.GetBalances(g.ctx)
		if err != nil {
			if g.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("failed to fetch balances")
			continue
		}

		realized := 0.0
		for _, b := range balances {
			realized += b.CrossPnl
		}

		g.stateMu.Lock()
		g.balances = balances
		g.realizedPnl = realized
		g.stateMu.Unlock()

		for _, fn := range g.pnlSubs {
			fn(realized, balances)
		}
	}
}

func (g *AccountGateway) positionLoop() {
	defer g.wg.Done()

	log := g.log.WithComponent("account_gateway").WithFields(logger.Fields{"worker": "position"})
	ticker := time.NewTicker(g.config.Account.PollInterval)
	defer ticker.Stop()

	g.refreshPosition(log)
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.refreshPosition(log)
		}
	}
}

func (g *AccountGateway) refreshPosition(log *logger.Entry) {
	positions, err := g.client.GetPositions(g.ctx, g.symbol)
	if err != nil {
		if g.ctx.Err() == nil {
			log.WithError(err).Warn("failed to fetch position")
		}
		return
	}
	for _, p := range positions {
		if p.Symbol != g.symbol {
			continue
		}
		g.store.Update(p)
		for _, fn := range g.positionSubs {
			fn(p)
		}
		return
	}
	// No row for the symbol means flat.
	flat := models.PositionInfo{Symbol: g.symbol, UpdatedAt: time.Now().UTC()}
	g.store.Update(flat)
	for _, fn := range g.positionSubs {
		fn(flat)
	}
}

func (g *AccountGateway) openOrdersLoop() {
	defer g.wg.Done()

	log := g.log.WithComponent("account_gateway").WithFields(logger.Fields{"worker": "open_orders"})
	ticker := time.NewTicker(g.config.Account.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			orders, err := g.client.GetOpenOrders(g.ctx, g.symbol)
			if err != nil {
				if g.ctx.Err() == nil {
					log.WithError(err).Warn("failed to fetch open orders")
				}
				continue
			}
			g.stateMu.Lock()
			g.openOrders = orders
			g.stateMu.Unlock()
			for _, fn := range g.openOrderSubs {
				fn(orders)
			}
		}
	}
}

func (g *AccountGateway) tradesLoop() {
	defer g.wg.Done()

	log := g.log.WithComponent("account_gateway").WithFields(logger.Fields{"worker": "trades"})
	ticker := time.NewTicker(g.config.Account.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			trades, err := g.client.GetTrades(g.ctx, g.symbol, g.config.Account.TradeHistoryLimit)
			if err != nil {
				if g.ctx.Err() == nil {
					log.WithError(err).Warn("failed to fetch trade history")
				}
				continue
			}
			g.stateMu.Lock()
			g.trades = trades
			g.stateMu.Unlock()
			for _, fn := range g.tradeSubs {
				fn(trades)
			}
		}
	}
}

// executionLoop keeps the user-data stream alive: it resubscribes after
// any disconnect and sends listen-key keepalives while connected.
func (g *AccountGateway) executionLoop() {
	defer g.wg.Done()

	log := g.log.WithComponent("account_gateway").WithFields(logger.Fields{"worker": "executions"})

	for {
		if g.ctx.Err() != nil {
			return
		}

		sub, err := g.client.SubscribeUserEvents(g.ctx, g.onExecution, func(err error) {
			log.WithError(err).Warn("user event stream error")
		})
		if err != nil {
			log.WithError(err).Warn("failed to subscribe to user events, retrying")
			g.sleep(g.config.Exchange.ReconnectDelay)
			continue
		}

		log.Info("user event stream connected")

		keepalive := time.NewTicker(g.config.Account.KeepaliveInterval)
	connected:
		for {
			select {
			case <-g.ctx.Done():
				keepalive.Stop()
				sub.Stop()
				<-sub.Done()
				return
			case <-sub.Done():
				keepalive.Stop()
				log.Warn("user event stream closed, reconnecting")
				g.sleep(g.config.Exchange.ReconnectDelay)
				break connected
			case <-keepalive.C:
				if err := g.client.KeepAliveUserStream(g.ctx); err != nil {
					log.WithError(err).Warn("user stream keepalive failed")
				}
			}
		}
	}
}

func (g *AccountGateway) onExecution(ev models.OrderEvent) {
	for _, fn := range g.executionSubs {
		fn(ev)
	}
}

func (g *AccountGateway) sleep(d time.Duration) {
	select {
	case <-g.ctx.Done():
	case <-time.After(d):
	}
}

package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "tradeflow/config"
	"tradeflow/exchange"
	"tradeflow/logger"
	"tradeflow/models"
)

// MarketDataGateway maintains the live best bid/ask and the rolling
// candle window for the instrument through reconnecting subscriptions.
// Stream failures mark the book stale and trigger an unconditional
// retry after a short fixed delay.
type MarketDataGateway struct {
	config  *appconfig.Config
	client  exchange.Client
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	symbol string

	bookMu sync.RWMutex
	book   models.OrderBookSnapshot
	bookOK bool

	candleMu     sync.RWMutex
	window       *models.CandleWindow
	lastAccepted time.Time

	// Callback lists are append-only during setup and iterated without
	// mutation at runtime.
	bookSubs   []exchange.BookHandler
	candleSubs []exchange.CandleHandler
}

// NewMarketDataGateway creates a gateway for the configured instrument.
func NewMarketDataGateway(cfg *appconfig.Config, client exchange.Client) *MarketDataGateway {
	return &MarketDataGateway{
		config: cfg,
		client: client,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
		symbol: cfg.Exchange.Symbol,
		window: models.NewCandleWindow(cfg.Exchange.CandleWindow),
	}
}

// SubscribeBook registers a push callback invoked on every book update
// in arrival order. Register before Start; callbacks must be fast or
// hand work off, slow callbacks degrade book freshness.
func (g *MarketDataGateway) SubscribeBook(fn exchange.BookHandler) {
	g.bookSubs = append(g.bookSubs, fn)
}

// SubscribeCandle registers a push callback for accepted closed
// candles. Register before Start.
func (g *MarketDataGateway) SubscribeCandle(fn exchange.CandleHandler) {
	g.candleSubs = append(g.candleSubs, fn)
}

// Start launches the depth and candle workers.
func (g *MarketDataGateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return fmt.Errorf("market data gateway already running")
	}
	g.running = true
	g.ctx = ctx
	g.mu.Unlock()

	log := g.log.WithComponent("market_gateway").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"symbol":   g.symbol,
		"depth":    g.config.Exchange.BookDepth,
		"interval": g.config.Exchange.CandleInterval,
	}).Info("starting market data gateway")

	g.wg.Add(2)
	go g.depthWorker()
	go g.candleWorker()

	log.Info("market data gateway started successfully")
	return nil
}

// Stop waits for all workers to exit. Cancel the Start context first.
func (g *MarketDataGateway) Stop() {
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()

	g.log.WithComponent("market_gateway").Info("stopping market data gateway")
	g.wg.Wait()
	g.log.WithComponent("market_gateway").Info("market data gateway stopped")
}

// CurrentBook returns the latest snapshot. ok is false until the first
// update arrives and while the book is stale after a stream error.
func (g *MarketDataGateway) CurrentBook() (models.OrderBookSnapshot, bool) {
	g.bookMu.RLock()
	defer g.bookMu.RUnlock()
	return g.book, g.bookOK
}

// Window returns a copy of the rolling candle window.
func (g *MarketDataGateway) Window() *models.CandleWindow {
	g.candleMu.RLock()
	defer g.candleMu.RUnlock()
	return g.window.Clone()
}

func (g *MarketDataGateway) depthWorker() {
	defer g.wg.Done()

	log := g.log.WithComponent("market_gateway").WithFields(logger.Fields{
		"symbol": g.symbol,
		"worker": "depth_stream",
	})

	for {
		if g.ctx.Err() != nil {
			return
		}

		sub, err := g.client.SubscribeDepth(g.symbol, g.config.Exchange.BookDepth, g.onBook, func(err error) {
			log.WithError(err).Warn("depth stream error")
		})
		if err != nil {
			log.WithError(err).Warn("failed to subscribe to depth stream, retrying")
			g.markBookStale()
			g.sleep(g.config.Exchange.ReconnectDelay)
			continue
		}

		log.Info("depth stream connected")

		select {
		case <-g.ctx.Done():
			sub.Stop()
			<-sub.Done()
			return
		case <-sub.Done():
			log.Warn("depth stream closed, reconnecting")
			g.markBookStale()
			g.sleep(g.config.Exchange.ReconnectDelay)
		}
	}
}

func (g *MarketDataGateway) onBook(book models.OrderBookSnapshot) {
	g.bookMu.Lock()
	g.book = book
	g.bookOK = true
	g.bookMu.Unlock()

	logger.IncrementBookUpdate()

	for _, fn := range g.bookSubs {
		fn(book)
	}
}

func (g *MarketDataGateway) markBookStale() {
	g.bookMu.Lock()
	g.bookOK = false
	g.bookMu.Unlock()
}

func (g *MarketDataGateway) candleWorker() {
	defer g.wg.Done()

	log := g.log.WithComponent("market_gateway").WithFields(logger.Fields{
		"symbol": g.symbol,
		"worker": "candle_stream",
	})

	g.seedWindow(log)

	for {
		if g.ctx.Err() != nil {
			return
		}

		sub, err := g.client.SubscribeCandles(g.symbol, g.config.Exchange.CandleInterval, g.onCandle, func(err error) {
			log.WithError(err).Warn("candle stream error")
		})
		if err != nil {
			log.WithError(err).Warn("failed to subscribe to candle stream, retrying")
			g.sleep(g.config.Exchange.ReconnectDelay)
			continue
		}

		log.Info("candle stream connected")

		select {
		case <-g.ctx.Done():
			sub.Stop()
			<-sub.Done()
			return
		case <-sub.Done():
			log.Warn("candle stream closed, reconnecting")
			g.sleep(g.config.Exchange.ReconnectDelay)
		}
	}
}

// seedWindow fills the window from REST history so signals have context
// before the first streamed candle closes.
func (g *MarketDataGateway) seedWindow(log *logger.Entry) {
	for {
		if g.ctx.Err() != nil {
			return
		}
		candles, err := g.client.GetKlines(g.ctx, g.symbol, g.config.Exchange.CandleInterval, g.config.Exchange.CandleWindow)
		if err != nil {
			log.WithError(err).Warn("failed to seed candle window, retrying")
			g.sleep(g.config.Exchange.ReconnectDelay)
			continue
		}

		g.candleMu.Lock()
		for _, c := range candles {
			g.window.Append(c)
			g.lastAccepted = c.OpenTime
		}
		size := g.window.Len()
		g.candleMu.Unlock()

		log.WithFields(logger.Fields{"candles": size}).Info("candle window seeded")
		return
	}
}

// onCandle appends a closed candle, enforcing the minimum inter-candle
// spacing so partial periods arriving across reconnects are dropped. A
// candle for the same period as the last accepted one passes through:
// the window replaces it in place, which finalizes the in-progress bar
// the REST seed may have left behind.
func (g *MarketDataGateway) onCandle(c models.Candle) {
	g.candleMu.Lock()
	if !g.lastAccepted.IsZero() && !c.OpenTime.Equal(g.lastAccepted) &&
		c.OpenTime.Sub(g.lastAccepted) < g.config.Exchange.MinCandleSpacing {
		last := g.lastAccepted
		g.candleMu.Unlock()
		g.log.WithComponent("market_gateway").WithFields(logger.Fields{
			"open_time": c.OpenTime,
			"last":      last,
		}).Debug("dropping candle inside minimum spacing")
		return
	}
	g.window.Append(c)
	g.lastAccepted = c.OpenTime
	g.candleMu.Unlock()

	logger.IncrementCandleUpdate()

	for _, fn := range g.candleSubs {
		fn(c)
	}
}

func (g *MarketDataGateway) sleep(d time.Duration) {
	select {
	case <-g.ctx.Done():
	case <-time.After(d):
	}
}

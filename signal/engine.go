package signal

import (
	"context"
	"fmt"

	appconfig "tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// Signal is a directional trade request produced from the candle window.
type Signal struct {
	Side     models.Side
	Quantity float64
}

// Engine derives signals from candle history and queues them for the
// trading loop. Evaluation prioritizes the RSI band signal; otherwise
// the momentum (SMA) and mean-reversion (smoothed VWAP) signals are
// combined, doubling size on agreement and following mean-reversion on
// conflict.
type Engine struct {
	config *appconfig.Config
	log    *logger.Log
	queue  chan Signal
}

// NewEngine creates an engine with a bounded FIFO signal queue.
func NewEngine(cfg *appconfig.Config) *Engine {
	return &Engine{
		config: cfg,
		log:    logger.GetLogger(),
		queue:  make(chan Signal, cfg.Channels.SignalBuffer),
	}
}

// Evaluate inspects the window and enqueues at most one signal. Windows
// shorter than the configured minimum produce nothing. When the queue
// is full the signal is dropped, the trading loop is behind and acting
// on a stale signal would be worse than skipping it.
func (e *Engine) Evaluate(window *models.CandleWindow) {
	log := e.log.WithComponent("signal_engine")

	if window.Len() < e.config.Signals.MinWindow {
		log.WithFields(logger.Fields{
			"candles":  window.Len(),
			"required": e.config.Signals.MinWindow,
		}).Debug("insufficient candle history for signal evaluation")
		return
	}

	candles := window.Candles()
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	base := e.config.Signals.BaseQuantity

	if side, ok := e.rsiSignal(closes, log); ok {
		log.WithFields(logger.Fields{"side": side, "quantity": base}).Info("rsi signal prioritized")
		e.enqueue(Signal{Side: side, Quantity: base})
		return
	}

	maSide, maOK := e.momentumSignal(closes)
	vwapSide, vwapOK := e.meanReversionSignal(candles, closes)

	switch {
	case maOK && vwapOK && maSide != vwapSide:
		log.WithFields(logger.Fields{"ma": maSide, "vwap": vwapSide}).Info("momentum and mean-reversion disagree, following mean-reversion")
		e.enqueue(Signal{Side: vwapSide, Quantity: base})
	case maOK && vwapOK:
		log.WithFields(logger.Fields{"side": maSide}).Info("momentum and mean-reversion agree, doubling quantity")
		e.enqueue(Signal{Side: maSide, Quantity: 2 * base})
	case maOK:
		log.WithFields(logger.Fields{"side": maSide}).Info("momentum signal only")
		e.enqueue(Signal{Side: maSide, Quantity: base})
	case vwapOK:
		log.WithFields(logger.Fields{"side": vwapSide}).Info("mean-reversion signal only")
		e.enqueue(Signal{Side: vwapSide, Quantity: base})
	}
}

// Generate blocks until a signal is queued or the context ends.
func (e *Engine) Generate(ctx context.Context) (Signal, error) {
	select {
	case <-ctx.Done():
		return Signal{}, ctx.Err()
	case s := <-e.queue:
		return s, nil
	}
}

// Offer queues a signal without blocking and reports whether it was
// accepted. It exists for manual injection; Evaluate is the normal
// producer.
func (e *Engine) Offer(s Signal) bool {
	select {
	case e.queue <- s:
		return true
	default:
		return false
	}
}

// TryGenerate returns the next queued signal without blocking.
func (e *Engine) TryGenerate() (Signal, bool) {
	select {
	case s := <-e.queue:
		return s, true
	default:
		return Signal{}, false
	}
}

func (e *Engine) rsiSignal(closes []float64, log *logger.Entry) (models.Side, bool) {
	value, ok := rsi(closes, e.config.Signals.RSI.Period)
	if !ok {
		return "", false
	}
	log.WithFields(logger.Fields{"rsi": fmt.Sprintf("%.2f", value)}).Debug("rsi computed")

	if value >= e.config.Signals.RSI.Overbought {
		return models.SideSell, true
	}
	if value <= e.config.Signals.RSI.Oversold {
		return models.SideBuy, true
	}
	return "", false
}

func (e *Engine) momentumSignal(closes []float64) (models.Side, bool) {
	avg, ok := sma(closes, e.config.Signals.SMAWindow)
	if !ok {
		return "", false
	}
	if closes[len(closes)-1] > avg {
		return models.SideBuy, true
	}
	return models.SideSell, true
}

func (e *Engine) meanReversionSignal(candles []models.Candle, closes []float64) (models.Side, bool) {
	vwap, ok := smoothedVWAP(candles, e.config.Signals.VWAPSmooth)
	if !ok {
		return "", false
	}
	price := closes[len(closes)-1]
	if price < vwap {
		return models.SideBuy, true
	}
	if price > vwap {
		return models.SideSell, true
	}
	return "", false
}

func (e *Engine) enqueue(s Signal) {
	select {
	case e.queue <- s:
	default:
		e.log.WithComponent("signal_engine").WithFields(logger.Fields{
			"side":     s.Side,
			"quantity": s.Quantity,
		}).Warn("signal queue full, dropping signal")
	}
}

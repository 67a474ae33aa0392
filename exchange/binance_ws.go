package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"

	"tradeflow/logger"
	"tradeflow/models"
)

const (
	userStreamURL        = "wss://fstream.binance.com/ws/"
	userStreamTestnetURL = "wss://stream.binancefuture.com/ws/"
)

// streamSub wraps the done/stop channel pair returned by the binance-go
// websocket serve functions.
type streamSub struct {
	done <-chan struct{}
	stop chan struct{}
	once sync.Once
}

func (s *streamSub) Done() <-chan struct{} { return s.done }

func (s *streamSub) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// SubscribeDepth attaches to the partial depth stream. The handler
// receives a full replacement snapshot per update, in arrival order.
func (b *Binance) SubscribeDepth(symbol string, levels int, onBook BookHandler, onErr func(error)) (Subscription, error) {
	handler := func(event *futures.WsDepthEvent) {
		book := models.OrderBookSnapshot{
			Symbol:       event.Symbol,
			LastUpdateID: event.LastUpdateID,
			Timestamp:    time.UnixMilli(event.Time).UTC(),
			Bids:         make([]models.PriceLevel, 0, len(event.Bids)),
			Asks:         make([]models.PriceLevel, 0, len(event.Asks)),
		}
		for _, lvl := range event.Bids {
			book.Bids = append(book.Bids, models.PriceLevel{
				Price:    parseFloat(lvl.Price),
				Quantity: parseFloat(lvl.Quantity),
			})
		}
		for _, lvl := range event.Asks {
			book.Asks = append(book.Asks, models.PriceLevel{
				Price:    parseFloat(lvl.Price),
				Quantity: parseFloat(lvl.Quantity),
			})
		}
		onBook(book)
	}

	doneC, stopC, err := futures.WsPartialDepthServeWithRate(symbol, levels, 250*time.Millisecond, handler, onErr)
	if err != nil {
		return nil, fmt.Errorf("subscribe depth: %w", err)
	}
	return &streamSub{done: doneC, stop: stopC}, nil
}

// SubscribeCandles attaches to the kline stream. Only final (closed)
// candles are forwarded.
func (b *Binance) SubscribeCandles(symbol, interval string, onCandle CandleHandler, onErr func(error)) (Subscription, error) {
	handler := func(event *futures.WsKlineEvent) {
		k := event.Kline
		if !k.IsFinal {
			return
		}
		onCandle(models.Candle{
			OpenTime:  time.UnixMilli(k.StartTime).UTC(),
			CloseTime: time.UnixMilli(k.EndTime).UTC(),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			Trades:    k.TradeNum,
		})
	}

	doneC, stopC, err := futures.WsKlineServe(symbol, interval, handler, onErr)
	if err != nil {
		return nil, fmt.Errorf("subscribe klines: %w", err)
	}
	return &streamSub{done: doneC, stop: stopC}, nil
}

// userSub owns a raw websocket connection to the user-data stream.
type userSub struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (s *userSub) Done() <-chan struct{} { return s.done }

func (s *userSub) Stop() {
	s.once.Do(func() { s.conn.Close() })
}

// wsUserEvent is the raw ORDER_TRADE_UPDATE frame from the user-data
// stream.
type wsUserEvent struct {
	Event string `json:"e"`
	Time  int64  `json:"E"`
	Order struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		ExecutionType string `json:"x"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		LastFilledQty string `json:"l"`
		LastFilledPx  string `json:"L"`
		TradeTime     int64  `json:"T"`
	} `json:"o"`
}

// SubscribeUserEvents starts a user-data stream session and forwards
// order/trade updates. The session ends when the exchange closes the
// listen key or the connection drops; the caller resubscribes.
func (b *Binance) SubscribeUserEvents(ctx context.Context, onEvent OrderEventHandler, onErr func(error)) (Subscription, error) {
	listenKey, err := b.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("start user stream: %w", err)
	}
	b.listenKey = listenKey

	base := userStreamURL
	if b.config.Exchange.Testnet {
		base = userStreamTestnetURL
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, base+listenKey, nil)
	if err != nil {
		return nil, fmt.Errorf("dial user stream: %w", err)
	}

	sub := &userSub{conn: conn, done: make(chan struct{})}
	log := b.log.WithComponent("binance_client").WithFields(logger.Fields{"worker": "user_stream"})

	go func() {
		defer close(sub.done)
		defer conn.Close()
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				onErr(err)
				return
			}
			event, ok := parseUserEvent(message)
			if !ok {
				continue
			}
			if event.ExecutionType == "TRADE" {
				log.WithFields(logger.Fields{
					"order_id": event.OrderID,
					"status":   string(event.Status),
					"fill_qty": event.LastFilledQty,
					"fill_px":  event.LastFilledPx,
				}).Info("execution update")
			}
			onEvent(event)
		}
	}()

	return sub, nil
}

// parseUserEvent decodes one user-stream frame. Frames other than
// ORDER_TRADE_UPDATE are skipped.
func parseUserEvent(message []byte) (models.OrderEvent, bool) {
	var raw wsUserEvent
	if err := json.Unmarshal(message, &raw); err != nil {
		return models.OrderEvent{}, false
	}
	if raw.Event != "ORDER_TRADE_UPDATE" {
		return models.OrderEvent{}, false
	}
	ts := raw.Order.TradeTime
	if ts == 0 {
		ts = raw.Time
	}
	return models.OrderEvent{
		Symbol:        raw.Order.Symbol,
		OrderID:       raw.Order.OrderID,
		ClientOrderID: raw.Order.ClientOrderID,
		Side:          models.Side(raw.Order.Side),
		ExecutionType: raw.Order.ExecutionType,
		Status:        models.OrderStatus(raw.Order.Status),
		LastFilledQty: parseFloat(raw.Order.LastFilledQty),
		LastFilledPx:  parseFloat(raw.Order.LastFilledPx),
		Timestamp:     time.UnixMilli(ts).UTC(),
	}, true
}

package models

import (
	"time"
)

// PriceLevel represents a single price level in the order book.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBookSnapshot is the top-of-book state for the instrument. It is
// replaced wholesale on every depth update and treated as absent until
// the first update arrives.
type OrderBookSnapshot struct {
	Symbol       string       `json:"symbol"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	LastUpdateID int64        `json:"lastUpdateId"`
	Timestamp    time.Time    `json:"timestamp"`
}

// BestBid returns the highest bid level. ok is false when the book has
// no bids.
func (s *OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if s == nil || len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask level. ok is false when the book has
// no asks.
func (s *OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if s == nil || len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// Spread returns ask-bid, or 0 when either side is empty.
func (s *OrderBookSnapshot) Spread() float64 {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	if !okBid || !okAsk {
		return 0
	}
	return ask.Price - bid.Price
}

// Candle is a single OHLCV period.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Trades    int64     `json:"trades"`
}

// CandleWindow is a bounded, time-ordered sequence of candles. The
// oldest entry is evicted once capacity is reached. The zero value is
// not usable; construct with NewCandleWindow.
type CandleWindow struct {
	capacity int
	candles  []Candle
}

// NewCandleWindow creates an empty window holding at most capacity
// candles.
func NewCandleWindow(capacity int) *CandleWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &CandleWindow{
		capacity: capacity,
		candles:  make([]Candle, 0, capacity),
	}
}

// Append adds a candle to the window, evicting the oldest entry when
// the window is full. A candle with the same open time as the current
// last entry replaces it instead of growing the window.
func (w *CandleWindow) Append(c Candle) {
	if n := len(w.candles); n > 0 && w.candles[n-1].OpenTime.Equal(c.OpenTime) {
		w.candles[n-1] = c
		return
	}
	w.candles = append(w.candles, c)
	if len(w.candles) > w.capacity {
		w.candles = w.candles[1:]
	}
}

// Len returns the number of candles currently held.
func (w *CandleWindow) Len() int {
	return len(w.candles)
}

// Capacity returns the maximum number of candles the window holds.
func (w *CandleWindow) Capacity() int {
	return w.capacity
}

// Candles returns the candles oldest first. The returned slice is a
// copy and safe to retain.
func (w *CandleWindow) Candles() []Candle {
	out := make([]Candle, len(w.candles))
	copy(out, w.candles)
	return out
}

// Last returns the most recent candle. ok is false on an empty window.
func (w *CandleWindow) Last() (Candle, bool) {
	if len(w.candles) == 0 {
		return Candle{}, false
	}
	return w.candles[len(w.candles)-1], true
}

// Clone returns an independent copy of the window.
func (w *CandleWindow) Clone() *CandleWindow {
	c := NewCandleWindow(w.capacity)
	c.candles = append(c.candles, w.candles...)
	return c
}

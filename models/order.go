package models

import (
	"time"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the reducing direction for this side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes limit and market orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus mirrors the exchange order lifecycle states.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the order can no longer change state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderIntent is a request to trade, produced by the signal engine or
// the risk controller and consumed immediately by the order
// coordinator. Price is ignored for market orders.
type OrderIntent struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Quantity float64
	Price    float64
}

// OrderRecord is the exchange's view of a submitted order.
type OrderRecord struct {
	Symbol        string      `json:"symbol"`
	OrderID       int64       `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Price         float64     `json:"price"`
	Quantity      float64     `json:"quantity"`
	ExecutedQty   float64     `json:"executed_qty"`
	AvgPrice      float64     `json:"avg_price"`
	Status        OrderStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// OrderEvent is an execution update from the user-data stream.
type OrderEvent struct {
	Symbol        string      `json:"symbol"`
	OrderID       int64       `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Side          Side        `json:"side"`
	ExecutionType string      `json:"execution_type"`
	Status        OrderStatus `json:"status"`
	LastFilledQty float64     `json:"last_filled_qty"`
	LastFilledPx  float64     `json:"last_filled_px"`
	Timestamp     time.Time   `json:"timestamp"`
}

// InstrumentFilters carry the tick and step constraints for the traded
// instrument, fetched once at startup from exchange metadata.
type InstrumentFilters struct {
	Symbol            string
	TickSize          float64
	StepSize          float64
	PricePrecision    int
	QuantityPrecision int
}

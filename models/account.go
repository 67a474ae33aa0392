package models

import (
	"fmt"
	"strings"
	"time"
)

// AssetBalance is one asset row from the futures balance endpoint.
type AssetBalance struct {
	Asset     string  `json:"asset"`
	Balance   float64 `json:"balance"`
	CrossPnl  float64 `json:"cross_pnl"`
	Available float64 `json:"available"`
}

// PositionInfo is the exchange-reported position for one symbol.
type PositionInfo struct {
	Symbol        string    `json:"symbol"`
	PositionAmt   float64   `json:"position_amt"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	Notional      float64   `json:"notional"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TradeFill is one executed trade from the account trade history. The
// realized PnL contribution is signed.
type TradeFill struct {
	Symbol      string    `json:"symbol"`
	TradeID     int64     `json:"trade_id"`
	OrderID     int64     `json:"order_id"`
	Side        Side      `json:"side"`
	Price       float64   `json:"price"`
	Quantity    float64   `json:"quantity"`
	RealizedPnl float64   `json:"realized_pnl"`
	Maker       bool      `json:"maker"`
	Time        time.Time `json:"time"`
}

// RiskSnapshot is one row of the append-only account record written
// each risk evaluation cycle for offline analysis.
type RiskSnapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	Position      float64   `json:"position"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	EntryPrice    float64   `json:"entry_price"`
	RealizedPnl   float64   `json:"realized_pnl"`
}

// RiskSnapshotHeader is the column header matching Row.
func RiskSnapshotHeader() []string {
	return []string{"timestamp", "position", "unrealized_pnl", "entry_price", "realized_pnl"}
}

// Row renders the snapshot as one delimited CSV record.
func (r RiskSnapshot) Row() []string {
	return []string{
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		trimFloat(r.Position),
		trimFloat(r.UnrealizedPnl),
		trimFloat(r.EntryPrice),
		trimFloat(r.RealizedPnl),
	}
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%.8f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	appconfig "tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// Binance implements Client against the USDT-margined futures API
// using the binance-go client for REST and native streams.
type Binance struct {
	config *appconfig.Config
	client *futures.Client
	log    *logger.Log

	symbol    string
	listenKey string
}

// NewBinance creates a futures client with a pooled HTTP transport.
// Testnet selection is process-wide in the binance-go client.
func NewBinance(cfg *appconfig.Config) *Binance {
	log := logger.GetLogger()

	futures.UseTestnet = cfg.Exchange.Testnet

	pool := cfg.Exchange.ConnectionPool
	transport := &http.Transport{
		MaxIdleConns:       pool.MaxIdleConns,
		MaxConnsPerHost:    pool.MaxConnsPerHost,
		IdleConnTimeout:    pool.IdleConnTimeout,
		DisableCompression: false,
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   pool.RequestTimeout,
	}

	client := futures.NewClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	client.HTTPClient = httpClient

	log.WithComponent("binance_client").WithFields(logger.Fields{
		"symbol":             cfg.Exchange.Symbol,
		"testnet":            cfg.Exchange.Testnet,
		"max_idle_conns":     pool.MaxIdleConns,
		"max_conns_per_host": pool.MaxConnsPerHost,
	}).Info("binance futures client initialized")

	return &Binance{
		config: cfg,
		client: client,
		log:    log,
		symbol: cfg.Exchange.Symbol,
	}
}

// GetBook fetches a depth snapshot via REST.
func (b *Binance) GetBook(ctx context.Context, symbol string, limit int) (*models.OrderBookSnapshot, error) {
	res, err := b.client.NewDepthService().
		Symbol(symbol).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch depth: %w", err)
	}

	book := &models.OrderBookSnapshot{
		Symbol:       symbol,
		LastUpdateID: res.LastUpdateID,
		Timestamp:    time.Now().UTC(),
		Bids:         make([]models.PriceLevel, 0, len(res.Bids)),
		Asks:         make([]models.PriceLevel, 0, len(res.Asks)),
	}
	for _, lvl := range res.Bids {
		book.Bids = append(book.Bids, models.PriceLevel{
			Price:    parseFloat(lvl.Price),
			Quantity: parseFloat(lvl.Quantity),
		})
	}
	for _, lvl := range res.Asks {
		book.Asks = append(book.Asks, models.PriceLevel{
			Price:    parseFloat(lvl.Price),
			Quantity: parseFloat(lvl.Quantity),
		})
	}
	return book, nil
}

// GetKlines fetches recent candles via REST, oldest first.
func (b *Binance) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines: %w", err)
	}

	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, models.Candle{
			OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
			CloseTime: time.UnixMilli(k.CloseTime).UTC(),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			Trades:    k.TradeNum,
		})
	}
	return candles, nil
}

// GetBalances returns per-asset futures balances including the signed
// cross PnL contribution.
func (b *Binance) GetBalances(ctx context.Context) ([]models.AssetBalance, error) {
	res, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch balances: %w", err)
	}

	balances := make([]models.AssetBalance, 0, len(res))
	for _, bal := range res {
		balances = append(balances, models.AssetBalance{
			Asset:     bal.Asset,
			Balance:   parseFloat(bal.Balance),
			CrossPnl:  parseFloat(bal.CrossUnPnl),
			Available: parseFloat(bal.AvailableBalance),
		})
	}
	return balances, nil
}

// GetPositions returns position risk rows for the symbol.
func (b *Binance) GetPositions(ctx context.Context, symbol string) ([]models.PositionInfo, error) {
	res, err := b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	positions := make([]models.PositionInfo, 0, len(res))
	for _, p := range res {
		positions = append(positions, models.PositionInfo{
			Symbol:        p.Symbol,
			PositionAmt:   parseFloat(p.PositionAmt),
			EntryPrice:    parseFloat(p.EntryPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			UnrealizedPnl: parseFloat(p.UnRealizedProfit),
			Notional:      parseFloat(p.Notional),
			UpdatedAt:     time.Now().UTC(),
		})
	}
	return positions, nil
}

// GetOpenOrders returns the currently open orders for the symbol.
func (b *Binance) GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderRecord, error) {
	res, err := b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}

	orders := make([]models.OrderRecord, 0, len(res))
	for _, o := range res {
		orders = append(orders, orderFromFutures(o))
	}
	return orders, nil
}

// GetTrades returns recent account trades for the symbol.
func (b *Binance) GetTrades(ctx context.Context, symbol string, limit int) ([]models.TradeFill, error) {
	res, err := b.client.NewListAccountTradeService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch account trades: %w", err)
	}

	fills := make([]models.TradeFill, 0, len(res))
	for _, tr := range res {
		fills = append(fills, models.TradeFill{
			Symbol:      tr.Symbol,
			TradeID:     tr.ID,
			OrderID:     tr.OrderID,
			Side:        models.Side(tr.Side),
			Price:       parseFloat(tr.Price),
			Quantity:    parseFloat(tr.Quantity),
			RealizedPnl: parseFloat(tr.RealizedPnl),
			Maker:       tr.Maker,
			Time:        time.UnixMilli(tr.Time).UTC(),
		})
	}
	return fills, nil
}

// PlaceOrder submits one order. Quantity and price must already be
// rounded to the instrument filters.
func (b *Binance) PlaceOrder(ctx context.Context, intent models.OrderIntent, clientOrderID string) (*models.OrderRecord, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(intent.Symbol).
		Side(futures.SideType(intent.Side)).
		Quantity(formatFloat(intent.Quantity))
	if clientOrderID != "" {
		svc = svc.NewClientOrderID(clientOrderID)
	}

	switch intent.Type {
	case models.OrderTypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	default:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceType(b.config.Orders.TimeInForce)).
			Price(formatFloat(intent.Price))
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	return &models.OrderRecord{
		Symbol:        res.Symbol,
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Side:          models.Side(res.Side),
		Type:          models.OrderType(res.Type),
		Price:         parseFloat(res.Price),
		Quantity:      parseFloat(res.OrigQuantity),
		ExecutedQty:   parseFloat(res.ExecutedQuantity),
		AvgPrice:      parseFloat(res.AvgPrice),
		Status:        models.OrderStatus(res.Status),
		CreatedAt:     time.UnixMilli(res.UpdateTime).UTC(),
		UpdatedAt:     time.UnixMilli(res.UpdateTime).UTC(),
	}, nil
}

// CancelOrder cancels one order by exchange id.
func (b *Binance) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if _, err := b.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx); err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	return nil
}

// GetOrder fetches the current state of one order.
func (b *Binance) GetOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderRecord, error) {
	res, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", orderID, err)
	}
	rec := orderFromFutures(res)
	return &rec, nil
}

// GetInstrumentFilters loads tick and step sizes from exchange info.
func (b *Binance) GetInstrumentFilters(ctx context.Context, symbol string) (*models.InstrumentFilters, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch exchange info: %w", err)
	}

	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != symbol {
			continue
		}
		filters := &models.InstrumentFilters{
			Symbol:            symbol,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}
		if pf := s.PriceFilter(); pf != nil {
			filters.TickSize = parseFloat(pf.TickSize)
			filters.PricePrecision = decimalsOf(pf.TickSize)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			filters.StepSize = parseFloat(lf.StepSize)
			filters.QuantityPrecision = decimalsOf(lf.StepSize)
		}
		return filters, nil
	}
	return nil, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

// KeepAliveUserStream extends the listen key lease.
func (b *Binance) KeepAliveUserStream(ctx context.Context) error {
	if b.listenKey == "" {
		return fmt.Errorf("user stream not started")
	}
	if err := b.client.NewKeepaliveUserStreamService().ListenKey(b.listenKey).Do(ctx); err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	return nil
}

func orderFromFutures(o *futures.Order) models.OrderRecord {
	return models.OrderRecord{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          models.Side(o.Side),
		Type:          models.OrderType(o.Type),
		Price:         parseFloat(o.Price),
		Quantity:      parseFloat(o.OrigQuantity),
		ExecutedQty:   parseFloat(o.ExecutedQuantity),
		AvgPrice:      parseFloat(o.AvgPrice),
		Status:        models.OrderStatus(o.Status),
		CreatedAt:     time.UnixMilli(o.Time).UTC(),
		UpdatedAt:     time.UnixMilli(o.UpdateTime).UTC(),
	}
}

// parseFloat treats malformed numeric payloads as zero; callers decide
// whether a zero record counts as "no update".
func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// decimalsOf counts the significant decimal places of a filter value
// such as "0.010" (2) or "1" (0).
func decimalsOf(s string) int {
	s = strings.TrimSpace(s)
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return 0
	}
	frac := strings.TrimRight(s[dot+1:], "0")
	return len(frac)
}

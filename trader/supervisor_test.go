package trader

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	appconfig "tradeflow/config"
	"tradeflow/models"
	"tradeflow/position"
	"tradeflow/signal"
)

type fakeBooks struct {
	mu   sync.Mutex
	book models.OrderBookSnapshot
	ok   bool
}

func (b *fakeBooks) CurrentBook() (models.OrderBookSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.book, b.ok
}

func (b *fakeBooks) set(bid, ask float64, ok bool) {
	b.mu.Lock()
	b.book = models.OrderBookSnapshot{
		Symbol: "ETHUSDT",
		Bids:   []models.PriceLevel{{Price: bid, Quantity: 10}},
		Asks:   []models.PriceLevel{{Price: ask, Quantity: 10}},
	}
	b.ok = ok
	b.mu.Unlock()
}

type fakePnl struct{}

func (fakePnl) RealizedPnl() float64 { return 0 }

// scriptedExecutor returns the scripted outcomes in order, repeating
// the last one when the script runs out.
type scriptedExecutor struct {
	mu      sync.Mutex
	intents []models.OrderIntent
	script  []func() (*models.OrderRecord, error)
}

func (e *scriptedExecutor) PlaceManagedOrder(ctx context.Context, intent models.OrderIntent) (*models.OrderRecord, error) {
	e.mu.Lock()
	e.intents = append(e.intents, intent)
	idx := len(e.intents) - 1
	if idx >= len(e.script) {
		idx = len(e.script) - 1
	}
	step := e.script[idx]
	e.mu.Unlock()
	return step()
}

func (e *scriptedExecutor) Filters() models.InstrumentFilters {
	return models.InstrumentFilters{Symbol: "ETHUSDT", TickSize: 0.1, StepSize: 0.001}
}

func (e *scriptedExecutor) placed() []models.OrderIntent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.OrderIntent, len(e.intents))
	copy(out, e.intents)
	return out
}

func filled() (*models.OrderRecord, error) {
	return &models.OrderRecord{OrderID: 1, Status: models.OrderStatusFilled}, nil
}

func unfilled() (*models.OrderRecord, error) {
	return &models.OrderRecord{OrderID: 1, Status: models.OrderStatusNew}, nil
}

func traderConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Exchange.Symbol = "ETHUSDT"
	cfg.Channels.SignalBuffer = 8
	cfg.Trading.MaxPosition = 1.5
	cfg.Trading.ReduceBuffer = 0.3
	cfg.Trading.RetryDelay = time.Millisecond
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func startSupervisor(t *testing.T, cfg *appconfig.Config, store *position.Store, books BookSource, exec OrderExecutor) (*Supervisor, *signal.Engine, func()) {
	t.Helper()
	engine := signal.NewEngine(cfg)
	s := NewSupervisor(cfg, engine, store, books, fakePnl{}, exec)
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	return s, engine, func() {
		cancel()
		s.Stop()
	}
}

func TestSupervisorQuotesInsideTouch(t *testing.T) {
	store := position.NewStore("ETHUSDT")
	store.Update(models.PositionInfo{Symbol: "ETHUSDT"})
	books := &fakeBooks{}
	books.set(2500.0, 2500.3, true)
	exec := &scriptedExecutor{script: []func() (*models.OrderRecord, error){filled}}

	_, engine, stop := startSupervisor(t, traderConfig(), store, books, exec)
	defer stop()

	engine.Offer(signal.Signal{Side: models.SideBuy, Quantity: 0.1})

	waitFor(t, 2*time.Second, func() bool { return len(exec.placed()) == 1 })
	in := exec.placed()[0]
	if in.Side != models.SideBuy {
		t.Fatalf("unexpected side %v", in.Side)
	}
	if diff := in.Price - 2500.1; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("buy must quote one tick above the bid, got %v", in.Price)
	}
}

func TestSupervisorRetriesUntilFilled(t *testing.T) {
	store := position.NewStore("ETHUSDT")
	store.Update(models.PositionInfo{Symbol: "ETHUSDT"})
	books := &fakeBooks{}
	books.set(2500.0, 2500.3, true)
	exec := &scriptedExecutor{script: []func() (*models.OrderRecord, error){unfilled, unfilled, filled}}

	_, engine, stop := startSupervisor(t, traderConfig(), store, books, exec)
	defer stop()

	engine.Offer(signal.Signal{Side: models.SideSell, Quantity: 0.1})

	waitFor(t, 2*time.Second, func() bool { return len(exec.placed()) == 3 })
	for _, in := range exec.placed() {
		if diff := in.Price - 2500.2; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("sell must quote one tick below the ask, got %v", in.Price)
		}
	}
}

func TestSupervisorSynthesizesReduceOrder(t *testing.T) {
	store := position.NewStore("ETHUSDT")
	store.Update(models.PositionInfo{Symbol: "ETHUSDT", PositionAmt: 2.0, EntryPrice: 2400})
	books := &fakeBooks{}
	books.set(2500.0, 2500.3, true)
	exec := &scriptedExecutor{script: []func() (*models.OrderRecord, error){filled}}

	_, engine, stop := startSupervisor(t, traderConfig(), store, books, exec)
	defer stop()

	// A BUY against a breached long limit must become an oversized
	// reduce SELL.
	engine.Offer(signal.Signal{Side: models.SideBuy, Quantity: 0.1})

	waitFor(t, 2*time.Second, func() bool { return len(exec.placed()) == 1 })
	in := exec.placed()[0]
	if in.Side != models.SideSell {
		t.Fatalf("expected synthesized reduce SELL, got %v", in.Side)
	}
	if diff := in.Quantity - 0.8; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("reduce quantity = %v, want 0.8", in.Quantity)
	}
	if diff := in.Price - 2500.2; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("reduce must price one tick below the ask, got %v", in.Price)
	}
}

func TestSupervisorAllowsReducingSideAtLimit(t *testing.T) {
	store := position.NewStore("ETHUSDT")
	store.Update(models.PositionInfo{Symbol: "ETHUSDT", PositionAmt: -2.0, EntryPrice: 2400})
	books := &fakeBooks{}
	books.set(2500.0, 2500.3, true)
	exec := &scriptedExecutor{script: []func() (*models.OrderRecord, error){filled}}

	_, engine, stop := startSupervisor(t, traderConfig(), store, books, exec)
	defer stop()

	engine.Offer(signal.Signal{Side: models.SideBuy, Quantity: 0.1})

	waitFor(t, 2*time.Second, func() bool { return len(exec.placed()) == 1 })
	in := exec.placed()[0]
	if in.Side != models.SideBuy || in.Quantity != 0.1 {
		t.Fatalf("reducing side must pass through unchanged, got %+v", in)
	}
	if diff := in.Price - 2500.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("reduce-allowed buy joins the bid, got %v", in.Price)
	}
}

func TestSupervisorAbandonsSignalWithoutBook(t *testing.T) {
	store := position.NewStore("ETHUSDT")
	store.Update(models.PositionInfo{Symbol: "ETHUSDT"})
	books := &fakeBooks{}
	exec := &scriptedExecutor{script: []func() (*models.OrderRecord, error){filled}}

	_, engine, stop := startSupervisor(t, traderConfig(), store, books, exec)
	defer stop()

	engine.Offer(signal.Signal{Side: models.SideBuy, Quantity: 0.1})
	time.Sleep(20 * time.Millisecond)
	if got := len(exec.placed()); got != 0 {
		t.Fatalf("no order expected without a book, got %d", got)
	}

	// The loop must survive and pick up the next signal once the book
	// returns.
	books.set(2500.0, 2500.3, true)
	engine.Offer(signal.Signal{Side: models.SideBuy, Quantity: 0.1})
	waitFor(t, 2*time.Second, func() bool { return len(exec.placed()) == 1 })
}

func TestSupervisorSurvivesOrderErrors(t *testing.T) {
	store := position.NewStore("ETHUSDT")
	store.Update(models.PositionInfo{Symbol: "ETHUSDT"})
	books := &fakeBooks{}
	books.set(2500.0, 2500.3, true)
	failing := func() (*models.OrderRecord, error) {
		return nil, fmt.Errorf("precision error")
	}
	exec := &scriptedExecutor{script: []func() (*models.OrderRecord, error){failing, filled}}

	_, engine, stop := startSupervisor(t, traderConfig(), store, books, exec)
	defer stop()

	engine.Offer(signal.Signal{Side: models.SideBuy, Quantity: 0.1})
	waitFor(t, 2*time.Second, func() bool { return len(exec.placed()) == 2 })
}

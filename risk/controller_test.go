package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	appconfig "tradeflow/config"
	"tradeflow/models"
	"tradeflow/position"
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

func bookAt(bid, ask float64) *fakeBooks {
	return &fakeBooks{
		book: models.OrderBookSnapshot{
			Symbol: "ETHUSDT",
			Bids:   []models.PriceLevel{{Price: bid, Quantity: 10}},
			Asks:   []models.PriceLevel{{Price: ask, Quantity: 10}},
		},
		ok: true,
	}
}

type fakePnl struct {
	mu    sync.Mutex
	value float64
}

func (p *fakePnl) RealizedPnl() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

func (p *fakePnl) set(v float64) {
	p.mu.Lock()
	p.value = v
	p.mu.Unlock()
}

type fakePlacer struct {
	mu      sync.Mutex
	intents []models.OrderIntent
	onPlace func(models.OrderIntent) *models.OrderRecord
}

func (f *fakePlacer) PlaceManagedOrder(ctx context.Context, intent models.OrderIntent) (*models.OrderRecord, error) {
	f.mu.Lock()
	f.intents = append(f.intents, intent)
	f.mu.Unlock()
	if f.onPlace != nil {
		return f.onPlace(intent), nil
	}
	return &models.OrderRecord{
		Symbol: intent.Symbol, Side: intent.Side, Type: intent.Type,
		Price: intent.Price, Quantity: intent.Quantity,
		Status: models.OrderStatusFilled,
	}, nil
}

func (f *fakePlacer) placed() []models.OrderIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.OrderIntent, len(f.intents))
	copy(out, f.intents)
	return out
}

type recordingSink struct {
	mu    sync.Mutex
	snaps []models.RiskSnapshot
}

func (s *recordingSink) LogRiskSnapshot(r models.RiskSnapshot) {
	s.mu.Lock()
	s.snaps = append(s.snaps, r)
	s.mu.Unlock()
}

func riskConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Exchange.Symbol = "ETHUSDT"
	cfg.Risk.Interval = time.Second
	cfg.Risk.MaxDirectLoss = 0.05
	cfg.Risk.MaxNotional = 10000
	cfg.Risk.MaxDrawdown = 0.4
	cfg.Risk.TakeProfitPnl = 50
	cfg.Risk.DrawdownActivationPnl = 50
	cfg.Risk.MinExposure = 0.5
	cfg.Risk.ResidualFlat = 0.5
	cfg.Risk.Aggressiveness = 0.25
	cfg.Risk.AggressiveStopLevel = 0.5
	cfg.Risk.RequoteDelay = time.Millisecond
	return cfg
}

func storeWith(pos, entry float64) *position.Store {
	s := position.NewStore("ETHUSDT")
	s.Update(models.PositionInfo{Symbol: "ETHUSDT", PositionAmt: pos, EntryPrice: entry})
	return s
}

func TestEscalationOrdering(t *testing.T) {
	// Long 2 at entry 10000: notional 20000 breaches the 10000 cap and
	// the mark near 9000 breaches the direct-loss floor, so one cycle
	// must liquidate 50% first and then 100%.
	store := storeWith(2, 10000)
	placer := &fakePlacer{}
	c := NewController(riskConfig(), store, bookAt(9000, 9000.5), &fakePnl{}, placer, nil)

	c.evaluate(context.Background())

	intents := placer.placed()
	if len(intents) != 2 {
		t.Fatalf("expected 2 liquidation orders, got %d", len(intents))
	}
	if intents[0].Quantity != 1.0 {
		t.Fatalf("first liquidation must be 50%% of position, got qty %v", intents[0].Quantity)
	}
	if intents[1].Quantity != 2.0 {
		t.Fatalf("second liquidation must be the full position, got qty %v", intents[1].Quantity)
	}
	for _, in := range intents {
		if in.Side != models.SideSell {
			t.Fatalf("long liquidation must sell, got %v", in.Side)
		}
	}
}

func TestDrawdownStop(t *testing.T) {
	// Peak realized 200 then 100: ratio 0.5 is under the 0.6 floor
	// implied by a 0.4 max drawdown, so half the position is cut.
	store := storeWith(1, 2000)
	placer := &fakePlacer{}
	pnl := &fakePnl{}
	c := NewController(riskConfig(), store, bookAt(2000, 2000.1), pnl, placer, nil)

	pnl.set(200)
	c.evaluate(context.Background())
	if len(placer.placed()) != 0 {
		t.Fatalf("no liquidation expected at peak, got %v", placer.placed())
	}

	pnl.set(100)
	c.evaluate(context.Background())

	intents := placer.placed()
	if len(intents) != 1 {
		t.Fatalf("expected 1 drawdown liquidation, got %d", len(intents))
	}
	if intents[0].Quantity != 0.5 {
		t.Fatalf("drawdown stop must cut half the position, got qty %v", intents[0].Quantity)
	}
}

func TestAggressiveStopPricesDeeper(t *testing.T) {
	// Mark far below entry trips both the direct-loss stop and the 3x
	// aggressive stop; the second order must be priced deeper into the
	// book.
	cfg := riskConfig()
	cfg.Risk.MaxNotional = 100000
	store := storeWith(2, 1000)
	placer := &fakePlacer{}
	c := NewController(cfg, store, bookAt(800, 801), &fakePnl{}, placer, nil)

	c.evaluate(context.Background())

	intents := placer.placed()
	if len(intents) != 2 {
		t.Fatalf("expected 2 liquidation orders, got %d", len(intents))
	}
	if intents[0].Price != 800.75 {
		t.Fatalf("normal liquidation price = %v, want 800.75", intents[0].Price)
	}
	if intents[1].Price != 800.5 {
		t.Fatalf("aggressive liquidation price = %v, want 800.5", intents[1].Price)
	}
}

func TestLiquidationRereadsPosition(t *testing.T) {
	// An unfilled quote must not spin forever: once the store reports
	// the position under the residual-flat threshold the loop exits.
	store := storeWith(2, 2000)
	placer := &fakePlacer{}
	placer.onPlace = func(intent models.OrderIntent) *models.OrderRecord {
		store.Update(models.PositionInfo{Symbol: "ETHUSDT", PositionAmt: 0.3, EntryPrice: 2000})
		return &models.OrderRecord{Status: models.OrderStatusNew}
	}
	c := NewController(riskConfig(), store, bookAt(2000, 2000.1), &fakePnl{}, placer, nil)

	done := make(chan struct{})
	go func() {
		c.liquidate(context.Background(), 1.0, 0.25)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("liquidation loop did not exit after position fell below residual")
	}
	if got := len(placer.placed()); got != 1 {
		t.Fatalf("expected a single quote before exit, got %d", got)
	}
	if !c.RiskEnabled() {
		t.Fatal("risk flag must be restored after liquidation")
	}
}

func TestFlattenAtMarket(t *testing.T) {
	store := storeWith(-2, 2000)
	placer := &fakePlacer{}
	c := NewController(riskConfig(), store, bookAt(2000, 2000.1), &fakePnl{}, placer, nil)

	if err := c.FlattenAtMarket(context.Background()); err != nil {
		t.Fatalf("flatten failed: %v", err)
	}

	intents := placer.placed()
	if len(intents) != 1 {
		t.Fatalf("expected 1 market order, got %d", len(intents))
	}
	in := intents[0]
	if in.Type != models.OrderTypeMarket || in.Side != models.SideBuy || in.Quantity != 2 {
		t.Fatalf("unexpected flatten order %+v", in)
	}
}

func TestSnapshotEmittedEachCycle(t *testing.T) {
	// Short 1 at entry 2000 with the ask at 2010 is 10 underwater on
	// the short convention.
	store := storeWith(-1, 2000)
	sink := &recordingSink{}
	pnl := &fakePnl{}
	pnl.set(7)
	c := NewController(riskConfig(), store, bookAt(2009, 2010), pnl, &fakePlacer{}, sink)

	c.evaluate(context.Background())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(sink.snaps))
	}
	snap := sink.snaps[0]
	if snap.Position != -1 || snap.EntryPrice != 2000 || snap.RealizedPnl != 7 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.UnrealizedPnl != 10 {
		t.Fatalf("unrealized = %v, want 10", snap.UnrealizedPnl)
	}
}

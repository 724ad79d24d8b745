package execution

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"signal-core/internal/events"
	"signal-core/internal/tier"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
	"signal-core/pkg/exchanges/paper"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	d, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return d
}

type recordingSettler struct {
	settled []db.Position
}

func (r *recordingSettler) Settle(ctx context.Context, pos db.Position) (*db.CommissionRecord, error) {
	r.settled = append(r.settled, pos)
	return nil, nil
}

type fixture struct {
	engine   *Engine
	database *db.Database
	venue    *paper.Venue
	prices   *StaticPrices
	settler  *recordingSettler
}

func newFixture(t *testing.T, funds float64) *fixture {
	t.Helper()
	database := newTestDB(t)
	venue := paper.New(paper.SimConfig{InitialFunds: funds})
	prices := NewStaticPrices(map[string]float64{"BTCUSDT": 100})
	settler := &recordingSettler{}
	engine := New(Config{
		ManagedNotional: 1000,
		SandboxNotional: 100,
		RetryBaseDelay:  time.Millisecond,
	}, database, nil, events.NewBus(), settler, prices, venue)
	return &fixture{engine: engine, database: database, venue: venue, prices: prices, settler: settler}
}

func (f *fixture) seed(t *testing.T, direction string) (db.Signal, db.QueuedOperation) {
	t.Helper()
	ctx := context.Background()
	sig := db.Signal{
		ID:         uuid.NewString(),
		Symbol:     "BTCUSDT",
		Direction:  direction,
		Strength:   1,
		Status:     "APPROVED",
		ReceivedAt: time.Now().UTC(),
	}
	if err := f.database.InsertSignal(ctx, sig); err != nil {
		t.Fatal(err)
	}
	op := db.QueuedOperation{
		ID:         uuid.NewString(),
		SignalID:   sig.ID,
		UserID:     "user-1",
		Tier:       tier.Managed,
		Venue:      "paper",
		Status:     "PROCESSING",
		Attempts:   1,
		EnqueuedAt: time.Now().UTC(),
	}
	if _, err := f.database.InsertQueuedOp(ctx, op); err != nil {
		t.Fatal(err)
	}
	return sig, op
}

func TestExecuteFillOpensPosition(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	sig, op := f.seed(t, "LONG")

	outcome := f.engine.ExecuteOp(ctx, op)
	if !outcome.OK {
		t.Fatalf("outcome = %+v", outcome)
	}

	orders, err := f.database.ListOrdersBySignal(ctx, sig.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 || orders[0].Status != "FILLED" {
		t.Fatalf("orders = %+v, want one FILLED", orders)
	}
	if orders[0].ClientOrderID != ClientOrderID(sig.ID, "user-1") {
		t.Error("client order id not deterministic")
	}

	pos, err := f.database.OpenPositionForUser(ctx, "user-1", "BTCUSDT")
	if err != nil {
		t.Fatalf("open position: %v", err)
	}
	if pos.Side != "LONG" || pos.Size <= 0 {
		t.Errorf("position = %+v", pos)
	}
}

func TestTwoTransientFailuresThenSuccess(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	sig, op := f.seed(t, "LONG")

	f.venue.InjectError(common.NewTransient("paper", 503, "unavailable"), false)
	f.venue.InjectError(common.NewTransient("paper", 503, "unavailable"), false)

	outcome := f.engine.ExecuteOp(ctx, op)
	if !outcome.OK {
		t.Fatalf("outcome = %+v, want OK after retries", outcome)
	}

	orders, _ := f.database.ListOrdersBySignal(ctx, sig.ID)
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
	if orders[0].Status != "FILLED" {
		t.Errorf("status = %s, want FILLED", orders[0].Status)
	}
	if orders[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", orders[0].Attempts)
	}
	if f.venue.OrderCount() != 1 {
		t.Errorf("venue orders = %d, want exactly 1", f.venue.OrderCount())
	}
}

func TestAmbiguousFailureDoesNotDoubleExecute(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	_, op := f.seed(t, "LONG")

	// the venue records the order, then the response is lost
	f.venue.InjectError(common.NewTransient("paper", 0, "connection reset"), true)

	outcome := f.engine.ExecuteOp(ctx, op)
	if !outcome.OK {
		t.Fatalf("outcome = %+v", outcome)
	}
	if f.venue.OrderCount() != 1 {
		t.Errorf("venue orders = %d, the pre-retry lookup must adopt the recorded order", f.venue.OrderCount())
	}
}

func TestTerminalVenueErrorNotRetried(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	sig, op := f.seed(t, "LONG")

	f.venue.InjectError(common.NewTerminal("paper", 401, "bad api key"), false)

	outcome := f.engine.ExecuteOp(ctx, op)
	if outcome.OK || outcome.Retry {
		t.Fatalf("outcome = %+v, want terminal failure", outcome)
	}

	orders, _ := f.database.ListOrdersBySignal(ctx, sig.ID)
	if len(orders) != 1 || orders[0].Status != "REJECTED" {
		t.Fatalf("orders = %+v, want REJECTED", orders)
	}
	if orders[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on auth error)", orders[0].Attempts)
	}
}

func TestInsufficientBalanceRejected(t *testing.T) {
	f := newFixture(t, 10) // managed notional is 1000
	ctx := context.Background()
	sig, op := f.seed(t, "LONG")

	outcome := f.engine.ExecuteOp(ctx, op)
	if !outcome.OK || outcome.Retry {
		t.Fatalf("outcome = %+v, want definitive rejection", outcome)
	}

	orders, _ := f.database.ListOrdersBySignal(ctx, sig.ID)
	if len(orders) != 1 || orders[0].Status != "REJECTED" {
		t.Fatalf("orders = %+v, want REJECTED", orders)
	}
	if f.venue.OrderCount() != 0 {
		t.Error("rejected order must never reach the venue")
	}
}

func TestTakeProfitStopLossOrdering(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		price := 1 + rng.Float64()*50000
		f.prices.Set("BTCUSDT", price)

		direction := "LONG"
		if i%2 == 1 {
			direction = "SHORT"
		}
		sig, op := f.seed(t, direction)
		_ = sig

		order, err := f.engine.buildOrder(ctx, op, db.Signal{ID: op.SignalID, Symbol: "BTCUSDT", Direction: direction})
		if err != nil {
			t.Fatal(err)
		}
		if order.TakeProfit == 0 || order.StopLoss == 0 {
			t.Fatal("order built without TP/SL")
		}
		if direction == "LONG" {
			if !(order.StopLoss < order.Price && order.Price < order.TakeProfit) {
				t.Fatalf("LONG levels sl=%v entry=%v tp=%v", order.StopLoss, order.Price, order.TakeProfit)
			}
		} else {
			if !(order.TakeProfit < order.Price && order.Price < order.StopLoss) {
				t.Fatalf("SHORT levels tp=%v entry=%v sl=%v", order.TakeProfit, order.Price, order.StopLoss)
			}
		}
	}
}

func TestExitSignalClosesPositionAndSettles(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()

	_, op := f.seed(t, "LONG")
	if outcome := f.engine.ExecuteOp(ctx, op); !outcome.OK {
		t.Fatalf("entry: %+v", outcome)
	}

	// price moves up, then an opposite-direction signal arrives
	f.prices.Set("BTCUSDT", 110)
	_, exitOp := f.seed(t, "SHORT")
	outcome := f.engine.ExecuteOp(ctx, exitOp)
	if !outcome.OK {
		t.Fatalf("exit: %+v", outcome)
	}

	if _, err := f.database.OpenPositionForUser(ctx, "user-1", "BTCUSDT"); err == nil {
		t.Error("position still open after exit signal")
	}
	if _, err := f.venue.QueryOrderByClientID(ctx, "BTCUSDT", CloseOrderID(exitOp.SignalID, exitOp.UserID)); err != nil {
		t.Errorf("exit order not found under its close id: %v", err)
	}
	if len(f.settler.settled) != 1 {
		t.Fatalf("settlements = %d, want 1", len(f.settler.settled))
	}
	if pnl := f.settler.settled[0].RealizedPnl; pnl <= 0 {
		t.Errorf("realized pnl = %v, want positive after price rise", pnl)
	}
}

func TestDuplicateEntrySameDirectionIsNoOp(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()

	_, op := f.seed(t, "LONG")
	if outcome := f.engine.ExecuteOp(ctx, op); !outcome.OK {
		t.Fatalf("entry: %+v", outcome)
	}
	before := f.venue.OrderCount()

	_, op2 := f.seed(t, "LONG")
	outcome := f.engine.ExecuteOp(ctx, op2)
	if !outcome.OK {
		t.Fatalf("second entry: %+v", outcome)
	}
	if f.venue.OrderCount() != before {
		t.Error("same-direction signal must not open a second position")
	}
}

func TestCloseOrderIDFitsVenueLimit(t *testing.T) {
	entry := ClientOrderID("sig-1", "user-1")
	exit := CloseOrderID("sig-1", "user-1")
	// Binance and Bybit cap client order ids at 36 characters.
	if len(exit) > 36 {
		t.Errorf("close id is %d chars, venue limit is 36", len(exit))
	}
	if exit == entry {
		t.Error("close id must differ from the entry id")
	}
	if exit != CloseOrderID("sig-1", "user-1") {
		t.Error("same inputs must yield the same close id")
	}
}

func TestClientOrderIDDeterministic(t *testing.T) {
	a := ClientOrderID("sig-1", "user-1")
	b := ClientOrderID("sig-1", "user-1")
	c := ClientOrderID("sig-1", "user-2")
	if a != b {
		t.Error("same inputs must yield the same id")
	}
	if a == c {
		t.Error("different users must yield different ids")
	}
}

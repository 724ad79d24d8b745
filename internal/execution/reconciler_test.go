package execution

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"signal-core/internal/events"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
)

func insertStaleOrder(t *testing.T, f *fixture, sig db.Signal, age time.Duration) db.Order {
	t.Helper()
	order := db.Order{
		ID:            uuid.NewString(),
		SignalID:      sig.ID,
		UserID:        "user-1",
		Venue:         "paper",
		Symbol:        sig.Symbol,
		Side:          "BUY",
		Qty:           10,
		Price:         100,
		Status:        "PENDING",
		ClientOrderID: ClientOrderID(sig.ID, "user-1"),
		Attempts:      1,
		CreatedAt:     time.Now().UTC().Add(-age),
	}
	if err := f.database.InsertOrder(context.Background(), order); err != nil {
		t.Fatal(err)
	}
	return order
}

func TestReconcileAdoptsLostFill(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	sig, _ := f.seed(t, "LONG")
	order := insertStaleOrder(t, f, sig, 2*time.Minute)

	// the venue executed the order but the ack never made it into the row
	if _, err := f.venue.SubmitOrder(ctx, common.OrderRequest{
		Symbol:   order.Symbol,
		Side:     common.SideBuy,
		Qty:      order.Qty,
		Price:    order.Price,
		ClientID: order.ClientOrderID,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	r := NewReconciler(f.engine, f.database, events.NewBus(), time.Minute, time.Minute)
	report, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Checked != 1 || report.Adopted != 1 {
		t.Fatalf("report = %+v, want 1 checked 1 adopted", report)
	}

	updated, err := f.database.GetOrderByClientID(ctx, order.ClientOrderID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != "FILLED" {
		t.Errorf("status = %s, want FILLED", updated.Status)
	}

	pos, err := f.database.OpenPositionForUser(ctx, "user-1", sig.Symbol)
	if err != nil {
		t.Fatalf("position after adopt: %v", err)
	}
	if pos.OrderID != order.ID {
		t.Errorf("position order id = %s, want %s", pos.OrderID, order.ID)
	}
}

func TestReconcileExpiresUnacknowledgedOrder(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	sig, _ := f.seed(t, "LONG")
	order := insertStaleOrder(t, f, sig, 2*time.Minute)

	r := NewReconciler(f.engine, f.database, events.NewBus(), time.Minute, time.Minute)
	report, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Expired != 1 {
		t.Fatalf("report = %+v, want 1 expired", report)
	}

	updated, err := f.database.GetOrderByClientID(ctx, order.ClientOrderID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != "REJECTED" || updated.Reason == "" {
		t.Errorf("order = %+v, want REJECTED with reason", updated)
	}
}

func TestReconcileHonorsGracePeriod(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	sig, _ := f.seed(t, "LONG")
	insertStaleOrder(t, f, sig, time.Second)

	r := NewReconciler(f.engine, f.database, events.NewBus(), time.Minute, time.Minute)
	report, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Checked != 0 {
		t.Errorf("checked = %d, want 0 inside the grace window", report.Checked)
	}
}

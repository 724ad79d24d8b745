package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"signal-core/internal/events"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
)

// Reconciler periodically re-queries venues for orders whose local status
// never reached a terminal state, typically after a crash between submit and
// acknowledgement. The venue answer for the client order id is authoritative.
type Reconciler struct {
	engine   *Engine
	database *db.Database
	bus      *events.Bus
	interval time.Duration
	grace    time.Duration // orders younger than this are left to the engine
	mu       sync.Mutex
}

// Report summarizes one reconciliation sweep.
type Report struct {
	Timestamp  time.Time
	Checked    int
	Adopted    int // venue reported a terminal status we were missing
	Expired    int // never reached the venue, marked rejected
	Unresolved int
}

func NewReconciler(engine *Engine, database *db.Database, bus *events.Bus, interval, grace time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if grace <= 0 {
		grace = time.Minute
	}
	return &Reconciler{
		engine:   engine,
		database: database,
		bus:      bus,
		interval: interval,
		grace:    grace,
	}
}

// Start runs periodic sweeps until the context ends.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := r.Reconcile(ctx)
				if err != nil {
					log.Printf("reconciler: sweep failed: %v", err)
					continue
				}
				if report.Checked > 0 {
					log.Printf("reconciler: checked %d orders, adopted %d, expired %d, unresolved %d",
						report.Checked, report.Adopted, report.Expired, report.Unresolved)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("reconciler: started (interval %v, grace %v)", r.interval, r.grace)
}

// Reconcile checks every stale non-terminal order against its venue.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := &Report{Timestamp: time.Now().UTC()}

	orders, err := r.database.ListUnresolvedOrders(ctx, time.Now().UTC().Add(-r.grace))
	if err != nil {
		return nil, err
	}

	for _, order := range orders {
		report.Checked++

		gw, err := r.engine.gateways.get(ctx, order.UserID, order.Venue)
		if err != nil {
			log.Printf("reconciler: gateway for order %s: %v", order.ID, err)
			report.Unresolved++
			continue
		}

		result, err := gw.QueryOrderByClientID(ctx, order.Symbol, order.ClientOrderID)
		if errors.Is(err, common.ErrOrderNotFound) {
			// never reached the venue; the scheduler gave up on the op long
			// ago, so record the terminal state here
			reason := "order not acknowledged by venue"
			if uerr := r.database.UpdateOrderResult(ctx, order.ID, "REJECTED", "", reason, order.Attempts, nil); uerr != nil {
				log.Printf("reconciler: expire order %s: %v", order.ID, uerr)
				report.Unresolved++
				continue
			}
			order.Status = "REJECTED"
			order.Reason = reason
			r.bus.Publish(events.EventOrderRejected, order)
			report.Expired++
			continue
		}
		if err != nil {
			log.Printf("reconciler: query %s on %s: %v", order.ClientOrderID, order.Venue, err)
			report.Unresolved++
			continue
		}

		if r.adopt(ctx, order, result) {
			report.Adopted++
		} else {
			report.Unresolved++
		}
	}

	return report, nil
}

// adopt applies a venue-reported status to the local order row, opening the
// position a lost acknowledgement would otherwise have skipped.
func (r *Reconciler) adopt(ctx context.Context, order db.Order, result common.OrderResult) bool {
	status := orderStatusOf(result.Status)
	if status == order.Status {
		return false
	}

	now := time.Now().UTC()
	var executedAt *time.Time
	if status == "FILLED" || status == "PARTIALLY_FILLED" {
		executedAt = &now
	}
	if err := r.database.UpdateOrderResult(ctx, order.ID, status, result.ExchangeOrderID, "", order.Attempts, executedAt); err != nil {
		log.Printf("reconciler: adopt status for order %s: %v", order.ID, err)
		return false
	}
	order.Status = status
	order.ExchangeOrderID = result.ExchangeOrderID
	order.ExecutedAt = executedAt

	switch status {
	case "FILLED", "PARTIALLY_FILLED":
		r.bus.Publish(events.EventOrderFilled, order)
		if err := r.openMissedPosition(ctx, order, result, now); err != nil {
			log.Printf("reconciler: position for order %s: %v", order.ID, err)
		}
	case "REJECTED", "CANCELLED":
		r.bus.Publish(events.EventOrderRejected, order)
	}
	return true
}

func (r *Reconciler) openMissedPosition(ctx context.Context, order db.Order, result common.OrderResult, now time.Time) error {
	// a position may already exist if the fill event got through
	if _, err := r.database.OpenPositionForUser(ctx, order.UserID, order.Symbol); err == nil {
		return nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	sig, err := r.database.GetSignal(ctx, order.SignalID)
	if err != nil {
		return fmt.Errorf("load signal: %w", err)
	}

	entryPrice := result.AvgPrice
	if entryPrice <= 0 {
		entryPrice = order.Price
	}
	size := result.FilledQty
	if size <= 0 {
		size = order.Qty
	}
	pos := db.Position{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		UserID:     order.UserID,
		Symbol:     order.Symbol,
		Side:       sig.Direction,
		EntryPrice: entryPrice,
		Size:       size,
		Status:     "OPEN",
		OpenedAt:   now,
	}
	if err := r.database.InsertPosition(ctx, pos); err != nil {
		return err
	}
	r.bus.Publish(events.EventPositionOpened, pos)
	return nil
}

// Package execution turns queued operations into venue orders. It resolves
// credentials, verifies balance, enforces mandatory TP/SL, submits with a
// deterministic client order id, and tracks fills into positions.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"signal-core/internal/events"
	"signal-core/internal/scheduler"
	"signal-core/internal/signal"
	"signal-core/internal/tier"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
	"signal-core/pkg/exchanges/paper"
	"signal-core/pkg/retry"
)

// orderNamespace seeds the deterministic client order ids. Fixed forever;
// changing it would break idempotency across deploys.
var orderNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("signal-core/orders"))

// ErrInsufficientBalance marks a rejected-for-funding execution.
var ErrInsufficientBalance = errors.New("insufficient balance for position size")

// Config tunes the engine.
type Config struct {
	Workers           int     // global parallelism cap
	PerVenueWorkers   int     // concurrency cap per venue
	VenueRPS          float64 // outbound request budget per venue
	DefaultStopPct    float64 // stop loss offset, fraction of entry
	DefaultProfitPct  float64 // take profit offset, fraction of entry
	ManagedNotional   float64 // quote-asset position size for MANAGED
	SandboxNotional   float64 // quote-asset position size for SANDBOX
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	Testnet           bool
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.PerVenueWorkers <= 0 {
		c.PerVenueWorkers = 4
	}
	if c.VenueRPS <= 0 {
		c.VenueRPS = 10
	}
	if c.DefaultStopPct <= 0 {
		c.DefaultStopPct = 0.02
	}
	if c.DefaultProfitPct <= 0 {
		c.DefaultProfitPct = 0.04
	}
	if c.ManagedNotional <= 0 {
		c.ManagedNotional = 1000
	}
	if c.SandboxNotional <= 0 {
		c.SandboxNotional = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
}

// Settler finalizes commission for a closed position. Implemented by the
// settlement package.
type Settler interface {
	Settle(ctx context.Context, pos db.Position) (*db.CommissionRecord, error)
}

// Engine executes operations against venues.
type Engine struct {
	cfg       Config
	database  *db.Database
	bus       *events.Bus
	settler   Settler
	prices    PriceSource
	gateways  *gatewayPool
	throttles *common.ThrottleRegistry
	sem       chan struct{}
	policy    retry.Policy
}

func New(cfg Config, database *db.Database, vault *crypto.Vault, bus *events.Bus, settler Settler, prices PriceSource, paperVenue *paper.Venue) *Engine {
	cfg.setDefaults()
	e := &Engine{
		cfg:      cfg,
		database: database,
		bus:      bus,
		settler:  settler,
		prices:   prices,
		gateways: newGatewayPool(database, vault, cfg.Testnet, paperVenue, 10*time.Minute),
		sem:      make(chan struct{}, cfg.Workers),
	}
	e.throttles = common.NewThrottleRegistry(func(venue string) *common.Throttle {
		return common.NewThrottle(cfg.VenueRPS, int(cfg.VenueRPS), cfg.PerVenueWorkers)
	})
	e.policy = retry.DefaultPolicy(common.IsTransient)
	e.policy.MaxAttempts = cfg.MaxAttempts
	e.policy.BaseDelay = cfg.RetryBaseDelay
	return e
}

// ClientOrderID derives the deterministic idempotency key for one
// (signal, user) pair. Identical inputs always produce the same id.
func ClientOrderID(signalID, userID string) string {
	return uuid.NewSHA1(orderNamespace, []byte(signalID+"|"+userID)).String()
}

// CloseOrderID derives the exit order's client id for the same pair. It is a
// separate uuid rather than a suffixed entry id: venues cap client order ids
// at 36 characters and the entry id already fills the budget.
func CloseOrderID(signalID, userID string) string {
	return uuid.NewSHA1(orderNamespace, []byte(signalID+"|"+userID+"|close")).String()
}

// ExecuteOp runs one queued operation to an outcome. Transient venue
// failures that survive the in-process retry budget are reported back for
// re-enqueue; business rejections are definitive results.
func (e *Engine) ExecuteOp(ctx context.Context, op db.QueuedOperation) scheduler.Outcome {
	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	sig, err := e.database.GetSignal(ctx, op.SignalID)
	if err != nil {
		return scheduler.Outcome{Reason: fmt.Sprintf("load signal: %v", err)}
	}

	gw, err := e.gateways.get(ctx, op.UserID, op.Venue)
	if err != nil {
		return scheduler.Outcome{Reason: fmt.Sprintf("resolve gateway: %v", err)}
	}

	// An opposite-direction signal against an open position is an exit.
	if open, err := e.database.OpenPositionForUser(ctx, op.UserID, sig.Symbol); err == nil {
		if open.Side == sig.Direction {
			return scheduler.Outcome{OK: true, Reason: "position already open for this direction"}
		}
		if err := e.closePosition(ctx, gw, op, open); err != nil {
			if common.IsTransient(err) {
				return scheduler.Outcome{Retry: true, Reason: fmt.Sprintf("close position: %v", err)}
			}
			return scheduler.Outcome{Reason: fmt.Sprintf("close position: %v", err)}
		}
		return scheduler.Outcome{OK: true, Reason: "position closed on exit signal"}
	} else if !errors.Is(err, db.ErrNotFound) {
		return scheduler.Outcome{Reason: fmt.Sprintf("check open position: %v", err)}
	}

	order, err := e.buildOrder(ctx, op, sig)
	if err != nil {
		return scheduler.Outcome{Reason: err.Error()}
	}

	// Balance gate: the tier's notional must be covered or the order is
	// rejected outright, no retry.
	balance, err := gw.Balance(ctx)
	if err != nil {
		if common.IsTransient(err) {
			return scheduler.Outcome{Retry: true, Reason: fmt.Sprintf("balance check: %v", err)}
		}
		return scheduler.Outcome{Reason: fmt.Sprintf("balance check: %v", err)}
	}
	notional := order.Qty * order.Price
	if balance.Available < notional {
		reason := fmt.Sprintf("%v: need %.2f, have %.2f", ErrInsufficientBalance, notional, balance.Available)
		e.recordRejection(ctx, order, reason)
		return scheduler.Outcome{OK: true, Reason: reason}
	}

	return e.submit(ctx, gw, op, sig, order)
}

// buildOrder sizes the order for the tier and computes mandatory TP/SL from
// the configured offsets. An order is never submitted without both levels,
// with stopLoss < entry < takeProfit for LONG and the reverse for SHORT.
func (e *Engine) buildOrder(ctx context.Context, op db.QueuedOperation, sig db.Signal) (db.Order, error) {
	price, err := e.prices.Price(ctx, sig.Symbol)
	if err != nil {
		return db.Order{}, fmt.Errorf("reference price: %w", err)
	}
	if price <= 0 {
		return db.Order{}, fmt.Errorf("invalid reference price %v for %s", price, sig.Symbol)
	}

	notional := e.cfg.SandboxNotional
	if op.Tier == tier.Managed {
		notional = e.cfg.ManagedNotional
	}

	side := "BUY"
	takeProfit := price * (1 + e.cfg.DefaultProfitPct)
	stopLoss := price * (1 - e.cfg.DefaultStopPct)
	if sig.Direction == signal.DirectionShort {
		side = "SELL"
		takeProfit = price * (1 - e.cfg.DefaultProfitPct)
		stopLoss = price * (1 + e.cfg.DefaultStopPct)
	}

	return db.Order{
		ID:            uuid.NewString(),
		SignalID:      op.SignalID,
		UserID:        op.UserID,
		Venue:         op.Venue,
		Symbol:        sig.Symbol,
		Side:          side,
		Qty:           notional / price,
		Price:         price,
		TakeProfit:    takeProfit,
		StopLoss:      stopLoss,
		Status:        "PENDING",
		ClientOrderID: ClientOrderID(op.SignalID, op.UserID),
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// submit sends the order with the retry policy. Before every retry the venue
// is queried for the client order id so an ambiguous network failure never
// double-executes.
func (e *Engine) submit(ctx context.Context, gw common.Gateway, op db.QueuedOperation, sig db.Signal, order db.Order) scheduler.Outcome {
	// A previous run may have recorded this order already; adopt it.
	if existing, err := e.database.GetOrderByClientID(ctx, order.ClientOrderID); err == nil {
		if isTerminalOrderStatus(existing.Status) {
			return scheduler.Outcome{OK: true, Reason: "order already " + strings.ToLower(existing.Status)}
		}
		order = existing
	} else if errors.Is(err, db.ErrNotFound) {
		if err := e.database.InsertOrder(ctx, order); err != nil {
			return scheduler.Outcome{Reason: fmt.Sprintf("persist order: %v", err)}
		}
	} else {
		return scheduler.Outcome{Reason: fmt.Sprintf("lookup order: %v", err)}
	}

	throttle := e.throttles.For(op.Venue)
	request := common.OrderRequest{
		Symbol:     order.Symbol,
		Side:       common.Side(order.Side),
		Qty:        order.Qty,
		Price:      order.Price,
		TakeProfit: order.TakeProfit,
		StopLoss:   order.StopLoss,
		ClientID:   order.ClientOrderID,
	}

	var result common.OrderResult
	attempts, err := e.policy.Do(ctx, func(attempt int) error {
		release, err := throttle.Acquire(ctx)
		if err != nil {
			return err
		}
		defer release()

		if attempt > 0 {
			// the previous attempt may have reached the venue
			if found, qerr := gw.QueryOrderByClientID(ctx, order.Symbol, order.ClientOrderID); qerr == nil {
				result = found
				return nil
			} else if !errors.Is(qerr, common.ErrOrderNotFound) {
				log.Printf("executor: pre-retry lookup on %s failed: %v", op.Venue, qerr)
			}
		}

		res, err := gw.SubmitOrder(ctx, request)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	order.Attempts = attempts

	if err != nil {
		if common.IsTransient(err) {
			// hand back for re-enqueue; the order row stays PENDING
			if uerr := e.database.UpdateOrderResult(ctx, order.ID, "PENDING", "", err.Error(), order.Attempts, nil); uerr != nil {
				log.Printf("executor: record transient failure: %v", uerr)
			}
			return scheduler.Outcome{Retry: true, Reason: fmt.Sprintf("submit to %s: %v", op.Venue, err)}
		}
		e.dropGatewayOnAuthError(err, op.UserID, op.Venue)
		e.recordRejection(ctx, order, fmt.Sprintf("submit to %s: %v", op.Venue, err))
		return scheduler.Outcome{Reason: fmt.Sprintf("submit to %s: %v", op.Venue, err)}
	}

	return e.recordResult(ctx, op, sig, order, result)
}

// recordResult applies the venue ack to the order and opens a position on
// fill.
func (e *Engine) recordResult(ctx context.Context, op db.QueuedOperation, sig db.Signal, order db.Order, result common.OrderResult) scheduler.Outcome {
	status := orderStatusOf(result.Status)
	now := time.Now().UTC()
	var executedAt *time.Time
	if status == "FILLED" || status == "PARTIALLY_FILLED" {
		executedAt = &now
	}
	if err := e.database.UpdateOrderResult(ctx, order.ID, status, result.ExchangeOrderID, "", order.Attempts, executedAt); err != nil {
		return scheduler.Outcome{Reason: fmt.Sprintf("record result: %v", err)}
	}
	order.Status = status
	order.ExchangeOrderID = result.ExchangeOrderID
	order.ExecutedAt = executedAt

	switch status {
	case "FILLED", "PARTIALLY_FILLED":
		e.bus.Publish(events.EventOrderFilled, order)
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
		if err := e.database.InsertPosition(ctx, pos); err != nil {
			return scheduler.Outcome{Reason: fmt.Sprintf("open position: %v", err)}
		}
		e.bus.Publish(events.EventPositionOpened, pos)
		log.Printf("executor: %s %s %s filled %.6f @ %.2f for user %s", op.Venue, order.Side, order.Symbol, size, entryPrice, order.UserID)
		return scheduler.Outcome{OK: true, Reason: "filled"}
	case "REJECTED":
		e.bus.Publish(events.EventOrderRejected, order)
		return scheduler.Outcome{OK: true, Reason: "rejected by venue"}
	default:
		e.bus.Publish(events.EventOrderSubmitted, order)
		return scheduler.Outcome{OK: true, Reason: "submitted, status " + strings.ToLower(status)}
	}
}

// closePosition exits an open position with a reduce-only order, realizes
// PnL, and invokes settlement.
func (e *Engine) closePosition(ctx context.Context, gw common.Gateway, op db.QueuedOperation, pos db.Position) error {
	exitPrice, err := e.prices.Price(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("exit price: %w", err)
	}

	side := common.SideSell
	if pos.Side == signal.DirectionShort {
		side = common.SideBuy
	}

	throttle := e.throttles.For(op.Venue)
	release, err := throttle.Acquire(ctx)
	if err != nil {
		return err
	}
	result, err := gw.SubmitOrder(ctx, common.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       side,
		Qty:        pos.Size,
		Price:      exitPrice,
		ClientID:   CloseOrderID(op.SignalID, op.UserID),
		ReduceOnly: true,
	})
	release()
	if err != nil {
		e.dropGatewayOnAuthError(err, op.UserID, op.Venue)
		return fmt.Errorf("exit order: %w", err)
	}
	if result.AvgPrice > 0 {
		exitPrice = result.AvgPrice
	}

	realized := (exitPrice - pos.EntryPrice) * pos.Size
	if pos.Side == signal.DirectionShort {
		realized = -realized
	}
	if err := e.database.ClosePosition(ctx, pos.ID, realized); err != nil {
		return fmt.Errorf("close position row: %w", err)
	}
	pos.RealizedPnl = realized
	pos.Status = "CLOSED"
	e.bus.Publish(events.EventPositionClosed, pos)
	log.Printf("executor: closed %s %s position for user %s, pnl %.2f", pos.Side, pos.Symbol, pos.UserID, realized)

	if e.settler != nil {
		if _, err := e.settler.Settle(ctx, pos); err != nil {
			// the position is closed; settlement failure must be visible
			// but does not reopen it
			log.Printf("executor: settlement for position %s: %v", pos.ID, err)
			e.bus.Publish(events.EventPipelineAlert, fmt.Sprintf("settlement failed for position %s: %v", pos.ID, err))
		}
	}
	return nil
}

// CloseForOperation closes whatever position the operation's fill opened.
// Invoked when a cancel arrived while the operation was PROCESSING.
func (e *Engine) CloseForOperation(ctx context.Context, op db.QueuedOperation) error {
	sig, err := e.database.GetSignal(ctx, op.SignalID)
	if err != nil {
		return fmt.Errorf("load signal: %w", err)
	}
	pos, err := e.database.OpenPositionForUser(ctx, op.UserID, sig.Symbol)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil // nothing to close
		}
		return err
	}
	gw, err := e.gateways.get(ctx, op.UserID, op.Venue)
	if err != nil {
		return err
	}
	return e.closePosition(ctx, gw, op, pos)
}

// dropGatewayOnAuthError evicts the cached gateway after an auth rejection
// so rotated credentials are re-resolved on the next order rather than when
// the cache TTL expires.
func (e *Engine) dropGatewayOnAuthError(err error, userID, venue string) {
	var ve *common.VenueError
	if errors.As(err, &ve) && (ve.Code == 401 || ve.Code == 403) {
		log.Printf("executor: auth error on %s for user %s, dropping cached gateway", venue, userID)
		e.gateways.invalidate(userID, venue)
	}
}

func (e *Engine) recordRejection(ctx context.Context, order db.Order, reason string) {
	if order.ID == "" {
		return
	}
	// the row may not exist yet when rejection happens pre-submit
	if _, err := e.database.GetOrderByClientID(ctx, order.ClientOrderID); errors.Is(err, db.ErrNotFound) {
		order.Status = "REJECTED"
		order.Reason = reason
		if err := e.database.InsertOrder(ctx, order); err != nil {
			log.Printf("executor: persist rejected order: %v", err)
		}
	} else {
		if err := e.database.UpdateOrderResult(ctx, order.ID, "REJECTED", "", reason, order.Attempts, nil); err != nil {
			log.Printf("executor: record rejection: %v", err)
		}
	}
	e.bus.Publish(events.EventOrderRejected, order)
}

func isTerminalOrderStatus(status string) bool {
	switch status {
	case "FILLED", "REJECTED", "CANCELLED":
		return true
	}
	return false
}

func orderStatusOf(s common.OrderStatus) string {
	switch s {
	case common.StatusFilled:
		return "FILLED"
	case common.StatusPartial:
		return "PARTIALLY_FILLED"
	case common.StatusRejected:
		return "REJECTED"
	case common.StatusCanceled:
		return "CANCELLED"
	default:
		return "SUBMITTED"
	}
}

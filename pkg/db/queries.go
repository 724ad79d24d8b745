// Package db provides the durable store for the signal pipeline. Idempotency
// keys (queued_operations signal_id+user_id, orders client_order_id) are
// enforced here with unique constraints.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
)

// ----------------------------------------
// Signal queries
// ----------------------------------------

// InsertSignal stores a canonical signal together with its raw payload.
func (d *Database) InsertSignal(ctx context.Context, s Signal) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO signals (id, symbol, direction, strength, source, raw_payload, status, reason, policy_stale, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Symbol, s.Direction, s.Strength, s.Source, s.RawPayload, s.Status, s.Reason, boolToInt(s.PolicyStale), s.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// UpdateSignalStatus records the gate outcome for a signal.
func (d *Database) UpdateSignalStatus(ctx context.Context, id, status, reason string, stale bool) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE signals SET status = ?, reason = ?, policy_stale = ? WHERE id = ?
	`, status, reason, boolToInt(stale), id)
	if err != nil {
		return fmt.Errorf("update signal status: %w", err)
	}
	return nil
}

// GetSignal returns one signal by id.
func (d *Database) GetSignal(ctx context.Context, id string) (Signal, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, symbol, direction, strength, source, raw_payload, status, reason, policy_stale, received_at
		FROM signals WHERE id = ?
	`, id)
	var s Signal
	var stale int
	err := row.Scan(&s.ID, &s.Symbol, &s.Direction, &s.Strength, &s.Source, &s.RawPayload, &s.Status, &s.Reason, &stale, &s.ReceivedAt)
	if err == sql.ErrNoRows {
		return Signal{}, ErrNotFound
	}
	if err != nil {
		return Signal{}, fmt.Errorf("get signal: %w", err)
	}
	s.PolicyStale = stale == 1
	return s, nil
}

// ListSignals returns the most recent signals, newest first.
func (d *Database) ListSignals(ctx context.Context, limit int) ([]Signal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, direction, strength, source, raw_payload, status, reason, policy_stale, received_at
		FROM signals ORDER BY received_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		var s Signal
		var stale int
		if err := rows.Scan(&s.ID, &s.Symbol, &s.Direction, &s.Strength, &s.Source, &s.RawPayload, &s.Status, &s.Reason, &stale, &s.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		s.PolicyStale = stale == 1
		out = append(out, s)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Direction policy queries
// ----------------------------------------

// InsertPolicy appends a policy row to the history log.
func (d *Database) InsertPolicy(ctx context.Context, p DirectionPolicy) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO direction_policies (direction, sentiment_score, reason, computed_at)
		VALUES (?, ?, ?, ?)
	`, p.Direction, p.SentimentScore, p.Reason, p.ComputedAt)
	if err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}

// LatestPolicy returns the newest policy row, or ErrNotFound on an empty log.
func (d *Database) LatestPolicy(ctx context.Context) (DirectionPolicy, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, direction, sentiment_score, reason, computed_at
		FROM direction_policies ORDER BY id DESC LIMIT 1
	`)
	var p DirectionPolicy
	err := row.Scan(&p.ID, &p.Direction, &p.SentimentScore, &p.Reason, &p.ComputedAt)
	if err == sql.ErrNoRows {
		return DirectionPolicy{}, ErrNotFound
	}
	if err != nil {
		return DirectionPolicy{}, fmt.Errorf("latest policy: %w", err)
	}
	return p, nil
}

// ListPolicies returns recent policy transitions, newest first.
func (d *Database) ListPolicies(ctx context.Context, limit int) ([]DirectionPolicy, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, direction, sentiment_score, reason, computed_at
		FROM direction_policies ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []DirectionPolicy
	for rows.Next() {
		var p DirectionPolicy
		if err := rows.Scan(&p.ID, &p.Direction, &p.SentimentScore, &p.Reason, &p.ComputedAt); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Queued operation queries
// ----------------------------------------

// InsertQueuedOp inserts a queued operation unless one already exists for the
// (signal_id, user_id) pair. Returns false when the insert was a no-op.
func (d *Database) InsertQueuedOp(ctx context.Context, op QueuedOperation) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO queued_operations (id, signal_id, user_id, tier, venue, status, attempts, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(signal_id, user_id) DO NOTHING
	`, op.ID, op.SignalID, op.UserID, op.Tier, op.Venue, op.Status, op.Attempts, op.EnqueuedAt)
	if err != nil {
		return false, fmt.Errorf("insert queued op: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert queued op rows: %w", err)
	}
	return n > 0, nil
}

// UpdateQueuedOp records a status transition (and attempt count) for an operation.
func (d *Database) UpdateQueuedOp(ctx context.Context, id, status string, attempts int, reason string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE queued_operations
		SET status = ?, attempts = ?, reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, attempts, reason, id)
	if err != nil {
		return fmt.Errorf("update queued op: %w", err)
	}
	return nil
}

// DeleteQueuedOp removes an operation; only valid while it is still QUEUED.
func (d *Database) DeleteQueuedOp(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx, `
		DELETE FROM queued_operations WHERE id = ? AND status = 'QUEUED'
	`, id)
	if err != nil {
		return fmt.Errorf("delete queued op: %w", err)
	}
	return nil
}

// GetQueuedOp returns one operation by id, or ErrNotFound.
func (d *Database) GetQueuedOp(ctx context.Context, id string) (QueuedOperation, error) {
	var op QueuedOperation
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, signal_id, user_id, tier, venue, status, attempts, reason, enqueued_at, updated_at
		FROM queued_operations WHERE id = ?
	`, id).Scan(&op.ID, &op.SignalID, &op.UserID, &op.Tier, &op.Venue, &op.Status, &op.Attempts, &op.Reason, &op.EnqueuedAt, &op.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return QueuedOperation{}, ErrNotFound
	}
	if err != nil {
		return QueuedOperation{}, fmt.Errorf("get queued op: %w", err)
	}
	return op, nil
}

// ListOpsBySignal returns all per-user operations spawned by one signal.
func (d *Database) ListOpsBySignal(ctx context.Context, signalID string) ([]QueuedOperation, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, signal_id, user_id, tier, venue, status, attempts, reason, enqueued_at, updated_at
		FROM queued_operations WHERE signal_id = ? ORDER BY enqueued_at
	`, signalID)
	if err != nil {
		return nil, fmt.Errorf("list ops by signal: %w", err)
	}
	defer rows.Close()

	var out []QueuedOperation
	for rows.Next() {
		var op QueuedOperation
		if err := rows.Scan(&op.ID, &op.SignalID, &op.UserID, &op.Tier, &op.Venue, &op.Status, &op.Attempts, &op.Reason, &op.EnqueuedAt, &op.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan queued op: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// ListQueuedOps returns every operation still in QUEUED state, oldest first.
// Used to rebuild the in-memory queues after a restart.
func (d *Database) ListQueuedOps(ctx context.Context) ([]QueuedOperation, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, signal_id, user_id, tier, venue, status, attempts, reason, enqueued_at, updated_at
		FROM queued_operations WHERE status = 'QUEUED' ORDER BY enqueued_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list queued ops: %w", err)
	}
	defer rows.Close()

	var out []QueuedOperation
	for rows.Next() {
		var op QueuedOperation
		if err := rows.Scan(&op.ID, &op.SignalID, &op.UserID, &op.Tier, &op.Venue, &op.Status, &op.Attempts, &op.Reason, &op.EnqueuedAt, &op.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan queued op: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// ResetProcessingOps requeues operations left PROCESSING by a crashed run.
// Called once on startup before the scheduler loop begins.
func (d *Database) ResetProcessingOps(ctx context.Context) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE queued_operations
		SET status = 'QUEUED', updated_at = CURRENT_TIMESTAMP
		WHERE status = 'PROCESSING'
	`)
	if err != nil {
		return 0, fmt.Errorf("reset processing ops: %w", err)
	}
	return res.RowsAffected()
}

// ----------------------------------------
// Order queries
// ----------------------------------------

// InsertOrder stores an order row; the client_order_id unique constraint is the
// storage-level idempotency guard.
func (d *Database) InsertOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (id, signal_id, user_id, venue, symbol, side, qty, price, take_profit, stop_loss,
		                    status, reason, client_order_id, exchange_order_id, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.SignalID, o.UserID, o.Venue, o.Symbol, o.Side, o.Qty, o.Price, o.TakeProfit, o.StopLoss,
		o.Status, o.Reason, o.ClientOrderID, o.ExchangeOrderID, o.Attempts, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrderByClientID looks up an order by its idempotency key.
func (d *Database) GetOrderByClientID(ctx context.Context, clientOrderID string) (Order, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, signal_id, user_id, venue, symbol, side, qty, price, take_profit, stop_loss,
		       status, reason, client_order_id, exchange_order_id, attempts, created_at, executed_at
		FROM orders WHERE client_order_id = ?
	`, clientOrderID)
	return scanOrder(row)
}

// UpdateOrderResult records the venue acknowledgement (or terminal failure).
func (d *Database) UpdateOrderResult(ctx context.Context, id, status, exchangeOrderID, reason string, attempts int, executedAt *time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, exchange_order_id = ?, reason = ?, attempts = ?, executed_at = ?
		WHERE id = ?
	`, status, exchangeOrderID, reason, attempts, executedAt, id)
	if err != nil {
		return fmt.Errorf("update order result: %w", err)
	}
	return nil
}

// ListUnresolvedOrders returns orders still awaiting a terminal venue status
// that were created before the cutoff. Input to reconciliation.
func (d *Database) ListUnresolvedOrders(ctx context.Context, before time.Time) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, signal_id, user_id, venue, symbol, side, qty, price, take_profit, stop_loss,
		       status, reason, client_order_id, exchange_order_id, attempts, created_at, executed_at
		FROM orders
		WHERE status IN ('PENDING', 'SUBMITTED', 'PARTIALLY_FILLED') AND created_at < ?
		ORDER BY created_at
	`, before)
	if err != nil {
		return nil, fmt.Errorf("list unresolved orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListOrdersBySignal returns per-user execution outcomes for one signal.
func (d *Database) ListOrdersBySignal(ctx context.Context, signalID string) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, signal_id, user_id, venue, symbol, side, qty, price, take_profit, stop_loss,
		       status, reason, client_order_id, exchange_order_id, attempts, created_at, executed_at
		FROM orders WHERE signal_id = ? ORDER BY created_at
	`, signalID)
	if err != nil {
		return nil, fmt.Errorf("list orders by signal: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (Order, error) {
	var o Order
	var executedAt sql.NullTime
	err := row.Scan(&o.ID, &o.SignalID, &o.UserID, &o.Venue, &o.Symbol, &o.Side, &o.Qty, &o.Price, &o.TakeProfit, &o.StopLoss,
		&o.Status, &o.Reason, &o.ClientOrderID, &o.ExchangeOrderID, &o.Attempts, &o.CreatedAt, &executedAt)
	if err == sql.ErrNoRows {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("scan order: %w", err)
	}
	if executedAt.Valid {
		t := executedAt.Time
		o.ExecutedAt = &t
	}
	return o, nil
}

// ----------------------------------------
// Position queries
// ----------------------------------------

// InsertPosition opens a position for a filled order.
func (d *Database) InsertPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (id, order_id, user_id, symbol, side, entry_price, size, unrealized_pnl, realized_pnl, status, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.OrderID, p.UserID, p.Symbol, p.Side, p.EntryPrice, p.Size, p.UnrealizedPnl, p.RealizedPnl, p.Status, p.OpenedAt)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// GetPosition returns one position by id.
func (d *Database) GetPosition(ctx context.Context, id string) (Position, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, order_id, user_id, symbol, side, entry_price, size, unrealized_pnl, realized_pnl, status, opened_at, closed_at
		FROM positions WHERE id = ?
	`, id)
	return scanPosition(row)
}

// OpenPositionForUser returns the user's OPEN position on a symbol, if any.
func (d *Database) OpenPositionForUser(ctx context.Context, userID, symbol string) (Position, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, order_id, user_id, symbol, side, entry_price, size, unrealized_pnl, realized_pnl, status, opened_at, closed_at
		FROM positions WHERE user_id = ? AND symbol = ? AND status = 'OPEN' LIMIT 1
	`, userID, symbol)
	return scanPosition(row)
}

// ClosePosition marks a position CLOSED with its realized PnL.
func (d *Database) ClosePosition(ctx context.Context, id string, realizedPnl float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE positions
		SET status = 'CLOSED', realized_pnl = ?, unrealized_pnl = 0, closed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'OPEN'
	`, realizedPnl, id)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	return nil
}

func scanPosition(row rowScanner) (Position, error) {
	var p Position
	var closedAt sql.NullTime
	err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &p.Symbol, &p.Side, &p.EntryPrice, &p.Size, &p.UnrealizedPnl, &p.RealizedPnl, &p.Status, &p.OpenedAt, &closedAt)
	if err == sql.ErrNoRows {
		return Position{}, ErrNotFound
	}
	if err != nil {
		return Position{}, fmt.Errorf("scan position: %w", err)
	}
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	return p, nil
}

// ----------------------------------------
// Commission queries
// ----------------------------------------

// InsertCommission writes the commission record and all ledger entries in one
// transaction so partial attribution can never occur.
func (d *Database) InsertCommission(ctx context.Context, rec CommissionRecord, entries []LedgerEntry) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commission tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO commission_records (id, user_id, position_id, gross_profit, commission_rate, total_commission,
		                                affiliate_share, company_share, currency, secondary_currency, secondary_total, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, rec.PositionID, rec.GrossProfit, rec.CommissionRate, rec.TotalCommission,
		rec.AffiliateShare, rec.CompanyShare, rec.Currency, rec.SecondaryCurrency, rec.SecondaryTotal, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert commission record: %w", err)
	}

	for _, e := range entries {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (commission_id, account, amount, currency)
			VALUES (?, ?, ?, ?)
		`, e.CommissionID, e.Account, e.Amount, e.Currency)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
	}

	return tx.Commit()
}

// GetCommissionByPosition returns the settlement for a position, if one exists.
func (d *Database) GetCommissionByPosition(ctx context.Context, positionID string) (CommissionRecord, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, position_id, gross_profit, commission_rate, total_commission,
		       affiliate_share, company_share, currency, secondary_currency, secondary_total, created_at
		FROM commission_records WHERE position_id = ?
	`, positionID)
	var r CommissionRecord
	err := row.Scan(&r.ID, &r.UserID, &r.PositionID, &r.GrossProfit, &r.CommissionRate, &r.TotalCommission,
		&r.AffiliateShare, &r.CompanyShare, &r.Currency, &r.SecondaryCurrency, &r.SecondaryTotal, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return CommissionRecord{}, ErrNotFound
	}
	if err != nil {
		return CommissionRecord{}, fmt.Errorf("get commission: %w", err)
	}
	return r, nil
}

// ListCommissionsByUser returns a user's settlements, newest first.
func (d *Database) ListCommissionsByUser(ctx context.Context, userID string, limit int) ([]CommissionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, position_id, gross_profit, commission_rate, total_commission,
		       affiliate_share, company_share, currency, secondary_currency, secondary_total, created_at
		FROM commission_records WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list commissions: %w", err)
	}
	defer rows.Close()

	var out []CommissionRecord
	for rows.Next() {
		var r CommissionRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.PositionID, &r.GrossProfit, &r.CommissionRate, &r.TotalCommission,
			&r.AffiliateShare, &r.CompanyShare, &r.Currency, &r.SecondaryCurrency, &r.SecondaryTotal, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan commission: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ----------------------------------------
// User and connection queries
// ----------------------------------------

// CreateUser inserts a user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, plan, affiliate_id, country, funding, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash, u.Plan, u.AffiliateID, u.Country, u.Funding, boolToInt(u.IsActive), u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser returns one user by id.
func (d *Database) GetUser(ctx context.Context, id string) (User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, plan, affiliate_id, country, funding, is_active, created_at
		FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

// GetUserByEmail returns one user by email.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, plan, affiliate_id, country, funding, is_active, created_at
		FROM users WHERE email = ?
	`, email)
	return scanUser(row)
}

func scanUser(row rowScanner) (User, error) {
	var u User
	var active int
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Plan, &u.AffiliateID, &u.Country, &u.Funding, &active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	u.IsActive = active == 1
	return u, nil
}

// CreateConnection stores a user's encrypted venue credentials.
func (d *Database) CreateConnection(ctx context.Context, c Connection) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO connections (id, user_id, venue, api_key_encrypted, api_secret_encrypted, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.UserID, c.Venue, c.APIKeyEncrypted, c.APISecretEncrypted, boolToInt(c.IsActive), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create connection: %w", err)
	}
	return nil
}

// ActiveConnection resolves the (user, venue) credential pair used by the engine.
func (d *Database) ActiveConnection(ctx context.Context, userID, venue string) (Connection, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, venue, api_key_encrypted, api_secret_encrypted, is_active, created_at
		FROM connections WHERE user_id = ? AND venue = ? AND is_active = 1 LIMIT 1
	`, userID, venue)
	return scanConnection(row)
}

// ListActiveConnections returns every active (user, venue) pair of an active
// user; this is the fan-out set for an approved signal.
func (d *Database) ListActiveConnections(ctx context.Context) ([]Connection, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT c.id, c.user_id, c.venue, c.api_key_encrypted, c.api_secret_encrypted, c.is_active, c.created_at
		FROM connections c
		JOIN users u ON u.id = c.user_id AND u.is_active = 1
		WHERE c.is_active = 1
		ORDER BY c.created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active connections: %w", err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		c, err := scanConnectionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConnection(row rowScanner) (Connection, error) {
	var c Connection
	var active int
	err := row.Scan(&c.ID, &c.UserID, &c.Venue, &c.APIKeyEncrypted, &c.APISecretEncrypted, &active, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return Connection{}, ErrNotFound
	}
	if err != nil {
		return Connection{}, fmt.Errorf("scan connection: %w", err)
	}
	c.IsActive = active == 1
	return c, nil
}

func scanConnectionRows(rows *sql.Rows) (Connection, error) {
	var c Connection
	var active int
	if err := rows.Scan(&c.ID, &c.UserID, &c.Venue, &c.APIKeyEncrypted, &c.APISecretEncrypted, &active, &c.CreatedAt); err != nil {
		return Connection{}, fmt.Errorf("scan connection: %w", err)
	}
	c.IsActive = active == 1
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package db

import (
	"time"
)

// Signal is the canonical record produced by the normalizer.
// Rejected payloads are stored too, with status REJECTED and the reason set.
type Signal struct {
	ID          string
	Symbol      string
	Direction   string // LONG / SHORT
	Strength    float64
	Source      string
	RawPayload  string // verbatim upstream payload, kept for audit
	Status      string // RECEIVED / APPROVED / REJECTED
	Reason      string
	PolicyStale bool // gated against a stale direction policy
	ReceivedAt  time.Time
}

// DirectionPolicy is one row of the append-only policy history.
// The newest row is the active policy.
type DirectionPolicy struct {
	ID             int64
	Direction      string // LONG_ONLY / SHORT_ONLY / BOTH
	SentimentScore float64
	Reason         string
	ComputedAt     time.Time
}

// QueuedOperation is one user's pending execution of one signal.
type QueuedOperation struct {
	ID         string
	SignalID   string
	UserID     string
	Tier       string // MANAGED / SANDBOX
	Venue      string
	Status     string // QUEUED / PROCESSING / DONE / FAILED
	Attempts   int
	Reason     string
	EnqueuedAt time.Time
	UpdatedAt  time.Time
}

// Order is an order submitted (or rejected before submission) by the engine.
type Order struct {
	ID              string
	SignalID        string
	UserID          string
	Venue           string
	Symbol          string
	Side            string // BUY / SELL
	Qty             float64
	Price           float64
	TakeProfit      float64
	StopLoss        float64
	Status          string // PENDING / SUBMITTED / FILLED / PARTIALLY_FILLED / REJECTED / CANCELLED
	Reason          string
	ClientOrderID   string // deterministic idempotency key
	ExchangeOrderID string
	Attempts        int
	CreatedAt       time.Time
	ExecutedAt      *time.Time
}

// Position tracks an open or closed position created from a filled order.
type Position struct {
	ID            string
	OrderID       string
	UserID        string
	Symbol        string
	Side          string // LONG / SHORT
	EntryPrice    float64
	Size          float64
	UnrealizedPnl float64
	RealizedPnl   float64
	Status        string // OPEN / CLOSED
	OpenedAt      time.Time
	ClosedAt      *time.Time
}

// CommissionRecord is created exactly once per profitable closed position.
// Monetary fields are decimal strings to keep settlement math exact.
type CommissionRecord struct {
	ID                string
	UserID            string
	PositionID        string
	GrossProfit       string
	CommissionRate    string
	TotalCommission   string
	AffiliateShare    string
	CompanyShare      string
	Currency          string
	SecondaryCurrency string
	SecondaryTotal    string
	CreatedAt         time.Time
}

// LedgerEntry credits either the company or an affiliate account.
type LedgerEntry struct {
	ID           int64
	CommissionID string
	Account      string // COMPANY or AFFILIATE:<user_id>
	Amount       string
	Currency     string
	CreatedAt    time.Time
}

// User is a trading user (and operator login).
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Plan         string // MONTHLY / PREPAID
	AffiliateID  string
	Country      string
	Funding      float64
	IsActive     bool
	CreatedAt    time.Time
}

// Connection holds a user's encrypted venue credentials.
type Connection struct {
	ID                 string
	UserID             string
	Venue              string
	APIKeyEncrypted    string
	APISecretEncrypted string
	IsActive           bool
	CreatedAt          time.Time
}

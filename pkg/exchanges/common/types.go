package common

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus normalizes venue status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELLED"
	StatusRejected OrderStatus = "REJECTED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order intent to be sent to a venue.
// TakeProfit and StopLoss are mandatory for entries; the engine never
// submits a request without both.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Qty        float64
	Price      float64 // 0 => market
	TakeProfit float64
	StopLoss   float64
	ClientID   string // deterministic client order id (idempotency key)
	ReduceOnly bool   // closing order, no TP/SL attachment
}

// OrderResult returns the venue ack.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	FilledQty       float64
	AvgPrice        float64
}

// Balance is the quote-asset balance view used for pre-trade verification.
type Balance struct {
	Asset     string
	Total     float64
	Available float64
}

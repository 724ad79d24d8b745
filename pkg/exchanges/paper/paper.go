// Package paper provides an in-process simulated venue. It implements the
// common.Gateway interface with instant fills, configurable slippage and
// fault injection, and is used for dry-run mode and pipeline tests.
package paper

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"signal-core/pkg/exchanges/common"
)

const venueName = "paper"

// SimConfig tunes how realistic the paper fills are.
type SimConfig struct {
	SlippageBps  float64 // basis points of adverse price movement on fills
	FillLatency  time.Duration
	InitialFunds float64
}

// Venue is a simulated exchange. Safe for concurrent use.
type Venue struct {
	cfg SimConfig
	rng *rand.Rand

	mu        sync.Mutex
	orders    map[string]common.OrderResult // keyed by client order id
	available float64
	nextID    int64

	// failures queued by test code; consumed one per SubmitOrder call
	injected []*injection
}

func New(cfg SimConfig) *Venue {
	if cfg.InitialFunds == 0 {
		cfg.InitialFunds = 10000
	}
	return &Venue{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		orders:    make(map[string]common.OrderResult),
		available: cfg.InitialFunds,
	}
}

// InjectError queues an error to be returned by the next SubmitOrder call.
// When recorded is true the order is still stored before the error returns,
// which reproduces the ambiguous submit-then-network-drop case.
func (v *Venue) InjectError(err error, recorded bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.injected = append(v.injected, &injection{err: err, recorded: recorded})
}

type injection struct {
	err      error
	recorded bool
}

func (v *Venue) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if v.cfg.FillLatency > 0 {
		select {
		case <-time.After(v.cfg.FillLatency):
		case <-ctx.Done():
			return common.OrderResult{}, ctx.Err()
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.injected) > 0 {
		inj := v.injected[0]
		v.injected = v.injected[1:]
		if inj.recorded {
			v.recordFill(req)
		}
		return common.OrderResult{}, inj.err
	}

	// Duplicate client ids return the original fill rather than double-filling.
	if req.ClientID != "" {
		if existing, ok := v.orders[req.ClientID]; ok {
			return existing, nil
		}
	}

	return v.recordFill(req), nil
}

// recordFill fills the order instantly at the requested price with slippage.
// Caller holds the lock.
func (v *Venue) recordFill(req common.OrderRequest) common.OrderResult {
	price := req.Price
	if price <= 0 {
		price = 1
	}
	if v.cfg.SlippageBps > 0 {
		noise := v.rng.Float64() * v.cfg.SlippageBps / 10000.0
		if req.Side == common.SideBuy {
			price *= 1 + noise
		} else {
			price *= 1 - noise
		}
	}

	v.nextID++
	result := common.OrderResult{
		ExchangeOrderID: "paper-" + strconv.FormatInt(v.nextID, 10),
		ClientID:        req.ClientID,
		Status:          common.StatusFilled,
		FilledQty:       req.Qty,
		AvgPrice:        price,
	}
	if req.ClientID != "" {
		v.orders[req.ClientID] = result
	}

	notional := req.Qty * price
	if req.Side == common.SideBuy && !req.ReduceOnly {
		v.available -= notional
	} else if req.ReduceOnly {
		v.available += notional
	}
	return result
}

func (v *Venue) QueryOrderByClientID(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if result, ok := v.orders[clientID]; ok {
		return result, nil
	}
	return common.OrderResult{}, common.ErrOrderNotFound
}

func (v *Venue) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, o := range v.orders {
		if o.ExchangeOrderID == exchangeOrderID && o.Status == common.StatusNew {
			o.Status = common.StatusCanceled
			v.orders[id] = o
			return nil
		}
	}
	return nil
}

func (v *Venue) Balance(ctx context.Context) (common.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return common.Balance{Asset: "USDT", Total: v.available, Available: v.available}, nil
}

// OrderCount reports how many orders the venue has recorded.
func (v *Venue) OrderCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

var _ common.Gateway = (*Venue)(nil)

// VenueName identifies the paper venue in connection records.
func VenueName() string { return venueName }

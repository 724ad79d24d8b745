package execution

import (
	"context"
	"testing"
	"time"

	"signal-core/pkg/exchanges/common"
)

type authFailGateway struct{}

func (authFailGateway) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return common.OrderResult{}, common.NewTerminal("stub", 401, "invalid api key")
}

func (authFailGateway) QueryOrderByClientID(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	return common.OrderResult{}, common.ErrOrderNotFound
}

func (authFailGateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return nil
}

func (authFailGateway) Balance(ctx context.Context) (common.Balance, error) {
	return common.Balance{Asset: "USDT", Total: 1e9, Available: 1e9}, nil
}

func TestInvalidateDropsCachedClient(t *testing.T) {
	p := newGatewayPool(nil, nil, false, nil, time.Minute)
	p.clients.Set("u1|binance", authFailGateway{})

	p.invalidate("u1", "binance")

	if _, ok := p.clients.Get("u1|binance"); ok {
		t.Error("client survived invalidate")
	}
}

func TestAuthErrorEvictsCachedGateway(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()

	f.engine.gateways.clients.Set("user-1|stub", authFailGateway{})
	_, op := f.seed(t, "LONG")
	op.Venue = "stub"

	outcome := f.engine.ExecuteOp(ctx, op)
	if outcome.OK || outcome.Retry {
		t.Fatalf("outcome = %+v, want terminal rejection", outcome)
	}
	if _, ok := f.engine.gateways.clients.Get("user-1|stub"); ok {
		t.Error("gateway still cached after auth rejection; rotated credentials would never be picked up")
	}
}

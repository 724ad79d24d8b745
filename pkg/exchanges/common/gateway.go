package common

import "context"

// Gateway abstracts a trading venue.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	// QueryOrderByClientID looks up an order by its client order id.
	// Returns ErrOrderNotFound when the venue has never seen the id; the
	// engine relies on this before retrying a network-ambiguous submission.
	QueryOrderByClientID(ctx context.Context, symbol, clientID string) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	Balance(ctx context.Context) (Balance, error)
}

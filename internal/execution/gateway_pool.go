package execution

import (
	"context"
	"fmt"
	"time"

	"signal-core/pkg/cache"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/binance"
	"signal-core/pkg/exchanges/bybit"
	"signal-core/pkg/exchanges/common"
	"signal-core/pkg/exchanges/paper"
)

// gatewayPool caches per-(user, venue) gateway clients so credentials are
// decrypted and clients built once per TTL window, not per order.
type gatewayPool struct {
	database *db.Database
	vault    *crypto.Vault
	testnet  bool
	clients  *cache.TTLCache[common.Gateway]

	// paperVenue is shared across users so simulated state is process-wide.
	paperVenue *paper.Venue
}

func newGatewayPool(database *db.Database, vault *crypto.Vault, testnet bool, paperVenue *paper.Venue, ttl time.Duration) *gatewayPool {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &gatewayPool{
		database:   database,
		vault:      vault,
		testnet:    testnet,
		clients:    cache.New[common.Gateway](ttl),
		paperVenue: paperVenue,
	}
}

// get resolves the user's active connection on a venue into a ready gateway.
func (p *gatewayPool) get(ctx context.Context, userID, venue string) (common.Gateway, error) {
	if venue == paper.VenueName() && p.paperVenue != nil {
		return p.paperVenue, nil
	}

	key := userID + "|" + venue
	if gw, ok := p.clients.Get(key); ok {
		return gw, nil
	}

	conn, err := p.database.ActiveConnection(ctx, userID, venue)
	if err != nil {
		return nil, fmt.Errorf("resolve connection %s/%s: %w", userID, venue, err)
	}
	apiKey, err := p.vault.Unseal(conn.APIKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("unseal api key for %s/%s: %w", userID, venue, err)
	}
	apiSecret, err := p.vault.Unseal(conn.APISecretEncrypted)
	if err != nil {
		return nil, fmt.Errorf("unseal api secret for %s/%s: %w", userID, venue, err)
	}

	var gw common.Gateway
	switch venue {
	case "binance":
		client := binance.New(binance.Config{APIKey: apiKey, APISecret: apiSecret, Testnet: p.testnet})
		if err := client.SyncTime(ctx); err != nil {
			return nil, fmt.Errorf("binance time sync: %w", err)
		}
		gw = client
	case "bybit":
		gw = bybit.New(bybit.Config{APIKey: apiKey, APISecret: apiSecret, Testnet: p.testnet})
	default:
		return nil, fmt.Errorf("unsupported venue %q", venue)
	}

	p.clients.Set(key, gw)
	return gw, nil
}

// invalidate drops a cached gateway, forcing credential re-resolution.
func (p *gatewayPool) invalidate(userID, venue string) {
	p.clients.Delete(userID + "|" + venue)
}

// Package tier classifies user accounts as MANAGED or SANDBOX. The cutoff
// between the tiers is configuration, not code; the default classifier reads
// the user's funding state from the database and compares it to the
// configured minimum.
package tier

import (
	"context"
	"fmt"
	"time"

	"signal-core/pkg/cache"
	"signal-core/pkg/db"
)

const (
	Managed = "MANAGED"
	Sandbox = "SANDBOX"
)

// Classifier maps a user id to a tier. Classification is read-only and
// idempotent; reclassification never touches in-flight operations.
type Classifier interface {
	Classify(ctx context.Context, userID string) (string, error)
}

// FundingClassifier is the default implementation: users whose funding meets
// the configured minimum are MANAGED, everyone else is SANDBOX. Lookups are
// cached so the scheduler does not hit SQLite for every fan-out row.
type FundingClassifier struct {
	database   *db.Database
	minFunding float64
	cache      *cache.TTLCache[string]
}

func NewFundingClassifier(database *db.Database, minFunding float64, ttl time.Duration) *FundingClassifier {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &FundingClassifier{
		database:   database,
		minFunding: minFunding,
		cache:      cache.New[string](ttl),
	}
}

func (c *FundingClassifier) Classify(ctx context.Context, userID string) (string, error) {
	if tier, ok := c.cache.Get(userID); ok {
		return tier, nil
	}

	user, err := c.database.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("classify user %s: %w", userID, err)
	}
	tier := Sandbox
	if user.Funding >= c.minFunding {
		tier = Managed
	}
	c.cache.Set(userID, tier)
	return tier, nil
}

// Invalidate drops a user's cached tier, forcing a re-read on next use.
// Called when funding or subscription state changes.
func (c *FundingClassifier) Invalidate(userID string) {
	c.cache.Delete(userID)
}

// StaticClassifier returns a fixed tier per user, for tests.
type StaticClassifier map[string]string

func (s StaticClassifier) Classify(ctx context.Context, userID string) (string, error) {
	if tier, ok := s[userID]; ok {
		return tier, nil
	}
	return Sandbox, nil
}

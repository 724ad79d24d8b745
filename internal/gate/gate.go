// Package gate maintains the market direction policy and filters signals
// against it. The refresh loop is the sole writer of the policy; readers
// receive immutable version-stamped snapshots.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"signal-core/internal/events"
	"signal-core/internal/marketdata"
	"signal-core/internal/signal"
	"signal-core/pkg/db"
)

const (
	LongOnly  = "LONG_ONLY"
	ShortOnly = "SHORT_ONLY"
	Both      = "BOTH"
)

// PolicyRejection is returned by Evaluate when the signal's direction is not
// allowed under the current policy.
type PolicyRejection struct {
	Direction string
	Policy    string
}

func (e *PolicyRejection) Error() string {
	return fmt.Sprintf("direction %s not allowed under policy %s", e.Direction, e.Policy)
}

// PolicySnapshot is the immutable view handed to readers. Stale means the
// last provider refresh failed and the policy is carried over.
type PolicySnapshot struct {
	Version        uint64
	Direction      string
	SentimentScore float64
	Reason         string
	ComputedAt     time.Time
	Stale          bool
}

// Thresholds maps the sentiment score onto a policy. Scores below LongMax
// (fear) allow only longs, scores above ShortMin (greed) allow only shorts,
// the band between allows both.
type Thresholds struct {
	LongMax  float64
	ShortMin float64
}

func (t Thresholds) classify(score float64) (direction, reason string) {
	switch {
	case score < t.LongMax:
		return LongOnly, fmt.Sprintf("sentiment %.1f below %.1f, fear regime", score, t.LongMax)
	case score > t.ShortMin:
		return ShortOnly, fmt.Sprintf("sentiment %.1f above %.1f, greed regime", score, t.ShortMin)
	default:
		return Both, fmt.Sprintf("sentiment %.1f in neutral band", score)
	}
}

// Gate owns the direction policy state.
type Gate struct {
	provider   marketdata.Provider
	database   *db.Database
	bus        *events.Bus
	thresholds Thresholds
	interval   time.Duration

	mu       sync.RWMutex
	snapshot PolicySnapshot
}

func New(provider marketdata.Provider, database *db.Database, bus *events.Bus, thresholds Thresholds, interval time.Duration) *Gate {
	if thresholds.LongMax == 0 && thresholds.ShortMin == 0 {
		thresholds = Thresholds{LongMax: 40, ShortMin: 60}
	}
	if interval <= 0 {
		interval = 3 * time.Minute
	}
	return &Gate{
		provider:   provider,
		database:   database,
		bus:        bus,
		thresholds: thresholds,
		interval:   interval,
		snapshot: PolicySnapshot{
			Version:    1,
			Direction:  Both,
			Reason:     "initial policy, no data yet",
			ComputedAt: time.Now().UTC(),
			Stale:      true,
		},
	}
}

// Init loads the last persisted policy so a restart does not flap back to
// BOTH, then performs one synchronous refresh.
func (g *Gate) Init(ctx context.Context) {
	if last, err := g.database.LatestPolicy(ctx); err == nil {
		g.mu.Lock()
		g.snapshot = PolicySnapshot{
			Version:        g.snapshot.Version + 1,
			Direction:      last.Direction,
			SentimentScore: last.SentimentScore,
			Reason:         last.Reason,
			ComputedAt:     last.ComputedAt,
			Stale:          true,
		}
		g.mu.Unlock()
	} else if !errors.Is(err, db.ErrNotFound) {
		log.Printf("gate: load last policy: %v", err)
	}
	g.Refresh(ctx)
}

// Run drives the refresh loop until ctx is cancelled. It is the only writer
// of the policy snapshot.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Refresh(ctx)
		}
	}
}

// Refresh pulls indicators and recomputes the policy. Provider failure keeps
// the previous policy and marks the snapshot stale.
func (g *Gate) Refresh(ctx context.Context) {
	ind, err := g.provider.Fetch(ctx)
	if err != nil {
		log.Printf("gate: indicator fetch failed, keeping %s policy: %v", g.Snapshot().Direction, err)
		g.mu.Lock()
		g.snapshot.Stale = true
		g.mu.Unlock()
		return
	}

	direction, reason := g.thresholds.classify(ind.SentimentScore)

	g.mu.Lock()
	old := g.snapshot
	changed := old.Direction != direction
	g.snapshot = PolicySnapshot{
		Version:        old.Version + 1,
		Direction:      direction,
		SentimentScore: ind.SentimentScore,
		Reason:         reason,
		ComputedAt:     ind.ObservedAt,
		Stale:          false,
	}
	g.mu.Unlock()

	if !changed {
		return
	}

	log.Printf("gate: policy %s -> %s (%s)", old.Direction, direction, reason)
	if err := g.database.InsertPolicy(ctx, db.DirectionPolicy{
		Direction:      direction,
		SentimentScore: ind.SentimentScore,
		Reason:         reason,
		ComputedAt:     ind.ObservedAt,
	}); err != nil {
		log.Printf("gate: persist policy transition: %v", err)
	}
	g.bus.Publish(events.EventPolicyChanged, events.PolicyChange{
		Old:    old.Direction,
		New:    direction,
		Score:  ind.SentimentScore,
		Reason: reason,
	})
}

// Snapshot returns the current policy view.
func (g *Gate) Snapshot() PolicySnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshot
}

// Evaluate gates a signal against the current policy. The returned snapshot
// is always the one the decision was made under. A stale snapshot still
// gates; the caller tags the signal for audit.
func (g *Gate) Evaluate(sig db.Signal) (PolicySnapshot, error) {
	snap := g.Snapshot()
	allowed := snap.Direction == Both ||
		(sig.Direction == signal.DirectionLong && snap.Direction == LongOnly) ||
		(sig.Direction == signal.DirectionShort && snap.Direction == ShortOnly)
	if !allowed {
		return snap, &PolicyRejection{Direction: sig.Direction, Policy: snap.Direction}
	}
	return snap, nil
}

package gate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"signal-core/internal/events"
	"signal-core/internal/marketdata"
	"signal-core/internal/signal"
	"signal-core/pkg/db"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	d, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return d
}

func newTestGate(t *testing.T, score float64) (*Gate, *marketdata.MockProvider, *events.Bus) {
	t.Helper()
	provider := marketdata.NewMockProvider(score)
	provider.SetScore(score)
	bus := events.NewBus()
	g := New(provider, newTestDB(t), bus, Thresholds{LongMax: 40, ShortMin: 60}, time.Minute)
	return g, provider, bus
}

func TestThresholdClassification(t *testing.T) {
	th := Thresholds{LongMax: 40, ShortMin: 60}
	tests := []struct {
		score float64
		want  string
	}{
		{0, LongOnly},
		{15, LongOnly},
		{39.9, LongOnly},
		{40, Both}, // boundary is inclusive on the neutral side
		{50, Both},
		{60, Both},
		{60.1, ShortOnly},
		{100, ShortOnly},
	}
	for _, tt := range tests {
		got, _ := th.classify(tt.score)
		if got != tt.want {
			t.Errorf("classify(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestFearScoreRejectsShorts(t *testing.T) {
	g, _, _ := newTestGate(t, 15)
	g.Refresh(context.Background())

	snap := g.Snapshot()
	if snap.Direction != LongOnly {
		t.Fatalf("policy = %s, want LONG_ONLY", snap.Direction)
	}
	if snap.Stale {
		t.Error("fresh refresh must not be stale")
	}

	_, err := g.Evaluate(db.Signal{Direction: signal.DirectionShort})
	var rej *PolicyRejection
	if !errors.As(err, &rej) {
		t.Fatalf("err = %v, want *PolicyRejection", err)
	}
	if rej.Policy != LongOnly {
		t.Errorf("rejection policy = %s", rej.Policy)
	}

	if _, err := g.Evaluate(db.Signal{Direction: signal.DirectionLong}); err != nil {
		t.Errorf("LONG under LONG_ONLY: %v", err)
	}
}

func TestLongOnlyBoundaryBatch(t *testing.T) {
	g, _, _ := newTestGate(t, 10)
	g.Refresh(context.Background())

	for i := 0; i < 100; i++ {
		if _, err := g.Evaluate(db.Signal{Direction: signal.DirectionLong}); err != nil {
			t.Fatalf("LONG %d rejected: %v", i, err)
		}
		if _, err := g.Evaluate(db.Signal{Direction: signal.DirectionShort}); err == nil {
			t.Fatalf("SHORT %d approved under LONG_ONLY", i)
		}
	}
}

func TestProviderFailureKeepsPolicyStale(t *testing.T) {
	g, provider, _ := newTestGate(t, 15)
	ctx := context.Background()
	g.Refresh(ctx)
	if got := g.Snapshot().Direction; got != LongOnly {
		t.Fatalf("policy = %s", got)
	}

	provider.Err = errors.New("indicator endpoint down")
	g.Refresh(ctx)

	snap := g.Snapshot()
	if snap.Direction != LongOnly {
		t.Errorf("policy flipped to %s on provider failure", snap.Direction)
	}
	if !snap.Stale {
		t.Error("snapshot must be stale after a failed refresh")
	}

	// gating continues under the stale policy
	if _, err := g.Evaluate(db.Signal{Direction: signal.DirectionShort}); err == nil {
		t.Error("stale LONG_ONLY must still reject SHORT")
	}
}

func TestTransitionPersistsAndPublishes(t *testing.T) {
	g, provider, bus := newTestGate(t, 15)
	ctx := context.Background()
	ch, unsub := bus.Subscribe(events.EventPolicyChanged, 4)
	defer unsub()

	g.Refresh(ctx) // BOTH -> LONG_ONLY
	provider.SetScore(80)
	g.Refresh(ctx) // LONG_ONLY -> SHORT_ONLY
	provider.SetScore(80)
	g.Refresh(ctx) // no change, no event

	var changes []events.PolicyChange
	timeout := time.After(time.Second)
	for len(changes) < 2 {
		select {
		case msg := <-ch:
			changes = append(changes, msg.(events.PolicyChange))
		case <-timeout:
			t.Fatalf("got %d policy change events, want 2", len(changes))
		}
	}
	if changes[1].Old != LongOnly || changes[1].New != ShortOnly {
		t.Errorf("second transition = %+v", changes[1])
	}
	select {
	case msg := <-ch:
		t.Errorf("unexpected third event: %v", msg)
	case <-time.After(50 * time.Millisecond):
	}

	history, err := g.database.ListPolicies(ctx, 10)
	if err != nil {
		t.Fatalf("ListPolicies: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("history rows = %d, want 2", len(history))
	}
}

func TestInitRestoresPersistedPolicy(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	if err := database.InsertPolicy(ctx, db.DirectionPolicy{
		Direction:      ShortOnly,
		SentimentScore: 75,
		Reason:         "greed regime",
		ComputedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	provider := marketdata.NewMockProvider(50)
	provider.Err = errors.New("down at startup")
	g := New(provider, database, events.NewBus(), Thresholds{LongMax: 40, ShortMin: 60}, time.Minute)
	g.Init(ctx)

	snap := g.Snapshot()
	if snap.Direction != ShortOnly {
		t.Errorf("restored policy = %s, want SHORT_ONLY", snap.Direction)
	}
	if !snap.Stale {
		t.Error("restored policy must be stale until a successful refresh")
	}
}

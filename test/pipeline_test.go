package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"signal-core/internal/api"
	"signal-core/internal/events"
	"signal-core/internal/execution"
	"signal-core/internal/gate"
	"signal-core/internal/marketdata"
	"signal-core/internal/monitor"
	"signal-core/internal/scheduler"
	"signal-core/internal/settlement"
	"signal-core/internal/signal"
	"signal-core/internal/tier"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/paper"
)

// pipeline wires every component the way main.go does, on a fast tick, with
// the paper venue standing in for exchanges.
type pipeline struct {
	server   *httptest.Server
	database *db.Database
	provider *marketdata.MockProvider
	gate     *gate.Gate
	prices   *execution.StaticPrices
	venue    *paper.Venue
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := events.NewBus()

	provider := marketdata.NewMockProvider(50)
	directionGate := gate.New(provider, database, bus,
		gate.Thresholds{LongMax: 40, ShortMin: 60}, time.Hour)
	directionGate.Init(ctx)

	settler := settlement.New(settlement.Config{
		MonthlyRate:    0.10,
		PrepaidRate:    0.20,
		AffiliateShare: 0.20,
	}, database, settlement.StaticRates{}, bus)

	venue := paper.New(paper.SimConfig{InitialFunds: 100000})
	prices := execution.NewStaticPrices(map[string]float64{"BTCUSDT": 100, "ETHUSDT": 100})
	engine := execution.New(execution.Config{
		ManagedNotional: 1000,
		SandboxNotional: 100,
		RetryBaseDelay:  time.Millisecond,
	}, database, nil, bus, settler, prices, venue)

	classifier := tier.NewFundingClassifier(database, 1000, time.Minute)
	sched := scheduler.New(scheduler.Config{
		TickInterval:  20 * time.Millisecond,
		BatchCapacity: 10,
		BaseDelay:     time.Millisecond,
	}, database, classifier, bus, engine, engine)
	if err := sched.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	go sched.Run(ctx)

	metrics := monitor.NewPipelineMetrics()
	mon := &monitor.Monitor{Bus: bus, Metrics: metrics}
	mon.Start(ctx)

	vault, err := crypto.NewVaultWithKey(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	srv := api.NewServer(database, bus, directionGate, sched,
		signal.NewNormalizer(signal.DefaultExtractors()),
		metrics, vault, "pipeline-secret",
		api.Meta{Version: "test", PaperMode: true})

	server := httptest.NewServer(srv.Router)
	t.Cleanup(server.Close)

	return &pipeline{
		server:   server,
		database: database,
		provider: provider,
		gate:     directionGate,
		prices:   prices,
		venue:    venue,
	}
}

func (p *pipeline) seedUser(t *testing.T, funding float64, plan string) string {
	t.Helper()
	ctx := context.Background()
	userID := uuid.NewString()
	if err := p.database.CreateUser(ctx, db.User{
		ID: userID, Email: userID + "@example.com", PasswordHash: "x",
		Plan: plan, Funding: funding, IsActive: true, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := p.database.CreateConnection(ctx, db.Connection{
		ID: uuid.NewString(), UserID: userID, Venue: "paper",
		APIKeyEncrypted: "k", APISecretEncrypted: "s", IsActive: true,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return userID
}

func (p *pipeline) postSignal(t *testing.T, payload map[string]any) map[string]any {
	t.Helper()
	body, _ := json.Marshal(payload)
	resp, err := http.Post(p.server.URL+"/api/signal", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post signal: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSignalToSettlementFlow(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	userID := p.seedUser(t, 5000, "MONTHLY")

	// entry: approved, fanned out, filled on the paper venue
	entry := p.postSignal(t, map[string]any{"symbol": "BTCUSDT", "direction": "buy"})
	if entry["status"] != "APPROVED" {
		t.Fatalf("entry response = %v", entry)
	}
	entryID := entry["signal_id"].(string)

	waitFor(t, "entry order fill", func() bool {
		orders, err := p.database.ListOrdersBySignal(ctx, entryID)
		return err == nil && len(orders) == 1 && orders[0].Status == "FILLED"
	})

	pos, err := p.database.OpenPositionForUser(ctx, userID, "BTCUSDT")
	if err != nil {
		t.Fatalf("open position: %v", err)
	}
	if pos.Side != "LONG" {
		t.Fatalf("position side = %s", pos.Side)
	}

	// price moves up, an opposite signal exits the position at a profit
	p.prices.Set("BTCUSDT", 110)
	exit := p.postSignal(t, map[string]any{"symbol": "BTCUSDT", "direction": "sell"})
	if exit["status"] != "APPROVED" {
		t.Fatalf("exit response = %v", exit)
	}

	waitFor(t, "position close", func() bool {
		_, err := p.database.OpenPositionForUser(ctx, userID, "BTCUSDT")
		return errors.Is(err, db.ErrNotFound)
	})

	waitFor(t, "commission settlement", func() bool {
		records, err := p.database.ListCommissionsByUser(ctx, userID, 10)
		return err == nil && len(records) == 1
	})
	records, err := p.database.ListCommissionsByUser(ctx, userID, 10)
	if err != nil {
		t.Fatal(err)
	}
	// 1000 notional at 100 -> 10 units; +10 per unit -> 100 profit; 10% plan rate
	if records[0].GrossProfit != "100" || records[0].TotalCommission != "10" {
		t.Errorf("commission = %+v, want gross 100 total 10", records[0])
	}
}

func TestSandboxTierGetsSmallerOrders(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	userID := p.seedUser(t, 0, "PREPAID") // below the funding cutoff

	resp := p.postSignal(t, map[string]any{"symbol": "ETHUSDT", "direction": "long"})
	if resp["status"] != "APPROVED" {
		t.Fatalf("response = %v", resp)
	}
	sigID := resp["signal_id"].(string)

	waitFor(t, "sandbox order fill", func() bool {
		orders, err := p.database.ListOrdersBySignal(ctx, sigID)
		return err == nil && len(orders) == 1 && orders[0].Status == "FILLED"
	})

	ops, err := p.database.ListOpsBySignal(ctx, sigID)
	if err != nil || len(ops) != 1 {
		t.Fatalf("ops = %v, %v", ops, err)
	}
	if ops[0].Tier != tier.Sandbox || ops[0].UserID != userID {
		t.Errorf("op = %+v, want SANDBOX for %s", ops[0], userID)
	}

	orders, err := p.database.ListOrdersBySignal(ctx, sigID)
	if err != nil {
		t.Fatal(err)
	}
	// sandbox notional 100 at price 100 -> qty 1
	if orders[0].Qty != 1 {
		t.Errorf("qty = %v, want 1", orders[0].Qty)
	}
}

func TestPolicyFlipDoesNotTouchInFlightOps(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.seedUser(t, 5000, "MONTHLY")

	first := p.postSignal(t, map[string]any{"symbol": "BTCUSDT", "direction": "sell"})
	if first["status"] != "APPROVED" {
		t.Fatalf("first response = %v", first)
	}
	firstID := first["signal_id"].(string)

	// sentiment collapses into fear; new shorts are no longer allowed
	p.provider.SetScore(10)
	p.gate.Refresh(ctx)

	second := p.postSignal(t, map[string]any{"symbol": "BTCUSDT", "direction": "sell"})
	if second["status"] != "REJECTED" {
		t.Fatalf("second response = %v, want REJECTED", second)
	}
	if second["policy"] != gate.LongOnly {
		t.Errorf("policy = %v, want LONG_ONLY", second["policy"])
	}

	// the already-enqueued short still runs to completion
	waitFor(t, "first order fill", func() bool {
		orders, err := p.database.ListOrdersBySignal(ctx, firstID)
		return err == nil && len(orders) == 1 && orders[0].Status == "FILLED"
	})
}

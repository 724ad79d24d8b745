package main

import (
	"context"
	"log"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

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
	"signal-core/pkg/config"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/paper"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: load config: %v", err)
	}

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	log.Printf("main: starting signal-core %s on port %s", buildVersion, cfg.Port)
	log.Printf("main: using database %s", cfg.DBPath)

	ctx, stop := osignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("main: open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("main: apply migrations: %v", err)
	}

	bus := events.NewBus()

	vault, err := crypto.LoadVault()
	if err != nil {
		if !cfg.PaperVenue {
			log.Fatalf("main: load credential vault: %v", err)
		}
		// paper mode never stores real credentials; an ephemeral key is fine
		key, genErr := crypto.GenerateKey()
		if genErr != nil {
			log.Fatalf("main: generate ephemeral key: %v", genErr)
		}
		os.Setenv(crypto.CredentialKeyEnv, key)
		if vault, err = crypto.LoadVault(); err != nil {
			log.Fatalf("main: load credential vault: %v", err)
		}
		log.Println("main: CREDENTIAL_KEY not set, sealing with an ephemeral key")
	}

	// Direction gate
	var provider marketdata.Provider
	if cfg.UseMockMarketData {
		provider = marketdata.NewMockProvider(50)
		log.Println("main: using mock market sentiment provider")
	} else {
		provider = marketdata.NewHTTPProvider(cfg.MarketDataURL)
	}
	directionGate := gate.New(provider, database, bus,
		gate.Thresholds{LongMax: cfg.GateLongMaxScore, ShortMin: cfg.GateShortMinScore},
		time.Duration(cfg.GateRefreshSeconds)*time.Second)
	directionGate.Init(ctx)
	go directionGate.Run(ctx)

	// Settlement
	settler := settlement.New(settlement.Config{
		MonthlyRate:    cfg.MonthlyRate,
		PrepaidRate:    cfg.PrepaidRate,
		AffiliateShare: cfg.AffiliateShare,
	}, database, settlement.StaticRates{}, bus)

	// Execution engine. In paper mode every venue resolves to the in-process
	// simulator seeded with reference prices.
	var paperVenue *paper.Venue
	if cfg.PaperVenue {
		paperVenue = paper.New(paper.SimConfig{SlippageBps: 5, InitialFunds: 1_000_000})
		log.Println("main: paper venue enabled, orders stay in-process")
	}
	prices := execution.NewStaticPrices(map[string]float64{
		"BTCUSDT": 65000,
		"ETHUSDT": 3300,
		"SOLUSDT": 150,
	})
	engine := execution.New(execution.Config{
		Workers:          cfg.ExecutionWorkers,
		PerVenueWorkers:  cfg.PerVenueWorkers,
		DefaultStopPct:   cfg.DefaultStopLossPct,
		DefaultProfitPct: cfg.DefaultTakeProfPct,
		ManagedNotional:  cfg.ManagedNotional,
		SandboxNotional:  cfg.SandboxNotional,
		MaxAttempts:      cfg.MaxAttempts,
		RetryBaseDelay:   time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond,
		Testnet:          cfg.VenueTestnet,
	}, database, vault, bus, settler, prices, paperVenue)

	// Orders stuck between submit and acknowledgement get re-queried
	reconciler := execution.NewReconciler(engine, database, bus, 5*time.Minute, time.Minute)
	reconciler.Start(ctx)

	// Scheduler
	classifier := tier.NewFundingClassifier(database, cfg.ManagedMinFunding, time.Minute)
	sched := scheduler.New(scheduler.Config{
		TickInterval:      time.Duration(cfg.SchedulerTickMs) * time.Millisecond,
		BatchCapacity:     cfg.BatchCapacity,
		ManagedShare:      cfg.ManagedShare,
		DepthLimit:        cfg.QueueDepthLimit,
		MaxAttempts:       cfg.MaxAttempts,
		BaseDelay:         time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond,
		SandboxDropOnBusy: cfg.SandboxDropOnBusy,
	}, database, classifier, bus, engine, engine)
	if err := sched.Recover(ctx); err != nil {
		log.Fatalf("main: recover queues: %v", err)
	}
	go sched.Run(ctx)

	// Monitoring
	metrics := monitor.NewPipelineMetrics()
	mon := &monitor.Monitor{
		Bus:     bus,
		Metrics: metrics,
		AlertFn: func(msg string) { log.Printf("main: pipeline alert: %s", msg) },
	}
	mon.Start(ctx)

	// Signal normalization
	extractors := signal.DefaultExtractors()
	if cfg.ExtractorConfigPath != "" {
		loaded, err := signal.LoadExtractors(cfg.ExtractorConfigPath)
		if err != nil {
			log.Fatalf("main: load extractor config: %v", err)
		}
		extractors = loaded
	}

	server := api.NewServer(database, bus, directionGate, sched,
		signal.NewNormalizer(extractors), metrics, vault, cfg.JWTSecret,
		api.Meta{Version: buildVersion, PaperMode: cfg.PaperVenue})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("main: api server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("main: shutting down")
}
